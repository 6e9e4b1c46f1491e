package api

import (
	"encoding/json"
	"io"
	"mime"
	"net/http"
	"strings"
	"time"

	"echobin/cfg"
	"echobin/pkg/domain"
	"echobin/svc/svc"
	"echobin/svc/util"

	"github.com/go-chi/chi/v5"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/hlog"
)

const (
	passwordScheme = "Password "
	// JSON escaping can grow each character to six bytes.
	jsonOverhead = 6
	bodySlack    = 16 * 1024
)

type Hdl struct {
	paste *svc.Paste
	cfg   *cfg.Cfg
}
type CreateReq struct {
	Files     []domain.CreateFile `json:"files"`
	Password  string              `json:"password,omitempty"`
	MaxViews  *int                `json:"max_views,omitempty"`
	ExpiresAt *time.Time          `json:"expires,omitempty"`
}

func (h *Hdl) maxBody() int64 {
	return int64(h.cfg.MaxFiles)*int64(h.cfg.MaxFileChars)*jsonOverhead + bodySlack
}

// CreatePaste accepts either a JSON document or a plain-text body, which
// becomes a single unnamed file.
func (h *Hdl) CreatePaste(w http.ResponseWriter, r *http.Request) {
	log := hlog.FromRequest(r)
	rid := util.GetRequestID(r.Context())
	params, err := h.decodeCreate(w, r)
	if err != nil {
		log.Warn().Err(err).Int64("content_length", r.ContentLength).Msg("bad create body")
		writeErr(w, err, rid)
		return
	}
	paste, err := h.paste.Create(r.Context(), params)
	switch {
	case err == nil:
	case domain.IsClientErr(err):
		log.Warn().Err(err).Msg("paste rejected")
		writeErr(w, err, rid)
		return
	default:
		log.Error().Err(err).Msg("create failed")
		writeErr(w, err, rid)
		return
	}
	log.Info().
		Str("paste_id", paste.ID).
		Int("files", len(paste.Files)).
		Bool("password_protected", params.Password != "").
		Msg("paste created")
	writeJSON(w, http.StatusCreated, paste)
}

// decodeCreate bounds the body and maps it to create parameters. Errors are
// domain errors ready for writeErr.
func (h *Hdl) decodeCreate(w http.ResponseWriter, r *http.Request) (domain.CreateParams, error) {
	limit := h.maxBody()
	if r.ContentLength > limit {
		return domain.CreateParams{}, domain.ErrContentTooLarge
	}
	if r.Header.Get("Content-Encoding") != "" {
		return domain.CreateParams{}, errors.Wrap(domain.ErrInvalidRequest, "compressed body")
	}
	body := http.MaxBytesReader(w, r.Body, limit)
	if mt, _, _ := mime.ParseMediaType(r.Header.Get("Content-Type")); mt != "application/json" {
		raw, err := io.ReadAll(body)
		if err != nil {
			return domain.CreateParams{}, bodyErr(err)
		}
		return domain.CreateParams{Files: []domain.CreateFile{{Content: string(raw)}}}, nil
	}
	var req CreateReq
	dec := json.NewDecoder(body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(&req); err != nil {
		return domain.CreateParams{}, bodyErr(err)
	}
	return domain.CreateParams{
		Files:     req.Files,
		Password:  req.Password,
		MaxViews:  req.MaxViews,
		ExpiresAt: req.ExpiresAt,
	}, nil
}
func bodyErr(err error) error {
	var maxErr *http.MaxBytesError
	if errors.As(err, &maxErr) {
		return domain.ErrContentTooLarge
	}
	return errors.Wrap(domain.ErrInvalidRequest, err.Error())
}

// readPassword takes the read credential from Authorization, with or
// without the Password scheme, falling back to X-Paste-Password.
func readPassword(r *http.Request) string {
	if auth := r.Header.Get("Authorization"); auth != "" {
		return strings.TrimPrefix(auth, passwordScheme)
	}
	return r.Header.Get("X-Paste-Password")
}
func (h *Hdl) GetPaste(w http.ResponseWriter, r *http.Request) {
	log := hlog.FromRequest(r)
	id := chi.URLParam(r, "id")
	paste, err := h.paste.Get(r.Context(), id, readPassword(r))
	if err != nil {
		ev := log.Error()
		if errors.Is(err, domain.ErrPasteNotFound) {
			ev = log.Debug()
		}
		ev.Err(err).Str("paste_id", id).Msg("paste not served")
		writeErr(w, err, util.GetRequestID(r.Context()))
		return
	}
	log.Info().Str("paste_id", id).Int64("views", paste.Views).Msg("paste retrieved")
	writeJSON(w, http.StatusOK, paste)
}
func (h *Hdl) SecurityInfo(w http.ResponseWriter, r *http.Request) {
	info, err := h.paste.Lookup(r.Context(), chi.URLParam(r, "token"))
	if err != nil {
		writeErr(w, err, util.GetRequestID(r.Context()))
		return
	}
	writeJSON(w, http.StatusOK, info)
}
func (h *Hdl) SecurityDelete(w http.ResponseWriter, r *http.Request) {
	log := hlog.FromRequest(r)
	token := chi.URLParam(r, "token")
	info, err := h.paste.Delete(r.Context(), token)
	if err != nil {
		if !domain.IsClientErr(err) {
			log.Error().Err(err).Str("token", util.RedactToken(token)).Msg("delete failed")
		}
		writeErr(w, err, util.GetRequestID(r.Context()))
		return
	}
	log.Info().Str("paste_id", info.ID).Msg("paste deleted")
	writeJSON(w, http.StatusOK, info)
}

// writeErr hides the detail of server errors except the two that tell the
// client to retry.
func writeErr(w http.ResponseWriter, err error, requestID string) {
	status := domain.Status(err)
	resp := domain.ToResp(err)
	if status >= http.StatusInternalServerError {
		util.Error().Err(err).Str("request_id", requestID).Msg("request failed")
		if c := errors.Cause(err); c != domain.ErrShuttingDown && c != domain.ErrServerBusy {
			resp = domain.ToResp(domain.ErrInternalServer)
		}
	}
	resp.Error.RequestID = requestID
	writeJSON(w, status, resp)
}
