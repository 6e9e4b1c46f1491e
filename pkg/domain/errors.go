package domain
import (
	"github.com/pkg/errors"
	"net/http"
)

var (
	ErrPasteNotFound      = NewErr("PASTE_NOT_FOUND", "Requested paste does not exist, has too many views, or has expired.", http.StatusNotFound)
	ErrInvalidSafetyToken = NewErr("INVALID_SAFETY_TOKEN", "safety token does not match any paste", http.StatusNotFound)
	ErrNoFiles            = NewErr("NO_FILES", "a paste needs at least one file", http.StatusBadRequest)
	ErrTooManyFiles       = NewErr("TOO_MANY_FILES", "too many files in paste", http.StatusBadRequest)
	ErrContentRequired    = NewErr("CONTENT_REQUIRED", "file content required", http.StatusBadRequest)
	ErrContentTooLarge    = NewErr("CONTENT_TOO_LARGE", "file content too large", http.StatusRequestEntityTooLarge)
	ErrInvalidFileName    = NewErr("INVALID_FILENAME", "file name must be 1-32 characters without newlines", http.StatusUnprocessableEntity)
	ErrInvalidPassword    = NewErr("INVALID_PASSWORD", "password must be 1-72 bytes", http.StatusUnprocessableEntity)
	ErrInvalidMaxViews    = NewErr("INVALID_MAX_VIEWS", "max_views must be between 1 and 128", http.StatusUnprocessableEntity)
	ErrInvalidRequest     = NewErr("INVALID_REQUEST", "invalid request", http.StatusBadRequest)
	ErrRateLimitExceeded  = NewErr("RATE_LIMIT_EXCEEDED", "rate limit exceeded", http.StatusTooManyRequests)
	ErrInternalServer     = NewErr("INTERNAL_ERROR", "internal error", http.StatusInternalServerError)
	ErrIDGenerationFailed = NewErr("ID_GENERATION_FAILED", "id generation failed", http.StatusInternalServerError)
	ErrShuttingDown       = NewErr("SHUTTING_DOWN", "service shutting down", http.StatusServiceUnavailable)
	ErrServerBusy         = NewErr("SERVER_BUSY", "server busy, retry later", http.StatusServiceUnavailable)
)
type Err struct {
	Code   string `json:"code"`
	Msg    string `json:"message"`
	Status int    `json:"-"`
}
func (e *Err) Error() string { return e.Msg }
func NewErr(code, msg string, status int) *Err {
	return &Err{Code: code, Msg: msg, Status: status}
}
type ErrResp struct {
	Error ErrDetail `json:"error"`
}
type ErrDetail struct {
	Code      string `json:"code"`
	Msg       string `json:"message"`
	RequestID string `json:"request_id,omitempty"`
}
func ToResp(err error) ErrResp {
	if e, ok := errors.Cause(err).(*Err); ok {
		return ErrResp{Error: ErrDetail{Code: e.Code, Msg: e.Msg}}
	}
	return ErrResp{Error: ErrDetail{Code: "INTERNAL_ERROR", Msg: "internal error"}}
}
func Status(err error) int {
	if e, ok := errors.Cause(err).(*Err); ok {
		return e.Status
	}
	return http.StatusInternalServerError
}

// IsClientErr reports whether err is a domain error below 500.
func IsClientErr(err error) bool {
	e, ok := errors.Cause(err).(*Err)
	return ok && e.Status < http.StatusInternalServerError
}
