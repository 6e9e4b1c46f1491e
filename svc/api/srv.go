package api

import (
	"context"
	"net/http"
	"time"

	"echobin/cfg"
	"echobin/svc/db"
	"echobin/svc/lim"
	"echobin/svc/svc"
	"echobin/svc/util"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/hlog"
)

type Server struct {
	router     *chi.Mux
	cfg        *cfg.Cfg
	store      db.Store
	rdb        *db.Redis
	httpServer *http.Server
}

// NewServer mounts the paste API. rdb may be nil.
func NewServer(c *cfg.Cfg, p *svc.Paste, l *lim.Limiter, store db.Store, rdb *db.Redis) *Server {
	s := &Server{cfg: c, store: store, rdb: rdb}
	r := chi.NewRouter()
	r.Group(func(r chi.Router) {
		r.Use(recoverer)
		r.Get("/health", s.Health)
		r.Get("/ready", s.Ready)
		r.With(metricsAuth(c.MetricsUser, c.MetricsPass.Value())).Handle("/metrics", promhttp.Handler())
	})
	r.Group(func(r chi.Router) {
		r.Use(requestID, recoverer)
		r.Use(hlog.NewHandler(util.GetLogger()))
		r.Use(hlog.AccessHandler(func(req *http.Request, status, size int, dur time.Duration) {
			hlog.FromRequest(req).Info().
				Str("method", req.Method).
				Str("route", chi.RouteContext(req.Context()).RoutePattern()).
				Int("status", status).
				Int("size", size).
				Dur("duration", dur).
				Str("request_id", util.GetRequestID(req.Context())).
				Msg("http request")
		}))
		r.Use(timeout(c.ContextTimeout), secureHeaders, cors(c.AllowedOrigins))
		r.Use(middleware.SetHeader("Content-Type", "application/json"))
		r.Use(errorRate(l))
		hdl := &Hdl{paste: p, cfg: c}
		r.With(rateLimit(l, "create")).Post("/pastes", hdl.CreatePaste)
		r.With(rateLimit(l, "read")).Get("/pastes/{id}", hdl.GetPaste)
		r.With(rateLimit(l, "read")).Get("/security/{token}", hdl.SecurityInfo)
		r.With(rateLimit(l, "delete")).Delete("/security/{token}", hdl.SecurityDelete)
	})
	s.router = r
	s.httpServer = &http.Server{
		Addr:              ":" + c.Port,
		Handler:           r,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      15 * time.Second,
		IdleTimeout:       60 * time.Second,
		MaxHeaderBytes:    256 * 1024,
	}
	return s
}
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

// Run serves until ctx is done, then drains in-flight requests.
func (s *Server) Run(ctx context.Context, drain time.Duration) error {
	errCh := make(chan error, 1)
	go func() {
		util.Info().Str("port", s.cfg.Port).Msg("starting server")
		if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			util.Error().Err(err).Str("port", s.cfg.Port).Msg("server failed to start")
			errCh <- err
			return
		}
		errCh <- nil
	}()
	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), drain)
	defer cancel()
	if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
		return err
	}
	return <-errCh
}
