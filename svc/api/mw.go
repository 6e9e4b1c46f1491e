package api

import (
	"context"
	"net/http"
	"slices"
	"strconv"
	"strings"
	"time"

	"echobin/pkg/domain"
	"echobin/svc/lim"
	"echobin/svc/util"

	"github.com/go-chi/chi/v5/middleware"
)

func requestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := util.NewRequestID()
		w.Header().Set("X-Request-ID", id)
		next.ServeHTTP(w, r.WithContext(util.SetRequestID(r.Context(), id)))
	})
}
func timeout(d time.Duration) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx, cancel := context.WithTimeout(r.Context(), d)
			defer cancel()
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

var securityHeaders = map[string]string{
	"X-Content-Type-Options":    "nosniff",
	"X-Frame-Options":           "DENY",
	"Content-Security-Policy":   "default-src 'none'; frame-ancestors 'none';",
	"Strict-Transport-Security": "max-age=63072000; includeSubDomains",
	"Referrer-Policy":           "no-referrer",
	"Cache-Control":             "no-store",
}

func secureHeaders(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		for k, v := range securityHeaders {
			w.Header().Set(k, v)
		}
		next.ServeHTTP(w, r)
	})
}

// recoverer answers a panicking handler with the generic 500 body.
func recoverer(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			rvr := recover()
			if rvr == nil {
				return
			}
			if rvr == http.ErrAbortHandler {
				panic(rvr)
			}
			id := util.GetRequestID(r.Context())
			util.Error().Interface("panic", rvr).Str("request_id", id).Msg("panic recovered")
			writeErr(w, domain.ErrInternalServer, id)
		}()
		next.ServeHTTP(w, r)
	})
}

// rateLimit charges each request to endpoint's per-client budget.
func rateLimit(l *lim.Limiter, endpoint string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			res := l.CheckLimit(r, endpoint)
			h := w.Header()
			h.Set("X-RateLimit-Limit", strconv.Itoa(res.Limit))
			h.Set("X-RateLimit-Remaining", strconv.Itoa(res.Remaining))
			h.Set("X-RateLimit-Reset", strconv.FormatInt(res.Reset.Unix(), 10))
			if res.Allowed {
				next.ServeHTTP(w, r)
				return
			}
			util.Warn().
				Str("ip", util.RedactIP(l.ClientIP(r))).
				Str("endpoint", endpoint).
				Msg("rate limit exceeded")
			h.Set("Retry-After", strconv.Itoa(max(1, int(time.Until(res.Reset).Seconds()))))
			writeErr(w, domain.ErrRateLimitExceeded, util.GetRequestID(r.Context()))
		})
	}
}

// cors echoes allowed origins and short-circuits preflight requests.
func cors(origins []string) func(http.Handler) http.Handler {
	allowed := func(origin string) bool {
		return slices.ContainsFunc(origins, func(o string) bool {
			return o == "*" || strings.EqualFold(o, origin)
		})
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if origin := r.Header.Get("Origin"); origin != "" && allowed(origin) {
				h := w.Header()
				h.Set("Access-Control-Allow-Origin", origin)
				h.Set("Access-Control-Allow-Methods", "GET, POST, DELETE, OPTIONS")
				h.Set("Access-Control-Allow-Headers", "Content-Type, Authorization, X-Request-ID, X-Paste-Password")
				h.Set("Access-Control-Max-Age", "300")
				h.Add("Vary", "Origin")
			}
			if r.Method == http.MethodOptions {
				w.WriteHeader(http.StatusNoContent)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// metricsAuth guards /metrics with basic auth when credentials are set.
func metricsAuth(user, pass string) func(http.Handler) http.Handler {
	if user == "" && pass == "" {
		return func(next http.Handler) http.Handler { return next }
	}
	return middleware.BasicAuth("metrics", map[string]string{user: pass})
}

// errorRate feeds the anomaly detector with request and 5xx counts.
func errorRate(l *lim.Limiter) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			l.RecordRequest()
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			next.ServeHTTP(ww, r)
			if ww.Status() >= http.StatusInternalServerError {
				l.RecordError()
			}
		})
	}
}
