package util

import (
	"context"
	"runtime"

	"github.com/google/uuid"
)

type requestIDKey struct{}

func NewRequestID() string {
	return uuid.NewString()
}

// SetRequestID stores id in ctx and attaches a logger tagged with it, so
// zerolog.Ctx(ctx) lines carry the id.
func SetRequestID(ctx context.Context, id string) context.Context {
	ctx = context.WithValue(ctx, requestIDKey{}, id)
	return globalLog.With().Str("request_id", id).Logger().WithContext(ctx)
}

// GetRequestID returns the id stored in ctx, or a fresh one for work that
// did not start from a request.
func GetRequestID(ctx context.Context) string {
	if id, _ := ctx.Value(requestIDKey{}).(string); id != "" {
		return id
	}
	return NewRequestID()
}

// Wipe zeroes key material in place.
func Wipe(b []byte) {
	clear(b)
	runtime.KeepAlive(b)
}
