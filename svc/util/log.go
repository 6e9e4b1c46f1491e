package util

import (
	"context"
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

var globalLog zerolog.Logger

// InitLog writes JSON lines to stdout, or colored console output when dev.
func InitLog(level string, dev bool) {
	if dev {
		InitLogTo(zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: time.RFC3339}, level)
		return
	}
	InitLogTo(os.Stdout, level)
}

// InitLogTo falls back to info for an unknown level.
func InitLogTo(out io.Writer, level string) {
	lvl, err := zerolog.ParseLevel(level)
	if err != nil || level == "" {
		lvl = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(lvl)
	globalLog = zerolog.New(out).With().
		Timestamp().
		Caller().
		Str("service", "echobin").
		Logger()
	log.Logger = globalLog
}
func Debug() *zerolog.Event { return globalLog.Debug() }
func Info() *zerolog.Event  { return globalLog.Info() }
func Warn() *zerolog.Event  { return globalLog.Warn() }
func Error() *zerolog.Event { return globalLog.Error() }
func Fatal() *zerolog.Event { return globalLog.Fatal() }
func GetLogger() zerolog.Logger {
	return globalLog
}

// Ctx returns the request-scoped logger stored by SetRequestID, or the
// global logger.
func Ctx(ctx context.Context) *zerolog.Logger {
	if l := zerolog.Ctx(ctx); l.GetLevel() != zerolog.Disabled {
		return l
	}
	return &globalLog
}
