package log

import (
	"context"
	"io"
	"log/slog"
	"os"
	"sync/atomic"

	"github.com/charmbracelet/log"
)

var (
	level  atomic.Int32
	output io.Writer = os.Stderr
)

func init() {
	level.Store(int32(log.InfoLevel))
}

// SetLevel changes the level of every logger created afterwards.
// Accepts debug, info, warn, error and fatal.
func SetLevel(s string) error {
	l, err := log.ParseLevel(s)
	if err != nil {
		return err
	}
	level.Store(int32(l))
	return nil
}

func NewHandler(name string) slog.Handler {
	return log.NewWithOptions(output, log.Options{
		ReportTimestamp: true,
		Prefix:          name,
		Level:           log.Level(level.Load()),
	})
}

func New(name string) *slog.Logger {
	return slog.New(NewHandler(name))
}

func NewContext(ctx context.Context, name string) context.Context {
	return IntoContext(ctx, New(name))
}

type ctxKey struct{}

// IntoContext adds a logger to a context. Use FromContext to
// pull the logger out.
func IntoContext(ctx context.Context, l *slog.Logger) context.Context {
	return context.WithValue(ctx, ctxKey{}, l)
}

// FromContext returns the logger carried by ctx, or the default
// slog logger when there is none.
func FromContext(ctx context.Context) *slog.Logger {
	if ctx != nil {
		if l, ok := ctx.Value(ctxKey{}).(*slog.Logger); ok {
			return l
		}
	}

	return slog.Default()
}

// SubLogger derives a logger whose prefix is the base prefix with
// suffix appended, e.g. "followsync" -> "followsync/collector".
func SubLogger(base *slog.Logger, suffix string) *slog.Logger {
	if base != nil {
		if cl, ok := base.Handler().(*log.Logger); ok {
			if prefix := cl.GetPrefix(); prefix != "" {
				suffix = prefix + "/" + suffix
			}
		}
	}

	return slog.New(NewHandler(suffix))
}
