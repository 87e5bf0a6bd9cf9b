package audit

import (
	"context"
	"errors"
	"log/slog"
	"time"
)

// ErrInvalidContext indicates an audit context without an acting user.
var ErrInvalidContext = errors.New("audit: acting user required")

// Context records who is really acting for the lifetime of one request.
// It is immutable once attached to a context.Context.
type Context struct {
	ActingUserID   int64
	ActingUsername string
	ActingEmail    string
	IP             string
	Path           string
	Method         string
	SessionToken   string
	RequestID      string
	StartedAt      time.Time
}

// Validate checks the minimum identity required for attribution.
func (c Context) Validate() error {
	if c.ActingUserID <= 0 {
		return ErrInvalidContext
	}
	return nil
}

// LogValue renders the context for slog. The session token is never logged.
func (c Context) LogValue() slog.Value {
	return slog.GroupValue(
		slog.Int64("user_id", c.ActingUserID),
		slog.String("username", c.ActingUsername),
		slog.String("email", c.ActingEmail),
		slog.String("ip", c.IP),
		slog.String("method", c.Method),
		slog.String("path", c.Path),
		slog.String("request_id", c.RequestID),
	)
}

type contextKey struct{}

// WithContext attaches the audit context to ctx.
func WithContext(ctx context.Context, c Context) context.Context {
	return context.WithValue(ctx, contextKey{}, c)
}

// FromContext returns the audit context of the current request. The boolean
// is false outside any request; callers must treat that as system activity.
func FromContext(ctx context.Context) (Context, bool) {
	if ctx == nil {
		return Context{}, false
	}
	c, ok := ctx.Value(contextKey{}).(Context)
	return c, ok
}

// LogAttr returns a slog attribute describing the actor of ctx.
func LogAttr(ctx context.Context) slog.Attr {
	if c, ok := FromContext(ctx); ok {
		return slog.Any("audit", c)
	}
	return slog.String("audit", SystemActor)
}
