package logctx

import (
	"context"
	"log/slog"

	"github.com/ggoodman/mcp-sse-gateway/sessions"
)

// Handler decorates log records with the request and session data carried by
// the record's context.
type Handler struct {
	slog.Handler
}

func (h Handler) Handle(ctx context.Context, r slog.Record) error {
	if rd, ok := ctx.Value(requestDataKey{}).(*RequestData); ok {
		r.AddAttrs(slog.Group("req",
			slog.String("id", rd.RequestID),
			slog.String("method", rd.Method),
			slog.String("user_agent", rd.UserAgent),
			slog.String("remote_addr", rd.RemoteAddr),
			slog.String("path", rd.Path),
			slog.String("origin", rd.Origin),
		))
	}

	if sd, ok := ctx.Value(sessionDataKey{}).(*SessionData); ok {
		r.AddAttrs(slog.Group("sess",
			slog.String("id", sd.SessionID),
			slog.String("state", string(sd.State)),
		))
	}

	return h.Handler.Handle(ctx, r)
}

func (h Handler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return Handler{Handler: h.Handler.WithAttrs(attrs)}
}

func (h Handler) WithGroup(name string) slog.Handler {
	return Handler{Handler: h.Handler.WithGroup(name)}
}

// Wrap returns a logger whose handler decorates records with context data.
// Loggers that already carry the decoration are returned unchanged.
func Wrap(log *slog.Logger) *slog.Logger {
	if _, ok := log.Handler().(Handler); ok {
		return log
	}
	return slog.New(Handler{Handler: log.Handler()})
}

type requestDataKey struct{}

type RequestData struct {
	RequestID  string
	Method     string
	UserAgent  string
	RemoteAddr string
	Path       string
	Origin     string
}

func WithRequestData(ctx context.Context, data *RequestData) context.Context {
	return context.WithValue(ctx, requestDataKey{}, data)
}

func RequestDataFrom(ctx context.Context) (*RequestData, bool) {
	rd, ok := ctx.Value(requestDataKey{}).(*RequestData)
	return rd, ok
}

type sessionDataKey struct{}

type SessionData struct {
	SessionID string
	State     sessions.SessionState
}

func WithSessionData(ctx context.Context, data *SessionData) context.Context {
	return context.WithValue(ctx, sessionDataKey{}, data)
}

// Inherit copies the request and session data of src onto dst. Work that
// outlives a request, such as a session's attach, keeps logging with the
// request that started it.
func Inherit(dst, src context.Context) context.Context {
	if rd, ok := src.Value(requestDataKey{}).(*RequestData); ok {
		dst = WithRequestData(dst, rd)
	}
	if sd, ok := src.Value(sessionDataKey{}).(*SessionData); ok {
		dst = WithSessionData(dst, sd)
	}
	return dst
}
