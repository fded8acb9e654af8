package ssehttp

import (
	"log/slog"
	"net/http"
	"runtime/debug"
	"sync/atomic"
)

// responseTracker records whether the response header has been sent so that a
// recovered panic only produces a 500 when the client has not seen a status
// yet. Flushing and other optional interfaces are reached through Unwrap.
type responseTracker struct {
	http.ResponseWriter
	wroteHeader atomic.Bool
}

func (t *responseTracker) WriteHeader(code int) {
	t.wroteHeader.Store(true)
	t.ResponseWriter.WriteHeader(code)
}

func (t *responseTracker) Write(p []byte) (int, error) {
	t.wroteHeader.Store(true)
	return t.ResponseWriter.Write(p)
}

func (t *responseTracker) Unwrap() http.ResponseWriter { return t.ResponseWriter }

// recoverPanic contains a panic raised while serving r. It must be deferred
// directly by ServeHTTP.
func (h *Handler) recoverPanic(w *responseTracker, r *http.Request) {
	p := recover()
	if p == nil {
		return
	}
	if p == http.ErrAbortHandler {
		panic(p)
	}

	h.log.ErrorContext(r.Context(), "http.handler.panic",
		slog.Any("panic", p),
		slog.String("stack", string(debug.Stack())),
	)

	if w.wroteHeader.Load() {
		return
	}
	http.Error(w, "Internal Server Error", http.StatusInternalServerError)
}
