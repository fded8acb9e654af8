package ssehttp

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/elnormous/contenttype"
	"github.com/ggoodman/mcp-sse-gateway/internal/logctx"
	"github.com/ggoodman/mcp-sse-gateway/sessions"
)

// sessionIDFrom resolves the target session of a delivered message. The query
// parameter takes precedence; the header is accepted for clients that cannot
// rewrite the announced endpoint URL.
func sessionIDFrom(r *http.Request) (string, error) {
	if id := r.URL.Query().Get(sessionIDQuery); id != "" {
		return id, nil
	}
	if id := strings.TrimSpace(r.Header.Get(sessionIDHeader)); id != "" {
		return id, nil
	}
	return "", ErrMissingSessionID
}

func isJSONMediaType(mt contenttype.MediaType) bool {
	if mt.Matches(jsonMediaType) {
		return true
	}
	return strings.EqualFold(mt.Type, "application") && strings.HasSuffix(strings.ToLower(mt.Subtype), "+json")
}

// readMessage reads and parses the request body. Parsing happens before any
// session lookup so malformed input never touches the registry.
func (h *Handler) readMessage(w http.ResponseWriter, r *http.Request) (json.RawMessage, int, error) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, h.maxBodyBytes))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			return nil, http.StatusRequestEntityTooLarge, fmt.Errorf("message body exceeds %d bytes", tooLarge.Limit)
		}
		return nil, http.StatusBadRequest, fmt.Errorf("read message body: %w", err)
	}
	if len(strings.TrimSpace(string(body))) == 0 {
		return nil, http.StatusBadRequest, errors.New("empty message body")
	}

	var msg json.RawMessage
	if err := json.Unmarshal(body, &msg); err != nil {
		return nil, http.StatusBadRequest, fmt.Errorf("invalid message: %v", err)
	}
	return msg, http.StatusOK, nil
}

// handleDeliver hands one message to the application server of an existing
// session.
func (h *Handler) handleDeliver(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	ctx := r.Context()
	h.log.InfoContext(ctx, "http.post.start")

	if r.Header.Get("Content-Type") != "" {
		ctype, err := contenttype.GetMediaType(r)
		if err != nil || !isJSONMediaType(ctype) {
			h.log.WarnContext(ctx, "content_type.unsupported", slog.String("content_type", r.Header.Get("Content-Type")))
			http.Error(w, "Unsupported media type: content-type must be application/json", http.StatusUnsupportedMediaType)
			return
		}
	}

	msg, status, err := h.readMessage(w, r)
	if err != nil {
		h.log.InfoContext(ctx, "message.parse.fail", slog.String("err", err.Error()))
		http.Error(w, err.Error(), status)
		return
	}

	sessionID, err := sessionIDFrom(r)
	if err != nil {
		h.log.InfoContext(ctx, "session.id.missing")
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	ctx = logctx.WithSessionData(ctx, &logctx.SessionData{SessionID: sessionID})

	sess, err := h.registry.Get(sessionID)
	if err != nil {
		h.log.InfoContext(ctx, "session.load.miss")
		http.Error(w, sessions.ErrSessionNotFound.Error(), http.StatusNotFound)
		return
	}
	ctx = logctx.WithSessionData(ctx, &logctx.SessionData{SessionID: sessionID, State: sess.State()})

	if !sess.AllowsHost(r.Host) {
		h.log.WarnContext(ctx, "host.check.fail", slog.String("host", r.Host))
		http.Error(w, "Invalid Host header", http.StatusForbidden)
		return
	}

	if err := sess.Deliver(ctx, msg); err != nil {
		switch {
		case errors.Is(err, sessions.ErrInvalidMessage):
			h.log.InfoContext(ctx, "message.invalid", slog.String("err", err.Error()))
			http.Error(w, err.Error(), http.StatusBadRequest)
		case errors.Is(err, sessions.ErrNotAttached):
			h.log.WarnContext(ctx, "message.deliver.unattached")
			http.Error(w, sessions.ErrNotAttached.Error(), http.StatusServiceUnavailable)
		case errors.Is(err, sessions.ErrSessionClosed):
			h.log.InfoContext(ctx, "session.load.miss", slog.String("err", err.Error()))
			http.Error(w, sessions.ErrSessionNotFound.Error(), http.StatusNotFound)
		case ctx.Err() != nil:
			h.log.InfoContext(ctx, "message.deliver.canceled")
		default:
			h.log.ErrorContext(ctx, "message.deliver.fail", slog.String("err", err.Error()))
			http.Error(w, "Internal Server Error", http.StatusInternalServerError)
		}
		return
	}

	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusAccepted)
	_, _ = io.WriteString(w, "Accepted")
	h.log.InfoContext(ctx, "message.deliver.ok", slog.Duration("dur", time.Since(start)))
}
