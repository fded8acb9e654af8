package ssehttp

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/elnormous/contenttype"
	"github.com/ggoodman/mcp-sse-gateway/internal/logctx"
	"github.com/ggoodman/mcp-sse-gateway/sessions"
)

// lockedWriteFlusher wraps an io.Writer + http.ResponseController with a mutex
// and a context. It serializes concurrent frames and avoids writing after ctx
// is canceled.
type lockedWriteFlusher struct {
	w   io.Writer
	rc  *http.ResponseController
	mu  sync.Mutex
	ctx context.Context
}

// writeFrame writes and flushes a complete frame under a single lock
// acquisition so that keep-alives never interleave with events.
func (l *lockedWriteFlusher) writeFrame(frame []byte) error {
	if err := l.ctx.Err(); err != nil {
		return err
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	// Re-check after acquiring the lock to minimize races with cancellation
	if err := l.ctx.Err(); err != nil {
		return err
	}
	if _, err := l.w.Write(frame); err != nil {
		return err
	}
	return l.rc.Flush()
}

// writeSSEEvent writes a Server-Sent Event with the given event name. Payload
// lines are split across data fields so embedded newlines survive framing.
// It flushes the response after writing.
func writeSSEEvent(wf *lockedWriteFlusher, event string, payload []byte) error {
	var buf bytes.Buffer
	if event != "" {
		fmt.Fprintf(&buf, "event: %s\n", event)
	}
	payload = bytes.ReplaceAll(payload, []byte("\r\n"), []byte("\n"))
	for _, line := range bytes.Split(payload, []byte("\n")) {
		buf.WriteString("data: ")
		buf.Write(line)
		buf.WriteByte('\n')
	}
	buf.WriteByte('\n')
	if err := wf.writeFrame(buf.Bytes()); err != nil {
		return fmt.Errorf("failed to write SSE %s event: %w", event, err)
	}
	return nil
}

// endpointURL is the address announced to the client for delivering messages.
func (h *Handler) endpointURL(sessionID string) string {
	return h.path + "?" + sessionIDQuery + "=" + url.QueryEscape(sessionID)
}

// handleStream opens a new session and its event stream. The request stays
// open until the client disconnects, the application server closes the
// session, or the handler shuts down.
func (h *Handler) handleStream(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	ctx := r.Context()
	h.log.InfoContext(ctx, "http.get.start")

	if r.Header.Get("Accept") != "" {
		if _, _, err := contenttype.GetAcceptableMediaType(r, eventStreamMediaTypes); err != nil {
			h.log.WarnContext(ctx, "accept.unsupported", slog.String("accept", r.Header.Get("Accept")))
			http.Error(w, "Not acceptable: text/event-stream required", http.StatusNotAcceptable)
			return
		}
	}

	protect, allowedHosts := h.rebindingProtection()
	if protect && !hostAllowed(allowedHosts, r.Host) {
		h.log.WarnContext(ctx, "host.check.fail", slog.String("host", r.Host))
		http.Error(w, "Invalid Host header", http.StatusForbidden)
		return
	}

	if r.Header.Get(lastEventIDHeader) != "" {
		h.log.InfoContext(ctx, "sse.resume.unsupported")
	}

	if !h.trackStream() {
		h.log.InfoContext(ctx, "sse.stream.refused")
		http.Error(w, "Server shutting down", http.StatusServiceUnavailable)
		return
	}
	defer h.streams.Done()

	sess := h.registry.Create(sessions.SessionOptions{
		Parent:        h.baseCtx,
		Host:          h.host,
		InboundBuffer: h.inboundBuffer,
		AllowedHosts:  allowedHosts,
		RemoteAddr:    r.RemoteAddr,
		UserAgent:     r.UserAgent(),
	})
	defer h.closeSession(ctx, sess, start)

	if err := sess.Activate(); err != nil {
		h.log.InfoContext(ctx, "session.activate.fail", slog.String("err", err.Error()))
		http.Error(w, "Server shutting down", http.StatusServiceUnavailable)
		return
	}
	ctx = logctx.WithSessionData(ctx, &logctx.SessionData{SessionID: sess.ID(), State: sessions.StateActive})

	// The subscription ends with the request or with the session token.
	streamCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	stop := context.AfterFunc(sess.Context(), cancel)
	defer stop()

	wf := &lockedWriteFlusher{w: w, rc: http.NewResponseController(w), ctx: streamCtx}

	// On shutdown, fail any write stuck on a client that stopped reading.
	stopDeadline := context.AfterFunc(h.baseCtx, func() {
		_ = wf.rc.SetWriteDeadline(time.Now())
	})
	defer stopDeadline()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.Header().Set(sessionIDHeader, sess.ID())
	w.WriteHeader(http.StatusOK)

	if err := writeSSEEvent(wf, "endpoint", []byte(h.endpointURL(sess.ID()))); err != nil {
		if errors.Is(err, http.ErrNotSupported) {
			h.log.ErrorContext(ctx, "sse.flusher.missing")
		} else {
			h.log.InfoContext(ctx, "sse.endpoint.fail", slog.String("err", err.Error()))
		}
		return
	}
	h.log.InfoContext(ctx, "sse.stream.start")

	go h.attach(ctx, sess)

	var keepAlive sync.WaitGroup
	if h.keepAlive > 0 {
		keepAlive.Add(1)
		go func() {
			defer keepAlive.Done()
			h.runKeepAlive(streamCtx, wf)
		}()
	}

	err := h.host.SubscribeSession(streamCtx, sess.ID(), func(cbCtx context.Context, msgID string, data []byte) error {
		if err := writeSSEEvent(wf, "message", data); err != nil {
			h.log.InfoContext(cbCtx, "sse.write.fail", slog.String("err", err.Error()))
			return err
		}
		h.log.DebugContext(cbCtx, "sse.message.deliver", slog.String("msg_id", msgID))
		return nil
	})
	cancel()
	keepAlive.Wait()

	switch {
	case err == nil, errors.Is(err, context.Canceled):
		h.log.InfoContext(ctx, "subscribe.session.done")
	case streamCtx.Err() != nil:
		h.log.InfoContext(ctx, "subscribe.session.done", slog.String("err", err.Error()))
	default:
		h.log.ErrorContext(ctx, "subscribe.session.fail", slog.String("err", err.Error()))
	}
}

// attach binds a fresh application server to sess. It runs concurrently with
// the stream; the outcome is recorded on the session and never closes the
// stream.
func (h *Handler) attach(reqCtx context.Context, sess *sessions.Session) {
	ctx := logctx.Inherit(sess.Context(), reqCtx)
	start := time.Now()

	err := func() (err error) {
		defer func() {
			if p := recover(); p != nil {
				err = fmt.Errorf("application server panicked during attach: %v", p)
			}
		}()
		srv := h.newServer()
		if srv == nil {
			return errors.New("server factory returned no application server")
		}
		return srv.Attach(ctx, sess)
	}()

	sess.RecordAttach(err)
	if err != nil {
		h.log.ErrorContext(ctx, "attach.fail", slog.String("err", err.Error()))
		return
	}
	h.log.InfoContext(ctx, "attach.ok", slog.Duration("dur", time.Since(start)))
}

func (h *Handler) runKeepAlive(ctx context.Context, wf *lockedWriteFlusher) {
	t := time.NewTicker(h.keepAlive)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			if err := wf.writeFrame([]byte(": ping\n\n")); err != nil {
				return
			}
		}
	}
}

// closeSession tears a session down once its stream ended. Removing the
// registry entry first guarantees no further message is accepted for it.
func (h *Handler) closeSession(ctx context.Context, sess *sessions.Session, start time.Time) {
	sess.MarkClosing()
	h.registry.Remove(sess.ID())
	_ = sess.Close()
	ctx = logctx.WithSessionData(ctx, &logctx.SessionData{SessionID: sess.ID(), State: sess.State()})

	if err := h.host.CleanupSession(context.WithoutCancel(ctx), sess.ID()); err != nil {
		h.log.ErrorContext(ctx, "session.cleanup.fail", slog.String("err", err.Error()))
	}
	h.log.InfoContext(ctx, "sse.stream.end", slog.Duration("dur", time.Since(start)))
}
