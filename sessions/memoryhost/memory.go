package memoryhost

import (
	"context"
	"strconv"
	"sync"
	"sync/atomic"

	"github.com/eapache/queue"
	"github.com/ggoodman/mcp-sse-gateway/sessions"
)

// DefaultTombstoneLimit is how many cleaned-up session ids a Host remembers
// in order to refuse late publishes.
const DefaultTombstoneLimit = 4096

// Host is an in-memory implementation of sessions.SessionHost.
type Host struct {
	mu      sync.Mutex
	streams map[string]*stream
	counter atomic.Int64

	// Cleaned-up ids, oldest first. Publishing to one fails with
	// sessions.ErrStreamClosed instead of recreating its stream.
	tombstones     map[string]struct{}
	tombstoneOrder *queue.Queue // of string
	tombstoneLimit int
}

type stream struct {
	mu      sync.Mutex
	pending *queue.Queue // of message
	notify  chan struct{}
	done    chan struct{}
	closed  bool
}

type message struct {
	id   string
	data []byte
}

// Option configures a Host.
type Option func(*Host)

// WithTombstoneLimit bounds the number of remembered cleaned-up ids.
func WithTombstoneLimit(n int) Option {
	return func(h *Host) { h.tombstoneLimit = n }
}

func New(opts ...Option) *Host {
	h := &Host{
		streams:        make(map[string]*stream),
		tombstones:     make(map[string]struct{}),
		tombstoneOrder: queue.New(),
		tombstoneLimit: DefaultTombstoneLimit,
	}
	for _, opt := range opts {
		opt(h)
	}
	if h.tombstoneLimit <= 0 {
		h.tombstoneLimit = DefaultTombstoneLimit
	}
	return h
}

// --- Messaging ---

func (h *Host) PublishSession(ctx context.Context, sessionID string, data []byte) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	evID := strconv.FormatInt(h.counter.Add(1), 10)
	msg := message{id: evID, data: append([]byte(nil), data...)}

	st, ok := h.ensureStream(sessionID)
	if !ok {
		return "", sessions.ErrStreamClosed
	}

	st.mu.Lock()
	if st.closed {
		st.mu.Unlock()
		return "", sessions.ErrStreamClosed
	}
	st.pending.Add(msg)
	st.mu.Unlock()

	// Wake the subscriber; a pending signal already covers this message.
	select {
	case st.notify <- struct{}{}:
	default:
	}

	return evID, nil
}

func (h *Host) SubscribeSession(ctx context.Context, sessionID string, handler sessions.MessageHandlerFunction) error {
	st, ok := h.ensureStream(sessionID)
	if !ok {
		return nil
	}

	for {
		for {
			msg, ok := st.pop()
			if !ok {
				break
			}
			if err := ctx.Err(); err != nil {
				return err
			}
			if err := handler(ctx, msg.id, msg.data); err != nil {
				return err
			}
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-st.done:
			return nil
		case <-st.notify:
		}
	}
}

func (h *Host) CleanupSession(ctx context.Context, sessionID string) error {
	h.mu.Lock()
	st, ok := h.streams[sessionID]
	if ok {
		delete(h.streams, sessionID)
	}
	h.buryLocked(sessionID)
	h.mu.Unlock()
	if !ok {
		return nil
	}

	st.mu.Lock()
	defer st.mu.Unlock()
	if !st.closed {
		st.closed = true
		for st.pending.Length() > 0 {
			st.pending.Remove()
		}
		close(st.done)
	}
	return nil
}

// Len returns the number of sessions with a live outbound stream.
func (h *Host) Len() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.streams)
}

// buryLocked records sessionID as cleaned up, forgetting the oldest ids past
// the limit. h.mu must be held.
func (h *Host) buryLocked(sessionID string) {
	if _, ok := h.tombstones[sessionID]; ok {
		return
	}
	h.tombstones[sessionID] = struct{}{}
	h.tombstoneOrder.Add(sessionID)
	for h.tombstoneOrder.Length() > h.tombstoneLimit {
		delete(h.tombstones, h.tombstoneOrder.Remove().(string))
	}
}

// ensureStream returns the stream of sessionID, creating it on first use. It
// reports false for a session that was already cleaned up.
func (h *Host) ensureStream(sessionID string) (*stream, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, dead := h.tombstones[sessionID]; dead {
		return nil, false
	}
	st, ok := h.streams[sessionID]
	if !ok {
		st = &stream{
			pending: queue.New(),
			notify:  make(chan struct{}, 1),
			done:    make(chan struct{}),
		}
		h.streams[sessionID] = st
	}
	return st, true
}

func (s *stream) pop() (message, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed || s.pending.Length() == 0 {
		return message{}, false
	}
	return s.pending.Remove().(message), true
}

// Ensure interface compliance
var _ sessions.SessionHost = (*Host)(nil)
