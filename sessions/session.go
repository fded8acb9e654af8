package sessions

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"
)

var (
	// ErrSessionNotFound is returned when no active session is registered
	// under the requested id.
	ErrSessionNotFound = errors.New("session not found")
	// ErrSessionClosed is returned when operating on a session that is
	// closing or closed.
	ErrSessionClosed = errors.New("session closed")
	// ErrNotAttached is returned by Deliver once the application server
	// binding of the session has failed.
	ErrNotAttached = errors.New("session not attached")
	// ErrInvalidMessage wraps rejections produced by a session's message
	// validator.
	ErrInvalidMessage = errors.New("invalid message")
)

// SessionState is the lifecycle state of a session.
type SessionState string

const (
	StateOpening SessionState = "opening"
	StateActive  SessionState = "active"
	StateClosing SessionState = "closing"
	StateClosed  SessionState = "closed"
)

// AttachStatus reports the health of the application server binding.
type AttachStatus string

const (
	AttachPending  AttachStatus = "pending"
	AttachAttached AttachStatus = "attached"
	AttachFailed   AttachStatus = "failed"
)

// DefaultInboundBuffer is the number of inbound messages a session queues for
// its application server before Deliver blocks.
const DefaultInboundBuffer = 64

// SessionOptions configures a session created by a Registry.
type SessionOptions struct {
	// Parent bounds the lifetime of the session token. Defaults to
	// context.Background().
	Parent context.Context
	// Host receives outbound messages written by the application server.
	Host SessionHost
	// InboundBuffer is the capacity of the inbound queue.
	InboundBuffer int
	// AllowedHosts enables host-binding protection when non-empty.
	AllowedHosts []string
	RemoteAddr   string
	UserAgent    string
}

// Info is a point-in-time view of a session, suitable for health queries.
type Info struct {
	ID           string
	State        SessionState
	Attach       AttachStatus
	AttachError  string
	CreatedAt    time.Time
	RemoteAddr   string
	UserAgent    string
	PendingInput int
}

// MessageValidator inspects an inbound message before it is queued.
type MessageValidator func(msg json.RawMessage) error

// Session is the per-client state tying one event stream to one application
// server binding. It is safe for concurrent use.
type Session struct {
	id           string
	host         SessionHost
	createdAt    time.Time
	remoteAddr   string
	userAgent    string
	allowedHosts []string

	ctx    context.Context
	cancel context.CancelCauseFunc

	inbound chan json.RawMessage

	mu        sync.RWMutex
	state     SessionState
	attach    AttachStatus
	attachErr error
	validate  MessageValidator
}

func newSession(id string, opts SessionOptions) *Session {
	parent := opts.Parent
	if parent == nil {
		parent = context.Background()
	}
	buf := opts.InboundBuffer
	if buf <= 0 {
		buf = DefaultInboundBuffer
	}
	ctx, cancel := context.WithCancelCause(parent)
	return &Session{
		id:           id,
		host:         opts.Host,
		createdAt:    time.Now(),
		remoteAddr:   opts.RemoteAddr,
		userAgent:    opts.UserAgent,
		allowedHosts: append([]string(nil), opts.AllowedHosts...),
		ctx:          ctx,
		cancel:       cancel,
		inbound:      make(chan json.RawMessage, buf),
		state:        StateOpening,
		attach:       AttachPending,
	}
}

// ID returns the session identifier.
func (s *Session) ID() string { return s.id }

// CreatedAt returns the time the session was created.
func (s *Session) CreatedAt() time.Time { return s.createdAt }

// Context returns the session token. It is canceled once the session starts
// closing, or when the parent context ends.
func (s *Session) Context() context.Context { return s.ctx }

// Done is shorthand for Context().Done().
func (s *Session) Done() <-chan struct{} { return s.ctx.Done() }

// State returns the current lifecycle state.
func (s *Session) State() SessionState {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state
}

// Activate moves an opening session to StateActive. It fails with
// ErrSessionClosed if the session already started closing.
func (s *Session) Activate() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	switch s.state {
	case StateOpening:
		if s.ctx.Err() != nil {
			return ErrSessionClosed
		}
		s.state = StateActive
		return nil
	case StateActive:
		return nil
	default:
		return ErrSessionClosed
	}
}

// MarkClosing moves the session to StateClosing and cancels its token.
// Calling it on a closing or closed session is a no-op.
func (s *Session) MarkClosing() {
	// Taking the write lock waits out any Write already publishing.
	s.mu.Lock()
	if s.state == StateOpening || s.state == StateActive {
		s.state = StateClosing
	}
	s.cancel(ErrSessionClosed)
	s.mu.Unlock()
}

// Close releases the session and moves it to StateClosed. It is idempotent and
// always returns nil.
func (s *Session) Close() error {
	s.MarkClosing()
	s.mu.Lock()
	s.state = StateClosed
	s.mu.Unlock()
	return nil
}

// AllowsHost reports whether host passes host-binding protection. Sessions
// created without allowed hosts accept any host.
func (s *Session) AllowsHost(host string) bool {
	if len(s.allowedHosts) == 0 {
		return true
	}
	for _, h := range s.allowedHosts {
		if strings.EqualFold(h, host) {
			return true
		}
	}
	return false
}

// RecordAttach stores the outcome of binding the application server.
func (s *Session) RecordAttach(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err != nil {
		s.attach = AttachFailed
		s.attachErr = err
		return
	}
	s.attach = AttachAttached
	s.attachErr = nil
}

// AttachStatus returns the binding status and, when it failed, the cause.
func (s *Session) AttachStatus() (AttachStatus, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.attach, s.attachErr
}

// SetMessageValidator installs a validator consulted by Deliver. Application
// server bindings use it to reject messages they cannot decode before the
// sender receives an acknowledgement.
func (s *Session) SetMessageValidator(v MessageValidator) {
	s.mu.Lock()
	s.validate = v
	s.mu.Unlock()
}

// Deliver queues an inbound message for the application server. It blocks
// while the inbound queue is full.
func (s *Session) Deliver(ctx context.Context, msg json.RawMessage) error {
	s.mu.RLock()
	state, attach, validate := s.state, s.attach, s.validate
	s.mu.RUnlock()

	if state != StateActive {
		return ErrSessionClosed
	}
	if attach == AttachFailed {
		return ErrNotAttached
	}
	if validate != nil {
		if err := validate(msg); err != nil {
			return fmt.Errorf("%w: %v", ErrInvalidMessage, err)
		}
	}

	select {
	case s.inbound <- msg:
		return nil
	case <-s.ctx.Done():
		return ErrSessionClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Read returns the next inbound message. It returns io.EOF once the session
// is closing.
func (s *Session) Read(ctx context.Context) (json.RawMessage, error) {
	// A closing session reports EOF even while input is still queued.
	select {
	case <-s.ctx.Done():
		return nil, io.EOF
	default:
	}
	select {
	case msg := <-s.inbound:
		return msg, nil
	case <-s.ctx.Done():
		return nil, io.EOF
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Write publishes an outbound message to the session's event stream.
//
// A Write that returns nil published before the session started closing, so
// its message is either drained or discarded by the stream cleanup. Writes
// never publish once closing has begun.
func (s *Session) Write(ctx context.Context, msg []byte) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.state == StateClosing || s.state == StateClosed || s.ctx.Err() != nil {
		return ErrSessionClosed
	}
	if s.host == nil {
		return fmt.Errorf("session %s has no outbound host", s.id)
	}
	if _, err := s.host.PublishSession(ctx, s.id, msg); err != nil {
		return fmt.Errorf("publish outbound message: %w", err)
	}
	return nil
}

// Info returns a snapshot of the session.
func (s *Session) Info() Info {
	s.mu.RLock()
	defer s.mu.RUnlock()
	info := Info{
		ID:           s.id,
		State:        s.state,
		Attach:       s.attach,
		CreatedAt:    s.createdAt,
		RemoteAddr:   s.remoteAddr,
		UserAgent:    s.userAgent,
		PendingInput: len(s.inbound),
	}
	if s.attachErr != nil {
		info.AttachError = s.attachErr.Error()
	}
	return info
}
