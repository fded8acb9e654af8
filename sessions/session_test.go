package sessions_test

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/ggoodman/mcp-sse-gateway/sessions"
	"github.com/ggoodman/mcp-sse-gateway/sessions/memoryhost"
)

func newActiveSession(t *testing.T, opts sessions.SessionOptions) (*sessions.Registry, *sessions.Session) {
	t.Helper()
	reg := sessions.NewRegistry()
	sess := reg.Create(opts)
	if err := sess.Activate(); err != nil {
		t.Fatalf("activate: %v", err)
	}
	t.Cleanup(func() { _ = sess.Close() })
	return reg, sess
}

func TestSessionLifecycle(t *testing.T) {
	t.Run("Created sessions start opening with pending attach", func(t *testing.T) {
		reg := sessions.NewRegistry()
		sess := reg.Create(sessions.SessionOptions{})
		if want, got := sessions.StateOpening, sess.State(); want != got {
			t.Fatalf("unexpected state: want %s got %s", want, got)
		}
		if status, _ := sess.AttachStatus(); status != sessions.AttachPending {
			t.Fatalf("unexpected attach status: %s", status)
		}
	})

	t.Run("Close is idempotent", func(t *testing.T) {
		_, sess := newActiveSession(t, sessions.SessionOptions{})
		if err := sess.Close(); err != nil {
			t.Fatalf("first close: %v", err)
		}
		if err := sess.Close(); err != nil {
			t.Fatalf("second close: %v", err)
		}
		if want, got := sessions.StateClosed, sess.State(); want != got {
			t.Fatalf("unexpected state: want %s got %s", want, got)
		}
		select {
		case <-sess.Done():
		default:
			t.Fatalf("expected session token to be canceled")
		}
		if cause := context.Cause(sess.Context()); !errors.Is(cause, sessions.ErrSessionClosed) {
			t.Fatalf("unexpected cancellation cause: %v", cause)
		}
	})

	t.Run("Activate fails once closing", func(t *testing.T) {
		reg := sessions.NewRegistry()
		sess := reg.Create(sessions.SessionOptions{})
		sess.MarkClosing()
		if err := sess.Activate(); !errors.Is(err, sessions.ErrSessionClosed) {
			t.Fatalf("expected ErrSessionClosed, got %v", err)
		}
		if want, got := sessions.StateClosing, sess.State(); want != got {
			t.Fatalf("unexpected state: want %s got %s", want, got)
		}
	})

	t.Run("Parent cancellation cancels the token", func(t *testing.T) {
		parent, cancel := context.WithCancel(context.Background())
		reg := sessions.NewRegistry()
		sess := reg.Create(sessions.SessionOptions{Parent: parent})
		cancel()
		select {
		case <-sess.Done():
		case <-time.After(time.Second):
			t.Fatalf("session token not canceled with parent")
		}
		if err := sess.Activate(); !errors.Is(err, sessions.ErrSessionClosed) {
			t.Fatalf("expected ErrSessionClosed, got %v", err)
		}
	})
}

func TestSessionInbound(t *testing.T) {
	t.Run("Deliver then Read returns the same payload", func(t *testing.T) {
		_, sess := newActiveSession(t, sessions.SessionOptions{})
		ctx := context.Background()
		if err := sess.Deliver(ctx, json.RawMessage(`{"type":"ping"}`)); err != nil {
			t.Fatalf("deliver: %v", err)
		}
		got, err := sess.Read(ctx)
		if err != nil {
			t.Fatalf("read: %v", err)
		}
		if want := `{"type":"ping"}`; string(got) != want {
			t.Fatalf("unexpected payload: want %s got %s", want, got)
		}
	})

	t.Run("Deliver is queued while attach is pending", func(t *testing.T) {
		_, sess := newActiveSession(t, sessions.SessionOptions{})
		if err := sess.Deliver(context.Background(), json.RawMessage(`1`)); err != nil {
			t.Fatalf("deliver: %v", err)
		}
		if want, got := 1, sess.Info().PendingInput; want != got {
			t.Fatalf("unexpected pending input: want %d got %d", want, got)
		}
	})

	t.Run("Deliver fails after attach failure", func(t *testing.T) {
		_, sess := newActiveSession(t, sessions.SessionOptions{})
		sess.RecordAttach(errors.New("boom"))
		if err := sess.Deliver(context.Background(), json.RawMessage(`{}`)); !errors.Is(err, sessions.ErrNotAttached) {
			t.Fatalf("expected ErrNotAttached, got %v", err)
		}
		status, cause := sess.AttachStatus()
		if status != sessions.AttachFailed || cause == nil {
			t.Fatalf("unexpected attach status: %s %v", status, cause)
		}
		if want, got := "boom", sess.Info().AttachError; want != got {
			t.Fatalf("unexpected attach error: want %q got %q", want, got)
		}
	})

	t.Run("Deliver fails on closed session", func(t *testing.T) {
		_, sess := newActiveSession(t, sessions.SessionOptions{})
		_ = sess.Close()
		if err := sess.Deliver(context.Background(), json.RawMessage(`{}`)); !errors.Is(err, sessions.ErrSessionClosed) {
			t.Fatalf("expected ErrSessionClosed, got %v", err)
		}
	})

	t.Run("Deliver honors request cancellation when queue is full", func(t *testing.T) {
		_, sess := newActiveSession(t, sessions.SessionOptions{InboundBuffer: 1})
		if err := sess.Deliver(context.Background(), json.RawMessage(`1`)); err != nil {
			t.Fatalf("deliver: %v", err)
		}
		ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
		defer cancel()
		if err := sess.Deliver(ctx, json.RawMessage(`2`)); !errors.Is(err, context.DeadlineExceeded) {
			t.Fatalf("expected deadline exceeded, got %v", err)
		}
	})

	t.Run("Validator rejections wrap ErrInvalidMessage", func(t *testing.T) {
		_, sess := newActiveSession(t, sessions.SessionOptions{})
		sess.SetMessageValidator(func(msg json.RawMessage) error { return errors.New("not jsonrpc") })
		err := sess.Deliver(context.Background(), json.RawMessage(`{"type":"ping"}`))
		if !errors.Is(err, sessions.ErrInvalidMessage) {
			t.Fatalf("expected ErrInvalidMessage, got %v", err)
		}
		if want, got := 0, sess.Info().PendingInput; want != got {
			t.Fatalf("rejected message was queued: pending %d", got)
		}
	})

	t.Run("Read returns EOF after close", func(t *testing.T) {
		_, sess := newActiveSession(t, sessions.SessionOptions{})
		done := make(chan error, 1)
		go func() {
			_, err := sess.Read(context.Background())
			done <- err
		}()
		time.Sleep(20 * time.Millisecond)
		_ = sess.Close()
		select {
		case err := <-done:
			if !errors.Is(err, io.EOF) {
				t.Fatalf("expected io.EOF, got %v", err)
			}
		case <-time.After(time.Second):
			t.Fatalf("read did not return after close")
		}
	})
}

func TestSessionOutbound(t *testing.T) {
	t.Run("Write publishes to the session host", func(t *testing.T) {
		host := memoryhost.New()
		_, sess := newActiveSession(t, sessions.SessionOptions{Host: host})
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()

		if err := sess.Write(ctx, []byte(`{"type":"pong"}`)); err != nil {
			t.Fatalf("write: %v", err)
		}

		var got []byte
		err := host.SubscribeSession(ctx, sess.ID(), func(_ context.Context, _ string, msg []byte) error {
			got = msg
			cancel()
			return nil
		})
		if !errors.Is(err, context.Canceled) {
			t.Fatalf("subscribe: %v", err)
		}
		if want := `{"type":"pong"}`; string(got) != want {
			t.Fatalf("unexpected outbound payload: want %s got %s", want, got)
		}
	})

	t.Run("Write after close fails", func(t *testing.T) {
		_, sess := newActiveSession(t, sessions.SessionOptions{Host: memoryhost.New()})
		_ = sess.Close()
		if err := sess.Write(context.Background(), []byte(`{}`)); !errors.Is(err, sessions.ErrSessionClosed) {
			t.Fatalf("expected ErrSessionClosed, got %v", err)
		}
	})

	t.Run("Close waits for an in-flight write", func(t *testing.T) {
		mem := memoryhost.New()
		host := &gatedHost{
			SessionHost: mem,
			entered:     make(chan struct{}),
			release:     make(chan struct{}),
		}
		reg, sess := newActiveSession(t, sessions.SessionOptions{Host: host})
		ctx := context.Background()

		wrote := make(chan error, 1)
		go func() { wrote <- sess.Write(ctx, []byte(`{"n":1}`)) }()
		<-host.entered

		// Tear down in the gateway's order while the publish is held.
		closed := make(chan struct{})
		go func() {
			defer close(closed)
			sess.MarkClosing()
			reg.Remove(sess.ID())
			_ = sess.Close()
			_ = host.CleanupSession(ctx, sess.ID())
		}()

		select {
		case <-closed:
			t.Fatal("teardown finished while a write was still publishing")
		case <-time.After(50 * time.Millisecond):
		}

		close(host.release)
		if err := <-wrote; err != nil {
			t.Fatalf("in-flight write: %v", err)
		}
		<-closed

		if err := sess.Write(ctx, []byte(`{"n":2}`)); !errors.Is(err, sessions.ErrSessionClosed) {
			t.Fatalf("write after teardown: want %v got %v", sessions.ErrSessionClosed, err)
		}
		if want, got := 0, mem.Len(); want != got {
			t.Fatalf("unexpected live streams after teardown: want %d got %d", want, got)
		}
	})
}

// gatedHost blocks the first publish until release is closed.
type gatedHost struct {
	sessions.SessionHost
	entered chan struct{}
	release chan struct{}
	once    sync.Once
}

func (g *gatedHost) PublishSession(ctx context.Context, sessionID string, data []byte) (string, error) {
	g.once.Do(func() {
		close(g.entered)
		<-g.release
	})
	return g.SessionHost.PublishSession(ctx, sessionID, data)
}

func TestSessionAllowsHost(t *testing.T) {
	reg := sessions.NewRegistry()
	open := reg.Create(sessions.SessionOptions{})
	if !open.AllowsHost("evil.example:80") {
		t.Fatalf("session without allowed hosts must accept any host")
	}

	guarded := reg.Create(sessions.SessionOptions{AllowedHosts: []string{"localhost", "localhost:8931"}})
	for _, h := range []string{"localhost", "LOCALHOST:8931"} {
		if !guarded.AllowsHost(h) {
			t.Fatalf("expected host %q to be allowed", h)
		}
	}
	if guarded.AllowsHost("attacker.example:8931") {
		t.Fatalf("expected foreign host to be rejected")
	}
}
