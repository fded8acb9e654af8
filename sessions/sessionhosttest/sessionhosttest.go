package sessionhosttest

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/ggoodman/mcp-sse-gateway/sessions"
)

// HostFactory creates a new SessionHost instance for testing.
type HostFactory func(t *testing.T) sessions.SessionHost

// RunSessionHostTests runs the complete SessionHost test suite against the provided factory.
func RunSessionHostTests(t *testing.T, factory HostFactory) {
	t.Run("Messaging_PublishBeforeSubscribeIsBuffered", func(t *testing.T) { testPublishBeforeSubscribe(t, factory) })
	t.Run("Messaging_PublishWhileSubscribed", func(t *testing.T) { testPublishWhileSubscribed(t, factory) })
	t.Run("Messaging_PreservesPublishOrder", func(t *testing.T) { testPublishOrder(t, factory) })
	t.Run("Messaging_IsolationBetweenSessions", func(t *testing.T) { testSessionIsolation(t, factory) })
	t.Run("Messaging_SubscriptionContextCancellation", func(t *testing.T) { testSubscriptionContextCancellation(t, factory) })
	t.Run("Messaging_HandlerErrorStopsSubscription", func(t *testing.T) { testHandlerErrorStopsSubscription(t, factory) })

	t.Run("Cleanup_EndsSubscription", func(t *testing.T) { testCleanupEndsSubscription(t, factory) })
	t.Run("Cleanup_UnknownSessionIsNoop", func(t *testing.T) { testCleanupUnknownSession(t, factory) })
	t.Run("Cleanup_PublishAfterCleanupRejected", func(t *testing.T) { testPublishAfterCleanupRejected(t, factory) })
}

type received struct {
	id   string
	data string
}

// collect subscribes to sessionID and gathers messages until want have
// arrived, at which point the subscription context is cancelled.
func collect(ctx context.Context, h sessions.SessionHost, sessionID string, want int) (<-chan error, func() []received) {
	ctx, cancel := context.WithCancel(ctx)
	var (
		mu  sync.Mutex
		got []received
	)
	done := make(chan error, 1)
	go func() {
		defer cancel()
		done <- h.SubscribeSession(ctx, sessionID, func(ctx context.Context, msgID string, msg []byte) error {
			mu.Lock()
			got = append(got, received{id: msgID, data: string(msg)})
			n := len(got)
			mu.Unlock()
			if n >= want {
				cancel()
			}
			return nil
		})
	}()
	return done, func() []received {
		mu.Lock()
		defer mu.Unlock()
		return append([]received(nil), got...)
	}
}

func waitDone(t *testing.T, done <-chan error, wantErr error) {
	t.Helper()
	select {
	case err := <-done:
		if !errors.Is(err, wantErr) && err != wantErr {
			t.Fatalf("subscribe returned: want %v got %v", wantErr, err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("subscribe timeout")
	}
}

func testPublishBeforeSubscribe(t *testing.T, factory HostFactory) {
	h := factory(t)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	sessionID := "sess-buffered"

	ev1, err := h.PublishSession(ctx, sessionID, []byte(`{"n":1}`))
	if err != nil {
		t.Fatalf("publish 1: %v", err)
	}
	ev2, err := h.PublishSession(ctx, sessionID, []byte(`{"n":2}`))
	if err != nil {
		t.Fatalf("publish 2: %v", err)
	}
	if ev1 == "" || ev2 == "" || ev1 == ev2 {
		t.Fatalf("expected distinct non-empty event ids, got %q and %q", ev1, ev2)
	}

	done, got := collect(ctx, h, sessionID, 2)
	waitDone(t, done, context.Canceled)

	msgs := got()
	if len(msgs) != 2 {
		t.Fatalf("expected 2 messages, got %d", len(msgs))
	}
	if msgs[0].id != ev1 || msgs[1].id != ev2 {
		t.Fatalf("unexpected ids: want [%s %s] got [%s %s]", ev1, ev2, msgs[0].id, msgs[1].id)
	}
	if msgs[0].data != `{"n":1}` || msgs[1].data != `{"n":2}` {
		t.Fatalf("unexpected payloads: %q %q", msgs[0].data, msgs[1].data)
	}
}

func testPublishWhileSubscribed(t *testing.T, factory HostFactory) {
	h := factory(t)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	sessionID := "sess-live"
	done, got := collect(ctx, h, sessionID, 1)

	time.Sleep(100 * time.Millisecond)

	evID, err := h.PublishSession(ctx, sessionID, []byte(`{"live":true}`))
	if err != nil {
		t.Fatalf("publish failed: %v", err)
	}
	if evID == "" {
		t.Fatalf("expected non-empty event id")
	}

	waitDone(t, done, context.Canceled)

	msgs := got()
	if len(msgs) != 1 {
		t.Fatalf("expected 1 message, got %d", len(msgs))
	}
	if msgs[0].id != evID {
		t.Fatalf("expected event id %s, got %s", evID, msgs[0].id)
	}
	if msgs[0].data != `{"live":true}` {
		t.Fatalf("unexpected payload %q", msgs[0].data)
	}
}

func testPublishOrder(t *testing.T, factory HostFactory) {
	h := factory(t)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	const n = 25
	sessionID := "sess-order"
	done, got := collect(ctx, h, sessionID, n)

	for i := 0; i < n; i++ {
		if _, err := h.PublishSession(ctx, sessionID, []byte(fmt.Sprintf(`{"seq":%d}`, i))); err != nil {
			t.Fatalf("publish %d: %v", i, err)
		}
	}

	waitDone(t, done, context.Canceled)

	msgs := got()
	if len(msgs) != n {
		t.Fatalf("expected %d messages, got %d", n, len(msgs))
	}
	for i, m := range msgs {
		if want := fmt.Sprintf(`{"seq":%d}`, i); m.data != want {
			t.Fatalf("message %d out of order: want %s got %s", i, want, m.data)
		}
	}
}

func testSessionIsolation(t *testing.T, factory HostFactory) {
	h := factory(t)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	s1, s2 := "sess-iso-a", "sess-iso-b"

	if _, err := h.PublishSession(ctx, s1, []byte(`"a"`)); err != nil {
		t.Fatalf("publish a: %v", err)
	}
	if _, err := h.PublishSession(ctx, s2, []byte(`"b"`)); err != nil {
		t.Fatalf("publish b: %v", err)
	}

	d1, got1 := collect(ctx, h, s1, 1)
	d2, got2 := collect(ctx, h, s2, 1)
	waitDone(t, d1, context.Canceled)
	waitDone(t, d2, context.Canceled)

	m1, m2 := got1(), got2()
	if len(m1) != 1 || m1[0].data != `"a"` {
		t.Fatalf("session %s received %+v", s1, m1)
	}
	if len(m2) != 1 || m2[0].data != `"b"` {
		t.Fatalf("session %s received %+v", s2, m2)
	}
}

func testSubscriptionContextCancellation(t *testing.T, factory HostFactory) {
	h := factory(t)

	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan error, 1)
	go func() {
		done <- h.SubscribeSession(ctx, "sess-cancel", func(ctx context.Context, msgID string, msg []byte) error {
			return nil
		})
	}()

	time.Sleep(100 * time.Millisecond)
	cancel()

	waitDone(t, done, context.Canceled)
}

func testHandlerErrorStopsSubscription(t *testing.T, factory HostFactory) {
	h := factory(t)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	sessionID := "sess-handler-err"
	boom := errors.New("handler failed")

	for i := 0; i < 3; i++ {
		if _, err := h.PublishSession(ctx, sessionID, []byte(`{}`)); err != nil {
			t.Fatalf("publish %d: %v", i, err)
		}
	}

	var calls int
	done := make(chan error, 1)
	go func() {
		done <- h.SubscribeSession(ctx, sessionID, func(ctx context.Context, msgID string, msg []byte) error {
			calls++
			return boom
		})
	}()

	waitDone(t, done, boom)
	if calls != 1 {
		t.Fatalf("expected handler to run once, ran %d times", calls)
	}
}

func testCleanupEndsSubscription(t *testing.T, factory HostFactory) {
	h := factory(t)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	sessionID := "sess-cleanup"

	done := make(chan error, 1)
	go func() {
		done <- h.SubscribeSession(ctx, sessionID, func(ctx context.Context, msgID string, msg []byte) error {
			return nil
		})
	}()

	time.Sleep(100 * time.Millisecond)

	if err := h.CleanupSession(ctx, sessionID); err != nil {
		t.Fatalf("cleanup: %v", err)
	}

	waitDone(t, done, nil)

	if err := h.CleanupSession(ctx, sessionID); err != nil {
		t.Fatalf("second cleanup: %v", err)
	}
}

func testCleanupUnknownSession(t *testing.T, factory HostFactory) {
	h := factory(t)

	if err := h.CleanupSession(context.Background(), "sess-never-existed"); err != nil {
		t.Fatalf("cleanup of unknown session: %v", err)
	}
}

func testPublishAfterCleanupRejected(t *testing.T, factory HostFactory) {
	h := factory(t)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	sessionID := "sess-late-publish"

	if _, err := h.PublishSession(ctx, sessionID, []byte(`{"n":1}`)); err != nil {
		t.Fatalf("publish before cleanup: %v", err)
	}
	if err := h.CleanupSession(ctx, sessionID); err != nil {
		t.Fatalf("cleanup: %v", err)
	}

	evID, err := h.PublishSession(ctx, sessionID, []byte(`{"n":2}`))
	if !errors.Is(err, sessions.ErrStreamClosed) {
		t.Fatalf("publish after cleanup: want %v got id=%q err=%v", sessions.ErrStreamClosed, evID, err)
	}

	// A late subscriber finds nothing to drain and ends at once.
	done := make(chan error, 1)
	go func() {
		done <- h.SubscribeSession(ctx, sessionID, func(ctx context.Context, msgID string, msg []byte) error {
			return fmt.Errorf("unexpected message %s after cleanup: %s", msgID, msg)
		})
	}()
	waitDone(t, done, nil)
}
