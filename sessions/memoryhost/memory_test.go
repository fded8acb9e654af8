package memoryhost

import (
	"context"
	"errors"
	"testing"

	"github.com/ggoodman/mcp-sse-gateway/sessions"
	"github.com/ggoodman/mcp-sse-gateway/sessions/sessionhosttest"
)

func TestMemorySessionHost(t *testing.T) {
	sessionhosttest.RunSessionHostTests(t, func(t *testing.T) sessions.SessionHost {
		return New()
	})
}

func TestCleanupReleasesStream(t *testing.T) {
	h := New()
	ctx := context.Background()
	if _, err := h.PublishSession(ctx, "s", []byte(`{}`)); err != nil {
		t.Fatalf("publish: %v", err)
	}
	if want, got := 1, h.Len(); want != got {
		t.Fatalf("unexpected stream count: want %d got %d", want, got)
	}
	if err := h.CleanupSession(ctx, "s"); err != nil {
		t.Fatalf("cleanup: %v", err)
	}
	if err := h.CleanupSession(ctx, "s"); err != nil {
		t.Fatalf("second cleanup: %v", err)
	}
	if want, got := 0, h.Len(); want != got {
		t.Fatalf("unexpected stream count after cleanup: want %d got %d", want, got)
	}
}

func TestPublishAfterCleanupKeepsNoStream(t *testing.T) {
	h := New()
	ctx := context.Background()
	if err := h.CleanupSession(ctx, "s"); err != nil {
		t.Fatalf("cleanup: %v", err)
	}
	if _, err := h.PublishSession(ctx, "s", []byte(`{}`)); !errors.Is(err, sessions.ErrStreamClosed) {
		t.Fatalf("publish after cleanup: want %v got %v", sessions.ErrStreamClosed, err)
	}
	if want, got := 0, h.Len(); want != got {
		t.Fatalf("unexpected stream count: want %d got %d", want, got)
	}
}

func TestTombstonesAreBounded(t *testing.T) {
	h := New(WithTombstoneLimit(2))
	ctx := context.Background()
	for _, id := range []string{"a", "b", "c"} {
		if err := h.CleanupSession(ctx, id); err != nil {
			t.Fatalf("cleanup %s: %v", id, err)
		}
	}
	if want, got := 2, len(h.tombstones); want != got {
		t.Fatalf("unexpected tombstone count: want %d got %d", want, got)
	}
	// The oldest id was forgotten.
	if _, err := h.PublishSession(ctx, "a", []byte(`{}`)); err != nil {
		t.Fatalf("publish to forgotten id: %v", err)
	}
	if _, err := h.PublishSession(ctx, "c", []byte(`{}`)); !errors.Is(err, sessions.ErrStreamClosed) {
		t.Fatalf("publish to recent id: want %v got %v", sessions.ErrStreamClosed, err)
	}
}
