package sessions_test

import (
	"errors"
	"strconv"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/ggoodman/mcp-sse-gateway/sessions"
)

func TestRegistry(t *testing.T) {
	t.Run("Get only returns active sessions", func(t *testing.T) {
		reg := sessions.NewRegistry()
		sess := reg.Create(sessions.SessionOptions{})

		if _, err := reg.Get(sess.ID()); !errors.Is(err, sessions.ErrSessionNotFound) {
			t.Fatalf("opening session must not be reachable, got %v", err)
		}
		if err := sess.Activate(); err != nil {
			t.Fatalf("activate: %v", err)
		}
		got, err := reg.Get(sess.ID())
		if err != nil {
			t.Fatalf("get: %v", err)
		}
		if got != sess {
			t.Fatalf("registry returned a different handle")
		}

		sess.MarkClosing()
		if _, err := reg.Get(sess.ID()); !errors.Is(err, sessions.ErrSessionNotFound) {
			t.Fatalf("closing session must not be reachable, got %v", err)
		}
	})

	t.Run("Unknown ids are not found", func(t *testing.T) {
		reg := sessions.NewRegistry()
		if _, err := reg.Get("never-registered"); !errors.Is(err, sessions.ErrSessionNotFound) {
			t.Fatalf("expected ErrSessionNotFound, got %v", err)
		}
	})

	t.Run("Remove is idempotent and final", func(t *testing.T) {
		reg := sessions.NewRegistry()
		sess := reg.Create(sessions.SessionOptions{})
		_ = sess.Activate()

		reg.Remove(sess.ID())
		if _, err := reg.Get(sess.ID()); !errors.Is(err, sessions.ErrSessionNotFound) {
			t.Fatalf("removed session still reachable: %v", err)
		}
		reg.Remove(sess.ID())
		if want, got := 0, reg.Len(); want != got {
			t.Fatalf("unexpected registry size: want %d got %d", want, got)
		}
		if _, ok := reg.Lookup(sess.ID()); ok {
			t.Fatalf("lookup found removed session")
		}
	})

	t.Run("Colliding ids are regenerated", func(t *testing.T) {
		var n atomic.Int64
		ids := []string{"dup", "dup", "dup", "fresh"}
		reg := sessions.NewRegistry(sessions.WithIDGenerator(func() string {
			i := n.Add(1) - 1
			if int(i) < len(ids) {
				return ids[i]
			}
			return "id-" + strconv.FormatInt(i, 10)
		}))
		a := reg.Create(sessions.SessionOptions{})
		b := reg.Create(sessions.SessionOptions{})
		if a.ID() != "dup" {
			t.Fatalf("unexpected first id %q", a.ID())
		}
		if want, got := "fresh", b.ID(); want != got {
			t.Fatalf("unexpected second id: want %q got %q", want, got)
		}
	})

	t.Run("Concurrent creates never share an id", func(t *testing.T) {
		reg := sessions.NewRegistry()
		const n = 500
		var wg sync.WaitGroup
		ids := make(chan string, n)
		for i := 0; i < n; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				ids <- reg.Create(sessions.SessionOptions{}).ID()
			}()
		}
		wg.Wait()
		close(ids)

		seen := make(map[string]struct{}, n)
		for id := range ids {
			if _, dup := seen[id]; dup {
				t.Fatalf("duplicate session id %q", id)
			}
			seen[id] = struct{}{}
		}
		if want, got := n, reg.Len(); want != got {
			t.Fatalf("unexpected registry size: want %d got %d", want, got)
		}
	})

	t.Run("Concurrent get and remove on the same id", func(t *testing.T) {
		reg := sessions.NewRegistry()
		sess := reg.Create(sessions.SessionOptions{})
		_ = sess.Activate()

		var removed atomic.Bool
		var wg sync.WaitGroup
		for i := 0; i < 8; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				for j := 0; j < 1000; j++ {
					wasRemoved := removed.Load()
					_, err := reg.Get(sess.ID())
					if wasRemoved && err == nil {
						t.Errorf("get succeeded after remove completed")
						return
					}
				}
			}()
		}
		reg.Remove(sess.ID())
		removed.Store(true)
		wg.Wait()
	})

	t.Run("Snapshot reports attach health", func(t *testing.T) {
		reg := sessions.NewRegistry()
		ok := reg.Create(sessions.SessionOptions{})
		bad := reg.Create(sessions.SessionOptions{})
		ok.RecordAttach(nil)
		bad.RecordAttach(errors.New("dial failed"))

		snap := reg.Snapshot()
		if want, got := 2, len(snap); want != got {
			t.Fatalf("unexpected snapshot size: want %d got %d", want, got)
		}
		byID := map[string]sessions.Info{}
		for _, info := range snap {
			byID[info.ID] = info
		}
		if byID[ok.ID()].Attach != sessions.AttachAttached {
			t.Fatalf("unexpected attach status for healthy session: %s", byID[ok.ID()].Attach)
		}
		if byID[bad.ID()].Attach != sessions.AttachFailed || byID[bad.ID()].AttachError != "dial failed" {
			t.Fatalf("unexpected info for failed session: %+v", byID[bad.ID()])
		}
	})

	t.Run("CloseAll cancels every session token", func(t *testing.T) {
		reg := sessions.NewRegistry()
		a := reg.Create(sessions.SessionOptions{})
		b := reg.Create(sessions.SessionOptions{})
		_ = b.Activate()
		reg.CloseAll()
		for _, s := range []*sessions.Session{a, b} {
			select {
			case <-s.Done():
			default:
				t.Fatalf("session %s not canceled", s.ID())
			}
			if want, got := sessions.StateClosing, s.State(); want != got {
				t.Fatalf("unexpected state: want %s got %s", want, got)
			}
		}
	})
}
