package sessions

import (
	"sort"
	"sync"

	"github.com/cespare/xxhash/v2"
	"github.com/google/uuid"
)

const shardCount = 32

// Registry maps session ids to live sessions. It is the only state shared
// between concurrent connection handlers. Operations on the same id are
// linearizable through the owning shard's lock.
type Registry struct {
	shards [shardCount]shard
	newID  func() string
}

type shard struct {
	mu       sync.RWMutex
	sessions map[string]*Session
}

// RegistryOption configures a Registry.
type RegistryOption func(*Registry)

// WithIDGenerator overrides the session id generator (uuid.NewString by
// default). Generated ids that collide with a registered session are
// discarded and regenerated.
func WithIDGenerator(fn func() string) RegistryOption {
	return func(r *Registry) { r.newID = fn }
}

// NewRegistry constructs an empty registry.
func NewRegistry(opts ...RegistryOption) *Registry {
	r := &Registry{newID: uuid.NewString}
	for i := range r.shards {
		r.shards[i].sessions = make(map[string]*Session)
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

func (r *Registry) shardFor(id string) *shard {
	return &r.shards[xxhash.Sum64String(id)%shardCount]
}

// Create generates a fresh id, registers a new opening session under it and
// returns the session. The id is never shared with another registered session.
func (r *Registry) Create(opts SessionOptions) *Session {
	for {
		id := r.newID()
		sh := r.shardFor(id)
		sh.mu.Lock()
		if _, taken := sh.sessions[id]; taken {
			sh.mu.Unlock()
			continue
		}
		sess := newSession(id, opts)
		sh.sessions[id] = sess
		sh.mu.Unlock()
		return sess
	}
}

// Get returns the session registered under id while it is active. Absent,
// opening, closing and closed sessions yield ErrSessionNotFound.
func (r *Registry) Get(id string) (*Session, error) {
	sh := r.shardFor(id)
	sh.mu.RLock()
	sess, ok := sh.sessions[id]
	sh.mu.RUnlock()
	if !ok || sess.State() != StateActive {
		return nil, ErrSessionNotFound
	}
	return sess, nil
}

// Remove deregisters id. Removing an unknown id is a no-op.
func (r *Registry) Remove(id string) {
	sh := r.shardFor(id)
	sh.mu.Lock()
	delete(sh.sessions, id)
	sh.mu.Unlock()
}

// Len returns the number of registered sessions in any state.
func (r *Registry) Len() int {
	n := 0
	for i := range r.shards {
		sh := &r.shards[i]
		sh.mu.RLock()
		n += len(sh.sessions)
		sh.mu.RUnlock()
	}
	return n
}

// Lookup returns a snapshot of the session registered under id regardless of
// its state.
func (r *Registry) Lookup(id string) (Info, bool) {
	sh := r.shardFor(id)
	sh.mu.RLock()
	sess, ok := sh.sessions[id]
	sh.mu.RUnlock()
	if !ok {
		return Info{}, false
	}
	return sess.Info(), true
}

// Snapshot returns every registered session ordered by creation time.
func (r *Registry) Snapshot() []Info {
	var out []Info
	for i := range r.shards {
		sh := &r.shards[i]
		sh.mu.RLock()
		for _, sess := range sh.sessions {
			out = append(out, sess.Info())
		}
		sh.mu.RUnlock()
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}

// CloseAll marks every registered session as closing so that the streams
// owning them run their cleanup path.
func (r *Registry) CloseAll() {
	for i := range r.shards {
		sh := &r.shards[i]
		sh.mu.RLock()
		live := make([]*Session, 0, len(sh.sessions))
		for _, sess := range sh.sessions {
			live = append(live, sess)
		}
		sh.mu.RUnlock()
		for _, sess := range live {
			sess.MarkClosing()
		}
	}
}
