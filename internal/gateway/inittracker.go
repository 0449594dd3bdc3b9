// Conversation initialization tracking for the stateful workflow.
//
// DESIGN: The workflow backend needs one expensive init call per
// conversation before it will answer queries. The tracker makes that call
// idempotent per (instance, conversation) key without requiring the backend
// to be: a successful init marks the key for the life of the process, and a
// per-key in-flight guard makes concurrent first requests share a single
// init call instead of duplicating it. Keys are never evicted; restart
// clears them, and re-initialization after a restart is safe.
package gateway

import (
	"context"
	"sync"
)

// ConversationKey builds the composite tracking key from the configured
// backend instance identifier and the inbound conversation identifier.
func ConversationKey(instanceID, conversationID string) string {
	if conversationID == "" {
		conversationID = DefaultConversationID
	}
	return instanceID + ":" + conversationID
}

// InitRegistry records which conversation keys completed initialization.
// The interface keeps the retention policy swappable (LRU, TTL) without
// touching call sites; the default registry is unbounded.
type InitRegistry interface {
	Has(key string) bool
	Insert(key string)
}

type memoryInitRegistry struct {
	mu   sync.RWMutex
	keys map[string]struct{}
}

func newMemoryInitRegistry() *memoryInitRegistry {
	return &memoryInitRegistry{keys: make(map[string]struct{})}
}

func (r *memoryInitRegistry) Has(key string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.keys[key]
	return ok
}

func (r *memoryInitRegistry) Insert(key string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.keys[key] = struct{}{}
}

type inflightInit struct {
	done chan struct{}
	err  error
}

// InitTracker gates workflow calls on a one-time per-key init call.
type InitTracker struct {
	registry InitRegistry

	mu       sync.Mutex
	inflight map[string]*inflightInit
}

// NewInitTracker creates a tracker backed by the in-memory registry.
func NewInitTracker() *InitTracker {
	return &InitTracker{
		registry: newMemoryInitRegistry(),
		inflight: make(map[string]*inflightInit),
	}
}

// Ensure runs init for key unless it already succeeded. Concurrent callers
// for the same uninitialized key wait on the single in-flight call and get
// its result. A failed init leaves the key unmarked so the next request
// retries.
func (t *InitTracker) Ensure(ctx context.Context, key string, init func(context.Context) error) error {
	if t.registry.Has(key) {
		return nil
	}

	t.mu.Lock()
	// Recheck under the lock: the in-flight owner may have just finished.
	if t.registry.Has(key) {
		t.mu.Unlock()
		return nil
	}
	if fl, ok := t.inflight[key]; ok {
		t.mu.Unlock()
		select {
		case <-fl.done:
			return fl.err
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	fl := &inflightInit{done: make(chan struct{})}
	t.inflight[key] = fl
	t.mu.Unlock()

	fl.err = init(ctx)

	t.mu.Lock()
	if fl.err == nil {
		t.registry.Insert(key)
	}
	delete(t.inflight, key)
	t.mu.Unlock()
	close(fl.done)

	return fl.err
}
