// Package presence counts live sockets per user so the gateway can report who is online.
package presence

import (
	"context"
	"sync"
)

// Registry tracks open sockets per user. A user is online while at least one socket is open.
type Registry interface {
	Connect(ctx context.Context, userID string) (becameOnline bool, err error)
	Disconnect(ctx context.Context, userID string) (wentOffline bool, err error)
	Online(ctx context.Context, userIDs []string) (map[string]bool, error)
}

// MemoryRegistry is a single-process Registry.
type MemoryRegistry struct {
	mu     sync.Mutex
	counts map[string]int
}

// NewMemoryRegistry constructs an empty MemoryRegistry.
func NewMemoryRegistry() *MemoryRegistry {
	return &MemoryRegistry{counts: make(map[string]int)}
}

func (r *MemoryRegistry) Connect(_ context.Context, userID string) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.counts[userID]++
	return r.counts[userID] == 1, nil
}

func (r *MemoryRegistry) Disconnect(_ context.Context, userID string) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	n, ok := r.counts[userID]
	if !ok {
		return false, nil
	}
	if n <= 1 {
		delete(r.counts, userID)
		return true, nil
	}
	r.counts[userID] = n - 1
	return false, nil
}

func (r *MemoryRegistry) Online(_ context.Context, userIDs []string) (map[string]bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make(map[string]bool, len(userIDs))
	for _, id := range userIDs {
		out[id] = r.counts[id] > 0
	}
	return out, nil
}
