package delivery

import (
	"context"
	"sync"

	"sigil/internal/domain"
)

// Presence statuses as carried in presence frames.
const (
	StatusOnline  = "online"
	StatusOffline = "offline"
)

// PresenceStore records which hubs hold connections for a user.
type PresenceStore interface {
	SetOnline(ctx context.Context, user domain.UserID, node string) error
	SetOffline(ctx context.Context, user domain.UserID, node string) error
	Online(ctx context.Context, user domain.UserID) (bool, error)
}

// MemoryPresence is a PresenceStore for a single process.
type MemoryPresence struct {
	mu    sync.Mutex
	nodes map[domain.UserID]map[string]bool
}

// NewMemoryPresence returns an empty store.
func NewMemoryPresence() *MemoryPresence {
	return &MemoryPresence{nodes: make(map[domain.UserID]map[string]bool)}
}

// SetOnline implements PresenceStore.
func (p *MemoryPresence) SetOnline(_ context.Context, user domain.UserID, node string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.nodes[user] == nil {
		p.nodes[user] = make(map[string]bool)
	}
	p.nodes[user][node] = true
	return nil
}

// SetOffline implements PresenceStore.
func (p *MemoryPresence) SetOffline(_ context.Context, user domain.UserID, node string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.nodes[user], node)
	if len(p.nodes[user]) == 0 {
		delete(p.nodes, user)
	}
	return nil
}

// Online implements PresenceStore.
func (p *MemoryPresence) Online(_ context.Context, user domain.UserID) (bool, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.nodes[user]) > 0, nil
}

var _ PresenceStore = (*MemoryPresence)(nil)
