package delivery

import (
	"context"
	"sync"

	"sigil/internal/domain"
)

// Route is one frame addressed to a single device, or to every device of a
// user when To.Device is zero. Origin names the hub that produced it.
// MessageID is set for new_message frames.
type Route struct {
	Origin    string           `json:"origin"`
	To        domain.Address   `json:"to"`
	MessageID domain.MessageID `json:"message_id,omitempty"`
	Frame     domain.Frame     `json:"frame"`
}

// Broker carries routes between hubs. A hub subscribes to the users that
// have devices connected to it.
type Broker interface {
	Publish(ctx context.Context, r Route) error
	Subscribe(ctx context.Context, user domain.UserID) error
	Unsubscribe(ctx context.Context, user domain.UserID) error
	Routes() <-chan Route
	Close() error
}

const routeBuffer = 1024

// MemoryBus connects the MemoryBrokers of hubs in one process.
type MemoryBus struct {
	mu        sync.RWMutex
	endpoints map[*MemoryBroker]struct{}
}

// NewMemoryBus returns an empty bus.
func NewMemoryBus() *MemoryBus {
	return &MemoryBus{endpoints: make(map[*MemoryBroker]struct{})}
}

// Broker returns a new endpoint on the bus for one hub.
func (b *MemoryBus) Broker() *MemoryBroker {
	m := &MemoryBroker{
		bus:   b,
		users: make(map[domain.UserID]bool),
		ch:    make(chan Route, routeBuffer),
	}
	b.mu.Lock()
	b.endpoints[m] = struct{}{}
	b.mu.Unlock()
	return m
}

// MemoryBroker is a Broker endpoint on a MemoryBus.
type MemoryBroker struct {
	bus *MemoryBus

	mu     sync.Mutex
	users  map[domain.UserID]bool
	ch     chan Route
	closed bool
}

// Publish offers r to every endpoint subscribed to its user. Endpoints that
// are not keeping up lose the route; the mailbox still holds messages.
func (m *MemoryBroker) Publish(ctx context.Context, r Route) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.bus.mu.RLock()
	defer m.bus.mu.RUnlock()
	for ep := range m.bus.endpoints {
		ep.offer(r)
	}
	return nil
}

func (m *MemoryBroker) offer(r Route) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed || !m.users[r.To.User] {
		return
	}
	select {
	case m.ch <- r:
	default:
	}
}

// Subscribe implements Broker.
func (m *MemoryBroker) Subscribe(_ context.Context, user domain.UserID) error {
	m.mu.Lock()
	m.users[user] = true
	m.mu.Unlock()
	return nil
}

// Unsubscribe implements Broker.
func (m *MemoryBroker) Unsubscribe(_ context.Context, user domain.UserID) error {
	m.mu.Lock()
	delete(m.users, user)
	m.mu.Unlock()
	return nil
}

// Routes implements Broker.
func (m *MemoryBroker) Routes() <-chan Route { return m.ch }

// Close detaches the endpoint from the bus.
func (m *MemoryBroker) Close() error {
	m.bus.mu.Lock()
	delete(m.bus.endpoints, m)
	m.bus.mu.Unlock()

	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.closed {
		m.closed = true
		close(m.ch)
	}
	return nil
}

// Compile-time assertion that MemoryBroker implements Broker.
var _ Broker = (*MemoryBroker)(nil)
