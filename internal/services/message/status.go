package message

import (
	"sync"

	lru "github.com/hashicorp/golang-lru/v2"

	"sigil/internal/domain"
)

// maxTracked bounds the messages a Service remembers, sent and received
// alike. The oldest fall out first.
const maxTracked = 4096

// statusTracker holds the delivery status of messages this device sent.
// Statuses only move forward; failed is reachable until the first receipt.
type statusTracker struct {
	mu sync.Mutex
	m  *lru.Cache[domain.MessageID, domain.MessageStatus]
}

func newStatusTracker(size int) *statusTracker {
	return &statusTracker{m: newCache[domain.MessageID, domain.MessageStatus](size)}
}

// advance moves id to st if that is a step forward and reports whether it
// changed anything. Unknown ids are only created in the sending state.
func (t *statusTracker) advance(id domain.MessageID, st domain.MessageStatus) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	cur, ok := t.m.Peek(id)
	switch {
	case !ok:
		if st != domain.StatusSending {
			return false
		}
	case st == domain.StatusFailed:
		if cur != domain.StatusSending && cur != domain.StatusSent {
			return false
		}
	case cur == domain.StatusFailed, st.Rank() <= cur.Rank():
		return false
	}
	t.m.Add(id, st)
	return true
}

func (t *statusTracker) get(id domain.MessageID) (domain.MessageStatus, bool) {
	return t.m.Get(id)
}

func newCache[K comparable, V any](size int) *lru.Cache[K, V] {
	c, err := lru.New[K, V](size)
	if err != nil {
		// Only a non-positive size fails.
		panic(err)
	}
	return c
}
