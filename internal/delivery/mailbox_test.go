package delivery

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"sigil/internal/domain"
)

var (
	alice1 = domain.Address{User: "alice", Device: 1}
	bob1   = domain.Address{User: "bob", Device: 1}
	bob2   = domain.Address{User: "bob", Device: 2}
)

func openMailbox(t *testing.T) *SQLMailbox {
	t.Helper()
	m, err := OpenSQLMailbox(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { m.Close() })
	return m
}

func queued(id domain.MessageID, to domain.Address) QueuedMessage {
	return QueuedMessage{
		ID:       id,
		From:     alice1,
		To:       to,
		Envelope: json.RawMessage(`{"type":"message"}`),
		SentAt:   time.UnixMilli(1700000000000).UTC(),
	}
}

func TestSQLMailbox_PendingInOrder(t *testing.T) {
	ctx := context.Background()
	m := openMailbox(t)

	require.NoError(t, m.Enqueue(ctx, []QueuedMessage{queued("m1", bob1), queued("m1", bob2)}))
	require.NoError(t, m.Enqueue(ctx, []QueuedMessage{queued("m2", bob1)}))
	// Enqueueing again does not duplicate.
	require.NoError(t, m.Enqueue(ctx, []QueuedMessage{queued("m1", bob1)}))

	pending, err := m.Pending(ctx, bob1)
	require.NoError(t, err)
	require.Len(t, pending, 2)
	require.Equal(t, domain.MessageID("m1"), pending[0].ID)
	require.Equal(t, domain.MessageID("m2"), pending[1].ID)
	require.Equal(t, alice1, pending[0].From)
	require.Equal(t, bob1, pending[0].To)
	require.JSONEq(t, `{"type":"message"}`, string(pending[0].Envelope))
	require.True(t, pending[0].SentAt.Equal(time.UnixMilli(1700000000000)))

	require.NoError(t, m.Remove(ctx, "m1", bob1))
	pending, err = m.Pending(ctx, bob1)
	require.NoError(t, err)
	require.Len(t, pending, 1)

	// bob's other device keeps its copy.
	pending, err = m.Pending(ctx, bob2)
	require.NoError(t, err)
	require.Len(t, pending, 1)
}

func TestSQLMailbox_ReceiptsAreIdempotent(t *testing.T) {
	ctx := context.Background()
	m := openMailbox(t)
	require.NoError(t, m.Enqueue(ctx, []QueuedMessage{queued("m1", bob1), queued("m1", bob2)}))

	applied, sender, err := m.ApplyReceipt(ctx, domain.Receipt{MessageID: "m1", User: "bob", Device: 1, Kind: domain.ReceiptDelivered})
	require.NoError(t, err)
	require.True(t, applied)
	require.Equal(t, alice1, sender)

	// Same user and kind from another device.
	applied, _, err = m.ApplyReceipt(ctx, domain.Receipt{MessageID: "m1", User: "bob", Device: 2, Kind: domain.ReceiptDelivered})
	require.NoError(t, err)
	require.False(t, applied)

	applied, _, err = m.ApplyReceipt(ctx, domain.Receipt{MessageID: "m1", User: "bob", Device: 2, Kind: domain.ReceiptRead})
	require.NoError(t, err)
	require.True(t, applied)

	_, _, err = m.ApplyReceipt(ctx, domain.Receipt{MessageID: "m1", User: "bob", Device: 2, Kind: "seen"})
	require.Error(t, err)

	// Unknown message: recorded, no sender.
	applied, sender, err = m.ApplyReceipt(ctx, domain.Receipt{MessageID: "nope", User: "bob", Device: 1, Kind: domain.ReceiptRead})
	require.NoError(t, err)
	require.True(t, applied)
	require.False(t, sender.Valid())
}
