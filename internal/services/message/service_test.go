package message

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"sigil/internal/domain"
	"sigil/internal/log"
	"sigil/internal/protocol/wire"
)

var (
	alice = domain.Address{User: "alice", Device: 1}
	bob   = domain.Address{User: "bob", Device: 1}
)

type recordingSender struct {
	mu     sync.Mutex
	frames []domain.Frame
	err    error
}

func (r *recordingSender) SendFrame(_ context.Context, f domain.Frame) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.err != nil {
		return r.err
	}
	r.frames = append(r.frames, f)
	return nil
}

func (r *recordingSender) last(t *testing.T) domain.Frame {
	t.Helper()
	r.mu.Lock()
	defer r.mu.Unlock()
	require.NotEmpty(t, r.frames)
	return r.frames[len(r.frames)-1]
}

type fakeSessions struct {
	domain.SessionService
	envs       map[domain.DeviceID]domain.Envelope
	encryptErr error
	plaintext  []byte
	decryptErr error
	resets     []domain.Address
}

func (f *fakeSessions) EncryptForUser(context.Context, domain.UserID, []byte) (map[domain.DeviceID]domain.Envelope, error) {
	return f.envs, f.encryptErr
}

func (f *fakeSessions) Decrypt(context.Context, domain.Address, domain.Envelope) ([]byte, error) {
	return f.plaintext, f.decryptErr
}

func (f *fakeSessions) ResetSession(remote domain.Address) error {
	f.resets = append(f.resets, remote)
	return nil
}

type fakePreKeys struct {
	domain.PreKeyService
	replenished int
}

func (f *fakePreKeys) Replenish(context.Context, domain.Address) (int, error) {
	f.replenished++
	return 10, nil
}

func newTestService(sessions *fakeSessions, h Handlers) (*Service, *recordingSender, *fakePreKeys) {
	out := &recordingSender{}
	pk := &fakePreKeys{}
	return New(alice, sessions, pk, out, h, log.Discard().GetLogger("message")), out, pk
}

func frame(t *testing.T, ft domain.FrameType, payload any) domain.Frame {
	t.Helper()
	f, err := wire.NewFrame(ft, payload)
	require.NoError(t, err)
	return f
}

func TestSend_StatusLifecycle(t *testing.T) {
	ctx := context.Background()
	sessions := &fakeSessions{envs: map[domain.DeviceID]domain.Envelope{
		2: &domain.RatchetMessage{Counter: 1, MAC: make([]byte, 16)},
		1: &domain.RatchetMessage{Counter: 0, MAC: make([]byte, 16)},
	}}
	s, out, _ := newTestService(sessions, Handlers{})

	id, err := s.Send(ctx, "bob", "conv-1", []byte("hi"))
	require.NoError(t, err)
	st, ok := s.Status(id)
	require.True(t, ok)
	require.Equal(t, domain.StatusSending, st)

	f := out.last(t)
	require.Equal(t, domain.FrameSend, f.Type)
	var p domain.SendPayload
	require.NoError(t, wire.DecodePayload(f, &p))
	require.Equal(t, id, p.MessageID)
	require.EqualValues(t, "bob", p.To)
	require.Len(t, p.Envelopes, 2)
	require.EqualValues(t, 1, p.Envelopes[0].Device)
	require.EqualValues(t, 2, p.Envelopes[1].Device)

	require.NoError(t, s.HandleFrame(ctx, frame(t, domain.FrameSent, domain.SentPayload{MessageID: id, Delivered: 1, Queued: 1})))
	st, _ = s.Status(id)
	require.Equal(t, domain.StatusSent, st)

	var receipts []domain.ReceiptPayload
	s.handlers.OnReceipt = func(r domain.ReceiptPayload) { receipts = append(receipts, r) }
	require.NoError(t, s.HandleFrame(ctx, frame(t, domain.FrameReceipt, domain.ReceiptPayload{MessageID: id, From: bob, Kind: domain.ReceiptRead})))
	require.NoError(t, s.HandleFrame(ctx, frame(t, domain.FrameReceipt, domain.ReceiptPayload{MessageID: id, From: bob, Kind: domain.ReceiptDelivered})))
	st, _ = s.Status(id)
	require.Equal(t, domain.StatusRead, st, "a late delivered receipt must not move the status back")
	require.Len(t, receipts, 2)
}

func TestSend_Failures(t *testing.T) {
	ctx := context.Background()
	s, out, _ := newTestService(&fakeSessions{encryptErr: domain.ErrNoSessionAndNoRemoteBundle}, Handlers{})
	id, err := s.Send(ctx, "carol", "", []byte("hi"))
	require.ErrorIs(t, err, domain.ErrNoSessionAndNoRemoteBundle)
	st, _ := s.Status(id)
	require.Equal(t, domain.StatusFailed, st)
	require.Empty(t, out.frames)

	s, out, _ = newTestService(&fakeSessions{envs: map[domain.DeviceID]domain.Envelope{1: &domain.RatchetMessage{}}}, Handlers{})
	out.err = errors.New("socket closed")
	id, err = s.Send(ctx, "bob", "", []byte("hi"))
	require.Error(t, err)
	st, _ = s.Status(id)
	require.Equal(t, domain.StatusFailed, st)
}

func newMessageFrame(t *testing.T, id domain.MessageID) domain.Frame {
	t.Helper()
	env, err := wire.MarshalEnvelope(&domain.RatchetMessage{Counter: 3, Ciphertext: []byte{1}, MAC: make([]byte, 16)})
	require.NoError(t, err)
	return frame(t, domain.FrameNewMessage, domain.NewMessagePayload{MessageID: id, From: bob, Envelope: env})
}

func TestReceive_DecryptsAndAcks(t *testing.T) {
	ctx := context.Background()
	var got []domain.DecryptedMessage
	s, out, _ := newTestService(&fakeSessions{plaintext: []byte("hello")}, Handlers{
		OnMessage: func(m domain.DecryptedMessage) { got = append(got, m) },
	})

	require.NoError(t, s.HandleFrame(ctx, newMessageFrame(t, "m-1")))
	require.Len(t, got, 1)
	require.Equal(t, "hello", string(got[0].Plaintext))
	require.Equal(t, bob, got[0].From)

	var ack domain.AckPayload
	f := out.last(t)
	require.Equal(t, domain.FrameAck, f.Type)
	require.NoError(t, wire.DecodePayload(f, &ack))
	require.Equal(t, domain.AckPayload{MessageID: "m-1", Kind: domain.ReceiptDelivered}, ack)

	require.NoError(t, s.MarkRead(ctx, "m-1"))
	require.NoError(t, wire.DecodePayload(out.last(t), &ack))
	require.Equal(t, domain.ReceiptRead, ack.Kind)

	require.ErrorIs(t, s.MarkRead(ctx, "never-seen"), ErrUnknownMessage)
}

func TestReceive_ProtocolErrorIsAckedAndSurfaced(t *testing.T) {
	ctx := context.Background()
	called := false
	s, out, _ := newTestService(&fakeSessions{decryptErr: domain.ErrAuthenticationFailed}, Handlers{
		OnMessage: func(domain.DecryptedMessage) { called = true },
	})

	err := s.HandleFrame(ctx, newMessageFrame(t, "m-2"))
	require.ErrorIs(t, err, domain.ErrAuthenticationFailed)
	require.False(t, called)

	// The relay drops the queued copy without telling the sender it arrived.
	f := out.last(t)
	require.Equal(t, domain.FrameAck, f.Type)
	var ack domain.AckPayload
	require.NoError(t, wire.DecodePayload(f, &ack))
	require.Equal(t, domain.AckPayload{MessageID: "m-2", Kind: domain.ReceiptRejected}, ack)
	require.ErrorIs(t, s.MarkRead(ctx, "m-2"), ErrUnknownMessage)
}

func TestSend_RejectedReceiptFails(t *testing.T) {
	ctx := context.Background()
	sessions := &fakeSessions{envs: map[domain.DeviceID]domain.Envelope{1: &domain.RatchetMessage{}}}
	s, _, _ := newTestService(sessions, Handlers{})

	id, err := s.Send(ctx, "bob", "", []byte("hi"))
	require.NoError(t, err)
	require.NoError(t, s.HandleFrame(ctx, frame(t, domain.FrameSent, domain.SentPayload{MessageID: id, Queued: 1})))
	require.NoError(t, s.HandleFrame(ctx, frame(t, domain.FrameReceipt, domain.ReceiptPayload{MessageID: id, From: bob, Kind: domain.ReceiptRejected})))
	st, _ := s.Status(id)
	require.Equal(t, domain.StatusFailed, st)

	// Failed is final.
	require.NoError(t, s.HandleFrame(ctx, frame(t, domain.FrameReceipt, domain.ReceiptPayload{MessageID: id, From: bob, Kind: domain.ReceiptRead})))
	st, _ = s.Status(id)
	require.Equal(t, domain.StatusFailed, st)

	// A message some device already has is not failed by another's rejection.
	id, err = s.Send(ctx, "bob", "", []byte("again"))
	require.NoError(t, err)
	require.NoError(t, s.HandleFrame(ctx, frame(t, domain.FrameReceipt, domain.ReceiptPayload{MessageID: id, From: bob, Kind: domain.ReceiptDelivered})))
	require.NoError(t, s.HandleFrame(ctx, frame(t, domain.FrameReceipt, domain.ReceiptPayload{MessageID: id, From: bob, Kind: domain.ReceiptRejected})))
	st, _ = s.Status(id)
	require.Equal(t, domain.StatusDelivered, st)
}

func TestStatusTracker_Bounded(t *testing.T) {
	tr := newStatusTracker(2)
	for _, id := range []domain.MessageID{"a", "b", "c"} {
		require.True(t, tr.advance(id, domain.StatusSending))
	}
	_, ok := tr.get("a")
	require.False(t, ok, "oldest entry should be evicted")
	st, ok := tr.get("c")
	require.True(t, ok)
	require.Equal(t, domain.StatusSending, st)

	require.False(t, tr.advance("a", domain.StatusDelivered), "evicted ids are not recreated by receipts")
}

func TestReceive_StorageErrorLeavesMessageQueued(t *testing.T) {
	ctx := context.Background()
	s, out, _ := newTestService(&fakeSessions{decryptErr: errors.New("disk full")}, Handlers{})

	require.Error(t, s.HandleFrame(ctx, newMessageFrame(t, "m-3")))
	require.Empty(t, out.frames)
}

func TestHandleFrame_Control(t *testing.T) {
	ctx := context.Background()
	sessions := &fakeSessions{envs: map[domain.DeviceID]domain.Envelope{1: &domain.RatchetMessage{}}}
	var typing []domain.TypingPayload
	s, _, pk := newTestService(sessions, Handlers{
		OnTyping: func(p domain.TypingPayload) { typing = append(typing, p) },
	})

	require.NoError(t, s.HandleFrame(ctx, frame(t, domain.FrameKeysLow, domain.KeysLowPayload{Remaining: 3})))
	require.Equal(t, 1, pk.replenished)

	id, err := s.Send(ctx, "bob", "", []byte("x"))
	require.NoError(t, err)
	require.NoError(t, s.HandleFrame(ctx, frame(t, domain.FrameSent, domain.SentPayload{
		MessageID:    id,
		Delivered:    1,
		StaleDevices: []domain.DeviceID{4},
	})))
	require.Equal(t, []domain.Address{{User: "bob", Device: 4}}, sessions.resets)

	require.NoError(t, s.HandleFrame(ctx, frame(t, domain.FrameTyping, domain.TypingPayload{From: "bob", IsTyping: true})))
	require.Len(t, typing, 1)

	failedID, err := s.Send(ctx, "bob", "", []byte("y"))
	require.NoError(t, err)
	require.NoError(t, s.HandleFrame(ctx, frame(t, domain.FrameError, domain.ErrorPayload{MessageID: failedID, Message: "rejected"})))
	st, _ := s.Status(failedID)
	require.Equal(t, domain.StatusFailed, st)

	require.NoError(t, s.HandleFrame(ctx, domain.Frame{Type: domain.FramePong}))
}
