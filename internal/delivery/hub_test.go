package delivery

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"

	"sigil/internal/domain"
	"sigil/internal/log"
	"sigil/internal/protocol/wire"
)

type staticDirectory map[domain.UserID][]domain.DeviceID

func (d staticDirectory) Devices(_ context.Context, user domain.UserID) ([]domain.DeviceID, error) {
	return d[user], nil
}

type relay struct {
	hub      *Hub
	pipeline *Pipeline
	url      string
	served   chan *Conn
}

func testSettings() Settings {
	s := DefaultSettings()
	s.WriteWait = 2 * time.Second
	return s
}

// startRelay runs one hub behind an httptest server.
func startRelay(t *testing.T, broker Broker, mailbox Mailbox, presence PresenceStore, dir Directory) *relay {
	t.Helper()
	return startRelayWith(t, testSettings(), broker, mailbox, presence, dir)
}

func startRelayWith(t *testing.T, settings Settings, broker Broker, mailbox Mailbox, presence PresenceStore, dir Directory) *relay {
	t.Helper()
	logger := log.Discard().GetLogger("delivery")
	hub := NewHub(settings, broker, mailbox, presence, logger)
	pipeline := NewPipeline(hub, mailbox, dir, presence, logger)

	ctx, cancel := context.WithCancel(context.Background())
	stopped := make(chan struct{})
	go func() {
		defer close(stopped)
		hub.Run(ctx)
	}()

	served := make(chan *Conn, 16)
	var upgrader websocket.Upgrader
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		device, err := strconv.ParseUint(r.URL.Query().Get("device"), 10, 32)
		if err != nil {
			http.Error(w, "bad device", http.StatusBadRequest)
			return
		}
		addr := domain.Address{User: domain.UserID(r.URL.Query().Get("user")), Device: domain.DeviceID(device)}
		ws, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		if c, err := Serve(hub, ws, addr, pipeline); err == nil {
			select {
			case served <- c:
			default:
			}
		}
	}))
	t.Cleanup(func() {
		srv.Close()
		cancel()
		<-stopped
	})
	return &relay{hub: hub, pipeline: pipeline, url: "ws" + strings.TrimPrefix(srv.URL, "http"), served: served}
}

// connect dials the relay as addr.
func (r *relay) connect(t *testing.T, addr domain.Address) *websocket.Conn {
	t.Helper()
	ws, _, err := websocket.DefaultDialer.Dial(r.url+"?user="+string(addr.User)+"&device="+addr.Device.String(), nil)
	require.NoError(t, err)
	t.Cleanup(func() { ws.Close() })
	return ws
}

func writeFrame(t *testing.T, ws *websocket.Conn, typ domain.FrameType, payload any) {
	t.Helper()
	b, err := wire.EncodeFrame(wire.MustFrame(typ, payload))
	require.NoError(t, err)
	require.NoError(t, ws.WriteMessage(websocket.TextMessage, b))
}

func readFrame(t *testing.T, ws *websocket.Conn) domain.Frame {
	t.Helper()
	require.NoError(t, ws.SetReadDeadline(time.Now().Add(5*time.Second)))
	_, b, err := ws.ReadMessage()
	require.NoError(t, err)
	f, err := wire.DecodeFrame(b)
	require.NoError(t, err)
	return f
}

func expectFrame(t *testing.T, ws *websocket.Conn, typ domain.FrameType, v any) {
	t.Helper()
	f := readFrame(t, ws)
	require.Equal(t, typ, f.Type, "payload %s", f.Payload)
	if v != nil {
		require.NoError(t, wire.DecodePayload(f, v))
	}
}

// roundTrip sends a ping. Everything the relay routed to ws before the
// pong has arrived by the time it returns.
func roundTrip(t *testing.T, ws *websocket.Conn) {
	t.Helper()
	writeFrame(t, ws, domain.FramePing, nil)
	expectFrame(t, ws, domain.FramePong, nil)
}

func sendTo(t *testing.T, ws *websocket.Conn, id domain.MessageID, to domain.UserID, devices ...domain.DeviceID) domain.SentPayload {
	t.Helper()
	req := domain.SendPayload{MessageID: id, To: to}
	for _, d := range devices {
		req.Envelopes = append(req.Envelopes, domain.DeviceEnvelope{
			Device:   d,
			Envelope: json.RawMessage(`{"type":"message","counter":` + d.String() + `}`),
		})
	}
	writeFrame(t, ws, domain.FrameSend, req)
	var sent domain.SentPayload
	expectFrame(t, ws, domain.FrameSent, &sent)
	require.Equal(t, id, sent.MessageID)
	return sent
}

func TestPipeline_LiveQueuedAndReceipts(t *testing.T) {
	mailbox := openMailbox(t)
	dir := staticDirectory{"alice": {1}, "bob": {1, 2}}
	r := startRelay(t, NewMemoryBus().Broker(), mailbox, NewMemoryPresence(), dir)

	bob1ws := r.connect(t, bob1)
	roundTrip(t, bob1ws)
	alice := r.connect(t, alice1)
	roundTrip(t, alice)

	sent := sendTo(t, alice, "m1", "bob", 1, 2)
	require.Equal(t, 1, sent.Delivered)
	require.Equal(t, 1, sent.Queued)
	require.Empty(t, sent.MissingDevices)
	require.Empty(t, sent.StaleDevices)

	var msg domain.NewMessagePayload
	expectFrame(t, bob1ws, domain.FrameNewMessage, &msg)
	require.Equal(t, domain.MessageID("m1"), msg.MessageID)
	require.Equal(t, alice1, msg.From)
	require.JSONEq(t, `{"type":"message","counter":1}`, string(msg.Envelope))

	// bob's second device comes online and gets its queued copy first.
	bob2ws := r.connect(t, bob2)
	expectFrame(t, bob2ws, domain.FrameNewMessage, &msg)
	require.Equal(t, domain.MessageID("m1"), msg.MessageID)
	require.JSONEq(t, `{"type":"message","counter":2}`, string(msg.Envelope))

	writeFrame(t, bob2ws, domain.FrameAck, domain.AckPayload{MessageID: "m1", Kind: domain.ReceiptDelivered})
	var receipt domain.ReceiptPayload
	expectFrame(t, alice, domain.FrameReceipt, &receipt)
	require.Equal(t, domain.MessageID("m1"), receipt.MessageID)
	require.Equal(t, bob2, receipt.From)
	require.Equal(t, domain.ReceiptDelivered, receipt.Kind)

	// A second delivered ack from bob is recorded once only.
	writeFrame(t, bob1ws, domain.FrameAck, domain.AckPayload{MessageID: "m1", Kind: domain.ReceiptDelivered})
	roundTrip(t, bob1ws)
	roundTrip(t, alice)

	writeFrame(t, bob1ws, domain.FrameAck, domain.AckPayload{MessageID: "m1", Kind: domain.ReceiptRead})
	expectFrame(t, alice, domain.FrameReceipt, &receipt)
	require.Equal(t, domain.ReceiptRead, receipt.Kind)

	// Acked copies are gone from the queue.
	ctx := context.Background()
	for _, addr := range []domain.Address{bob1, bob2} {
		pending, err := mailbox.Pending(ctx, addr)
		require.NoError(t, err)
		require.Empty(t, pending, addr.String())
	}
}

func TestPipeline_RedeliversUnackedOnReconnect(t *testing.T) {
	mailbox := openMailbox(t)
	dir := staticDirectory{"alice": {1}, "bob": {1}}
	r := startRelay(t, NewMemoryBus().Broker(), mailbox, NewMemoryPresence(), dir)

	alice := r.connect(t, alice1)
	roundTrip(t, alice)
	sent := sendTo(t, alice, "m1", "bob", 1)
	require.Equal(t, 0, sent.Delivered)
	require.Equal(t, 1, sent.Queued)
	sendTo(t, alice, "m2", "bob", 1)

	first := r.connect(t, bob1)
	expectFrame(t, first, domain.FrameNewMessage, nil)
	expectFrame(t, first, domain.FrameNewMessage, nil)
	writeFrame(t, first, domain.FrameAck, domain.AckPayload{MessageID: "m1", Kind: domain.ReceiptDelivered})
	roundTrip(t, first)
	first.Close()

	// Only the unacknowledged message comes back.
	second := r.connect(t, bob1)
	var msg domain.NewMessagePayload
	expectFrame(t, second, domain.FrameNewMessage, &msg)
	require.Equal(t, domain.MessageID("m2"), msg.MessageID)
	roundTrip(t, second)
}

func TestPipeline_DrainsBacklogLargerThanSendBuffer(t *testing.T) {
	ctx := context.Background()
	mailbox := openMailbox(t)
	settings := testSettings()
	settings.SendBuffer = 8
	r := startRelayWith(t, settings, NewMemoryBus().Broker(), mailbox, NewMemoryPresence(), staticDirectory{"bob": {1}})

	const backlog = 30
	var want []domain.MessageID
	for i := 0; i < backlog; i++ {
		id := domain.MessageID(fmt.Sprintf("m%02d", i))
		want = append(want, id)
		require.NoError(t, mailbox.Enqueue(ctx, []QueuedMessage{queued(id, bob1)}))
	}

	bob := r.connect(t, bob1)
	var got []domain.MessageID
	for len(got) < backlog {
		var msg domain.NewMessagePayload
		expectFrame(t, bob, domain.FrameNewMessage, &msg)
		got = append(got, msg.MessageID)
		writeFrame(t, bob, domain.FrameAck, domain.AckPayload{MessageID: msg.MessageID, Kind: domain.ReceiptDelivered})
	}
	roundTrip(t, bob)
	require.Equal(t, want, got)

	pending, err := mailbox.Pending(ctx, bob1)
	require.NoError(t, err)
	require.Empty(t, pending)
	c := <-r.served
	require.Equal(t, StateConnected, c.State())
}

func TestPipeline_RejectedAckDropsAndTellsSender(t *testing.T) {
	mailbox := openMailbox(t)
	r := startRelay(t, NewMemoryBus().Broker(), mailbox, NewMemoryPresence(), staticDirectory{"alice": {1}, "bob": {1}})
	bob := r.connect(t, bob1)
	roundTrip(t, bob)
	alice := r.connect(t, alice1)
	roundTrip(t, alice)

	sendTo(t, alice, "m1", "bob", 1)
	expectFrame(t, bob, domain.FrameNewMessage, nil)
	writeFrame(t, bob, domain.FrameAck, domain.AckPayload{MessageID: "m1", Kind: domain.ReceiptRejected})

	var receipt domain.ReceiptPayload
	expectFrame(t, alice, domain.FrameReceipt, &receipt)
	require.Equal(t, domain.ReceiptRejected, receipt.Kind)
	require.Equal(t, bob1, receipt.From)

	pending, err := mailbox.Pending(context.Background(), bob1)
	require.NoError(t, err)
	require.Empty(t, pending)
}

func TestHub_ClosesConnectionWithoutPongs(t *testing.T) {
	ctx := context.Background()
	presence := NewMemoryPresence()
	settings := testSettings()
	settings.PingInterval = 50 * time.Millisecond
	settings.PongWait = 300 * time.Millisecond
	dir := staticDirectory{"bob": {1}, "carol": {1}}
	r := startRelayWith(t, settings, NewMemoryBus().Broker(), openMailbox(t), presence, dir)

	// bob never answers pings.
	silent := r.connect(t, bob1)
	silent.SetPingHandler(func(string) error { return nil })
	bobConn := <-r.served
	online, err := presence.Online(ctx, "bob")
	require.NoError(t, err)
	require.True(t, online)

	// carol's client reads, which answers pings.
	carol := domain.Address{User: "carol", Device: 1}
	live := r.connect(t, carol)
	carolConn := <-r.served
	go func() {
		for {
			if _, _, err := live.ReadMessage(); err != nil {
				return
			}
		}
	}()

	require.Eventually(t, func() bool {
		online, err := presence.Online(ctx, "bob")
		return err == nil && !online && bobConn.State() == StateClosed
	}, 5*time.Second, 20*time.Millisecond)

	time.Sleep(2 * settings.PongWait)
	require.Equal(t, StateConnected, carolConn.State())
	online, err = presence.Online(ctx, "carol")
	require.NoError(t, err)
	require.True(t, online)
}

func TestPipeline_ReportsMissingAndStaleDevices(t *testing.T) {
	dir := staticDirectory{"alice": {1}, "bob": {1, 2}}
	r := startRelay(t, NewMemoryBus().Broker(), openMailbox(t), NewMemoryPresence(), dir)
	alice := r.connect(t, alice1)

	sent := sendTo(t, alice, "m1", "bob", 2, 9)
	require.Equal(t, []domain.DeviceID{9}, sent.StaleDevices)
	require.Equal(t, []domain.DeviceID{1}, sent.MissingDevices)
	require.Equal(t, 1, sent.Queued)

	writeFrame(t, alice, domain.FrameSend, domain.SendPayload{MessageID: "m2", To: "bob"})
	var e domain.ErrorPayload
	expectFrame(t, alice, domain.FrameError, &e)
	require.Equal(t, domain.MessageID("m2"), e.MessageID)
}

func TestPipeline_TypingPresenceAndErrors(t *testing.T) {
	dir := staticDirectory{"alice": {1}, "bob": {1, 2}}
	r := startRelay(t, NewMemoryBus().Broker(), openMailbox(t), NewMemoryPresence(), dir)
	alice := r.connect(t, alice1)
	roundTrip(t, alice)
	b1 := r.connect(t, bob1)
	roundTrip(t, b1)
	b2 := r.connect(t, bob2)
	roundTrip(t, b2)

	writeFrame(t, alice, domain.FrameTyping, domain.TypingPayload{To: "bob", From: "mallory", IsTyping: true})
	for _, ws := range []*websocket.Conn{b1, b2} {
		var typing domain.TypingPayload
		expectFrame(t, ws, domain.FrameTyping, &typing)
		require.Equal(t, domain.UserID("alice"), typing.From)
		require.True(t, typing.IsTyping)
	}

	var p domain.PresencePayload
	writeFrame(t, alice, domain.FramePresence, domain.PresencePayload{User: "bob"})
	expectFrame(t, alice, domain.FramePresence, &p)
	require.Equal(t, StatusOnline, p.Status)
	writeFrame(t, alice, domain.FramePresence, domain.PresencePayload{User: "carol"})
	expectFrame(t, alice, domain.FramePresence, &p)
	require.Equal(t, StatusOffline, p.Status)

	writeFrame(t, alice, domain.FrameKeysLow, domain.KeysLowPayload{})
	expectFrame(t, alice, domain.FrameError, nil)

	require.NoError(t, alice.WriteMessage(websocket.TextMessage, []byte("not json")))
	expectFrame(t, alice, domain.FrameError, nil)

	r.pipeline.NotifyKeysLow(bob2, 3)
	var low domain.KeysLowPayload
	expectFrame(t, b2, domain.FrameKeysLow, &low)
	require.Equal(t, 3, low.Remaining)
}

func TestHub_NewConnectionReplacesOld(t *testing.T) {
	dir := staticDirectory{"bob": {1}}
	r := startRelay(t, NewMemoryBus().Broker(), openMailbox(t), NewMemoryPresence(), dir)
	old := r.connect(t, bob1)
	roundTrip(t, old)
	fresh := r.connect(t, bob1)
	roundTrip(t, fresh)

	// The replaced socket is closed by the relay.
	require.NoError(t, old.SetReadDeadline(time.Now().Add(5*time.Second)))
	_, _, err := old.ReadMessage()
	require.Error(t, err)
}

func TestHub_CrossInstanceDelivery(t *testing.T) {
	bus := NewMemoryBus()
	mailbox := openMailbox(t)
	presence := NewMemoryPresence()
	dir := staticDirectory{"alice": {1}, "bob": {1}}
	a := startRelay(t, bus.Broker(), mailbox, presence, dir)
	b := startRelay(t, bus.Broker(), mailbox, presence, dir)
	require.NotEqual(t, a.hub.ID(), b.hub.ID())

	bob := b.connect(t, bob1)
	roundTrip(t, bob)
	alice := a.connect(t, alice1)
	roundTrip(t, alice)

	sent := sendTo(t, alice, "m1", "bob", 1)
	require.Equal(t, 0, sent.Delivered)
	require.Equal(t, 1, sent.Queued)

	var msg domain.NewMessagePayload
	expectFrame(t, bob, domain.FrameNewMessage, &msg)
	require.Equal(t, domain.MessageID("m1"), msg.MessageID)

	// The receipt travels back to the sender's hub.
	writeFrame(t, bob, domain.FrameAck, domain.AckPayload{MessageID: "m1", Kind: domain.ReceiptDelivered})
	expectFrame(t, alice, domain.FrameReceipt, nil)
}
