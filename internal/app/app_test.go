package app_test

import (
	"context"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"sigil/internal/app"
	"sigil/internal/delivery"
	"sigil/internal/domain"
	"sigil/internal/log"
	"sigil/internal/server"
	"sigil/internal/services/bundle"
	"sigil/internal/services/message"
	"sigil/internal/store"
)

const passphrase = "Correct-Horse-9"

func startRelay(t *testing.T) string {
	t.Helper()
	logs := log.Discard()
	db, err := store.Open(filepath.Join(t.TempDir(), "relay.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	keys := bundle.New(store.NewBundleStore(db), bundle.WithLogger(logs.GetLogger("bundle")))

	mailbox, err := delivery.OpenSQLMailbox(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { mailbox.Close() })
	presence := delivery.NewMemoryPresence()
	hub := delivery.NewHub(delivery.DefaultSettings(), delivery.NewMemoryBus().Broker(), mailbox, presence, logs.GetLogger("hub"))
	pipeline := delivery.NewPipeline(hub, mailbox, keys, presence, logs.GetLogger("pipeline"))
	keys.OnLowWater(pipeline.NotifyKeysLow)

	ctx, cancel := context.WithCancel(context.Background())
	stopped := make(chan struct{})
	go func() {
		defer close(stopped)
		hub.Run(ctx)
	}()
	srv := httptest.NewServer(server.New(keys, hub, pipeline, logs.GetLogger("http")))
	t.Cleanup(func() {
		srv.Close()
		cancel()
		<-stopped
	})
	return srv.URL
}

func config(t *testing.T) app.Config {
	return app.Config{
		Home:         t.TempDir(),
		Passphrase:   passphrase,
		PreKeyBatch:  5,
		StoreOptions: []store.Option{store.WithScryptParams(1<<10, 8, 1)},
	}
}

func newDevice(t *testing.T, relayURL string, user domain.UserID) *app.Wire {
	t.Helper()
	cfg := config(t)
	w, fp, err := app.Init(cfg, domain.Profile{User: user, Device: 1, RelayURL: relayURL})
	require.NoError(t, err)
	require.NotEmpty(t, fp)
	t.Cleanup(func() { w.Close() })
	require.NoError(t, w.PreKeys.Provision(context.Background(), w.Profile.Address(), 5))
	return w
}

func inbox(ch chan<- domain.DecryptedMessage) message.Handlers {
	return message.Handlers{OnMessage: func(m domain.DecryptedMessage) { ch <- m }}
}

func TestInit_Rules(t *testing.T) {
	cfg := config(t)
	_, err := app.NewWire(cfg)
	require.ErrorIs(t, err, app.ErrNoProfile)

	weak := cfg
	weak.Passphrase = "password"
	_, _, err = app.Init(weak, domain.Profile{User: "alice", Device: 1})
	require.Error(t, err)

	_, _, err = app.Init(cfg, domain.Profile{User: "alice"})
	require.ErrorIs(t, err, domain.ErrInvalidAddress)

	w, _, err := app.Init(cfg, domain.Profile{User: "alice", Device: 1, RelayURL: "http://127.0.0.1:1"})
	require.NoError(t, err)
	fp, err := w.Identity.Fingerprint(w.Profile.Address())
	require.NoError(t, err)
	require.NoError(t, w.Close())

	_, _, err = app.Init(cfg, domain.Profile{User: "alice", Device: 1})
	require.ErrorIs(t, err, domain.ErrIdentityExists)

	// Reopening with the passphrase gives the same identity.
	w, err = app.NewWire(cfg)
	require.NoError(t, err)
	defer w.Close()
	again, err := w.Identity.Fingerprint(w.Profile.Address())
	require.NoError(t, err)
	require.Equal(t, fp, again)
}

func TestInit_WrongPassphrase(t *testing.T) {
	cfg := config(t)
	w, _, err := app.Init(cfg, domain.Profile{User: "alice", Device: 1, RelayURL: "http://127.0.0.1:1"})
	require.NoError(t, err)
	require.NoError(t, w.Close())

	cfg.Passphrase = "Wrong-Horse-10"
	_, err = app.NewWire(cfg)
	require.Error(t, err)
}

func TestConversationThroughRelay(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	relayURL := startRelay(t)

	alice := newDevice(t, relayURL, "alice")
	bob := newDevice(t, relayURL, "bob")

	aliceInbox := make(chan domain.DecryptedMessage, 4)
	bobInbox := make(chan domain.DecryptedMessage, 4)
	aliceMsgs, err := alice.Connect(ctx, inbox(aliceInbox))
	require.NoError(t, err)
	bobMsgs, err := bob.Connect(ctx, inbox(bobInbox))
	require.NoError(t, err)

	id, err := aliceMsgs.Send(ctx, "bob", "c1", []byte("hello bob"))
	require.NoError(t, err)

	var got domain.DecryptedMessage
	select {
	case got = <-bobInbox:
	case <-ctx.Done():
		t.Fatal("bob received nothing")
	}
	require.Equal(t, id, got.ID)
	require.Equal(t, "hello bob", string(got.Plaintext))
	require.Equal(t, alice.Profile.Address(), got.From)
	require.Equal(t, domain.ConversationID("c1"), got.ConversationID)

	waitStatus(t, aliceMsgs.Status, id, domain.StatusDelivered)
	require.NoError(t, bobMsgs.MarkRead(ctx, id))
	waitStatus(t, aliceMsgs.Status, id, domain.StatusRead)

	reply, err := bobMsgs.Send(ctx, "alice", "c1", []byte("hi alice"))
	require.NoError(t, err)
	select {
	case got = <-aliceInbox:
	case <-ctx.Done():
		t.Fatal("alice received nothing")
	}
	require.Equal(t, reply, got.ID)
	require.Equal(t, "hi alice", string(got.Plaintext))

	ok, err := alice.Sessions.HasSession(bob.Profile.Address())
	require.NoError(t, err)
	require.True(t, ok)
}

func waitStatus(t *testing.T, status func(domain.MessageID) (domain.MessageStatus, bool), id domain.MessageID, want domain.MessageStatus) {
	t.Helper()
	require.Eventually(t, func() bool {
		s, ok := status(id)
		return ok && s == want
	}, 10*time.Second, 20*time.Millisecond, "message %s never reached %s", id, want)
}
