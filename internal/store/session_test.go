package store_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"sigil/internal/domain"
	"sigil/internal/store"
)

func TestSessionStore_RoundTrip(t *testing.T) {
	db := openDB(t, store.WithPassphrase(testPassphrase))
	ss := store.NewSessionStore(db)

	alice := domain.Address{User: "alice", Device: 1}
	key := domain.SessionKey{Local: alice, Remote: bob}
	opk := domain.PreKeyID(7)
	rec := domain.SessionRecord{
		Key:            key,
		RemoteIdentity: domain.PublicIdentity{XPub: domain.X25519Public{9}},
		Initiator:      true,
		Pending:        &domain.PendingPreKey{PreKeyID: &opk, SignedPreKeyID: 1},
		State: domain.RatchetState{
			RootKey: []byte("root"),
			Sending: domain.ChainKey{Key: []byte("chain"), Counter: 3},
			Skipped: []domain.SkippedKey{{Counter: 1, MessageKey: []byte("mk")}},
		},
		CreatedAt: time.Unix(1700000000, 0).UTC(),
	}
	require.NoError(t, ss.StoreSession(rec))

	got, ok, err := ss.LoadSession(key)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, rec.State, got.State)
	require.Equal(t, opk, *got.Pending.PreKeyID)
	require.True(t, rec.CreatedAt.Equal(got.CreatedAt))

	require.NoError(t, ss.StoreSession(domain.SessionRecord{Key: domain.SessionKey{Local: alice, Remote: domain.Address{User: "bob", Device: 4}}}))
	require.NoError(t, ss.StoreSession(domain.SessionRecord{Key: domain.SessionKey{Local: alice, Remote: domain.Address{User: "bobby", Device: 1}}}))
	devs, err := ss.RemoteDevices(alice, "bob")
	require.NoError(t, err)
	require.ElementsMatch(t, []domain.DeviceID{1, 4}, devs)

	require.NoError(t, ss.DeleteSession(key))
	_, ok, err = ss.LoadSession(key)
	require.NoError(t, err)
	require.False(t, ok)
}

func TestTrustStore(t *testing.T) {
	ts := store.NewTrustStore(openDB(t))
	key := domain.SessionKey{Local: domain.Address{User: "alice", Device: 1}, Remote: bob}

	_, ok, err := ts.TrustedIdentity(key)
	require.NoError(t, err)
	require.False(t, ok)

	id := domain.PublicIdentity{XPub: domain.X25519Public{1}, EdPub: domain.Ed25519Public{2}}
	require.NoError(t, ts.TrustIdentity(key, id))
	got, ok, err := ts.TrustedIdentity(key)
	require.NoError(t, err)
	require.True(t, ok)
	require.True(t, id.Equal(got))
}

func TestProfileFileStore(t *testing.T) {
	ps := store.NewProfileFileStore(t.TempDir())
	_, ok, err := ps.LoadProfile()
	require.NoError(t, err)
	require.False(t, ok)

	p := domain.Profile{User: "alice", Device: 1, RelayURL: "http://127.0.0.1:8080"}
	require.NoError(t, ps.SaveProfile(p))
	got, ok, err := ps.LoadProfile()
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, p.Address(), got.Address())
	require.Equal(t, p.RelayURL, got.RelayURL)
}
