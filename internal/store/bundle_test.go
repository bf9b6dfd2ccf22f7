package store_test

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"sigil/internal/domain"
	"sigil/internal/store"
)

func publish(t *testing.T, bs *store.BundleStore, addr domain.Address, ids ...domain.PreKeyID) {
	t.Helper()
	require.NoError(t, bs.PutIdentity(addr, 42, domain.PublicIdentity{XPub: domain.X25519Public{1}}))
	require.NoError(t, bs.PutSignedPreKey(addr, domain.SignedPreKeyPublic{ID: 1, Pub: domain.X25519Public{2}, Signature: []byte("sig")}))
	keys := make([]domain.OneTimePreKeyPublic, 0, len(ids))
	for _, id := range ids {
		keys = append(keys, domain.OneTimePreKeyPublic{ID: id, Pub: domain.X25519Public{byte(id)}})
	}
	_, err := bs.AddOneTimePreKeys(addr, keys)
	require.NoError(t, err)
}

func TestBundleStore_TakeLowestFirst(t *testing.T) {
	bs := store.NewBundleStore(openDB(t))
	publish(t, bs, bob, 9, 3, 5)

	b, remaining, ok, err := bs.TakeBundle(bob)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, 2, remaining)
	require.NotNil(t, b.PreKey)
	require.EqualValues(t, 3, b.PreKey.ID)
	require.Equal(t, domain.X25519Public{3}, b.PreKey.Pub)
	require.EqualValues(t, 42, b.RegistrationID)
	require.Equal(t, bob, b.Address())

	_, _, _, err = bs.TakeBundle(bob)
	require.NoError(t, err)
	_, _, _, err = bs.TakeBundle(bob)
	require.NoError(t, err)

	// Exhausted: the bundle is still served, without a one-time key.
	b, remaining, ok, err = bs.TakeBundle(bob)
	require.NoError(t, err)
	require.True(t, ok)
	require.Nil(t, b.PreKey)
	require.Zero(t, remaining)
}

func TestBundleStore_AddIsAdditive(t *testing.T) {
	bs := store.NewBundleStore(openDB(t))
	publish(t, bs, bob, 1, 2)

	added, err := bs.AddOneTimePreKeys(bob, []domain.OneTimePreKeyPublic{
		{ID: 2, Pub: domain.X25519Public{0xee}},
		{ID: 3, Pub: domain.X25519Public{3}},
	})
	require.NoError(t, err)
	require.Equal(t, 1, added)

	n, err := bs.OneTimePreKeyCount(bob)
	require.NoError(t, err)
	require.Equal(t, 3, n)
}

func TestBundleStore_UnknownDevice(t *testing.T) {
	bs := store.NewBundleStore(openDB(t))
	_, _, ok, err := bs.TakeBundle(bob)
	require.NoError(t, err)
	require.False(t, ok)

	_, ok, err = bs.Bundle(bob)
	require.NoError(t, err)
	require.False(t, ok)
}

func TestBundleStore_ConcurrentTakesAreUnique(t *testing.T) {
	bs := store.NewBundleStore(openDB(t))
	const keys, callers = 5, 20
	ids := make([]domain.PreKeyID, 0, keys)
	for i := 1; i <= keys; i++ {
		ids = append(ids, domain.PreKeyID(i))
	}
	publish(t, bs, bob, ids...)

	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		seen = map[domain.PreKeyID]int{}
		none int
	)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			b, _, ok, err := bs.TakeBundle(bob)
			if err != nil || !ok {
				t.Errorf("TakeBundle: ok=%v err=%v", ok, err)
				return
			}
			mu.Lock()
			defer mu.Unlock()
			if b.PreKey == nil {
				none++
				return
			}
			seen[b.PreKey.ID]++
		}()
	}
	wg.Wait()

	require.Len(t, seen, keys)
	for id, n := range seen {
		require.Equal(t, 1, n, "pre-key %d handed out %d times", id, n)
	}
	require.Equal(t, callers-keys, none)
}

func TestBundleStore_DevicesAndRemove(t *testing.T) {
	bs := store.NewBundleStore(openDB(t))
	publish(t, bs, domain.Address{User: "bob", Device: 1})
	publish(t, bs, domain.Address{User: "bob", Device: 2})
	publish(t, bs, domain.Address{User: "carol", Device: 1})

	devs, err := bs.Devices("bob")
	require.NoError(t, err)
	require.Equal(t, []domain.DeviceID{1, 2}, devs)

	require.NoError(t, bs.RemoveDevice(domain.Address{User: "bob", Device: 1}))
	devs, err = bs.Devices("bob")
	require.NoError(t, err)
	require.Equal(t, []domain.DeviceID{2}, devs)

	devs, err = bs.Devices("nobody")
	require.NoError(t, err)
	require.Empty(t, devs)
}
