package bundle_test

import (
	"context"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"sigil/internal/crypto"
	"sigil/internal/domain"
	"sigil/internal/services/bundle"
	"sigil/internal/store"
)

var bob = domain.Address{User: "bob", Device: 1}

func newService(t *testing.T, opts ...bundle.Option) *bundle.Service {
	t.Helper()
	db, err := store.Open(filepath.Join(t.TempDir(), "directory.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return bundle.New(store.NewBundleStore(db), opts...)
}

// publishRequest builds a correctly signed request with one-time pre-keys ids.
func publishRequest(t *testing.T, ids ...domain.PreKeyID) (domain.IdentityKeyPair, domain.PublishRequest) {
	t.Helper()
	id, err := crypto.GenerateIdentity()
	require.NoError(t, err)
	_, spkPub, err := crypto.GenerateX25519()
	require.NoError(t, err)

	req := domain.PublishRequest{
		RegistrationID: id.RegistrationID,
		IdentityKey:    id.Public(),
		SignedPreKey: domain.SignedPreKeyPublic{
			ID:        1,
			Pub:       spkPub,
			Signature: crypto.SignEd25519(id.EdPriv, spkPub[:]),
		},
	}
	for _, k := range ids {
		_, pub, err := crypto.GenerateX25519()
		require.NoError(t, err)
		req.PreKeys = append(req.PreKeys, domain.OneTimePreKeyPublic{ID: k, Pub: pub})
	}
	return id, req
}

func TestPublishAndFetch(t *testing.T) {
	ctx := context.Background()
	s := newService(t)
	id, req := publishRequest(t, 7, 8)
	require.NoError(t, s.PublishBundle(ctx, bob, req))

	n, err := s.PreKeyCount(ctx, bob)
	require.NoError(t, err)
	require.Equal(t, 2, n)

	b, err := s.FetchBundle(ctx, bob)
	require.NoError(t, err)
	require.True(t, b.IdentityKey.Equal(id.Public()))
	require.Equal(t, req.SignedPreKey.Pub, b.SignedPreKey.Pub)
	require.NotNil(t, b.PreKey)
	require.EqualValues(t, 7, b.PreKey.ID)
	require.Equal(t, bob, b.Address())

	n, err = s.PreKeyCount(ctx, bob)
	require.NoError(t, err)
	require.Equal(t, 1, n)
}

func TestPublish_RejectsBadSignature(t *testing.T) {
	ctx := context.Background()
	s := newService(t)
	_, req := publishRequest(t, 1)
	req.SignedPreKey.Signature[0] ^= 0x01

	err := s.PublishBundle(ctx, bob, req)
	require.ErrorIs(t, err, domain.ErrSignatureInvalid)

	_, err = s.FetchBundle(ctx, bob)
	require.ErrorIs(t, err, domain.ErrNoSessionAndNoRemoteBundle)
}

func TestFetchBundle_ConcurrentExactlyOnce(t *testing.T) {
	ctx := context.Background()
	s := newService(t)
	_, req := publishRequest(t, 1, 2, 3, 4, 5, 6, 7, 8, 9, 10)
	require.NoError(t, s.PublishBundle(ctx, bob, req))

	const fetchers = 32
	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		seen = make(map[domain.PreKeyID]int)
		none int
	)
	for i := 0; i < fetchers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			b, err := s.FetchBundle(ctx, bob)
			if !assert.NoError(t, err) {
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

	require.Len(t, seen, 10)
	for id, n := range seen {
		require.Equal(t, 1, n, "pre-key %d handed out %d times", id, n)
	}
	require.Equal(t, fetchers-10, none)
}

func TestFetchBundle_LowWater(t *testing.T) {
	ctx := context.Background()
	var (
		calls   int
		lastRem int
		lastFor domain.Address
	)
	s := newService(t,
		bundle.WithLowWaterMark(3),
		bundle.WithLowWaterFunc(func(addr domain.Address, remaining int) {
			calls++
			lastRem, lastFor = remaining, addr
		}),
	)
	_, req := publishRequest(t, 1, 2, 3, 4)
	require.NoError(t, s.PublishBundle(ctx, bob, req))

	_, err := s.FetchBundle(ctx, bob)
	require.NoError(t, err)
	require.Zero(t, calls)

	_, err = s.FetchBundle(ctx, bob)
	require.NoError(t, err)
	require.Equal(t, 1, calls)
	require.Equal(t, 2, lastRem)
	require.Equal(t, bob, lastFor)
}

func TestFetchBundles_AllDevices(t *testing.T) {
	ctx := context.Background()
	s := newService(t)
	_, req1 := publishRequest(t, 1)
	_, req2 := publishRequest(t)
	require.NoError(t, s.PublishBundle(ctx, bob, req1))
	require.NoError(t, s.PublishBundle(ctx, domain.Address{User: "bob", Device: 2}, req2))

	devices, err := s.Devices(ctx, "bob")
	require.NoError(t, err)
	require.ElementsMatch(t, []domain.DeviceID{1, 2}, devices)

	bundles, err := s.FetchBundles(ctx, "bob")
	require.NoError(t, err)
	require.Len(t, bundles, 2)

	_, err = s.FetchBundles(ctx, "carol")
	require.ErrorIs(t, err, domain.ErrNoSessionAndNoRemoteBundle)
}

func TestRefillAndRotate(t *testing.T) {
	ctx := context.Background()
	s := newService(t)

	_, err := s.RefillPreKeys(ctx, bob, []domain.OneTimePreKeyPublic{{ID: 1}})
	require.ErrorIs(t, err, domain.ErrNoSessionAndNoRemoteBundle)

	id, req := publishRequest(t, 1)
	require.NoError(t, s.PublishBundle(ctx, bob, req))

	added, err := s.RefillPreKeys(ctx, bob, []domain.OneTimePreKeyPublic{
		{ID: 1, Pub: domain.X25519Public{1}},
		{ID: 2, Pub: domain.X25519Public{2}},
	})
	require.NoError(t, err)
	require.Equal(t, 1, added)

	_, pub, err := crypto.GenerateX25519()
	require.NoError(t, err)
	spk := domain.SignedPreKeyPublic{ID: 2, Pub: pub, Signature: crypto.SignEd25519(id.EdPriv, pub[:])}
	require.NoError(t, s.RotateSignedPreKey(ctx, bob, spk))

	b, err := s.FetchBundle(ctx, bob)
	require.NoError(t, err)
	require.EqualValues(t, 2, b.SignedPreKey.ID)

	other, _ := publishRequest(t)
	forged := domain.SignedPreKeyPublic{ID: 3, Pub: pub, Signature: crypto.SignEd25519(other.EdPriv, pub[:])}
	require.ErrorIs(t, s.RotateSignedPreKey(ctx, bob, forged), domain.ErrSignatureInvalid)
}

func TestPublish_NewIdentityReplacesKeys(t *testing.T) {
	ctx := context.Background()
	s := newService(t)
	_, req := publishRequest(t, 1, 2, 3)
	require.NoError(t, s.PublishBundle(ctx, bob, req))

	id2, req2 := publishRequest(t, 10)
	require.NoError(t, s.PublishBundle(ctx, bob, req2))

	n, err := s.PreKeyCount(ctx, bob)
	require.NoError(t, err)
	require.Equal(t, 1, n)

	b, err := s.FetchBundle(ctx, bob)
	require.NoError(t, err)
	require.True(t, b.IdentityKey.Equal(id2.Public()))
	require.EqualValues(t, 10, b.PreKey.ID)
}
