package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
	"gopkg.in/op/go-logging.v1"

	"sigil/internal/crypto"
	"sigil/internal/domain"
	"sigil/internal/protocol/ratchet"
	"sigil/internal/protocol/x3dh"
	"sigil/internal/util/memzero"
)

// DefaultFetchTimeout bounds a bundle fetch made on behalf of Encrypt.
const DefaultFetchTimeout = 10 * time.Second

// Service is the session and ratchet engine of one local device.
//
// Sessions are keyed by (local device, remote device). All work on one
// session is serialised; different sessions proceed in parallel.
//
//   - Encrypt: with no session, fetch the remote bundle, verify it, run X3DH
//     as initiator and emit a PreKeyMessage. The initiator keeps wrapping
//     messages in PreKeyMessage until the remote's first reply arrives.
//   - Decrypt: a PreKeyMessage from an unknown base key runs X3DH as
//     responder. The one-time pre-key is only consumed once the wrapped
//     message has authenticated, so forgeries cannot burn keys.
//   - Remote identities are trusted on first use and a different identity
//     for the same device is refused until TrustIdentity is called.
type Service struct {
	local    domain.Address
	keys     domain.KeyMaterialStore
	sessions domain.SessionStore
	trust    domain.TrustStore
	dir      domain.BundleService

	fetchTimeout time.Duration
	locks        *keyedMutex
	log          *logging.Logger
}

// Option configures a Service.
type Option func(*Service)

// WithFetchTimeout overrides DefaultFetchTimeout.
func WithFetchTimeout(d time.Duration) Option {
	return func(s *Service) {
		if d > 0 {
			s.fetchTimeout = d
		}
	}
}

// WithLogger sets the service logger.
func WithLogger(l *logging.Logger) Option { return func(s *Service) { s.log = l } }

// New constructs the engine for the local device.
func New(
	local domain.Address,
	keys domain.KeyMaterialStore,
	sessions domain.SessionStore,
	trust domain.TrustStore,
	dir domain.BundleService,
	opts ...Option,
) *Service {
	s := &Service{
		local:        local,
		keys:         keys,
		sessions:     sessions,
		trust:        trust,
		dir:          dir,
		fetchTimeout: DefaultFetchTimeout,
		locks:        newKeyedMutex(),
		log:          logging.MustGetLogger("session"),
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

func (s *Service) key(remote domain.Address) domain.SessionKey {
	return domain.SessionKey{Local: s.local, Remote: remote}
}

func (s *Service) identity() (domain.IdentityKeyPair, error) {
	id, ok, err := s.keys.Identity(s.local)
	if err != nil {
		return domain.IdentityKeyPair{}, err
	}
	if !ok {
		return domain.IdentityKeyPair{}, fmt.Errorf("%w: %s", domain.ErrNoIdentity, s.local)
	}
	return id, nil
}

// Encrypt seals plaintext for one remote device, establishing a session
// first if there is none.
func (s *Service) Encrypt(ctx context.Context, remote domain.Address, plaintext []byte) (domain.Envelope, error) {
	if !remote.Valid() {
		return nil, domain.ErrInvalidAddress
	}
	unlock := s.locks.lock(s.key(remote).String())
	defer unlock()

	ours, err := s.identity()
	if err != nil {
		return nil, err
	}
	rec, ok, err := s.sessions.LoadSession(s.key(remote))
	if err != nil {
		return nil, err
	}
	firstUse := false
	if !ok {
		if rec, firstUse, err = s.initiate(ctx, ours, remote); err != nil {
			return nil, err
		}
	}

	msg, err := ratchet.Encrypt(&rec.State, associatedData(rec, ours), plaintext)
	if err != nil {
		return nil, err
	}
	rec.UpdatedAt = time.Now().UTC()
	if err := s.sessions.StoreSession(rec); err != nil {
		return nil, err
	}
	if firstUse {
		if err := s.trust.TrustIdentity(rec.Key, rec.RemoteIdentity); err != nil {
			return nil, err
		}
	}

	if rec.Pending == nil {
		return &msg, nil
	}
	return &domain.PreKeyMessage{
		RegistrationID: rec.LocalRegistrationID,
		PreKeyID:       rec.Pending.PreKeyID,
		SignedPreKeyID: rec.Pending.SignedPreKeyID,
		BaseKey:        rec.Pending.BaseKey,
		IdentityKey:    ours.Public(),
		Message:        msg,
	}, nil
}

// initiate fetches the remote bundle and runs X3DH as initiator. Nothing is
// persisted here; the caller commits the record after the first encrypt.
func (s *Service) initiate(
	ctx context.Context,
	ours domain.IdentityKeyPair,
	remote domain.Address,
) (domain.SessionRecord, bool, error) {
	fctx, cancel := context.WithTimeout(ctx, s.fetchTimeout)
	defer cancel()
	bundle, err := s.dir.FetchBundle(fctx, remote)
	if err != nil {
		if errors.Is(err, domain.ErrNoSessionAndNoRemoteBundle) {
			return domain.SessionRecord{}, false, err
		}
		return domain.SessionRecord{}, false, fmt.Errorf("%w: %s: %w", domain.ErrNoSessionAndNoRemoteBundle, remote, err)
	}

	if err := x3dh.VerifySignedPreKey(bundle.IdentityKey, bundle.SignedPreKey); err != nil {
		return domain.SessionRecord{}, false, err
	}
	firstUse, err := s.checkTrust(remote, bundle.IdentityKey)
	if err != nil {
		return domain.SessionRecord{}, false, err
	}

	hs, err := x3dh.InitiatorRoot(ours, bundle)
	if err != nil {
		return domain.SessionRecord{}, false, err
	}
	defer memzero.Zero(hs.RootKey)
	st, err := ratchet.InitAsInitiator(hs.RootKey, bundle.SignedPreKey.Pub)
	if err != nil {
		return domain.SessionRecord{}, false, err
	}

	now := time.Now().UTC()
	s.log.Debugf("Initiated session with %s (signed pre-key %d, one-time pre-key %v)",
		remote, hs.SignedPreKeyID, hs.PreKeyID != nil)
	return domain.SessionRecord{
		Key:                  s.key(remote),
		RemoteIdentity:       bundle.IdentityKey,
		RemoteRegistrationID: bundle.RegistrationID,
		LocalRegistrationID:  ours.RegistrationID,
		BaseKey:              hs.BaseKey,
		Initiator:            true,
		Pending: &domain.PendingPreKey{
			PreKeyID:       hs.PreKeyID,
			SignedPreKeyID: hs.SignedPreKeyID,
			BaseKey:        hs.BaseKey,
		},
		State:     st,
		CreatedAt: now,
		UpdatedAt: now,
	}, firstUse, nil
}

// EncryptForUser seals plaintext for every device of user except this one.
// Devices are the union of those in the directory and those we already have
// sessions with. Devices whose bundle has disappeared are skipped.
func (s *Service) EncryptForUser(
	ctx context.Context,
	user domain.UserID,
	plaintext []byte,
) (map[domain.DeviceID]domain.Envelope, error) {
	devices, err := s.devicesOf(ctx, user)
	if err != nil {
		return nil, err
	}

	var (
		mu  sync.Mutex
		out = make(map[domain.DeviceID]domain.Envelope, len(devices))
	)
	g, gctx := errgroup.WithContext(ctx)
	for _, d := range devices {
		remote := domain.Address{User: user, Device: d}
		g.Go(func() error {
			env, err := s.Encrypt(gctx, remote, plaintext)
			if errors.Is(err, domain.ErrNoSessionAndNoRemoteBundle) {
				s.log.Warningf("Skipping %s: %v", remote, err)
				return nil
			}
			if err != nil {
				return fmt.Errorf("encrypt for %s: %w", remote, err)
			}
			mu.Lock()
			out[d] = env
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("%w: user %s", domain.ErrNoSessionAndNoRemoteBundle, user)
	}
	return out, nil
}

func (s *Service) devicesOf(ctx context.Context, user domain.UserID) ([]domain.DeviceID, error) {
	known, err := s.sessions.RemoteDevices(s.local, user)
	if err != nil {
		return nil, err
	}
	fctx, cancel := context.WithTimeout(ctx, s.fetchTimeout)
	defer cancel()
	listed, err := s.dir.Devices(fctx, user)
	if err != nil {
		if len(known) == 0 {
			return nil, fmt.Errorf("%w: user %s: %w", domain.ErrNoSessionAndNoRemoteBundle, user, err)
		}
		s.log.Warningf("Device list for %s unavailable, using existing sessions: %v", user, err)
	}

	seen := make(map[domain.DeviceID]bool, len(known)+len(listed))
	var out []domain.DeviceID
	for _, d := range append(listed, known...) {
		if seen[d] || (user == s.local.User && d == s.local.Device) {
			continue
		}
		seen[d] = true
		out = append(out, d)
	}
	return out, nil
}

// Decrypt opens an envelope from remote. On any error the stored session is
// left as it was.
func (s *Service) Decrypt(ctx context.Context, remote domain.Address, env domain.Envelope) ([]byte, error) {
	if !remote.Valid() {
		return nil, domain.ErrInvalidAddress
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	unlock := s.locks.lock(s.key(remote).String())
	defer unlock()

	ours, err := s.identity()
	if err != nil {
		return nil, err
	}
	switch m := env.(type) {
	case *domain.PreKeyMessage:
		return s.decryptPreKey(ours, remote, m)
	case *domain.RatchetMessage:
		rec, ok, err := s.sessions.LoadSession(s.key(remote))
		if err != nil {
			return nil, err
		}
		if !ok {
			return nil, fmt.Errorf("%w: %s", domain.ErrNoSession, remote)
		}
		return s.decryptWith(rec, ours, m)
	default:
		return nil, fmt.Errorf("%w: %T", domain.ErrMalformedEnvelope, env)
	}
}

// decryptWith opens msg with an established session and commits it.
func (s *Service) decryptWith(
	rec domain.SessionRecord,
	ours domain.IdentityKeyPair,
	msg *domain.RatchetMessage,
) ([]byte, error) {
	pt, err := ratchet.Decrypt(&rec.State, associatedData(rec, ours), *msg)
	if err != nil {
		return nil, err
	}
	if rec.Initiator && rec.Pending != nil {
		// The responder has the session; stop resending handshake data.
		rec.Pending = nil
	}
	rec.UpdatedAt = time.Now().UTC()
	if err := s.sessions.StoreSession(rec); err != nil {
		return nil, err
	}
	return pt, nil
}

func (s *Service) decryptPreKey(
	ours domain.IdentityKeyPair,
	remote domain.Address,
	m *domain.PreKeyMessage,
) ([]byte, error) {
	if m.IdentityKey.IsZero() || m.BaseKey.IsZero() {
		return nil, fmt.Errorf("%w: pre-key message without identity or base key", domain.ErrMalformedEnvelope)
	}

	existing, exists, err := s.sessions.LoadSession(s.key(remote))
	if err != nil {
		return nil, err
	}
	if exists && !existing.Initiator && existing.BaseKey == m.BaseKey {
		// Initiator is still prefixing messages of a session we already built.
		return s.decryptWith(existing, ours, &m.Message)
	}

	firstUse, err := s.checkTrust(remote, m.IdentityKey)
	if err != nil {
		return nil, err
	}

	spk, ok, err := s.keys.SignedPreKey(s.local, m.SignedPreKeyID)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("%w: signed pre-key %d", domain.ErrReplayOrExpired, m.SignedPreKeyID)
	}
	var opkPriv *domain.X25519Private
	if m.PreKeyID != nil {
		otk, ok, err := s.keys.OneTimePreKey(s.local, *m.PreKeyID)
		if err != nil {
			return nil, err
		}
		if !ok {
			return nil, fmt.Errorf("%w: one-time pre-key %d", domain.ErrReplayOrExpired, *m.PreKeyID)
		}
		opkPriv = &otk.Priv
	}

	root, err := x3dh.ResponderRoot(ours, spk.Priv, opkPriv, m.IdentityKey.XPub, m.BaseKey)
	if err != nil {
		return nil, err
	}
	st := ratchet.InitAsResponder(root, spk.Priv, spk.Pub)
	memzero.Zero(root)

	now := time.Now().UTC()
	rec := domain.SessionRecord{
		Key:                  s.key(remote),
		RemoteIdentity:       m.IdentityKey,
		RemoteRegistrationID: m.RegistrationID,
		LocalRegistrationID:  ours.RegistrationID,
		BaseKey:              m.BaseKey,
		State:                st,
		CreatedAt:            now,
		UpdatedAt:            now,
	}
	pt, err := ratchet.Decrypt(&rec.State, associatedData(rec, ours), m.Message)
	if err != nil {
		ratchet.Wipe(&rec.State)
		return nil, err
	}

	// The session is stored before the one-time key is burned so that a
	// failed write leaves the message decryptable on redelivery.
	if err := s.sessions.StoreSession(rec); err != nil {
		ratchet.Wipe(&rec.State)
		return nil, err
	}
	if m.PreKeyID != nil {
		// Whoever takes the key first wins; a concurrent duplicate fails here.
		_, ok, err := s.keys.TakeOneTimePreKey(s.local, *m.PreKeyID)
		if err == nil && !ok {
			err = fmt.Errorf("%w: one-time pre-key %d", domain.ErrReplayOrExpired, *m.PreKeyID)
		}
		if err != nil {
			s.rollback(remote, existing, exists)
			ratchet.Wipe(&rec.State)
			return nil, err
		}
	}
	if firstUse {
		if err := s.trust.TrustIdentity(rec.Key, rec.RemoteIdentity); err != nil {
			return nil, err
		}
	}
	if exists {
		s.log.Noticef("Replaced session with %s after new pre-key message", remote)
		ratchet.Wipe(&existing.State)
	} else {
		s.log.Debugf("Accepted session from %s", remote)
	}
	return pt, nil
}

// rollback puts back the session record that was replaced for remote, or
// removes the new one when there was none.
func (s *Service) rollback(remote domain.Address, previous domain.SessionRecord, existed bool) {
	var err error
	if existed {
		err = s.sessions.StoreSession(previous)
	} else {
		err = s.sessions.DeleteSession(s.key(remote))
	}
	if err != nil {
		s.log.Errorf("Failed to roll back session with %s: %v", remote, err)
	}
}

// checkTrust compares id with the identity trusted for remote. It reports
// whether remote has never been seen, in which case the caller records id
// once the session is committed.
func (s *Service) checkTrust(remote domain.Address, id domain.PublicIdentity) (bool, error) {
	trusted, ok, err := s.trust.TrustedIdentity(s.key(remote))
	if err != nil {
		return false, err
	}
	if !ok {
		return true, nil
	}
	if !trusted.Equal(id) {
		return false, &domain.IdentityKeyChangedError{
			Remote:   remote,
			Trusted:  crypto.FingerprintIdentity(trusted),
			Received: crypto.FingerprintIdentity(id),
		}
	}
	return false, nil
}

// HasSession reports whether a session with remote exists.
func (s *Service) HasSession(remote domain.Address) (bool, error) {
	_, ok, err := s.sessions.LoadSession(s.key(remote))
	return ok, err
}

// ResetSession discards the session with remote. The next Encrypt starts a
// new handshake. The trusted identity is kept.
func (s *Service) ResetSession(remote domain.Address) error {
	unlock := s.locks.lock(s.key(remote).String())
	defer unlock()
	rec, ok, err := s.sessions.LoadSession(s.key(remote))
	if err != nil || !ok {
		return err
	}
	ratchet.Wipe(&rec.State)
	return s.sessions.DeleteSession(s.key(remote))
}

// TrustIdentity records id as the trusted identity of remote, replacing any
// previous one. It is the explicit user action that clears an identity
// change; a stale session with the old identity is discarded.
func (s *Service) TrustIdentity(remote domain.Address, id domain.PublicIdentity) error {
	unlock := s.locks.lock(s.key(remote).String())
	defer unlock()
	rec, ok, err := s.sessions.LoadSession(s.key(remote))
	if err != nil {
		return err
	}
	if ok && !rec.RemoteIdentity.Equal(id) {
		ratchet.Wipe(&rec.State)
		if err := s.sessions.DeleteSession(s.key(remote)); err != nil {
			return err
		}
	}
	return s.trust.TrustIdentity(s.key(remote), id)
}

// associatedData binds a session's messages to both identities, initiator
// first.
func associatedData(rec domain.SessionRecord, ours domain.IdentityKeyPair) []byte {
	if rec.Initiator {
		return x3dh.AssociatedData(ours.Public(), rec.RemoteIdentity)
	}
	return x3dh.AssociatedData(rec.RemoteIdentity, ours.Public())
}

// Compile-time assertion that Service implements domain.SessionService.
var _ domain.SessionService = (*Service)(nil)
