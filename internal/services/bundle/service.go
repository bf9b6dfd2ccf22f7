package bundle

import (
	"context"
	"errors"
	"fmt"

	"gopkg.in/op/go-logging.v1"

	"sigil/internal/domain"
	"sigil/internal/instrument"
	"sigil/internal/protocol/x3dh"
)

// DefaultLowWaterMark is the one-time pre-key count below which the owning
// device is asked to upload more.
const DefaultLowWaterMark = 20

// ErrInvalidRequest is returned for publish requests missing key material.
var ErrInvalidRequest = errors.New("invalid publish request")

// LowWaterFunc is called after a fetch leaves a device with fewer than the
// low-water mark of one-time pre-keys.
type LowWaterFunc func(addr domain.Address, remaining int)

// Service is the key bundle directory.
//
// Devices publish their identity, a signed pre-key and a batch of one-time
// pre-keys. Initiators fetch a bundle holding the signed pre-key and at most
// one one-time pre-key, which is removed from the directory in the same
// transaction so that no two initiators ever receive it.
type Service struct {
	store    domain.BundleStore
	lowWater int
	onLow    LowWaterFunc
	log      *logging.Logger
}

// Option configures a Service.
type Option func(*Service)

// WithLowWaterMark overrides DefaultLowWaterMark.
func WithLowWaterMark(n int) Option {
	return func(s *Service) {
		if n > 0 {
			s.lowWater = n
		}
	}
}

// WithLowWaterFunc installs the low-water callback.
func WithLowWaterFunc(f LowWaterFunc) Option { return func(s *Service) { s.onLow = f } }

// WithLogger sets the service logger.
func WithLogger(l *logging.Logger) Option { return func(s *Service) { s.log = l } }

// New returns a bundle service backed by store.
func New(store domain.BundleStore, opts ...Option) *Service {
	s := &Service{
		store:    store,
		lowWater: DefaultLowWaterMark,
		log:      logging.MustGetLogger("bundle"),
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// OnLowWater replaces the low-water callback. It must be called before the
// service is shared.
func (s *Service) OnLowWater(f LowWaterFunc) { s.onLow = f }

// PublishBundle verifies and stores a device's key material. One-time
// pre-keys are added to those already published. Publishing a different
// identity for the same address replaces everything stored for it.
func (s *Service) PublishBundle(ctx context.Context, addr domain.Address, req domain.PublishRequest) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if !addr.Valid() {
		return domain.ErrInvalidAddress
	}
	if req.IdentityKey.IsZero() || req.SignedPreKey.Pub.IsZero() {
		return ErrInvalidRequest
	}
	if err := x3dh.VerifySignedPreKey(req.IdentityKey, req.SignedPreKey); err != nil {
		return err
	}

	existing, ok, err := s.store.Bundle(addr)
	if err != nil {
		return err
	}
	if ok && !existing.IdentityKey.Equal(req.IdentityKey) {
		s.log.Noticef("Identity of %s replaced, dropping old key material", addr)
		if err := s.store.RemoveDevice(addr); err != nil {
			return err
		}
	}

	if err := s.store.PutIdentity(addr, req.RegistrationID, req.IdentityKey); err != nil {
		return err
	}
	if err := s.store.PutSignedPreKey(addr, req.SignedPreKey); err != nil {
		return err
	}
	added, err := s.store.AddOneTimePreKeys(addr, req.PreKeys)
	if err != nil {
		return err
	}
	s.log.Debugf("Published bundle for %s: signed pre-key %d, %d one-time pre-keys added",
		addr, req.SignedPreKey.ID, added)
	return nil
}

// FetchBundle returns the device's bundle with one one-time pre-key if any
// remain. Running out of one-time pre-keys is not an error.
func (s *Service) FetchBundle(ctx context.Context, addr domain.Address) (domain.PreKeyBundle, error) {
	if err := ctx.Err(); err != nil {
		return domain.PreKeyBundle{}, err
	}
	if !addr.Valid() {
		return domain.PreKeyBundle{}, domain.ErrInvalidAddress
	}
	bundle, remaining, ok, err := s.store.TakeBundle(addr)
	if err != nil {
		return domain.PreKeyBundle{}, err
	}
	if !ok {
		return domain.PreKeyBundle{}, fmt.Errorf("%w: %s", domain.ErrNoSessionAndNoRemoteBundle, addr)
	}
	instrument.BundleFetched(bundle.PreKey != nil)
	if bundle.PreKey == nil {
		s.log.Warningf("Device %s has no one-time pre-keys left", addr)
	}
	s.checkLowWater(addr, remaining)
	return bundle, nil
}

// FetchBundles fetches a bundle for every device of user.
func (s *Service) FetchBundles(ctx context.Context, user domain.UserID) ([]domain.PreKeyBundle, error) {
	devices, err := s.store.Devices(user)
	if err != nil {
		return nil, err
	}
	if len(devices) == 0 {
		return nil, fmt.Errorf("%w: user %s", domain.ErrNoSessionAndNoRemoteBundle, user)
	}
	out := make([]domain.PreKeyBundle, 0, len(devices))
	for _, d := range devices {
		b, err := s.FetchBundle(ctx, domain.Address{User: user, Device: d})
		if err != nil {
			// The device may have been removed since it was listed.
			if errors.Is(err, domain.ErrNoSessionAndNoRemoteBundle) {
				continue
			}
			return nil, err
		}
		out = append(out, b)
	}
	return out, nil
}

// PreKeyCount returns how many one-time pre-keys the device has left.
func (s *Service) PreKeyCount(ctx context.Context, addr domain.Address) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	if !addr.Valid() {
		return 0, domain.ErrInvalidAddress
	}
	return s.store.OneTimePreKeyCount(addr)
}

// Devices lists the devices of user that have published key material.
func (s *Service) Devices(ctx context.Context, user domain.UserID) ([]domain.DeviceID, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return s.store.Devices(user)
}

// RefillPreKeys adds one-time pre-keys for a device that already published a
// bundle and returns how many were new.
func (s *Service) RefillPreKeys(
	ctx context.Context,
	addr domain.Address,
	keys []domain.OneTimePreKeyPublic,
) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	if _, ok, err := s.store.Bundle(addr); err != nil {
		return 0, err
	} else if !ok {
		return 0, fmt.Errorf("%w: %s", domain.ErrNoSessionAndNoRemoteBundle, addr)
	}
	return s.store.AddOneTimePreKeys(addr, keys)
}

// RotateSignedPreKey replaces the device's published signed pre-key after
// verifying it against the published identity.
func (s *Service) RotateSignedPreKey(ctx context.Context, addr domain.Address, spk domain.SignedPreKeyPublic) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	current, ok, err := s.store.Bundle(addr)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("%w: %s", domain.ErrNoSessionAndNoRemoteBundle, addr)
	}
	if err := x3dh.VerifySignedPreKey(current.IdentityKey, spk); err != nil {
		return err
	}
	return s.store.PutSignedPreKey(addr, spk)
}

func (s *Service) checkLowWater(addr domain.Address, remaining int) {
	if remaining >= s.lowWater {
		return
	}
	instrument.PreKeysLow()
	if s.onLow != nil {
		s.onLow(addr, remaining)
	}
}

// Compile-time assertion that Service implements domain.BundleService.
var _ domain.BundleService = (*Service)(nil)
