package prekey

import (
	"context"
	"fmt"

	"gopkg.in/op/go-logging.v1"

	"sigil/internal/domain"
)

// DefaultBatch is how many one-time pre-keys a device keeps published.
const DefaultBatch = 100

// Service manages a device's signed and one-time pre-keys and keeps the
// directory's copy of them topped up.
type Service struct {
	keys  domain.KeyMaterialStore
	dir   domain.BundleService
	batch int
	log   *logging.Logger
}

// New returns a pre-key service. batch <= 0 selects DefaultBatch.
func New(keys domain.KeyMaterialStore, dir domain.BundleService, batch int, log *logging.Logger) *Service {
	if batch <= 0 {
		batch = DefaultBatch
	}
	if log == nil {
		log = logging.MustGetLogger("prekey")
	}
	return &Service{keys: keys, dir: dir, batch: batch, log: log}
}

// Provision publishes the device's identity, its current signed pre-key
// (creating one if needed) and count fresh one-time pre-keys.
func (s *Service) Provision(ctx context.Context, device domain.Address, count int) error {
	if count < 0 {
		count = 0
	}
	id, ok, err := s.keys.Identity(device)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("%w: %s", domain.ErrNoIdentity, device)
	}

	spk, ok, err := s.keys.CurrentSignedPreKey(device)
	if err != nil {
		return err
	}
	if !ok {
		if spk, err = s.keys.RotateSignedPreKey(device); err != nil {
			return err
		}
	}

	keys, err := s.generate(device, count)
	if err != nil {
		return err
	}
	req := domain.PublishRequest{
		RegistrationID: id.RegistrationID,
		IdentityKey:    id.Public(),
		SignedPreKey:   spk.Public(),
		PreKeys:        keys,
	}
	if err := s.dir.PublishBundle(ctx, device, req); err != nil {
		return fmt.Errorf("publish bundle: %w", err)
	}
	s.log.Noticef("Published bundle for %s with signed pre-key %d and %d one-time pre-keys",
		device, spk.ID, len(keys))
	return nil
}

// Replenish tops the directory back up to the batch size and returns how
// many one-time pre-keys were uploaded.
func (s *Service) Replenish(ctx context.Context, device domain.Address) (int, error) {
	remaining, err := s.dir.PreKeyCount(ctx, device)
	if err != nil {
		return 0, fmt.Errorf("pre-key count: %w", err)
	}
	need := s.batch - remaining
	if need <= 0 {
		return 0, nil
	}
	keys, err := s.generate(device, need)
	if err != nil {
		return 0, err
	}
	added, err := s.dir.RefillPreKeys(ctx, device, keys)
	if err != nil {
		return 0, fmt.Errorf("refill pre-keys: %w", err)
	}
	s.log.Infof("Replenished %s: %d remaining, %d uploaded", device, remaining, added)
	return added, nil
}

// RotateSignedPreKey creates a new signed pre-key, publishes it and returns
// its id. The previous key stays loadable for in-flight pre-key messages.
func (s *Service) RotateSignedPreKey(ctx context.Context, device domain.Address) (domain.SignedPreKeyID, error) {
	spk, err := s.keys.RotateSignedPreKey(device)
	if err != nil {
		return 0, err
	}
	if err := s.dir.RotateSignedPreKey(ctx, device, spk.Public()); err != nil {
		return 0, fmt.Errorf("publish signed pre-key: %w", err)
	}
	return spk.ID, nil
}

// generate creates count one-time pre-keys with ids following the highest
// ever allocated and returns their public halves.
func (s *Service) generate(device domain.Address, count int) ([]domain.OneTimePreKeyPublic, error) {
	if count == 0 {
		return nil, nil
	}
	start, err := s.keys.NextOneTimePreKeyID(device)
	if err != nil {
		return nil, err
	}
	keys, err := s.keys.GenerateOneTimePreKeys(device, start, count)
	if err != nil {
		return nil, err
	}
	out := make([]domain.OneTimePreKeyPublic, 0, len(keys))
	for _, k := range keys {
		out = append(out, k.Public())
	}
	return out, nil
}

// Compile-time assertion that Service implements domain.PreKeyService.
var _ domain.PreKeyService = (*Service)(nil)
