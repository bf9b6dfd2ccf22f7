package identity

import (
	"fmt"
	"unicode"

	"sigil/internal/crypto"
	"sigil/internal/domain"
)

const (
	// minPassphraseLength defines the minimum number of characters required for a passphrase.
	minPassphraseLength = 12
)

var (
	// ErrWeakPassphrase is returned when the passphrase fails the strength policy.
	ErrWeakPassphrase = fmt.Errorf(
		"passphrase is too weak (must be at least %d characters and include upper, lower, "+
			"number, and symbol)",
		minPassphraseLength,
	)
)

// Service manages identity key creation and access using a backing store.
//
// The identity contains:
//   - X25519 key pair for Diffie-Hellman (X3DH and Double Ratchet).
//   - Ed25519 key pair for signing (for example, signing the Signed Pre-Key).
//   - A registration id echoed in pre-key messages.
type Service struct {
	keys domain.KeyMaterialStore
}

// New returns an identity service backed by the given store.
func New(keys domain.KeyMaterialStore) *Service { return &Service{keys: keys} }

// CreateIdentity generates and stores a new identity for the device and
// returns it with its fingerprint. It fails if the device already has one.
func (s *Service) CreateIdentity(device domain.Address) (domain.IdentityKeyPair, domain.Fingerprint, error) {
	id, err := s.keys.CreateIdentity(device)
	if err != nil {
		return domain.IdentityKeyPair{}, "", err
	}
	return id, crypto.FingerprintIdentity(id.Public()), nil
}

// Identity loads the device identity.
func (s *Service) Identity(device domain.Address) (domain.IdentityKeyPair, error) {
	id, ok, err := s.keys.Identity(device)
	if err != nil {
		return domain.IdentityKeyPair{}, err
	}
	if !ok {
		return domain.IdentityKeyPair{}, fmt.Errorf("%w: %s", domain.ErrNoIdentity, device)
	}
	return id, nil
}

// Fingerprint returns the short fingerprint of the device's public identity.
func (s *Service) Fingerprint(device domain.Address) (domain.Fingerprint, error) {
	id, err := s.Identity(device)
	if err != nil {
		return "", err
	}
	return crypto.FingerprintIdentity(id.Public()), nil
}

// CheckPassphrase enforces the passphrase policy for new key stores.
func CheckPassphrase(passphrase string) error {
	if !isSecurePassphrase(passphrase) {
		return ErrWeakPassphrase
	}
	return nil
}

// isSecurePassphrase enforces a basic strength policy.
func isSecurePassphrase(passphrase string) bool {
	var hasUpper, hasLower, hasDigit, hasSymbol bool
	if len(passphrase) < minPassphraseLength {
		return false
	}
	for _, r := range passphrase {
		switch {
		case unicode.IsUpper(r):
			hasUpper = true
		case unicode.IsLower(r):
			hasLower = true
		case unicode.IsDigit(r):
			hasDigit = true
		case unicode.IsPunct(r), unicode.IsSymbol(r):
			hasSymbol = true
		}
	}
	return hasUpper && hasLower && hasDigit && hasSymbol
}

// Compile-time assertion that Service implements domain.IdentityService.
var _ domain.IdentityService = (*Service)(nil)
