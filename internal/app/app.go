package app

import (
	"errors"
	"fmt"
	"os"
	"time"

	"sigil/internal/domain"
	"sigil/internal/services/identity"
	"sigil/internal/store"
)

// ErrNoProfile is returned by NewWire for a home directory that was never
// initialised.
var ErrNoProfile = errors.New("no profile found, run init first")

// Init creates the home directory, saves the profile and creates the
// device's identity. It returns the wired app and the identity fingerprint.
func Init(cfg Config, p domain.Profile) (*Wire, domain.Fingerprint, error) {
	if !p.Address().Valid() {
		return nil, "", domain.ErrInvalidAddress
	}
	if err := identity.CheckPassphrase(cfg.Passphrase); err != nil {
		return nil, "", err
	}
	if err := os.MkdirAll(cfg.Home, 0o700); err != nil {
		return nil, "", err
	}
	profiles := store.NewProfileFileStore(cfg.Home)
	if _, ok, err := profiles.LoadProfile(); err != nil {
		return nil, "", err
	} else if ok {
		return nil, "", fmt.Errorf("%w: %s", domain.ErrIdentityExists, cfg.Home)
	}
	if p.CreatedAt.IsZero() {
		p.CreatedAt = time.Now().UTC()
	}
	if err := profiles.SaveProfile(p); err != nil {
		return nil, "", err
	}

	w, err := NewWire(cfg)
	if err != nil {
		return nil, "", err
	}
	_, fp, err := w.Identity.CreateIdentity(w.Profile.Address())
	if err != nil {
		w.Close()
		return nil, "", err
	}
	return w, fp, nil
}
