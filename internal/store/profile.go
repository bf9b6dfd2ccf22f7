package store

import (
	"path/filepath"
	"sync"

	"sigil/internal/domain"
)

const profileFile = "profile.json"

// ProfileFileStore persists the CLI profile as JSON next to the key store.
type ProfileFileStore struct {
	dir string
	mu  sync.Mutex
}

// NewProfileFileStore returns a ProfileFileStore rooted at dir.
func NewProfileFileStore(dir string) *ProfileFileStore {
	return &ProfileFileStore{dir: dir}
}

// SaveProfile stores the profile, replacing any previous one.
func (s *ProfileFileStore) SaveProfile(p domain.Profile) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return writeJSON(filepath.Join(s.dir, profileFile), p, 0o600)
}

// LoadProfile reads the profile. A missing file reports false.
func (s *ProfileFileStore) LoadProfile() (domain.Profile, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var p domain.Profile
	ok, err := readJSON(filepath.Join(s.dir, profileFile), &p)
	if err != nil {
		return domain.Profile{}, false, err
	}
	return p, ok, nil
}

// Compile-time assertion that ProfileFileStore implements domain.ProfileStore.
var _ domain.ProfileStore = (*ProfileFileStore)(nil)
