package store_test

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"sigil/internal/store"
)

const testPassphrase = "Correct-Horse-9"

// openDB opens a fresh store under t.TempDir with cheap scrypt parameters.
func openDB(t *testing.T, opts ...store.Option) *store.DB {
	t.Helper()
	return openAt(t, filepath.Join(t.TempDir(), "sigil.db"), opts...)
}

func openAt(t *testing.T, path string, opts ...store.Option) *store.DB {
	t.Helper()
	opts = append([]store.Option{store.WithScryptParams(1<<10, 8, 1)}, opts...)
	db, err := store.Open(path, opts...)
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return db
}
