package app

import (
	"net/http"
	"time"

	"sigil/internal/log"
	"sigil/internal/store"
)

// Config holds runtime wiring options for building the app.
type Config struct {
	Home         string        // profile and key store directory, e.g. $HOME/.sigil
	Passphrase   string        // seals the key store
	HTTP         *http.Client  // optional; defaults to http.DefaultClient
	Log          *log.Backend  // optional; defaults to discarding
	PreKeyBatch  int           // one-time pre-keys kept published; defaults to prekey.DefaultBatch
	FetchTimeout time.Duration // bundle fetch deadline; defaults to session.DefaultFetchTimeout

	// StoreOptions are passed to store.Open after the passphrase.
	StoreOptions []store.Option
}

func (c *Config) fixup() {
	if c.HTTP == nil {
		c.HTTP = http.DefaultClient
	}
	if c.Log == nil {
		c.Log = log.Discard()
	}
}
