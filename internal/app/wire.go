package app

import (
	"context"
	"path/filepath"

	"gopkg.in/op/go-logging.v1"

	"sigil/internal/domain"
	"sigil/internal/relay"
	"sigil/internal/services/identity"
	"sigil/internal/services/message"
	"sigil/internal/services/prekey"
	"sigil/internal/services/session"
	"sigil/internal/store"
)

const keyStoreFile = "keys.db"

// Wire bundles all stores, services, and clients for the CLI.
type Wire struct {
	Profile   domain.Profile
	Identity  *identity.Service
	PreKeys   *prekey.Service
	Sessions  *session.Service
	Directory *relay.HTTP
	Socket    *relay.Socket

	// Messages is set by Connect.
	Messages *message.Service

	cfg Config
	db  *store.DB
	log *logging.Logger
}

// NewWire constructs the dependency graph from cfg for the profile saved in
// cfg.Home.
func NewWire(cfg Config) (*Wire, error) {
	cfg.fixup()
	profile, ok, err := store.NewProfileFileStore(cfg.Home).LoadProfile()
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, ErrNoProfile
	}

	opts := append([]store.Option{store.WithPassphrase(cfg.Passphrase)}, cfg.StoreOptions...)
	db, err := store.Open(filepath.Join(cfg.Home, keyStoreFile), opts...)
	if err != nil {
		return nil, err
	}
	keys := store.NewKeyMaterialStore(db)
	local := profile.Address()

	dir := &relay.HTTP{Base: profile.RelayURL, HTTP: cfg.HTTP}
	socketURL, err := relay.SocketURL(profile.RelayURL, local)
	if err != nil {
		db.Close()
		return nil, err
	}

	sessionOpts := []session.Option{session.WithLogger(cfg.Log.GetLogger("session"))}
	if cfg.FetchTimeout > 0 {
		sessionOpts = append(sessionOpts, session.WithFetchTimeout(cfg.FetchTimeout))
	}
	return &Wire{
		Profile:   profile,
		Identity:  identity.New(keys),
		PreKeys:   prekey.New(keys, dir, cfg.PreKeyBatch, cfg.Log.GetLogger("prekey")),
		Sessions:  session.New(local, keys, store.NewSessionStore(db), store.NewTrustStore(db), dir, sessionOpts...),
		Directory: dir,
		Socket:    relay.NewSocket(socketURL, cfg.Log.GetLogger("socket")),
		cfg:       cfg,
		db:        db,
		log:       cfg.Log.GetLogger("app"),
	}, nil
}

// Connect builds the message service with h, starts the delivery socket and
// waits for the first connection. The socket keeps reconnecting until ctx
// is done.
func (w *Wire) Connect(ctx context.Context, h message.Handlers) (*message.Service, error) {
	w.Messages = message.New(w.Profile.Address(), w.Sessions, w.PreKeys, w.Socket, h, w.cfg.Log.GetLogger("message"))
	go func() {
		if err := w.Socket.Run(ctx, w.Messages); err != nil && ctx.Err() == nil {
			w.log.Errorf("Delivery socket stopped: %v", err)
		}
	}()
	if err := w.Socket.WaitConnected(ctx); err != nil {
		return nil, err
	}
	return w.Messages, nil
}

// Close releases the key store.
func (w *Wire) Close() error { return w.db.Close() }
