package store

import (
	"encoding/binary"
	"fmt"
	"time"

	"github.com/fxamacker/cbor/v2"
	bolt "go.etcd.io/bbolt"

	"sigil/internal/domain"
)

const (
	metadataBucket = "metadata"
	versionKey     = "version"
	kdfKey         = "kdf"
	checkKey       = "check"

	// StorageVersion is the on-disk layout version.
	StorageVersion = 1
)

var checkValue = []byte("sigil")

type options struct {
	passphrase string
	scryptN    int
	scryptR    int
	scryptP    int
	timeout    time.Duration
}

// Option configures Open.
type Option func(*options)

// WithPassphrase seals every private record with a key derived from p.
func WithPassphrase(p string) Option { return func(o *options) { o.passphrase = p } }

// WithScryptParams overrides the scrypt cost used when a new store is created.
func WithScryptParams(N, r, p int) Option {
	return func(o *options) { o.scryptN, o.scryptR, o.scryptP = N, r, p }
}

// DB is a bbolt file holding one or more of the stores in this package.
type DB struct {
	db   *bolt.DB
	seal *sealer
}

// Open opens or creates the store at path.
func Open(path string, opts ...Option) (*DB, error) {
	o := options{timeout: 5 * time.Second}
	o.scryptN, o.scryptR, o.scryptP = scryptParamsDefault()
	for _, opt := range opts {
		opt(&o)
	}

	bdb, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: o.timeout})
	if err != nil {
		return nil, fmt.Errorf("open store %s: %w", path, err)
	}
	d := &DB{db: bdb}
	if err := d.init(o); err != nil {
		_ = bdb.Close()
		return nil, err
	}
	return d, nil
}

func (d *DB) init(o options) error {
	return d.db.Update(func(tx *bolt.Tx) error {
		meta, err := tx.CreateBucketIfNotExists([]byte(metadataBucket))
		if err != nil {
			return err
		}
		if b := meta.Get([]byte(versionKey)); b != nil {
			if v := binary.BigEndian.Uint32(b); v != StorageVersion {
				return fmt.Errorf("%w: layout %d", domain.ErrUnsupportedStore, v)
			}
		} else if err := meta.Put([]byte(versionKey), u32(StorageVersion)); err != nil {
			return err
		}

		if o.passphrase == "" {
			return nil
		}
		var kp kdfParams
		if b := meta.Get([]byte(kdfKey)); b != nil {
			if err := cbor.Unmarshal(b, &kp); err != nil {
				return err
			}
		} else {
			if kp, err = newKDFParams(o.scryptN, o.scryptR, o.scryptP); err != nil {
				return err
			}
			raw, err := cbor.Marshal(kp)
			if err != nil {
				return err
			}
			if err := meta.Put([]byte(kdfKey), raw); err != nil {
				return err
			}
		}
		if d.seal, err = newSealer(o.passphrase, kp); err != nil {
			return err
		}

		if b := meta.Get([]byte(checkKey)); b != nil {
			_, err := d.seal.open(b, []byte(checkKey))
			return err
		}
		sealed, err := d.seal.seal(checkValue, []byte(checkKey))
		if err != nil {
			return err
		}
		return meta.Put([]byte(checkKey), sealed)
	})
}

// Close releases the underlying file.
func (d *DB) Close() error { return d.db.Close() }

// putRecord CBOR-encodes v, seals it bound to the bucket path and key, and
// stores it.
func (d *DB) putRecord(b *bolt.Bucket, scope string, key []byte, v any) error {
	raw, err := cbor.Marshal(v)
	if err != nil {
		return err
	}
	sealed, err := d.seal.seal(raw, recordAD(scope, key))
	if err != nil {
		return err
	}
	return b.Put(key, sealed)
}

// getRecord is the inverse of putRecord. It reports false when the key is absent.
func (d *DB) getRecord(b *bolt.Bucket, scope string, key []byte, v any) (bool, error) {
	if b == nil {
		return false, nil
	}
	sealed := b.Get(key)
	if sealed == nil {
		return false, nil
	}
	raw, err := d.seal.open(sealed, recordAD(scope, key))
	if err != nil {
		return false, err
	}
	return true, cbor.Unmarshal(raw, v)
}

func recordAD(scope string, key []byte) []byte {
	return append([]byte(scope+"/"), key...)
}

func u32(v uint32) []byte {
	var b [4]byte
	binary.BigEndian.PutUint32(b[:], v)
	return b[:]
}

func count(b *bolt.Bucket) int {
	if b == nil {
		return 0
	}
	n := 0
	_ = b.ForEach(func(_, _ []byte) error {
		n++
		return nil
	})
	return n
}
