package ratchet

import (
	"encoding/binary"
	"errors"
	"fmt"

	"golang.org/x/crypto/chacha20poly1305"

	"sigil/internal/crypto"
	"sigil/internal/domain"
	"sigil/internal/util/memzero"
)

const (
	// MaxSkip is how far ahead of a chain a message counter may be.
	MaxSkip = 1000
	// MaxSkippedKeys bounds the skipped message key cache; the oldest entry
	// is evicted first.
	MaxSkippedKeys = 1000
	// maxReceivingChains bounds how many past remote ratchet keys we keep
	// chains for.
	maxReceivingChains = 5

	keySize = 32
	tagSize = chacha20poly1305.Overhead
)

var (
	rkInfo  = []byte("sigil-ratchet-rk")
	ckInfo  = []byte("sigil-ratchet-ck")
	mkInfo  = []byte("sigil-ratchet-mk")
	errInit = errors.New("ratchet: sending chain not initialised")
)

// InitAsInitiator seeds the sending chain from the X3DH root and the
// responder's signed pre-key, which acts as its first ratchet key.
func InitAsInitiator(root []byte, remoteRatchet domain.X25519Public) (domain.RatchetState, error) {
	priv, pub, err := crypto.GenerateX25519()
	if err != nil {
		return domain.RatchetState{}, err
	}
	dh, err := crypto.DH(priv, remoteRatchet)
	if err != nil {
		return domain.RatchetState{}, fmt.Errorf("ratchet init: %w", err)
	}
	rk, ck := kdfRK(root, dh[:])
	memzero.Zero32(&dh)

	return domain.RatchetState{
		RootKey: rk,
		DHPriv:  priv,
		DHPub:   pub,
		Sending: domain.ChainKey{Key: ck},
	}, nil
}

// InitAsResponder keeps the X3DH root and uses our signed pre-key pair as the
// first ratchet key. Chains are created by the first Decrypt.
func InitAsResponder(root []byte, ourPriv domain.X25519Private, ourPub domain.X25519Public) domain.RatchetState {
	return domain.RatchetState{
		RootKey: append([]byte(nil), root...),
		DHPriv:  ourPriv,
		DHPub:   ourPub,
	}
}

// Encrypt advances the sending chain by one step and seals plaintext.
// The previous chain key is wiped.
func Encrypt(st *domain.RatchetState, ad, plaintext []byte) (domain.RatchetMessage, error) {
	if len(st.Sending.Key) == 0 {
		return domain.RatchetMessage{}, errInit
	}
	mk := step(&st.Sending)
	defer memzero.Zero(mk)

	msg := domain.RatchetMessage{
		RatchetKey:      st.DHPub,
		Counter:         st.Sending.Counter - 1,
		PreviousCounter: st.PreviousCounter,
	}
	sealed, err := seal(mk, ad, msg, plaintext)
	if err != nil {
		return domain.RatchetMessage{}, err
	}
	msg.Ciphertext = sealed[:len(sealed)-tagSize]
	msg.MAC = sealed[len(sealed)-tagSize:]
	return msg, nil
}

// Decrypt opens msg. The state is only modified when decryption succeeds;
// on error st is exactly as it was before the call.
func Decrypt(st *domain.RatchetState, ad []byte, msg domain.RatchetMessage) ([]byte, error) {
	if len(msg.MAC) != tagSize {
		return nil, domain.ErrAuthenticationFailed
	}
	work := Clone(*st)
	pt, err := decrypt(&work, ad, msg)
	if err != nil {
		Wipe(&work)
		return nil, err
	}
	Wipe(st)
	*st = work
	return pt, nil
}

func decrypt(st *domain.RatchetState, ad []byte, msg domain.RatchetMessage) ([]byte, error) {
	if mk, ok := takeSkipped(st, msg.RatchetKey, msg.Counter); ok {
		defer memzero.Zero(mk)
		return open(mk, ad, msg)
	}

	chain := findChain(st, msg.RatchetKey)
	if chain == nil {
		if len(st.Receiving) > 0 {
			if err := skipTo(st, &st.Receiving[0], msg.PreviousCounter); err != nil {
				return nil, err
			}
		}
		if err := dhStep(st, msg.RatchetKey); err != nil {
			return nil, err
		}
		chain = &st.Receiving[0]
	} else if msg.Counter < chain.Chain.Counter {
		return nil, domain.ErrReplayOrExpired
	}

	if err := skipTo(st, chain, msg.Counter); err != nil {
		return nil, err
	}
	mk := step(&chain.Chain)
	defer memzero.Zero(mk)
	return open(mk, ad, msg)
}

// dhStep derives a receiving chain for the new remote key, then a fresh
// sending chain from a new ratchet key pair.
func dhStep(st *domain.RatchetState, remote domain.X25519Public) error {
	dh, err := crypto.DH(st.DHPriv, remote)
	if err != nil {
		return domain.ErrAuthenticationFailed
	}
	rk, recvCK := kdfRK(st.RootKey, dh[:])
	memzero.Zero32(&dh)

	priv, pub, err := crypto.GenerateX25519()
	if err != nil {
		return err
	}
	dh, err = crypto.DH(priv, remote)
	if err != nil {
		return domain.ErrAuthenticationFailed
	}
	rk2, sendCK := kdfRK(rk, dh[:])
	memzero.Zero32(&dh)
	memzero.Zero(rk)

	memzero.Zero(st.RootKey)
	memzero.Zero(st.Sending.Key)
	memzero.Zero(st.DHPriv[:])

	st.PreviousCounter = st.Sending.Counter
	st.RootKey = rk2
	st.DHPriv, st.DHPub = priv, pub
	st.Sending = domain.ChainKey{Key: sendCK}

	st.Receiving = append([]domain.ReceivingChain{{
		RatchetKey: remote,
		Chain:      domain.ChainKey{Key: recvCK},
	}}, st.Receiving...)
	for len(st.Receiving) > maxReceivingChains {
		last := len(st.Receiving) - 1
		memzero.Zero(st.Receiving[last].Chain.Key)
		st.Receiving = st.Receiving[:last]
	}
	return nil
}

// skipTo stores message keys for counters [chain.Counter, until).
func skipTo(st *domain.RatchetState, rc *domain.ReceivingChain, until uint32) error {
	if until <= rc.Chain.Counter {
		return nil
	}
	if until-rc.Chain.Counter > MaxSkip {
		return domain.ErrTooManySkipped
	}
	for rc.Chain.Counter < until {
		counter := rc.Chain.Counter
		mk := step(&rc.Chain)
		addSkipped(st, domain.SkippedKey{RatchetKey: rc.RatchetKey, Counter: counter, MessageKey: mk})
	}
	return nil
}

// step returns the message key at chain.Counter and advances the chain,
// wiping the previous chain key.
func step(chain *domain.ChainKey) []byte {
	next, mk := kdfCK(chain.Key)
	memzero.Zero(chain.Key)
	chain.Key = next
	chain.Counter++
	return mk
}

func findChain(st *domain.RatchetState, remote domain.X25519Public) *domain.ReceivingChain {
	for i := range st.Receiving {
		if st.Receiving[i].RatchetKey == remote {
			return &st.Receiving[i]
		}
	}
	return nil
}

func addSkipped(st *domain.RatchetState, k domain.SkippedKey) {
	st.Skipped = append(st.Skipped, k)
	for len(st.Skipped) > MaxSkippedKeys {
		memzero.Zero(st.Skipped[0].MessageKey)
		st.Skipped = st.Skipped[1:]
	}
}

func takeSkipped(st *domain.RatchetState, remote domain.X25519Public, counter uint32) ([]byte, bool) {
	for i, k := range st.Skipped {
		if k.RatchetKey == remote && k.Counter == counter {
			st.Skipped = append(st.Skipped[:i:i], st.Skipped[i+1:]...)
			return k.MessageKey, true
		}
	}
	return nil, false
}

// --- helpers ---

func seal(mk, ad []byte, msg domain.RatchetMessage, plaintext []byte) ([]byte, error) {
	key, nonce := messageKeys(mk)
	defer memzero.Zero(key)
	aead, err := chacha20poly1305.New(key)
	if err != nil {
		return nil, err
	}
	return aead.Seal(nil, nonce, plaintext, headerAD(ad, msg)), nil
}

func open(mk, ad []byte, msg domain.RatchetMessage) ([]byte, error) {
	key, nonce := messageKeys(mk)
	defer memzero.Zero(key)
	aead, err := chacha20poly1305.New(key)
	if err != nil {
		return nil, err
	}
	sealed := make([]byte, 0, len(msg.Ciphertext)+len(msg.MAC))
	sealed = append(append(sealed, msg.Ciphertext...), msg.MAC...)
	pt, err := aead.Open(nil, nonce, sealed, headerAD(ad, msg))
	if err != nil {
		return nil, domain.ErrAuthenticationFailed
	}
	return pt, nil
}

func headerAD(ad []byte, msg domain.RatchetMessage) []byte {
	out := make([]byte, 0, len(ad)+keySize+8)
	out = append(out, ad...)
	out = append(out, msg.RatchetKey[:]...)
	out = binary.BigEndian.AppendUint32(out, msg.Counter)
	return binary.BigEndian.AppendUint32(out, msg.PreviousCounter)
}

func messageKeys(mk []byte) (key, nonce []byte) {
	okm := crypto.HKDF(mk, nil, mkInfo, keySize+chacha20poly1305.NonceSize)
	return okm[:keySize], okm[keySize:]
}

func kdfRK(rk, dh []byte) (newRK, ck []byte) {
	okm := crypto.HKDF(dh, rk, rkInfo, 2*keySize)
	return okm[:keySize], okm[keySize:]
}

func kdfCK(ck []byte) (nextCK, mk []byte) {
	okm := crypto.HKDF(ck, nil, ckInfo, 2*keySize)
	return okm[:keySize], okm[keySize:]
}
