package ratchet

import (
	"sigil/internal/domain"
	"sigil/internal/util/memzero"
)

// Clone returns a deep copy of st; no key buffer is shared.
func Clone(st domain.RatchetState) domain.RatchetState {
	out := st
	out.RootKey = cloneBytes(st.RootKey)
	out.Sending.Key = cloneBytes(st.Sending.Key)
	if st.Receiving != nil {
		out.Receiving = make([]domain.ReceivingChain, len(st.Receiving))
		for i, rc := range st.Receiving {
			rc.Chain.Key = cloneBytes(rc.Chain.Key)
			out.Receiving[i] = rc
		}
	}
	if st.Skipped != nil {
		out.Skipped = make([]domain.SkippedKey, len(st.Skipped))
		for i, k := range st.Skipped {
			k.MessageKey = cloneBytes(k.MessageKey)
			out.Skipped[i] = k
		}
	}
	return out
}

// Wipe zeroes every secret held by st.
func Wipe(st *domain.RatchetState) {
	memzero.Zero(st.RootKey)
	memzero.Zero(st.DHPriv[:])
	memzero.Zero(st.Sending.Key)
	for _, rc := range st.Receiving {
		memzero.Zero(rc.Chain.Key)
	}
	for _, k := range st.Skipped {
		memzero.Zero(k.MessageKey)
	}
}

func cloneBytes(b []byte) []byte {
	if b == nil {
		return nil
	}
	return append([]byte(nil), b...)
}
