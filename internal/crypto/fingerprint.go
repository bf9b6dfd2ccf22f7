package crypto

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"

	"sigil/internal/domain"
)

const (
	fingerprintVersion = "sigil-fp-v1"
	fingerprintGroups  = 5
	fingerprintGroup   = 2 // bytes per group
)

// Fingerprint renders a short, versioned digest of a public key as
// space-separated groups of four hex digits, for comparing out of band.
func Fingerprint(pub []byte) string {
	h := sha256.New()
	h.Write([]byte(fingerprintVersion))
	h.Write(pub)
	sum := h.Sum(nil)

	groups := make([]string, fingerprintGroups)
	for i := range groups {
		groups[i] = hex.EncodeToString(sum[i*fingerprintGroup : (i+1)*fingerprintGroup])
	}
	return strings.Join(groups, " ")
}

// FingerprintIdentity fingerprints both halves of a public identity.
func FingerprintIdentity(id domain.PublicIdentity) domain.Fingerprint {
	return domain.Fingerprint(Fingerprint(id.Bytes()))
}
