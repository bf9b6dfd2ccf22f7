package crypto

import (
	"crypto/rand"
	"encoding/binary"
)

// MaxRegistrationID bounds registration ids to 14 bits, excluding values
// reserved by other clients.
const MaxRegistrationID = 16380

// GenerateRegistrationID returns a random id in [1, MaxRegistrationID].
func GenerateRegistrationID() (uint32, error) {
	var b [4]byte
	if _, err := rand.Read(b[:]); err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint32(b[:])%MaxRegistrationID + 1, nil
}
