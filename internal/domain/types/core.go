package types

import (
	"fmt"
	"strconv"
	"strings"
)

// UserID identifies an account in the user directory.
type UserID string

// String returns the string form of the user identifier.
func (u UserID) String() string { return string(u) }

// DeviceID identifies one device of a user. Zero is never a valid device.
type DeviceID uint32

// String returns the decimal form of the device identifier.
func (d DeviceID) String() string { return strconv.FormatUint(uint64(d), 10) }

// Address names a single device of a single user.
type Address struct {
	User   UserID   `json:"user"`
	Device DeviceID `json:"device_id"`
}

// String renders the address as "user.device".
func (a Address) String() string { return fmt.Sprintf("%s.%d", a.User, a.Device) }

// Valid reports whether both parts of the address are set.
func (a Address) Valid() bool { return a.User != "" && a.Device != 0 }

// ParseAddress parses the "user.device" form produced by String.
func ParseAddress(s string) (Address, error) {
	i := strings.LastIndexByte(s, '.')
	if i <= 0 || i == len(s)-1 {
		return Address{}, fmt.Errorf("invalid address %q", s)
	}
	d, err := strconv.ParseUint(s[i+1:], 10, 32)
	if err != nil || d == 0 {
		return Address{}, fmt.Errorf("invalid device in address %q", s)
	}
	return Address{User: UserID(s[:i]), Device: DeviceID(d)}, nil
}

// SessionKey identifies a session: our device talking to one remote device.
type SessionKey struct {
	Local  Address `json:"local"`
	Remote Address `json:"remote"`
}

// String returns a stable storage key for the session.
func (k SessionKey) String() string { return k.Local.String() + "|" + k.Remote.String() }

// Fingerprint is a short identifier for public keys presented to users.
type Fingerprint string

// String returns the string form of the fingerprint.
func (f Fingerprint) String() string { return string(f) }

// SignedPreKeyID identifies a signed pre-key within one device.
type SignedPreKeyID uint32

// PreKeyID identifies a one-time pre-key within one device.
type PreKeyID uint32

// MessageID identifies one logical message across all recipient devices.
type MessageID string

// String returns the string form of the message identifier.
func (id MessageID) String() string { return string(id) }

// ConversationID identifies a conversation in the external CRUD backend.
type ConversationID string
