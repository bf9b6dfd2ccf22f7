package types

import "time"

// Profile is the local CLI account: which device this home directory is and
// which relay it talks to.
type Profile struct {
	User      UserID    `json:"user"`
	Device    DeviceID  `json:"device_id"`
	RelayURL  string    `json:"relay_url"`
	CreatedAt time.Time `json:"created_at"`
}

// Address returns the profile's device address.
func (p Profile) Address() Address { return Address{User: p.User, Device: p.Device} }
