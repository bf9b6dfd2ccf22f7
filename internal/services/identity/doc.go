// Package identity creates and loads the long-term identity of a device and
// renders its fingerprint. New key stores must pass CheckPassphrase.
package identity
