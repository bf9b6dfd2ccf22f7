// Package domain is the shared vocabulary of sigil: addresses, key material,
// envelopes, delivery frames, sentinel errors and the store and service
// contracts the rest of the module is written against.
package domain
