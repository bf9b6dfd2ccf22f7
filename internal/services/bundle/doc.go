// Package bundle implements the relay side key bundle directory: publishing
// device key material and handing out pre-key bundles with one-time pre-keys
// taken exactly once.
package bundle
