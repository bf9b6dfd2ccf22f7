// Package app wires application dependencies for the CLI.
//
// A home directory holds the profile (who this device is and which relay it
// uses) and the passphrase-sealed key store. NewWire opens both and builds
// the identity, pre-key and session services on top of the relay's HTTP
// directory. Connect adds the message service and the delivery socket.
package app
