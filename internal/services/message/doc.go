// Package message sends and receives encrypted messages.
//
// It fans plaintext out to every recipient device through the session
// engine, exchanges frames with the relay's delivery socket, acknowledges
// what it receives and tracks the status of what it sent.
package message
