// Package commands defines the sigil CLI.
//
// Commands
//
//   - init                  Create this device's identity and profile
//   - fingerprint           Print the identity fingerprint and public key
//   - register              Publish the pre-key bundle to the relay
//   - rotate-signed-prekey  Replace the published signed pre-key
//   - send                  Encrypt and send a message to all of a user's devices
//   - listen                Stay connected and print incoming messages
//   - reset-session         Drop the session with one remote device
//   - trust                 Accept a remote device's new identity key
//
// The passphrase comes from -p or $SIGIL_PASSPHRASE. Every command except
// init works on the profile saved in --home.
package commands
