// Package wire encodes what crosses the network: ciphertext envelopes and the
// control frames of the delivery socket. Everything is JSON with byte fields
// in standard base64.
//
// Envelope shapes:
//
//	{"type":"prekey","registration_id":..,"pre_key_id":..,"signed_pre_key_id":..,
//	 "base_key":..,"identity_key":..,"ciphertext":..}
//	{"type":"message","ratchet_key":..,"counter":..,"previous_counter":..,
//	 "ciphertext":..,"mac":..}
package wire
