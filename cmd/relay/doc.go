// Command relay runs the sigil relay.
//
// The relay hosts the key bundle directory and the delivery pipeline. It
// never sees plaintext or private keys: it stores public bundles, queues
// ciphertext envelopes for offline devices and fans them out to connected
// ones over websockets. See package server for the HTTP API.
//
// Configuration is TOML, loaded with -f:
//
//	[Server]
//	Address = ":8080"
//	MetricsAddress = ":9090"
//	DataDir = "/var/lib/sigil"
//
//	[Logging]
//	Level = "INFO"
//
//	[Redis]
//	Enable = true
//	Address = "127.0.0.1:6379"
//
//	[Delivery]
//	PingInterval = "30s"
//	PongWait = "60s"
//
// With Redis enabled, live frames for a device connected to another relay
// travel over redis pub/sub and presence is shared. The key directory and
// the offline mailbox stay local files of each relay.
package main
