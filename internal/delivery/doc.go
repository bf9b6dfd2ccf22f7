// Package delivery is the relay's real-time delivery pipeline.
//
// A Hub owns the live websocket connections of one relay instance and runs
// every registry change and delivery on a single goroutine. The Pipeline
// handles frames from devices: messages are written to the Mailbox before
// they are routed, routed to a live connection when there is one and
// otherwise published on the Broker for other instances. Queued messages
// are redelivered when a device reconnects, half a send buffer at a time
// with the next batch following its acks, and removed when it acks them.
// Receipts are recorded once per message, user and kind; a rejected receipt
// tells the sender a device could not decrypt the message.
package delivery
