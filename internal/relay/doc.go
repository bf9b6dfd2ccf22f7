// Package relay is the device side of the relay protocol.
//
// HTTP implements domain.BundleService against the relay's key directory:
// publishing and refilling pre-keys, rotating the signed pre-key and
// fetching bundles to start sessions. Non-2xx responses carry a
// wire.ErrorBody and come back as errors that match the domain errors
// under errors.Is.
//
// Socket is the delivery websocket. It reconnects with exponential backoff
// and hands every frame it reads to a Handler, normally the message
// service, which writes its replies back through SendFrame.
package relay
