// Package server is the relay's HTTP API.
//
//	PUT  /v1/keys/{user}/{device}         publish a bundle (PublishRequest)
//	POST /v1/keys/{user}/{device}         add one-time pre-keys {"pre_keys":[..]}
//	GET  /v1/keys/{user}/{device}         fetch a bundle, consuming one pre-key
//	GET  /v1/keys/{user}/{device}/count   {"count":n}
//	PUT  /v1/keys/{user}/{device}/signed  replace the signed pre-key
//	GET  /v1/keys/{user}                  {"devices":[bundle,..]}
//	GET  /v1/devices/{user}               {"devices":[id,..]}
//	GET  /v1/ws?user=..&device=..         delivery websocket
//
// Errors are JSON {"error":..,"code":..} with codes from package wire.
package server
