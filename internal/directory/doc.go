// Package directory provides in-process implementations of the external
// collaborators: key distribution (bundle publish and fetch) and a
// store-and-forward mailbox that serves as both Transport and Inbox.
//
// Memory backs tests, single-process demos and the relay server's
// default backend. Frames are stored CBOR-encoded so every delivery
// crosses the same codec a network relay would use.
//
// FetchBundle hands out at most one one-time pre-key per call and removes
// it from the published bundle, so each one-time key is offered once.
package directory
