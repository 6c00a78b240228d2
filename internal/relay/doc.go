// Package relay is the HTTP store-and-forward service between peers and
// its client.
//
// The relay holds published pre-key bundles and per-peer mailboxes of
// frames. It never sees plaintext: envelopes arrive already encrypted and
// are stored as opaque CBOR.
//
// Routes:
//   - POST /bundles: publish a JSON bundle.
//   - GET /bundles/{peer}: fetch a bundle, consuming at most one one-time
//     pre-key.
//   - POST /frames/{peer}: queue one CBOR frame.
//   - GET /frames/{peer}?limit=N: dequeue up to N frames as a CBOR array.
//
// Non-2xx statuses are returned by the client as errors carrying the
// method, URL and status text. A 404 on a bundle maps to
// domain.ErrPeerBundleNotFound.
package relay
