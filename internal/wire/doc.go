// Package wire encodes envelopes and frames.
//
// Frames travel between peers as CBOR (core deterministic encoding, integer
// keys). Envelopes also have a JSON form with base64 byte fields, which is
// what the zero-knowledge validator inspects and what the HTTP relay logs.
package wire
