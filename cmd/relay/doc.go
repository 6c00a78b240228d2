// Package main runs the HTTP relay used by carecrypt peers. It stores
// published pre-key bundles, hands out one-time pre-keys at most once and
// queues encrypted frames for recipients until they fetch them.
//
// HTTP API
//
//	POST /bundles
//	    Publish a PreKeyBundle (JSON). Replaces the peer's previous bundle
//	    and one-time pre-keys.
//
//	GET /bundles/{peer}
//	    Return {peer}'s bundle with at most one one-time pre-key, which is
//	    removed from the relay. 404 when the peer never published.
//
//	POST /frames/{peer}
//	    Enqueue one CBOR-encoded Frame for {peer}.
//
//	GET /frames/{peer}?limit=N
//	    Dequeue up to N frames for {peer} as a CBOR array. Without limit
//	    the queue is drained.
//
//	GET /metrics
//	    Prometheus metrics, including carecrypt_relay_requests_total.
//
// Behaviour
//
//   - State is held in memory, or in redis with --redis.
//   - Non-2xx statuses carry a short error message.
//   - The relay never sees plaintext or private keys; it only stores
//     ciphertext and public bundles.
//   - SIGINT or SIGTERM drains in-flight requests before exit.
package main
