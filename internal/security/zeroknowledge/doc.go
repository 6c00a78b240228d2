// Package zeroknowledge checks that an outgoing or incoming envelope has
// the structure of ciphertext and nothing that looks like plaintext.
//
// Validation is a schema pass over the envelope's JSON form driven by a
// small rule set:
//
//   - Disallowed fields (message, content, text, body) fail when their
//     string value reads as human text: more than half of its characters
//     are letters or spaces.
//   - Every other string value that is not opaque binary is scanned for
//     PHI-shaped patterns: capitalised name pairs, SSN-like digit groups
//     and dates.
//   - Required binary fields (ciphertext, nonce, tag) must be present,
//     base64, and of the expected size, either at the top level or under
//     "payload".
//
// This is defence in depth against accidental leakage; it is not a
// cryptographic guarantee.
package zeroknowledge
