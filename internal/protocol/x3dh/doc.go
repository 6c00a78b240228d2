// Package x3dh implements the X3DH key agreement that bootstraps a carecrypt
// session between two parties.
//
// # Overview
//
// X3DH lets an initiator derive shared session keys with a responder who has
// published a pre-key bundle. The bundle contains:
//   - Identity key (X25519) and signing key (Ed25519)
//   - Signed pre-key (X25519) and its Ed25519 signature
//   - At most one one-time pre-key (X25519)
//
// # Flows
//
// Initiator:
//  1. Verify the signed pre-key signature (VerifySPK).
//  2. Generate an ephemeral X25519 key pair.
//  3. Compute DH values (IKa·SPKb, EKa·IKb, EKa·SPKb[, EKa·OPKb]).
//  4. HKDF over the concatenated DH transcript with a fixed zero salt and the
//     labels "root", "sending" and "receiving".
//
// Responder:
//  1. Receive the initiation message (initiator IK, ephemeral EK, SPK id[, OPK id]).
//  2. Look up the SPK and consume the OPK.
//  3. Compute the mirrored DH set (SPKb·IKa, IKb·EKa, SPKb·EKa[, OPKb·EKa]).
//  4. HKDF the same transcript; the sending and receiving keys swap roles.
//
// # Security notes
//
// Only public material is sent over the wire. The DH transcript is wiped
// after derivation.
package x3dh
