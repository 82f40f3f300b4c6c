// Package crypto exposes the primitives shared by the protocol packages.
//
// Contents
//
//   - X25519 key generation, clamping and Diffie-Hellman (GenerateX25519,
//     PublicX25519, DH)
//   - Ed25519 key generation, signing and verification (GenerateEd25519,
//     SignEd25519, VerifyEd25519)
//   - Canonical JSON signing of published objects (CanonicalJSON, SignJSON,
//     VerifyJSON)
//   - The AES-256-CBC and truncated HMAC-SHA256 message cipher shared by olm
//     and megolm (MessageKeys)
//   - Best-effort memory wiping for sensitive byte slices (Wipe)
//   - Short public-key fingerprints for display/logging (Fingerprint)
//
// # Notes
//
// Key types are the fixed-size arrays defined in internal/domain. Callers
// should treat returned secrets as sensitive and rely on Wipe when practical.
package crypto
