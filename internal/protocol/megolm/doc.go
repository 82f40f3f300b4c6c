// Package megolm implements the group ratchet used for room messages.
//
// The ratchet is four 32-byte parts R0..R3 and a 32-bit counter. Advancing
// rehashes the parts with HMAC-SHA256 so that R(i) changes every 2^(8*(3-i))
// messages; this lets a receiver jump forward in at most 4*255 steps while no
// one can move backwards.
//
// Wire formats (all base64 without padding):
//
//	message:     0x03 | 0x08 varint(index) | 0x12 varint(len) ciphertext | mac(8) | ed25519 sig(64)
//	session key: 0x02 | counter(u32 BE) | R(128) | ed25519 pub(32) | sig(64)
//	export key:  0x01 | counter(u32 BE) | R(128) | ed25519 pub(32)
//
// Message keys come from HKDF-SHA256 over R with info "MEGOLM_KEYS": a 32 byte
// AES-256-CBC key, a 32 byte HMAC-SHA256 key and a 16 byte IV.
//
// The session id is the session's Ed25519 public key.
package megolm
