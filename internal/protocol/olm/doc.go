// Package olm implements device accounts and pairwise sessions.
//
// An Account owns the long-term Curve25519 identity key, the Ed25519 signing
// key, a pool of one-time keys and a fallback key. Sessions are created with
// the triple-DH handshake from package x3dh and carried forward by the double
// ratchet from package ratchet.
//
// Messages are base64 bodies of a small binary framing:
//
//	normal:  0x03 | ratchet key (32) | previous counter (u32) | counter (u32) | AES-CBC body | MAC (8)
//	pre-key: 0x03 | identity key (32) | base key (32) | one-time key (32) | normal message
//
// The functions here operate on plain domain structs and never persist
// anything; callers commit the modified account and sessions together.
package olm
