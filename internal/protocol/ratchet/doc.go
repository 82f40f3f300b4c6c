// Package ratchet implements the olm double ratchet of pairwise sessions.
//
// Chain keys advance with HMAC-SHA256 (0x01 yields the message key, 0x02 the
// next chain key). A new ratchet key from the peer opens a new receiver chain
// from the root key; our own ratchet key only changes when we next send, so
// SenderChain stays empty until then. Message keys expand into an AES-256-CBC
// key, HMAC key and IV; the MAC over associated data, header and body is
// truncated to 8 bytes.
//
// Decrypt works on a copy of the state and only writes it back after the
// message authenticated, so a forged or corrupted message never moves a chain.
//
// RatchetState is not safe for concurrent use; callers serialise per session.
package ratchet
