// Package x3dh implements the triple Diffie-Hellman handshake that bootstraps
// a pairwise ratchet session between two devices.
//
// # Overview
//
// The responder publishes its Curve25519 identity key and a pool of signed
// one-time keys (or a fallback key). The initiator claims one of those keys,
// generates an ephemeral base key and computes
//
//	DH(IKa, OTKb) | DH(EKa, IKb) | DH(EKa, OTKb)
//
// HKDF-SHA256 over that transcript yields the initial root key and the first
// chain key of the ratchet.
//
// # Flows
//
// Initiator:
//  1. Verify the claimed one-time key signature (done by the caller).
//  2. Generate a base key pair.
//  3. Call InitiatorKeys and start the ratchet in the sender role.
//
// Responder:
//  1. Receive a pre-key message carrying IKa, EKa and the public OTKb.
//  2. Look up the private half of OTKb (one-time or fallback).
//  3. Call ResponderKeys; the result is identical to the initiator's.
//
// # Security notes
//
// Only public material is sent over the wire. One-time keys are deleted after
// first use so the handshake mixes in a value that cannot be recovered later.
// Fallback keys trade that property for availability.
package x3dh
