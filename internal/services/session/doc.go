// Package session owns the pairwise olm sessions of this device.
//
// It claims one-time keys for devices we have no session with, and it is the
// only code that advances a pairwise ratchet. Every encryption or decryption
// runs under a lock keyed by the remote identity key and commits the advanced
// session before the result is handed out.
package session
