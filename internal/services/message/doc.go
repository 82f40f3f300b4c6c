// Package message encrypts and decrypts to-device events over pairwise olm
// sessions.
//
// Decryption rejects a ciphertext whose hash was seen before, then checks
// that the plaintext names the claimed sender, this device as recipient and
// a signing key that matches what we know of the sending device.
package message
