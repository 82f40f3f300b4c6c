// Package account owns the device account: its identity keys, the one-time
// key pool and the fallback key.
//
// It keeps the server topped up with one-time keys, never offers a published
// key twice, and serialises every account change through Update so that
// consuming a one-time key and storing the session it created happen in one
// store commit.
package account
