// Package group orchestrates megolm room encryption.
//
// The outbound side keeps one session per room, rotates it on its message
// count, its age, or a change in the set of recipient devices, and hands the
// session key only to devices that do not have it yet. The inbound side keeps
// the best copy of every session it was given and decrypts room events with
// it.
package group
