// Package identity keeps the device lists and cross-signing identities of
// tracked users and computes device trust.
//
// Device records are append-mostly: a device id that disappears from a user's
// list is soft-deleted, and a key change is accepted only when the user's
// self-signing key vouches for it. Local verification and blacklist flags live
// in a side table and are changed only through VerifyDevice, BlacklistDevice
// and UnblacklistDevice.
package identity
