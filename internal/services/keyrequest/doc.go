// Package keyrequest asks our other devices for room keys we are missing and
// answers their requests.
//
// Outgoing requests are coalesced per room session and kept in the store
// until a forwarded key satisfies them or their deadline passes. Incoming
// requests are queued while a sync batch is processed so that a cancellation
// in the same batch withdraws them, and are answered only for our own devices
// that pass the forwarding policy.
package keyrequest
