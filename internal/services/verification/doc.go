// Package verification runs interactive device and user verification.
//
// A flow starts with a request/ready handshake and then runs one method: the
// short authentication string exchange (m.sas.v1) or a QR code shown by one
// device and scanned by the other (m.reciprocate.v1). Flows only move forward
// or to cancelled, and whichever terminal transition comes first wins. Trust
// is committed once, when a flow reaches done.
//
// Every operation returns the to-device messages the caller must deliver to
// the other device. Verification messages travel unencrypted.
package verification
