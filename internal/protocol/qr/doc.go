// Package qr encodes and decodes the payload of verification QR codes and
// renders them as images.
//
// The displaying device embeds the flow id, two public keys and a one-time
// secret. The scanning device checks the flow id and keys against what it
// knows and echoes the secret back; the displaying device compares it before
// trusting the scanner.
package qr
