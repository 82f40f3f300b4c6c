package types

import "maunium.net/go/mautrix/id"

// Identity holds the device's long-term X25519 and Ed25519 keys.
type Identity struct {
	XPub   X25519Public   `json:"xpub"`
	XPriv  X25519Private  `json:"xpriv"`
	EdPub  Ed25519Public  `json:"edpub"`
	EdPriv Ed25519Private `json:"edpriv"`
}

// IdentityKeys is the public half of an Identity as published to other devices.
type IdentityKeys struct {
	Curve25519 id.Curve25519 `json:"curve25519"`
	Ed25519    id.Ed25519    `json:"ed25519"`
}

// Public returns the publishable identity keys.
func (i Identity) Public() IdentityKeys {
	return IdentityKeys{Curve25519: i.XPub.Curve25519(), Ed25519: i.EdPub.Ed25519()}
}
