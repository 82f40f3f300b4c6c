package types

import (
	"time"

	"maunium.net/go/mautrix/id"
)

// Signatures maps signer user id to key id to base64 signature.
type Signatures map[id.UserID]map[id.KeyID]string

// Add records a signature, allocating maps as needed.
func (s Signatures) Add(user id.UserID, keyID id.KeyID, sig string) Signatures {
	if s == nil {
		s = Signatures{}
	}
	if s[user] == nil {
		s[user] = map[id.KeyID]string{}
	}
	s[user][keyID] = sig
	return s
}

// Get returns the signature made by user with keyID.
func (s Signatures) Get(user id.UserID, keyID id.KeyID) (string, bool) {
	sig, ok := s[user][keyID]
	return sig, ok
}

// Clone returns a deep copy.
func (s Signatures) Clone() Signatures {
	if s == nil {
		return nil
	}
	out := make(Signatures, len(s))
	for u, m := range s {
		inner := make(map[id.KeyID]string, len(m))
		for k, v := range m {
			inner[k] = v
		}
		out[u] = inner
	}
	return out
}

// UnsignedDeviceInfo carries fields excluded from signing.
type UnsignedDeviceInfo struct {
	DeviceDisplayName string `json:"device_display_name,omitempty"`
}

// DeviceKeys is the signed key bundle a device publishes.
type DeviceKeys struct {
	UserID     id.UserID           `json:"user_id"`
	DeviceID   id.DeviceID         `json:"device_id"`
	Algorithms []id.Algorithm      `json:"algorithms"`
	Keys       map[id.KeyID]string `json:"keys"`
	Signatures Signatures          `json:"signatures,omitempty"`
	Unsigned   *UnsignedDeviceInfo `json:"unsigned,omitempty"`
}

// LocalTrust is the side-table trust flag kept per (user, device).
type LocalTrust int

const (
	TrustUnset LocalTrust = iota
	TrustVerified
	TrustBlacklisted
)

func (t LocalTrust) String() string {
	switch t {
	case TrustVerified:
		return "verified"
	case TrustBlacklisted:
		return "blacklisted"
	default:
		return "unset"
	}
}

// TrustLevel is the computed trust of a device.
type TrustLevel string

const (
	TrustLevelUntrusted   TrustLevel = "untrusted"
	TrustLevelCrossSigned TrustLevel = "cross_signed"
	TrustLevelVerified    TrustLevel = "verified"
	TrustLevelBlacklisted TrustLevel = "blacklisted"
	TrustLevelOwnDevice   TrustLevel = "own_device"
)

// Trusted reports whether the level permits sharing secrets.
func (l TrustLevel) Trusted() bool {
	return l == TrustLevelCrossSigned || l == TrustLevelVerified || l == TrustLevelOwnDevice
}

// Device is an immutable record of another (or our own) device's keys.
// Only Deleted mutates after creation; trust lives in a separate table.
type Device struct {
	UserID      id.UserID      `json:"user_id"`
	DeviceID    id.DeviceID    `json:"device_id"`
	Algorithms  []id.Algorithm `json:"algorithms"`
	IdentityKey X25519Public   `json:"identity_key"`
	SigningKey  Ed25519Public  `json:"signing_key"`
	Signatures  Signatures     `json:"signatures"`
	DisplayName string         `json:"display_name,omitempty"`
	Deleted     bool           `json:"deleted"`
	FirstSeen   time.Time      `json:"first_seen"`
}

// Keys reconstructs the signed wire bundle for signature checks.
func (d *Device) Keys() DeviceKeys {
	return DeviceKeys{
		UserID:     d.UserID,
		DeviceID:   d.DeviceID,
		Algorithms: append([]id.Algorithm(nil), d.Algorithms...),
		Keys: map[id.KeyID]string{
			id.NewKeyID(id.KeyAlgorithmCurve25519, string(d.DeviceID)): d.IdentityKey.String(),
			id.NewKeyID(id.KeyAlgorithmEd25519, string(d.DeviceID)):    d.SigningKey.String(),
		},
		Signatures: d.Signatures.Clone(),
	}
}

// SameKeys reports whether two records carry identical identity material.
func (d *Device) SameKeys(o *Device) bool {
	return d.IdentityKey == o.IdentityKey && d.SigningKey == o.SigningKey
}

// DeviceRef addresses one device of one user.
type DeviceRef struct {
	UserID   id.UserID   `json:"user_id"`
	DeviceID id.DeviceID `json:"device_id"`
}

func (r DeviceRef) String() string { return string(r.UserID) + "|" + string(r.DeviceID) }
