package types

import (
	"errors"
	"strings"
	"time"

	"maunium.net/go/mautrix/id"
)

// CrossSigningUsage names the role of a cross-signing key.
type CrossSigningUsage string

const (
	UsageMaster      CrossSigningUsage = "master"
	UsageSelfSigning CrossSigningUsage = "self_signing"
	UsageUserSigning CrossSigningUsage = "user_signing"
)

var errNoCrossSigningKey = errors.New("cross-signing key has no ed25519 key")

// CrossSigningKey is the published form of one key of the cross-signing triad.
type CrossSigningKey struct {
	UserID     id.UserID           `json:"user_id"`
	Usage      []CrossSigningUsage `json:"usage"`
	Keys       map[id.KeyID]string `json:"keys"`
	Signatures Signatures          `json:"signatures,omitempty"`
}

// FirstKey returns the ed25519 key and its key id.
func (k *CrossSigningKey) FirstKey() (Ed25519Public, id.KeyID, error) {
	for keyID, raw := range k.Keys {
		if strings.HasPrefix(string(keyID), string(id.KeyAlgorithmEd25519)+":") {
			pub, err := ParseEd25519(id.Ed25519(raw))
			return pub, keyID, err
		}
	}
	return Ed25519Public{}, "", errNoCrossSigningKey
}

// HasUsage reports whether the key declares usage u.
func (k *CrossSigningKey) HasUsage(u CrossSigningUsage) bool {
	for _, have := range k.Usage {
		if have == u {
			return true
		}
	}
	return false
}

// NewCrossSigningKey builds the unsigned published form of pub.
func NewCrossSigningKey(user id.UserID, usage CrossSigningUsage, pub Ed25519Public) CrossSigningKey {
	return CrossSigningKey{
		UserID: user,
		Usage:  []CrossSigningUsage{usage},
		Keys: map[id.KeyID]string{
			id.NewKeyID(id.KeyAlgorithmEd25519, pub.String()): pub.String(),
		},
	}
}

// UserIdentity is the cross-signing identity of a user. It holds keys only and
// never references device records.
type UserIdentity struct {
	UserID      id.UserID        `json:"user_id"`
	Master      CrossSigningKey  `json:"master"`
	SelfSigning CrossSigningKey  `json:"self_signing"`
	UserSigning *CrossSigningKey `json:"user_signing,omitempty"`

	// Verified is set only by an explicit verification of this identity.
	Verified bool `json:"verified"`
	// PreviouslyVerified remembers that a verified master key was replaced.
	PreviouslyVerified bool      `json:"previously_verified"`
	FirstSeen          time.Time `json:"first_seen"`
}

// MasterKey returns the master public key.
func (u *UserIdentity) MasterKey() (Ed25519Public, error) {
	pub, _, err := u.Master.FirstKey()
	return pub, err
}

// SelfSigningKey returns the self-signing public key.
func (u *UserIdentity) SelfSigningKey() (Ed25519Public, error) {
	pub, _, err := u.SelfSigning.FirstKey()
	return pub, err
}
