package types

import (
	"time"

	"maunium.net/go/mautrix/id"
)

// OneTimeKey is a Curve25519 key pair offered to other devices for session setup.
type OneTimeKey struct {
	KeyID     string        `json:"key_id"`
	Public    X25519Public  `json:"public"`
	Private   X25519Private `json:"private"`
	Published bool          `json:"published"`
	CreatedAt time.Time     `json:"created_at"`
}

// PrivateCrossSigningKeys are the user's own cross-signing secrets, present only
// on the device that bootstrapped them (or received them).
type PrivateCrossSigningKeys struct {
	Master      Ed25519Private `json:"master"`
	SelfSigning Ed25519Private `json:"self_signing"`
	UserSigning Ed25519Private `json:"user_signing"`
}

// Account is the device's long-term key material and one-time key pool.
type Account struct {
	UserID   id.UserID   `json:"user_id"`
	DeviceID id.DeviceID `json:"device_id"`
	Identity Identity    `json:"identity"`

	// OneTimeKeys holds unpublished and published-but-unclaimed keys.
	OneTimeKeys []OneTimeKey `json:"one_time_keys"`
	// NextKeyID is monotonic; key ids are never reused.
	NextKeyID uint32 `json:"next_key_id"`

	FallbackKey         *OneTimeKey `json:"fallback_key,omitempty"`
	PreviousFallbackKey *OneTimeKey `json:"previous_fallback_key,omitempty"`

	// Shared is set once the device keys were accepted by the server.
	Shared bool `json:"shared"`
	// UploadedKeyCount is the server's last reported count of our one-time keys.
	UploadedKeyCount int `json:"uploaded_key_count"`

	CrossSigning *PrivateCrossSigningKeys `json:"cross_signing,omitempty"`

	CreatedAt time.Time `json:"created_at"`
}

// Clone returns a deep copy of the account.
func (a *Account) Clone() *Account {
	if a == nil {
		return nil
	}
	out := *a
	out.OneTimeKeys = append([]OneTimeKey(nil), a.OneTimeKeys...)
	if a.FallbackKey != nil {
		k := *a.FallbackKey
		out.FallbackKey = &k
	}
	if a.PreviousFallbackKey != nil {
		k := *a.PreviousFallbackKey
		out.PreviousFallbackKey = &k
	}
	if a.CrossSigning != nil {
		cs := *a.CrossSigning
		out.CrossSigning = &cs
	}
	return &out
}
