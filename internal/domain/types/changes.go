package types

import "maunium.net/go/mautrix/id"

// TrustChange sets the local trust flag of one device.
type TrustChange struct {
	UserID   id.UserID   `json:"user_id"`
	DeviceID id.DeviceID `json:"device_id"`
	Trust    LocalTrust  `json:"trust"`
}

// VerifiedKey is a key an interactive verification proved. An empty DeviceID
// means Key is the user's master key.
type VerifiedKey struct {
	UserID   id.UserID
	DeviceID id.DeviceID
	Key      Ed25519Public
}

// Changes is one all-or-nothing store commit.
type Changes struct {
	Account               *Account
	Sessions              []*Session
	InboundGroupSessions  []*InboundGroupSession
	OutboundGroupSessions []*OutboundGroupSession
	Devices               []*Device
	Identities            []*UserIdentity
	Trust                 []TrustChange
	KeyRequests           []*KeyRequest
	DeletedKeyRequests    []string
	MessageHashes         []string
	TrackedUsers          []id.UserID
}

// Empty reports whether the commit would write nothing.
func (c *Changes) Empty() bool {
	return c.Account == nil &&
		len(c.Sessions) == 0 &&
		len(c.InboundGroupSessions) == 0 &&
		len(c.OutboundGroupSessions) == 0 &&
		len(c.Devices) == 0 &&
		len(c.Identities) == 0 &&
		len(c.Trust) == 0 &&
		len(c.KeyRequests) == 0 &&
		len(c.DeletedKeyRequests) == 0 &&
		len(c.MessageHashes) == 0 &&
		len(c.TrackedUsers) == 0
}

// SyncChanges is what the caller hands over after each sync response.
type SyncChanges struct {
	ToDevice               []ToDeviceEvent         `json:"to_device"`
	ChangedUsers           []id.UserID             `json:"changed_users"`
	LeftUsers              []id.UserID             `json:"left_users"`
	OneTimeKeyCounts       map[id.KeyAlgorithm]int `json:"one_time_key_counts"`
	UnusedFallbackKeyTypes []id.KeyAlgorithm       `json:"unused_fallback_key_types"`
}
