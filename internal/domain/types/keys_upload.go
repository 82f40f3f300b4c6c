package types

import "maunium.net/go/mautrix/id"

// SignedKey is a one-time or fallback key as published.
type SignedKey struct {
	Key        string     `json:"key"`
	Fallback   bool       `json:"fallback,omitempty"`
	Signatures Signatures `json:"signatures"`
}

// KeysUpload is the publishable key bundle of a device.
type KeysUpload struct {
	UserID       id.UserID              `json:"user_id"`
	DeviceID     id.DeviceID            `json:"device_id"`
	DeviceKeys   *DeviceKeys            `json:"device_keys,omitempty"`
	OneTimeKeys  map[id.KeyID]SignedKey `json:"one_time_keys,omitempty"`
	FallbackKeys map[id.KeyID]SignedKey `json:"fallback_keys,omitempty"`
}

// Empty reports whether there is nothing to upload.
func (u *KeysUpload) Empty() bool {
	return u.DeviceKeys == nil && len(u.OneTimeKeys) == 0 && len(u.FallbackKeys) == 0
}

// KeysUploadResponse reports how many one-time keys the server holds for us.
type KeysUploadResponse struct {
	OneTimeKeyCounts map[id.KeyAlgorithm]int `json:"one_time_key_counts"`
}

// KeyBundle is the result of claiming a one-time key for a device.
type KeyBundle struct {
	UserID   id.UserID   `json:"user_id"`
	DeviceID id.DeviceID `json:"device_id"`
	KeyID    id.KeyID    `json:"key_id"`
	Key      SignedKey   `json:"key"`
}

// KeysQueryResponse is the server's view of users' devices and identities.
type KeysQueryResponse struct {
	DeviceKeys      map[id.UserID]map[id.DeviceID]DeviceKeys `json:"device_keys"`
	MasterKeys      map[id.UserID]CrossSigningKey            `json:"master_keys,omitempty"`
	SelfSigningKeys map[id.UserID]CrossSigningKey            `json:"self_signing_keys,omitempty"`
	UserSigningKeys map[id.UserID]CrossSigningKey            `json:"user_signing_keys,omitempty"`
}

// CrossSigningUpload publishes a user's cross-signing keys.
type CrossSigningUpload struct {
	Master      CrossSigningKey `json:"master_key"`
	SelfSigning CrossSigningKey `json:"self_signing_key"`
	UserSigning CrossSigningKey `json:"user_signing_key"`
}

// SignatureUpload publishes extra signatures over already published keys. The
// server merges the signatures into its stored copies.
type SignatureUpload struct {
	Devices    []DeviceKeys      `json:"devices,omitempty"`
	MasterKeys []CrossSigningKey `json:"master_keys,omitempty"`
}
