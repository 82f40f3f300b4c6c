package interfaces

import (
	"context"

	"maunium.net/go/mautrix/id"

	domaintypes "olmkit/internal/domain/types"
)

// AccountService is the single writer of the device account.
type AccountService interface {
	// Account returns a copy of the current account.
	Account(ctx context.Context) (*domaintypes.Account, error)
	// Update runs fn on a copy of the account and commits the copy together
	// with whatever fn added to the change set. Nothing is applied if fn or the
	// commit fails.
	Update(ctx context.Context, fn func(*domaintypes.Account, *domaintypes.Changes) error) error
}

// DeviceDirectory answers device and trust lookups.
type DeviceDirectory interface {
	GetDevice(ctx context.Context, user id.UserID, device id.DeviceID) (*domaintypes.Device, error)
	// GetUserDevices returns the non-deleted devices of user.
	GetUserDevices(ctx context.Context, user id.UserID) ([]*domaintypes.Device, error)
	DeviceByIdentityKey(ctx context.Context, user id.UserID, key id.Curve25519) (*domaintypes.Device, error)
	DeviceTrust(ctx context.Context, user id.UserID, device id.DeviceID) (domaintypes.TrustLevel, error)
}

// TrustCommitter records the outcome of an explicit verification. It is the
// only path from unset to verified.
type TrustCommitter interface {
	VerifyDevice(ctx context.Context, user id.UserID, device id.DeviceID, signingKey domaintypes.Ed25519Public) error
	VerifyIdentity(ctx context.Context, user id.UserID, master domaintypes.Ed25519Public) error
	// CommitVerification trusts all keys of one finished verification at once.
	CommitVerification(ctx context.Context, keys []domaintypes.VerifiedKey) error
}

// SessionEstablisher makes sure pairwise sessions exist.
type SessionEstablisher interface {
	// EnsureSessions claims keys for devices lacking a session. Devices for
	// which no session could be created are returned with their error.
	EnsureSessions(ctx context.Context, devices []*domaintypes.Device) (map[domaintypes.DeviceRef]error, error)
}

// ToDeviceEncryptor encrypts payloads for devices over pairwise sessions.
type ToDeviceEncryptor interface {
	EncryptToDevices(ctx context.Context, devices []*domaintypes.Device, eventType string, content any) (*domaintypes.ToDeviceRequest, map[domaintypes.DeviceRef]error, error)
}

// RoomKeyImporter accepts forwarded room keys.
type RoomKeyImporter interface {
	ImportForwardedRoomKey(ctx context.Context, from *domaintypes.DecryptedToDevice, content *domaintypes.ForwardedRoomKeyContent) (*domaintypes.InboundGroupSession, error)
}
