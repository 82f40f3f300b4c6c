package interfaces

import (
	"context"

	"maunium.net/go/mautrix/id"

	domaintypes "olmkit/internal/domain/types"
)

// AccountStore persists the device account.
type AccountStore interface {
	// LoadAccount returns nil without error when no account exists yet.
	LoadAccount(ctx context.Context) (*domaintypes.Account, error)
	SaveAccount(ctx context.Context, account *domaintypes.Account) error
}

// SessionStore persists pairwise sessions keyed by the remote identity key.
type SessionStore interface {
	GetSessions(ctx context.Context, senderKey id.Curve25519) ([]*domaintypes.Session, error)
	SaveSessions(ctx context.Context, sessions []*domaintypes.Session) error
	// IsMessageKnown reports whether an olm message hash was already processed.
	IsMessageKnown(ctx context.Context, hash string) (bool, error)
}

// GroupSessionStore persists inbound and outbound group sessions.
type GroupSessionStore interface {
	GetInboundGroupSession(ctx context.Context, room id.RoomID, senderKey id.Curve25519, sessionID id.SessionID) (*domaintypes.InboundGroupSession, error)
	// GetInboundGroupSessions lists sessions, all rooms when room is empty.
	GetInboundGroupSessions(ctx context.Context, room id.RoomID) ([]*domaintypes.InboundGroupSession, error)
	SaveInboundGroupSessions(ctx context.Context, sessions []*domaintypes.InboundGroupSession) error
	GetOutboundGroupSession(ctx context.Context, room id.RoomID) (*domaintypes.OutboundGroupSession, error)
	SaveOutboundGroupSession(ctx context.Context, session *domaintypes.OutboundGroupSession) error
	// GetOutboundGroupSessions lists the outbound session of every room.
	GetOutboundGroupSessions(ctx context.Context) ([]*domaintypes.OutboundGroupSession, error)
}

// DeviceStore persists device records, cross-signing identities and the trust side-table.
type DeviceStore interface {
	GetDevice(ctx context.Context, user id.UserID, device id.DeviceID) (*domaintypes.Device, error)
	GetUserDevices(ctx context.Context, user id.UserID) (map[id.DeviceID]*domaintypes.Device, error)
	// GetDeviceByIdentityKey finds a device of user by its curve25519 key.
	GetDeviceByIdentityKey(ctx context.Context, user id.UserID, key id.Curve25519) (*domaintypes.Device, error)
	SaveDevices(ctx context.Context, devices []*domaintypes.Device) error
	GetUserIdentity(ctx context.Context, user id.UserID) (*domaintypes.UserIdentity, error)
	SaveUserIdentities(ctx context.Context, identities []*domaintypes.UserIdentity) error
	GetDeviceTrust(ctx context.Context, user id.UserID, device id.DeviceID) (domaintypes.LocalTrust, error)
	SetDeviceTrust(ctx context.Context, user id.UserID, device id.DeviceID, trust domaintypes.LocalTrust) error
	GetTrackedUsers(ctx context.Context) ([]id.UserID, error)
}

// KeyRequestStore persists outgoing room key requests.
type KeyRequestStore interface {
	GetKeyRequest(ctx context.Context, requestID string) (*domaintypes.KeyRequest, error)
	GetKeyRequestByInfo(ctx context.Context, room id.RoomID, sessionID id.SessionID) (*domaintypes.KeyRequest, error)
	GetKeyRequests(ctx context.Context) ([]*domaintypes.KeyRequest, error)
}

// ChangeCommitter applies a batch of changes atomically.
type ChangeCommitter interface {
	SaveChanges(ctx context.Context, changes *domaintypes.Changes) error
}

// CryptoStore is the full persistence contract. It is the single source of
// truth; every in-memory structure must be rebuildable from it.
type CryptoStore interface {
	AccountStore
	SessionStore
	GroupSessionStore
	DeviceStore
	KeyRequestStore
	ChangeCommitter
	Close() error
}
