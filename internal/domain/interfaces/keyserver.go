package interfaces

import (
	"context"

	"maunium.net/go/mautrix/id"

	domaintypes "olmkit/internal/domain/types"
)

// KeyServer is the server-side key directory. Callers fulfil it over their own
// transport.
type KeyServer interface {
	UploadKeys(ctx context.Context, upload *domaintypes.KeysUpload) (*domaintypes.KeysUploadResponse, error)
	ClaimOneTimeKey(ctx context.Context, user id.UserID, device id.DeviceID) (*domaintypes.KeyBundle, error)
	QueryDevices(ctx context.Context, users []id.UserID) (*domaintypes.KeysQueryResponse, error)
	UploadCrossSigningKeys(ctx context.Context, upload *domaintypes.CrossSigningUpload) error
	UploadSignatures(ctx context.Context, upload *domaintypes.SignatureUpload) error
}

// Rooms exposes the room model this engine does not own.
type Rooms interface {
	JoinedMembers(ctx context.Context, room id.RoomID) ([]id.UserID, error)
	EncryptionSettings(ctx context.Context, room id.RoomID) (domaintypes.GroupEncryptionSettings, error)
}
