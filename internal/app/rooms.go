package app

import (
	"context"
	"fmt"

	"maunium.net/go/mautrix/id"

	"olmkit/internal/domain"
	"olmkit/internal/domain/types"
	"olmkit/internal/protocol/megolm"
)

// configRooms answers room membership from the config file. The CLI has no
// homeserver to ask.
type configRooms map[id.RoomID]RoomConfig

// Compile-time assertion.
var _ domain.Rooms = configRooms(nil)

func (r configRooms) JoinedMembers(_ context.Context, room id.RoomID) ([]id.UserID, error) {
	rc, ok := r[room]
	if !ok {
		return nil, fmt.Errorf("room %s is not configured", room)
	}
	return rc.Members, nil
}

func (r configRooms) EncryptionSettings(_ context.Context, room id.RoomID) (domain.GroupEncryptionSettings, error) {
	st := megolm.DefaultSettings()
	rc, ok := r[room]
	if !ok {
		return st, nil
	}
	st.Algorithm = types.AlgorithmMegolm
	if rc.RotationPeriod.Duration > 0 {
		st.RotationPeriod = rc.RotationPeriod.Duration
	}
	if rc.RotationMessages > 0 {
		st.RotationMessages = rc.RotationMessages
	}
	st.OnlyTrusted = rc.OnlyTrusted
	return st, nil
}
