package machine

import (
	"context"
	"errors"

	"go.uber.org/zap"
	"maunium.net/go/mautrix/id"

	"olmkit/internal/domain"
	"olmkit/internal/protocol/keyexport"
	"olmkit/internal/services/group"
)

func (m *Machine) members(ctx context.Context, room id.RoomID) ([]id.UserID, error) {
	if m.rooms == nil {
		return nil, ErrNoRooms
	}
	return m.rooms.JoinedMembers(ctx, room)
}

// ShareRoomKey makes sure every current member device holds the room key
// without sending an event, for example before the user starts typing.
func (m *Machine) ShareRoomKey(ctx context.Context, room id.RoomID) (*group.ShareResult, error) {
	members, err := m.members(ctx, room)
	if err != nil {
		return nil, err
	}
	res, err := m.groups.ShareRoomKey(ctx, room, members)
	if err != nil {
		return nil, err
	}
	m.outgoing.push(res.Request)
	return res, nil
}

// EncryptRoomEvent encrypts content for room. Room keys the members still
// need are queued as outgoing requests and should be sent before the event.
func (m *Machine) EncryptRoomEvent(ctx context.Context, room id.RoomID, eventType string, content any) (*domain.MegolmEncryptedContent, error) {
	members, err := m.members(ctx, room)
	if err != nil {
		return nil, err
	}
	enc, res, err := m.groups.EncryptRoomEvent(ctx, room, eventType, content, members)
	if err != nil {
		return nil, err
	}
	m.outgoing.push(res.Request)
	return enc, nil
}

// DecryptRoomEvent opens a megolm room event. With RequestMissingKeys set a
// missing or partial session triggers a key request to our other devices.
func (m *Machine) DecryptRoomEvent(ctx context.Context, event *domain.RoomEvent) (*domain.DecryptedRoomEvent, error) {
	out, err := m.groups.DecryptRoomEvent(ctx, event)
	if err == nil {
		return out, nil
	}
	if m.opts.RequestMissingKeys && (errors.Is(err, domain.ErrNoMatchingSession) || errors.Is(err, domain.ErrOutOfOrderSession)) {
		c := event.Content
		if _, req, rerr := m.requests.RequestRoomKey(ctx, event.RoomID, c.SenderKey, c.SessionID); rerr != nil {
			m.log.Warn("room key request failed", zap.String("session_id", string(c.SessionID)), zap.Error(rerr))
		} else {
			m.outgoing.push(req)
		}
	}
	return nil, err
}

// InvalidateGroupSession makes the next message in room use a new session.
func (m *Machine) InvalidateGroupSession(ctx context.Context, room id.RoomID) error {
	return m.groups.InvalidateGroupSession(ctx, room)
}

// RequestRoomKey asks our other devices for a room key.
func (m *Machine) RequestRoomKey(ctx context.Context, room id.RoomID, senderKey id.Curve25519, sessionID id.SessionID) (*domain.KeyRequest, error) {
	kr, req, err := m.requests.RequestRoomKey(ctx, room, senderKey, sessionID)
	if err != nil {
		return nil, err
	}
	m.outgoing.push(req)
	return kr, nil
}

// CancelRoomKeyRequest withdraws an open key request.
func (m *Machine) CancelRoomKeyRequest(ctx context.Context, room id.RoomID, sessionID id.SessionID) error {
	req, err := m.requests.CancelRoomKeyRequest(ctx, room, sessionID)
	if err != nil {
		return err
	}
	m.outgoing.push(req)
	return nil
}

// PendingKeyRequests lists our open key requests.
func (m *Machine) PendingKeyRequests(ctx context.Context) ([]*domain.KeyRequest, error) {
	return m.requests.Pending(ctx)
}

// ExportRoomKeys exports the inbound sessions of room (every room when room
// is empty) as a passphrase protected key file.
func (m *Machine) ExportRoomKeys(ctx context.Context, room id.RoomID, passphrase string) ([]byte, error) {
	keys, err := m.groups.ExportRoomKeys(ctx, room)
	if err != nil {
		return nil, err
	}
	data, err := keyexport.Encrypt(keys, passphrase, m.opts.ExportRounds)
	if err != nil {
		return nil, err
	}
	m.log.Info("room keys exported", zap.String("room_id", string(room)), zap.Int("sessions", len(keys)))
	return data, nil
}

// ImportRoomKeys reads a key file produced by ExportRoomKeys or another
// client and stores the sessions it holds.
func (m *Machine) ImportRoomKeys(ctx context.Context, data []byte, passphrase string) (*group.ImportResult, error) {
	keys, err := keyexport.Decrypt(data, passphrase)
	if err != nil {
		return nil, err
	}
	return m.groups.ImportRoomKeys(ctx, keys)
}
