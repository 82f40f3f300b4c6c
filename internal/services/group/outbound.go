package group

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"

	"go.uber.org/zap"
	"maunium.net/go/mautrix/id"

	"olmkit/internal/domain"
	"olmkit/internal/domain/types"
	"olmkit/internal/protocol/megolm"
)

// ErrUnsupportedRoom is returned for rooms configured with another algorithm.
var ErrUnsupportedRoom = errors.New("room does not use megolm")

// ShareResult is what sharing a room key produced.
type ShareResult struct {
	SessionID id.SessionID
	// Request carries the room key to devices that did not have it; nil when
	// every recipient already had it.
	Request *domain.ToDeviceRequest
	// Withheld lists devices left out because they are blacklisted, untrusted
	// under the room policy, or could not be reached.
	Withheld map[domain.DeviceRef]error
	Rotated  bool
}

// ShareRoomKey makes sure the room has a usable outbound session and that
// every current recipient device was handed its key.
func (s *Service) ShareRoomKey(ctx context.Context, room id.RoomID, members []id.UserID) (*ShareResult, error) {
	unlock := s.lockRoom(room)
	defer unlock()
	res, _, err := s.share(ctx, room, members)
	return res, err
}

// EncryptRoomEvent shares the room key where needed and encrypts one event.
func (s *Service) EncryptRoomEvent(ctx context.Context, room id.RoomID, eventType string, content any, members []id.UserID) (*domain.MegolmEncryptedContent, *ShareResult, error) {
	unlock := s.lockRoom(room)
	defer unlock()

	res, ogs, err := s.share(ctx, room, members)
	if err != nil {
		return nil, nil, err
	}
	raw, err := json.Marshal(content)
	if err != nil {
		return nil, nil, fmt.Errorf("marshal %s content: %w", eventType, err)
	}
	payload, err := json.Marshal(domain.MegolmPayload{Type: eventType, Content: raw, RoomID: room})
	if err != nil {
		return nil, nil, err
	}
	next := ogs.Clone()
	ciphertext, index, err := megolm.Encrypt(next, payload)
	if err != nil {
		return nil, nil, err
	}
	if err := s.store.SaveChanges(ctx, &domain.Changes{OutboundGroupSessions: []*domain.OutboundGroupSession{next}}); err != nil {
		return nil, nil, err
	}
	acc, err := s.account.Account(ctx)
	if err != nil {
		return nil, nil, err
	}
	s.log.Debug("room event encrypted",
		zap.String("room_id", string(room)),
		zap.String("session_id", string(next.SessionID)),
		zap.Uint32("index", index),
	)
	return &domain.MegolmEncryptedContent{
		Algorithm:  types.AlgorithmMegolm,
		SenderKey:  acc.Identity.XPub.Curve25519(),
		DeviceID:   acc.DeviceID,
		SessionID:  next.SessionID,
		Ciphertext: ciphertext,
	}, res, nil
}

type recipient struct {
	dev *domain.Device
	ref domain.DeviceRef
}

// share runs with the room lock held and returns the committed session.
func (s *Service) share(ctx context.Context, room id.RoomID, members []id.UserID) (*ShareResult, *domain.OutboundGroupSession, error) {
	settings := s.settings(ctx, room)
	if settings.Algorithm != types.AlgorithmMegolm {
		return nil, nil, fmt.Errorf("%w: %s uses %s", ErrUnsupportedRoom, room, settings.Algorithm)
	}
	acc, err := s.account.Account(ctx)
	if err != nil {
		return nil, nil, err
	}
	recipients, withheld, err := s.recipients(ctx, acc, members, settings)
	if err != nil {
		return nil, nil, err
	}

	changes := &domain.Changes{}
	ogs, err := s.store.GetOutboundGroupSession(ctx, room)
	if err != nil {
		return nil, nil, err
	}
	rotated := false
	if ogs == nil || megolm.ShouldRotate(ogs, s.now()) || lostRecipient(ogs, recipients) {
		var unsent map[string]*domain.ToDeviceRequest
		if ogs != nil {
			rotated = true
			unsent = ogs.PendingRequests
			s.metrics.GroupSessionsRotated.Inc()
			s.log.Info("rotating group session",
				zap.String("room_id", string(room)),
				zap.String("old_session_id", string(ogs.SessionID)),
				zap.Uint32("messages", ogs.MessageCount),
				zap.Bool("invalidated", ogs.Invalidated),
			)
		}
		if ogs, err = megolm.NewOutboundGroupSession(room, settings); err != nil {
			return nil, nil, err
		}
		for _, req := range unsent {
			megolm.AddPendingRequest(ogs, req)
		}
		own, err := megolm.NewInboundGroupSession(room, acc.Identity.XPub.Curve25519(), acc.Identity.EdPub.Ed25519(), megolm.SessionKey(ogs))
		if err != nil {
			return nil, nil, err
		}
		changes.InboundGroupSessions = append(changes.InboundGroupSessions, own)
	} else {
		ogs = ogs.Clone()
	}

	var delta []*domain.Device
	for _, r := range recipients {
		if _, ok := ogs.ShareInfoFor(r.ref.UserID, r.ref.DeviceID); !ok {
			delta = append(delta, r.dev)
		}
	}

	res := &ShareResult{SessionID: ogs.SessionID, Withheld: withheld, Rotated: rotated}
	if len(delta) > 0 {
		content := domain.RoomKeyContent{
			Algorithm:  types.AlgorithmMegolm,
			RoomID:     room,
			SessionID:  ogs.SessionID,
			SessionKey: megolm.SessionKey(ogs),
		}
		req, failures, err := s.encryptor.EncryptToDevices(ctx, delta, types.EventRoomKey, content)
		if err != nil {
			return nil, nil, err
		}
		for ref, ferr := range failures {
			res.Withheld[ref] = ferr
		}
		for _, dev := range delta {
			ref := domain.DeviceRef{UserID: dev.UserID, DeviceID: dev.DeviceID}
			if _, failed := failures[ref]; failed {
				continue
			}
			megolm.MarkShared(ogs, dev.UserID, dev.DeviceID, dev.IdentityKey, req.TxnID)
		}
		if req.Len() > 0 {
			res.Request = req
			megolm.AddPendingRequest(ogs, req)
		}
	}

	changes.OutboundGroupSessions = append(changes.OutboundGroupSessions, ogs)
	if err := s.store.SaveChanges(ctx, changes); err != nil {
		return nil, nil, err
	}
	if res.Request != nil {
		s.pending.Store(res.Request.TxnID, room)
		s.metrics.RoomKeysShared.Add(float64(res.Request.Len()))
	}
	return res, ogs, nil
}

// PendingShares returns the stored room key requests that were never
// reported sent and tracks them again so MarkRequestAsSent settles them.
func (s *Service) PendingShares(ctx context.Context) ([]*domain.ToDeviceRequest, error) {
	sessions, err := s.store.GetOutboundGroupSessions(ctx)
	if err != nil {
		return nil, err
	}
	var out []*domain.ToDeviceRequest
	for _, ogs := range sessions {
		for txn, req := range ogs.PendingRequests {
			s.pending.Store(txn, ogs.RoomID)
			out = append(out, req)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].TxnID < out[j].TxnID })
	if len(out) > 0 {
		s.log.Info("requeued unsent room keys", zap.Int("requests", len(out)))
	}
	return out, nil
}

// recipients resolves the devices a room key may go to. Outdated device
// lists are refreshed first.
func (s *Service) recipients(ctx context.Context, acc *domain.Account, members []id.UserID, settings domain.GroupEncryptionSettings) ([]recipient, map[domain.DeviceRef]error, error) {
	if err := s.identity.TrackUsers(ctx, members); err != nil {
		return nil, nil, err
	}
	var outdated []id.UserID
	for _, u := range members {
		if s.identity.IsOutdated(u) {
			outdated = append(outdated, u)
		}
	}
	if len(outdated) > 0 {
		if _, err := s.identity.QueryKeys(ctx, outdated); err != nil {
			s.log.Warn("device list refresh failed; sharing with known devices", zap.Error(err))
		}
	}

	users := append([]id.UserID(nil), members...)
	sort.Slice(users, func(i, j int) bool { return users[i] < users[j] })
	var out []recipient
	withheld := map[domain.DeviceRef]error{}
	for i, u := range users {
		if i > 0 && users[i-1] == u {
			continue
		}
		devs, err := s.identity.GetUserDevices(ctx, u)
		if err != nil {
			return nil, nil, err
		}
		for _, dev := range devs {
			ref := domain.DeviceRef{UserID: dev.UserID, DeviceID: dev.DeviceID}
			if dev.UserID == acc.UserID && dev.DeviceID == acc.DeviceID {
				continue
			}
			level, err := s.identity.DeviceTrust(ctx, dev.UserID, dev.DeviceID)
			if err != nil {
				return nil, nil, err
			}
			if level == types.TrustLevelBlacklisted || (settings.OnlyTrusted && !level.Trusted()) {
				withheld[ref] = fmt.Errorf("%w: %s", domain.ErrUntrustedDevice, level)
				continue
			}
			out = append(out, recipient{dev: dev, ref: ref})
		}
	}
	return out, withheld, nil
}

// lostRecipient reports whether a device that holds the key is no longer a
// recipient or now has another identity key.
func lostRecipient(ogs *domain.OutboundGroupSession, recipients []recipient) bool {
	current := make(map[domain.DeviceRef]domain.X25519Public, len(recipients))
	for _, r := range recipients {
		current[r.ref] = r.dev.IdentityKey
	}
	for user, devs := range ogs.SharedWith {
		for device, info := range devs {
			key, ok := current[domain.DeviceRef{UserID: user, DeviceID: device}]
			if !ok || key != info.IdentityKey {
				return true
			}
		}
	}
	return false
}

// MarkRequestAsSent records that the to-device request txnID was delivered.
// Unknown transactions are ignored.
func (s *Service) MarkRequestAsSent(ctx context.Context, txnID string) error {
	room, ok := s.pending.Load(txnID)
	if !ok {
		return nil
	}
	unlock := s.lockRoom(room)
	defer unlock()

	ogs, err := s.store.GetOutboundGroupSession(ctx, room)
	if err != nil {
		return err
	}
	if ogs != nil {
		next := ogs.Clone()
		if megolm.MarkSent(next, txnID) {
			if err := s.store.SaveChanges(ctx, &domain.Changes{OutboundGroupSessions: []*domain.OutboundGroupSession{next}}); err != nil {
				return err
			}
		}
	}
	s.pending.Delete(txnID)
	return nil
}

// InvalidateGroupSession forces the next room message to use a new session.
func (s *Service) InvalidateGroupSession(ctx context.Context, room id.RoomID) error {
	unlock := s.lockRoom(room)
	defer unlock()

	ogs, err := s.store.GetOutboundGroupSession(ctx, room)
	if err != nil || ogs == nil || ogs.Invalidated {
		return err
	}
	next := ogs.Clone()
	megolm.Invalidate(next)
	if err := s.store.SaveChanges(ctx, &domain.Changes{OutboundGroupSessions: []*domain.OutboundGroupSession{next}}); err != nil {
		return err
	}
	s.log.Info("group session invalidated", zap.String("room_id", string(room)), zap.String("session_id", string(ogs.SessionID)))
	return nil
}

// OutboundSession returns the current outbound session of room, or nil.
func (s *Service) OutboundSession(ctx context.Context, room id.RoomID) (*domain.OutboundGroupSession, error) {
	return s.store.GetOutboundGroupSession(ctx, room)
}
