package group

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"go.uber.org/zap"
	"maunium.net/go/mautrix/id"

	"olmkit/internal/domain"
	"olmkit/internal/domain/types"
	"olmkit/internal/metrics"
	"olmkit/internal/protocol/megolm"
)

// ReceiveRoomKey stores the session carried by a decrypted m.room_key event.
// A copy we already hold is kept unless the new one starts earlier.
func (s *Service) ReceiveRoomKey(ctx context.Context, from *domain.DecryptedToDevice) (*domain.InboundGroupSession, error) {
	var content domain.RoomKeyContent
	if err := json.Unmarshal(from.Content, &content); err != nil {
		return nil, fmt.Errorf("%w: room key: %v", domain.ErrProtocolViolation, err)
	}
	if content.Algorithm != types.AlgorithmMegolm {
		return nil, fmt.Errorf("%w: %s", domain.ErrUnsupportedAlgo, content.Algorithm)
	}
	igs, err := megolm.NewInboundGroupSession(content.RoomID, from.SenderKey, from.SigningKey, content.SessionKey)
	if err != nil {
		return nil, err
	}
	if igs.SessionID != content.SessionID {
		return nil, fmt.Errorf("%w: room key session id does not match key", domain.ErrProtocolViolation)
	}
	kept, err := s.storeInbound(ctx, igs)
	if err != nil {
		return nil, err
	}
	s.log.Debug("room key received",
		zap.String("room_id", string(content.RoomID)),
		zap.String("session_id", string(content.SessionID)),
		zap.String("sender", string(from.Sender)),
	)
	return kept, nil
}

// ImportForwardedRoomKey stores a session forwarded by one of our devices.
// The forwarder's key is appended to the forwarding chain.
func (s *Service) ImportForwardedRoomKey(ctx context.Context, from *domain.DecryptedToDevice, content *domain.ForwardedRoomKeyContent) (*domain.InboundGroupSession, error) {
	igs, err := megolm.ImportInboundGroupSession(domain.ExportedRoomKey{
		Algorithm:         content.Algorithm,
		ForwardingChain:   append(append([]string(nil), content.ForwardingKeyChain...), string(from.SenderKey)),
		RoomID:            content.RoomID,
		SenderKey:         content.SenderKey,
		SenderClaimedKeys: domain.SenderClaimedKeys{Ed25519: content.SenderClaimedKey},
		SessionID:         content.SessionID,
		SessionKey:        content.SessionKey,
	})
	if err != nil {
		return nil, err
	}
	return s.storeInbound(ctx, igs)
}

// storeInbound merges igs with any stored copy and persists the winner.
func (s *Service) storeInbound(ctx context.Context, igs *domain.InboundGroupSession) (*domain.InboundGroupSession, error) {
	unlock := s.lockRoom(igs.RoomID)
	defer unlock()

	existing, err := s.store.GetInboundGroupSession(ctx, igs.RoomID, igs.SenderKey, igs.SessionID)
	if err != nil {
		return nil, err
	}
	kept, replaced, err := megolm.Merge(existing, igs)
	if err != nil {
		return nil, err
	}
	if replaced {
		if err := s.store.SaveChanges(ctx, &domain.Changes{InboundGroupSessions: []*domain.InboundGroupSession{kept}}); err != nil {
			return nil, err
		}
	}
	return kept, nil
}

// InboundSession returns a stored inbound session, or nil.
func (s *Service) InboundSession(ctx context.Context, room id.RoomID, senderKey id.Curve25519, sessionID id.SessionID) (*domain.InboundGroupSession, error) {
	return s.store.GetInboundGroupSession(ctx, room, senderKey, sessionID)
}

// DecryptRoomEvent opens a megolm encrypted room event.
func (s *Service) DecryptRoomEvent(ctx context.Context, event *domain.RoomEvent) (*domain.DecryptedRoomEvent, error) {
	out, err := s.decrypt(ctx, event)
	if err != nil {
		s.metrics.DecryptFailed(err)
		s.log.Debug("room event decryption failed",
			zap.String("room_id", string(event.RoomID)),
			zap.String("event_id", string(event.EventID)),
			zap.String("kind", metrics.Kind(err)),
			zap.Error(err),
		)
		return nil, err
	}
	return out, nil
}

func (s *Service) decrypt(ctx context.Context, event *domain.RoomEvent) (*domain.DecryptedRoomEvent, error) {
	c := event.Content
	sid := string(c.SessionID)
	if c.Algorithm != types.AlgorithmMegolm {
		return nil, domain.NewDecryptError(domain.ErrUnsupportedAlgo, sid, fmt.Errorf("%s", c.Algorithm))
	}

	unlock := s.lockRoom(event.RoomID)
	stored, err := s.store.GetInboundGroupSession(ctx, event.RoomID, c.SenderKey, c.SessionID)
	if err != nil {
		unlock()
		return nil, err
	}
	if stored == nil {
		unlock()
		return nil, domain.NewDecryptError(domain.ErrNoMatchingSession, sid, nil)
	}
	igs := stored.Clone()
	pt, index, err := megolm.Decrypt(igs, c.Ciphertext, string(event.EventID))
	if err != nil {
		unlock()
		return nil, domain.NewDecryptError(classify(err), sid, err)
	}
	err = s.store.SaveChanges(ctx, &domain.Changes{InboundGroupSessions: []*domain.InboundGroupSession{igs}})
	unlock()
	if err != nil {
		return nil, err
	}

	var payload domain.MegolmPayload
	if err := json.Unmarshal(pt, &payload); err != nil {
		return nil, domain.NewDecryptError(domain.ErrProtocolViolation, sid, err)
	}
	if payload.RoomID != event.RoomID {
		return nil, domain.NewDecryptError(domain.ErrProtocolViolation, sid, fmt.Errorf("payload room %s differs from event room", payload.RoomID))
	}

	return &domain.DecryptedRoomEvent{
		Type:         payload.Type,
		Content:      payload.Content,
		SenderKey:    c.SenderKey,
		SessionID:    c.SessionID,
		MessageIndex: index,
		Forwarded:    igs.Imported,
		Historical:   igs.Historical,
		SenderTrust:  s.senderTrust(ctx, event.Sender, igs),
	}, nil
}

// senderTrust is the trust of the device that owns the session's sender key,
// and untrusted when that device's signing key differs from the claimed one.
func (s *Service) senderTrust(ctx context.Context, sender id.UserID, igs *domain.InboundGroupSession) domain.TrustLevel {
	if igs.Imported {
		return types.TrustLevelUntrusted
	}
	if acc, err := s.account.Account(ctx); err == nil && sender == acc.UserID && igs.SenderKey == acc.Identity.XPub.Curve25519() {
		return types.TrustLevelOwnDevice
	}
	dev, err := s.identity.DeviceByIdentityKey(ctx, sender, igs.SenderKey)
	if err != nil || dev == nil || dev.SigningKey.Ed25519() != igs.SigningKey {
		return types.TrustLevelUntrusted
	}
	level, err := s.identity.DeviceTrust(ctx, dev.UserID, dev.DeviceID)
	if err != nil {
		return types.TrustLevelUntrusted
	}
	return level
}

func classify(err error) error {
	for _, kind := range []error{
		domain.ErrReplayedMessage,
		domain.ErrOutOfOrderSession,
		domain.ErrSignatureInvalid,
		domain.ErrRatchetMismatch,
		domain.ErrUnsupportedAlgo,
	} {
		if errors.Is(err, kind) {
			return kind
		}
	}
	return domain.ErrProtocolViolation
}
