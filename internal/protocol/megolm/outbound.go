package megolm

import (
	"crypto/rand"
	"fmt"
	"time"

	"maunium.net/go/mautrix/id"

	"olmkit/internal/crypto"
	"olmkit/internal/domain"
	"olmkit/internal/domain/types"
)

// Rotation defaults used when a room does not configure its own.
const (
	DefaultRotationPeriod   = 7 * 24 * time.Hour
	DefaultRotationMessages = 100
)

// DefaultSettings returns the rotation policy applied to rooms without explicit settings.
func DefaultSettings() domain.GroupEncryptionSettings {
	return domain.GroupEncryptionSettings{
		Algorithm:        types.AlgorithmMegolm,
		RotationPeriod:   DefaultRotationPeriod,
		RotationMessages: DefaultRotationMessages,
	}
}

// NewOutboundGroupSession starts a fresh session at index 0.
func NewOutboundGroupSession(room id.RoomID, settings domain.GroupEncryptionSettings) (*domain.OutboundGroupSession, error) {
	var r domain.MegolmRatchet
	if _, err := rand.Read(r.Data[:]); err != nil {
		return nil, fmt.Errorf("ratchet seed: %w", err)
	}
	priv, pub, err := crypto.GenerateEd25519()
	if err != nil {
		return nil, fmt.Errorf("signing key: %w", err)
	}
	if settings.RotationPeriod <= 0 {
		settings.RotationPeriod = DefaultRotationPeriod
	}
	if settings.RotationMessages == 0 {
		settings.RotationMessages = DefaultRotationMessages
	}
	return &domain.OutboundGroupSession{
		RoomID:     room,
		SessionID:  id.SessionID(pub.String()),
		Ratchet:    r,
		SigningKey: priv,
		Settings:   settings,
		CreatedAt:  time.Now().UTC(),
		SharedWith: map[id.UserID]map[id.DeviceID]domain.ShareInfo{},
	}, nil
}

// Encrypt seals plaintext at the current index and advances the ratchet. The
// result is the unpadded base64 message and the index it was sent at.
func Encrypt(s *domain.OutboundGroupSession, plaintext []byte) (string, uint32, error) {
	if s.Invalidated {
		return "", 0, fmt.Errorf("%w: outbound session %s was invalidated", domain.ErrProtocolViolation, s.SessionID)
	}
	index := s.Ratchet.Counter
	keys := deriveKeys(&s.Ratchet)
	body := encodeBody(index, keys.Encrypt(plaintext))
	body = append(body, keys.Tag(body)...)
	body = append(body, crypto.SignEd25519(s.SigningKey, body)...)

	Advance(&s.Ratchet)
	s.MessageCount++
	return types.EncodeKey(body), index, nil
}

// MessageIndex is the index the next message will use.
func MessageIndex(s *domain.OutboundGroupSession) uint32 {
	return s.Ratchet.Counter
}

// SessionKey returns the signed key that lets recipients decrypt from the
// current index onwards.
func SessionKey(s *domain.OutboundGroupSession) string {
	return encodeSharing(s.Ratchet, s.SigningKey)
}

// ShouldRotate reports whether the session hit its message or age limit or
// was invalidated by a membership change.
func ShouldRotate(s *domain.OutboundGroupSession, now time.Time) bool {
	if s.Invalidated {
		return true
	}
	if s.Settings.RotationMessages > 0 && s.MessageCount >= s.Settings.RotationMessages {
		return true
	}
	return s.Settings.RotationPeriod > 0 && now.Sub(s.CreatedAt) >= s.Settings.RotationPeriod
}

// Invalidate retires the session for further encryption.
func Invalidate(s *domain.OutboundGroupSession) {
	s.Invalidated = true
}

// MarkShared records that a device was handed the key at the current index.
func MarkShared(s *domain.OutboundGroupSession, user id.UserID, device id.DeviceID, identityKey domain.X25519Public, txnID string) {
	if s.SharedWith == nil {
		s.SharedWith = map[id.UserID]map[id.DeviceID]domain.ShareInfo{}
	}
	if s.SharedWith[user] == nil {
		s.SharedWith[user] = map[id.DeviceID]domain.ShareInfo{}
	}
	s.SharedWith[user][device] = domain.ShareInfo{
		State:        types.SharePending,
		MessageIndex: s.Ratchet.Counter,
		IdentityKey:  identityKey,
		TxnID:        txnID,
	}
}

// AddPendingRequest keeps req with the session until MarkSent.
func AddPendingRequest(s *domain.OutboundGroupSession, req *domain.ToDeviceRequest) {
	if s.PendingRequests == nil {
		s.PendingRequests = map[string]*domain.ToDeviceRequest{}
	}
	s.PendingRequests[req.TxnID] = req
}

// MarkSent flips every pending share of txnID to sent, drops the kept
// request and reports whether anything changed.
func MarkSent(s *domain.OutboundGroupSession, txnID string) bool {
	_, changed := s.PendingRequests[txnID]
	delete(s.PendingRequests, txnID)
	for _, devs := range s.SharedWith {
		for d, info := range devs {
			if info.TxnID == txnID && info.State == types.SharePending {
				info.State = types.ShareSent
				devs[d] = info
				changed = true
			}
		}
	}
	return changed
}
