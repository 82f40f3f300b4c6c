package olm

import (
	"encoding/base64"
	"errors"
	"fmt"
	"time"

	"olmkit/internal/crypto"
	"olmkit/internal/domain"
	"olmkit/internal/domain/types"
	"olmkit/internal/protocol/ratchet"
	"olmkit/internal/protocol/x3dh"
)

// maxReceivedLog bounds the per-session replay log.
const maxReceivedLog = 1000

// NewOutboundSession starts a sender session towards a device whose one-time
// (or fallback) key was claimed. The caller verifies the key signature first.
func NewOutboundSession(acc *domain.Account, theirIdentity, theirOneTimeKey domain.X25519Public) (*domain.Session, error) {
	basePriv, basePub, err := crypto.GenerateX25519()
	if err != nil {
		return nil, fmt.Errorf("generate base key: %w", err)
	}
	keys, err := x3dh.InitiatorKeys(acc.Identity.XPriv, basePriv, theirIdentity, theirOneTimeKey)
	crypto.Wipe(basePriv[:])
	if err != nil {
		return nil, fmt.Errorf("handshake: %w", err)
	}
	defer keys.Wipe()

	st, err := ratchet.InitAsSender(keys.RootKey, keys.ChainKey)
	if err != nil {
		return nil, err
	}
	now := time.Now().UTC()
	return &domain.Session{
		SessionID:        x3dh.SessionID(acc.Identity.XPub, basePub, theirOneTimeKey),
		Role:             types.RoleSender,
		OurIdentityKey:   acc.Identity.XPub,
		TheirIdentityKey: theirIdentity,
		BaseKey:          basePub,
		OneTimeKey:       theirOneTimeKey,
		Ratchet:          st,
		PreKey: &domain.PreKeyInfo{
			IdentityKey: acc.Identity.XPub,
			BaseKey:     basePub,
			OneTimeKey:  theirOneTimeKey,
		},
		CreatedAt:  now,
		LastUsedAt: now,
	}, nil
}

// NewInboundSession creates a receiver session from a pre-key message sent by
// theirIdentity. The one-time key it consumed is not removed from acc; the
// caller removes it in the same commit that stores the session.
func NewInboundSession(acc *domain.Account, theirIdentity domain.X25519Public, ct domain.OlmCiphertext) (*domain.Session, error) {
	raw, err := decodeBody(ct)
	if err != nil {
		return nil, err
	}
	if ct.Type != types.OlmPreKeyMessage {
		return nil, fmt.Errorf("%w: inbound session needs a pre-key message", domain.ErrProtocolViolation)
	}
	m, err := decodePreKeyMessage(raw)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrProtocolViolation, err)
	}
	if m.Keys.IdentityKey != theirIdentity {
		return nil, fmt.Errorf("%w: pre-key identity does not match sender key", domain.ErrProtocolViolation)
	}
	otkPriv, fallback, ok := findKey(acc, m.Keys.OneTimeKey)
	if !ok {
		return nil, fmt.Errorf("%w: %s", domain.ErrMissingOneTimeKey, m.Keys.OneTimeKey)
	}
	keys, err := x3dh.ResponderKeys(acc.Identity.XPriv, otkPriv, theirIdentity, m.Keys.BaseKey)
	if err != nil {
		return nil, fmt.Errorf("handshake: %w", err)
	}
	defer keys.Wipe()

	now := time.Now().UTC()
	return &domain.Session{
		SessionID:            x3dh.SessionID(theirIdentity, m.Keys.BaseKey, m.Keys.OneTimeKey),
		Role:                 types.RoleReceiver,
		OurIdentityKey:       acc.Identity.XPub,
		TheirIdentityKey:     theirIdentity,
		BaseKey:              m.Keys.BaseKey,
		OneTimeKey:           m.Keys.OneTimeKey,
		Ratchet:              ratchet.InitAsReceiver(keys.RootKey, keys.ChainKey, m.Message.Header.RatchetKey),
		CreatedUsingFallback: fallback,
		CreatedAt:            now,
		LastUsedAt:           now,
	}, nil
}

// MatchesInbound reports whether a pre-key message belongs to s, meaning it
// was produced by the same handshake.
func MatchesInbound(s *domain.Session, ct domain.OlmCiphertext) bool {
	keys, err := PreKeyKeys(ct)
	if err != nil {
		return false
	}
	return s.Role == types.RoleReceiver &&
		keys.IdentityKey == s.TheirIdentityKey &&
		keys.BaseKey == s.BaseKey &&
		keys.OneTimeKey == s.OneTimeKey
}

// Encrypt seals plaintext for the remote device. Until the session has
// received a message the output is a pre-key message.
func Encrypt(s *domain.Session, plaintext []byte) (domain.OlmCiphertext, error) {
	header, ct, err := ratchet.Encrypt(&s.Ratchet, associatedData(s), plaintext)
	if err != nil {
		return domain.OlmCiphertext{}, fmt.Errorf("ratchet encrypt: %w", err)
	}
	s.LastUsedAt = time.Now().UTC()
	msg := message{Header: header, Ciphertext: ct}
	if s.PreKey != nil {
		body := encodePreKeyMessage(preKeyMessage{Keys: *s.PreKey, Message: msg})
		return domain.OlmCiphertext{Type: types.OlmPreKeyMessage, Body: base64.RawStdEncoding.EncodeToString(body)}, nil
	}
	return domain.OlmCiphertext{Type: types.OlmNormalMessage, Body: base64.RawStdEncoding.EncodeToString(encodeMessage(msg))}, nil
}

// Decrypt opens a ciphertext with s. s is modified only on success.
//
// Errors: domain.ErrNoMatchingSession when a pre-key message belongs to another
// handshake, domain.ErrReplayedMessage for an index this session already
// decrypted, domain.ErrRatchetMismatch when authentication fails.
func Decrypt(s *domain.Session, ct domain.OlmCiphertext) ([]byte, error) {
	raw, err := decodeBody(ct)
	if err != nil {
		return nil, err
	}
	var msg message
	switch ct.Type {
	case types.OlmPreKeyMessage:
		pk, err := decodePreKeyMessage(raw)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", domain.ErrProtocolViolation, err)
		}
		if pk.Keys.BaseKey != s.BaseKey || pk.Keys.OneTimeKey != s.OneTimeKey || pk.Keys.IdentityKey != s.TheirIdentityKey {
			return nil, domain.ErrNoMatchingSession
		}
		msg = pk.Message
	case types.OlmNormalMessage:
		if msg, err = decodeMessage(raw); err != nil {
			return nil, fmt.Errorf("%w: %v", domain.ErrProtocolViolation, err)
		}
	default:
		return nil, fmt.Errorf("%w: olm message type %d", domain.ErrProtocolViolation, ct.Type)
	}

	seen := domain.ReceivedIndex{Chain: msg.Header.RatchetKey, Index: msg.Header.Counter}
	if hasReceived(s, seen) {
		return nil, domain.ErrReplayedMessage
	}

	pt, err := ratchet.Decrypt(&s.Ratchet, associatedData(s), msg.Header, msg.Ciphertext)
	switch {
	case err == nil:
	case errors.Is(err, ratchet.ErrSkippedKeyNotFound) && ratchet.HasReceived(&s.Ratchet, msg.Header):
		return nil, fmt.Errorf("%w: %v", domain.ErrReplayedMessage, err)
	default:
		return nil, fmt.Errorf("%w: %v", domain.ErrRatchetMismatch, err)
	}

	s.ReceivedLog = append(s.ReceivedLog, seen)
	if extra := len(s.ReceivedLog) - maxReceivedLog; extra > 0 {
		s.ReceivedLog = append([]domain.ReceivedIndex(nil), s.ReceivedLog[extra:]...)
	}
	// A reply proves the peer holds the session; stop sending pre-key messages.
	s.PreKey = nil
	s.LastUsedAt = time.Now().UTC()
	return pt, nil
}

// HasReceivedMessage reports whether s ever decrypted a message.
func HasReceivedMessage(s *domain.Session) bool {
	return s.PreKey == nil
}

func hasReceived(s *domain.Session, idx domain.ReceivedIndex) bool {
	for i := len(s.ReceivedLog) - 1; i >= 0; i-- {
		if s.ReceivedLog[i] == idx {
			return true
		}
	}
	return false
}

// associatedData binds both identity keys in handshake order.
func associatedData(s *domain.Session) []byte {
	ad := make([]byte, 0, 64)
	if s.Role == types.RoleSender {
		ad = append(ad, s.OurIdentityKey[:]...)
		return append(ad, s.TheirIdentityKey[:]...)
	}
	ad = append(ad, s.TheirIdentityKey[:]...)
	return append(ad, s.OurIdentityKey[:]...)
}

func decodeBody(ct domain.OlmCiphertext) ([]byte, error) {
	raw, err := base64.RawStdEncoding.DecodeString(ct.Body)
	if err != nil {
		return nil, fmt.Errorf("%w: body: %v", domain.ErrProtocolViolation, err)
	}
	return raw, nil
}
