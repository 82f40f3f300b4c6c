package megolm

import (
	"bytes"
	"fmt"
	"time"

	"maunium.net/go/mautrix/id"

	"olmkit/internal/crypto"
	"olmkit/internal/domain"
	"olmkit/internal/domain/types"
)

// NewInboundGroupSession creates the receiving half from a signed session key
// received in an m.room_key event. signingKey is the Ed25519 key the sending
// device claimed.
func NewInboundGroupSession(room id.RoomID, senderKey id.Curve25519, signingKey id.Ed25519, sessionKey string) (*domain.InboundGroupSession, error) {
	k, signed, err := decodeSessionKey(sessionKey)
	if err != nil {
		return nil, err
	}
	if !signed {
		return nil, fmt.Errorf("%w: room key must use the signed format", domain.ErrProtocolViolation)
	}
	return newInbound(room, senderKey, signingKey, k), nil
}

// ImportInboundGroupSession creates a session from an exported or forwarded
// key. The result is flagged as imported.
func ImportInboundGroupSession(key domain.ExportedRoomKey) (*domain.InboundGroupSession, error) {
	if key.Algorithm != "" && key.Algorithm != types.AlgorithmMegolm {
		return nil, fmt.Errorf("%w: %s", domain.ErrUnsupportedAlgo, key.Algorithm)
	}
	k, _, err := decodeSessionKey(key.SessionKey)
	if err != nil {
		return nil, err
	}
	if id.SessionID(k.SigningKey.String()) != key.SessionID {
		return nil, fmt.Errorf("%w: session id does not match key", domain.ErrProtocolViolation)
	}
	s := newInbound(key.RoomID, key.SenderKey, key.SenderClaimedKeys.Ed25519, k)
	s.Imported = true
	s.ForwardingChain = append([]string(nil), key.ForwardingChain...)
	return s, nil
}

func newInbound(room id.RoomID, senderKey id.Curve25519, signingKey id.Ed25519, k sessionKey) *domain.InboundGroupSession {
	return &domain.InboundGroupSession{
		RoomID:      room,
		SenderKey:   senderKey,
		SigningKey:  signingKey,
		SessionID:   id.SessionID(k.SigningKey.String()),
		Initial:     k.Ratchet,
		Latest:      k.Ratchet,
		SeenIndices: map[uint32]string{},
		CreatedAt:   time.Now().UTC(),
	}
}

// Decrypt opens a megolm message. eventID ties the index to one event so a
// re-delivery of the same event decrypts again while a different event at a
// known index is reported as a replay. s is modified only on success.
func Decrypt(s *domain.InboundGroupSession, ciphertext string, eventID string) ([]byte, uint32, error) {
	raw, err := types.DecodeKey(ciphertext)
	if err != nil {
		return nil, 0, fmt.Errorf("%w: ciphertext: %v", domain.ErrProtocolViolation, err)
	}
	msg, err := decodeMessage(raw)
	if err != nil {
		return nil, 0, fmt.Errorf("%w: %v", domain.ErrProtocolViolation, err)
	}

	sessionPub, err := types.ParseEd25519(id.Ed25519(s.SessionID))
	if err != nil {
		return nil, 0, fmt.Errorf("%w: session id: %v", domain.ErrProtocolViolation, err)
	}
	if !crypto.VerifyEd25519(sessionPub, msg.Signed, msg.Signature) {
		return nil, msg.Index, fmt.Errorf("%w: megolm message", domain.ErrSignatureInvalid)
	}
	if msg.Index < s.Initial.Counter {
		return nil, msg.Index, domain.ErrOutOfOrderSession
	}
	if prev, ok := s.SeenIndices[msg.Index]; ok && prev != eventID {
		return nil, msg.Index, fmt.Errorf("%w: index %d already used by %s", domain.ErrReplayedMessage, msg.Index, prev)
	}

	r := s.Initial
	if msg.Index >= s.Latest.Counter {
		r = s.Latest
	}
	AdvanceTo(&r, msg.Index)
	keys := deriveKeys(&r)
	if !keys.Check(msg.MAC, msg.Body) {
		return nil, msg.Index, fmt.Errorf("%w: megolm mac", domain.ErrRatchetMismatch)
	}
	pt, err := keys.Decrypt(msg.Ciphertext)
	if err != nil {
		return nil, msg.Index, fmt.Errorf("%w: %v", domain.ErrRatchetMismatch, err)
	}

	if msg.Index > s.Latest.Counter {
		s.Latest = r
	}
	if s.SeenIndices == nil {
		s.SeenIndices = map[uint32]string{}
	}
	s.SeenIndices[msg.Index] = eventID
	return pt, msg.Index, nil
}

// ExportAt returns the v1 export key starting at index.
func ExportAt(s *domain.InboundGroupSession, index uint32) (string, error) {
	if index < s.Initial.Counter {
		return "", domain.ErrOutOfOrderSession
	}
	r := s.Initial
	if index >= s.Latest.Counter {
		r = s.Latest
	}
	AdvanceTo(&r, index)
	pub, err := types.ParseEd25519(id.Ed25519(s.SessionID))
	if err != nil {
		return "", fmt.Errorf("%w: session id: %v", domain.ErrProtocolViolation, err)
	}
	return types.EncodeKey(encodeExport(r, pub, sessionExportVersion)), nil
}

// Export returns the key export entry for s at its first known index.
func Export(s *domain.InboundGroupSession) (domain.ExportedRoomKey, error) {
	key, err := ExportAt(s, s.Initial.Counter)
	if err != nil {
		return domain.ExportedRoomKey{}, err
	}
	return domain.ExportedRoomKey{
		Algorithm:         types.AlgorithmMegolm,
		ForwardingChain:   append([]string{}, s.ForwardingChain...),
		RoomID:            s.RoomID,
		SenderKey:         s.SenderKey,
		SenderClaimedKeys: domain.SenderClaimedKeys{Ed25519: s.SigningKey},
		SessionID:         s.SessionID,
		SessionKey:        key,
	}, nil
}

// Merge decides which of two copies of the same session to keep. The copy
// with the lowest first known index wins; on a tie a key received directly
// from the sender beats an imported one. A candidate whose ratchet does not
// agree with the existing copy is rejected.
func Merge(existing, candidate *domain.InboundGroupSession) (*domain.InboundGroupSession, bool, error) {
	if existing == nil {
		return candidate, true, nil
	}
	if existing.SessionID != candidate.SessionID || existing.SenderKey != candidate.SenderKey {
		return nil, false, fmt.Errorf("%w: merging different sessions", domain.ErrProtocolViolation)
	}
	if !consistent(existing, candidate) {
		return existing, false, fmt.Errorf("%w: conflicting keys for session %s", domain.ErrRatchetMismatch, existing.SessionID)
	}

	replace := candidate.FirstKnownIndex() < existing.FirstKnownIndex() ||
		(candidate.FirstKnownIndex() == existing.FirstKnownIndex() && existing.Imported && !candidate.Imported)
	if !replace {
		return existing, false, nil
	}
	merged := candidate.Clone()
	for idx, ev := range existing.SeenIndices {
		if merged.SeenIndices == nil {
			merged.SeenIndices = map[uint32]string{}
		}
		merged.SeenIndices[idx] = ev
	}
	if existing.Latest.Counter > merged.Latest.Counter {
		merged.Latest = existing.Latest
	}
	return merged, true, nil
}

// consistent advances the earlier ratchet to the later one's first index and
// compares the data.
func consistent(a, b *domain.InboundGroupSession) bool {
	lo, hi := a.Initial, b.Initial
	if lo.Counter > hi.Counter {
		lo, hi = hi, lo
	}
	AdvanceTo(&lo, hi.Counter)
	return bytes.Equal(lo.Data[:], hi.Data[:])
}
