package olm

import (
	"crypto/sha256"
	"encoding/base64"
	"encoding/binary"
	"encoding/hex"
	"errors"
	"fmt"

	"maunium.net/go/mautrix/id"

	"olmkit/internal/domain"
	"olmkit/internal/domain/types"
)

const (
	messageVersion = 0x03
	headerLen      = 1 + 32 + 4 + 4
	preKeyLen      = 1 + 32*3
)

var errShortMessage = errors.New("olm message too short")

// message is a decoded normal (type 1) message.
type message struct {
	Header     domain.RatchetHeader
	Ciphertext []byte
}

// preKeyMessage is a decoded pre-key (type 0) message: the handshake keys
// followed by a normal message.
type preKeyMessage struct {
	Keys    domain.PreKeyInfo
	Message message
}

func encodeMessage(m message) []byte {
	out := make([]byte, 0, headerLen+len(m.Ciphertext))
	out = append(out, messageVersion)
	out = append(out, m.Header.RatchetKey[:]...)
	out = binary.BigEndian.AppendUint32(out, m.Header.PreviousCounter)
	out = binary.BigEndian.AppendUint32(out, m.Header.Counter)
	return append(out, m.Ciphertext...)
}

func decodeMessage(b []byte) (message, error) {
	if len(b) < headerLen {
		return message{}, errShortMessage
	}
	if b[0] != messageVersion {
		return message{}, fmt.Errorf("olm message version %d", b[0])
	}
	var m message
	copy(m.Header.RatchetKey[:], b[1:33])
	m.Header.PreviousCounter = binary.BigEndian.Uint32(b[33:37])
	m.Header.Counter = binary.BigEndian.Uint32(b[37:41])
	m.Ciphertext = append([]byte(nil), b[headerLen:]...)
	return m, nil
}

func encodePreKeyMessage(m preKeyMessage) []byte {
	inner := encodeMessage(m.Message)
	out := make([]byte, 0, preKeyLen+len(inner))
	out = append(out, messageVersion)
	out = append(out, m.Keys.IdentityKey[:]...)
	out = append(out, m.Keys.BaseKey[:]...)
	out = append(out, m.Keys.OneTimeKey[:]...)
	return append(out, inner...)
}

func decodePreKeyMessage(b []byte) (preKeyMessage, error) {
	if len(b) < preKeyLen {
		return preKeyMessage{}, errShortMessage
	}
	if b[0] != messageVersion {
		return preKeyMessage{}, fmt.Errorf("olm pre-key message version %d", b[0])
	}
	var m preKeyMessage
	copy(m.Keys.IdentityKey[:], b[1:33])
	copy(m.Keys.BaseKey[:], b[33:65])
	copy(m.Keys.OneTimeKey[:], b[65:97])
	inner, err := decodeMessage(b[preKeyLen:])
	if err != nil {
		return preKeyMessage{}, err
	}
	m.Message = inner
	return m, nil
}

// PreKeyKeys extracts the handshake keys from a pre-key ciphertext.
func PreKeyKeys(ct domain.OlmCiphertext) (domain.PreKeyInfo, error) {
	if ct.Type != types.OlmPreKeyMessage {
		return domain.PreKeyInfo{}, fmt.Errorf("%w: not a pre-key message", domain.ErrProtocolViolation)
	}
	raw, err := base64.RawStdEncoding.DecodeString(ct.Body)
	if err != nil {
		return domain.PreKeyInfo{}, fmt.Errorf("%w: body: %v", domain.ErrProtocolViolation, err)
	}
	m, err := decodePreKeyMessage(raw)
	if err != nil {
		return domain.PreKeyInfo{}, fmt.Errorf("%w: %v", domain.ErrProtocolViolation, err)
	}
	return m.Keys, nil
}

// MessageHash identifies a ciphertext for replay detection across sessions.
func MessageHash(senderKey id.Curve25519, ct domain.OlmCiphertext) string {
	h := sha256.New()
	h.Write([]byte(senderKey))
	h.Write([]byte{byte(ct.Type)})
	h.Write([]byte(ct.Body))
	return hex.EncodeToString(h.Sum(nil))
}
