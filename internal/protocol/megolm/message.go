package megolm

import (
	"encoding/binary"
	"errors"
	"fmt"

	"olmkit/internal/crypto"
	"olmkit/internal/domain"
)

const (
	messageVersion = 0x03
	signatureLen   = 64

	tagIndex      = 0x08
	tagCiphertext = 0x12

	keysInfo = "MEGOLM_KEYS"
)

var errMalformed = errors.New("malformed megolm message")

func deriveKeys(r *domain.MegolmRatchet) crypto.MessageKeys {
	return crypto.DeriveMessageKeys(r.Data[:], keysInfo)
}

// encodeBody writes version, index and ciphertext in protobuf framing.
func encodeBody(index uint32, ciphertext []byte) []byte {
	out := make([]byte, 0, 1+1+5+1+5+len(ciphertext)+crypto.MACLen+signatureLen)
	out = append(out, messageVersion, tagIndex)
	out = binary.AppendUvarint(out, uint64(index))
	out = append(out, tagCiphertext)
	out = binary.AppendUvarint(out, uint64(len(ciphertext)))
	return append(out, ciphertext...)
}

// parsedMessage is a decoded megolm message. Body covers everything the MAC
// authenticates and Signed everything the signature covers.
type parsedMessage struct {
	Index      uint32
	Ciphertext []byte
	Body       []byte
	MAC        []byte
	Signed     []byte
	Signature  []byte
}

func decodeMessage(raw []byte) (*parsedMessage, error) {
	if len(raw) < 1+crypto.MACLen+signatureLen {
		return nil, errMalformed
	}
	if raw[0] != messageVersion {
		return nil, fmt.Errorf("%w: version %d", errMalformed, raw[0])
	}
	signed := raw[:len(raw)-signatureLen]
	body := signed[:len(signed)-crypto.MACLen]
	m := &parsedMessage{
		Body:      body,
		MAC:       signed[len(signed)-crypto.MACLen:],
		Signed:    signed,
		Signature: raw[len(raw)-signatureLen:],
	}

	var haveIndex, haveCiphertext bool
	pos := 1
	for pos < len(body) {
		tag := body[pos]
		pos++
		switch tag {
		case tagIndex:
			v, n := binary.Uvarint(body[pos:])
			if n <= 0 || v > uint64(^uint32(0)) {
				return nil, errMalformed
			}
			m.Index = uint32(v)
			pos += n
			haveIndex = true
		case tagCiphertext:
			l, n := binary.Uvarint(body[pos:])
			if n <= 0 || l > uint64(len(body)-pos-n) {
				return nil, errMalformed
			}
			pos += n
			m.Ciphertext = body[pos : pos+int(l)]
			pos += int(l)
			haveCiphertext = true
		default:
			return nil, fmt.Errorf("%w: unknown tag 0x%02x", errMalformed, tag)
		}
	}
	if !haveIndex || !haveCiphertext {
		return nil, errMalformed
	}
	return m, nil
}
