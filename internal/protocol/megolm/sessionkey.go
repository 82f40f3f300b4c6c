package megolm

import (
	"encoding/binary"
	"fmt"

	"olmkit/internal/crypto"
	"olmkit/internal/domain"
	"olmkit/internal/domain/types"
)

const (
	sessionSharingVersion = 0x02
	sessionExportVersion  = 0x01

	exportLen  = 1 + 4 + types.MegolmRatchetSize + 32
	sharingLen = exportLen + signatureLen
)

// sessionKey is the decoded form of a shared or exported session key.
type sessionKey struct {
	Ratchet    domain.MegolmRatchet
	SigningKey domain.Ed25519Public
}

func encodeExport(r domain.MegolmRatchet, pub domain.Ed25519Public, version byte) []byte {
	out := make([]byte, 0, sharingLen)
	out = append(out, version)
	out = binary.BigEndian.AppendUint32(out, r.Counter)
	out = append(out, r.Data[:]...)
	return append(out, pub[:]...)
}

// encodeSharing produces the signed v2 session key handed to recipients.
func encodeSharing(r domain.MegolmRatchet, priv domain.Ed25519Private) string {
	body := encodeExport(r, priv.Public(), sessionSharingVersion)
	body = append(body, crypto.SignEd25519(priv, body)...)
	return types.EncodeKey(body)
}

// decodeSessionKey parses either the signed v2 sharing format or the v1 export
// format.
func decodeSessionKey(s string) (sessionKey, bool, error) {
	raw, err := types.DecodeKey(s)
	if err != nil {
		return sessionKey{}, false, fmt.Errorf("%w: session key: %v", domain.ErrProtocolViolation, err)
	}
	if len(raw) == 0 {
		return sessionKey{}, false, fmt.Errorf("%w: empty session key", domain.ErrProtocolViolation)
	}
	var signed bool
	switch raw[0] {
	case sessionSharingVersion:
		if len(raw) != sharingLen {
			return sessionKey{}, false, fmt.Errorf("%w: session key length %d", domain.ErrProtocolViolation, len(raw))
		}
		signed = true
	case sessionExportVersion:
		if len(raw) != exportLen {
			return sessionKey{}, false, fmt.Errorf("%w: exported key length %d", domain.ErrProtocolViolation, len(raw))
		}
	default:
		return sessionKey{}, false, fmt.Errorf("%w: session key version %d", domain.ErrProtocolViolation, raw[0])
	}

	var k sessionKey
	k.Ratchet.Counter = binary.BigEndian.Uint32(raw[1:5])
	copy(k.Ratchet.Data[:], raw[5:5+types.MegolmRatchetSize])
	copy(k.SigningKey[:], raw[5+types.MegolmRatchetSize:exportLen])
	if signed && !crypto.VerifyEd25519(k.SigningKey, raw[:exportLen], raw[exportLen:]) {
		return sessionKey{}, false, fmt.Errorf("%w: session key", domain.ErrSignatureInvalid)
	}
	return k, signed, nil
}
