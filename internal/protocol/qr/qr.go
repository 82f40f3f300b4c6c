package qr

import (
	"bytes"
	"crypto/rand"
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/skip2/go-qrcode"

	"olmkit/internal/domain/types"
)

const (
	prefix  = "MATRIX"
	version = 0x02
	// SecretLen is the size of the shared secret embedded in a code.
	SecretLen = 16
	minSecret = 8
)

// Mode says what the two embedded keys are.
type Mode byte

const (
	// ModeVerifyOtherUser: first key is our master key, second theirs.
	ModeVerifyOtherUser Mode = 0x00
	// ModeSelfTrusted: first key is our master key, second the other device's key.
	ModeSelfTrusted Mode = 0x01
	// ModeSelfUntrusted: first key is our device key, second our master key.
	ModeSelfUntrusted Mode = 0x02
)

var ErrInvalidCode = errors.New("invalid qr code payload")

// Code is the content of a verification QR code.
type Code struct {
	Mode      Mode
	FlowID    string
	FirstKey  [32]byte
	SecondKey [32]byte
	Secret    []byte
}

// NewSecret returns a fresh random shared secret.
func NewSecret() ([]byte, error) {
	s := make([]byte, SecretLen)
	if _, err := rand.Read(s); err != nil {
		return nil, err
	}
	return s, nil
}

// Encode serialises the code:
//
//	"MATRIX" | 0x02 | mode | u16 BE flow id length | flow id | key1 | key2 | secret
func (c Code) Encode() []byte {
	out := make([]byte, 0, len(prefix)+4+len(c.FlowID)+64+len(c.Secret))
	out = append(out, prefix...)
	out = append(out, version, byte(c.Mode))
	out = binary.BigEndian.AppendUint16(out, uint16(len(c.FlowID)))
	out = append(out, c.FlowID...)
	out = append(out, c.FirstKey[:]...)
	out = append(out, c.SecondKey[:]...)
	return append(out, c.Secret...)
}

// Decode parses a scanned payload.
func Decode(b []byte) (Code, error) {
	head := len(prefix) + 4
	if len(b) < head || !bytes.Equal(b[:len(prefix)], []byte(prefix)) {
		return Code{}, fmt.Errorf("%w: missing prefix", ErrInvalidCode)
	}
	if b[len(prefix)] != version {
		return Code{}, fmt.Errorf("%w: version %d", ErrInvalidCode, b[len(prefix)])
	}
	c := Code{Mode: Mode(b[len(prefix)+1])}
	if c.Mode > ModeSelfUntrusted {
		return Code{}, fmt.Errorf("%w: mode %d", ErrInvalidCode, c.Mode)
	}
	n := int(binary.BigEndian.Uint16(b[len(prefix)+2 : head]))
	rest := b[head:]
	if len(rest) < n+64+minSecret {
		return Code{}, fmt.Errorf("%w: too short", ErrInvalidCode)
	}
	c.FlowID = string(rest[:n])
	copy(c.FirstKey[:], rest[n:n+32])
	copy(c.SecondKey[:], rest[n+32:n+64])
	c.Secret = append([]byte(nil), rest[n+64:]...)
	return c, nil
}

// SecretString is the unpadded base64 secret echoed in m.reciprocate.v1.
func (c Code) SecretString() string { return types.EncodeKey(c.Secret) }

// PNG renders the code as a PNG image of size x size pixels.
func (c Code) PNG(size int) ([]byte, error) {
	q, err := qrcode.New(string(c.Encode()), qrcode.High)
	if err != nil {
		return nil, fmt.Errorf("generate qr code: %w", err)
	}
	return q.PNG(size)
}
