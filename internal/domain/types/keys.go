package types

import (
	"crypto/ed25519"
	"encoding/base64"
	"fmt"
	"strings"

	"maunium.net/go/mautrix/id"
)

// X25519Public is a Curve25519 public key.
type X25519Public [32]byte

// Slice returns the key as a []byte.
func (p X25519Public) Slice() []byte { return p[:] }

// String returns the unpadded base64 form used on the wire.
func (p X25519Public) String() string { return EncodeKey(p[:]) }

// Curve25519 returns the key as a Matrix identity key string.
func (p X25519Public) Curve25519() id.Curve25519 { return id.Curve25519(p.String()) }

// IsZero reports whether the key is unset.
func (p X25519Public) IsZero() bool { return p == X25519Public{} }

func (p X25519Public) MarshalText() ([]byte, error) { return []byte(p.String()), nil }

func (p *X25519Public) UnmarshalText(b []byte) error { return decodeFixed(p[:], string(b)) }

// X25519Private is a Curve25519 private key.
type X25519Private [32]byte

// Slice returns the key as a []byte.
func (k X25519Private) Slice() []byte { return k[:] }

func (k X25519Private) MarshalText() ([]byte, error) { return []byte(EncodeKey(k[:])), nil }

func (k *X25519Private) UnmarshalText(b []byte) error { return decodeFixed(k[:], string(b)) }

// Ed25519Public is an Ed25519 signing public key.
type Ed25519Public [32]byte

// Slice returns the key as a []byte.
func (p Ed25519Public) Slice() []byte { return p[:] }

// String returns the unpadded base64 form used on the wire.
func (p Ed25519Public) String() string { return EncodeKey(p[:]) }

// Ed25519 returns the key as a Matrix signing key string.
func (p Ed25519Public) Ed25519() id.Ed25519 { return id.Ed25519(p.String()) }

// IsZero reports whether the key is unset.
func (p Ed25519Public) IsZero() bool { return p == Ed25519Public{} }

func (p Ed25519Public) MarshalText() ([]byte, error) { return []byte(p.String()), nil }

func (p *Ed25519Public) UnmarshalText(b []byte) error { return decodeFixed(p[:], string(b)) }

// Ed25519Private is an Ed25519 signing private key.
type Ed25519Private [64]byte

// Slice returns the key as a []byte.
func (k Ed25519Private) Slice() []byte { return k[:] }

// Public returns the public half embedded in the private key.
func (k Ed25519Private) Public() Ed25519Public {
	var pub Ed25519Public
	copy(pub[:], k[ed25519.SeedSize:])
	return pub
}

// IsZero reports whether the key is unset.
func (k Ed25519Private) IsZero() bool { return k == Ed25519Private{} }

func (k Ed25519Private) MarshalText() ([]byte, error) { return []byte(EncodeKey(k[:])), nil }

func (k *Ed25519Private) UnmarshalText(b []byte) error { return decodeFixed(k[:], string(b)) }

// EncodeKey encodes key material as unpadded standard base64.
func EncodeKey(b []byte) string { return base64.RawStdEncoding.EncodeToString(b) }

// DecodeKey accepts padded or unpadded standard base64.
func DecodeKey(s string) ([]byte, error) {
	return base64.RawStdEncoding.DecodeString(strings.TrimRight(s, "="))
}

// ParseCurve25519 decodes a Matrix identity key string.
func ParseCurve25519(s id.Curve25519) (X25519Public, error) {
	var p X25519Public
	return p, decodeFixed(p[:], string(s))
}

// ParseEd25519 decodes a Matrix signing key string.
func ParseEd25519(s id.Ed25519) (Ed25519Public, error) {
	var p Ed25519Public
	return p, decodeFixed(p[:], string(s))
}

func decodeFixed(dst []byte, s string) error {
	b, err := DecodeKey(s)
	if err != nil {
		return err
	}
	if len(b) != len(dst) {
		return fmt.Errorf("key length %d, want %d", len(b), len(dst))
	}
	copy(dst, b)
	return nil
}
