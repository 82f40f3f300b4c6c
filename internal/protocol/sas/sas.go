package sas

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"fmt"
	"io"
	"sort"
	"strings"

	"golang.org/x/crypto/hkdf"
	"maunium.net/go/mautrix/id"

	"olmkit/internal/crypto"
	"olmkit/internal/domain"
)

const (
	sasInfoPrefix = "OLMKIT_KEY_VERIFICATION_SAS"
	macInfoPrefix = "OLMKIT_KEY_VERIFICATION_MAC"

	// BytesLen is the number of SAS bytes derived per flow.
	BytesLen = 6
	// KeyIDsField is the MAC entry covering the list of verified key ids.
	KeyIDsField = "KEY_IDS"
)

// Party is one side of a key exchange.
type Party struct {
	UserID       id.UserID
	DeviceID     id.DeviceID
	DeviceKey    id.Ed25519
	EphemeralKey domain.X25519Public
}

func (p Party) transcript() string {
	return strings.Join([]string{string(p.UserID), string(p.DeviceID), string(p.DeviceKey), p.EphemeralKey.String()}, "|")
}

// Emoji is one symbol of the emoji rendering.
type Emoji struct {
	Symbol      string `json:"symbol"`
	Description string `json:"description"`
}

// String is the short authentication string in both renderings.
type String struct {
	Emoji    []Emoji   `json:"emoji"`
	Decimals [3]uint16 `json:"decimals"`
}

// Equal reports whether two strings would look the same to a user.
func (s String) Equal(o String) bool {
	if s.Decimals != o.Decimals || len(s.Emoji) != len(o.Emoji) {
		return false
	}
	for i := range s.Emoji {
		if s.Emoji[i] != o.Emoji[i] {
			return false
		}
	}
	return true
}

// Commitment hashes the accepting side's ephemeral key with the canonical start
// content. It is sent before the key so the key cannot be chosen after seeing
// the other one.
func Commitment(ephemeral domain.X25519Public, startContent any) (string, error) {
	canonical, err := crypto.CanonicalJSON(startContent)
	if err != nil {
		return "", fmt.Errorf("canonical start content: %w", err)
	}
	h := sha256.New()
	h.Write([]byte(ephemeral.String()))
	h.Write(canonical)
	return base64.RawStdEncoding.EncodeToString(h.Sum(nil)), nil
}

// SharedSecret runs X25519 between our ephemeral key and theirs.
func SharedSecret(ours domain.X25519Private, theirs domain.X25519Public) ([32]byte, error) {
	return crypto.DH(ours, theirs)
}

// Bytes derives the SAS bytes. The two parties are sorted so both sides build
// the same transcript whichever of them started the flow.
func Bytes(secret [32]byte, a, b Party, flowID string) []byte {
	parts := []string{a.transcript(), b.transcript()}
	sort.Strings(parts)
	info := sasInfoPrefix + "|" + parts[0] + "|" + parts[1] + "|" + flowID
	out := make([]byte, BytesLen)
	_, _ = io.ReadFull(hkdf.New(sha256.New, secret[:], nil, []byte(info)), out)
	return out
}

// Derive returns the short authentication string for a flow.
func Derive(secret [32]byte, a, b Party, flowID string) String {
	return FromBytes(Bytes(secret, a, b, flowID))
}

// FromBytes renders six SAS bytes as seven emoji (6 bits each) and three
// numbers (13 bits each, offset by 1000).
func FromBytes(b []byte) String {
	var s String
	bits := uint64(0)
	for i := 0; i < BytesLen; i++ {
		bits = bits<<8 | uint64(b[i])
	}
	for i := 0; i < 7; i++ {
		idx := (bits >> (48 - 6*(i+1))) & 0x3f
		s.Emoji = append(s.Emoji, emojiTable[idx])
	}
	s.Decimals[0] = (uint16(b[0])<<5 | uint16(b[1])>>3) + 1000
	s.Decimals[1] = ((uint16(b[1])&0x7)<<10 | uint16(b[2])<<2 | uint16(b[3])>>6) + 1000
	s.Decimals[2] = ((uint16(b[3])&0x3f)<<7 | uint16(b[4])>>1) + 1000
	return s
}

// MAC authenticates message (a key or the key id list) from sender to receiver.
func MAC(secret [32]byte, sender, receiver Party, flowID string, keyID id.KeyID, message string) string {
	info := strings.Join([]string{
		macInfoPrefix,
		string(sender.UserID), string(sender.DeviceID),
		string(receiver.UserID), string(receiver.DeviceID),
		flowID, string(keyID),
	}, "|")
	key := make([]byte, 32)
	_, _ = io.ReadFull(hkdf.New(sha256.New, secret[:], nil, []byte(info)), key)
	m := hmac.New(sha256.New, key)
	m.Write([]byte(message))
	crypto.Wipe(key)
	return base64.RawStdEncoding.EncodeToString(m.Sum(nil))
}

// KeyIDList is the sorted, comma separated list MACed under KeyIDsField.
func KeyIDList(ids []id.KeyID) string {
	s := make([]string, len(ids))
	for i, k := range ids {
		s[i] = string(k)
	}
	sort.Strings(s)
	return strings.Join(s, ",")
}

// VerifyMAC compares a received MAC in constant time.
func VerifyMAC(secret [32]byte, sender, receiver Party, flowID string, keyID id.KeyID, message, mac string) bool {
	want := MAC(secret, sender, receiver, flowID, keyID, message)
	return hmac.Equal([]byte(want), []byte(mac))
}
