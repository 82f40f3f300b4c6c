package keyexport

import (
	"bytes"
	"crypto/aes"
	"crypto/cipher"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"crypto/sha512"
	"encoding/base64"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"golang.org/x/crypto/pbkdf2"

	"olmkit/internal/crypto"
	"olmkit/internal/domain"
)

const (
	// DefaultRounds is the PBKDF2 iteration count used for new exports.
	DefaultRounds = 500000

	header    = "-----BEGIN MEGOLM SESSION DATA-----"
	footer    = "-----END MEGOLM SESSION DATA-----"
	lineWidth = 96

	version  = 0x01
	saltLen  = 16
	ivLen    = 16
	roundLen = 4
	macLen   = sha256.Size
	minLen   = 1 + saltLen + ivLen + roundLen + macLen
)

var (
	ErrMalformed     = errors.New("malformed key export")
	ErrBadPassphrase = errors.New("wrong passphrase or corrupted key export")
)

// Encrypt serialises keys and protects them with passphrase. A rounds value of
// zero selects DefaultRounds.
func Encrypt(keys []domain.ExportedRoomKey, passphrase string, rounds uint32) ([]byte, error) {
	if rounds == 0 {
		rounds = DefaultRounds
	}
	if keys == nil {
		keys = []domain.ExportedRoomKey{}
	}
	plaintext, err := json.Marshal(keys)
	if err != nil {
		return nil, fmt.Errorf("marshal keys: %w", err)
	}
	var salt [saltLen]byte
	var iv [ivLen]byte
	if _, err := rand.Read(salt[:]); err != nil {
		return nil, err
	}
	if _, err := rand.Read(iv[:]); err != nil {
		return nil, err
	}
	// Clear bit 63 so the counter cannot wrap inside one export.
	iv[8] &= 0x7f
	return seal(plaintext, passphrase, salt, iv, rounds), nil
}

func seal(plaintext []byte, passphrase string, salt [saltLen]byte, iv [ivLen]byte, rounds uint32) []byte {
	aesKey, macKey := deriveKeys(passphrase, salt[:], rounds)
	defer crypto.Wipe(aesKey)
	defer crypto.Wipe(macKey)

	raw := make([]byte, 0, minLen+len(plaintext))
	raw = append(raw, version)
	raw = append(raw, salt[:]...)
	raw = append(raw, iv[:]...)
	raw = binary.BigEndian.AppendUint32(raw, rounds)
	start := len(raw)
	raw = append(raw, plaintext...)
	block, _ := aes.NewCipher(aesKey)
	cipher.NewCTR(block, iv[:]).XORKeyStream(raw[start:], raw[start:])

	mac := hmac.New(sha256.New, macKey)
	mac.Write(raw)
	raw = mac.Sum(raw)
	return armor(raw)
}

// Decrypt reverses Encrypt.
func Decrypt(data []byte, passphrase string) ([]domain.ExportedRoomKey, error) {
	raw, err := dearmor(data)
	if err != nil {
		return nil, err
	}
	if len(raw) < minLen {
		return nil, fmt.Errorf("%w: %d bytes", ErrMalformed, len(raw))
	}
	if raw[0] != version {
		return nil, fmt.Errorf("%w: version %d", ErrMalformed, raw[0])
	}
	salt := raw[1 : 1+saltLen]
	iv := raw[1+saltLen : 1+saltLen+ivLen]
	rounds := binary.BigEndian.Uint32(raw[1+saltLen+ivLen : 1+saltLen+ivLen+roundLen])
	if rounds == 0 {
		return nil, fmt.Errorf("%w: zero rounds", ErrMalformed)
	}
	body := raw[:len(raw)-macLen]
	tag := raw[len(raw)-macLen:]

	aesKey, macKey := deriveKeys(passphrase, salt, rounds)
	defer crypto.Wipe(aesKey)
	defer crypto.Wipe(macKey)

	mac := hmac.New(sha256.New, macKey)
	mac.Write(body)
	if !hmac.Equal(mac.Sum(nil), tag) {
		return nil, ErrBadPassphrase
	}

	ct := body[1+saltLen+ivLen+roundLen:]
	plaintext := make([]byte, len(ct))
	block, _ := aes.NewCipher(aesKey)
	cipher.NewCTR(block, iv).XORKeyStream(plaintext, ct)

	var keys []domain.ExportedRoomKey
	if err := json.Unmarshal(plaintext, &keys); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	return keys, nil
}

// deriveKeys runs PBKDF2-HMAC-SHA512 and splits the 64 bytes into the AES-256
// key and the HMAC-SHA256 key.
func deriveKeys(passphrase string, salt []byte, rounds uint32) (aesKey, macKey []byte) {
	k := pbkdf2.Key([]byte(passphrase), salt, int(rounds), 64, sha512.New)
	return k[:32], k[32:]
}

func armor(raw []byte) []byte {
	enc := base64.StdEncoding.EncodeToString(raw)
	var b bytes.Buffer
	b.WriteString(header)
	b.WriteByte('\n')
	for len(enc) > lineWidth {
		b.WriteString(enc[:lineWidth])
		b.WriteByte('\n')
		enc = enc[lineWidth:]
	}
	if enc != "" {
		b.WriteString(enc)
		b.WriteByte('\n')
	}
	b.WriteString(footer)
	b.WriteByte('\n')
	return b.Bytes()
}

func dearmor(data []byte) ([]byte, error) {
	text := strings.TrimSpace(string(data))
	if !strings.HasPrefix(text, header) || !strings.HasSuffix(text, footer) {
		return nil, fmt.Errorf("%w: missing armor", ErrMalformed)
	}
	text = strings.TrimSuffix(strings.TrimPrefix(text, header), footer)
	var b strings.Builder
	for _, line := range strings.Split(text, "\n") {
		b.WriteString(strings.TrimSpace(line))
	}
	raw, err := base64.StdEncoding.DecodeString(b.String())
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	return raw, nil
}
