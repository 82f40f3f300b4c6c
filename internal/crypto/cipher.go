package crypto

import (
	"bytes"
	"crypto/aes"
	"crypto/cipher"
	"crypto/hmac"
	"crypto/sha256"
	"errors"
	"io"

	"golang.org/x/crypto/hkdf"
)

// MACLen is the length of the truncated HMAC appended to ratchet messages.
const MACLen = 8

// ErrBadPadding is returned for ciphertexts that do not decrypt to valid
// PKCS#7 padding.
var ErrBadPadding = errors.New("bad padding")

// MessageKeys are the AES-256 key, HMAC-SHA256 key and CBC IV that one
// ratchet step yields. Olm and megolm both expand their ratchet output this
// way, under different info strings.
type MessageKeys struct {
	AES []byte
	MAC []byte
	IV  []byte
}

// DeriveMessageKeys expands secret with HKDF-SHA256 (zero salt) into 80 bytes
// of key material.
func DeriveMessageKeys(secret []byte, info string) MessageKeys {
	out := make([]byte, 32+32+aes.BlockSize)
	_, _ = io.ReadFull(hkdf.New(sha256.New, secret, nil, []byte(info)), out)
	return MessageKeys{AES: out[:32], MAC: out[32:64], IV: out[64:]}
}

// Encrypt pads plaintext with PKCS#7 and encrypts it with AES-256-CBC.
func (k MessageKeys) Encrypt(plaintext []byte) []byte {
	block, _ := aes.NewCipher(k.AES)
	pad := aes.BlockSize - len(plaintext)%aes.BlockSize
	buf := append(append(make([]byte, 0, len(plaintext)+pad), plaintext...), bytes.Repeat([]byte{byte(pad)}, pad)...)
	cipher.NewCBCEncrypter(block, k.IV).CryptBlocks(buf, buf)
	return buf
}

// Decrypt reverses Encrypt.
func (k MessageKeys) Decrypt(ciphertext []byte) ([]byte, error) {
	if len(ciphertext) == 0 || len(ciphertext)%aes.BlockSize != 0 {
		return nil, ErrBadPadding
	}
	block, _ := aes.NewCipher(k.AES)
	out := make([]byte, len(ciphertext))
	cipher.NewCBCDecrypter(block, k.IV).CryptBlocks(out, ciphertext)
	pad := int(out[len(out)-1])
	if pad == 0 || pad > aes.BlockSize || !bytes.Equal(out[len(out)-pad:], bytes.Repeat([]byte{byte(pad)}, pad)) {
		return nil, ErrBadPadding
	}
	return out[:len(out)-pad], nil
}

// Tag returns the HMAC-SHA256 of the concatenated parts truncated to MACLen.
func (k MessageKeys) Tag(parts ...[]byte) []byte {
	m := hmac.New(sha256.New, k.MAC)
	for _, p := range parts {
		m.Write(p)
	}
	return m.Sum(nil)[:MACLen]
}

// Check compares tag against Tag(parts...) in constant time.
func (k MessageKeys) Check(tag []byte, parts ...[]byte) bool {
	return hmac.Equal(k.Tag(parts...), tag)
}

// Wipe zeroes the key material.
func (k MessageKeys) Wipe() {
	Wipe(k.AES)
	Wipe(k.MAC)
	Wipe(k.IV)
}
