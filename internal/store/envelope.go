package store

import (
	"crypto/cipher"
	"crypto/rand"
	"encoding/json"
	"errors"
	"fmt"

	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/scrypt"

	"olmkit/internal/crypto"
)

const (
	// The current supported version of the sealed value format.
	envelopeFormatVersion = 1

	checkPlaintext = "olmkit store check"
)

var (
	// ErrWrongPassphrase is returned when the passphrase does not open the store
	// or a sealed value was modified.
	ErrWrongPassphrase = errors.New("wrong passphrase or corrupted store")

	errShortValue = errors.New("sealed value too short")
)

// kdfParams is the unsealed record holding the salt and scrypt parameters the
// store key was derived with.
type kdfParams struct {
	V    int    `json:"v"`
	Salt []byte `json:"salt"`
	N    int    `json:"scrypt_N"`
	R    int    `json:"scrypt_r"`
	P    int    `json:"scrypt_p"`
}

// Tunables for scrypt key derivation.
func scryptParamsDefault() (N, r, p int) { return 1 << 15, 8, 1 }

func newKDFParams() (kdfParams, error) {
	var salt [16]byte
	if _, err := rand.Read(salt[:]); err != nil {
		return kdfParams{}, err
	}
	n, r, p := scryptParamsDefault()
	return kdfParams{V: envelopeFormatVersion, Salt: salt[:], N: n, R: r, P: p}, nil
}

func parseKDFParams(b []byte) (kdfParams, error) {
	var kp kdfParams
	if err := json.Unmarshal(b, &kp); err != nil {
		return kdfParams{}, err
	}
	if kp.V > envelopeFormatVersion {
		return kdfParams{}, fmt.Errorf("unsupported store version %d", kp.V)
	}
	return kp, nil
}

// sealer encrypts values under a key derived once from the passphrase. Every
// value gets a fresh random nonce and is bound to its storage key.
type sealer struct {
	aead cipher.AEAD
}

func newSealer(passphrase string, kp kdfParams) (*sealer, error) {
	key, err := scrypt.Key([]byte(passphrase), kp.Salt, kp.N, kp.R, kp.P, chacha20poly1305.KeySize)
	if err != nil {
		return nil, err
	}
	aead, err := chacha20poly1305.New(key)
	if err != nil {
		return nil, err
	}
	crypto.Wipe(key)
	return &sealer{aead: aead}, nil
}

// seal returns nonce | ciphertext.
func (s *sealer) seal(key string, raw []byte) ([]byte, error) {
	nonce := make([]byte, s.aead.NonceSize(), s.aead.NonceSize()+len(raw)+s.aead.Overhead())
	if _, err := rand.Read(nonce); err != nil {
		return nil, err
	}
	return s.aead.Seal(nonce, nonce, raw, []byte(key)), nil
}

func (s *sealer) open(key string, b []byte) ([]byte, error) {
	ns := s.aead.NonceSize()
	if len(b) < ns+s.aead.Overhead() {
		return nil, errShortValue
	}
	pt, err := s.aead.Open(nil, b[:ns], b[ns:], []byte(key))
	if err != nil {
		return nil, ErrWrongPassphrase
	}
	return pt, nil
}

func (kp kdfParams) encode() ([]byte, error) { return json.Marshal(kp) }
