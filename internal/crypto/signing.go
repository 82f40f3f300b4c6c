package crypto

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/tidwall/sjson"
	"maunium.net/go/mautrix/crypto/canonicaljson"

	"olmkit/internal/domain"
	"olmkit/internal/domain/types"
)

var errBadSignature = errors.New("signature does not verify")

// GenerateEd25519 returns a signing key expanded from a fresh random seed.
func GenerateEd25519() (priv domain.Ed25519Private, pub domain.Ed25519Public, err error) {
	seed := make([]byte, ed25519.SeedSize)
	defer Wipe(seed)
	if _, err = rand.Read(seed); err != nil {
		return priv, pub, err
	}
	copy(priv[:], ed25519.NewKeyFromSeed(seed))
	return priv, priv.Public(), nil
}

// SignEd25519 signs msg with priv.
func SignEd25519(priv domain.Ed25519Private, msg []byte) []byte {
	return ed25519.Sign(priv.Slice(), msg)
}

// VerifyEd25519 reports whether sig is a valid signature by pub over msg.
// Malformed signatures are invalid, never a panic.
func VerifyEd25519(pub domain.Ed25519Public, msg, sig []byte) bool {
	return len(sig) == ed25519.SignatureSize && ed25519.Verify(pub[:], msg, sig)
}

// CanonicalJSON marshals v and returns its canonical form with the
// "signatures" and "unsigned" members removed.
func CanonicalJSON(v any) ([]byte, error) {
	raw, ok := v.(json.RawMessage)
	if !ok {
		var err error
		if raw, err = json.Marshal(v); err != nil {
			return nil, fmt.Errorf("marshal: %w", err)
		}
	}
	for _, field := range []string{"signatures", "unsigned"} {
		var err error
		if raw, err = sjson.DeleteBytes(raw, field); err != nil {
			return nil, fmt.Errorf("strip %s: %w", field, err)
		}
	}
	return canonicaljson.CanonicalJSON(raw)
}

// SignJSON returns the unpadded base64 Ed25519 signature over the canonical
// form of v.
func SignJSON(priv domain.Ed25519Private, v any) (string, error) {
	msg, err := CanonicalJSON(v)
	if err != nil {
		return "", err
	}
	return base64.RawStdEncoding.EncodeToString(SignEd25519(priv, msg)), nil
}

// VerifyJSON checks a base64 signature over the canonical form of v.
func VerifyJSON(pub domain.Ed25519Public, v any, signature string) error {
	msg, err := CanonicalJSON(v)
	if err != nil {
		return err
	}
	sig, err := types.DecodeKey(signature)
	if err != nil {
		return fmt.Errorf("decode signature: %w", err)
	}
	if !VerifyEd25519(pub, msg, sig) {
		return errBadSignature
	}
	return nil
}
