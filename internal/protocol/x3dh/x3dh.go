package x3dh

import (
	"crypto/sha256"
	"encoding/base64"
	"io"

	"golang.org/x/crypto/hkdf"

	"olmkit/internal/crypto"
	"olmkit/internal/domain"
)

const (
	rootInfo = "OLM_ROOT"
	keySize  = 32
)

// Keys is the key material both sides derive from the handshake.
type Keys struct {
	RootKey  []byte
	ChainKey []byte
}

// Wipe zeroes the derived secrets.
func (k *Keys) Wipe() {
	crypto.Wipe(k.RootKey)
	crypto.Wipe(k.ChainKey)
}

// InitiatorKeys derives the initial root and chain keys for the session sender.
//
//	S = DH(IKa, OTKb) | DH(EKa, IKb) | DH(EKa, OTKb)
func InitiatorKeys(
	ourIdentityPriv domain.X25519Private,
	ourBasePriv domain.X25519Private,
	theirIdentity domain.X25519Public,
	theirOneTimeKey domain.X25519Public,
) (Keys, error) {
	dh1, err := crypto.DH(ourIdentityPriv, theirOneTimeKey)
	if err != nil {
		return Keys{}, err
	}
	dh2, err := crypto.DH(ourBasePriv, theirIdentity)
	if err != nil {
		return Keys{}, err
	}
	dh3, err := crypto.DH(ourBasePriv, theirOneTimeKey)
	if err != nil {
		return Keys{}, err
	}
	return derive(dh1, dh2, dh3), nil
}

// ResponderKeys derives the same keys on the receiving side from the values
// carried in the pre-key message.
func ResponderKeys(
	ourIdentityPriv domain.X25519Private,
	ourOneTimePriv domain.X25519Private,
	theirIdentity domain.X25519Public,
	theirBaseKey domain.X25519Public,
) (Keys, error) {
	dh1, err := crypto.DH(ourOneTimePriv, theirIdentity)
	if err != nil {
		return Keys{}, err
	}
	dh2, err := crypto.DH(ourIdentityPriv, theirBaseKey)
	if err != nil {
		return Keys{}, err
	}
	dh3, err := crypto.DH(ourOneTimePriv, theirBaseKey)
	if err != nil {
		return Keys{}, err
	}
	return derive(dh1, dh2, dh3), nil
}

// SessionID derives the public session identifier from the initial key
// material. Both sides compute the same value.
func SessionID(initiatorIdentity, baseKey, oneTimeKey domain.X25519Public) string {
	h := sha256.New()
	h.Write(initiatorIdentity[:])
	h.Write(baseKey[:])
	h.Write(oneTimeKey[:])
	return base64.RawStdEncoding.EncodeToString(h.Sum(nil))
}

func derive(parts ...[32]byte) Keys {
	secret := make([]byte, 0, 32*len(parts))
	for i := range parts {
		secret = append(secret, parts[i][:]...)
		crypto.Wipe(parts[i][:])
	}
	r := hkdf.New(sha256.New, secret, nil, []byte(rootInfo))
	k := Keys{RootKey: make([]byte, keySize), ChainKey: make([]byte, keySize)}
	_, _ = io.ReadFull(r, k.RootKey)
	_, _ = io.ReadFull(r, k.ChainKey)
	crypto.Wipe(secret)
	return k
}
