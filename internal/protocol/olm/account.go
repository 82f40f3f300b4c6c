package olm

import (
	"encoding/binary"
	"fmt"
	"time"

	"maunium.net/go/mautrix/id"

	"olmkit/internal/crypto"
	"olmkit/internal/domain"
	"olmkit/internal/domain/types"
)

// MaxOneTimeKeys is the most one-time keys an account keeps at once.
const MaxOneTimeKeys = 50

// NewAccount creates fresh identity keys for a device.
func NewAccount(user id.UserID, device id.DeviceID) (*domain.Account, error) {
	xPriv, xPub, err := crypto.GenerateX25519()
	if err != nil {
		return nil, fmt.Errorf("generate curve25519: %w", err)
	}
	edPriv, edPub, err := crypto.GenerateEd25519()
	if err != nil {
		return nil, fmt.Errorf("generate ed25519: %w", err)
	}
	return &domain.Account{
		UserID:    user,
		DeviceID:  device,
		Identity:  domain.Identity{XPub: xPub, XPriv: xPriv, EdPub: edPub, EdPriv: edPriv},
		CreatedAt: time.Now().UTC(),
	}, nil
}

// IdentityKeys returns the public identity keys of acc.
func IdentityKeys(acc *domain.Account) domain.IdentityKeys {
	return acc.Identity.Public()
}

// GenerateOneTimeKeys adds n fresh one-time keys. Key ids come from a counter
// and are never reused. The pool never grows beyond MaxOneTimeKeys; the oldest
// keys are dropped first.
func GenerateOneTimeKeys(acc *domain.Account, n int) error {
	now := time.Now().UTC()
	for i := 0; i < n; i++ {
		k, err := newOneTimeKey(acc, now)
		if err != nil {
			return err
		}
		acc.OneTimeKeys = append(acc.OneTimeKeys, k)
	}
	if extra := len(acc.OneTimeKeys) - MaxOneTimeKeys; extra > 0 {
		acc.OneTimeKeys = append([]domain.OneTimeKey(nil), acc.OneTimeKeys[extra:]...)
	}
	return nil
}

// GenerateFallbackKey replaces the fallback key. The old one is kept as the
// previous fallback key so pre-key messages already in flight still decrypt.
func GenerateFallbackKey(acc *domain.Account) error {
	k, err := newOneTimeKey(acc, time.Now().UTC())
	if err != nil {
		return err
	}
	acc.PreviousFallbackKey = acc.FallbackKey
	acc.FallbackKey = &k
	return nil
}

// ForgetPreviousFallbackKey drops the fallback key that was replaced last.
func ForgetPreviousFallbackKey(acc *domain.Account) {
	acc.PreviousFallbackKey = nil
}

func newOneTimeKey(acc *domain.Account, now time.Time) (domain.OneTimeKey, error) {
	priv, pub, err := crypto.GenerateX25519()
	if err != nil {
		return domain.OneTimeKey{}, fmt.Errorf("generate one-time key: %w", err)
	}
	acc.NextKeyID++
	var idBytes [4]byte
	binary.BigEndian.PutUint32(idBytes[:], acc.NextKeyID)
	return domain.OneTimeKey{
		KeyID:     types.EncodeKey(idBytes[:]),
		Public:    pub,
		Private:   priv,
		CreatedAt: now,
	}, nil
}

// Sign signs message with the account's Ed25519 key.
func Sign(acc *domain.Account, message []byte) []byte {
	return crypto.SignEd25519(acc.Identity.EdPriv, message)
}

// SignJSON signs the canonical form of v.
func SignJSON(acc *domain.Account, v any) (string, error) {
	return crypto.SignJSON(acc.Identity.EdPriv, v)
}

// DeviceKeyID is the key id under which the account's keys are published.
func DeviceKeyID(acc *domain.Account, alg id.KeyAlgorithm) id.KeyID {
	return id.NewKeyID(alg, string(acc.DeviceID))
}

// DeviceKeys returns the self-signed device key bundle.
func DeviceKeys(acc *domain.Account) (*domain.DeviceKeys, error) {
	dk := &domain.DeviceKeys{
		UserID:     acc.UserID,
		DeviceID:   acc.DeviceID,
		Algorithms: []id.Algorithm{types.AlgorithmOlm, types.AlgorithmMegolm},
		Keys: map[id.KeyID]string{
			DeviceKeyID(acc, id.KeyAlgorithmCurve25519): acc.Identity.XPub.String(),
			DeviceKeyID(acc, id.KeyAlgorithmEd25519):    acc.Identity.EdPub.String(),
		},
	}
	sig, err := SignJSON(acc, dk)
	if err != nil {
		return nil, fmt.Errorf("sign device keys: %w", err)
	}
	dk.Signatures = dk.Signatures.Add(acc.UserID, DeviceKeyID(acc, id.KeyAlgorithmEd25519), sig)
	return dk, nil
}

// OneTimeKeysForUpload signs every unpublished one-time key.
func OneTimeKeysForUpload(acc *domain.Account) (map[id.KeyID]domain.SignedKey, error) {
	out := map[id.KeyID]domain.SignedKey{}
	for _, k := range acc.OneTimeKeys {
		if k.Published {
			continue
		}
		sk, err := signKey(acc, k, false)
		if err != nil {
			return nil, err
		}
		out[id.NewKeyID(id.KeyAlgorithmSignedCurve25519, k.KeyID)] = sk
	}
	return out, nil
}

// FallbackKeyForUpload signs the fallback key if it has not been published.
func FallbackKeyForUpload(acc *domain.Account) (map[id.KeyID]domain.SignedKey, error) {
	out := map[id.KeyID]domain.SignedKey{}
	if acc.FallbackKey == nil || acc.FallbackKey.Published {
		return out, nil
	}
	sk, err := signKey(acc, *acc.FallbackKey, true)
	if err != nil {
		return nil, err
	}
	out[id.NewKeyID(id.KeyAlgorithmSignedCurve25519, acc.FallbackKey.KeyID)] = sk
	return out, nil
}

func signKey(acc *domain.Account, k domain.OneTimeKey, fallback bool) (domain.SignedKey, error) {
	sk := domain.SignedKey{Key: k.Public.String(), Fallback: fallback}
	sig, err := SignJSON(acc, sk)
	if err != nil {
		return domain.SignedKey{}, fmt.Errorf("sign one-time key %s: %w", k.KeyID, err)
	}
	sk.Signatures = sk.Signatures.Add(acc.UserID, DeviceKeyID(acc, id.KeyAlgorithmEd25519), sig)
	return sk, nil
}

// VerifySignedKey checks a claimed one-time key against the owner's signing key.
func VerifySignedKey(user id.UserID, device id.DeviceID, signingKey domain.Ed25519Public, key domain.SignedKey) (domain.X25519Public, error) {
	sig, ok := key.Signatures.Get(user, id.NewKeyID(id.KeyAlgorithmEd25519, string(device)))
	if !ok {
		return domain.X25519Public{}, fmt.Errorf("%w: one-time key carries no signature by %s", domain.ErrSignatureInvalid, device)
	}
	if err := crypto.VerifyJSON(signingKey, key, sig); err != nil {
		return domain.X25519Public{}, fmt.Errorf("%w: one-time key: %v", domain.ErrSignatureInvalid, err)
	}
	return types.ParseCurve25519(id.Curve25519(key.Key))
}

// MarkKeysAsPublished flags every one-time key and the fallback key as
// published. Published keys are never offered for upload again.
func MarkKeysAsPublished(acc *domain.Account) {
	for i := range acc.OneTimeKeys {
		acc.OneTimeKeys[i].Published = true
	}
	if acc.FallbackKey != nil {
		acc.FallbackKey.Published = true
	}
}

// UnpublishedCount returns the number of one-time keys not yet uploaded.
func UnpublishedCount(acc *domain.Account) int {
	n := 0
	for _, k := range acc.OneTimeKeys {
		if !k.Published {
			n++
		}
	}
	return n
}

// findKey locates the private half of a one-time or fallback key.
func findKey(acc *domain.Account, pub domain.X25519Public) (priv domain.X25519Private, fallback, ok bool) {
	for _, k := range acc.OneTimeKeys {
		if k.Public == pub {
			return k.Private, false, true
		}
	}
	for _, k := range []*domain.OneTimeKey{acc.FallbackKey, acc.PreviousFallbackKey} {
		if k != nil && k.Public == pub {
			return k.Private, true, true
		}
	}
	return priv, false, false
}

// RemoveOneTimeKey deletes a consumed one-time key. Fallback keys stay.
func RemoveOneTimeKey(acc *domain.Account, pub domain.X25519Public) bool {
	for i, k := range acc.OneTimeKeys {
		if k.Public == pub {
			crypto.Wipe(acc.OneTimeKeys[i].Private[:])
			acc.OneTimeKeys = append(acc.OneTimeKeys[:i], acc.OneTimeKeys[i+1:]...)
			return true
		}
	}
	return false
}
