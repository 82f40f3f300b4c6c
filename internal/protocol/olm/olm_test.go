package olm_test

import (
	"testing"

	"github.com/stretchr/testify/require"
	"maunium.net/go/mautrix/id"

	"olmkit/internal/domain"
	"olmkit/internal/domain/types"
	"olmkit/internal/protocol/olm"
)

func newAccount(t *testing.T, user id.UserID, device id.DeviceID) *domain.Account {
	t.Helper()
	acc, err := olm.NewAccount(user, device)
	require.NoError(t, err)
	return acc
}

// establish creates an outbound session from alice to bob using one of bob's
// one-time keys and returns both accounts plus the session.
func establish(t *testing.T) (alice, bob *domain.Account, out *domain.Session) {
	t.Helper()
	alice = newAccount(t, "@alice:example.org", "ALICE")
	bob = newAccount(t, "@bob:example.org", "BOB")
	require.NoError(t, olm.GenerateOneTimeKeys(bob, 1))

	keys, err := olm.OneTimeKeysForUpload(bob)
	require.NoError(t, err)
	require.Len(t, keys, 1)
	var otk domain.X25519Public
	for _, k := range keys {
		otk, err = olm.VerifySignedKey(bob.UserID, bob.DeviceID, bob.Identity.EdPub, k)
		require.NoError(t, err)
	}
	out, err = olm.NewOutboundSession(alice, bob.Identity.XPub, otk)
	require.NoError(t, err)
	return alice, bob, out
}

func TestHelloAndReplay(t *testing.T) {
	alice, bob, out := establish(t)

	ct, err := olm.Encrypt(out, []byte("hello"))
	require.NoError(t, err)
	require.Equal(t, types.OlmPreKeyMessage, ct.Type)

	in, err := olm.NewInboundSession(bob, alice.Identity.XPub, ct)
	require.NoError(t, err)
	require.Equal(t, out.SessionID, in.SessionID)
	require.True(t, olm.MatchesInbound(in, ct))

	pt, err := olm.Decrypt(in, ct)
	require.NoError(t, err)
	require.Equal(t, "hello", string(pt))

	_, err = olm.Decrypt(in, ct)
	require.ErrorIs(t, err, domain.ErrReplayedMessage)
}

func TestPreKeyUntilReply(t *testing.T) {
	alice, bob, out := establish(t)

	first, err := olm.Encrypt(out, []byte("1"))
	require.NoError(t, err)
	in, err := olm.NewInboundSession(bob, alice.Identity.XPub, first)
	require.NoError(t, err)
	_, err = olm.Decrypt(in, first)
	require.NoError(t, err)
	require.True(t, olm.RemoveOneTimeKey(bob, in.OneTimeKey))

	second, err := olm.Encrypt(out, []byte("2"))
	require.NoError(t, err)
	require.Equal(t, types.OlmPreKeyMessage, second.Type)

	reply, err := olm.Encrypt(in, []byte("ack"))
	require.NoError(t, err)
	require.Equal(t, types.OlmNormalMessage, reply.Type)
	pt, err := olm.Decrypt(out, reply)
	require.NoError(t, err)
	require.Equal(t, "ack", string(pt))

	third, err := olm.Encrypt(out, []byte("3"))
	require.NoError(t, err)
	require.Equal(t, types.OlmNormalMessage, third.Type)

	// The delayed pre-key message still decrypts on the existing session.
	pt, err = olm.Decrypt(in, second)
	require.NoError(t, err)
	require.Equal(t, "2", string(pt))
	pt, err = olm.Decrypt(in, third)
	require.NoError(t, err)
	require.Equal(t, "3", string(pt))
}

func TestConsumedOneTimeKeyCannotBeReused(t *testing.T) {
	alice, bob, out := establish(t)
	ct, err := olm.Encrypt(out, []byte("x"))
	require.NoError(t, err)
	in, err := olm.NewInboundSession(bob, alice.Identity.XPub, ct)
	require.NoError(t, err)
	require.True(t, olm.RemoveOneTimeKey(bob, in.OneTimeKey))

	_, err = olm.NewInboundSession(bob, alice.Identity.XPub, ct)
	require.ErrorIs(t, err, domain.ErrMissingOneTimeKey)
}

func TestFallbackKeySession(t *testing.T) {
	alice := newAccount(t, "@alice:example.org", "ALICE")
	bob := newAccount(t, "@bob:example.org", "BOB")
	require.NoError(t, olm.GenerateFallbackKey(bob))
	fb := bob.FallbackKey.Public

	out, err := olm.NewOutboundSession(alice, bob.Identity.XPub, fb)
	require.NoError(t, err)
	ct, err := olm.Encrypt(out, []byte("via fallback"))
	require.NoError(t, err)

	// Rotating keeps the previous fallback key usable.
	require.NoError(t, olm.GenerateFallbackKey(bob))
	in, err := olm.NewInboundSession(bob, alice.Identity.XPub, ct)
	require.NoError(t, err)
	require.True(t, in.CreatedUsingFallback)
	pt, err := olm.Decrypt(in, ct)
	require.NoError(t, err)
	require.Equal(t, "via fallback", string(pt))
}

func TestTamperedMessageIsRatchetMismatch(t *testing.T) {
	alice, bob, out := establish(t)
	ct, err := olm.Encrypt(out, []byte("hello"))
	require.NoError(t, err)
	in, err := olm.NewInboundSession(bob, alice.Identity.XPub, ct)
	require.NoError(t, err)

	body := []byte(ct.Body)
	last := len(body) - 2
	if body[last] == 'A' {
		body[last] = 'B'
	} else {
		body[last] = 'A'
	}
	_, err = olm.Decrypt(in, domain.OlmCiphertext{Type: ct.Type, Body: string(body)})
	require.ErrorIs(t, err, domain.ErrRatchetMismatch)

	pt, err := olm.Decrypt(in, ct)
	require.NoError(t, err)
	require.Equal(t, "hello", string(pt))
}

func TestOneTimeKeysPublishedOnce(t *testing.T) {
	acc := newAccount(t, "@alice:example.org", "ALICE")
	require.NoError(t, olm.GenerateOneTimeKeys(acc, 5))
	keys, err := olm.OneTimeKeysForUpload(acc)
	require.NoError(t, err)
	require.Len(t, keys, 5)

	olm.MarkKeysAsPublished(acc)
	keys, err = olm.OneTimeKeysForUpload(acc)
	require.NoError(t, err)
	require.Empty(t, keys)

	require.NoError(t, olm.GenerateOneTimeKeys(acc, 2))
	keys, err = olm.OneTimeKeysForUpload(acc)
	require.NoError(t, err)
	require.Len(t, keys, 2)
	require.Equal(t, uint32(7), acc.NextKeyID)
}

func TestDeviceKeysSelfSigned(t *testing.T) {
	acc := newAccount(t, "@alice:example.org", "ALICE")
	dk, err := olm.DeviceKeys(acc)
	require.NoError(t, err)
	sig, ok := dk.Signatures.Get(acc.UserID, olm.DeviceKeyID(acc, id.KeyAlgorithmEd25519))
	require.True(t, ok)
	require.NotEmpty(t, sig)
	require.Equal(t, acc.Identity.XPub.String(), dk.Keys[olm.DeviceKeyID(acc, id.KeyAlgorithmCurve25519)])
}

func TestMessageHashDependsOnSender(t *testing.T) {
	ct := domain.OlmCiphertext{Type: types.OlmNormalMessage, Body: "abc"}
	require.NotEqual(t, olm.MessageHash("key-a", ct), olm.MessageHash("key-b", ct))
	require.Equal(t, olm.MessageHash("key-a", ct), olm.MessageHash("key-a", ct))
}
