package sas_test

import (
	"testing"

	"github.com/stretchr/testify/require"
	"maunium.net/go/mautrix/id"

	"olmkit/internal/crypto"
	"olmkit/internal/protocol/sas"
)

func TestFromBytesBounds(t *testing.T) {
	zero := sas.FromBytes([]byte{0, 0, 0, 0, 0, 0})
	require.Equal(t, [3]uint16{1000, 1000, 1000}, zero.Decimals)
	require.Len(t, zero.Emoji, 7)
	for _, e := range zero.Emoji {
		require.Equal(t, "Dog", e.Description)
	}

	ones := sas.FromBytes([]byte{0xff, 0xff, 0xff, 0xff, 0xff, 0xff})
	require.Equal(t, [3]uint16{9191, 9191, 9191}, ones.Decimals)
	for _, e := range ones.Emoji {
		require.Equal(t, "Pin", e.Description)
	}
}

func exchange(t *testing.T) (secretA, secretB [32]byte, a, b sas.Party) {
	t.Helper()
	aPriv, aPub, err := crypto.GenerateX25519()
	require.NoError(t, err)
	bPriv, bPub, err := crypto.GenerateX25519()
	require.NoError(t, err)
	a = sas.Party{UserID: "@alice:example.org", DeviceID: "A", DeviceKey: "a-device-key", EphemeralKey: aPub}
	b = sas.Party{UserID: "@bob:example.org", DeviceID: "B", DeviceKey: "b-device-key", EphemeralKey: bPub}
	secretA, err = sas.SharedSecret(aPriv, bPub)
	require.NoError(t, err)
	secretB, err = sas.SharedSecret(bPriv, aPub)
	require.NoError(t, err)
	return secretA, secretB, a, b
}

func TestBothSidesDeriveSameString(t *testing.T) {
	secretA, secretB, a, b := exchange(t)
	onA := sas.Derive(secretA, a, b, "flow")
	onB := sas.Derive(secretB, b, a, "flow")
	require.True(t, onA.Equal(onB))
}

func TestDeviceKeyChangeChangesString(t *testing.T) {
	secretA, secretB, a, b := exchange(t)
	onA := sas.Derive(secretA, a, b, "flow")

	tampered := b
	tampered.DeviceKey = id.Ed25519("b-device-kez")
	onB := sas.Derive(secretB, tampered, a, "flow")
	require.False(t, onA.Equal(onB))
}

func TestMAC(t *testing.T) {
	secretA, secretB, a, b := exchange(t)
	keyID := id.NewKeyID(id.KeyAlgorithmEd25519, "A")
	mac := sas.MAC(secretA, a, b, "flow", keyID, string(a.DeviceKey))
	require.True(t, sas.VerifyMAC(secretB, a, b, "flow", keyID, string(a.DeviceKey), mac))
	require.False(t, sas.VerifyMAC(secretB, a, b, "flow", keyID, "other-key", mac))
	require.False(t, sas.VerifyMAC(secretB, b, a, "flow", keyID, string(a.DeviceKey), mac))
}

func TestCommitmentBindsKey(t *testing.T) {
	_, pub1, err := crypto.GenerateX25519()
	require.NoError(t, err)
	_, pub2, err := crypto.GenerateX25519()
	require.NoError(t, err)
	start := map[string]any{"method": "m.sas.v1", "transaction_id": "flow"}
	c1, err := sas.Commitment(pub1, start)
	require.NoError(t, err)
	c2, err := sas.Commitment(pub2, start)
	require.NoError(t, err)
	require.NotEqual(t, c1, c2)
}

func TestKeyIDListSorted(t *testing.T) {
	require.Equal(t, "ed25519:A,ed25519:B", sas.KeyIDList([]id.KeyID{"ed25519:B", "ed25519:A"}))
}
