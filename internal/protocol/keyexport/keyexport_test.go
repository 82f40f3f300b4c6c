package keyexport_test

import (
	"bytes"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"olmkit/internal/domain"
	"olmkit/internal/domain/types"
	"olmkit/internal/protocol/keyexport"
)

const testRounds = 1000

func sampleKeys() []domain.ExportedRoomKey {
	return []domain.ExportedRoomKey{{
		Algorithm:         types.AlgorithmMegolm,
		ForwardingChain:   []string{},
		RoomID:            "!room:example.org",
		SenderKey:         "c2VuZGVy",
		SenderClaimedKeys: domain.SenderClaimedKeys{Ed25519: "Y2xhaW1lZA"},
		SessionID:         "c2Vzc2lvbg",
		SessionKey:        "a2V5",
	}}
}

func TestRoundTrip(t *testing.T) {
	data, err := keyexport.Encrypt(sampleKeys(), "correct horse", testRounds)
	require.NoError(t, err)

	keys, err := keyexport.Decrypt(data, "correct horse")
	require.NoError(t, err)
	require.Equal(t, sampleKeys(), keys)
}

func TestArmorAndLineWidth(t *testing.T) {
	many := make([]domain.ExportedRoomKey, 0, 20)
	for i := 0; i < 20; i++ {
		many = append(many, sampleKeys()...)
	}
	data, err := keyexport.Encrypt(many, "pw", testRounds)
	require.NoError(t, err)

	lines := strings.Split(strings.TrimSpace(string(data)), "\n")
	require.Equal(t, "-----BEGIN MEGOLM SESSION DATA-----", lines[0])
	require.Equal(t, "-----END MEGOLM SESSION DATA-----", lines[len(lines)-1])
	for _, l := range lines[1 : len(lines)-1] {
		require.LessOrEqual(t, len(l), 96)
	}
	require.Equal(t, 96, len(lines[1]))
}

func TestWrongPassphrase(t *testing.T) {
	data, err := keyexport.Encrypt(sampleKeys(), "right", testRounds)
	require.NoError(t, err)
	_, err = keyexport.Decrypt(data, "wrong")
	require.ErrorIs(t, err, keyexport.ErrBadPassphrase)
}

func TestTamperedPayload(t *testing.T) {
	data, err := keyexport.Encrypt(sampleKeys(), "pw", testRounds)
	require.NoError(t, err)
	lines := bytes.Split(data, []byte("\n"))
	body := lines[1]
	if body[10] == 'A' {
		body[10] = 'B'
	} else {
		body[10] = 'A'
	}
	_, err = keyexport.Decrypt(bytes.Join(lines, []byte("\n")), "pw")
	require.Error(t, err)
}

func TestMissingArmor(t *testing.T) {
	_, err := keyexport.Decrypt([]byte("not an export"), "pw")
	require.ErrorIs(t, err, keyexport.ErrMalformed)
}
