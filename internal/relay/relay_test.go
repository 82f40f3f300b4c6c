package relay_test

import (
	"context"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
	"maunium.net/go/mautrix/id"

	"olmkit/internal/domain"
	"olmkit/internal/protocol/olm"
	"olmkit/internal/relay"
)

func newClient(t *testing.T) *relay.Client {
	t.Helper()
	srv := httptest.NewServer(relay.NewServer(relay.NewDirectory(zaptest.NewLogger(t)), zaptest.NewLogger(t)))
	t.Cleanup(srv.Close)
	return relay.NewClient(srv.URL)
}

func uploadFor(t *testing.T, acc *domain.Account, otks int) *domain.KeysUpload {
	t.Helper()
	require.NoError(t, olm.GenerateOneTimeKeys(acc, otks))
	require.NoError(t, olm.GenerateFallbackKey(acc))
	dk, err := olm.DeviceKeys(acc)
	require.NoError(t, err)
	keys, err := olm.OneTimeKeysForUpload(acc)
	require.NoError(t, err)
	fb, err := olm.FallbackKeyForUpload(acc)
	require.NoError(t, err)
	return &domain.KeysUpload{UserID: acc.UserID, DeviceID: acc.DeviceID, DeviceKeys: dk, OneTimeKeys: keys, FallbackKeys: fb}
}

func TestClaim_OneTimeThenFallback(t *testing.T) {
	ctx := context.Background()
	c := newClient(t)
	acc, err := olm.NewAccount("@bob:example.org", "BOB")
	require.NoError(t, err)

	resp, err := c.UploadKeys(ctx, uploadFor(t, acc, 2))
	require.NoError(t, err)
	require.Equal(t, 2, resp.OneTimeKeyCounts[id.KeyAlgorithmSignedCurve25519])

	seen := map[id.KeyID]bool{}
	for i := 0; i < 2; i++ {
		b, err := c.ClaimOneTimeKey(ctx, acc.UserID, acc.DeviceID)
		require.NoError(t, err)
		require.False(t, b.Key.Fallback)
		require.False(t, seen[b.KeyID], "one-time key handed out twice")
		seen[b.KeyID] = true
		_, err = olm.VerifySignedKey(acc.UserID, acc.DeviceID, acc.Identity.EdPub, b.Key)
		require.NoError(t, err)
	}

	b, err := c.ClaimOneTimeKey(ctx, acc.UserID, acc.DeviceID)
	require.NoError(t, err)
	require.True(t, b.Key.Fallback)
}

func TestClaim_Errors(t *testing.T) {
	ctx := context.Background()
	c := newClient(t)

	_, err := c.ClaimOneTimeKey(ctx, "@nobody:example.org", "X")
	require.ErrorIs(t, err, domain.ErrUnknownDevice)

	acc, err := olm.NewAccount("@carol:example.org", "CAROL")
	require.NoError(t, err)
	dk, err := olm.DeviceKeys(acc)
	require.NoError(t, err)
	_, err = c.UploadKeys(ctx, &domain.KeysUpload{UserID: acc.UserID, DeviceID: acc.DeviceID, DeviceKeys: dk})
	require.NoError(t, err)

	_, err = c.ClaimOneTimeKey(ctx, acc.UserID, acc.DeviceID)
	require.ErrorIs(t, err, domain.ErrNoOneTimeKeyOnline)
}

func TestUpload_RejectsForeignDeviceKeys(t *testing.T) {
	c := newClient(t)
	acc, err := olm.NewAccount("@dave:example.org", "DAVE")
	require.NoError(t, err)
	dk, err := olm.DeviceKeys(acc)
	require.NoError(t, err)

	_, err = c.UploadKeys(context.Background(), &domain.KeysUpload{UserID: "@mallory:example.org", DeviceID: "M", DeviceKeys: dk})
	require.ErrorIs(t, err, domain.ErrProtocolViolation)
}

func TestQueryAndSignatureMerge(t *testing.T) {
	ctx := context.Background()
	dir := relay.NewDirectory(zaptest.NewLogger(t))
	acc, err := olm.NewAccount("@erin:example.org", "ERIN")
	require.NoError(t, err)
	_, err = dir.UploadKeys(ctx, uploadFor(t, acc, 1))
	require.NoError(t, err)

	extra := domain.DeviceKeys{UserID: acc.UserID, DeviceID: acc.DeviceID}
	extra.Signatures = extra.Signatures.Add(acc.UserID, "ed25519:selfsigning", "c2ln")
	require.NoError(t, dir.UploadSignatures(ctx, &domain.SignatureUpload{Devices: []domain.DeviceKeys{extra}}))

	resp, err := dir.QueryDevices(ctx, []id.UserID{acc.UserID})
	require.NoError(t, err)
	got := resp.DeviceKeys[acc.UserID][acc.DeviceID]
	_, ok := got.Signatures.Get(acc.UserID, "ed25519:selfsigning")
	require.True(t, ok)
	_, ok = got.Signatures.Get(acc.UserID, olm.DeviceKeyID(acc, id.KeyAlgorithmEd25519))
	require.True(t, ok, "self-signature kept")
}
