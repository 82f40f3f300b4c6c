package identity_test

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
	"maunium.net/go/mautrix/id"

	"olmkit/internal/crypto"
	"olmkit/internal/domain"
	"olmkit/internal/domain/types"
	"olmkit/internal/protocol/olm"
	"olmkit/internal/relay"
	"olmkit/internal/services/account"
	"olmkit/internal/services/identity"
	"olmkit/internal/store"
)

const (
	alice id.UserID = "@alice:example.org"
	bob   id.UserID = "@bob:example.org"
)

type peer struct {
	accounts *account.Service
	identity *identity.Service
	store    *store.Store
}

func newPeer(t *testing.T, dir *relay.Directory, user id.UserID, device id.DeviceID) *peer {
	t.Helper()
	ctx := context.Background()
	log := zaptest.NewLogger(t)
	st := store.NewMemory(log)
	acc := account.New(st, dir, log)
	_, err := acc.Create(ctx, user, device)
	require.NoError(t, err)
	require.NoError(t, acc.UploadKeys(ctx))
	return &peer{accounts: acc, identity: identity.New(st, dir, acc, log), store: st}
}

func setup(t *testing.T) (*peer, *peer) {
	dir := relay.NewDirectory(zaptest.NewLogger(t))
	return newPeer(t, dir, alice, "ALICE"), newPeer(t, dir, bob, "BOB")
}

func deviceKeys(t *testing.T, acc *domain.Account) domain.DeviceKeys {
	t.Helper()
	dk, err := olm.DeviceKeys(acc)
	require.NoError(t, err)
	return *dk
}

func TestQueryKeys_TracksAndClearsOutdated(t *testing.T) {
	ctx := context.Background()
	a, _ := setup(t)

	require.NoError(t, a.identity.TrackUsers(ctx, []id.UserID{bob}))
	require.True(t, a.identity.IsOutdated(bob))
	require.Equal(t, []id.UserID{bob}, a.identity.OutdatedUsers())

	res, err := a.identity.RefreshOutdated(ctx)
	require.NoError(t, err)
	require.Len(t, res.Devices[bob].New, 1)
	require.False(t, a.identity.IsOutdated(bob))

	devs, err := a.identity.GetUserDevices(ctx, bob)
	require.NoError(t, err)
	require.Len(t, devs, 1)
	require.Equal(t, id.DeviceID("BOB"), devs[0].DeviceID)

	level, err := a.identity.DeviceTrust(ctx, bob, "BOB")
	require.NoError(t, err)
	require.Equal(t, types.TrustLevelUntrusted, level)

	level, err = a.identity.DeviceTrust(ctx, alice, "ALICE")
	require.NoError(t, err)
	require.Equal(t, types.TrustLevelOwnDevice, level)

	// A second query with nothing new changes nothing.
	res, err = a.identity.QueryKeys(ctx, []id.UserID{bob})
	require.NoError(t, err)
	require.True(t, res.Devices[bob].Empty())
}

func TestMarkUsersOutdated_OnlyTracked(t *testing.T) {
	ctx := context.Background()
	a, _ := setup(t)
	require.NoError(t, a.identity.MarkUsersOutdated(ctx, []id.UserID{bob}))
	require.False(t, a.identity.IsOutdated(bob))
}

func TestUpdateDevices_RejectsBadSelfSignature(t *testing.T) {
	ctx := context.Background()
	a, b := setup(t)
	acc, err := b.accounts.Account(ctx)
	require.NoError(t, err)

	dk := deviceKeys(t, acc)
	dk.Keys[id.NewKeyID(id.KeyAlgorithmCurve25519, "BOB")] = types.EncodeKey(make([]byte, 32))

	res, err := a.identity.UpdateDevices(ctx, bob, []domain.DeviceKeys{dk})
	require.NoError(t, err)
	require.ErrorIs(t, res.Rejected["BOB"], domain.ErrSignatureInvalid)
	dev, err := a.identity.GetDevice(ctx, bob, "BOB")
	require.NoError(t, err)
	require.Nil(t, dev)
}

func TestUpdateDevices_SoftDeleteAndReappear(t *testing.T) {
	ctx := context.Background()
	a, b := setup(t)
	acc, err := b.accounts.Account(ctx)
	require.NoError(t, err)
	dk := deviceKeys(t, acc)

	_, err = a.identity.UpdateDevices(ctx, bob, []domain.DeviceKeys{dk})
	require.NoError(t, err)

	res, err := a.identity.UpdateDevices(ctx, bob, nil)
	require.NoError(t, err)
	require.Len(t, res.Deleted, 1)

	dev, err := a.identity.GetDevice(ctx, bob, "BOB")
	require.NoError(t, err)
	require.True(t, dev.Deleted)
	devs, err := a.identity.GetUserDevices(ctx, bob)
	require.NoError(t, err)
	require.Empty(t, devs)

	// Different keys under the deleted id are refused.
	other, err := olm.NewAccount(bob, "BOB")
	require.NoError(t, err)
	res, err = a.identity.UpdateDevices(ctx, bob, []domain.DeviceKeys{deviceKeys(t, other)})
	require.NoError(t, err)
	require.ErrorIs(t, res.Rejected["BOB"], domain.ErrSignatureInvalid)

	// The same keys bring it back.
	res, err = a.identity.UpdateDevices(ctx, bob, []domain.DeviceKeys{dk})
	require.NoError(t, err)
	require.Empty(t, res.Rejected)
	dev, err = a.identity.GetDevice(ctx, bob, "BOB")
	require.NoError(t, err)
	require.False(t, dev.Deleted)
}

func TestUpdateDevices_KeyChangeNeedsCrossSigning(t *testing.T) {
	ctx := context.Background()
	a, b := setup(t)
	_, err := b.identity.BootstrapCrossSigning(ctx)
	require.NoError(t, err)
	_, err = a.identity.QueryKeys(ctx, []id.UserID{bob})
	require.NoError(t, err)
	require.NoError(t, a.identity.VerifyDevice(ctx, bob, "BOB", mustDevice(t, a, bob, "BOB").SigningKey))

	replacement, err := olm.NewAccount(bob, "BOB")
	require.NoError(t, err)
	unsigned := deviceKeys(t, replacement)
	res, err := a.identity.UpdateDevices(ctx, bob, []domain.DeviceKeys{unsigned})
	require.NoError(t, err)
	require.ErrorIs(t, res.Rejected["BOB"], domain.ErrSignatureInvalid)

	bobAcc, err := b.accounts.Account(ctx)
	require.NoError(t, err)
	ssk := bobAcc.CrossSigning.SelfSigning
	signed := deviceKeys(t, replacement)
	sig, err := crypto.SignJSON(ssk, &signed)
	require.NoError(t, err)
	signed.Signatures = signed.Signatures.Add(bob, id.NewKeyID(id.KeyAlgorithmEd25519, ssk.Public().String()), sig)

	res, err = a.identity.UpdateDevices(ctx, bob, []domain.DeviceKeys{signed})
	require.NoError(t, err)
	require.Empty(t, res.Rejected)
	require.Len(t, res.Changed, 1)

	dev := mustDevice(t, a, bob, "BOB")
	require.Equal(t, replacement.Identity.EdPub, dev.SigningKey)
	trust, err := a.store.GetDeviceTrust(ctx, bob, "BOB")
	require.NoError(t, err)
	require.Equal(t, types.TrustUnset, trust)
}

func mustDevice(t *testing.T, p *peer, user id.UserID, device id.DeviceID) *domain.Device {
	t.Helper()
	dev, err := p.identity.GetDevice(context.Background(), user, device)
	require.NoError(t, err)
	require.NotNil(t, dev)
	return dev
}

func TestCrossSignedTrustFollowsIdentityVerification(t *testing.T) {
	ctx := context.Background()
	a, b := setup(t)
	bobIdentity, err := b.identity.BootstrapCrossSigning(ctx)
	require.NoError(t, err)
	_, err = b.identity.BootstrapCrossSigning(ctx)
	require.ErrorIs(t, err, identity.ErrCrossSigningExists)

	_, err = a.identity.QueryKeys(ctx, []id.UserID{bob})
	require.NoError(t, err)
	level, err := a.identity.DeviceTrust(ctx, bob, "BOB")
	require.NoError(t, err)
	require.Equal(t, types.TrustLevelUntrusted, level)

	master, err := bobIdentity.MasterKey()
	require.NoError(t, err)
	require.ErrorIs(t, a.identity.VerifyIdentity(ctx, bob, domain.Ed25519Public{1}), domain.ErrSignatureInvalid)
	require.NoError(t, a.identity.VerifyIdentity(ctx, bob, master))

	level, err = a.identity.DeviceTrust(ctx, bob, "BOB")
	require.NoError(t, err)
	require.Equal(t, types.TrustLevelCrossSigned, level)
}

func TestMasterKeyChangeDropsVerification(t *testing.T) {
	ctx := context.Background()
	a, b := setup(t)
	first, err := b.identity.BootstrapCrossSigning(ctx)
	require.NoError(t, err)
	_, err = a.identity.QueryKeys(ctx, []id.UserID{bob})
	require.NoError(t, err)
	master, err := first.MasterKey()
	require.NoError(t, err)
	require.NoError(t, a.identity.VerifyIdentity(ctx, bob, master))

	masterPriv, masterPub, err := crypto.GenerateEd25519()
	require.NoError(t, err)
	_, sskPub, err := crypto.GenerateEd25519()
	require.NoError(t, err)
	newMaster := types.NewCrossSigningKey(bob, types.UsageMaster, masterPub)
	ssk := types.NewCrossSigningKey(bob, types.UsageSelfSigning, sskPub)
	sig, err := crypto.SignJSON(masterPriv, &ssk)
	require.NoError(t, err)
	ssk.Signatures = ssk.Signatures.Add(bob, id.NewKeyID(id.KeyAlgorithmEd25519, masterPub.String()), sig)

	require.NoError(t, a.identity.UpdateCrossSigning(ctx, bob, newMaster, ssk, nil))
	got, err := a.identity.UserIdentity(ctx, bob)
	require.NoError(t, err)
	require.False(t, got.Verified)
	require.True(t, got.PreviouslyVerified)

	// A subkey not signed by the master is refused.
	unsigned := types.NewCrossSigningKey(bob, types.UsageSelfSigning, sskPub)
	err = a.identity.UpdateCrossSigning(ctx, bob, newMaster, unsigned, nil)
	require.ErrorIs(t, err, domain.ErrSignatureInvalid)
}

func TestVerifyAndBlacklist(t *testing.T) {
	ctx := context.Background()
	a, _ := setup(t)
	_, err := a.identity.QueryKeys(ctx, []id.UserID{bob})
	require.NoError(t, err)
	dev := mustDevice(t, a, bob, "BOB")

	require.ErrorIs(t, a.identity.VerifyDevice(ctx, bob, "BOB", domain.Ed25519Public{9}), domain.ErrSignatureInvalid)
	require.ErrorIs(t, a.identity.VerifyDevice(ctx, bob, "NOPE", dev.SigningKey), domain.ErrUnknownDevice)

	require.NoError(t, a.identity.VerifyDevice(ctx, bob, "BOB", dev.SigningKey))
	ok, err := a.identity.IsTrusted(ctx, bob, "BOB")
	require.NoError(t, err)
	require.True(t, ok)

	require.NoError(t, a.identity.BlacklistDevice(ctx, bob, "BOB"))
	level, err := a.identity.DeviceTrust(ctx, bob, "BOB")
	require.NoError(t, err)
	require.Equal(t, types.TrustLevelBlacklisted, level)

	// Unblacklisting does not restore the verification.
	require.NoError(t, a.identity.UnblacklistDevice(ctx, bob, "BOB"))
	level, err = a.identity.DeviceTrust(ctx, bob, "BOB")
	require.NoError(t, err)
	require.Equal(t, types.TrustLevelUntrusted, level)
}

func TestOwnDevicesCrossSignedAfterBootstrap(t *testing.T) {
	ctx := context.Background()
	dir := relay.NewDirectory(zaptest.NewLogger(t))
	a := newPeer(t, dir, alice, "ALICE")
	_ = newPeer(t, dir, alice, "LAPTOP")

	_, err := a.identity.BootstrapCrossSigning(ctx)
	require.NoError(t, err)
	_, err = a.identity.QueryKeys(ctx, []id.UserID{alice})
	require.NoError(t, err)

	laptop := mustDevice(t, a, alice, "LAPTOP")
	level, err := a.identity.DeviceTrust(ctx, alice, "LAPTOP")
	require.NoError(t, err)
	require.Equal(t, types.TrustLevelUntrusted, level)

	// Verifying our other device signs it with the self-signing key.
	require.NoError(t, a.identity.VerifyDevice(ctx, alice, "LAPTOP", laptop.SigningKey))
	require.NoError(t, a.identity.BlacklistDevice(ctx, alice, "LAPTOP"))
	require.NoError(t, a.identity.UnblacklistDevice(ctx, alice, "LAPTOP"))
	level, err = a.identity.DeviceTrust(ctx, alice, "LAPTOP")
	require.NoError(t, err)
	require.Equal(t, types.TrustLevelCrossSigned, level)
}

// signaturesDown refuses signature uploads while down is set.
type signaturesDown struct {
	*relay.Directory
	down atomic.Bool
}

func (s *signaturesDown) UploadSignatures(ctx context.Context, upload *domain.SignatureUpload) error {
	if s.down.Load() {
		return errors.New("signature upload unavailable")
	}
	return s.Directory.UploadSignatures(ctx, upload)
}

func TestCommitVerificationIsAllOrNothing(t *testing.T) {
	ctx := context.Background()
	log := zaptest.NewLogger(t)
	server := &signaturesDown{Directory: relay.NewDirectory(log)}
	st := store.NewMemory(log)
	accounts := account.New(st, server, log)
	_, err := accounts.Create(ctx, alice, "ALICE")
	require.NoError(t, err)
	require.NoError(t, accounts.UploadKeys(ctx))
	a := &peer{accounts: accounts, identity: identity.New(st, server, accounts, log), store: st}
	b := newPeer(t, server.Directory, bob, "BOB")

	_, err = a.identity.BootstrapCrossSigning(ctx)
	require.NoError(t, err)
	_, err = b.identity.BootstrapCrossSigning(ctx)
	require.NoError(t, err)
	_, err = a.identity.QueryKeys(ctx, []id.UserID{bob})
	require.NoError(t, err)
	dev := mustDevice(t, a, bob, "BOB")
	ident, err := a.identity.UserIdentity(ctx, bob)
	require.NoError(t, err)
	master, err := ident.MasterKey()
	require.NoError(t, err)

	// A bad master key keeps the device untrusted as well.
	err = a.identity.CommitVerification(ctx, []domain.VerifiedKey{
		{UserID: bob, DeviceID: "BOB", Key: dev.SigningKey},
		{UserID: bob, Key: domain.Ed25519Public{9}},
	})
	require.ErrorIs(t, err, domain.ErrSignatureInvalid)
	level, err := a.identity.DeviceTrust(ctx, bob, "BOB")
	require.NoError(t, err)
	require.Equal(t, types.TrustLevelUntrusted, level)

	// The trust is stored even though the master key signature cannot be published.
	server.down.Store(true)
	require.NoError(t, a.identity.CommitVerification(ctx, []domain.VerifiedKey{
		{UserID: bob, DeviceID: "BOB", Key: dev.SigningKey},
		{UserID: bob, Key: master},
	}))
	level, err = a.identity.DeviceTrust(ctx, bob, "BOB")
	require.NoError(t, err)
	require.Equal(t, types.TrustLevelVerified, level)
	ident, err = a.identity.UserIdentity(ctx, bob)
	require.NoError(t, err)
	require.True(t, ident.Verified)

	// The manual path still reports the failed upload.
	require.Error(t, a.identity.VerifyIdentity(ctx, bob, master))
}
