package store_test

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
	"maunium.net/go/mautrix/id"

	"olmkit/internal/domain"
	"olmkit/internal/domain/types"
	"olmkit/internal/store"
)

type backendCase struct {
	name string
	open func(t *testing.T) domain.CryptoStore
}

func backends() []backendCase {
	return []backendCase{
		{"memory", func(t *testing.T) domain.CryptoStore {
			return store.NewMemory(zaptest.NewLogger(t))
		}},
		{"badger", func(t *testing.T) domain.CryptoStore {
			s, err := store.OpenBadger("", "pass", zaptest.NewLogger(t))
			require.NoError(t, err)
			t.Cleanup(func() { _ = s.Close() })
			return s
		}},
	}
}

func forEachBackend(t *testing.T, fn func(t *testing.T, s domain.CryptoStore)) {
	for _, b := range backends() {
		t.Run(b.name, func(t *testing.T) { fn(t, b.open(t)) })
	}
}

func TestAccount_MissingThenSaved(t *testing.T) {
	forEachBackend(t, func(t *testing.T, s domain.CryptoStore) {
		ctx := context.Background()
		acc, err := s.LoadAccount(ctx)
		require.NoError(t, err)
		require.Nil(t, acc)

		want := &domain.Account{UserID: "@alice:example.org", DeviceID: "ALICE", NextKeyID: 7}
		want.Identity.XPub = domain.X25519Public{1}
		require.NoError(t, s.SaveAccount(ctx, want))

		got, err := s.LoadAccount(ctx)
		require.NoError(t, err)
		require.Equal(t, want.UserID, got.UserID)
		require.Equal(t, want.Identity.XPub, got.Identity.XPub)
		require.Equal(t, uint32(7), got.NextKeyID)

		// Reads hand out copies.
		got.NextKeyID = 99
		again, err := s.LoadAccount(ctx)
		require.NoError(t, err)
		require.Equal(t, uint32(7), again.NextKeyID)
	})
}

func TestSessions_OrderedByLastUse(t *testing.T) {
	forEachBackend(t, func(t *testing.T, s domain.CryptoStore) {
		ctx := context.Background()
		peer := domain.X25519Public{9}
		now := time.Now()
		older := &domain.Session{SessionID: "a", TheirIdentityKey: peer, LastUsedAt: now.Add(-time.Hour)}
		newer := &domain.Session{SessionID: "b", TheirIdentityKey: peer, LastUsedAt: now}
		other := &domain.Session{SessionID: "c", TheirIdentityKey: domain.X25519Public{8}, LastUsedAt: now}
		require.NoError(t, s.SaveSessions(ctx, []*domain.Session{older, newer, other}))

		got, err := s.GetSessions(ctx, peer.Curve25519())
		require.NoError(t, err)
		require.Len(t, got, 2)
		require.Equal(t, "b", got[0].SessionID)
		require.Equal(t, "a", got[1].SessionID)
	})
}

func TestGroupSessions_RoomFilter(t *testing.T) {
	forEachBackend(t, func(t *testing.T, s domain.CryptoStore) {
		ctx := context.Background()
		a := &domain.InboundGroupSession{RoomID: "!a:x", SenderKey: "sk", SessionID: "s1"}
		b := &domain.InboundGroupSession{RoomID: "!b:x", SenderKey: "sk", SessionID: "s2"}
		require.NoError(t, s.SaveInboundGroupSessions(ctx, []*domain.InboundGroupSession{a, b}))

		all, err := s.GetInboundGroupSessions(ctx, "")
		require.NoError(t, err)
		require.Len(t, all, 2)

		inA, err := s.GetInboundGroupSessions(ctx, "!a:x")
		require.NoError(t, err)
		require.Len(t, inA, 1)
		require.Equal(t, id.SessionID("s1"), inA[0].SessionID)

		got, err := s.GetInboundGroupSession(ctx, "!b:x", "sk", "s2")
		require.NoError(t, err)
		require.NotNil(t, got)

		missing, err := s.GetInboundGroupSession(ctx, "!b:x", "sk", "nope")
		require.NoError(t, err)
		require.Nil(t, missing)

		ogs := &domain.OutboundGroupSession{RoomID: "!a:x", SessionID: "out", MessageCount: 3}
		require.NoError(t, s.SaveOutboundGroupSession(ctx, ogs))
		gotOut, err := s.GetOutboundGroupSession(ctx, "!a:x")
		require.NoError(t, err)
		require.Equal(t, uint32(3), gotOut.MessageCount)

		req := &domain.ToDeviceRequest{TxnID: "txn", EventType: "m.room.encrypted"}
		req.Add("@bob:x", "BOB", json.RawMessage(`{"k":1}`))
		other := &domain.OutboundGroupSession{RoomID: "!b:x", SessionID: "out2", PendingRequests: map[string]*domain.ToDeviceRequest{"txn": req}}
		require.NoError(t, s.SaveOutboundGroupSession(ctx, other))
		outs, err := s.GetOutboundGroupSessions(ctx)
		require.NoError(t, err)
		require.Len(t, outs, 2)
		require.Equal(t, id.RoomID("!b:x"), outs[1].RoomID)
		require.Equal(t, 1, outs[1].PendingRequests["txn"].Len())
	})
}

func TestDevicesTrustAndTracking(t *testing.T) {
	forEachBackend(t, func(t *testing.T, s domain.CryptoStore) {
		ctx := context.Background()
		user := id.UserID("@bob:example.org")
		d1 := &domain.Device{UserID: user, DeviceID: "ONE", IdentityKey: domain.X25519Public{1}}
		d2 := &domain.Device{UserID: user, DeviceID: "TWO", IdentityKey: domain.X25519Public{2}}
		// A user whose id extends bob's must not show up in bob's scan.
		d3 := &domain.Device{UserID: user + "x", DeviceID: "THREE"}
		require.NoError(t, s.SaveDevices(ctx, []*domain.Device{d1, d2, d3}))

		devs, err := s.GetUserDevices(ctx, user)
		require.NoError(t, err)
		require.Len(t, devs, 2)

		byKey, err := s.GetDeviceByIdentityKey(ctx, user, d2.IdentityKey.Curve25519())
		require.NoError(t, err)
		require.Equal(t, id.DeviceID("TWO"), byKey.DeviceID)

		trust, err := s.GetDeviceTrust(ctx, user, "ONE")
		require.NoError(t, err)
		require.Equal(t, types.TrustUnset, trust)
		require.NoError(t, s.SetDeviceTrust(ctx, user, "ONE", types.TrustVerified))
		trust, err = s.GetDeviceTrust(ctx, user, "ONE")
		require.NoError(t, err)
		require.Equal(t, types.TrustVerified, trust)

		require.NoError(t, s.SaveChanges(ctx, &domain.Changes{TrackedUsers: []id.UserID{user}}))
		tracked, err := s.GetTrackedUsers(ctx)
		require.NoError(t, err)
		require.Equal(t, []id.UserID{user}, tracked)
	})
}

func TestKeyRequests_InfoIndexAndDelete(t *testing.T) {
	forEachBackend(t, func(t *testing.T, s domain.CryptoStore) {
		ctx := context.Background()
		req := &domain.KeyRequest{
			RequestID: "r1",
			Info:      domain.RequestedKeyInfo{RoomID: "!r:x", SessionID: "sess"},
			State:     types.KeyRequestSent,
			CreatedAt: time.Now(),
		}
		require.NoError(t, s.SaveChanges(ctx, &domain.Changes{KeyRequests: []*domain.KeyRequest{req}}))

		got, err := s.GetKeyRequestByInfo(ctx, "!r:x", "sess")
		require.NoError(t, err)
		require.Equal(t, "r1", got.RequestID)

		require.NoError(t, s.SaveChanges(ctx, &domain.Changes{DeletedKeyRequests: []string{"r1"}}))
		got, err = s.GetKeyRequestByInfo(ctx, "!r:x", "sess")
		require.NoError(t, err)
		require.Nil(t, got)
		all, err := s.GetKeyRequests(ctx)
		require.NoError(t, err)
		require.Empty(t, all)
	})
}

func TestSaveChanges_MessageHashes(t *testing.T) {
	forEachBackend(t, func(t *testing.T, s domain.CryptoStore) {
		ctx := context.Background()
		known, err := s.IsMessageKnown(ctx, "h")
		require.NoError(t, err)
		require.False(t, known)

		require.NoError(t, s.SaveChanges(ctx, &domain.Changes{
			Account:       &domain.Account{UserID: "@a:x"},
			MessageHashes: []string{"h"},
		}))
		known, err = s.IsMessageKnown(ctx, "h")
		require.NoError(t, err)
		require.True(t, known)
	})
}

func TestCancelledContext_IsStoreError(t *testing.T) {
	forEachBackend(t, func(t *testing.T, s domain.CryptoStore) {
		ctx, cancel := context.WithCancel(context.Background())
		cancel()
		err := s.SaveAccount(ctx, &domain.Account{UserID: "@a:x"})
		require.ErrorIs(t, err, domain.ErrStoreIO)
		require.True(t, errors.Is(err, context.Canceled))
	})
}

func TestBadger_ReopenAndWrongPassphrase(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "db")
	ctx := context.Background()

	s, err := store.OpenBadger(dir, "right", zaptest.NewLogger(t))
	require.NoError(t, err)
	require.NoError(t, s.SaveAccount(ctx, &domain.Account{UserID: "@a:x", DeviceID: "DEV"}))
	require.NoError(t, s.Close())

	_, err = store.OpenBadger(dir, "wrong", zaptest.NewLogger(t))
	require.ErrorIs(t, err, store.ErrWrongPassphrase)

	s, err = store.OpenBadger(dir, "right", zaptest.NewLogger(t))
	require.NoError(t, err)
	defer s.Close()
	acc, err := s.LoadAccount(ctx)
	require.NoError(t, err)
	require.Equal(t, id.DeviceID("DEV"), acc.DeviceID)
}

func TestWriteFile_Atomic(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "out.txt")
	require.NoError(t, store.WriteFile(path, []byte("one"), 0o600))
	require.NoError(t, store.WriteFile(path, []byte("two"), 0o600))

	b, err := store.ReadFile(path)
	require.NoError(t, err)
	require.Equal(t, "two", string(b))

	info, err := os.Stat(path)
	require.NoError(t, err)
	require.Equal(t, os.FileMode(0o600), info.Mode().Perm())

	missing, err := store.ReadFile(filepath.Join(t.TempDir(), "none"))
	require.NoError(t, err)
	require.Nil(t, missing)
}
