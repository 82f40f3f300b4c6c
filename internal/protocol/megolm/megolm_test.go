package megolm_test

import (
	"crypto/rand"
	"testing"

	"github.com/stretchr/testify/require"
	"maunium.net/go/mautrix/id"

	"olmkit/internal/domain"
	"olmkit/internal/protocol/megolm"
)

const (
	room      = id.RoomID("!room:example.org")
	senderKey = id.Curve25519("c2VuZGVyLWtleQ")
	claimed   = id.Ed25519("Y2xhaW1lZC1rZXk")
)

func TestAdvanceToMatchesRepeatedAdvance(t *testing.T) {
	for _, target := range []uint32{1, 255, 256, 257, 1000, 0x10000 + 3} {
		var a domain.MegolmRatchet
		_, err := rand.Read(a.Data[:])
		require.NoError(t, err)
		b := a

		for a.Counter < target {
			megolm.Advance(&a)
		}
		megolm.AdvanceTo(&b, target)
		require.Equal(t, a, b, "target %d", target)
	}
}

func TestAdvanceToFromMidway(t *testing.T) {
	var a domain.MegolmRatchet
	_, err := rand.Read(a.Data[:])
	require.NoError(t, err)
	megolm.AdvanceTo(&a, 300)
	b := a
	megolm.AdvanceTo(&a, 70000)
	for b.Counter < 70000 {
		megolm.Advance(&b)
	}
	require.Equal(t, a, b)
}

func newPair(t *testing.T) (*domain.OutboundGroupSession, *domain.InboundGroupSession) {
	t.Helper()
	out, err := megolm.NewOutboundGroupSession(room, megolm.DefaultSettings())
	require.NoError(t, err)
	in, err := megolm.NewInboundGroupSession(room, senderKey, claimed, megolm.SessionKey(out))
	require.NoError(t, err)
	require.Equal(t, out.SessionID, in.SessionID)
	return out, in
}

func TestEncryptDecrypt(t *testing.T) {
	out, in := newPair(t)
	for i := 0; i < 3; i++ {
		ct, idx, err := megolm.Encrypt(out, []byte("message"))
		require.NoError(t, err)
		require.Equal(t, uint32(i), idx)

		pt, got, err := megolm.Decrypt(in, ct, "$ev"+string(rune('a'+i)))
		require.NoError(t, err)
		require.Equal(t, idx, got)
		require.Equal(t, "message", string(pt))
	}
	require.Equal(t, uint32(3), out.MessageCount)
}

func TestDecryptBeforeFirstKnownIndexIsOutOfOrder(t *testing.T) {
	out, err := megolm.NewOutboundGroupSession(room, megolm.DefaultSettings())
	require.NoError(t, err)
	early, _, err := megolm.Encrypt(out, []byte("early"))
	require.NoError(t, err)

	// The receiver gets the key only at index 1.
	in, err := megolm.NewInboundGroupSession(room, senderKey, claimed, megolm.SessionKey(out))
	require.NoError(t, err)
	require.Equal(t, uint32(1), in.FirstKnownIndex())

	_, _, err = megolm.Decrypt(in, early, "$early")
	require.ErrorIs(t, err, domain.ErrOutOfOrderSession)

	late, _, err := megolm.Encrypt(out, []byte("late"))
	require.NoError(t, err)
	pt, _, err := megolm.Decrypt(in, late, "$late")
	require.NoError(t, err)
	require.Equal(t, "late", string(pt))
}

func TestReplayWithDifferentEventID(t *testing.T) {
	out, in := newPair(t)
	ct, _, err := megolm.Encrypt(out, []byte("once"))
	require.NoError(t, err)

	_, _, err = megolm.Decrypt(in, ct, "$one")
	require.NoError(t, err)
	_, _, err = megolm.Decrypt(in, ct, "$one")
	require.NoError(t, err, "same event may be decrypted again")
	_, _, err = megolm.Decrypt(in, ct, "$two")
	require.ErrorIs(t, err, domain.ErrReplayedMessage)
}

func TestOlderIndexAfterNewerStillDecrypts(t *testing.T) {
	out, in := newPair(t)
	first, _, err := megolm.Encrypt(out, []byte("first"))
	require.NoError(t, err)
	second, _, err := megolm.Encrypt(out, []byte("second"))
	require.NoError(t, err)

	_, _, err = megolm.Decrypt(in, second, "$2")
	require.NoError(t, err)
	require.Equal(t, uint32(1), in.Latest.Counter)

	pt, _, err := megolm.Decrypt(in, first, "$1")
	require.NoError(t, err)
	require.Equal(t, "first", string(pt))
	require.Equal(t, uint32(1), in.Latest.Counter, "latest never rewinds")
}

func TestExportImportRoundTrip(t *testing.T) {
	out, in := newPair(t)
	ct, _, err := megolm.Encrypt(out, []byte("kept"))
	require.NoError(t, err)

	exported, err := megolm.Export(in)
	require.NoError(t, err)
	imported, err := megolm.ImportInboundGroupSession(exported)
	require.NoError(t, err)
	require.True(t, imported.Imported)

	pt, _, err := megolm.Decrypt(imported, ct, "$kept")
	require.NoError(t, err)
	require.Equal(t, "kept", string(pt))
}

func TestMergeKeepsLowestIndex(t *testing.T) {
	out, early := newPair(t)
	_, _, err := megolm.Encrypt(out, []byte("x"))
	require.NoError(t, err)
	late, err := megolm.NewInboundGroupSession(room, senderKey, claimed, megolm.SessionKey(out))
	require.NoError(t, err)

	kept, replaced, err := megolm.Merge(late, early)
	require.NoError(t, err)
	require.True(t, replaced)
	require.Equal(t, uint32(0), kept.FirstKnownIndex())

	kept, replaced, err = megolm.Merge(early, late)
	require.NoError(t, err)
	require.False(t, replaced)
	require.Equal(t, uint32(0), kept.FirstKnownIndex())
}

func TestMergeRejectsConflictingKey(t *testing.T) {
	_, a := newPair(t)
	b := a.Clone()
	b.Initial.Data[0] ^= 0xff
	_, _, err := megolm.Merge(a, b)
	require.ErrorIs(t, err, domain.ErrRatchetMismatch)
}

func TestShouldRotate(t *testing.T) {
	settings := megolm.DefaultSettings()
	settings.RotationMessages = 2
	out, err := megolm.NewOutboundGroupSession(room, settings)
	require.NoError(t, err)
	require.False(t, megolm.ShouldRotate(out, out.CreatedAt))

	for i := 0; i < 2; i++ {
		_, _, err = megolm.Encrypt(out, []byte("m"))
		require.NoError(t, err)
	}
	require.True(t, megolm.ShouldRotate(out, out.CreatedAt))

	fresh, err := megolm.NewOutboundGroupSession(room, megolm.DefaultSettings())
	require.NoError(t, err)
	require.True(t, megolm.ShouldRotate(fresh, fresh.CreatedAt.Add(megolm.DefaultRotationPeriod)))
	megolm.Invalidate(fresh)
	require.True(t, megolm.ShouldRotate(fresh, fresh.CreatedAt))
	_, _, err = megolm.Encrypt(fresh, []byte("m"))
	require.Error(t, err)
}

func TestMarkSentFlipsPendingShares(t *testing.T) {
	out, _ := newPair(t)
	megolm.MarkShared(out, "@bob:example.org", "BOB", domain.X25519Public{1}, "txn1")
	megolm.MarkShared(out, "@carol:example.org", "CAROL", domain.X25519Public{2}, "txn2")
	require.Equal(t, 2, out.SharedCount())

	require.True(t, megolm.MarkSent(out, "txn1"))
	require.False(t, megolm.MarkSent(out, "txn1"))
	info, ok := out.ShareInfoFor("@bob:example.org", "BOB")
	require.True(t, ok)
	require.EqualValues(t, 1, info.State)
}
