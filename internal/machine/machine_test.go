package machine_test

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
	"maunium.net/go/mautrix/id"

	"olmkit/internal/domain"
	"olmkit/internal/domain/types"
	"olmkit/internal/machine"
	"olmkit/internal/relay"
	"olmkit/internal/services/keyrequest"
	"olmkit/internal/store"
)

const room id.RoomID = "!room:example.org"

// members is a mutable room membership shared by every device in a test.
type members struct {
	mu    sync.Mutex
	users []id.UserID
}

func (r *members) set(users ...id.UserID) {
	r.mu.Lock()
	r.users = users
	r.mu.Unlock()
}

func (r *members) JoinedMembers(context.Context, id.RoomID) ([]id.UserID, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]id.UserID(nil), r.users...), nil
}

func (r *members) EncryptionSettings(context.Context, id.RoomID) (domain.GroupEncryptionSettings, error) {
	return domain.GroupEncryptionSettings{Algorithm: types.AlgorithmMegolm}, nil
}

type message struct {
	Body string `json:"body"`
}

func newMachine(t *testing.T, dir *relay.Directory, rooms domain.Rooms, user id.UserID, device id.DeviceID) *machine.Machine {
	t.Helper()
	ctx := context.Background()
	log := zaptest.NewLogger(t)
	m, err := machine.New(ctx, machine.Options{
		UserID:       user,
		DeviceID:     device,
		Store:        store.NewMemory(log),
		Server:       dir,
		Rooms:        rooms,
		Log:          log,
		ExportRounds: 1000,
	})
	require.NoError(t, err)
	require.NoError(t, m.UploadKeys(ctx))
	t.Cleanup(func() { _ = m.Close() })
	return m
}

// flush delivers everything from has queued for to and marks it as sent.
func flush(t *testing.T, from, to *machine.Machine) *machine.SyncResult {
	t.Helper()
	ctx := context.Background()
	var events []domain.ToDeviceEvent
	for _, req := range from.OutgoingRequests() {
		if raw, ok := req.Messages[to.UserID()][to.DeviceID()]; ok {
			events = append(events, domain.ToDeviceEvent{Sender: from.UserID(), Type: req.EventType, Content: raw})
		}
		require.NoError(t, from.MarkRequestAsSent(ctx, req.TxnID))
	}
	res, err := to.ReceiveSyncChanges(ctx, &domain.SyncChanges{ToDevice: events})
	require.NoError(t, err)
	return res
}

// converse flushes both ways until neither side has anything left to say.
func converse(t *testing.T, a, b *machine.Machine) {
	t.Helper()
	for i := 0; i < 10; i++ {
		if len(a.OutgoingRequests()) == 0 && len(b.OutgoingRequests()) == 0 {
			return
		}
		flush(t, a, b)
		flush(t, b, a)
	}
	t.Fatal("conversation did not settle")
}

func pair(t *testing.T) (*machine.Machine, *machine.Machine) {
	t.Helper()
	dir := relay.NewDirectory(zaptest.NewLogger(t))
	alice := newMachine(t, dir, nil, "@alice:example.org", "ALICE")
	bob := newMachine(t, dir, nil, "@bob:example.org", "BOB")
	ctx := context.Background()
	_, err := alice.QueryKeys(ctx, bob.UserID())
	require.NoError(t, err)
	_, err = bob.QueryKeys(ctx, alice.UserID())
	require.NoError(t, err)
	return alice, bob
}

func TestToDeviceHelloAndReplay(t *testing.T) {
	ctx := context.Background()
	alice, bob := pair(t)

	req, err := alice.EncryptToDevice(ctx, bob.UserID(), bob.DeviceID(), "org.example.hello", message{Body: "hello"})
	require.NoError(t, err)
	require.Len(t, alice.OutgoingRequests(), 1)

	raw := req.Messages[bob.UserID()][bob.DeviceID()]
	event := domain.ToDeviceEvent{Sender: alice.UserID(), Type: req.EventType, Content: raw}
	res, err := bob.ReceiveSyncChanges(ctx, &domain.SyncChanges{ToDevice: []domain.ToDeviceEvent{event}})
	require.NoError(t, err)
	require.Empty(t, res.Failed)
	require.Len(t, res.Decrypted, 1)
	require.Equal(t, "org.example.hello", res.Decrypted[0].Type)
	require.Equal(t, alice.DeviceID(), res.Decrypted[0].SenderDevice)
	var got message
	require.NoError(t, json.Unmarshal(res.Decrypted[0].Content, &got))
	require.Equal(t, "hello", got.Body)

	// The same ciphertext again is a replay and is dropped.
	res, err = bob.ReceiveSyncChanges(ctx, &domain.SyncChanges{ToDevice: []domain.ToDeviceEvent{event}})
	require.NoError(t, err)
	require.Empty(t, res.Decrypted)
	require.ErrorIs(t, res.Failed[0], domain.ErrReplayedMessage)

	require.NoError(t, alice.MarkRequestAsSent(ctx, req.TxnID))
	require.Empty(t, alice.OutgoingRequests())
}

func TestReplaceSessionNeedsTrust(t *testing.T) {
	ctx := context.Background()
	alice, bob := pair(t)

	_, err := alice.EncryptToDevice(ctx, bob.UserID(), bob.DeviceID(), "org.example.hello", message{Body: "one"})
	require.NoError(t, err)
	res := flush(t, alice, bob)
	require.Empty(t, res.Failed)

	_, err = alice.ReplaceSession(ctx, bob.UserID(), bob.DeviceID())
	require.ErrorIs(t, err, domain.ErrUntrustedDevice)

	keys, err := bob.IdentityKeys()
	require.NoError(t, err)
	wrong, err := alice.IdentityKeys()
	require.NoError(t, err)
	require.ErrorIs(t, alice.VerifyDevice(ctx, bob.UserID(), bob.DeviceID(), wrong.Ed25519), domain.ErrSignatureInvalid)
	require.NoError(t, alice.VerifyDevice(ctx, bob.UserID(), bob.DeviceID(), keys.Ed25519))

	req, err := alice.ReplaceSession(ctx, bob.UserID(), bob.DeviceID())
	require.NoError(t, err)
	require.Equal(t, types.EventEncrypted, req.EventType)
	res = flush(t, alice, bob)
	require.Empty(t, res.Failed)
	require.Empty(t, res.Decrypted, "m.dummy is consumed")

	_, err = alice.EncryptToDevice(ctx, bob.UserID(), bob.DeviceID(), "org.example.hello", message{Body: "two"})
	require.NoError(t, err)
	res = flush(t, alice, bob)
	require.Empty(t, res.Failed)
	require.Len(t, res.Decrypted, 1)
	var got message
	require.NoError(t, json.Unmarshal(res.Decrypted[0].Content, &got))
	require.Equal(t, "two", got.Body)
}

func TestPlaintextRoutingAndPassthrough(t *testing.T) {
	ctx := context.Background()
	_, bob := pair(t)

	res, err := bob.ReceiveSyncChanges(ctx, &domain.SyncChanges{ToDevice: []domain.ToDeviceEvent{
		{Sender: "@alice:example.org", Type: types.EventRoomKey, Content: json.RawMessage(`{}`)},
		{Sender: "@alice:example.org", Type: "org.example.custom", Content: json.RawMessage(`{"a":1}`)},
	}})
	require.NoError(t, err)
	require.ErrorIs(t, res.Failed[0], domain.ErrProtocolViolation)
	require.Len(t, res.Passthrough, 1)
	require.Equal(t, "org.example.custom", res.Passthrough[0].Type)
}

func TestRoomKeySharedWithNewMember(t *testing.T) {
	ctx := context.Background()
	dir := relay.NewDirectory(zaptest.NewLogger(t))
	rooms := &members{}
	alice := newMachine(t, dir, rooms, "@alice:example.org", "ALICE")
	bob := newMachine(t, dir, rooms, "@bob:example.org", "BOB")
	carol := newMachine(t, dir, rooms, "@carol:example.org", "CAROL")
	dave := newMachine(t, dir, rooms, "@dave:example.org", "DAVE")

	rooms.set(alice.UserID(), bob.UserID(), carol.UserID())
	content, err := alice.EncryptRoomEvent(ctx, room, "m.room.message", message{Body: "three of us"})
	require.NoError(t, err)
	queued := alice.OutgoingRequests()
	require.Len(t, queued, 1)
	require.Equal(t, 2, queued[0].Len())
	require.NoError(t, alice.MarkRequestAsSent(ctx, queued[0].TxnID))
	for _, to := range []*machine.Machine{bob, carol} {
		raw := queued[0].Messages[to.UserID()][to.DeviceID()]
		res, err := to.ReceiveSyncChanges(ctx, &domain.SyncChanges{ToDevice: []domain.ToDeviceEvent{{Sender: alice.UserID(), Type: queued[0].EventType, Content: raw}}})
		require.NoError(t, err)
		require.Len(t, res.RoomKeys, 1)
	}

	event := &domain.RoomEvent{EventID: "$1", Sender: alice.UserID(), RoomID: room, Content: *content}
	out, err := carol.DecryptRoomEvent(ctx, event)
	require.NoError(t, err)
	var got message
	require.NoError(t, json.Unmarshal(out.Content, &got))
	require.Equal(t, "three of us", got.Body)

	// A fourth member gets the current session, nobody else is messaged again.
	rooms.set(alice.UserID(), bob.UserID(), carol.UserID(), dave.UserID())
	res, err := alice.ShareRoomKey(ctx, room)
	require.NoError(t, err)
	require.False(t, res.Rotated)
	require.Equal(t, content.SessionID, res.SessionID)
	require.Equal(t, 1, res.Request.Len())
	_, toDave := res.Request.Messages[dave.UserID()]
	require.True(t, toDave)

	flush(t, alice, dave)
	second, err := alice.EncryptRoomEvent(ctx, room, "m.room.message", message{Body: "four of us"})
	require.NoError(t, err)
	require.Empty(t, alice.OutgoingRequests())
	out, err = dave.DecryptRoomEvent(ctx, &domain.RoomEvent{EventID: "$2", Sender: alice.UserID(), RoomID: room, Content: *second})
	require.NoError(t, err)
	require.Equal(t, uint32(1), out.MessageIndex)

	// Dave joined after the first message.
	_, err = dave.DecryptRoomEvent(ctx, event)
	require.ErrorIs(t, err, domain.ErrOutOfOrderSession)
}

func TestRoomOperationsNeedMembership(t *testing.T) {
	alice, _ := pair(t)
	_, err := alice.EncryptRoomEvent(context.Background(), room, "m.room.message", message{})
	require.ErrorIs(t, err, machine.ErrNoRooms)
}

func TestExportImportRoomKeys(t *testing.T) {
	ctx := context.Background()
	dir := relay.NewDirectory(zaptest.NewLogger(t))
	rooms := &members{}
	alice := newMachine(t, dir, rooms, "@alice:example.org", "ALICE")
	bob := newMachine(t, dir, rooms, "@bob:example.org", "BOB")
	rooms.set(alice.UserID(), bob.UserID())

	content, err := alice.EncryptRoomEvent(ctx, room, "m.room.message", message{Body: "keep me"})
	require.NoError(t, err)
	flush(t, alice, bob)
	event := &domain.RoomEvent{EventID: "$1", Sender: alice.UserID(), RoomID: room, Content: *content}

	data, err := bob.ExportRoomKeys(ctx, room, "correct horse")
	require.NoError(t, err)

	restored := newMachine(t, dir, rooms, bob.UserID(), "BOB2")
	_, err = restored.DecryptRoomEvent(ctx, event)
	require.ErrorIs(t, err, domain.ErrNoMatchingSession)

	_, err = restored.ImportRoomKeys(ctx, data, "wrong")
	require.Error(t, err)

	res, err := restored.ImportRoomKeys(ctx, data, "correct horse")
	require.NoError(t, err)
	require.Equal(t, 1, res.Total)
	require.Equal(t, 1, res.Imported)

	out, err := restored.DecryptRoomEvent(ctx, event)
	require.NoError(t, err)
	require.True(t, out.Forwarded)
	require.True(t, out.Historical)
	var got message
	require.NoError(t, json.Unmarshal(out.Content, &got))
	require.Equal(t, "keep me", got.Body)
}

func TestMissingKeyIsRequested(t *testing.T) {
	ctx := context.Background()
	dir := relay.NewDirectory(zaptest.NewLogger(t))
	log := zaptest.NewLogger(t)
	desktop := newMachine(t, dir, nil, "@alice:example.org", "DESKTOP")
	phone, err := machine.New(ctx, machine.Options{
		UserID:             desktop.UserID(),
		DeviceID:           "PHONE",
		Store:              store.NewMemory(log),
		Server:             dir,
		Log:                log,
		RequestMissingKeys: true,
	})
	require.NoError(t, err)
	require.NoError(t, phone.UploadKeys(ctx))
	_, err = phone.QueryKeys(ctx, desktop.UserID())
	require.NoError(t, err)

	event := &domain.RoomEvent{EventID: "$1", Sender: "@bob:example.org", RoomID: room, Content: domain.MegolmEncryptedContent{
		Algorithm: types.AlgorithmMegolm,
		SenderKey: "senderkey",
		SessionID: "session",
	}}
	_, err = phone.DecryptRoomEvent(ctx, event)
	require.ErrorIs(t, err, domain.ErrNoMatchingSession)

	pending, err := phone.PendingKeyRequests(ctx)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	queued := phone.OutgoingRequests()
	require.Len(t, queued, 1)
	require.Equal(t, types.EventRoomKeyRequest, queued[0].EventType)
	_, toDesktop := queued[0].Messages[desktop.UserID()][desktop.DeviceID()]
	require.True(t, toDesktop)

	// Failing again does not ask twice.
	_, err = phone.DecryptRoomEvent(ctx, event)
	require.ErrorIs(t, err, domain.ErrNoMatchingSession)
	require.Len(t, phone.OutgoingRequests(), 1)
}

func TestSASVerification(t *testing.T) {
	ctx := context.Background()
	alice, bob := pair(t)

	f, err := alice.StartVerification(ctx, bob.UserID(), bob.DeviceID(), types.MethodSAS)
	require.NoError(t, err)
	flush(t, alice, bob)

	incoming := bob.Verifications()
	require.Len(t, incoming, 1)
	require.Equal(t, f.ID, incoming[0].ID)
	require.NoError(t, bob.AcceptVerification(ctx, f.ID))
	converse(t, alice, bob)

	for _, m := range []*machine.Machine{alice, bob} {
		flow, err := m.Verification(f.ID)
		require.NoError(t, err)
		require.Equal(t, types.FlowKeyExchanged, flow.State)
	}
	a, err := alice.SAS(f.ID)
	require.NoError(t, err)
	b, err := bob.SAS(f.ID)
	require.NoError(t, err)
	require.True(t, a.Equal(b))

	require.NoError(t, alice.ConfirmVerification(ctx, f.ID))
	require.NoError(t, bob.ConfirmVerification(ctx, f.ID))
	converse(t, alice, bob)

	for _, m := range []*machine.Machine{alice, bob} {
		flow, err := m.Verification(f.ID)
		require.NoError(t, err)
		require.Equal(t, types.FlowDone, flow.State)
	}
	trust, err := alice.DeviceTrust(ctx, bob.UserID(), bob.DeviceID())
	require.NoError(t, err)
	require.Equal(t, types.TrustLevelVerified, trust)
	trust, err = bob.DeviceTrust(ctx, alice.UserID(), alice.DeviceID())
	require.NoError(t, err)
	require.Equal(t, types.TrustLevelVerified, trust)
}

func TestSASMismatchCancelsBothSides(t *testing.T) {
	ctx := context.Background()
	alice, bob := pair(t)

	f, err := alice.StartVerification(ctx, bob.UserID(), bob.DeviceID(), types.MethodSAS)
	require.NoError(t, err)
	flush(t, alice, bob)
	require.NoError(t, bob.AcceptVerification(ctx, f.ID))
	converse(t, alice, bob)

	require.NoError(t, bob.MismatchVerification(ctx, f.ID))
	converse(t, alice, bob)

	for _, m := range []*machine.Machine{alice, bob} {
		flow, err := m.Verification(f.ID)
		require.NoError(t, err)
		require.Equal(t, types.FlowCancelled, flow.State)
		require.Equal(t, types.CancelMismatchedSAS, flow.CancelCode)
	}
	trust, err := alice.DeviceTrust(ctx, bob.UserID(), bob.DeviceID())
	require.NoError(t, err)
	require.NotEqual(t, types.TrustLevelVerified, trust)
}

func TestStartVerificationRejectsUnknownMethod(t *testing.T) {
	alice, bob := pair(t)
	_, err := alice.StartVerification(context.Background(), bob.UserID(), bob.DeviceID(), types.MethodReciprocate)
	require.ErrorIs(t, err, domain.ErrUnsupportedAlgo)
	require.Empty(t, alice.OutgoingRequests())
}

func TestReopenKeepsAccount(t *testing.T) {
	ctx := context.Background()
	log := zaptest.NewLogger(t)
	dir := relay.NewDirectory(log)
	st := store.NewMemory(log)
	opts := machine.Options{UserID: "@alice:example.org", DeviceID: "ALICE", Store: st, Server: dir, Log: log}

	first, err := machine.New(ctx, opts)
	require.NoError(t, err)
	keys, err := first.IdentityKeys()
	require.NoError(t, err)

	second, err := machine.New(ctx, opts)
	require.NoError(t, err)
	again, err := second.IdentityKeys()
	require.NoError(t, err)
	require.Equal(t, keys, again)

	opts.DeviceID = "OTHER"
	_, err = machine.New(ctx, opts)
	require.Error(t, err)
}

func TestUnsentRoomKeyRequeuedAfterRestart(t *testing.T) {
	ctx := context.Background()
	log := zaptest.NewLogger(t)
	dir := relay.NewDirectory(log)
	rooms := &members{}
	bob := newMachine(t, dir, rooms, "@bob:example.org", "BOB")
	opts := machine.Options{UserID: "@alice:example.org", DeviceID: "ALICE", Store: store.NewMemory(log), Server: dir, Rooms: rooms, Log: log}
	alice, err := machine.New(ctx, opts)
	require.NoError(t, err)
	require.NoError(t, alice.UploadKeys(ctx))
	rooms.set(alice.UserID(), bob.UserID())
	_, err = bob.QueryKeys(ctx, alice.UserID())
	require.NoError(t, err)

	content, err := alice.EncryptRoomEvent(ctx, room, "m.room.message", message{Body: "before the crash"})
	require.NoError(t, err)
	queued := alice.OutgoingRequests()
	require.Len(t, queued, 1)

	restarted, err := machine.New(ctx, opts)
	require.NoError(t, err)
	requeued := restarted.OutgoingRequests()
	require.Len(t, requeued, 1)
	require.Equal(t, queued[0].TxnID, requeued[0].TxnID)

	res := flush(t, restarted, bob)
	require.Empty(t, res.Failed)
	require.Len(t, res.RoomKeys, 1)
	out, err := bob.DecryptRoomEvent(ctx, &domain.RoomEvent{EventID: "$1", Sender: alice.UserID(), RoomID: room, Content: *content})
	require.NoError(t, err)
	var got message
	require.NoError(t, json.Unmarshal(out.Content, &got))
	require.Equal(t, "before the crash", got.Body)

	again, err := machine.New(ctx, opts)
	require.NoError(t, err)
	require.Empty(t, again.OutgoingRequests())
}

func TestUnansweredKeyRequestIsReported(t *testing.T) {
	ctx := context.Background()
	log := zaptest.NewLogger(t)
	dir := relay.NewDirectory(log)
	desktop := newMachine(t, dir, nil, "@alice:example.org", "DESKTOP")
	phone, err := machine.New(ctx, machine.Options{
		UserID:      desktop.UserID(),
		DeviceID:    "PHONE",
		Store:       store.NewMemory(log),
		Server:      dir,
		Log:         log,
		KeyRequests: keyrequest.Config{Timeout: time.Minute, MaxRetries: 1},
	})
	require.NoError(t, err)
	require.NoError(t, phone.UploadKeys(ctx))
	_, err = phone.QueryKeys(ctx, desktop.UserID())
	require.NoError(t, err)
	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	phone.SetClock(func() time.Time { return now })

	req, err := phone.RequestRoomKey(ctx, room, "c2VuZGVy", "session")
	require.NoError(t, err)
	sendAll(t, phone)

	var unresolved []*domain.KeyRequest
	for i := 0; i < 4; i++ {
		now = now.Add(2 * time.Minute)
		res, err := phone.ReceiveSyncChanges(ctx, &domain.SyncChanges{})
		require.NoError(t, err)
		unresolved = append(unresolved, res.Unresolved...)
		if len(res.Unresolved) > 0 {
			queued := phone.OutgoingRequests()
			require.Len(t, queued, 1)
			raw, ok := queued[0].Messages[desktop.UserID()][desktop.DeviceID()]
			require.True(t, ok)
			var content domain.RoomKeyRequestContent
			require.NoError(t, json.Unmarshal(raw, &content))
			require.Equal(t, types.KeyRequestActionCancel, content.Action)
			require.Equal(t, req.RequestID, content.RequestID)
		}
		sendAll(t, phone)
	}
	require.Len(t, unresolved, 1)
	require.Equal(t, req.RequestID, unresolved[0].RequestID)
	require.Equal(t, types.KeyRequestUnresolved, unresolved[0].State)

	pending, err := phone.PendingKeyRequests(ctx)
	require.NoError(t, err)
	require.Empty(t, pending)
}

// sendAll marks everything m has queued as sent.
func sendAll(t *testing.T, m *machine.Machine) {
	t.Helper()
	for _, req := range m.OutgoingRequests() {
		require.NoError(t, m.MarkRequestAsSent(context.Background(), req.TxnID))
	}
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

func TestVerificationFinishesWhenSignatureUploadFails(t *testing.T) {
	ctx := context.Background()
	log := zaptest.NewLogger(t)
	server := &signaturesDown{Directory: relay.NewDirectory(log)}
	open := func(device id.DeviceID) *machine.Machine {
		m, err := machine.New(ctx, machine.Options{UserID: "@alice:example.org", DeviceID: device, Store: store.NewMemory(log), Server: server, Log: log})
		require.NoError(t, err)
		require.NoError(t, m.UploadKeys(ctx))
		return m
	}
	desktop, laptop := open("DESKTOP"), open("LAPTOP")
	_, err := desktop.BootstrapCrossSigning(ctx)
	require.NoError(t, err)
	for _, m := range []*machine.Machine{desktop, laptop} {
		_, err := m.QueryKeys(ctx, m.UserID())
		require.NoError(t, err)
	}
	server.down.Store(true)

	f, err := desktop.StartVerification(ctx, laptop.UserID(), laptop.DeviceID(), types.MethodSAS)
	require.NoError(t, err)
	flush(t, desktop, laptop)
	require.NoError(t, laptop.AcceptVerification(ctx, f.ID))
	converse(t, desktop, laptop)
	require.NoError(t, desktop.ConfirmVerification(ctx, f.ID))
	require.NoError(t, laptop.ConfirmVerification(ctx, f.ID))
	converse(t, desktop, laptop)

	for _, m := range []*machine.Machine{desktop, laptop} {
		flow, err := m.Verification(f.ID)
		require.NoError(t, err)
		require.Equal(t, types.FlowDone, flow.State)
	}
	trust, err := desktop.DeviceTrust(ctx, laptop.UserID(), laptop.DeviceID())
	require.NoError(t, err)
	require.Equal(t, types.TrustLevelVerified, trust)
	dev, err := desktop.Device(ctx, laptop.UserID(), laptop.DeviceID())
	require.NoError(t, err)
	require.Len(t, dev.Signatures[laptop.UserID()], 2, "self-signature stored locally")
}
