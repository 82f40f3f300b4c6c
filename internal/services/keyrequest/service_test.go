package keyrequest_test

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
	"maunium.net/go/mautrix/id"

	"olmkit/internal/domain"
	"olmkit/internal/domain/types"
	"olmkit/internal/metrics"
	"olmkit/internal/relay"
	"olmkit/internal/services/account"
	"olmkit/internal/services/group"
	"olmkit/internal/services/identity"
	"olmkit/internal/services/keyrequest"
	"olmkit/internal/services/message"
	"olmkit/internal/services/session"
	"olmkit/internal/store"
)

const (
	alice id.UserID = "@alice:example.org"
	room  id.RoomID = "!room:example.org"
)

type device struct {
	id       id.DeviceID
	identity *identity.Service
	messages *message.Service
	groups   *group.Service
	requests *keyrequest.Service
	metrics  *metrics.Metrics
}

func newDevice(t *testing.T, dir *relay.Directory, user id.UserID, dev id.DeviceID, cfg keyrequest.Config) *device {
	t.Helper()
	ctx := context.Background()
	log := zaptest.NewLogger(t)
	st := store.NewMemory(log)
	accounts := account.New(st, dir, log)
	_, err := accounts.Create(ctx, user, dev)
	require.NoError(t, err)
	require.NoError(t, accounts.UploadKeys(ctx))
	m := metrics.New(nil)
	ids := identity.New(st, dir, accounts, log)
	sessions := session.New(st, dir, accounts, m, session.Config{}, log)
	msgs := message.New(sessions, ids, accounts, st, m, log)
	groups := group.New(st, accounts, ids, msgs, nil, m, log)
	requests := keyrequest.New(st, accounts, ids, msgs, groups, m, cfg, log)
	require.NoError(t, requests.Load(ctx))
	return &device{id: dev, identity: ids, messages: msgs, groups: groups, requests: requests, metrics: m}
}

// pair returns two devices of alice that know each other.
func pair(t *testing.T, cfg keyrequest.Config) (*device, *device) {
	t.Helper()
	ctx := context.Background()
	dir := relay.NewDirectory(zaptest.NewLogger(t))
	desktop := newDevice(t, dir, alice, "DESKTOP", cfg)
	phone := newDevice(t, dir, alice, "PHONE", cfg)
	for _, d := range []*device{desktop, phone} {
		_, err := d.identity.QueryKeys(ctx, []id.UserID{alice})
		require.NoError(t, err)
	}
	return desktop, phone
}

func trust(t *testing.T, d, other *device) {
	t.Helper()
	ctx := context.Background()
	dev, err := d.identity.GetDevice(ctx, alice, other.id)
	require.NoError(t, err)
	require.NoError(t, d.identity.VerifyDevice(ctx, alice, other.id, dev.SigningKey))
}

func plain(t *testing.T, req *domain.ToDeviceRequest, to id.DeviceID) *domain.ToDeviceEvent {
	t.Helper()
	raw, ok := req.Messages[alice][to]
	require.True(t, ok, "nothing addressed to %s", to)
	return &domain.ToDeviceEvent{Sender: alice, Type: req.EventType, Content: raw}
}

// lostKey has desktop send a room event whose key phone never received.
func lostKey(t *testing.T, desktop *device) *domain.RoomEvent {
	t.Helper()
	content, _, err := desktop.groups.EncryptRoomEvent(context.Background(), room, "m.room.message", map[string]string{"body": "secret"}, []id.UserID{alice})
	require.NoError(t, err)
	return &domain.RoomEvent{EventID: "$secret", Sender: alice, RoomID: room, Content: *content}
}

func TestRequestForwardAndSatisfy(t *testing.T) {
	ctx := context.Background()
	desktop, phone := pair(t, keyrequest.Config{})
	trust(t, desktop, phone)
	trust(t, phone, desktop)
	ev := lostKey(t, desktop)

	_, err := phone.groups.DecryptRoomEvent(ctx, ev)
	require.ErrorIs(t, err, domain.ErrNoMatchingSession)

	req, out, err := phone.requests.RequestRoomKey(ctx, room, ev.Content.SenderKey, ev.Content.SessionID)
	require.NoError(t, err)
	require.NotNil(t, out)
	require.Equal(t, types.EventRoomKeyRequest, out.EventType)
	require.Equal(t, 1, out.Len())

	require.NoError(t, desktop.requests.HandleIncomingRequest(ctx, plain(t, out, desktop.id)))
	forwards, refused, err := desktop.requests.ProcessIncomingRequests(ctx)
	require.NoError(t, err)
	require.Empty(t, refused)
	require.Len(t, forwards, 1)
	require.Equal(t, 1.0, testutil.ToFloat64(desktop.metrics.KeyRequests.WithLabelValues("forwarded")))

	dec, err := phone.messages.DecryptToDevice(ctx, plain(t, forwards[0], phone.id))
	require.NoError(t, err)
	require.Equal(t, types.EventForwardedRoomKey, dec.Type)
	igs, cancel, err := phone.requests.HandleForwardedRoomKey(ctx, dec)
	require.NoError(t, err)
	require.Equal(t, ev.Content.SessionID, igs.SessionID)
	require.NotNil(t, cancel)

	var c domain.RoomKeyRequestContent
	require.NoError(t, json.Unmarshal(cancel.Messages[alice][desktop.id], &c))
	require.Equal(t, types.KeyRequestActionCancel, c.Action)
	require.Equal(t, req.RequestID, c.RequestID)

	out2, err := phone.groups.DecryptRoomEvent(ctx, ev)
	require.NoError(t, err)
	require.True(t, out2.Forwarded)

	pending, err := phone.requests.Pending(ctx)
	require.NoError(t, err)
	require.Empty(t, pending)
	require.Equal(t, 1.0, testutil.ToFloat64(phone.metrics.KeyRequests.WithLabelValues("satisfied")))

	// A second forward of the same key is no longer wanted.
	_, _, err = phone.requests.HandleForwardedRoomKey(ctx, dec)
	require.ErrorIs(t, err, domain.ErrProtocolViolation)
}

func TestRequestsAreCoalesced(t *testing.T) {
	ctx := context.Background()
	_, phone := pair(t, keyrequest.Config{})

	first, out, err := phone.requests.RequestRoomKey(ctx, room, "c2VuZGVy", "session")
	require.NoError(t, err)
	require.NotNil(t, out)
	again, out2, err := phone.requests.RequestRoomKey(ctx, room, "c2VuZGVy", "session")
	require.NoError(t, err)
	require.Nil(t, out2)
	require.Equal(t, first.RequestID, again.RequestID)

	require.NoError(t, phone.requests.MarkRequestAsSent(ctx, out.TxnID))
	pending, err := phone.requests.Pending(ctx)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	require.Equal(t, types.KeyRequestSent, pending[0].State)

	cancel, err := phone.requests.CancelRoomKeyRequest(ctx, room, "session")
	require.NoError(t, err)
	require.NotNil(t, cancel)
	pending, err = phone.requests.Pending(ctx)
	require.NoError(t, err)
	require.Empty(t, pending)
}

func TestCancellationWithdrawsQueuedRequest(t *testing.T) {
	ctx := context.Background()
	desktop, phone := pair(t, keyrequest.Config{})
	trust(t, desktop, phone)
	ev := lostKey(t, desktop)

	_, out, err := phone.requests.RequestRoomKey(ctx, room, ev.Content.SenderKey, ev.Content.SessionID)
	require.NoError(t, err)
	cancel, err := phone.requests.CancelRoomKeyRequest(ctx, room, ev.Content.SessionID)
	require.NoError(t, err)

	require.NoError(t, desktop.requests.HandleIncomingRequest(ctx, plain(t, out, desktop.id)))
	require.NoError(t, desktop.requests.HandleIncomingRequest(ctx, plain(t, cancel, desktop.id)))
	forwards, refused, err := desktop.requests.ProcessIncomingRequests(ctx)
	require.NoError(t, err)
	require.Empty(t, forwards)
	require.Empty(t, refused)
}

func TestForwardingPolicy(t *testing.T) {
	ctx := context.Background()
	cases := []struct {
		name    string
		policy  keyrequest.Policy
		trusted bool
		refused bool
	}{
		{"never", keyrequest.ForwardNever, true, true},
		{"if verified and unverified", keyrequest.ForwardIfVerified, false, true},
		{"if verified and verified", keyrequest.ForwardIfVerified, true, false},
		{"always", keyrequest.ForwardAlways, false, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			desktop, phone := pair(t, keyrequest.Config{Policy: tc.policy})
			if tc.trusted {
				trust(t, desktop, phone)
			}
			ev := lostKey(t, desktop)
			req, out, err := phone.requests.RequestRoomKey(ctx, room, ev.Content.SenderKey, ev.Content.SessionID)
			require.NoError(t, err)

			require.NoError(t, desktop.requests.HandleIncomingRequest(ctx, plain(t, out, desktop.id)))
			forwards, refused, err := desktop.requests.ProcessIncomingRequests(ctx)
			require.NoError(t, err)
			if tc.refused {
				require.Empty(t, forwards)
				require.ErrorIs(t, refused[req.RequestID], domain.ErrUntrustedDevice)
				return
			}
			require.Len(t, forwards, 1)
			require.Empty(t, refused)
		})
	}
}

func TestRequestsFromOtherUsersAreRefused(t *testing.T) {
	ctx := context.Background()
	desktop, _ := pair(t, keyrequest.Config{Policy: keyrequest.ForwardAlways})
	content, err := json.Marshal(domain.RoomKeyRequestContent{
		Action:             types.KeyRequestActionRequest,
		Body:               &domain.RequestedKeyInfo{Algorithm: types.AlgorithmMegolm, RoomID: room, SessionID: "s"},
		RequestID:          "r1",
		RequestingDeviceID: "EVE",
	})
	require.NoError(t, err)
	err = desktop.requests.HandleIncomingRequest(ctx, &domain.ToDeviceEvent{Sender: "@eve:example.org", Type: types.EventRoomKeyRequest, Content: content})
	require.ErrorIs(t, err, domain.ErrUntrustedDevice)
}

func TestUnsolicitedForwardIsRejected(t *testing.T) {
	ctx := context.Background()
	desktop, phone := pair(t, keyrequest.Config{})
	trust(t, phone, desktop)
	content, err := json.Marshal(domain.ForwardedRoomKeyContent{
		Algorithm:  types.AlgorithmMegolm,
		RoomID:     room,
		SenderKey:  "c2VuZGVy",
		SessionID:  "session",
		SessionKey: "a2V5",
	})
	require.NoError(t, err)
	_, _, err = phone.requests.HandleForwardedRoomKey(ctx, &domain.DecryptedToDevice{
		Sender:  alice,
		Type:    types.EventForwardedRoomKey,
		Content: content,
	})
	require.ErrorIs(t, err, domain.ErrProtocolViolation)
}

func TestExpiryRetriesThenGivesUp(t *testing.T) {
	ctx := context.Background()
	_, phone := pair(t, keyrequest.Config{Timeout: time.Minute, MaxRetries: 1})
	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	phone.requests.SetClock(func() time.Time { return now })

	req, _, err := phone.requests.RequestRoomKey(ctx, room, "c2VuZGVy", "session")
	require.NoError(t, err)

	sweep, err := phone.requests.ExpireRequests(ctx)
	require.NoError(t, err)
	require.Empty(t, sweep.Resent)
	require.Empty(t, sweep.Unresolved)

	now = now.Add(2 * time.Minute)
	sweep, err = phone.requests.ExpireRequests(ctx)
	require.NoError(t, err)
	require.Len(t, sweep.Resent, 1)
	require.Empty(t, sweep.Unresolved)
	pending, err := phone.requests.Pending(ctx)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	require.Equal(t, 1, pending[0].Retries)

	now = now.Add(2 * time.Minute)
	sweep, err = phone.requests.ExpireRequests(ctx)
	require.NoError(t, err)
	require.Empty(t, sweep.Resent)
	require.Len(t, sweep.Unresolved, 1)
	require.Len(t, sweep.Cancellations, 1)
	require.Equal(t, req.RequestID, sweep.Unresolved[0].RequestID)
	require.Equal(t, types.KeyRequestUnresolved, sweep.Unresolved[0].State)
	require.Equal(t, 1.0, testutil.ToFloat64(phone.metrics.KeyRequests.WithLabelValues("unresolved")))

	pending, err = phone.requests.Pending(ctx)
	require.NoError(t, err)
	require.Empty(t, pending)
}

func TestNoRetriesGivesUpAtFirstTimeout(t *testing.T) {
	ctx := context.Background()
	desktop, phone := pair(t, keyrequest.Config{Timeout: time.Minute, MaxRetries: keyrequest.NoRetries})
	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	phone.requests.SetClock(func() time.Time { return now })

	req, _, err := phone.requests.RequestRoomKey(ctx, room, "c2VuZGVy", "session")
	require.NoError(t, err)

	now = now.Add(2 * time.Minute)
	sweep, err := phone.requests.ExpireRequests(ctx)
	require.NoError(t, err)
	require.Empty(t, sweep.Resent)
	require.Len(t, sweep.Unresolved, 1)
	require.Equal(t, req.RequestID, sweep.Unresolved[0].RequestID)

	require.Len(t, sweep.Cancellations, 1)
	raw, ok := sweep.Cancellations[0].Messages[alice][desktop.id]
	require.True(t, ok)
	var content domain.RoomKeyRequestContent
	require.NoError(t, json.Unmarshal(raw, &content))
	require.Equal(t, types.KeyRequestActionCancel, content.Action)
	require.Equal(t, req.RequestID, content.RequestID)
}

func TestParsePolicy(t *testing.T) {
	p, err := keyrequest.ParsePolicy("")
	require.NoError(t, err)
	require.Equal(t, keyrequest.ForwardIfVerified, p)
	_, err = keyrequest.ParsePolicy("sometimes")
	require.Error(t, err)
}
