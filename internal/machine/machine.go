package machine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
	"maunium.net/go/mautrix/id"

	"olmkit/internal/domain"
	"olmkit/internal/domain/types"
	"olmkit/internal/metrics"
	"olmkit/internal/services/account"
	"olmkit/internal/services/group"
	"olmkit/internal/services/identity"
	"olmkit/internal/services/keyrequest"
	"olmkit/internal/services/message"
	"olmkit/internal/services/session"
	"olmkit/internal/services/verification"
)

var (
	// ErrNoRooms is returned by room operations when the machine was built
	// without a room membership source.
	ErrNoRooms = errors.New("no room membership source configured")
	// ErrClosed is returned once Close has been called.
	ErrClosed = errors.New("machine closed")
)

// Options configures a Machine. Store and Server are required.
type Options struct {
	UserID   id.UserID
	DeviceID id.DeviceID

	Store  domain.CryptoStore
	Server domain.KeyServer
	// Rooms answers membership and encryption settings. Optional, room
	// encryption needs it.
	Rooms domain.Rooms

	// Registerer receives the engine metrics. Nil keeps them unregistered.
	Registerer prometheus.Registerer
	Log        *zap.Logger

	Session      session.Config
	KeyRequests  keyrequest.Config
	Verification verification.Config
	// ExportRounds is the PBKDF2 iteration count of key exports. Zero selects
	// the default.
	ExportRounds uint32
	// RequestMissingKeys asks our other devices for room keys we fail to find.
	RequestMissingKeys bool
}

// Machine is the crypto engine of one device.
type Machine struct {
	userID   id.UserID
	deviceID id.DeviceID

	store   domain.CryptoStore
	rooms   domain.Rooms
	metrics *metrics.Metrics
	log     *zap.Logger
	opts    Options

	accounts      *account.Service
	identity      *identity.Service
	sessions      *session.Service
	messages      *message.Service
	groups        *group.Service
	requests      *keyrequest.Service
	verifications *verification.Service

	outgoing *queue
	// preferred remembers the method to start once a flow we requested is ready.
	preferred *methodTable

	now    func() time.Time
	closed bool
}

// New loads the device account from opts.Store, creating it on first use, and
// wires every service. Pending key requests from a previous run are queued
// again.
func New(ctx context.Context, opts Options) (*Machine, error) {
	if opts.Store == nil || opts.Server == nil {
		return nil, fmt.Errorf("machine: store and key server are required")
	}
	if opts.UserID == "" {
		return nil, fmt.Errorf("machine: user id is required")
	}
	log := opts.Log
	if log == nil {
		log = zap.NewNop()
	}
	m := metrics.New(opts.Registerer)

	accounts := account.New(opts.Store, opts.Server, log)
	acc, err := accounts.LoadOrCreate(ctx, opts.UserID, opts.DeviceID)
	if err != nil {
		return nil, err
	}
	ids := identity.New(opts.Store, opts.Server, accounts, log)
	sessions := session.New(opts.Store, opts.Server, accounts, m, opts.Session, log)
	msgs := message.New(sessions, ids, accounts, opts.Store, m, log)
	groups := group.New(opts.Store, accounts, ids, msgs, opts.Rooms, m, log)
	requests := keyrequest.New(opts.Store, accounts, ids, msgs, groups, m, opts.KeyRequests, log)
	verifications := verification.New(accounts, ids, m, opts.Verification, log)

	mc := &Machine{
		userID:        acc.UserID,
		deviceID:      acc.DeviceID,
		store:         opts.Store,
		rooms:         opts.Rooms,
		metrics:       m,
		log:           log.Named("machine").With(zap.String("device_id", string(acc.DeviceID))),
		opts:          opts,
		accounts:      accounts,
		identity:      ids,
		sessions:      sessions,
		messages:      msgs,
		groups:        groups,
		requests:      requests,
		verifications: verifications,
		outgoing:      newQueue(),
		preferred:     newMethodTable(),
		now:           time.Now,
	}

	if err := requests.Load(ctx); err != nil {
		return nil, err
	}
	resend, err := requests.ResendPending(ctx)
	if err != nil {
		return nil, err
	}
	shares, err := groups.PendingShares(ctx)
	if err != nil {
		return nil, err
	}
	mc.outgoing.push(shares...)
	mc.outgoing.push(resend...)
	mc.log.Info("machine ready", zap.Int("queued", len(shares)+len(resend)))
	return mc, nil
}

// SetClock replaces the time source of the machine and its services. Tests only.
func (m *Machine) SetClock(now func() time.Time) {
	m.now = now
	m.sessions.SetClock(now)
	m.groups.SetClock(now)
	m.requests.SetClock(now)
	m.verifications.SetClock(now)
}

// UserID returns the owner of the device.
func (m *Machine) UserID() id.UserID { return m.userID }

// DeviceID returns the device id.
func (m *Machine) DeviceID() id.DeviceID { return m.deviceID }

// Metrics exposes the engine counters.
func (m *Machine) Metrics() *metrics.Metrics { return m.metrics }

// IdentityKeys returns the public identity keys of the device.
func (m *Machine) IdentityKeys() (domain.IdentityKeys, error) {
	return m.accounts.IdentityKeys()
}

// UploadKeys publishes device keys and tops up one-time and fallback keys
// when the server needs them.
func (m *Machine) UploadKeys(ctx context.Context) error {
	if !m.accounts.ShouldUpload() {
		return nil
	}
	return m.accounts.UploadKeys(ctx)
}

// BootstrapCrossSigning creates and publishes our cross-signing keys.
func (m *Machine) BootstrapCrossSigning(ctx context.Context) (*domain.UserIdentity, error) {
	return m.identity.BootstrapCrossSigning(ctx)
}

// QueryKeys refreshes the device lists of users from the key server.
func (m *Machine) QueryKeys(ctx context.Context, users ...id.UserID) (*identity.QueryResult, error) {
	if err := m.identity.TrackUsers(ctx, users); err != nil {
		return nil, err
	}
	return m.identity.QueryKeys(ctx, users)
}

// Device returns a known device or nil.
func (m *Machine) Device(ctx context.Context, user id.UserID, device id.DeviceID) (*domain.Device, error) {
	return m.identity.GetDevice(ctx, user, device)
}

// UserDevices returns the known, non-deleted devices of user.
func (m *Machine) UserDevices(ctx context.Context, user id.UserID) ([]*domain.Device, error) {
	return m.identity.GetUserDevices(ctx, user)
}

// UserIdentity returns the cross-signing identity of user, or nil.
func (m *Machine) UserIdentity(ctx context.Context, user id.UserID) (*domain.UserIdentity, error) {
	return m.identity.UserIdentity(ctx, user)
}

// DeviceTrust computes the trust level of a device.
func (m *Machine) DeviceTrust(ctx context.Context, user id.UserID, device id.DeviceID) (domain.TrustLevel, error) {
	return m.identity.DeviceTrust(ctx, user, device)
}

// VerifyDevice marks a device verified after its ed25519 key was compared out
// of band. A key that differs from the stored one is refused.
func (m *Machine) VerifyDevice(ctx context.Context, user id.UserID, device id.DeviceID, key id.Ed25519) error {
	pub, err := types.ParseEd25519(key)
	if err != nil {
		return err
	}
	return m.identity.VerifyDevice(ctx, user, device, pub)
}

// BlacklistDevice stops sharing room keys with a device.
func (m *Machine) BlacklistDevice(ctx context.Context, user id.UserID, device id.DeviceID) error {
	return m.identity.BlacklistDevice(ctx, user, device)
}

// UnblacklistDevice clears a blacklist mark.
func (m *Machine) UnblacklistDevice(ctx context.Context, user id.UserID, device id.DeviceID) error {
	return m.identity.UnblacklistDevice(ctx, user, device)
}

// Close releases the store. The machine must not be used afterwards.
func (m *Machine) Close() error {
	if m.closed {
		return ErrClosed
	}
	m.closed = true
	return m.store.Close()
}
