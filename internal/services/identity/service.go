package identity

import (
	"context"
	"sort"
	"sync"

	"github.com/puzpuzpuz/xsync/v4"
	"go.uber.org/zap"
	"maunium.net/go/mautrix/id"

	"olmkit/internal/domain"
)

// Service tracks the devices and cross-signing identities of other users (and
// our own) and computes their trust.
//
// Device records live in one table keyed by (user, device); trust flags live
// in a separate side table keyed the same way; identities hold keys only. The
// store is the only state, so nothing here needs rebuilding after a restart
// except the outdated-user set, which is refilled from the tracked users.
type Service struct {
	store   domain.CryptoStore
	server  domain.KeyServer
	account domain.AccountService
	log     *zap.Logger

	// userLocks gives every user a single writer for device and identity updates.
	userLocks *xsync.Map[id.UserID, *sync.Mutex]
	outdated  *xsync.Map[id.UserID, struct{}]
}

// Compile-time assertions.
var (
	_ domain.DeviceDirectory = (*Service)(nil)
	_ domain.TrustCommitter  = (*Service)(nil)
)

// New returns the identity service.
func New(store domain.CryptoStore, server domain.KeyServer, account domain.AccountService, log *zap.Logger) *Service {
	if log == nil {
		log = zap.NewNop()
	}
	return &Service{
		store:     store,
		server:    server,
		account:   account,
		log:       log.Named("identity"),
		userLocks: xsync.NewMap[id.UserID, *sync.Mutex](),
		outdated:  xsync.NewMap[id.UserID, struct{}](),
	}
}

func (s *Service) lockUser(user id.UserID) func() {
	mu, _ := s.userLocks.LoadOrStore(user, &sync.Mutex{})
	mu.Lock()
	return mu.Unlock
}

// GetDevice returns a stored device, deleted or not, or nil.
func (s *Service) GetDevice(ctx context.Context, user id.UserID, device id.DeviceID) (*domain.Device, error) {
	return s.store.GetDevice(ctx, user, device)
}

// GetUserDevices returns the non-deleted devices of user ordered by device id.
func (s *Service) GetUserDevices(ctx context.Context, user id.UserID) ([]*domain.Device, error) {
	all, err := s.store.GetUserDevices(ctx, user)
	if err != nil {
		return nil, err
	}
	out := make([]*domain.Device, 0, len(all))
	for _, d := range all {
		if !d.Deleted {
			out = append(out, d)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].DeviceID < out[j].DeviceID })
	return out, nil
}

// DeviceByIdentityKey finds the non-deleted device of user owning key.
func (s *Service) DeviceByIdentityKey(ctx context.Context, user id.UserID, key id.Curve25519) (*domain.Device, error) {
	d, err := s.store.GetDeviceByIdentityKey(ctx, user, key)
	if err != nil || d == nil || d.Deleted {
		return nil, err
	}
	return d, nil
}

// UserIdentity returns the stored cross-signing identity of user, or nil.
func (s *Service) UserIdentity(ctx context.Context, user id.UserID) (*domain.UserIdentity, error) {
	return s.store.GetUserIdentity(ctx, user)
}

// TrackUsers starts following the device lists of users. New users are
// outdated until their keys are queried.
func (s *Service) TrackUsers(ctx context.Context, users []id.UserID) error {
	if len(users) == 0 {
		return nil
	}
	tracked, err := s.trackedSet(ctx)
	if err != nil {
		return err
	}
	var fresh []id.UserID
	for _, u := range users {
		if _, ok := tracked[u]; !ok {
			fresh = append(fresh, u)
		}
	}
	if len(fresh) == 0 {
		return nil
	}
	if err := s.store.SaveChanges(ctx, &domain.Changes{TrackedUsers: fresh}); err != nil {
		return err
	}
	for _, u := range fresh {
		s.outdated.Store(u, struct{}{})
	}
	return nil
}

// MarkUsersOutdated flags tracked users whose device list changed.
func (s *Service) MarkUsersOutdated(ctx context.Context, users []id.UserID) error {
	tracked, err := s.trackedSet(ctx)
	if err != nil {
		return err
	}
	for _, u := range users {
		if _, ok := tracked[u]; ok {
			s.outdated.Store(u, struct{}{})
		}
	}
	return nil
}

// MarkAllTrackedOutdated is used at startup; nothing guarantees the cached
// device lists survived the downtime unchanged.
func (s *Service) MarkAllTrackedOutdated(ctx context.Context) error {
	users, err := s.store.GetTrackedUsers(ctx)
	if err != nil {
		return err
	}
	for _, u := range users {
		s.outdated.Store(u, struct{}{})
	}
	return nil
}

// OutdatedUsers lists users whose keys must be queried before use.
func (s *Service) OutdatedUsers() []id.UserID {
	var out []id.UserID
	s.outdated.Range(func(u id.UserID, _ struct{}) bool {
		out = append(out, u)
		return true
	})
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// IsOutdated reports whether user's device list needs a query.
func (s *Service) IsOutdated(user id.UserID) bool {
	_, ok := s.outdated.Load(user)
	return ok
}

func (s *Service) trackedSet(ctx context.Context) (map[id.UserID]struct{}, error) {
	users, err := s.store.GetTrackedUsers(ctx)
	if err != nil {
		return nil, err
	}
	set := make(map[id.UserID]struct{}, len(users))
	for _, u := range users {
		set[u] = struct{}{}
	}
	return set, nil
}
