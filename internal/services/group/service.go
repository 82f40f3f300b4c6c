package group

import (
	"context"
	"sync"
	"time"

	"github.com/puzpuzpuz/xsync/v4"
	"go.uber.org/zap"
	"maunium.net/go/mautrix/id"

	"olmkit/internal/domain"
	"olmkit/internal/metrics"
	"olmkit/internal/protocol/megolm"
	"olmkit/internal/services/identity"
)

// Service owns outbound and inbound group sessions.
type Service struct {
	store     domain.CryptoStore
	account   domain.AccountService
	identity  *identity.Service
	encryptor domain.ToDeviceEncryptor
	rooms     domain.Rooms
	metrics   *metrics.Metrics
	log       *zap.Logger

	roomLocks *xsync.Map[id.RoomID, *sync.Mutex]
	// pending maps an unsent to-device transaction to the room whose key it carries.
	pending *xsync.Map[string, id.RoomID]

	now func() time.Time
}

// Compile-time assertion.
var _ domain.RoomKeyImporter = (*Service)(nil)

// New returns the group service. rooms may be nil, in which case every room
// uses the default rotation settings.
func New(
	store domain.CryptoStore,
	account domain.AccountService,
	ids *identity.Service,
	encryptor domain.ToDeviceEncryptor,
	rooms domain.Rooms,
	m *metrics.Metrics,
	log *zap.Logger,
) *Service {
	if log == nil {
		log = zap.NewNop()
	}
	return &Service{
		store:     store,
		account:   account,
		identity:  ids,
		encryptor: encryptor,
		rooms:     rooms,
		metrics:   metrics.OrNew(m),
		log:       log.Named("group"),
		roomLocks: xsync.NewMap[id.RoomID, *sync.Mutex](),
		pending:   xsync.NewMap[string, id.RoomID](),
		now:       time.Now,
	}
}

// SetClock replaces the time source. Tests only.
func (s *Service) SetClock(now func() time.Time) { s.now = now }

func (s *Service) lockRoom(room id.RoomID) func() {
	mu, _ := s.roomLocks.LoadOrStore(room, &sync.Mutex{})
	mu.Lock()
	return mu.Unlock
}

func (s *Service) settings(ctx context.Context, room id.RoomID) domain.GroupEncryptionSettings {
	def := megolm.DefaultSettings()
	if s.rooms == nil {
		return def
	}
	st, err := s.rooms.EncryptionSettings(ctx, room)
	if err != nil {
		s.log.Debug("room settings unavailable, using defaults", zap.String("room_id", string(room)), zap.Error(err))
		return def
	}
	if st.Algorithm == "" {
		st.Algorithm = def.Algorithm
	}
	return st
}
