package keyrequest

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/puzpuzpuz/xsync/v4"
	"github.com/tidwall/btree"
	"go.uber.org/zap"
	"maunium.net/go/mautrix/id"

	"olmkit/internal/domain"
	"olmkit/internal/metrics"
	"olmkit/internal/services/identity"
)

// Policy decides which of our devices may receive forwarded room keys.
type Policy string

const (
	ForwardAlways     Policy = "always"
	ForwardNever      Policy = "never"
	ForwardIfVerified Policy = "if_verified"
)

// ParsePolicy accepts the three policy names; empty means if_verified.
func ParsePolicy(s string) (Policy, error) {
	switch p := Policy(s); p {
	case "":
		return ForwardIfVerified, nil
	case ForwardAlways, ForwardNever, ForwardIfVerified:
		return p, nil
	default:
		return "", fmt.Errorf("unknown key forwarding policy %q", s)
	}
}

const (
	defaultTimeout    = time.Minute
	defaultMaxRetries = 3
)

// NoRetries as Config.MaxRetries gives up on a request after its first timeout.
const NoRetries = -1

// Config tunes key requests.
type Config struct {
	Policy Policy
	// Timeout is how long a request waits for an answer before it is unresolved.
	Timeout time.Duration
	// MaxRetries is how often an unanswered request is asked again. Zero
	// means the default of 3.
	MaxRetries int
}

// RoomKeys is the group session side the service reads from and imports into.
type RoomKeys interface {
	domain.RoomKeyImporter
	InboundSession(ctx context.Context, room id.RoomID, senderKey id.Curve25519, sessionID id.SessionID) (*domain.InboundGroupSession, error)
}

type deadline struct {
	at        time.Time
	requestID string
}

func byDeadline(a, b deadline) bool {
	if a.at.Equal(b.at) {
		return a.requestID < b.requestID
	}
	return a.at.Before(b.at)
}

// Service handles outgoing and incoming room key requests.
type Service struct {
	store     domain.CryptoStore
	account   domain.AccountService
	identity  *identity.Service
	encryptor domain.ToDeviceEncryptor
	keys      RoomKeys
	metrics   *metrics.Metrics
	log       *zap.Logger
	cfg       Config

	mu        sync.Mutex
	deadlines *btree.BTreeG[deadline]

	// sent maps a to-device transaction to the request ids it carries.
	sent *xsync.Map[string, []string]
	// incoming holds requests from our devices not yet answered.
	incoming *xsync.Map[string, *incomingRequest]

	now func() time.Time
}

// New returns the key request service. Call Load before use.
func New(
	store domain.CryptoStore,
	account domain.AccountService,
	ids *identity.Service,
	encryptor domain.ToDeviceEncryptor,
	keys RoomKeys,
	m *metrics.Metrics,
	cfg Config,
	log *zap.Logger,
) *Service {
	if log == nil {
		log = zap.NewNop()
	}
	if cfg.Policy == "" {
		cfg.Policy = ForwardIfVerified
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultTimeout
	}
	switch {
	case cfg.MaxRetries == 0:
		cfg.MaxRetries = defaultMaxRetries
	case cfg.MaxRetries < 0:
		cfg.MaxRetries = 0
	}
	return &Service{
		store:     store,
		account:   account,
		identity:  ids,
		encryptor: encryptor,
		keys:      keys,
		metrics:   metrics.OrNew(m),
		log:       log.Named("keyrequest"),
		cfg:       cfg,
		deadlines: btree.NewBTreeG(byDeadline),
		sent:      xsync.NewMap[string, []string](),
		incoming:  xsync.NewMap[string, *incomingRequest](),
		now:       time.Now,
	}
}

// SetClock replaces the time source. Tests only.
func (s *Service) SetClock(now func() time.Time) { s.now = now }

// Load rebuilds the deadline index from the stored requests.
func (s *Service) Load(ctx context.Context) error {
	reqs, err := s.store.GetKeyRequests(ctx)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.deadlines.Clear()
	for _, r := range reqs {
		if !r.State.Terminal() {
			s.deadlines.Set(deadline{at: r.Deadline, requestID: r.RequestID})
		}
	}
	return nil
}

// Pending lists the open requests.
func (s *Service) Pending(ctx context.Context) ([]*domain.KeyRequest, error) {
	reqs, err := s.store.GetKeyRequests(ctx)
	if err != nil {
		return nil, err
	}
	out := reqs[:0]
	for _, r := range reqs {
		if !r.State.Terminal() {
			out = append(out, r)
		}
	}
	return out, nil
}

func (s *Service) track(r *domain.KeyRequest) {
	s.mu.Lock()
	s.deadlines.Set(deadline{at: r.Deadline, requestID: r.RequestID})
	s.mu.Unlock()
}

func (s *Service) untrack(r *domain.KeyRequest) {
	s.mu.Lock()
	s.deadlines.Delete(deadline{at: r.Deadline, requestID: r.RequestID})
	s.mu.Unlock()
}
