package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/puzpuzpuz/xsync/v4"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"

	"olmkit/internal/domain"
	"olmkit/internal/domain/types"
	"olmkit/internal/metrics"
	"olmkit/internal/protocol/olm"
)

const (
	defaultClaimBackoff     = 5 * time.Minute
	defaultClaimConcurrency = 8
)

// ErrClaimBackoff is reported for devices whose last claim failed recently.
var ErrClaimBackoff = errors.New("one-time key claim failed recently; backing off")

// Config tunes key claiming.
type Config struct {
	// ClaimBackoff is how long a device whose claim failed is skipped.
	ClaimBackoff time.Duration
	// ClaimConcurrency bounds parallel claims.
	ClaimConcurrency int
}

// Service creates, selects and advances pairwise sessions.
type Service struct {
	store   domain.CryptoStore
	server  domain.KeyServer
	account domain.AccountService
	metrics *metrics.Metrics
	log     *zap.Logger
	cfg     Config

	claims    singleflight.Group
	failed    *xsync.Map[domain.DeviceRef, time.Time]
	peerLocks *xsync.Map[domain.X25519Public, *sync.Mutex]

	now func() time.Time
}

// Compile-time assertion.
var _ domain.SessionEstablisher = (*Service)(nil)

// New returns the session service.
func New(store domain.CryptoStore, server domain.KeyServer, account domain.AccountService, m *metrics.Metrics, cfg Config, log *zap.Logger) *Service {
	if log == nil {
		log = zap.NewNop()
	}
	if cfg.ClaimBackoff <= 0 {
		cfg.ClaimBackoff = defaultClaimBackoff
	}
	if cfg.ClaimConcurrency <= 0 {
		cfg.ClaimConcurrency = defaultClaimConcurrency
	}
	return &Service{
		store:     store,
		server:    server,
		account:   account,
		metrics:   metrics.OrNew(m),
		log:       log.Named("session"),
		cfg:       cfg,
		failed:    xsync.NewMap[domain.DeviceRef, time.Time](),
		peerLocks: xsync.NewMap[domain.X25519Public, *sync.Mutex](),
		now:       time.Now,
	}
}

// SetClock replaces the time source. Tests only.
func (s *Service) SetClock(now func() time.Time) { s.now = now }

func (s *Service) lockPeer(key domain.X25519Public) func() {
	mu, _ := s.peerLocks.LoadOrStore(key, &sync.Mutex{})
	mu.Lock()
	return mu.Unlock
}

// Sessions lists the sessions with a remote identity key, most recently used first.
func (s *Service) Sessions(ctx context.Context, theirKey domain.X25519Public) ([]*domain.Session, error) {
	return s.store.GetSessions(ctx, theirKey.Curve25519())
}

// HasSession reports whether any session with dev exists.
func (s *Service) HasSession(ctx context.Context, dev *domain.Device) (bool, error) {
	sessions, err := s.Sessions(ctx, dev.IdentityKey)
	return len(sessions) > 0, err
}

// EnsureSessions creates a session with every device that lacks one. Only a
// store failure aborts the whole call; per-device failures are returned in
// the map.
func (s *Service) EnsureSessions(ctx context.Context, devices []*domain.Device) (map[domain.DeviceRef]error, error) {
	acc, err := s.account.Account(ctx)
	if err != nil {
		return nil, err
	}
	var missing []*domain.Device
	failures := map[domain.DeviceRef]error{}
	seen := make(map[domain.DeviceRef]struct{}, len(devices))
	for _, dev := range devices {
		ref := domain.DeviceRef{UserID: dev.UserID, DeviceID: dev.DeviceID}
		if _, dup := seen[ref]; dup || dev.IdentityKey == acc.Identity.XPub {
			continue
		}
		seen[ref] = struct{}{}
		ok, err := s.HasSession(ctx, dev)
		if err != nil {
			return nil, err
		}
		if ok {
			continue
		}
		if at, ok := s.failed.Load(ref); ok && s.now().Sub(at) < s.cfg.ClaimBackoff {
			failures[ref] = ErrClaimBackoff
			s.metrics.KeyClaims.WithLabelValues("backoff").Inc()
			continue
		}
		missing = append(missing, dev)
	}
	if len(missing) == 0 {
		return failures, nil
	}

	var mu sync.Mutex
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.cfg.ClaimConcurrency)
	for _, dev := range missing {
		g.Go(func() error {
			ref := domain.DeviceRef{UserID: dev.UserID, DeviceID: dev.DeviceID}
			_, err, _ := s.claims.Do(ref.String(), func() (any, error) {
				return nil, s.claimAndCreate(gctx, dev, false)
			})
			if err == nil {
				return nil
			}
			if errors.Is(err, domain.ErrStoreIO) || errors.Is(err, context.Canceled) {
				return err
			}
			mu.Lock()
			failures[ref] = err
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return failures, nil
}

// ReplaceSession claims a fresh one-time key of dev and commits a new outbound
// session that takes precedence over the existing ones. It is never called on
// a decryption failure; the caller decides when a peer gets a new session.
func (s *Service) ReplaceSession(ctx context.Context, dev *domain.Device) error {
	ref := domain.DeviceRef{UserID: dev.UserID, DeviceID: dev.DeviceID}
	_, err, _ := s.claims.Do("replace:"+ref.String(), func() (any, error) {
		return nil, s.claimAndCreate(ctx, dev, true)
	})
	return err
}

// claimAndCreate claims a one-time key of dev and commits an outbound session.
// Unless replace is set an existing session wins.
func (s *Service) claimAndCreate(ctx context.Context, dev *domain.Device, replace bool) error {
	ref := domain.DeviceRef{UserID: dev.UserID, DeviceID: dev.DeviceID}
	bundle, err := s.server.ClaimOneTimeKey(ctx, dev.UserID, dev.DeviceID)
	if err != nil {
		s.failed.Store(ref, s.now())
		if errors.Is(err, domain.ErrNoOneTimeKeyOnline) {
			s.metrics.KeyClaims.WithLabelValues("no_key").Inc()
		} else {
			s.metrics.KeyClaims.WithLabelValues("error").Inc()
		}
		return fmt.Errorf("claim one-time key of %s: %w", ref, err)
	}
	otk, err := olm.VerifySignedKey(dev.UserID, dev.DeviceID, dev.SigningKey, bundle.Key)
	if err != nil {
		s.failed.Store(ref, s.now())
		s.metrics.KeyClaims.WithLabelValues("bad_signature").Inc()
		s.log.Warn("claimed key has a bad signature",
			zap.String("user_id", string(dev.UserID)),
			zap.String("device_id", string(dev.DeviceID)),
			zap.Error(err),
		)
		return err
	}
	s.metrics.KeyClaims.WithLabelValues("ok").Inc()

	unlock := s.lockPeer(dev.IdentityKey)
	defer unlock()

	var created *domain.Session
	err = s.account.Update(ctx, func(acc *domain.Account, changes *domain.Changes) error {
		// Another caller may have finished a session while we were claiming.
		existing, err := s.store.GetSessions(ctx, dev.IdentityKey.Curve25519())
		if err != nil || (len(existing) > 0 && !replace) {
			return err
		}
		created, err = olm.NewOutboundSession(acc, dev.IdentityKey, otk)
		if err != nil {
			return err
		}
		changes.Sessions = append(changes.Sessions, created)
		return nil
	})
	if err != nil {
		return err
	}
	s.failed.Delete(ref)
	if created != nil {
		s.metrics.SessionsCreated.WithLabelValues(string(types.RoleSender)).Inc()
		s.log.Debug("outbound session created",
			zap.String("user_id", string(dev.UserID)),
			zap.String("device_id", string(dev.DeviceID)),
			zap.String("session_id", created.SessionID),
			zap.Bool("fallback", bundle.Key.Fallback),
			zap.Bool("replaced", replace),
		)
	}
	return nil
}

// Encrypt seals plaintext for dev with the most recently used session.
func (s *Service) Encrypt(ctx context.Context, dev *domain.Device, plaintext []byte) (domain.OlmCiphertext, error) {
	unlock := s.lockPeer(dev.IdentityKey)
	defer unlock()

	sessions, err := s.Sessions(ctx, dev.IdentityKey)
	if err != nil {
		return domain.OlmCiphertext{}, err
	}
	if len(sessions) == 0 {
		return domain.OlmCiphertext{}, fmt.Errorf("%w: no session with %s %s", domain.ErrNoMatchingSession, dev.UserID, dev.DeviceID)
	}
	sess := sessions[0].Clone()
	ct, err := olm.Encrypt(sess, plaintext)
	if err != nil {
		return domain.OlmCiphertext{}, err
	}
	if err := s.store.SaveChanges(ctx, &domain.Changes{Sessions: []*domain.Session{sess}}); err != nil {
		return domain.OlmCiphertext{}, err
	}
	return ct, nil
}

// AcceptFunc inspects a decrypted plaintext before anything is committed and
// may add to the change set committed with the advanced session. An error
// discards the decryption.
type AcceptFunc func(plaintext []byte, changes *domain.Changes) error

// Decrypt opens ct sent from theirKey.
//
// Sessions are tried most recently used first. A pre-key message is handed to
// the session created by the same handshake, or starts a new inbound session
// when none exists; the one-time key it used is removed in the same commit. A
// failure of the matching session is final and never falls back to a fresh
// session.
func (s *Service) Decrypt(ctx context.Context, theirKey domain.X25519Public, ct domain.OlmCiphertext, accept AcceptFunc) (*domain.Session, []byte, error) {
	unlock := s.lockPeer(theirKey)
	defer unlock()

	sessions, err := s.Sessions(ctx, theirKey)
	if err != nil {
		return nil, nil, err
	}

	var lastErr error
	for _, stored := range sessions {
		sess := stored.Clone()
		pt, err := olm.Decrypt(sess, ct)
		switch {
		case err == nil:
			changes := &domain.Changes{Sessions: []*domain.Session{sess}}
			if accept != nil {
				if err := accept(pt, changes); err != nil {
					return nil, nil, err
				}
			}
			if err := s.store.SaveChanges(ctx, changes); err != nil {
				return nil, nil, err
			}
			return sess, pt, nil
		case errors.Is(err, domain.ErrNoMatchingSession):
			continue
		case errors.Is(err, domain.ErrReplayedMessage):
			return nil, nil, err
		case ct.Type == types.OlmPreKeyMessage:
			return nil, nil, err
		default:
			lastErr = err
		}
	}

	if ct.Type == types.OlmNormalMessage {
		if lastErr != nil {
			return nil, nil, lastErr
		}
		return nil, nil, domain.ErrNoMatchingSession
	}
	return s.createInbound(ctx, theirKey, ct, accept)
}

func (s *Service) createInbound(ctx context.Context, theirKey domain.X25519Public, ct domain.OlmCiphertext, accept AcceptFunc) (*domain.Session, []byte, error) {
	var (
		sess *domain.Session
		pt   []byte
	)
	err := s.account.Update(ctx, func(acc *domain.Account, changes *domain.Changes) error {
		var err error
		sess, err = olm.NewInboundSession(acc, theirKey, ct)
		if err != nil {
			return err
		}
		pt, err = olm.Decrypt(sess, ct)
		if err != nil {
			return err
		}
		olm.RemoveOneTimeKey(acc, sess.OneTimeKey)
		changes.Sessions = append(changes.Sessions, sess)
		if accept != nil {
			return accept(pt, changes)
		}
		return nil
	})
	if err != nil {
		if errors.Is(err, domain.ErrMissingOneTimeKey) {
			return nil, nil, fmt.Errorf("%w: %v", domain.ErrNoMatchingSession, err)
		}
		return nil, nil, err
	}
	s.metrics.SessionsCreated.WithLabelValues(string(types.RoleReceiver)).Inc()
	s.log.Debug("inbound session created",
		zap.String("sender_key", theirKey.String()),
		zap.String("session_id", sess.SessionID),
		zap.Bool("fallback", sess.CreatedUsingFallback),
	)
	return sess, pt, nil
}
