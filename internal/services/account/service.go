package account

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"go.uber.org/zap"
	"maunium.net/go/mautrix/id"

	"olmkit/internal/domain"
	"olmkit/internal/protocol/olm"
)

var (
	// ErrAccountExists is returned by Create when the store already holds an account.
	ErrAccountExists = errors.New("account already exists")
)

// Service is the single writer of the device account.
//
// The committed account is cached in memory. Every change is made on a copy
// which replaces the cache only after the store accepted it.
type Service struct {
	store  domain.CryptoStore
	server domain.KeyServer
	log    *zap.Logger

	mu      sync.Mutex
	account *domain.Account

	// uploadMu keeps key generation and the matching publish step together.
	uploadMu sync.Mutex
}

// Compile-time assertion.
var _ domain.AccountService = (*Service)(nil)

// New returns an account service. Call Load or Create before use.
func New(store domain.CryptoStore, server domain.KeyServer, log *zap.Logger) *Service {
	if log == nil {
		log = zap.NewNop()
	}
	return &Service{store: store, server: server, log: log.Named("account")}
}

// Load reads the account from the store.
func (s *Service) Load(ctx context.Context) (*domain.Account, error) {
	acc, err := s.store.LoadAccount(ctx)
	if err != nil {
		return nil, err
	}
	if acc == nil {
		return nil, domain.ErrAccountMissing
	}
	s.mu.Lock()
	s.account = acc
	s.mu.Unlock()
	return acc.Clone(), nil
}

// Create generates fresh identity keys for user and device and persists them.
func (s *Service) Create(ctx context.Context, user id.UserID, device id.DeviceID) (*domain.Account, error) {
	existing, err := s.store.LoadAccount(ctx)
	if err != nil {
		return nil, err
	}
	if existing != nil {
		return nil, ErrAccountExists
	}
	acc, err := olm.NewAccount(user, device)
	if err != nil {
		return nil, err
	}
	if err := s.store.SaveAccount(ctx, acc); err != nil {
		return nil, err
	}
	s.mu.Lock()
	s.account = acc
	s.mu.Unlock()
	s.log.Info("account created",
		zap.String("user_id", string(user)),
		zap.String("device_id", string(device)),
		zap.String("curve25519", acc.Identity.XPub.String()),
	)
	return acc.Clone(), nil
}

// LoadOrCreate loads the stored account, creating one when none exists. A
// stored account for another user or device is an error.
func (s *Service) LoadOrCreate(ctx context.Context, user id.UserID, device id.DeviceID) (*domain.Account, error) {
	acc, err := s.Load(ctx)
	if errors.Is(err, domain.ErrAccountMissing) {
		return s.Create(ctx, user, device)
	}
	if err != nil {
		return nil, err
	}
	if acc.UserID != user || (device != "" && acc.DeviceID != device) {
		return nil, fmt.Errorf("store belongs to %s/%s, not %s/%s", acc.UserID, acc.DeviceID, user, device)
	}
	return acc, nil
}

// Account returns a copy of the committed account.
func (s *Service) Account(_ context.Context) (*domain.Account, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.account == nil {
		return nil, domain.ErrAccountMissing
	}
	return s.account.Clone(), nil
}

// Update runs fn on a copy of the account and commits it together with the
// changes fn collected. Nothing is applied if fn or the commit fails.
func (s *Service) Update(ctx context.Context, fn func(*domain.Account, *domain.Changes) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.account == nil {
		return domain.ErrAccountMissing
	}
	next := s.account.Clone()
	changes := &domain.Changes{}
	if err := fn(next, changes); err != nil {
		return err
	}
	changes.Account = next
	if err := s.store.SaveChanges(ctx, changes); err != nil {
		return err
	}
	s.account = next
	return nil
}

// IdentityKeys returns the public identity keys.
func (s *Service) IdentityKeys() (domain.IdentityKeys, error) {
	acc, err := s.Account(context.Background())
	if err != nil {
		return domain.IdentityKeys{}, err
	}
	return olm.IdentityKeys(acc), nil
}

// ShouldUpload reports whether the server needs device keys, more one-time
// keys, or a fresh fallback key.
func (s *Service) ShouldUpload() bool {
	acc, err := s.Account(context.Background())
	if err != nil {
		return false
	}
	return shouldUpload(acc)
}

func shouldUpload(acc *domain.Account) bool {
	if !acc.Shared {
		return true
	}
	if acc.FallbackKey == nil || !acc.FallbackKey.Published {
		return true
	}
	return acc.UploadedKeyCount < olm.MaxOneTimeKeys/2
}

// KeysForUpload tops up the one-time key pool to half the maximum counting
// the keys the server still holds, makes sure a fallback key exists, and
// returns everything not yet published. New keys are persisted before they
// are returned so a crash cannot publish keys we no longer hold.
func (s *Service) KeysForUpload(ctx context.Context) (*domain.KeysUpload, error) {
	var upload *domain.KeysUpload
	err := s.Update(ctx, func(acc *domain.Account, _ *domain.Changes) error {
		if !shouldUpload(acc) {
			upload = &domain.KeysUpload{UserID: acc.UserID, DeviceID: acc.DeviceID}
			return nil
		}
		if want := olm.MaxOneTimeKeys/2 - acc.UploadedKeyCount - olm.UnpublishedCount(acc); want > 0 {
			if err := olm.GenerateOneTimeKeys(acc, want); err != nil {
				return err
			}
		}
		if acc.FallbackKey == nil {
			if err := olm.GenerateFallbackKey(acc); err != nil {
				return err
			}
		}
		var err error
		upload, err = buildUpload(acc)
		return err
	})
	if err != nil {
		return nil, err
	}
	return upload, nil
}

func buildUpload(acc *domain.Account) (*domain.KeysUpload, error) {
	upload := &domain.KeysUpload{UserID: acc.UserID, DeviceID: acc.DeviceID}
	if !acc.Shared {
		dk, err := olm.DeviceKeys(acc)
		if err != nil {
			return nil, err
		}
		upload.DeviceKeys = dk
	}
	otks, err := olm.OneTimeKeysForUpload(acc)
	if err != nil {
		return nil, err
	}
	upload.OneTimeKeys = otks
	fallback, err := olm.FallbackKeyForUpload(acc)
	if err != nil {
		return nil, err
	}
	upload.FallbackKeys = fallback
	return upload, nil
}

// UploadKeys publishes pending keys through the key server and marks them as
// published once the server accepted them.
func (s *Service) UploadKeys(ctx context.Context) error {
	s.uploadMu.Lock()
	defer s.uploadMu.Unlock()

	upload, err := s.KeysForUpload(ctx)
	if err != nil {
		return err
	}
	if upload.Empty() {
		return nil
	}
	resp, err := s.server.UploadKeys(ctx, upload)
	if err != nil {
		return fmt.Errorf("upload keys: %w", err)
	}
	err = s.Update(ctx, func(acc *domain.Account, _ *domain.Changes) error {
		olm.MarkKeysAsPublished(acc)
		acc.Shared = true
		acc.UploadedKeyCount = resp.OneTimeKeyCounts[id.KeyAlgorithmSignedCurve25519]
		return nil
	})
	if err != nil {
		return err
	}
	s.log.Info("keys uploaded",
		zap.Bool("device_keys", upload.DeviceKeys != nil),
		zap.Int("one_time_keys", len(upload.OneTimeKeys)),
		zap.Int("fallback_keys", len(upload.FallbackKeys)),
		zap.Int("server_count", resp.OneTimeKeyCounts[id.KeyAlgorithmSignedCurve25519]),
	)
	return nil
}

// UpdateKeyCounts records the server's one-time key count from a sync. When
// unusedFallback is non-nil and no longer lists signed_curve25519 the
// fallback key was used and is rotated; the old one stays as the previous
// fallback key.
func (s *Service) UpdateKeyCounts(ctx context.Context, counts map[id.KeyAlgorithm]int, unusedFallback []id.KeyAlgorithm) error {
	return s.Update(ctx, func(acc *domain.Account, _ *domain.Changes) error {
		if n, ok := counts[id.KeyAlgorithmSignedCurve25519]; ok {
			acc.UploadedKeyCount = n
		}
		if unusedFallback == nil || !acc.Shared {
			return nil
		}
		for _, alg := range unusedFallback {
			if alg == id.KeyAlgorithmSignedCurve25519 {
				return nil
			}
		}
		s.log.Info("fallback key used, rotating")
		return olm.GenerateFallbackKey(acc)
	})
}
