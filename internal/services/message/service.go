package message

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"
	lru "github.com/hashicorp/golang-lru/v2"
	"go.uber.org/zap"
	"maunium.net/go/mautrix/id"

	"olmkit/internal/domain"
	"olmkit/internal/domain/types"
	"olmkit/internal/metrics"
	"olmkit/internal/protocol/olm"
	"olmkit/internal/services/session"
)

// recentHashes bounds the in-memory replay cache; the store keeps every hash.
const recentHashes = 4096

var (
	errNotForUs        = errors.New("ciphertext not addressed to this device")
	errSenderMismatch  = errors.New("payload sender does not match event sender")
	errWrongRecipient  = errors.New("payload recipient is not this device")
	errMissingKeys     = errors.New("payload carries no sender signing key")
	errSigningMismatch = errors.New("payload signing key does not match sending device")
)

// Service is the to-device olm encryptor and decryptor.
type Service struct {
	sessions *session.Service
	devices  domain.DeviceDirectory
	account  domain.AccountService
	store    domain.CryptoStore
	metrics  *metrics.Metrics
	log      *zap.Logger

	hashes *lru.Cache[string, struct{}]
}

// Compile-time assertion.
var _ domain.ToDeviceEncryptor = (*Service)(nil)

// New returns the message service.
func New(
	sessions *session.Service,
	devices domain.DeviceDirectory,
	account domain.AccountService,
	store domain.CryptoStore,
	m *metrics.Metrics,
	log *zap.Logger,
) *Service {
	if log == nil {
		log = zap.NewNop()
	}
	hashes, _ := lru.New[string, struct{}](recentHashes)
	return &Service{
		sessions: sessions,
		devices:  devices,
		account:  account,
		store:    store,
		metrics:  metrics.OrNew(m),
		log:      log.Named("message"),
		hashes:   hashes,
	}
}

// EncryptToDevice wraps eventType and content for dev. A session must exist.
func (s *Service) EncryptToDevice(ctx context.Context, dev *domain.Device, eventType string, content any) (*domain.OlmEncryptedContent, error) {
	acc, err := s.account.Account(ctx)
	if err != nil {
		return nil, err
	}
	raw, err := json.Marshal(content)
	if err != nil {
		return nil, fmt.Errorf("marshal %s content: %w", eventType, err)
	}
	payload, err := json.Marshal(domain.OlmPayload{
		Type:          eventType,
		Content:       raw,
		Sender:        acc.UserID,
		SenderDevice:  acc.DeviceID,
		Keys:          acc.Identity.Public(),
		Recipient:     dev.UserID,
		RecipientKeys: domain.IdentityKeys{Curve25519: dev.IdentityKey.Curve25519(), Ed25519: dev.SigningKey.Ed25519()},
	})
	if err != nil {
		return nil, fmt.Errorf("marshal olm payload: %w", err)
	}
	ct, err := s.sessions.Encrypt(ctx, dev, payload)
	if err != nil {
		return nil, err
	}
	return &domain.OlmEncryptedContent{
		Algorithm:  types.AlgorithmOlm,
		SenderKey:  acc.Identity.XPub.Curve25519(),
		Ciphertext: map[id.Curve25519]domain.OlmCiphertext{dev.IdentityKey.Curve25519(): ct},
	}, nil
}

// EncryptToDevices makes sure sessions exist and encrypts content for every
// device. Devices that could not be reached are reported in the map and left
// out of the request.
func (s *Service) EncryptToDevices(ctx context.Context, devices []*domain.Device, eventType string, content any) (*domain.ToDeviceRequest, map[domain.DeviceRef]error, error) {
	failures, err := s.sessions.EnsureSessions(ctx, devices)
	if err != nil {
		return nil, nil, err
	}
	req := &domain.ToDeviceRequest{TxnID: uuid.NewString(), EventType: types.EventEncrypted}
	for _, dev := range devices {
		ref := domain.DeviceRef{UserID: dev.UserID, DeviceID: dev.DeviceID}
		if _, failed := failures[ref]; failed {
			continue
		}
		enc, err := s.EncryptToDevice(ctx, dev, eventType, content)
		if err != nil {
			if errors.Is(err, domain.ErrStoreIO) {
				return nil, nil, err
			}
			failures[ref] = err
			continue
		}
		raw, err := json.Marshal(enc)
		if err != nil {
			return nil, nil, err
		}
		req.Add(dev.UserID, dev.DeviceID, raw)
	}
	return req, failures, nil
}

// DecryptToDevice opens an olm encrypted to-device event.
func (s *Service) DecryptToDevice(ctx context.Context, event *domain.ToDeviceEvent) (*domain.DecryptedToDevice, error) {
	out, err := s.decrypt(ctx, event)
	if err != nil {
		s.metrics.DecryptFailed(err)
		s.log.Debug("to-device decryption failed",
			zap.String("sender", string(event.Sender)),
			zap.String("kind", metrics.Kind(err)),
			zap.Error(err),
		)
		return nil, err
	}
	return out, nil
}

func (s *Service) decrypt(ctx context.Context, event *domain.ToDeviceEvent) (*domain.DecryptedToDevice, error) {
	var content domain.OlmEncryptedContent
	if err := json.Unmarshal(event.Content, &content); err != nil {
		return nil, domain.NewDecryptError(domain.ErrProtocolViolation, "", err)
	}
	if content.Algorithm != types.AlgorithmOlm {
		return nil, domain.NewDecryptError(domain.ErrUnsupportedAlgo, "", fmt.Errorf("%s", content.Algorithm))
	}
	acc, err := s.account.Account(ctx)
	if err != nil {
		return nil, err
	}
	ct, ok := content.Ciphertext[acc.Identity.XPub.Curve25519()]
	if !ok {
		return nil, domain.NewDecryptError(domain.ErrProtocolViolation, "", errNotForUs)
	}
	senderKey, err := types.ParseCurve25519(content.SenderKey)
	if err != nil {
		return nil, domain.NewDecryptError(domain.ErrProtocolViolation, "", err)
	}

	hash := olm.MessageHash(content.SenderKey, ct)
	known, err := s.isKnown(ctx, hash)
	if err != nil {
		return nil, err
	}
	if known {
		return nil, domain.NewDecryptError(domain.ErrReplayedMessage, "", nil)
	}

	// Resolved before the commit; the accept callback runs inside the account
	// update and must not call back into the account service.
	sender, err := s.devices.DeviceByIdentityKey(ctx, event.Sender, content.SenderKey)
	if err != nil {
		return nil, err
	}

	var payload domain.OlmPayload
	accept := func(pt []byte, changes *domain.Changes) error {
		if err := json.Unmarshal(pt, &payload); err != nil {
			return fmt.Errorf("%w: payload: %v", domain.ErrProtocolViolation, err)
		}
		if err := checkPayload(&payload, event.Sender, acc, sender); err != nil {
			return err
		}
		changes.MessageHashes = append(changes.MessageHashes, hash)
		return nil
	}
	_, _, err = s.sessions.Decrypt(ctx, senderKey, ct, accept)
	if err != nil {
		if errors.Is(err, domain.ErrStoreIO) {
			return nil, err
		}
		return nil, domain.NewDecryptError(classify(err), "", err)
	}
	s.hashes.Add(hash, struct{}{})

	return &domain.DecryptedToDevice{
		Sender:       event.Sender,
		SenderDevice: payload.SenderDevice,
		SenderKey:    content.SenderKey,
		SigningKey:   payload.Keys.Ed25519,
		Type:         payload.Type,
		Content:      payload.Content,
	}, nil
}

func (s *Service) isKnown(ctx context.Context, hash string) (bool, error) {
	if s.hashes.Contains(hash) {
		return true, nil
	}
	known, err := s.store.IsMessageKnown(ctx, hash)
	if err != nil {
		return false, err
	}
	if known {
		s.hashes.Add(hash, struct{}{})
	}
	return known, nil
}

// checkPayload binds the plaintext to the envelope it arrived in.
func checkPayload(p *domain.OlmPayload, sender id.UserID, acc *domain.Account, dev *domain.Device) error {
	if p.Sender != sender {
		return fmt.Errorf("%w: %v", domain.ErrProtocolViolation, errSenderMismatch)
	}
	if p.Recipient != acc.UserID || p.RecipientKeys.Ed25519 != acc.Identity.EdPub.Ed25519() {
		return fmt.Errorf("%w: %v", domain.ErrProtocolViolation, errWrongRecipient)
	}
	if p.Keys.Ed25519 == "" {
		return fmt.Errorf("%w: %v", domain.ErrProtocolViolation, errMissingKeys)
	}
	if dev != nil && (dev.SigningKey.Ed25519() != p.Keys.Ed25519 || dev.DeviceID != p.SenderDevice) {
		return fmt.Errorf("%w: %v", domain.ErrSignatureInvalid, errSigningMismatch)
	}
	return nil
}

// classify picks the decrypt error kind; the taxonomy sentinels are tried
// most specific first.
func classify(err error) error {
	for _, kind := range []error{
		domain.ErrReplayedMessage,
		domain.ErrNoMatchingSession,
		domain.ErrRatchetMismatch,
		domain.ErrSignatureInvalid,
		domain.ErrProtocolViolation,
	} {
		if errors.Is(err, kind) {
			return kind
		}
	}
	return domain.ErrProtocolViolation
}
