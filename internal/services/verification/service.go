package verification

import (
	"context"
	"encoding/json"
	"errors"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/puzpuzpuz/xsync/v4"
	"go.uber.org/zap"
	"maunium.net/go/mautrix/id"

	"olmkit/internal/domain"
	"olmkit/internal/domain/types"
	"olmkit/internal/metrics"
)

const defaultTimeout = 10 * time.Minute

var supportedMethods = []types.VerificationMethod{
	types.MethodSAS,
	types.MethodQRShow,
	types.MethodQRScan,
	types.MethodReciprocate,
}

// Config tunes verification.
type Config struct {
	// Timeout bounds how long a flow may stay open, and how long a finished
	// flow is remembered.
	Timeout time.Duration
}

// Identities is what verification needs from the identity service.
type Identities interface {
	domain.TrustCommitter
	GetDevice(ctx context.Context, user id.UserID, device id.DeviceID) (*domain.Device, error)
	UserIdentity(ctx context.Context, user id.UserID) (*domain.UserIdentity, error)
}

// Service holds the verification flows of this device.
type Service struct {
	account    domain.AccountService
	identities Identities
	metrics    *metrics.Metrics
	log        *zap.Logger
	cfg        Config

	flows *xsync.Map[string, *flow]
	now   func() time.Time
}

// New returns an empty verification service.
func New(account domain.AccountService, ids Identities, m *metrics.Metrics, cfg Config, log *zap.Logger) *Service {
	if log == nil {
		log = zap.NewNop()
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultTimeout
	}
	return &Service{
		account:    account,
		identities: ids,
		metrics:    metrics.OrNew(m),
		log:        log.Named("verification"),
		cfg:        cfg,
		flows:      xsync.NewMap[string, *flow](),
		now:        time.Now,
	}
}

// SetClock replaces the time source. Tests only.
func (s *Service) SetClock(now func() time.Time) { s.now = now }

// Flow returns a snapshot of one flow.
func (s *Service) Flow(flowID string) (*Flow, error) {
	f, ok := s.flows.Load(flowID)
	if !ok {
		return nil, ErrUnknownFlow
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.snapshot(), nil
}

// Flows lists every known flow, oldest first.
func (s *Service) Flows() []*Flow {
	var out []*Flow
	s.flows.Range(func(_ string, f *flow) bool {
		f.mu.Lock()
		out = append(out, f.snapshot())
		f.mu.Unlock()
		return true
	})
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}

// withFlow runs fn with the flow locked. A cancelError returned by fn cancels
// the flow and turns into the cancellation message.
func (s *Service) withFlow(flowID string, fn func(*flow) ([]*domain.ToDeviceRequest, error)) ([]*domain.ToDeviceRequest, error) {
	f, ok := s.flows.Load(flowID)
	if !ok {
		return nil, ErrUnknownFlow
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.state.Terminal() {
		return nil, ErrFlowFinished
	}
	reqs, err := fn(f)
	var ce *cancelError
	if errors.As(err, &ce) {
		req, merr := s.cancelLocked(f, ce.code, ce.reason)
		if merr != nil {
			return nil, merr
		}
		return []*domain.ToDeviceRequest{req}, nil
	}
	return reqs, err
}

// message builds a to-device request for the other device of f.
func (s *Service) message(f *flow, eventType string, content any) (*domain.ToDeviceRequest, error) {
	raw, err := json.Marshal(content)
	if err != nil {
		return nil, err
	}
	req := &domain.ToDeviceRequest{TxnID: uuid.NewString(), EventType: eventType}
	req.Add(f.otherUser, f.otherDevice, raw)
	return req, nil
}

// Cancel ends a flow on the user's behalf. Cancelling a finished flow returns
// ErrFlowFinished and changes nothing.
func (s *Service) Cancel(_ context.Context, flowID string, code types.CancelCode) ([]*domain.ToDeviceRequest, error) {
	if code == "" {
		code = types.CancelUser
	}
	return s.withFlow(flowID, func(f *flow) ([]*domain.ToDeviceRequest, error) {
		req, err := s.cancelLocked(f, code, "cancelled by user")
		if err != nil {
			return nil, err
		}
		return []*domain.ToDeviceRequest{req}, nil
	})
}

func (s *Service) cancelLocked(f *flow, code types.CancelCode, reason string) (*domain.ToDeviceRequest, error) {
	if err := f.advance(types.FlowCancelled, s.now()); err != nil {
		return nil, err
	}
	f.cancelCode, f.cancelReason, f.cancelledByUs = code, reason, true
	s.metrics.Verifications.WithLabelValues(string(code)).Inc()
	s.log.Info("verification cancelled",
		zap.String("flow_id", f.id),
		zap.String("code", string(code)),
		zap.String("reason", reason),
	)
	return s.message(f, types.EventVerificationCancel, types.VerificationCancelContent{
		TransactionID: f.id,
		Code:          code,
		Reason:        reason,
	})
}

// GarbageCollect cancels flows that have been open longer than the timeout
// and forgets finished flows once the timeout has passed since they ended.
func (s *Service) GarbageCollect(now time.Time) []*domain.ToDeviceRequest {
	var out []*domain.ToDeviceRequest
	s.flows.Range(func(flowID string, f *flow) bool {
		f.mu.Lock()
		defer f.mu.Unlock()
		switch {
		case f.state.Terminal():
			if now.Sub(f.updatedAt) > s.cfg.Timeout {
				s.flows.Delete(flowID)
			}
		case now.Sub(f.createdAt) > s.cfg.Timeout:
			req, err := s.cancelLocked(f, types.CancelTimeout, "verification timed out")
			if err != nil {
				s.log.Warn("timeout cancellation failed", zap.String("flow_id", flowID), zap.Error(err))
				return true
			}
			out = append(out, req)
		}
		return true
	})
	return out
}

// finish commits the keys checked during the flow in one store commit and
// then moves f to done. When the commit fails nothing is trusted and the
// flow is cancelled.
func (s *Service) finish(ctx context.Context, f *flow) error {
	keys := make([]domain.VerifiedKey, 0, len(f.verified))
	for _, p := range f.verified {
		keys = append(keys, domain.VerifiedKey{UserID: p.user, DeviceID: p.device, Key: p.key})
	}
	if len(keys) > 0 {
		if err := s.identities.CommitVerification(ctx, keys); err != nil {
			s.log.Error("storing verification result failed", zap.String("flow_id", f.id), zap.Error(err))
			return cancelf(types.CancelUser, "verification result could not be stored")
		}
	}
	if err := f.advance(types.FlowDone, s.now()); err != nil {
		return err
	}
	s.metrics.Verifications.WithLabelValues("done").Inc()
	s.log.Info("verification done",
		zap.String("flow_id", f.id),
		zap.String("user", string(f.otherUser)),
		zap.String("device", string(f.otherDevice)),
		zap.Int("trusted_keys", len(f.verified)),
	)
	return nil
}

// sendDone sends our done message, and finishes the flow when the other side
// already sent theirs.
func (s *Service) sendDone(ctx context.Context, f *flow) ([]*domain.ToDeviceRequest, error) {
	req, err := s.message(f, types.EventVerificationDone, types.VerificationDoneContent{TransactionID: f.id})
	if err != nil {
		return nil, err
	}
	if f.receivedDone {
		if err := s.finish(ctx, f); err != nil {
			return nil, err
		}
	}
	f.sentDone = true
	return []*domain.ToDeviceRequest{req}, nil
}
