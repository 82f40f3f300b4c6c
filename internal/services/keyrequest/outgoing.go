package keyrequest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"maunium.net/go/mautrix/id"

	"olmkit/internal/domain"
	"olmkit/internal/domain/types"
)

var errUnsolicited = errors.New("forwarded room key was not requested")

// RequestRoomKey asks our other devices for a megolm session. A request that
// is already open for the same session is returned unchanged with a nil
// to-device request. The to-device request is nil as well when we have no
// other devices to ask.
func (s *Service) RequestRoomKey(ctx context.Context, room id.RoomID, senderKey id.Curve25519, sessionID id.SessionID) (*domain.KeyRequest, *domain.ToDeviceRequest, error) {
	existing, err := s.store.GetKeyRequestByInfo(ctx, room, sessionID)
	if err != nil {
		return nil, nil, err
	}
	if existing != nil && !existing.State.Terminal() {
		return existing, nil, nil
	}

	acc, err := s.account.Account(ctx)
	if err != nil {
		return nil, nil, err
	}
	now := s.now()
	req := &domain.KeyRequest{
		RequestID:        uuid.NewString(),
		RequestingDevice: acc.DeviceID,
		Info: domain.RequestedKeyInfo{
			Algorithm: types.AlgorithmMegolm,
			RoomID:    room,
			SenderKey: senderKey,
			SessionID: sessionID,
		},
		State:     types.KeyRequestPending,
		CreatedAt: now,
		Deadline:  now.Add(s.cfg.Timeout),
	}
	out, err := s.requestFor(ctx, acc, req, types.KeyRequestActionRequest)
	if err != nil {
		return nil, nil, err
	}

	changes := &domain.Changes{KeyRequests: []*domain.KeyRequest{req}}
	if existing != nil {
		changes.DeletedKeyRequests = []string{existing.RequestID}
	}
	if err := s.store.SaveChanges(ctx, changes); err != nil {
		return nil, nil, err
	}
	if existing != nil {
		s.untrack(existing)
	}
	s.track(req)
	if out != nil {
		s.sent.Store(out.TxnID, []string{req.RequestID})
	}
	s.metrics.KeyRequests.WithLabelValues("requested").Inc()
	s.log.Debug("room key requested",
		zap.String("request_id", req.RequestID),
		zap.String("room_id", string(room)),
		zap.String("session_id", string(sessionID)),
	)
	return req, out, nil
}

// requestFor builds the plain to-device message carrying action for req,
// addressed to every other device of ours.
func (s *Service) requestFor(ctx context.Context, acc *domain.Account, req *domain.KeyRequest, action string) (*domain.ToDeviceRequest, error) {
	devices, err := s.identity.GetUserDevices(ctx, acc.UserID)
	if err != nil {
		return nil, err
	}
	content := domain.RoomKeyRequestContent{
		Action:             action,
		RequestID:          req.RequestID,
		RequestingDeviceID: req.RequestingDevice,
	}
	if action == types.KeyRequestActionRequest {
		info := req.Info
		content.Body = &info
	}
	raw, err := json.Marshal(content)
	if err != nil {
		return nil, err
	}
	out := &domain.ToDeviceRequest{TxnID: uuid.NewString(), EventType: types.EventRoomKeyRequest}
	for _, d := range devices {
		if d.DeviceID != acc.DeviceID {
			out.Add(d.UserID, d.DeviceID, raw)
		}
	}
	if out.Len() == 0 {
		return nil, nil
	}
	return out, nil
}

// MarkRequestAsSent moves the requests carried by txnID from pending to sent.
// Unknown transactions are ignored.
func (s *Service) MarkRequestAsSent(ctx context.Context, txnID string) error {
	ids, ok := s.sent.LoadAndDelete(txnID)
	if !ok {
		return nil
	}
	changes := &domain.Changes{}
	for _, requestID := range ids {
		req, err := s.store.GetKeyRequest(ctx, requestID)
		if err != nil {
			return err
		}
		if req == nil || req.State != types.KeyRequestPending {
			continue
		}
		req.State = types.KeyRequestSent
		changes.KeyRequests = append(changes.KeyRequests, req)
	}
	if changes.Empty() {
		return nil
	}
	return s.store.SaveChanges(ctx, changes)
}

// ResendPending rebuilds the to-device messages of requests that were never
// marked as sent, for example after a restart.
func (s *Service) ResendPending(ctx context.Context) ([]*domain.ToDeviceRequest, error) {
	acc, err := s.account.Account(ctx)
	if err != nil {
		return nil, err
	}
	reqs, err := s.store.GetKeyRequests(ctx)
	if err != nil {
		return nil, err
	}
	var out []*domain.ToDeviceRequest
	for _, req := range reqs {
		if req.State != types.KeyRequestPending {
			continue
		}
		r, err := s.requestFor(ctx, acc, req, types.KeyRequestActionRequest)
		if err != nil {
			return nil, err
		}
		if r == nil {
			continue
		}
		s.sent.Store(r.TxnID, []string{req.RequestID})
		out = append(out, r)
	}
	return out, nil
}

// Sweep is the outcome of ExpireRequests.
type Sweep struct {
	// Resent holds the repeated asks of requests that still had retries left.
	Resent []*domain.ToDeviceRequest
	// Unresolved holds requests that ran out of retries. They are removed
	// from the store.
	Unresolved []*domain.KeyRequest
	// Cancellations withdraw the unresolved requests from our other devices.
	Cancellations []*domain.ToDeviceRequest
}

// ExpireRequests handles every request whose deadline has passed. Requests
// with retries left are asked again with a fresh deadline; the rest become
// unresolved.
func (s *Service) ExpireRequests(ctx context.Context) (*Sweep, error) {
	now := s.now()
	var due []deadline
	s.mu.Lock()
	s.deadlines.Scan(func(d deadline) bool {
		if d.at.After(now) {
			return false
		}
		due = append(due, d)
		return true
	})
	s.mu.Unlock()

	sweep := &Sweep{}
	if len(due) == 0 {
		return sweep, nil
	}
	acc, err := s.account.Account(ctx)
	if err != nil {
		return nil, err
	}

	changes := &domain.Changes{}
	var retracked []*domain.KeyRequest
	sentIDs := map[string]string{}
	for _, d := range due {
		req, err := s.store.GetKeyRequest(ctx, d.requestID)
		if err != nil {
			return nil, err
		}
		if req == nil || req.State.Terminal() {
			continue
		}
		if req.Retries >= s.cfg.MaxRetries {
			cancel, err := s.requestFor(ctx, acc, req, types.KeyRequestActionCancel)
			if err != nil {
				return nil, err
			}
			if cancel != nil {
				sweep.Cancellations = append(sweep.Cancellations, cancel)
			}
			req.State = types.KeyRequestUnresolved
			changes.DeletedKeyRequests = append(changes.DeletedKeyRequests, req.RequestID)
			sweep.Unresolved = append(sweep.Unresolved, req)
			continue
		}
		next := *req
		next.Retries++
		next.State = types.KeyRequestPending
		next.Deadline = now.Add(s.cfg.Timeout)
		r, err := s.requestFor(ctx, acc, &next, types.KeyRequestActionRequest)
		if err != nil {
			return nil, err
		}
		if r != nil {
			sweep.Resent = append(sweep.Resent, r)
			sentIDs[r.TxnID] = next.RequestID
		}
		changes.KeyRequests = append(changes.KeyRequests, &next)
		retracked = append(retracked, &next)
	}
	if err := s.store.SaveChanges(ctx, changes); err != nil {
		return nil, err
	}

	s.mu.Lock()
	for _, d := range due {
		s.deadlines.Delete(d)
	}
	for _, r := range retracked {
		s.deadlines.Set(deadline{at: r.Deadline, requestID: r.RequestID})
	}
	s.mu.Unlock()
	for txn, requestID := range sentIDs {
		s.sent.Store(txn, []string{requestID})
	}
	if n := len(sweep.Unresolved); n > 0 {
		s.metrics.KeyRequests.WithLabelValues("unresolved").Add(float64(n))
		s.log.Info("room key requests unresolved", zap.Int("count", n))
	}
	return sweep, nil
}

// CancelRoomKeyRequest withdraws an open request. It returns the cancellation
// to send, or nil when nothing was open.
func (s *Service) CancelRoomKeyRequest(ctx context.Context, room id.RoomID, sessionID id.SessionID) (*domain.ToDeviceRequest, error) {
	req, err := s.store.GetKeyRequestByInfo(ctx, room, sessionID)
	if err != nil || req == nil || req.State.Terminal() {
		return nil, err
	}
	return s.finish(ctx, req, types.KeyRequestCancelled, "cancelled")
}

// finish removes req from the store and the index and builds the
// cancellation for our other devices.
func (s *Service) finish(ctx context.Context, req *domain.KeyRequest, state domain.KeyRequestState, outcome string) (*domain.ToDeviceRequest, error) {
	acc, err := s.account.Account(ctx)
	if err != nil {
		return nil, err
	}
	cancel, err := s.requestFor(ctx, acc, req, types.KeyRequestActionCancel)
	if err != nil {
		return nil, err
	}
	if err := s.store.SaveChanges(ctx, &domain.Changes{DeletedKeyRequests: []string{req.RequestID}}); err != nil {
		return nil, err
	}
	s.untrack(req)
	req.State = state
	s.metrics.KeyRequests.WithLabelValues(outcome).Inc()
	return cancel, nil
}

// HandleForwardedRoomKey imports a key one of our trusted devices forwarded
// in answer to an open request. The request is then satisfied and the
// returned cancellation tells our other devices to stop looking.
func (s *Service) HandleForwardedRoomKey(ctx context.Context, from *domain.DecryptedToDevice) (*domain.InboundGroupSession, *domain.ToDeviceRequest, error) {
	var content domain.ForwardedRoomKeyContent
	if err := json.Unmarshal(from.Content, &content); err != nil {
		return nil, nil, fmt.Errorf("%w: forwarded room key: %v", domain.ErrProtocolViolation, err)
	}
	if content.Algorithm != types.AlgorithmMegolm {
		return nil, nil, fmt.Errorf("%w: %s", domain.ErrUnsupportedAlgo, content.Algorithm)
	}

	req, err := s.store.GetKeyRequestByInfo(ctx, content.RoomID, content.SessionID)
	if err != nil {
		return nil, nil, err
	}
	if req == nil || req.State.Terminal() || req.Info.SenderKey != content.SenderKey {
		return nil, nil, fmt.Errorf("%w: %w: %s", domain.ErrProtocolViolation, errUnsolicited, content.SessionID)
	}

	acc, err := s.account.Account(ctx)
	if err != nil {
		return nil, nil, err
	}
	if from.Sender != acc.UserID {
		return nil, nil, fmt.Errorf("%w: room key forwarded by %s", domain.ErrUntrustedDevice, from.Sender)
	}
	dev, err := s.identity.DeviceByIdentityKey(ctx, from.Sender, from.SenderKey)
	if err != nil {
		return nil, nil, err
	}
	if dev == nil {
		return nil, nil, fmt.Errorf("%w: forwarder %s", domain.ErrUnknownDevice, from.SenderKey)
	}
	trusted, err := s.identity.IsTrusted(ctx, dev.UserID, dev.DeviceID)
	if err != nil {
		return nil, nil, err
	}
	if !trusted {
		return nil, nil, fmt.Errorf("%w: room key forwarded by %s", domain.ErrUntrustedDevice, dev.DeviceID)
	}

	igs, err := s.keys.ImportForwardedRoomKey(ctx, from, &content)
	if err != nil {
		return nil, nil, err
	}
	cancel, err := s.finish(ctx, req, types.KeyRequestSatisfied, "satisfied")
	if err != nil {
		return nil, nil, err
	}
	s.log.Info("room key request satisfied",
		zap.String("request_id", req.RequestID),
		zap.String("session_id", string(content.SessionID)),
		zap.String("forwarder", string(dev.DeviceID)),
	)
	return igs, cancel, nil
}
