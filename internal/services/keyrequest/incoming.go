package keyrequest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"

	"go.uber.org/zap"
	"maunium.net/go/mautrix/id"

	"olmkit/internal/domain"
	"olmkit/internal/domain/types"
	"olmkit/internal/protocol/megolm"
)

type incomingRequest struct {
	user    id.UserID
	content domain.RoomKeyRequestContent
}

func incomingKey(device id.DeviceID, requestID string) string {
	return string(device) + "|" + requestID
}

// HandleIncomingRequest queues a request or applies a cancellation from a
// m.room_key_request event. Queued requests are answered by
// ProcessIncomingRequests. Requests from other users are refused.
func (s *Service) HandleIncomingRequest(ctx context.Context, event *domain.ToDeviceEvent) error {
	var content domain.RoomKeyRequestContent
	if err := json.Unmarshal(event.Content, &content); err != nil {
		return fmt.Errorf("%w: room key request: %v", domain.ErrProtocolViolation, err)
	}
	if content.Action == types.KeyRequestActionCancel {
		s.HandleIncomingCancellation(event.Sender, &content)
		return nil
	}
	if content.Action != types.KeyRequestActionRequest {
		return fmt.Errorf("%w: room key request action %q", domain.ErrProtocolViolation, content.Action)
	}
	if content.Body == nil || content.RequestID == "" {
		return fmt.Errorf("%w: room key request without body", domain.ErrProtocolViolation)
	}

	acc, err := s.account.Account(ctx)
	if err != nil {
		return err
	}
	if event.Sender != acc.UserID {
		return fmt.Errorf("%w: room key requested by %s", domain.ErrUntrustedDevice, event.Sender)
	}
	if content.RequestingDeviceID == acc.DeviceID {
		return nil
	}
	s.incoming.Store(incomingKey(content.RequestingDeviceID, content.RequestID), &incomingRequest{user: event.Sender, content: content})
	return nil
}

// HandleIncomingCancellation drops a queued request. It reports whether one
// was queued.
func (s *Service) HandleIncomingCancellation(user id.UserID, content *domain.RoomKeyRequestContent) bool {
	k := incomingKey(content.RequestingDeviceID, content.RequestID)
	r, ok := s.incoming.Load(k)
	if !ok || r.user != user {
		return false
	}
	s.incoming.Delete(k)
	s.log.Debug("room key request withdrawn",
		zap.String("request_id", content.RequestID),
		zap.String("device", string(content.RequestingDeviceID)),
	)
	return true
}

// ProcessIncomingRequests answers the queued requests. It returns the
// forwarded keys to send and, per request id, why a request was refused.
// Requests for sessions we do not hold are dropped without an answer.
func (s *Service) ProcessIncomingRequests(ctx context.Context) ([]*domain.ToDeviceRequest, map[string]error, error) {
	var keys []string
	s.incoming.Range(func(k string, _ *incomingRequest) bool {
		keys = append(keys, k)
		return true
	})
	sort.Strings(keys)

	var out []*domain.ToDeviceRequest
	refused := map[string]error{}
	for _, k := range keys {
		r, ok := s.incoming.Load(k)
		if !ok {
			continue
		}
		req, err := s.answer(ctx, r)
		if errors.Is(err, domain.ErrStoreIO) || ctx.Err() != nil {
			return out, refused, err
		}
		s.incoming.Delete(k)
		if err != nil {
			refused[r.content.RequestID] = err
			s.metrics.KeyRequests.WithLabelValues("refused").Inc()
			s.log.Info("room key request refused",
				zap.String("request_id", r.content.RequestID),
				zap.String("device", string(r.content.RequestingDeviceID)),
				zap.Error(err),
			)
			continue
		}
		if req != nil {
			out = append(out, req)
		}
	}
	return out, refused, nil
}

func (s *Service) answer(ctx context.Context, r *incomingRequest) (*domain.ToDeviceRequest, error) {
	if s.cfg.Policy == ForwardNever {
		return nil, fmt.Errorf("%w: key forwarding disabled", domain.ErrUntrustedDevice)
	}
	dev, err := s.identity.GetDevice(ctx, r.user, r.content.RequestingDeviceID)
	if err != nil {
		return nil, err
	}
	if dev == nil || dev.Deleted {
		return nil, fmt.Errorf("%w: %s", domain.ErrUnknownDevice, r.content.RequestingDeviceID)
	}
	trust, err := s.identity.DeviceTrust(ctx, dev.UserID, dev.DeviceID)
	if err != nil {
		return nil, err
	}
	if trust == types.TrustLevelBlacklisted || (s.cfg.Policy == ForwardIfVerified && !trust.Trusted()) {
		return nil, fmt.Errorf("%w: %s is %s", domain.ErrUntrustedDevice, dev.DeviceID, trust)
	}

	info := r.content.Body
	if info.Algorithm != types.AlgorithmMegolm {
		return nil, fmt.Errorf("%w: %s", domain.ErrUnsupportedAlgo, info.Algorithm)
	}
	igs, err := s.keys.InboundSession(ctx, info.RoomID, info.SenderKey, info.SessionID)
	if err != nil {
		return nil, err
	}
	if igs == nil {
		s.log.Debug("requested room key not held", zap.String("session_id", string(info.SessionID)))
		return nil, nil
	}
	exported, err := megolm.Export(igs)
	if err != nil {
		return nil, err
	}
	content := domain.ForwardedRoomKeyContent{
		Algorithm:          exported.Algorithm,
		RoomID:             exported.RoomID,
		SenderKey:          exported.SenderKey,
		SessionID:          exported.SessionID,
		SessionKey:         exported.SessionKey,
		SenderClaimedKey:   exported.SenderClaimedKeys.Ed25519,
		ForwardingKeyChain: exported.ForwardingChain,
	}
	req, failed, err := s.encryptor.EncryptToDevices(ctx, []*domain.Device{dev}, types.EventForwardedRoomKey, content)
	if err != nil {
		return nil, err
	}
	if err := failed[domain.DeviceRef{UserID: dev.UserID, DeviceID: dev.DeviceID}]; err != nil {
		return nil, err
	}
	s.metrics.KeyRequests.WithLabelValues("forwarded").Inc()
	s.log.Info("room key forwarded",
		zap.String("session_id", string(info.SessionID)),
		zap.String("device", string(dev.DeviceID)),
	)
	return req, nil
}
