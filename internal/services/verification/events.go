package verification

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"go.uber.org/zap"
	"maunium.net/go/mautrix/id"

	"olmkit/internal/domain"
	"olmkit/internal/domain/types"
)

// IsVerificationEvent reports whether eventType belongs to this service.
func IsVerificationEvent(eventType string) bool {
	switch eventType {
	case types.EventVerificationRequest, types.EventVerificationReady, types.EventVerificationStart,
		types.EventVerificationAccept, types.EventVerificationKey, types.EventVerificationMAC,
		types.EventVerificationDone, types.EventVerificationCancel:
		return true
	}
	return false
}

// HandleEvent feeds a verification message from the other device into its
// flow. Messages that break the protocol cancel the flow; the cancellation is
// among the returned requests. Late messages for finished flows are ignored.
func (s *Service) HandleEvent(ctx context.Context, event *domain.ToDeviceEvent) ([]*domain.ToDeviceRequest, error) {
	if event.Type == types.EventVerificationRequest {
		var c types.VerificationRequestContent
		if err := json.Unmarshal(event.Content, &c); err != nil {
			return nil, fmt.Errorf("%w: %s: %v", domain.ErrProtocolViolation, event.Type, err)
		}
		return nil, s.handleRequest(ctx, event.Sender, &c)
	}

	var envelope struct {
		TransactionID string `json:"transaction_id"`
	}
	if err := json.Unmarshal(event.Content, &envelope); err != nil || envelope.TransactionID == "" {
		return nil, fmt.Errorf("%w: %s without transaction id", domain.ErrProtocolViolation, event.Type)
	}
	f, ok := s.flows.Load(envelope.TransactionID)
	if !ok {
		return nil, fmt.Errorf("%w: %w: %s", domain.ErrProtocolViolation, ErrUnknownFlow, envelope.TransactionID)
	}
	if f.otherUser != event.Sender {
		return nil, fmt.Errorf("%w: %s for flow %s sent by %s", domain.ErrProtocolViolation, event.Type, f.id, event.Sender)
	}

	reqs, err := s.withFlow(f.id, func(f *flow) ([]*domain.ToDeviceRequest, error) {
		return s.dispatch(ctx, f, event)
	})
	if errors.Is(err, ErrFlowFinished) {
		s.log.Debug("message for finished flow ignored", zap.String("flow_id", f.id), zap.String("type", event.Type))
		return nil, nil
	}
	return reqs, err
}

func (s *Service) dispatch(ctx context.Context, f *flow, event *domain.ToDeviceEvent) ([]*domain.ToDeviceRequest, error) {
	switch event.Type {
	case types.EventVerificationReady:
		var c types.VerificationReadyContent
		if err := decode(event, &c); err != nil {
			return nil, err
		}
		return s.handleReady(f, &c)
	case types.EventVerificationStart:
		var c types.VerificationStartContent
		if err := decode(event, &c); err != nil {
			return nil, err
		}
		return s.handleStart(f, &c)
	case types.EventVerificationAccept:
		var c types.VerificationAcceptContent
		if err := decode(event, &c); err != nil {
			return nil, err
		}
		return s.handleAccept(f, &c)
	case types.EventVerificationKey:
		var c types.VerificationKeyContent
		if err := decode(event, &c); err != nil {
			return nil, err
		}
		return s.handleKey(f, &c)
	case types.EventVerificationMAC:
		var c types.VerificationMACContent
		if err := decode(event, &c); err != nil {
			return nil, err
		}
		return s.handleMAC(ctx, f, &c)
	case types.EventVerificationDone:
		return s.handleDone(ctx, f)
	case types.EventVerificationCancel:
		var c types.VerificationCancelContent
		if err := json.Unmarshal(event.Content, &c); err != nil {
			c.Code = types.CancelInvalidMessage
		}
		s.handleCancel(f, &c)
		return nil, nil
	default:
		return nil, cancelf(types.CancelUnexpectedMessage, "unknown message %s", event.Type)
	}
}

func decode(event *domain.ToDeviceEvent, v any) error {
	if err := json.Unmarshal(event.Content, v); err != nil {
		return cancelf(types.CancelInvalidMessage, "%s: %v", event.Type, err)
	}
	return nil
}

// handleDone records the other side's done. The flow finishes once both
// sides sent done. A device that scanned a code answers with its own done.
func (s *Service) handleDone(ctx context.Context, f *flow) ([]*domain.ToDeviceRequest, error) {
	if f.receivedDone {
		return nil, cancelf(types.CancelUnexpectedMessage, "second done")
	}
	if t, ok := f.qr(); ok && t.scanned != nil && f.state == types.FlowStarted {
		f.receivedDone = true
		if err := f.advance(types.FlowMacExchanged, s.now()); err != nil {
			return nil, err
		}
		return s.sendDone(ctx, f)
	}
	if f.state < types.FlowKeyExchanged {
		return nil, cancelf(types.CancelUnexpectedMessage, "done in state %s", f.state)
	}
	f.receivedDone = true
	if f.sentDone {
		return nil, s.finish(ctx, f)
	}
	return nil, nil
}

func (s *Service) handleCancel(f *flow, c *types.VerificationCancelContent) {
	if err := f.advance(types.FlowCancelled, s.now()); err != nil {
		return
	}
	f.cancelCode, f.cancelReason = c.Code, c.Reason
	s.metrics.Verifications.WithLabelValues(string(c.Code)).Inc()
	s.log.Info("verification cancelled by other side",
		zap.String("flow_id", f.id),
		zap.String("code", string(c.Code)),
		zap.String("reason", c.Reason),
	)
}

// FlowsWith lists the open flows with one device.
func (s *Service) FlowsWith(user id.UserID, device id.DeviceID) []*Flow {
	var out []*Flow
	for _, f := range s.Flows() {
		if f.OtherUser == user && f.OtherDevice == device && !f.State.Terminal() {
			out = append(out, f)
		}
	}
	return out
}
