package verification

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"maunium.net/go/mautrix/id"

	"olmkit/internal/domain"
	"olmkit/internal/domain/types"
)

// maxClockSkew is how far in the future a request timestamp may lie.
const maxClockSkew = 5 * time.Minute

// RequestVerification opens a flow with one device of user.
func (s *Service) RequestVerification(ctx context.Context, user id.UserID, device id.DeviceID) (*Flow, *domain.ToDeviceRequest, error) {
	acc, err := s.account.Account(ctx)
	if err != nil {
		return nil, nil, err
	}
	if user == acc.UserID && device == acc.DeviceID {
		return nil, nil, fmt.Errorf("%w: cannot verify our own device", domain.ErrProtocolViolation)
	}
	dev, err := s.otherDevice(ctx, user, device)
	if err != nil {
		return nil, nil, err
	}

	now := s.now()
	f := &flow{
		id:          uuid.NewString(),
		state:       types.FlowCreated,
		weInitiated: true,
		ourUser:     acc.UserID,
		ourDevice:   acc.DeviceID,
		ourKey:      acc.Identity.EdPub,
		otherUser:   user,
		otherDevice: device,
		otherKey:    dev.SigningKey,
		createdAt:   now,
		updatedAt:   now,
	}
	req, err := s.message(f, types.EventVerificationRequest, types.VerificationRequestContent{
		FromDevice:    acc.DeviceID,
		Methods:       supportedMethods,
		TransactionID: f.id,
		Timestamp:     now.UnixMilli(),
	})
	if err != nil {
		return nil, nil, err
	}
	s.flows.Store(f.id, f)
	s.log.Info("verification requested",
		zap.String("flow_id", f.id),
		zap.String("user", string(user)),
		zap.String("device", string(device)),
	)
	return f.snapshot(), req, nil
}

func (s *Service) otherDevice(ctx context.Context, user id.UserID, device id.DeviceID) (*domain.Device, error) {
	dev, err := s.identities.GetDevice(ctx, user, device)
	if err != nil {
		return nil, err
	}
	if dev == nil || dev.Deleted {
		return nil, fmt.Errorf("%w: %s %s", domain.ErrUnknownDevice, user, device)
	}
	return dev, nil
}

// Accept answers an incoming request with ready.
func (s *Service) Accept(ctx context.Context, flowID string) ([]*domain.ToDeviceRequest, error) {
	return s.withFlow(flowID, func(f *flow) ([]*domain.ToDeviceRequest, error) {
		if f.weInitiated || f.state != types.FlowCreated {
			return nil, fmt.Errorf("%w: accept in %s", errWrongState, f.state)
		}
		if err := f.advance(types.FlowReady, s.now()); err != nil {
			return nil, err
		}
		req, err := s.message(f, types.EventVerificationReady, types.VerificationReadyContent{
			FromDevice:    f.ourDevice,
			Methods:       supportedMethods,
			TransactionID: f.id,
		})
		if err != nil {
			return nil, err
		}
		return []*domain.ToDeviceRequest{req}, nil
	})
}

func (s *Service) handleRequest(ctx context.Context, sender id.UserID, c *types.VerificationRequestContent) error {
	if c.TransactionID == "" || c.FromDevice == "" {
		return fmt.Errorf("%w: verification request without transaction or device", domain.ErrProtocolViolation)
	}
	if _, ok := s.flows.Load(c.TransactionID); ok {
		return nil
	}
	now := s.now()
	sent := time.UnixMilli(c.Timestamp)
	if now.Sub(sent) > s.cfg.Timeout || sent.Sub(now) > maxClockSkew {
		return fmt.Errorf("%w: stale verification request %s", domain.ErrTimeout, c.TransactionID)
	}
	acc, err := s.account.Account(ctx)
	if err != nil {
		return err
	}
	if sender == acc.UserID && c.FromDevice == acc.DeviceID {
		return nil
	}
	dev, err := s.otherDevice(ctx, sender, c.FromDevice)
	if err != nil {
		return err
	}
	f := &flow{
		id:           c.TransactionID,
		state:        types.FlowCreated,
		ourUser:      acc.UserID,
		ourDevice:    acc.DeviceID,
		ourKey:       acc.Identity.EdPub,
		otherUser:    sender,
		otherDevice:  c.FromDevice,
		otherKey:     dev.SigningKey,
		theirMethods: c.Methods,
		createdAt:    now,
		updatedAt:    now,
	}
	if _, loaded := s.flows.LoadOrStore(f.id, f); !loaded {
		s.log.Info("verification request received",
			zap.String("flow_id", f.id),
			zap.String("user", string(sender)),
			zap.String("device", string(c.FromDevice)),
		)
	}
	return nil
}

func (s *Service) handleReady(f *flow, c *types.VerificationReadyContent) ([]*domain.ToDeviceRequest, error) {
	if !f.weInitiated || f.state != types.FlowCreated {
		return nil, cancelf(types.CancelUnexpectedMessage, "ready in state %s", f.state)
	}
	if c.FromDevice != f.otherDevice {
		return nil, cancelf(types.CancelUserMismatch, "ready from device %s", c.FromDevice)
	}
	f.theirMethods = c.Methods
	return nil, f.advance(types.FlowReady, s.now())
}
