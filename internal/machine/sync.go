package machine

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"
	"maunium.net/go/mautrix/id"

	"olmkit/internal/domain"
	"olmkit/internal/domain/types"
	"olmkit/internal/services/verification"
)

// SyncResult is what one batch of sync changes produced for the caller.
type SyncResult struct {
	// Decrypted holds olm encrypted to-device events the engine does not
	// consume itself.
	Decrypted []*domain.DecryptedToDevice
	// Passthrough holds plaintext to-device events of types the engine
	// does not handle.
	Passthrough []domain.ToDeviceEvent
	// RoomKeys lists sessions received or forwarded in this batch.
	RoomKeys []*domain.InboundGroupSession
	// Failed maps positions in SyncChanges.ToDevice to why they were dropped.
	Failed map[int]error
	// Refused maps incoming key request ids to why they were not answered.
	Refused map[string]error
	// Unresolved lists our room key requests that timed out with no retries
	// left. They are withdrawn from our other devices and forgotten.
	Unresolved []*domain.KeyRequest
}

// ReceiveSyncChanges consumes what a sync delivered. Device list changes are
// recorded first so that key requests answered in the same batch see them.
// Single events that fail are reported in the result. Store failures abort
// the batch.
func (m *Machine) ReceiveSyncChanges(ctx context.Context, changes *domain.SyncChanges) (*SyncResult, error) {
	if m.closed {
		return nil, ErrClosed
	}
	res := &SyncResult{Failed: map[int]error{}, Refused: map[string]error{}}

	outdated := append(append([]id.UserID(nil), changes.ChangedUsers...), changes.LeftUsers...)
	if len(outdated) > 0 {
		if err := m.identity.MarkUsersOutdated(ctx, outdated); err != nil {
			return nil, err
		}
	}
	if changes.OneTimeKeyCounts != nil || changes.UnusedFallbackKeyTypes != nil {
		if err := m.accounts.UpdateKeyCounts(ctx, changes.OneTimeKeyCounts, changes.UnusedFallbackKeyTypes); err != nil {
			return nil, err
		}
	}

	for i := range changes.ToDevice {
		event := &changes.ToDevice[i]
		if err := m.receiveToDevice(ctx, event, res); err != nil {
			if errors.Is(err, domain.ErrStoreIO) || ctx.Err() != nil {
				return nil, err
			}
			m.log.Debug("to-device event dropped",
				zap.String("sender", string(event.Sender)),
				zap.String("type", event.Type),
				zap.Error(err),
			)
			res.Failed[i] = err
		}
	}

	answers, refused, err := m.requests.ProcessIncomingRequests(ctx)
	if err != nil {
		return nil, err
	}
	m.outgoing.push(answers...)
	for k, v := range refused {
		res.Refused[k] = v
	}

	sweep, err := m.requests.ExpireRequests(ctx)
	if err != nil {
		return nil, err
	}
	m.outgoing.push(sweep.Resent...)
	m.outgoing.push(sweep.Cancellations...)
	res.Unresolved = sweep.Unresolved
	m.outgoing.push(m.verifications.GarbageCollect(m.now())...)
	return res, nil
}

func (m *Machine) receiveToDevice(ctx context.Context, event *domain.ToDeviceEvent, res *SyncResult) error {
	switch {
	case event.Type == types.EventEncrypted:
		dec, err := m.messages.DecryptToDevice(ctx, event)
		if err != nil {
			return err
		}
		return m.receiveDecrypted(ctx, dec, res)
	case event.Type == types.EventRoomKeyRequest:
		return m.requests.HandleIncomingRequest(ctx, event)
	case verification.IsVerificationEvent(event.Type):
		return m.handleVerification(ctx, event)
	case event.Type == types.EventRoomKey || event.Type == types.EventForwardedRoomKey:
		return fmt.Errorf("%w: %s sent in the clear", domain.ErrProtocolViolation, event.Type)
	default:
		res.Passthrough = append(res.Passthrough, *event)
		return nil
	}
}

func (m *Machine) receiveDecrypted(ctx context.Context, dec *domain.DecryptedToDevice, res *SyncResult) error {
	switch {
	case dec.Type == types.EventRoomKey:
		igs, err := m.groups.ReceiveRoomKey(ctx, dec)
		if err != nil {
			return err
		}
		if igs != nil {
			res.RoomKeys = append(res.RoomKeys, igs)
		}
	case dec.Type == types.EventForwardedRoomKey:
		igs, cancel, err := m.requests.HandleForwardedRoomKey(ctx, dec)
		if err != nil {
			return err
		}
		m.outgoing.push(cancel)
		if igs != nil {
			res.RoomKeys = append(res.RoomKeys, igs)
		}
	case verification.IsVerificationEvent(dec.Type):
		return m.handleVerification(ctx, &domain.ToDeviceEvent{Sender: dec.Sender, Type: dec.Type, Content: dec.Content})
	case dec.Type == types.EventDummy:
	default:
		res.Decrypted = append(res.Decrypted, dec)
	}
	return nil
}

// EncryptToDevice encrypts one event for a known device over its olm session,
// creating the session first when needed. The request is queued and returned.
func (m *Machine) EncryptToDevice(ctx context.Context, user id.UserID, device id.DeviceID, eventType string, content any) (*domain.ToDeviceRequest, error) {
	dev, err := m.identity.GetDevice(ctx, user, device)
	if err != nil {
		return nil, err
	}
	if dev == nil {
		return nil, fmt.Errorf("%w: %s %s", domain.ErrUnknownDevice, user, device)
	}
	req, failed, err := m.messages.EncryptToDevices(ctx, []*domain.Device{dev}, eventType, content)
	if err != nil {
		return nil, err
	}
	if err := failed[domain.DeviceRef{UserID: dev.UserID, DeviceID: dev.DeviceID}]; err != nil {
		return nil, err
	}
	m.outgoing.push(req)
	return req, nil
}

// ReplaceSession starts a new olm session with a device whose existing session
// fails with domain.ErrRatchetMismatch, and queues an m.dummy over it so the
// peer learns the new session. Only trusted devices get one.
func (m *Machine) ReplaceSession(ctx context.Context, user id.UserID, device id.DeviceID) (*domain.ToDeviceRequest, error) {
	dev, err := m.identity.GetDevice(ctx, user, device)
	if err != nil {
		return nil, err
	}
	if dev == nil {
		return nil, fmt.Errorf("%w: %s %s", domain.ErrUnknownDevice, user, device)
	}
	level, err := m.identity.DeviceTrust(ctx, user, device)
	if err != nil {
		return nil, err
	}
	if !level.Trusted() {
		return nil, fmt.Errorf("%w: %s %s is %s", domain.ErrUntrustedDevice, user, device, level)
	}
	if err := m.sessions.ReplaceSession(ctx, dev); err != nil {
		return nil, err
	}
	m.log.Info("olm session replaced",
		zap.String("user_id", string(user)),
		zap.String("device_id", string(device)),
	)
	return m.EncryptToDevice(ctx, user, device, types.EventDummy, struct{}{})
}

// DecryptToDevice opens a single olm encrypted to-device event without
// routing it. ReceiveSyncChanges is the normal path.
func (m *Machine) DecryptToDevice(ctx context.Context, event *domain.ToDeviceEvent) (*domain.DecryptedToDevice, error) {
	return m.messages.DecryptToDevice(ctx, event)
}
