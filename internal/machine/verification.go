package machine

import (
	"context"
	"fmt"

	"github.com/puzpuzpuz/xsync/v4"
	"github.com/tidwall/gjson"
	"go.uber.org/zap"
	"maunium.net/go/mautrix/id"

	"olmkit/internal/domain"
	"olmkit/internal/domain/types"
	"olmkit/internal/protocol/sas"
	"olmkit/internal/services/verification"
)

type methodTable struct {
	m *xsync.Map[string, domain.VerificationMethod]
}

func newMethodTable() *methodTable {
	return &methodTable{m: xsync.NewMap[string, domain.VerificationMethod]()}
}

// StartVerification asks a device to verify. With MethodSAS the key exchange
// starts as soon as the other side is ready. With the QR methods the caller
// shows or scans a code once the flow is ready.
func (m *Machine) StartVerification(ctx context.Context, user id.UserID, device id.DeviceID, method domain.VerificationMethod) (*verification.Flow, error) {
	switch method {
	case types.MethodSAS, types.MethodQRShow, types.MethodQRScan:
	default:
		return nil, fmt.Errorf("%w: verification method %q", domain.ErrUnsupportedAlgo, method)
	}
	f, req, err := m.verifications.RequestVerification(ctx, user, device)
	if err != nil {
		return nil, err
	}
	m.preferred.m.Store(f.ID, method)
	m.outgoing.push(req)
	return f, nil
}

// HandleVerificationEvent feeds one verification event to its flow. It is
// also called by ReceiveSyncChanges for every verification event in a sync.
func (m *Machine) HandleVerificationEvent(ctx context.Context, event *domain.ToDeviceEvent) error {
	return m.handleVerification(ctx, event)
}

func (m *Machine) handleVerification(ctx context.Context, event *domain.ToDeviceEvent) error {
	reqs, err := m.verifications.HandleEvent(ctx, event)
	m.outgoing.push(reqs...)
	if err != nil {
		return err
	}
	if event.Type != types.EventVerificationReady {
		return nil
	}
	flowID := gjson.GetBytes(event.Content, "transaction_id").String()
	method, ok := m.preferred.m.LoadAndDelete(flowID)
	if !ok || method != types.MethodSAS {
		return nil
	}
	f, err := m.verifications.Flow(flowID)
	if err != nil || f.State != types.FlowReady {
		return nil
	}
	started, err := m.verifications.StartSAS(ctx, flowID)
	if err != nil {
		m.log.Warn("sas start failed", zap.String("flow_id", flowID), zap.Error(err))
		return nil
	}
	m.outgoing.push(started...)
	return nil
}

// Verification returns a snapshot of a flow.
func (m *Machine) Verification(flowID string) (*verification.Flow, error) {
	return m.verifications.Flow(flowID)
}

// Verifications lists the flows the machine remembers.
func (m *Machine) Verifications() []*verification.Flow {
	return m.verifications.Flows()
}

// AcceptVerification answers an incoming request with ready.
func (m *Machine) AcceptVerification(ctx context.Context, flowID string) error {
	return m.queue(m.verifications.Accept(ctx, flowID))
}

// StartSAS starts the emoji or decimal comparison on a ready flow.
func (m *Machine) StartSAS(ctx context.Context, flowID string) error {
	return m.queue(m.verifications.StartSAS(ctx, flowID))
}

// SAS returns the short authentication string once keys were exchanged.
func (m *Machine) SAS(flowID string) (sas.String, error) {
	return m.verifications.SAS(flowID)
}

// ConfirmVerification records that the user saw matching strings.
func (m *Machine) ConfirmVerification(ctx context.Context, flowID string) error {
	return m.queue(m.verifications.Confirm(ctx, flowID))
}

// MismatchVerification records that the strings differed and cancels.
func (m *Machine) MismatchVerification(ctx context.Context, flowID string) error {
	return m.queue(m.verifications.Mismatch(ctx, flowID))
}

// CancelVerification cancels a flow with m.user.
func (m *Machine) CancelVerification(ctx context.Context, flowID string) error {
	return m.queue(m.verifications.Cancel(ctx, flowID, types.CancelUser))
}

// ShowQR returns the code to display on a ready flow.
func (m *Machine) ShowQR(ctx context.Context, flowID string) (*verification.QRCode, error) {
	return m.verifications.ShowQR(ctx, flowID)
}

// ScanQR hands a scanned code to its flow.
func (m *Machine) ScanQR(ctx context.Context, flowID string, payload []byte) error {
	return m.queue(m.verifications.ScanQR(ctx, flowID, payload))
}

// ConfirmQRScanned records that the other device showed a successful scan.
func (m *Machine) ConfirmQRScanned(ctx context.Context, flowID string) error {
	return m.queue(m.verifications.ConfirmQRScanned(ctx, flowID))
}

func (m *Machine) queue(reqs []*domain.ToDeviceRequest, err error) error {
	m.outgoing.push(reqs...)
	return err
}
