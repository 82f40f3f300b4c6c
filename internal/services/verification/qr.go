package verification

import (
	"context"
	"crypto/subtle"
	"fmt"

	"maunium.net/go/mautrix/id"

	"olmkit/internal/domain"
	"olmkit/internal/domain/types"
	"olmkit/internal/protocol/qr"
	"olmkit/internal/services/identity"
)

// qrImageSize is the edge length in pixels of rendered codes.
const qrImageSize = 256

// QRCode is a code to display for the other device to scan.
type QRCode struct {
	Payload []byte
	PNG     []byte
}

// ShowQR builds the code this device displays for a ready flow. Calling it
// again returns the same code.
func (s *Service) ShowQR(ctx context.Context, flowID string) (*QRCode, error) {
	acc, err := s.account.Account(ctx)
	if err != nil {
		return nil, err
	}
	var code qr.Code
	_, err = s.withFlow(flowID, func(f *flow) ([]*domain.ToDeviceRequest, error) {
		if t, ok := f.qr(); ok && t.shown != nil {
			code = *t.shown
			return nil, nil
		}
		if f.state != types.FlowReady {
			return nil, fmt.Errorf("%w: show qr in %s", errWrongState, f.state)
		}
		if !f.supports(types.MethodQRScan) {
			return nil, fmt.Errorf("%w: other device cannot scan", errWrongState)
		}
		c, err := s.buildCode(ctx, f, acc)
		if err != nil {
			return nil, err
		}
		code = c
		f.transcript = &qrTranscript{shown: &c}
		return nil, nil
	})
	if err != nil {
		return nil, err
	}
	png, err := code.PNG(qrImageSize)
	if err != nil {
		return nil, err
	}
	return &QRCode{Payload: code.Encode(), PNG: png}, nil
}

func (s *Service) buildCode(ctx context.Context, f *flow, acc *domain.Account) (qr.Code, error) {
	secret, err := qr.NewSecret()
	if err != nil {
		return qr.Code{}, err
	}
	c := qr.Code{FlowID: f.id, Secret: secret}
	switch {
	case f.otherUser != f.ourUser:
		if acc.CrossSigning == nil {
			return qr.Code{}, identity.ErrNoCrossSigningKeys
		}
		theirs, err := s.masterKey(ctx, f.otherUser)
		if err != nil {
			return qr.Code{}, err
		}
		c.Mode, c.FirstKey, c.SecondKey = qr.ModeVerifyOtherUser, [32]byte(acc.CrossSigning.Master.Public()), [32]byte(theirs)
	case acc.CrossSigning != nil:
		c.Mode, c.FirstKey, c.SecondKey = qr.ModeSelfTrusted, [32]byte(acc.CrossSigning.Master.Public()), [32]byte(f.otherKey)
	default:
		ours, err := s.masterKey(ctx, f.ourUser)
		if err != nil {
			return qr.Code{}, err
		}
		c.Mode, c.FirstKey, c.SecondKey = qr.ModeSelfUntrusted, [32]byte(f.ourKey), [32]byte(ours)
	}
	return c, nil
}

func (s *Service) masterKey(ctx context.Context, user id.UserID) (domain.Ed25519Public, error) {
	ident, err := s.identities.UserIdentity(ctx, user)
	if err != nil {
		return domain.Ed25519Public{}, err
	}
	if ident == nil {
		return domain.Ed25519Public{}, fmt.Errorf("%w: %s", identity.ErrNoCrossSigningKeys, user)
	}
	return ident.MasterKey()
}

// ownMaster is the master key we hold privately, or the one published for
// our user.
func (s *Service) ownMaster(ctx context.Context, acc *domain.Account) (domain.Ed25519Public, error) {
	if acc.CrossSigning != nil {
		return acc.CrossSigning.Master.Public(), nil
	}
	return s.masterKey(ctx, acc.UserID)
}

// ScanQR checks a code scanned from the other device and answers with the
// reciprocation carrying its secret. Codes for another flow, or naming keys
// we do not know, cancel the flow.
func (s *Service) ScanQR(ctx context.Context, flowID string, payload []byte) ([]*domain.ToDeviceRequest, error) {
	acc, err := s.account.Account(ctx)
	if err != nil {
		return nil, err
	}
	return s.withFlow(flowID, func(f *flow) ([]*domain.ToDeviceRequest, error) {
		if f.state != types.FlowReady {
			return nil, fmt.Errorf("%w: scan in %s", errWrongState, f.state)
		}
		if !f.supports(types.MethodQRShow) {
			return nil, fmt.Errorf("%w: other device shows no code", errWrongState)
		}
		c, err := qr.Decode(payload)
		if err != nil {
			return nil, cancelf(types.CancelQRCodeInvalid, "%v", err)
		}
		if c.FlowID != f.id {
			return nil, cancelf(types.CancelQRCodeInvalid, "code belongs to another flow")
		}
		verified, err := s.checkScanned(ctx, f, acc, c)
		if err != nil {
			return nil, err
		}
		if err := f.advance(types.FlowStarted, s.now()); err != nil {
			return nil, err
		}
		f.transcript = &qrTranscript{scanned: &c}
		f.verified = verified
		req, err := s.message(f, types.EventVerificationStart, types.VerificationStartContent{
			FromDevice:    f.ourDevice,
			Method:        types.MethodReciprocate,
			TransactionID: f.id,
			Secret:        c.SecretString(),
		})
		if err != nil {
			return nil, err
		}
		return []*domain.ToDeviceRequest{req}, nil
	})
}

// checkScanned compares the keys in a scanned code with what we know and
// returns the keys to trust when the flow is done.
func (s *Service) checkScanned(ctx context.Context, f *flow, acc *domain.Account, c qr.Code) ([]pendingTrust, error) {
	self := f.otherUser == f.ourUser
	first, second := domain.Ed25519Public(c.FirstKey), domain.Ed25519Public(c.SecondKey)
	switch c.Mode {
	case qr.ModeVerifyOtherUser:
		if self {
			return nil, cancelf(types.CancelQRCodeInvalid, "code verifies another user")
		}
		theirs, err := s.masterKey(ctx, f.otherUser)
		if err != nil {
			return nil, err
		}
		ours, err := s.ownMaster(ctx, acc)
		if err != nil {
			return nil, err
		}
		if first != theirs || second != ours {
			return nil, cancelf(types.CancelKeyMismatch, "master keys in code do not match")
		}
		return []pendingTrust{{user: f.otherUser, key: theirs}}, nil
	case qr.ModeSelfTrusted:
		if !self {
			return nil, cancelf(types.CancelQRCodeInvalid, "code is for self verification")
		}
		ours, err := s.masterKey(ctx, f.ourUser)
		if err != nil {
			return nil, err
		}
		if first != ours || second != f.ourKey {
			return nil, cancelf(types.CancelKeyMismatch, "keys in code do not match")
		}
		return []pendingTrust{{user: f.ourUser, key: ours}}, nil
	case qr.ModeSelfUntrusted:
		if !self {
			return nil, cancelf(types.CancelQRCodeInvalid, "code is for self verification")
		}
		ours, err := s.ownMaster(ctx, acc)
		if err != nil {
			return nil, err
		}
		if first != f.otherKey || second != ours {
			return nil, cancelf(types.CancelKeyMismatch, "keys in code do not match")
		}
		return []pendingTrust{{user: f.otherUser, device: f.otherDevice, key: f.otherKey}}, nil
	default:
		return nil, cancelf(types.CancelQRCodeInvalid, "mode %d", c.Mode)
	}
}

// reciprocated checks the secret echoed by the device that scanned our code.
func (s *Service) reciprocated(f *flow, c *types.VerificationStartContent) error {
	t, ok := f.qr()
	if !ok || t.shown == nil {
		return cancelf(types.CancelUnexpectedMessage, "reciprocation without a shown code")
	}
	if subtle.ConstantTimeCompare([]byte(c.Secret), []byte(t.shown.SecretString())) != 1 {
		return cancelf(types.CancelKeyMismatch, "shared secret does not match")
	}
	t.reciprocated = true
	return f.advance(types.FlowStarted, s.now())
}

// ConfirmQRScanned records that the user saw the other device scan our code.
// It sends done and trusts what the code vouched for once the other side is
// done as well.
func (s *Service) ConfirmQRScanned(ctx context.Context, flowID string) ([]*domain.ToDeviceRequest, error) {
	return s.withFlow(flowID, func(f *flow) ([]*domain.ToDeviceRequest, error) {
		t, ok := f.qr()
		if !ok || t.shown == nil || !t.reciprocated || f.state != types.FlowStarted {
			return nil, fmt.Errorf("%w: confirm scan in %s", errWrongState, f.state)
		}
		c := t.shown
		second := domain.Ed25519Public(c.SecondKey)
		switch c.Mode {
		case qr.ModeVerifyOtherUser:
			f.verified = []pendingTrust{{user: f.otherUser, key: second}}
		case qr.ModeSelfTrusted:
			f.verified = []pendingTrust{{user: f.otherUser, device: f.otherDevice, key: second}}
		case qr.ModeSelfUntrusted:
			f.verified = []pendingTrust{{user: f.ourUser, key: second}}
		}
		if err := f.advance(types.FlowMacExchanged, s.now()); err != nil {
			return nil, err
		}
		return s.sendDone(ctx, f)
	})
}
