package verification

import (
	"context"
	"fmt"
	"slices"

	"maunium.net/go/mautrix/id"

	"olmkit/internal/crypto"
	"olmkit/internal/domain"
	"olmkit/internal/domain/types"
	"olmkit/internal/protocol/sas"
)

var sasTypes = []types.SASType{types.SASDecimal, types.SASEmoji}

func deviceKeyID(device id.DeviceID) id.KeyID {
	return id.NewKeyID(id.KeyAlgorithmEd25519, string(device))
}

func masterKeyID(master domain.Ed25519Public) id.KeyID {
	return id.NewKeyID(id.KeyAlgorithmEd25519, master.String())
}

// StartSAS begins the short authentication string method on a ready flow.
func (s *Service) StartSAS(_ context.Context, flowID string) ([]*domain.ToDeviceRequest, error) {
	return s.withFlow(flowID, func(f *flow) ([]*domain.ToDeviceRequest, error) {
		if f.state != types.FlowReady {
			return nil, fmt.Errorf("%w: start in %s", errWrongState, f.state)
		}
		if !f.supports(types.MethodSAS) {
			return nil, fmt.Errorf("%w: other device does not offer %s", errWrongState, types.MethodSAS)
		}
		start := &types.VerificationStartContent{
			FromDevice:                 f.ourDevice,
			Method:                     types.MethodSAS,
			TransactionID:              f.id,
			KeyAgreementProtocols:      []string{types.KeyAgreementCurve25519},
			Hashes:                     []string{types.HashSHA256},
			MessageAuthenticationCodes: []string{types.MACHKDFHMACSHA256V2},
			ShortAuthenticationString:  sasTypes,
		}
		if err := f.advance(types.FlowStarted, s.now()); err != nil {
			return nil, err
		}
		f.transcript = &sasTranscript{start: start, weStarted: true}
		req, err := s.message(f, types.EventVerificationStart, start)
		if err != nil {
			return nil, err
		}
		return []*domain.ToDeviceRequest{req}, nil
	})
}

// handleStart dispatches a start message by method. When both sides started
// at once, the start of the lexicographically smaller user and device wins.
func (s *Service) handleStart(f *flow, c *types.VerificationStartContent) ([]*domain.ToDeviceRequest, error) {
	if c.FromDevice != f.otherDevice {
		return nil, cancelf(types.CancelUserMismatch, "start from device %s", c.FromDevice)
	}
	switch {
	case f.state == types.FlowReady:
	case f.state == types.FlowStarted && f.weStartedSAS():
		if string(f.ourUser)+"|"+string(f.ourDevice) < string(f.otherUser)+"|"+string(f.otherDevice) {
			return nil, nil
		}
		f.transcript = nil
	default:
		return nil, cancelf(types.CancelUnexpectedMessage, "start in state %s", f.state)
	}

	switch c.Method {
	case types.MethodSAS:
		return s.acceptSAS(f, c)
	case types.MethodReciprocate:
		return nil, s.reciprocated(f, c)
	default:
		return nil, cancelf(types.CancelUnknownMethod, "method %s", c.Method)
	}
}

func (f *flow) weStartedSAS() bool {
	t, ok := f.sas()
	return ok && t.weStarted
}

// acceptSAS answers a SAS start with our commitment.
func (s *Service) acceptSAS(f *flow, c *types.VerificationStartContent) ([]*domain.ToDeviceRequest, error) {
	if !slices.Contains(c.KeyAgreementProtocols, types.KeyAgreementCurve25519) ||
		!slices.Contains(c.Hashes, types.HashSHA256) ||
		!slices.Contains(c.MessageAuthenticationCodes, types.MACHKDFHMACSHA256V2) {
		return nil, cancelf(types.CancelUnknownMethod, "no common SAS parameters")
	}
	var common []types.SASType
	for _, t := range sasTypes {
		if slices.Contains(c.ShortAuthenticationString, t) {
			common = append(common, t)
		}
	}
	if !slices.Contains(common, types.SASDecimal) {
		return nil, cancelf(types.CancelUnknownMethod, "decimal SAS not offered")
	}

	priv, pub, err := crypto.GenerateX25519()
	if err != nil {
		return nil, err
	}
	commitment, err := sas.Commitment(pub, c)
	if err != nil {
		return nil, cancelf(types.CancelInvalidMessage, "start content: %v", err)
	}
	start := *c
	if f.state == types.FlowReady {
		if err := f.advance(types.FlowStarted, s.now()); err != nil {
			return nil, err
		}
	}
	if err := f.advance(types.FlowAccepted, s.now()); err != nil {
		return nil, err
	}
	f.transcript = &sasTranscript{start: &start, ephemeral: priv, ephemeralPub: pub}
	req, err := s.message(f, types.EventVerificationAccept, types.VerificationAcceptContent{
		TransactionID:             f.id,
		KeyAgreementProtocol:      types.KeyAgreementCurve25519,
		Hash:                      types.HashSHA256,
		MessageAuthenticationCode: types.MACHKDFHMACSHA256V2,
		ShortAuthenticationString: common,
		Commitment:                commitment,
	})
	if err != nil {
		return nil, err
	}
	return []*domain.ToDeviceRequest{req}, nil
}

func (s *Service) handleAccept(f *flow, c *types.VerificationAcceptContent) ([]*domain.ToDeviceRequest, error) {
	t, ok := f.sas()
	if !ok || !t.weStarted || f.state != types.FlowStarted {
		return nil, cancelf(types.CancelUnexpectedMessage, "accept in state %s", f.state)
	}
	if c.KeyAgreementProtocol != types.KeyAgreementCurve25519 ||
		c.Hash != types.HashSHA256 ||
		c.MessageAuthenticationCode != types.MACHKDFHMACSHA256V2 {
		return nil, cancelf(types.CancelUnknownMethod, "accepted parameters were not offered")
	}
	if c.Commitment == "" {
		return nil, cancelf(types.CancelInvalidMessage, "accept without commitment")
	}
	priv, pub, err := crypto.GenerateX25519()
	if err != nil {
		return nil, err
	}
	if err := f.advance(types.FlowAccepted, s.now()); err != nil {
		return nil, err
	}
	t.commitment = c.Commitment
	t.ephemeral, t.ephemeralPub = priv, pub
	req, err := s.message(f, types.EventVerificationKey, types.VerificationKeyContent{TransactionID: f.id, Key: pub.String()})
	if err != nil {
		return nil, err
	}
	return []*domain.ToDeviceRequest{req}, nil
}

// handleKey completes the key exchange. The starter checks the key against
// the commitment it received; the other side replies with its own key.
func (s *Service) handleKey(f *flow, c *types.VerificationKeyContent) ([]*domain.ToDeviceRequest, error) {
	t, ok := f.sas()
	if !ok || f.state != types.FlowAccepted || !t.theirEphemeral.IsZero() {
		return nil, cancelf(types.CancelUnexpectedMessage, "key in state %s", f.state)
	}
	theirs, err := types.ParseCurve25519(id.Curve25519(c.Key))
	if err != nil {
		return nil, cancelf(types.CancelInvalidMessage, "ephemeral key: %v", err)
	}
	if t.weStarted {
		want, err := sas.Commitment(theirs, t.start)
		if err != nil {
			return nil, err
		}
		if want != t.commitment {
			return nil, cancelf(types.CancelMismatchedCommitment, "key does not match commitment")
		}
	}
	secret, err := sas.SharedSecret(t.ephemeral, theirs)
	if err != nil {
		return nil, cancelf(types.CancelInvalidMessage, "key agreement: %v", err)
	}
	crypto.Wipe(t.ephemeral[:])
	t.theirEphemeral, t.secret, t.haveSecret = theirs, secret, true
	if err := f.advance(types.FlowKeyExchanged, s.now()); err != nil {
		return nil, err
	}
	if t.weStarted {
		return nil, nil
	}
	req, err := s.message(f, types.EventVerificationKey, types.VerificationKeyContent{TransactionID: f.id, Key: t.ephemeralPub.String()})
	if err != nil {
		return nil, err
	}
	return []*domain.ToDeviceRequest{req}, nil
}

func (f *flow) parties(t *sasTranscript) (ours, theirs sas.Party) {
	ours = sas.Party{UserID: f.ourUser, DeviceID: f.ourDevice, DeviceKey: f.ourKey.Ed25519(), EphemeralKey: t.ephemeralPub}
	theirs = sas.Party{UserID: f.otherUser, DeviceID: f.otherDevice, DeviceKey: f.otherKey.Ed25519(), EphemeralKey: t.theirEphemeral}
	return ours, theirs
}

// SAS returns the short authentication string to compare once keys have
// been exchanged.
func (s *Service) SAS(flowID string) (sas.String, error) {
	f, ok := s.flows.Load(flowID)
	if !ok {
		return sas.String{}, ErrUnknownFlow
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	t, ok := f.sas()
	if !ok || !t.haveSecret || f.state == types.FlowCancelled {
		return sas.String{}, fmt.Errorf("%w: no short authentication string in %s", errWrongState, f.state)
	}
	ours, theirs := f.parties(t)
	return sas.Derive(t.secret, ours, theirs, f.id), nil
}

// Confirm records that the user saw matching strings and sends our MACs.
// Confirming a finished flow again does nothing.
func (s *Service) Confirm(ctx context.Context, flowID string) ([]*domain.ToDeviceRequest, error) {
	if f, ok := s.flows.Load(flowID); ok {
		f.mu.Lock()
		done := f.state == types.FlowDone
		f.mu.Unlock()
		if done {
			return nil, nil
		}
	}
	acc, err := s.account.Account(ctx)
	if err != nil {
		return nil, err
	}
	return s.withFlow(flowID, func(f *flow) ([]*domain.ToDeviceRequest, error) {
		t, ok := f.sas()
		if ok && t.confirmed {
			return nil, nil
		}
		if !ok || f.state != types.FlowKeyExchanged {
			return nil, fmt.Errorf("%w: confirm in %s", errWrongState, f.state)
		}
		ours, theirs := f.parties(t)
		macs := map[id.KeyID]string{}
		keyID := deviceKeyID(f.ourDevice)
		macs[keyID] = sas.MAC(t.secret, ours, theirs, f.id, keyID, f.ourKey.String())
		if acc.CrossSigning != nil {
			master := acc.CrossSigning.Master.Public()
			keyID := masterKeyID(master)
			macs[keyID] = sas.MAC(t.secret, ours, theirs, f.id, keyID, master.String())
		}
		ids := make([]id.KeyID, 0, len(macs))
		for k := range macs {
			ids = append(ids, k)
		}
		req, err := s.message(f, types.EventVerificationMAC, types.VerificationMACContent{
			TransactionID: f.id,
			MAC:           macs,
			Keys:          sas.MAC(t.secret, ours, theirs, f.id, sas.KeyIDsField, sas.KeyIDList(ids)),
		})
		if err != nil {
			return nil, err
		}
		t.confirmed = true
		out := []*domain.ToDeviceRequest{req}
		if t.theirMAC != nil {
			more, err := s.checkMAC(ctx, f, t, t.theirMAC)
			if err != nil {
				return nil, err
			}
			out = append(out, more...)
		}
		return out, nil
	})
}

// Mismatch records that the user saw different strings.
func (s *Service) Mismatch(_ context.Context, flowID string) ([]*domain.ToDeviceRequest, error) {
	return s.withFlow(flowID, func(f *flow) ([]*domain.ToDeviceRequest, error) {
		return nil, cancelf(types.CancelMismatchedSAS, "short authentication strings differ")
	})
}

func (s *Service) handleMAC(ctx context.Context, f *flow, c *types.VerificationMACContent) ([]*domain.ToDeviceRequest, error) {
	t, ok := f.sas()
	if !ok || f.state != types.FlowKeyExchanged || t.theirMAC != nil {
		return nil, cancelf(types.CancelUnexpectedMessage, "mac in state %s", f.state)
	}
	if !t.confirmed {
		t.theirMAC = c
		return nil, nil
	}
	return s.checkMAC(ctx, f, t, c)
}

// checkMAC verifies the other side's MACs, remembers the keys they cover and
// sends done.
func (s *Service) checkMAC(ctx context.Context, f *flow, t *sasTranscript, c *types.VerificationMACContent) ([]*domain.ToDeviceRequest, error) {
	ours, theirs := f.parties(t)
	ids := make([]id.KeyID, 0, len(c.MAC))
	for k := range c.MAC {
		ids = append(ids, k)
	}
	if !sas.VerifyMAC(t.secret, theirs, ours, f.id, sas.KeyIDsField, sas.KeyIDList(ids), c.Keys) {
		return nil, cancelf(types.CancelKeyMismatch, "key id list MAC does not match")
	}

	var master *domain.Ed25519Public
	if ident, err := s.identities.UserIdentity(ctx, f.otherUser); err != nil {
		return nil, err
	} else if ident != nil {
		if mk, err := ident.MasterKey(); err == nil {
			master = &mk
		}
	}

	var verified []pendingTrust
	for keyID, mac := range c.MAC {
		switch {
		case keyID == deviceKeyID(f.otherDevice):
			if !sas.VerifyMAC(t.secret, theirs, ours, f.id, keyID, f.otherKey.String(), mac) {
				return nil, cancelf(types.CancelKeyMismatch, "device key MAC does not match")
			}
			verified = append(verified, pendingTrust{user: f.otherUser, device: f.otherDevice, key: f.otherKey})
		case master != nil && keyID == masterKeyID(*master):
			if !sas.VerifyMAC(t.secret, theirs, ours, f.id, keyID, master.String(), mac) {
				return nil, cancelf(types.CancelKeyMismatch, "master key MAC does not match")
			}
			verified = append(verified, pendingTrust{user: f.otherUser, key: *master})
		}
	}
	if !slices.ContainsFunc(verified, func(p pendingTrust) bool { return p.device != "" }) {
		return nil, cancelf(types.CancelKeyMismatch, "device key was not covered")
	}
	f.verified = verified
	if err := f.advance(types.FlowMacExchanged, s.now()); err != nil {
		return nil, err
	}
	return s.sendDone(ctx, f)
}
