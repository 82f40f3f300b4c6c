package identity

import (
	"context"
	"fmt"
	"slices"

	"go.uber.org/zap"
	"maunium.net/go/mautrix/id"

	"olmkit/internal/crypto"
	"olmkit/internal/domain"
	"olmkit/internal/domain/types"
)

// DeviceTrust computes the trust of a device. In order: our own device, the
// local blacklist and verified flags, then a self-signing signature under a
// trusted identity. Everything else is untrusted.
func (s *Service) DeviceTrust(ctx context.Context, user id.UserID, device id.DeviceID) (domain.TrustLevel, error) {
	acc, err := s.account.Account(ctx)
	if err != nil {
		return types.TrustLevelUntrusted, err
	}
	if user == acc.UserID && device == acc.DeviceID {
		return types.TrustLevelOwnDevice, nil
	}
	dev, err := s.store.GetDevice(ctx, user, device)
	if err != nil {
		return types.TrustLevelUntrusted, err
	}
	if dev == nil {
		return types.TrustLevelUntrusted, fmt.Errorf("%w: %s %s", domain.ErrUnknownDevice, user, device)
	}
	local, err := s.store.GetDeviceTrust(ctx, user, device)
	if err != nil {
		return types.TrustLevelUntrusted, err
	}
	switch local {
	case types.TrustBlacklisted:
		return types.TrustLevelBlacklisted, nil
	case types.TrustVerified:
		return types.TrustLevelVerified, nil
	}
	identity, err := s.store.GetUserIdentity(ctx, user)
	if err != nil {
		return types.TrustLevelUntrusted, err
	}
	if identityTrusted(acc, identity) && signedBySelfSigningKey(identity, dev) == nil {
		return types.TrustLevelCrossSigned, nil
	}
	return types.TrustLevelUntrusted, nil
}

// identityTrusted holds for explicitly verified identities and for our own
// identity when we hold its master key.
func identityTrusted(acc *domain.Account, identity *domain.UserIdentity) bool {
	if identity == nil {
		return false
	}
	if identity.Verified {
		return true
	}
	if identity.UserID != acc.UserID || acc.CrossSigning == nil {
		return false
	}
	master, err := identity.MasterKey()
	return err == nil && master == acc.CrossSigning.Master.Public()
}

// IsTrusted reports whether the device may receive secrets.
func (s *Service) IsTrusted(ctx context.Context, user id.UserID, device id.DeviceID) (bool, error) {
	level, err := s.DeviceTrust(ctx, user, device)
	if err != nil {
		return false, err
	}
	return level.Trusted(), nil
}

// VerifyDevice marks a device verified after an interactive verification
// proved signingKey. When the device is one of ours and we hold the
// self-signing key, the device is also cross-signed and the signature published.
func (s *Service) VerifyDevice(ctx context.Context, user id.UserID, device id.DeviceID, signingKey domain.Ed25519Public) error {
	acc, err := s.account.Account(ctx)
	if err != nil {
		return err
	}
	changes, upload := &domain.Changes{}, &domain.SignatureUpload{}
	if err := s.trustDevice(ctx, acc, user, device, signingKey, changes, upload); err != nil {
		return err
	}
	if err := s.store.SaveChanges(ctx, changes); err != nil {
		return err
	}
	s.log.Info("device verified", zap.String("user_id", string(user)), zap.String("device_id", string(device)))
	if len(upload.Devices) > 0 {
		if err := s.server.UploadSignatures(ctx, upload); err != nil {
			return fmt.Errorf("upload device signature: %w", err)
		}
	}
	return nil
}

// VerifyIdentity marks the cross-signing identity of user verified after an
// interactive verification proved master. With a user-signing key at hand the
// master key of another user is also signed and the signature published.
func (s *Service) VerifyIdentity(ctx context.Context, user id.UserID, master domain.Ed25519Public) error {
	unlock := s.lockUser(user)
	defer unlock()

	acc, err := s.account.Account(ctx)
	if err != nil {
		return err
	}
	changes, upload := &domain.Changes{}, &domain.SignatureUpload{}
	if err := s.trustIdentity(ctx, acc, user, master, changes, upload); err != nil {
		return err
	}
	if err := s.store.SaveChanges(ctx, changes); err != nil {
		return err
	}
	s.log.Info("identity verified", zap.String("user_id", string(user)))
	if len(upload.MasterKeys) > 0 {
		if err := s.server.UploadSignatures(ctx, upload); err != nil {
			return fmt.Errorf("upload master key signature: %w", err)
		}
	}
	return nil
}

// CommitVerification trusts every key one verification proved in a single
// store commit. Signatures made on the way are published after the commit;
// a failed upload is logged and the trust stays.
func (s *Service) CommitVerification(ctx context.Context, keys []domain.VerifiedKey) error {
	var users []id.UserID
	for _, k := range keys {
		if k.DeviceID == "" && !slices.Contains(users, k.UserID) {
			users = append(users, k.UserID)
		}
	}
	slices.Sort(users)
	for _, u := range users {
		unlock := s.lockUser(u)
		defer unlock()
	}

	acc, err := s.account.Account(ctx)
	if err != nil {
		return err
	}
	changes, upload := &domain.Changes{}, &domain.SignatureUpload{}
	for _, k := range keys {
		if k.DeviceID == "" {
			err = s.trustIdentity(ctx, acc, k.UserID, k.Key, changes, upload)
		} else {
			err = s.trustDevice(ctx, acc, k.UserID, k.DeviceID, k.Key, changes, upload)
		}
		if err != nil {
			return err
		}
	}
	if err := s.store.SaveChanges(ctx, changes); err != nil {
		return err
	}
	s.log.Info("verification committed",
		zap.Int("devices", len(changes.Trust)),
		zap.Int("identities", len(changes.Identities)),
	)
	if len(upload.Devices)+len(upload.MasterKeys) > 0 {
		if err := s.server.UploadSignatures(ctx, upload); err != nil {
			s.log.Warn("signature upload failed", zap.Error(err))
		}
	}
	return nil
}

// trustDevice adds the verified flag of a device, and our cross-signature
// when it is one of our devices, to changes and upload.
func (s *Service) trustDevice(ctx context.Context, acc *domain.Account, user id.UserID, device id.DeviceID, signingKey domain.Ed25519Public, changes *domain.Changes, upload *domain.SignatureUpload) error {
	dev, err := s.store.GetDevice(ctx, user, device)
	if err != nil {
		return err
	}
	if dev == nil || dev.Deleted {
		return fmt.Errorf("%w: %s %s", domain.ErrUnknownDevice, user, device)
	}
	if dev.SigningKey != signingKey {
		return fmt.Errorf("%w: verified key does not match stored key of %s", domain.ErrSignatureInvalid, device)
	}

	changes.Trust = append(changes.Trust, domain.TrustChange{UserID: user, DeviceID: device, Trust: types.TrustVerified})
	if user != acc.UserID || acc.CrossSigning == nil {
		return nil
	}
	keys := dev.Keys()
	ssk := acc.CrossSigning.SelfSigning
	sig, err := crypto.SignJSON(ssk, &keys)
	if err != nil {
		return err
	}
	keyID := id.NewKeyID(id.KeyAlgorithmEd25519, ssk.Public().String())
	signed := *dev
	signed.Signatures = dev.Signatures.Clone().Add(user, keyID, sig)
	changes.Devices = append(changes.Devices, &signed)
	keys.Signatures = keys.Signatures.Add(user, keyID, sig)
	upload.Devices = append(upload.Devices, keys)
	return nil
}

// trustIdentity adds the verified identity of user, signed with our
// user-signing key when it is another user, to changes and upload. The
// caller holds the user lock.
func (s *Service) trustIdentity(ctx context.Context, acc *domain.Account, user id.UserID, master domain.Ed25519Public, changes *domain.Changes, upload *domain.SignatureUpload) error {
	identity, err := s.store.GetUserIdentity(ctx, user)
	if err != nil {
		return err
	}
	if identity == nil {
		return fmt.Errorf("%w: %s has no cross-signing identity", domain.ErrUnknownDevice, user)
	}
	have, err := identity.MasterKey()
	if err != nil {
		return fmt.Errorf("%w: %v", domain.ErrSignatureInvalid, err)
	}
	if have != master {
		return fmt.Errorf("%w: verified master key does not match stored key of %s", domain.ErrSignatureInvalid, user)
	}

	next := *identity
	next.Verified = true
	next.PreviouslyVerified = false
	if user != acc.UserID && acc.CrossSigning != nil {
		usk := acc.CrossSigning.UserSigning
		key := identity.Master
		key.Signatures = key.Signatures.Clone()
		if err := signCrossSigningKey(acc.UserID, &key, id.NewKeyID(id.KeyAlgorithmEd25519, usk.Public().String()), usk); err != nil {
			return err
		}
		next.Master = key
		upload.MasterKeys = append(upload.MasterKeys, key)
	}
	changes.Identities = append(changes.Identities, &next)
	return nil
}

// BlacklistDevice stops all secret sharing with a device.
func (s *Service) BlacklistDevice(ctx context.Context, user id.UserID, device id.DeviceID) error {
	return s.setLocalTrust(ctx, user, device, types.TrustBlacklisted)
}

// UnblacklistDevice clears the blacklist flag. It never restores a previous
// verification; the device has to be verified again.
func (s *Service) UnblacklistDevice(ctx context.Context, user id.UserID, device id.DeviceID) error {
	cur, err := s.store.GetDeviceTrust(ctx, user, device)
	if err != nil {
		return err
	}
	if cur != types.TrustBlacklisted {
		return nil
	}
	return s.setLocalTrust(ctx, user, device, types.TrustUnset)
}

func (s *Service) setLocalTrust(ctx context.Context, user id.UserID, device id.DeviceID, trust domain.LocalTrust) error {
	dev, err := s.store.GetDevice(ctx, user, device)
	if err != nil {
		return err
	}
	if dev == nil {
		return fmt.Errorf("%w: %s %s", domain.ErrUnknownDevice, user, device)
	}
	if err := s.store.SaveChanges(ctx, &domain.Changes{Trust: []domain.TrustChange{{UserID: user, DeviceID: device, Trust: trust}}}); err != nil {
		return err
	}
	s.log.Info("device trust changed",
		zap.String("user_id", string(user)),
		zap.String("device_id", string(device)),
		zap.Stringer("trust", trust),
	)
	return nil
}
