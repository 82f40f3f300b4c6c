package identity

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
	"maunium.net/go/mautrix/id"

	"olmkit/internal/crypto"
	"olmkit/internal/domain"
	"olmkit/internal/domain/types"
	"olmkit/internal/protocol/olm"
)

var (
	// ErrNoCrossSigningKeys is returned when an operation needs private
	// cross-signing keys this device does not hold.
	ErrNoCrossSigningKeys = errors.New("no private cross-signing keys on this device")
	// ErrCrossSigningExists is returned by BootstrapCrossSigning when keys
	// already exist.
	ErrCrossSigningExists = errors.New("cross-signing keys already bootstrapped")

	errWrongUsage = errors.New("cross-signing key has the wrong usage")
)

// signedBy checks that v carries a valid signature of user's signer key.
func signedBy(user id.UserID, signer domain.Ed25519Public, v any, sigs domain.Signatures) error {
	keyID := id.NewKeyID(id.KeyAlgorithmEd25519, signer.String())
	sig, ok := sigs.Get(user, keyID)
	if !ok {
		return fmt.Errorf("no signature by %s", keyID)
	}
	return crypto.VerifyJSON(signer, v, sig)
}

// signedBySelfSigningKey checks a device bundle against an identity.
func signedBySelfSigningKey(identity *domain.UserIdentity, dev *domain.Device) error {
	if identity == nil {
		return errors.New("user has no cross-signing identity")
	}
	ssk, err := identity.SelfSigningKey()
	if err != nil {
		return err
	}
	keys := dev.Keys()
	return signedBy(dev.UserID, ssk, &keys, keys.Signatures)
}

func checkCrossSigningKey(user id.UserID, key *domain.CrossSigningKey, usage domain.CrossSigningUsage) (domain.Ed25519Public, error) {
	if key.UserID != user {
		return domain.Ed25519Public{}, fmt.Errorf("%w: %v", domain.ErrSignatureInvalid, errWrongUser)
	}
	if !key.HasUsage(usage) {
		return domain.Ed25519Public{}, fmt.Errorf("%w: %s: %v", domain.ErrSignatureInvalid, usage, errWrongUsage)
	}
	pub, _, err := key.FirstKey()
	if err != nil {
		return domain.Ed25519Public{}, fmt.Errorf("%w: %s: %v", domain.ErrSignatureInvalid, usage, err)
	}
	return pub, nil
}

// UpdateCrossSigning stores the published cross-signing keys of user after
// checking that the subkeys are signed by the master key. A master key change
// drops the identity's verification and remembers that it was verified.
func (s *Service) UpdateCrossSigning(ctx context.Context, user id.UserID, master, selfSigning domain.CrossSigningKey, userSigning *domain.CrossSigningKey) error {
	masterPub, err := checkCrossSigningKey(user, &master, types.UsageMaster)
	if err != nil {
		return err
	}
	if _, err := checkCrossSigningKey(user, &selfSigning, types.UsageSelfSigning); err != nil {
		return err
	}
	if err := signedBy(user, masterPub, &selfSigning, selfSigning.Signatures); err != nil {
		return fmt.Errorf("%w: self-signing key: %v", domain.ErrSignatureInvalid, err)
	}
	if userSigning != nil {
		if _, err := checkCrossSigningKey(user, userSigning, types.UsageUserSigning); err != nil {
			return err
		}
		if err := signedBy(user, masterPub, userSigning, userSigning.Signatures); err != nil {
			return fmt.Errorf("%w: user-signing key: %v", domain.ErrSignatureInvalid, err)
		}
	}

	unlock := s.lockUser(user)
	defer unlock()

	old, err := s.store.GetUserIdentity(ctx, user)
	if err != nil {
		return err
	}
	next := &domain.UserIdentity{
		UserID:      user,
		Master:      master,
		SelfSigning: selfSigning,
		UserSigning: userSigning,
		FirstSeen:   time.Now().UTC(),
	}
	if old != nil {
		oldMaster, _ := old.MasterKey()
		next.FirstSeen = old.FirstSeen
		next.PreviouslyVerified = old.PreviouslyVerified
		if oldMaster == masterPub {
			next.Verified = old.Verified
		} else {
			next.PreviouslyVerified = old.PreviouslyVerified || old.Verified
			s.log.Warn("master key changed",
				zap.String("user_id", string(user)),
				zap.Bool("was_verified", old.Verified),
			)
		}
	}
	return s.store.SaveChanges(ctx, &domain.Changes{Identities: []*domain.UserIdentity{next}})
}

// BootstrapCrossSigning creates the cross-signing triad for our user, keeps
// the private halves in the account and publishes the public halves. Our own
// device is signed with the new self-signing key.
func (s *Service) BootstrapCrossSigning(ctx context.Context) (*domain.UserIdentity, error) {
	var (
		upload   domain.CrossSigningUpload
		ownKeys  *domain.DeviceKeys
		identity *domain.UserIdentity
	)
	err := s.account.Update(ctx, func(acc *domain.Account, changes *domain.Changes) error {
		if acc.CrossSigning != nil {
			return ErrCrossSigningExists
		}
		masterPriv, masterPub, err := crypto.GenerateEd25519()
		if err != nil {
			return err
		}
		sskPriv, sskPub, err := crypto.GenerateEd25519()
		if err != nil {
			return err
		}
		uskPriv, uskPub, err := crypto.GenerateEd25519()
		if err != nil {
			return err
		}
		acc.CrossSigning = &domain.PrivateCrossSigningKeys{Master: masterPriv, SelfSigning: sskPriv, UserSigning: uskPriv}

		upload.Master = types.NewCrossSigningKey(acc.UserID, types.UsageMaster, masterPub)
		if err := signCrossSigningKey(acc.UserID, &upload.Master, olm.DeviceKeyID(acc, id.KeyAlgorithmEd25519), acc.Identity.EdPriv); err != nil {
			return err
		}
		masterKeyID := id.NewKeyID(id.KeyAlgorithmEd25519, masterPub.String())
		upload.SelfSigning = types.NewCrossSigningKey(acc.UserID, types.UsageSelfSigning, sskPub)
		if err := signCrossSigningKey(acc.UserID, &upload.SelfSigning, masterKeyID, masterPriv); err != nil {
			return err
		}
		upload.UserSigning = types.NewCrossSigningKey(acc.UserID, types.UsageUserSigning, uskPub)
		if err := signCrossSigningKey(acc.UserID, &upload.UserSigning, masterKeyID, masterPriv); err != nil {
			return err
		}

		ownKeys, err = olm.DeviceKeys(acc)
		if err != nil {
			return err
		}
		sig, err := crypto.SignJSON(sskPriv, ownKeys)
		if err != nil {
			return err
		}
		ownKeys.Signatures = ownKeys.Signatures.Add(acc.UserID, id.NewKeyID(id.KeyAlgorithmEd25519, sskPub.String()), sig)

		us := upload.UserSigning
		identity = &domain.UserIdentity{
			UserID:      acc.UserID,
			Master:      upload.Master,
			SelfSigning: upload.SelfSigning,
			UserSigning: &us,
			Verified:    true,
			FirstSeen:   time.Now().UTC(),
		}
		changes.Identities = append(changes.Identities, identity)
		return nil
	})
	if err != nil {
		return nil, err
	}
	if err := s.server.UploadCrossSigningKeys(ctx, &upload); err != nil {
		return nil, fmt.Errorf("upload cross-signing keys: %w", err)
	}
	if err := s.server.UploadSignatures(ctx, &domain.SignatureUpload{Devices: []domain.DeviceKeys{*ownKeys}}); err != nil {
		return nil, fmt.Errorf("upload device signature: %w", err)
	}
	s.log.Info("cross-signing bootstrapped", zap.String("user_id", string(identity.UserID)))
	return identity, nil
}

func signCrossSigningKey(user id.UserID, key *domain.CrossSigningKey, signerID id.KeyID, signer domain.Ed25519Private) error {
	sig, err := crypto.SignJSON(signer, key)
	if err != nil {
		return fmt.Errorf("sign %v key: %w", key.Usage, err)
	}
	key.Signatures = key.Signatures.Add(user, signerID, sig)
	return nil
}
