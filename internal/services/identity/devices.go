package identity

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"go.uber.org/zap"
	"maunium.net/go/mautrix/id"

	"olmkit/internal/crypto"
	"olmkit/internal/domain"
	"olmkit/internal/domain/types"
)

var (
	errWrongUser         = errors.New("device keys belong to another user")
	errMissingKeys       = errors.New("device keys lack curve25519 or ed25519 key")
	errDeletedKeyChanged = errors.New("deleted device id reappeared with different keys")
)

// DeviceChanges summarises one device list reconciliation.
type DeviceChanges struct {
	New     []*domain.Device
	Changed []*domain.Device
	Deleted []*domain.Device
	// Rejected holds the device ids whose keys were refused and why.
	Rejected map[id.DeviceID]error
}

// Empty reports whether nothing was added, changed or removed.
func (c *DeviceChanges) Empty() bool {
	return len(c.New) == 0 && len(c.Changed) == 0 && len(c.Deleted) == 0
}

// UpdateDevices reconciles the stored device list of user with a fresh one.
//
//   - an unknown device id is added if its bundle carries a valid self-signature
//   - a known id with new keys is accepted only if the new bundle is signed by
//     the user's self-signing key; the device's local trust is reset
//   - ids missing from the list are soft-deleted and never hard-deleted
//   - a deleted id reappearing with different keys is rejected
//
// Rejected devices are reported with domain.ErrSignatureInvalid; they do not
// fail the whole update.
func (s *Service) UpdateDevices(ctx context.Context, user id.UserID, list []domain.DeviceKeys) (*DeviceChanges, error) {
	unlock := s.lockUser(user)
	defer unlock()

	existing, err := s.store.GetUserDevices(ctx, user)
	if err != nil {
		return nil, err
	}
	identity, err := s.store.GetUserIdentity(ctx, user)
	if err != nil {
		return nil, err
	}

	res := &DeviceChanges{Rejected: map[id.DeviceID]error{}}
	changes := &domain.Changes{}
	now := time.Now().UTC()
	present := make(map[id.DeviceID]bool, len(list))

	for i := range list {
		dk := &list[i]
		present[dk.DeviceID] = true
		dev, err := deviceFromKeys(user, dk, now)
		if err != nil {
			res.Rejected[dk.DeviceID] = err
			continue
		}
		old, known := existing[dk.DeviceID]
		switch {
		case !known:
			changes.Devices = append(changes.Devices, dev)
			res.New = append(res.New, dev)

		case old.SameKeys(dev):
			merged := *old
			merged.Signatures = dev.Signatures
			merged.Algorithms = dev.Algorithms
			merged.DisplayName = dev.DisplayName
			merged.Deleted = false
			if old.Deleted || !sameSignatures(old.Signatures, dev.Signatures) || old.DisplayName != dev.DisplayName {
				changes.Devices = append(changes.Devices, &merged)
			}

		case old.Deleted:
			res.Rejected[dk.DeviceID] = fmt.Errorf("%w: %s", domain.ErrSignatureInvalid, errDeletedKeyChanged)

		default:
			if err := signedBySelfSigningKey(identity, dev); err != nil {
				res.Rejected[dk.DeviceID] = fmt.Errorf("%w: key change of %s not cross-signed: %v", domain.ErrSignatureInvalid, dk.DeviceID, err)
				continue
			}
			dev.FirstSeen = old.FirstSeen
			changes.Devices = append(changes.Devices, dev)
			changes.Trust = append(changes.Trust, domain.TrustChange{UserID: user, DeviceID: dev.DeviceID, Trust: types.TrustUnset})
			res.Changed = append(res.Changed, dev)
		}
	}

	ids := make([]id.DeviceID, 0, len(existing))
	for deviceID := range existing {
		ids = append(ids, deviceID)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	for _, deviceID := range ids {
		old := existing[deviceID]
		if present[deviceID] || old.Deleted {
			continue
		}
		gone := *old
		gone.Deleted = true
		changes.Devices = append(changes.Devices, &gone)
		res.Deleted = append(res.Deleted, &gone)
	}

	if err := s.store.SaveChanges(ctx, changes); err != nil {
		return nil, err
	}
	for deviceID, err := range res.Rejected {
		s.log.Warn("device keys rejected",
			zap.String("user_id", string(user)),
			zap.String("device_id", string(deviceID)),
			zap.Error(err),
		)
	}
	if !res.Empty() {
		s.log.Debug("device list updated",
			zap.String("user_id", string(user)),
			zap.Int("new", len(res.New)),
			zap.Int("changed", len(res.Changed)),
			zap.Int("deleted", len(res.Deleted)),
		)
	}
	return res, nil
}

// deviceFromKeys validates a published bundle and its self-signature.
func deviceFromKeys(user id.UserID, dk *domain.DeviceKeys, now time.Time) (*domain.Device, error) {
	if dk.UserID != user {
		return nil, fmt.Errorf("%w: %v", domain.ErrSignatureInvalid, errWrongUser)
	}
	curve, okC := dk.Keys[id.NewKeyID(id.KeyAlgorithmCurve25519, string(dk.DeviceID))]
	ed, okE := dk.Keys[id.NewKeyID(id.KeyAlgorithmEd25519, string(dk.DeviceID))]
	if !okC || !okE {
		return nil, fmt.Errorf("%w: %v", domain.ErrSignatureInvalid, errMissingKeys)
	}
	identityKey, err := types.ParseCurve25519(id.Curve25519(curve))
	if err != nil {
		return nil, fmt.Errorf("%w: curve25519 key: %v", domain.ErrSignatureInvalid, err)
	}
	signingKey, err := types.ParseEd25519(id.Ed25519(ed))
	if err != nil {
		return nil, fmt.Errorf("%w: ed25519 key: %v", domain.ErrSignatureInvalid, err)
	}
	sig, ok := dk.Signatures.Get(user, id.NewKeyID(id.KeyAlgorithmEd25519, string(dk.DeviceID)))
	if !ok {
		return nil, fmt.Errorf("%w: device %s is not self-signed", domain.ErrSignatureInvalid, dk.DeviceID)
	}
	if err := crypto.VerifyJSON(signingKey, dk, sig); err != nil {
		return nil, fmt.Errorf("%w: device %s self-signature: %v", domain.ErrSignatureInvalid, dk.DeviceID, err)
	}
	dev := &domain.Device{
		UserID:      user,
		DeviceID:    dk.DeviceID,
		Algorithms:  append([]id.Algorithm(nil), dk.Algorithms...),
		IdentityKey: identityKey,
		SigningKey:  signingKey,
		Signatures:  dk.Signatures.Clone(),
		FirstSeen:   now,
	}
	if dk.Unsigned != nil {
		dev.DisplayName = dk.Unsigned.DeviceDisplayName
	}
	return dev, nil
}

func sameSignatures(a, b domain.Signatures) bool {
	if len(a) != len(b) {
		return false
	}
	for u, sigs := range a {
		other, ok := b[u]
		if !ok || len(other) != len(sigs) {
			return false
		}
		for k, v := range sigs {
			if other[k] != v {
				return false
			}
		}
	}
	return true
}

// QueryResult reports the outcome of a key query per user.
type QueryResult struct {
	Devices map[id.UserID]*DeviceChanges
	// Failed holds users whose cross-signing keys were refused.
	Failed map[id.UserID]error
}

// QueryKeys fetches device lists and cross-signing keys of users from the key
// server and reconciles them. Queried users are no longer outdated.
func (s *Service) QueryKeys(ctx context.Context, users []id.UserID) (*QueryResult, error) {
	res := &QueryResult{Devices: map[id.UserID]*DeviceChanges{}, Failed: map[id.UserID]error{}}
	if len(users) == 0 {
		return res, nil
	}
	resp, err := s.server.QueryDevices(ctx, users)
	if err != nil {
		return nil, fmt.Errorf("query devices: %w", err)
	}
	for _, u := range users {
		if master, ok := resp.MasterKeys[u]; ok {
			ss := resp.SelfSigningKeys[u]
			var us *domain.CrossSigningKey
			if k, ok := resp.UserSigningKeys[u]; ok {
				us = &k
			}
			if err := s.UpdateCrossSigning(ctx, u, master, ss, us); err != nil {
				if errors.Is(err, domain.ErrStoreIO) {
					return nil, err
				}
				res.Failed[u] = err
			}
		}
		list := make([]domain.DeviceKeys, 0, len(resp.DeviceKeys[u]))
		for _, dk := range resp.DeviceKeys[u] {
			list = append(list, dk)
		}
		sort.Slice(list, func(i, j int) bool { return list[i].DeviceID < list[j].DeviceID })
		changes, err := s.UpdateDevices(ctx, u, list)
		if err != nil {
			return nil, err
		}
		res.Devices[u] = changes
		s.outdated.Delete(u)
	}
	return res, nil
}

// RefreshOutdated queries every outdated user.
func (s *Service) RefreshOutdated(ctx context.Context) (*QueryResult, error) {
	return s.QueryKeys(ctx, s.OutdatedUsers())
}
