package relay

import (
	"context"
	"fmt"
	"sort"

	"github.com/puzpuzpuz/xsync/v4"
	"go.uber.org/zap"
	"maunium.net/go/mautrix/id"

	"olmkit/internal/domain"
)

type pooledKey struct {
	KeyID id.KeyID
	Key   domain.SignedKey
}

type crossSigningSet struct {
	Master      *domain.CrossSigningKey
	SelfSigning *domain.CrossSigningKey
	UserSigning *domain.CrossSigningKey
}

// Directory is an in-memory key directory. It stores published device keys,
// hands out one-time keys (falling back to the fallback key once the pool is
// empty) and serves cross-signing keys. It is what the HTTP server exposes and
// what tests use as a KeyServer.
type Directory struct {
	devices      *xsync.Map[id.UserID, map[id.DeviceID]domain.DeviceKeys]
	oneTimeKeys  *xsync.Map[domain.DeviceRef, []pooledKey]
	fallbackKeys *xsync.Map[domain.DeviceRef, pooledKey]
	crossSigning *xsync.Map[id.UserID, crossSigningSet]
	log          *zap.Logger
}

// Compile-time assertion.
var _ domain.KeyServer = (*Directory)(nil)

// NewDirectory returns an empty directory.
func NewDirectory(log *zap.Logger) *Directory {
	if log == nil {
		log = zap.NewNop()
	}
	return &Directory{
		devices:      xsync.NewMap[id.UserID, map[id.DeviceID]domain.DeviceKeys](),
		oneTimeKeys:  xsync.NewMap[domain.DeviceRef, []pooledKey](),
		fallbackKeys: xsync.NewMap[domain.DeviceRef, pooledKey](),
		crossSigning: xsync.NewMap[id.UserID, crossSigningSet](),
		log:          log.Named("directory"),
	}
}

func (d *Directory) UploadKeys(_ context.Context, upload *domain.KeysUpload) (*domain.KeysUploadResponse, error) {
	ref := domain.DeviceRef{UserID: upload.UserID, DeviceID: upload.DeviceID}
	if ref.UserID == "" || ref.DeviceID == "" {
		return nil, fmt.Errorf("%w: upload without user or device", domain.ErrProtocolViolation)
	}
	if dk := upload.DeviceKeys; dk != nil {
		if dk.UserID != ref.UserID || dk.DeviceID != ref.DeviceID {
			return nil, fmt.Errorf("%w: device keys for %s uploaded by %s", domain.ErrProtocolViolation, dk.DeviceID, ref)
		}
		d.devices.Compute(ref.UserID, func(old map[id.DeviceID]domain.DeviceKeys, _ bool) (map[id.DeviceID]domain.DeviceKeys, xsync.ComputeOp) {
			next := make(map[id.DeviceID]domain.DeviceKeys, len(old)+1)
			for k, v := range old {
				next[k] = v
			}
			next[ref.DeviceID] = *dk
			return next, xsync.UpdateOp
		})
	}

	if len(upload.OneTimeKeys) > 0 {
		added := sortedKeys(upload.OneTimeKeys)
		d.oneTimeKeys.Compute(ref, func(old []pooledKey, _ bool) ([]pooledKey, xsync.ComputeOp) {
			seen := make(map[id.KeyID]bool, len(old))
			next := append([]pooledKey(nil), old...)
			for _, k := range old {
				seen[k.KeyID] = true
			}
			for _, k := range added {
				if !seen[k.KeyID] {
					next = append(next, k)
				}
			}
			return next, xsync.UpdateOp
		})
	}
	for keyID, k := range upload.FallbackKeys {
		d.fallbackKeys.Store(ref, pooledKey{KeyID: keyID, Key: k})
	}

	pool, _ := d.oneTimeKeys.Load(ref)
	d.log.Debug("keys uploaded",
		zap.Stringer("device", ref),
		zap.Int("one_time_keys", len(upload.OneTimeKeys)),
		zap.Int("pool", len(pool)),
	)
	return &domain.KeysUploadResponse{
		OneTimeKeyCounts: map[id.KeyAlgorithm]int{id.KeyAlgorithmSignedCurve25519: len(pool)},
	}, nil
}

func sortedKeys(m map[id.KeyID]domain.SignedKey) []pooledKey {
	out := make([]pooledKey, 0, len(m))
	for keyID, k := range m {
		out = append(out, pooledKey{KeyID: keyID, Key: k})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].KeyID < out[j].KeyID })
	return out
}

// ClaimOneTimeKey removes and returns the oldest one-time key of a device, or
// its fallback key when none are left.
func (d *Directory) ClaimOneTimeKey(_ context.Context, user id.UserID, device id.DeviceID) (*domain.KeyBundle, error) {
	devs, _ := d.devices.Load(user)
	if _, ok := devs[device]; !ok {
		return nil, fmt.Errorf("%w: %s %s", domain.ErrUnknownDevice, user, device)
	}
	ref := domain.DeviceRef{UserID: user, DeviceID: device}

	var claimed *pooledKey
	d.oneTimeKeys.Compute(ref, func(old []pooledKey, loaded bool) ([]pooledKey, xsync.ComputeOp) {
		if !loaded || len(old) == 0 {
			return old, xsync.CancelOp
		}
		k := old[0]
		claimed = &k
		return append([]pooledKey(nil), old[1:]...), xsync.UpdateOp
	})
	if claimed == nil {
		fb, ok := d.fallbackKeys.Load(ref)
		if !ok {
			return nil, fmt.Errorf("%w: %s", domain.ErrNoOneTimeKeyOnline, ref)
		}
		claimed = &fb
	}
	return &domain.KeyBundle{UserID: user, DeviceID: device, KeyID: claimed.KeyID, Key: claimed.Key}, nil
}

func (d *Directory) QueryDevices(_ context.Context, users []id.UserID) (*domain.KeysQueryResponse, error) {
	resp := &domain.KeysQueryResponse{
		DeviceKeys:      map[id.UserID]map[id.DeviceID]domain.DeviceKeys{},
		MasterKeys:      map[id.UserID]domain.CrossSigningKey{},
		SelfSigningKeys: map[id.UserID]domain.CrossSigningKey{},
		UserSigningKeys: map[id.UserID]domain.CrossSigningKey{},
	}
	for _, u := range users {
		devs, _ := d.devices.Load(u)
		out := make(map[id.DeviceID]domain.DeviceKeys, len(devs))
		for k, v := range devs {
			v.Signatures = v.Signatures.Clone()
			out[k] = v
		}
		resp.DeviceKeys[u] = out

		cs, ok := d.crossSigning.Load(u)
		if !ok {
			continue
		}
		if cs.Master != nil {
			resp.MasterKeys[u] = *cs.Master
		}
		if cs.SelfSigning != nil {
			resp.SelfSigningKeys[u] = *cs.SelfSigning
		}
		if cs.UserSigning != nil {
			resp.UserSigningKeys[u] = *cs.UserSigning
		}
	}
	return resp, nil
}

func (d *Directory) UploadCrossSigningKeys(_ context.Context, upload *domain.CrossSigningUpload) error {
	user := upload.Master.UserID
	if user == "" || upload.SelfSigning.UserID != user || upload.UserSigning.UserID != user {
		return fmt.Errorf("%w: cross-signing keys of mixed users", domain.ErrProtocolViolation)
	}
	master, ss, us := upload.Master, upload.SelfSigning, upload.UserSigning
	d.crossSigning.Store(user, crossSigningSet{Master: &master, SelfSigning: &ss, UserSigning: &us})
	return nil
}

// UploadSignatures merges extra signatures into the stored device and master
// keys. Unknown targets are ignored.
func (d *Directory) UploadSignatures(_ context.Context, upload *domain.SignatureUpload) error {
	for _, dk := range upload.Devices {
		dk := dk
		d.devices.Compute(dk.UserID, func(old map[id.DeviceID]domain.DeviceKeys, loaded bool) (map[id.DeviceID]domain.DeviceKeys, xsync.ComputeOp) {
			cur, ok := old[dk.DeviceID]
			if !loaded || !ok {
				return old, xsync.CancelOp
			}
			next := make(map[id.DeviceID]domain.DeviceKeys, len(old))
			for k, v := range old {
				next[k] = v
			}
			cur.Signatures = mergeSignatures(cur.Signatures, dk.Signatures)
			next[dk.DeviceID] = cur
			return next, xsync.UpdateOp
		})
	}
	for _, mk := range upload.MasterKeys {
		mk := mk
		d.crossSigning.Compute(mk.UserID, func(old crossSigningSet, loaded bool) (crossSigningSet, xsync.ComputeOp) {
			if !loaded || old.Master == nil {
				return old, xsync.CancelOp
			}
			master := *old.Master
			master.Signatures = mergeSignatures(master.Signatures, mk.Signatures)
			old.Master = &master
			return old, xsync.UpdateOp
		})
	}
	return nil
}

func mergeSignatures(into, from domain.Signatures) domain.Signatures {
	out := into.Clone()
	for user, sigs := range from {
		for keyID, sig := range sigs {
			out = out.Add(user, keyID, sig)
		}
	}
	return out
}
