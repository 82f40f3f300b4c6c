package store

import (
	"context"
	"encoding/json"
	"sort"
	"strings"

	"go.uber.org/zap"
	"maunium.net/go/mautrix/id"

	"olmkit/internal/domain"
	"olmkit/internal/domain/types"
)

// Store implements domain.CryptoStore over a key-value backend. Every value is
// a JSON document, so callers always receive fresh copies and never alias
// stored state.
type Store struct {
	kv  backend
	log *zap.Logger
}

// Compile-time assertion.
var _ domain.CryptoStore = (*Store)(nil)

func newStore(kv backend, log *zap.Logger) *Store {
	if log == nil {
		log = zap.NewNop()
	}
	return &Store{kv: kv, log: log.Named("store")}
}

func (s *Store) read(ctx context.Context, op string, fn func(reader) error) error {
	if err := ctx.Err(); err != nil {
		return domain.WrapStore(op, err)
	}
	return domain.WrapStore(op, s.kv.view(fn))
}

func getJSON[T any](r reader, k string) (*T, error) {
	b, err := r.get(k)
	if err != nil || b == nil {
		return nil, err
	}
	out := new(T)
	if err := json.Unmarshal(b, out); err != nil {
		return nil, err
	}
	return out, nil
}

func scanJSON[T any](r reader, p string, fn func(k string, v *T)) error {
	return r.scan(p, func(k string, b []byte) error {
		out := new(T)
		if err := json.Unmarshal(b, out); err != nil {
			return err
		}
		fn(k, out)
		return nil
	})
}

func putJSON(w writer, k string, v any) error {
	b, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return w.set(k, b)
}

/* ---------- account ---------- */

func (s *Store) LoadAccount(ctx context.Context) (acc *domain.Account, err error) {
	err = s.read(ctx, "load account", func(r reader) error {
		acc, err = getJSON[domain.Account](r, key(nsAccount))
		return err
	})
	return acc, err
}

func (s *Store) SaveAccount(ctx context.Context, account *domain.Account) error {
	return s.SaveChanges(ctx, &domain.Changes{Account: account})
}

/* ---------- pairwise sessions ---------- */

// GetSessions returns the sessions with senderKey, most recently used first.
func (s *Store) GetSessions(ctx context.Context, senderKey id.Curve25519) ([]*domain.Session, error) {
	var out []*domain.Session
	err := s.read(ctx, "get sessions", func(r reader) error {
		return scanJSON(r, prefix(nsSession, string(senderKey)), func(_ string, sess *domain.Session) {
			out = append(out, sess)
		})
	})
	if err != nil {
		return nil, err
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].LastUsedAt.After(out[j].LastUsedAt) })
	return out, nil
}

func (s *Store) SaveSessions(ctx context.Context, sessions []*domain.Session) error {
	return s.SaveChanges(ctx, &domain.Changes{Sessions: sessions})
}

func (s *Store) IsMessageKnown(ctx context.Context, hash string) (known bool, err error) {
	err = s.read(ctx, "message hash", func(r reader) error {
		b, err := r.get(key(nsMessageHash, hash))
		known = b != nil
		return err
	})
	return known, err
}

/* ---------- group sessions ---------- */

func (s *Store) GetInboundGroupSession(ctx context.Context, room id.RoomID, senderKey id.Curve25519, sessionID id.SessionID) (igs *domain.InboundGroupSession, err error) {
	err = s.read(ctx, "get inbound group session", func(r reader) error {
		igs, err = getJSON[domain.InboundGroupSession](r, key(nsInbound, string(room), string(senderKey), string(sessionID)))
		return err
	})
	return igs, err
}

func (s *Store) GetInboundGroupSessions(ctx context.Context, room id.RoomID) ([]*domain.InboundGroupSession, error) {
	p := prefix(nsInbound)
	if room != "" {
		p = prefix(nsInbound, string(room))
	}
	var out []*domain.InboundGroupSession
	err := s.read(ctx, "list inbound group sessions", func(r reader) error {
		return scanJSON(r, p, func(_ string, igs *domain.InboundGroupSession) {
			out = append(out, igs)
		})
	})
	return out, err
}

func (s *Store) SaveInboundGroupSessions(ctx context.Context, sessions []*domain.InboundGroupSession) error {
	return s.SaveChanges(ctx, &domain.Changes{InboundGroupSessions: sessions})
}

func (s *Store) GetOutboundGroupSession(ctx context.Context, room id.RoomID) (ogs *domain.OutboundGroupSession, err error) {
	err = s.read(ctx, "get outbound group session", func(r reader) error {
		ogs, err = getJSON[domain.OutboundGroupSession](r, key(nsOutbound, string(room)))
		return err
	})
	return ogs, err
}

func (s *Store) GetOutboundGroupSessions(ctx context.Context) ([]*domain.OutboundGroupSession, error) {
	var out []*domain.OutboundGroupSession
	err := s.read(ctx, "list outbound group sessions", func(r reader) error {
		return scanJSON(r, prefix(nsOutbound), func(_ string, ogs *domain.OutboundGroupSession) {
			out = append(out, ogs)
		})
	})
	return out, err
}

func (s *Store) SaveOutboundGroupSession(ctx context.Context, session *domain.OutboundGroupSession) error {
	return s.SaveChanges(ctx, &domain.Changes{OutboundGroupSessions: []*domain.OutboundGroupSession{session}})
}

/* ---------- devices, identities and trust ---------- */

func (s *Store) GetDevice(ctx context.Context, user id.UserID, device id.DeviceID) (dev *domain.Device, err error) {
	err = s.read(ctx, "get device", func(r reader) error {
		dev, err = getJSON[domain.Device](r, key(nsDevice, string(user), string(device)))
		return err
	})
	return dev, err
}

// GetUserDevices returns every known device of user, deleted ones included.
func (s *Store) GetUserDevices(ctx context.Context, user id.UserID) (map[id.DeviceID]*domain.Device, error) {
	out := map[id.DeviceID]*domain.Device{}
	err := s.read(ctx, "get user devices", func(r reader) error {
		return scanJSON(r, prefix(nsDevice, string(user)), func(_ string, dev *domain.Device) {
			out[dev.DeviceID] = dev
		})
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (s *Store) GetDeviceByIdentityKey(ctx context.Context, user id.UserID, identityKey id.Curve25519) (*domain.Device, error) {
	devices, err := s.GetUserDevices(ctx, user)
	if err != nil {
		return nil, err
	}
	for _, dev := range devices {
		if dev.IdentityKey.Curve25519() == identityKey {
			return dev, nil
		}
	}
	return nil, nil
}

func (s *Store) SaveDevices(ctx context.Context, devices []*domain.Device) error {
	return s.SaveChanges(ctx, &domain.Changes{Devices: devices})
}

func (s *Store) GetUserIdentity(ctx context.Context, user id.UserID) (ui *domain.UserIdentity, err error) {
	err = s.read(ctx, "get user identity", func(r reader) error {
		ui, err = getJSON[domain.UserIdentity](r, key(nsIdentity, string(user)))
		return err
	})
	return ui, err
}

func (s *Store) SaveUserIdentities(ctx context.Context, identities []*domain.UserIdentity) error {
	return s.SaveChanges(ctx, &domain.Changes{Identities: identities})
}

// GetDeviceTrust returns TrustUnset for devices never marked.
func (s *Store) GetDeviceTrust(ctx context.Context, user id.UserID, device id.DeviceID) (domain.LocalTrust, error) {
	trust := types.TrustUnset
	err := s.read(ctx, "get device trust", func(r reader) error {
		t, err := getJSON[domain.LocalTrust](r, key(nsTrust, string(user), string(device)))
		if t != nil {
			trust = *t
		}
		return err
	})
	return trust, err
}

func (s *Store) SetDeviceTrust(ctx context.Context, user id.UserID, device id.DeviceID, trust domain.LocalTrust) error {
	return s.SaveChanges(ctx, &domain.Changes{Trust: []domain.TrustChange{{UserID: user, DeviceID: device, Trust: trust}}})
}

func (s *Store) GetTrackedUsers(ctx context.Context) ([]id.UserID, error) {
	var out []id.UserID
	p := prefix(nsTracked)
	err := s.read(ctx, "get tracked users", func(r reader) error {
		return r.scan(p, func(k string, _ []byte) error {
			out = append(out, id.UserID(strings.TrimPrefix(k, p)))
			return nil
		})
	})
	return out, err
}

/* ---------- key requests ---------- */

func (s *Store) GetKeyRequest(ctx context.Context, requestID string) (req *domain.KeyRequest, err error) {
	err = s.read(ctx, "get key request", func(r reader) error {
		req, err = getJSON[domain.KeyRequest](r, key(nsKeyRequest, requestID))
		return err
	})
	return req, err
}

func (s *Store) GetKeyRequestByInfo(ctx context.Context, room id.RoomID, sessionID id.SessionID) (req *domain.KeyRequest, err error) {
	err = s.read(ctx, "get key request by info", func(r reader) error {
		requestID, err := r.get(key(nsRequestInfo, string(room), string(sessionID)))
		if err != nil || requestID == nil {
			return err
		}
		req, err = getJSON[domain.KeyRequest](r, key(nsKeyRequest, string(requestID)))
		return err
	})
	return req, err
}

// GetKeyRequests returns every stored request, oldest first.
func (s *Store) GetKeyRequests(ctx context.Context) ([]*domain.KeyRequest, error) {
	var out []*domain.KeyRequest
	err := s.read(ctx, "list key requests", func(r reader) error {
		return scanJSON(r, prefix(nsKeyRequest), func(_ string, req *domain.KeyRequest) {
			out = append(out, req)
		})
	})
	if err != nil {
		return nil, err
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

/* ---------- commit ---------- */

// SaveChanges writes the whole batch in one backend transaction. Either every
// item is stored or none is.
func (s *Store) SaveChanges(ctx context.Context, changes *domain.Changes) error {
	if changes == nil || changes.Empty() {
		return nil
	}
	if err := ctx.Err(); err != nil {
		return domain.WrapStore("save changes", err)
	}
	err := s.kv.update(func(w writer) error { return applyChanges(w, changes) })
	if err != nil {
		return domain.WrapStore("save changes", err)
	}
	s.log.Debug("changes committed",
		zap.Bool("account", changes.Account != nil),
		zap.Int("sessions", len(changes.Sessions)),
		zap.Int("inbound_group_sessions", len(changes.InboundGroupSessions)),
		zap.Int("outbound_group_sessions", len(changes.OutboundGroupSessions)),
		zap.Int("devices", len(changes.Devices)),
		zap.Int("key_requests", len(changes.KeyRequests)),
	)
	return nil
}

func applyChanges(w writer, c *domain.Changes) error {
	if c.Account != nil {
		if err := putJSON(w, key(nsAccount), c.Account); err != nil {
			return err
		}
	}
	for _, sess := range c.Sessions {
		k := key(nsSession, string(sess.TheirIdentityKey.Curve25519()), sess.SessionID)
		if err := putJSON(w, k, sess); err != nil {
			return err
		}
	}
	for _, igs := range c.InboundGroupSessions {
		k := key(nsInbound, string(igs.RoomID), string(igs.SenderKey), string(igs.SessionID))
		if err := putJSON(w, k, igs); err != nil {
			return err
		}
	}
	for _, ogs := range c.OutboundGroupSessions {
		if err := putJSON(w, key(nsOutbound, string(ogs.RoomID)), ogs); err != nil {
			return err
		}
	}
	for _, dev := range c.Devices {
		if err := putJSON(w, key(nsDevice, string(dev.UserID), string(dev.DeviceID)), dev); err != nil {
			return err
		}
	}
	for _, ui := range c.Identities {
		if err := putJSON(w, key(nsIdentity, string(ui.UserID)), ui); err != nil {
			return err
		}
	}
	for _, t := range c.Trust {
		if err := putJSON(w, key(nsTrust, string(t.UserID), string(t.DeviceID)), t.Trust); err != nil {
			return err
		}
	}
	for _, requestID := range c.DeletedKeyRequests {
		if err := deleteKeyRequest(w, requestID); err != nil {
			return err
		}
	}
	for _, req := range c.KeyRequests {
		if err := putJSON(w, key(nsKeyRequest, req.RequestID), req); err != nil {
			return err
		}
		if err := w.set(key(nsRequestInfo, string(req.Info.RoomID), string(req.Info.SessionID)), []byte(req.RequestID)); err != nil {
			return err
		}
	}
	for _, h := range c.MessageHashes {
		if err := w.set(key(nsMessageHash, h), []byte{1}); err != nil {
			return err
		}
	}
	for _, u := range c.TrackedUsers {
		if err := w.set(key(nsTracked, string(u)), []byte{1}); err != nil {
			return err
		}
	}
	return nil
}

func deleteKeyRequest(w writer, requestID string) error {
	req, err := getJSON[domain.KeyRequest](w, key(nsKeyRequest, requestID))
	if err != nil || req == nil {
		return err
	}
	infoKey := key(nsRequestInfo, string(req.Info.RoomID), string(req.Info.SessionID))
	cur, err := w.get(infoKey)
	if err != nil {
		return err
	}
	if string(cur) == requestID {
		if err := w.del(infoKey); err != nil {
			return err
		}
	}
	return w.del(key(nsKeyRequest, requestID))
}

// Close releases the backend.
func (s *Store) Close() error {
	return domain.WrapStore("close", s.kv.close())
}
