package group

import (
	"context"
	"sort"

	"go.uber.org/zap"
	"maunium.net/go/mautrix/id"

	"olmkit/internal/domain"
	"olmkit/internal/protocol/megolm"
)

// ExportRoomKeys returns every inbound session of room (all rooms when room
// is empty) at its first known index.
func (s *Service) ExportRoomKeys(ctx context.Context, room id.RoomID) ([]domain.ExportedRoomKey, error) {
	sessions, err := s.store.GetInboundGroupSessions(ctx, room)
	if err != nil {
		return nil, err
	}
	out := make([]domain.ExportedRoomKey, 0, len(sessions))
	for _, igs := range sessions {
		key, err := megolm.Export(igs)
		if err != nil {
			return nil, err
		}
		out = append(out, key)
	}
	return out, nil
}

// ImportResult counts what an import did.
type ImportResult struct {
	Total    int
	Imported int
	// Skipped holds entries that could not be read, by position.
	Skipped map[int]error
}

// ImportRoomKeys stores exported sessions. An entry only replaces a stored
// copy when it starts at an earlier index. Each room is committed at once.
func (s *Service) ImportRoomKeys(ctx context.Context, keys []domain.ExportedRoomKey) (*ImportResult, error) {
	res := &ImportResult{Total: len(keys), Skipped: map[int]error{}}
	byRoom := map[id.RoomID][]*domain.InboundGroupSession{}
	for i, key := range keys {
		igs, err := megolm.ImportInboundGroupSession(key)
		if err != nil {
			res.Skipped[i] = err
			continue
		}
		igs.Historical = true
		byRoom[igs.RoomID] = append(byRoom[igs.RoomID], igs)
	}

	rooms := make([]id.RoomID, 0, len(byRoom))
	for room := range byRoom {
		rooms = append(rooms, room)
	}
	sort.Slice(rooms, func(i, j int) bool { return rooms[i] < rooms[j] })
	for _, room := range rooms {
		n, err := s.importRoom(ctx, room, byRoom[room])
		if err != nil {
			return res, err
		}
		res.Imported += n
	}
	s.log.Info("room keys imported", zap.Int("total", res.Total), zap.Int("imported", res.Imported), zap.Int("skipped", len(res.Skipped)))
	return res, nil
}

func (s *Service) importRoom(ctx context.Context, room id.RoomID, candidates []*domain.InboundGroupSession) (int, error) {
	unlock := s.lockRoom(room)
	defer unlock()

	type sessionKey struct {
		sender    id.Curve25519
		sessionID id.SessionID
	}
	winners := map[sessionKey]*domain.InboundGroupSession{}
	changed := map[sessionKey]bool{}
	var order []sessionKey
	for _, igs := range candidates {
		k := sessionKey{igs.SenderKey, igs.SessionID}
		cur, seen := winners[k]
		if !seen {
			stored, err := s.store.GetInboundGroupSession(ctx, room, igs.SenderKey, igs.SessionID)
			if err != nil {
				return 0, err
			}
			cur = stored
			order = append(order, k)
		}
		kept, replaced, err := megolm.Merge(cur, igs)
		if err != nil {
			s.log.Warn("imported room key conflicts with stored copy",
				zap.String("room_id", string(room)),
				zap.String("session_id", string(igs.SessionID)),
				zap.Error(err),
			)
			winners[k] = cur
			continue
		}
		winners[k] = kept
		if replaced {
			changed[k] = true
		}
	}

	changes := &domain.Changes{}
	for _, k := range order {
		if changed[k] {
			changes.InboundGroupSessions = append(changes.InboundGroupSessions, winners[k])
		}
	}
	if changes.Empty() {
		return 0, nil
	}
	if err := s.store.SaveChanges(ctx, changes); err != nil {
		return 0, err
	}
	return len(changes.InboundGroupSessions), nil
}
