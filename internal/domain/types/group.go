package types

import (
	"encoding/base64"
	"fmt"
	"time"

	"maunium.net/go/mautrix/id"
)

// MegolmRatchetSize is the size of the four ratchet parts.
const MegolmRatchetSize = 128

// RatchetData is the raw Megolm ratchet R0..R3.
type RatchetData [MegolmRatchetSize]byte

func (d RatchetData) MarshalText() ([]byte, error) {
	return []byte(base64.StdEncoding.EncodeToString(d[:])), nil
}

func (d *RatchetData) UnmarshalText(b []byte) error {
	raw, err := base64.StdEncoding.DecodeString(string(b))
	if err != nil {
		return err
	}
	if len(raw) != MegolmRatchetSize {
		return fmt.Errorf("ratchet data length %d", len(raw))
	}
	copy(d[:], raw)
	return nil
}

// MegolmRatchet is a group ratchet at a given message index.
type MegolmRatchet struct {
	Data    RatchetData `json:"data"`
	Counter uint32      `json:"counter"`
}

// GroupEncryptionSettings control outbound session rotation for a room.
type GroupEncryptionSettings struct {
	Algorithm        id.Algorithm  `json:"algorithm"`
	RotationPeriod   time.Duration `json:"rotation_period"`
	RotationMessages uint32        `json:"rotation_messages"`
	// OnlyTrusted restricts key sharing to trusted devices.
	OnlyTrusted bool `json:"only_trusted"`
}

// ShareState tracks delivery of a room key to one device.
type ShareState int

const (
	SharePending ShareState = iota
	ShareSent
)

// ShareInfo records what a device was given.
type ShareInfo struct {
	State        ShareState   `json:"state"`
	MessageIndex uint32       `json:"message_index"`
	IdentityKey  X25519Public `json:"identity_key"`
	TxnID        string       `json:"txn_id"`
}

// OutboundGroupSession is the sending half of a room's group session.
type OutboundGroupSession struct {
	RoomID     id.RoomID               `json:"room_id"`
	SessionID  id.SessionID            `json:"session_id"`
	Ratchet    MegolmRatchet           `json:"ratchet"`
	SigningKey Ed25519Private          `json:"signing_key"`
	Settings   GroupEncryptionSettings `json:"settings"`

	CreatedAt    time.Time `json:"created_at"`
	MessageCount uint32    `json:"message_count"`

	SharedWith  map[id.UserID]map[id.DeviceID]ShareInfo `json:"shared_with"`
	Invalidated bool                                    `json:"invalidated"`

	// PendingRequests holds the room key requests not yet reported sent,
	// keyed by transaction id, so they can be queued again after a restart.
	PendingRequests map[string]*ToDeviceRequest `json:"pending_requests,omitempty"`
}

// SharedCount returns the number of devices the session was handed to.
func (s *OutboundGroupSession) SharedCount() int {
	n := 0
	for _, devs := range s.SharedWith {
		n += len(devs)
	}
	return n
}

// ShareInfoFor returns the share record for a device.
func (s *OutboundGroupSession) ShareInfoFor(user id.UserID, device id.DeviceID) (ShareInfo, bool) {
	info, ok := s.SharedWith[user][device]
	return info, ok
}

// Clone returns a deep copy.
func (s *OutboundGroupSession) Clone() *OutboundGroupSession {
	out := *s
	out.SharedWith = make(map[id.UserID]map[id.DeviceID]ShareInfo, len(s.SharedWith))
	for u, devs := range s.SharedWith {
		m := make(map[id.DeviceID]ShareInfo, len(devs))
		for d, info := range devs {
			m[d] = info
		}
		out.SharedWith[u] = m
	}
	if s.PendingRequests != nil {
		out.PendingRequests = make(map[string]*ToDeviceRequest, len(s.PendingRequests))
		for txn, req := range s.PendingRequests {
			out.PendingRequests[txn] = req
		}
	}
	return &out
}

// InboundGroupSession is the receiving half, keyed by (room, sender key, session id).
type InboundGroupSession struct {
	RoomID     id.RoomID     `json:"room_id"`
	SenderKey  id.Curve25519 `json:"sender_key"`
	SigningKey id.Ed25519    `json:"signing_key"`
	SessionID  id.SessionID  `json:"session_id"`

	// Initial is the ratchet at the first known index and never moves.
	Initial MegolmRatchet `json:"initial"`
	// Latest is a forward-only cache used to avoid re-deriving from Initial.
	Latest MegolmRatchet `json:"latest"`

	// Imported marks keys that did not come directly from the sender.
	Imported bool `json:"imported"`
	// Historical marks sessions restored from a backup or key export.
	Historical      bool     `json:"historical"`
	ForwardingChain []string `json:"forwarding_chain,omitempty"`

	// SeenIndices maps decrypted message index to the event id it came from.
	SeenIndices map[uint32]string `json:"seen_indices,omitempty"`

	CreatedAt time.Time `json:"created_at"`
}

// FirstKnownIndex returns the lowest decryptable message index.
func (s *InboundGroupSession) FirstKnownIndex() uint32 { return s.Initial.Counter }

// Clone returns a deep copy.
func (s *InboundGroupSession) Clone() *InboundGroupSession {
	out := *s
	out.ForwardingChain = append([]string(nil), s.ForwardingChain...)
	out.SeenIndices = make(map[uint32]string, len(s.SeenIndices))
	for k, v := range s.SeenIndices {
		out.SeenIndices[k] = v
	}
	return &out
}

// ExportedRoomKey is one entry of a key export file.
type ExportedRoomKey struct {
	Algorithm         id.Algorithm      `json:"algorithm"`
	ForwardingChain   []string          `json:"forwarding_curve25519_key_chain"`
	RoomID            id.RoomID         `json:"room_id"`
	SenderKey         id.Curve25519     `json:"sender_key"`
	SenderClaimedKeys SenderClaimedKeys `json:"sender_claimed_keys"`
	SessionID         id.SessionID      `json:"session_id"`
	SessionKey        string            `json:"session_key"`
}

// SenderClaimedKeys are the keys the session creator claimed to own.
type SenderClaimedKeys struct {
	Ed25519 id.Ed25519 `json:"ed25519"`
}
