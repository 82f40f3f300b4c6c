package types

import (
	"time"

	"maunium.net/go/mautrix/id"
)

// KeyRequestState is the lifecycle of an outgoing room key request.
type KeyRequestState string

const (
	KeyRequestPending    KeyRequestState = "pending"
	KeyRequestSent       KeyRequestState = "sent"
	KeyRequestSatisfied  KeyRequestState = "satisfied"
	KeyRequestCancelled  KeyRequestState = "cancelled"
	KeyRequestUnresolved KeyRequestState = "unresolved"
)

// Terminal reports whether no further transitions are allowed.
func (s KeyRequestState) Terminal() bool {
	return s == KeyRequestSatisfied || s == KeyRequestCancelled || s == KeyRequestUnresolved
}

// RequestedKeyInfo names the room key being asked for.
type RequestedKeyInfo struct {
	Algorithm id.Algorithm  `json:"algorithm"`
	RoomID    id.RoomID     `json:"room_id"`
	SenderKey id.Curve25519 `json:"sender_key"`
	SessionID id.SessionID  `json:"session_id"`
}

// KeyRequest is a record of a room key we asked our other devices for.
type KeyRequest struct {
	RequestID        string           `json:"request_id"`
	RequestingDevice id.DeviceID      `json:"requesting_device"`
	Info             RequestedKeyInfo `json:"info"`
	State            KeyRequestState  `json:"state"`
	Retries          int              `json:"retries"`
	CreatedAt        time.Time        `json:"created_at"`
	Deadline         time.Time        `json:"deadline"`
}
