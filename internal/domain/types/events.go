package types

import (
	"encoding/json"

	"maunium.net/go/mautrix/id"
)

// Event types produced and consumed by the engine.
const (
	EventEncrypted        = "m.room.encrypted"
	EventRoomKey          = "m.room_key"
	EventForwardedRoomKey = "m.forwarded_room_key"
	EventRoomKeyRequest   = "m.room_key_request"
	EventDummy            = "m.dummy"

	EventVerificationRequest = "m.key.verification.request"
	EventVerificationReady   = "m.key.verification.ready"
	EventVerificationStart   = "m.key.verification.start"
	EventVerificationAccept  = "m.key.verification.accept"
	EventVerificationKey     = "m.key.verification.key"
	EventVerificationMAC     = "m.key.verification.mac"
	EventVerificationDone    = "m.key.verification.done"
	EventVerificationCancel  = "m.key.verification.cancel"
)

// Algorithms supported by the engine.
const (
	AlgorithmOlm    = id.AlgorithmOlmV1
	AlgorithmMegolm = id.AlgorithmMegolmV1
)

// ToDeviceEvent is an inbound to-device message as delivered by sync.
type ToDeviceEvent struct {
	Sender  id.UserID       `json:"sender"`
	Type    string          `json:"type"`
	Content json.RawMessage `json:"content"`
}

// ToDeviceRequest is an outbound batch of to-device messages for the caller to send.
type ToDeviceRequest struct {
	TxnID     string                                        `json:"txn_id"`
	EventType string                                        `json:"event_type"`
	Messages  map[id.UserID]map[id.DeviceID]json.RawMessage `json:"messages"`
}

// Add queues content for one device.
func (r *ToDeviceRequest) Add(user id.UserID, device id.DeviceID, content json.RawMessage) {
	if r.Messages == nil {
		r.Messages = map[id.UserID]map[id.DeviceID]json.RawMessage{}
	}
	if r.Messages[user] == nil {
		r.Messages[user] = map[id.DeviceID]json.RawMessage{}
	}
	r.Messages[user][device] = content
}

// Len returns the number of addressed devices.
func (r *ToDeviceRequest) Len() int {
	n := 0
	for _, m := range r.Messages {
		n += len(m)
	}
	return n
}

// OlmMessageType distinguishes pre-key messages from normal ones.
type OlmMessageType int

const (
	OlmPreKeyMessage OlmMessageType = 0
	OlmNormalMessage OlmMessageType = 1
)

// OlmCiphertext is one pairwise ciphertext addressed to a recipient identity key.
type OlmCiphertext struct {
	Type OlmMessageType `json:"type"`
	Body string         `json:"body"`
}

// OlmEncryptedContent is the content of an olm m.room.encrypted to-device event.
type OlmEncryptedContent struct {
	Algorithm  id.Algorithm                    `json:"algorithm"`
	SenderKey  id.Curve25519                   `json:"sender_key"`
	Ciphertext map[id.Curve25519]OlmCiphertext `json:"ciphertext"`
}

// OlmPayload is the plaintext carried inside an olm message.
type OlmPayload struct {
	Type          string          `json:"type"`
	Content       json.RawMessage `json:"content"`
	Sender        id.UserID       `json:"sender"`
	SenderDevice  id.DeviceID     `json:"sender_device"`
	Keys          IdentityKeys    `json:"keys"`
	Recipient     id.UserID       `json:"recipient"`
	RecipientKeys IdentityKeys    `json:"recipient_keys"`
}

// DecryptedToDevice is a successfully decrypted to-device event.
type DecryptedToDevice struct {
	Sender       id.UserID       `json:"sender"`
	SenderDevice id.DeviceID     `json:"sender_device"`
	SenderKey    id.Curve25519   `json:"sender_key"`
	SigningKey   id.Ed25519      `json:"signing_key"`
	Type         string          `json:"type"`
	Content      json.RawMessage `json:"content"`
}

// MegolmEncryptedContent is the content of a megolm m.room.encrypted room event.
type MegolmEncryptedContent struct {
	Algorithm  id.Algorithm  `json:"algorithm"`
	SenderKey  id.Curve25519 `json:"sender_key"`
	DeviceID   id.DeviceID   `json:"device_id"`
	SessionID  id.SessionID  `json:"session_id"`
	Ciphertext string        `json:"ciphertext"`
}

// MegolmPayload is the plaintext carried inside a megolm message.
type MegolmPayload struct {
	Type    string          `json:"type"`
	Content json.RawMessage `json:"content"`
	RoomID  id.RoomID       `json:"room_id"`
}

// RoomEvent is an inbound encrypted room event.
type RoomEvent struct {
	EventID   id.EventID             `json:"event_id"`
	Sender    id.UserID              `json:"sender"`
	RoomID    id.RoomID              `json:"room_id"`
	Timestamp int64                  `json:"origin_server_ts"`
	Content   MegolmEncryptedContent `json:"content"`
}

// DecryptedRoomEvent is the result of decrypting a room event.
type DecryptedRoomEvent struct {
	Type         string          `json:"type"`
	Content      json.RawMessage `json:"content"`
	SenderKey    id.Curve25519   `json:"sender_key"`
	SessionID    id.SessionID    `json:"session_id"`
	MessageIndex uint32          `json:"message_index"`
	Forwarded    bool            `json:"forwarded"`
	// Historical is set when the session came from a key export.
	Historical  bool       `json:"historical,omitempty"`
	SenderTrust TrustLevel `json:"sender_trust"`
}

// RoomKeyContent shares an outbound group session with a device.
type RoomKeyContent struct {
	Algorithm  id.Algorithm `json:"algorithm"`
	RoomID     id.RoomID    `json:"room_id"`
	SessionID  id.SessionID `json:"session_id"`
	SessionKey string       `json:"session_key"`
}

// ForwardedRoomKeyContent hands a room key to one of our own devices.
type ForwardedRoomKeyContent struct {
	Algorithm          id.Algorithm  `json:"algorithm"`
	RoomID             id.RoomID     `json:"room_id"`
	SenderKey          id.Curve25519 `json:"sender_key"`
	SessionID          id.SessionID  `json:"session_id"`
	SessionKey         string        `json:"session_key"`
	SenderClaimedKey   id.Ed25519    `json:"sender_claimed_ed25519_key"`
	ForwardingKeyChain []string      `json:"forwarding_curve25519_key_chain"`
}

// Key request actions.
const (
	KeyRequestActionRequest = "request"
	KeyRequestActionCancel  = "request_cancellation"
)

// RoomKeyRequestContent asks our own devices for a room key, or withdraws the ask.
type RoomKeyRequestContent struct {
	Action             string            `json:"action"`
	Body               *RequestedKeyInfo `json:"body,omitempty"`
	RequestID          string            `json:"request_id"`
	RequestingDeviceID id.DeviceID       `json:"requesting_device_id"`
}
