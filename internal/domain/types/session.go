package types

import "time"

// SessionRole records which side established a pairwise session.
type SessionRole string

const (
	RoleSender   SessionRole = "sender"
	RoleReceiver SessionRole = "receiver"
)

// ReceivedIndex identifies one decrypted pairwise message.
type ReceivedIndex struct {
	Chain X25519Public `json:"chain"`
	Index uint32       `json:"index"`
}

// PreKeyInfo is the key material a sender repeats in every message until the
// receiver replies.
type PreKeyInfo struct {
	IdentityKey X25519Public `json:"identity_key"`
	BaseKey     X25519Public `json:"base_key"`
	OneTimeKey  X25519Public `json:"one_time_key"`
}

// Session is one pairwise ratchet between this device and a remote device.
type Session struct {
	SessionID        string       `json:"session_id"`
	Role             SessionRole  `json:"role"`
	OurIdentityKey   X25519Public `json:"our_identity_key"`
	TheirIdentityKey X25519Public `json:"their_identity_key"`
	// BaseKey and OneTimeKey are the initial key material; an incoming pre-key
	// message matches this session only if both agree.
	BaseKey    X25519Public `json:"base_key"`
	OneTimeKey X25519Public `json:"one_time_key"`

	Ratchet RatchetState `json:"ratchet"`

	// PreKey is non-nil for sender sessions that have not yet received a reply.
	PreKey *PreKeyInfo `json:"pre_key,omitempty"`

	// ReceivedLog is the ordered replay guard, oldest first.
	ReceivedLog []ReceivedIndex `json:"received_log,omitempty"`

	CreatedUsingFallback bool      `json:"created_using_fallback,omitempty"`
	CreatedAt            time.Time `json:"created_at"`
	LastUsedAt           time.Time `json:"last_used_at"`
}

// Clone returns a deep copy of the session.
func (s *Session) Clone() *Session {
	out := *s
	out.Ratchet = s.Ratchet.Clone()
	if s.PreKey != nil {
		pk := *s.PreKey
		out.PreKey = &pk
	}
	out.ReceivedLog = append([]ReceivedIndex(nil), s.ReceivedLog...)
	return &out
}
