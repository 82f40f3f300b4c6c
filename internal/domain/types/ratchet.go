package types

// RatchetHeader travels in clear in every olm message.
type RatchetHeader struct {
	RatchetKey      X25519Public `json:"ratchet_key"`
	PreviousCounter uint32       `json:"previous_counter"`
	Counter         uint32       `json:"counter"`
}

// SkippedKey is the message key of a message that has not arrived yet.
type SkippedKey struct {
	RatchetKey X25519Public `json:"ratchet_key"`
	Counter    uint32       `json:"counter"`
	Key        []byte       `json:"key"`
}

// RatchetState is the double ratchet of one olm session. SenderChain is empty
// between learning a new peer ratchet key and sending our next message.
type RatchetState struct {
	RootKey []byte `json:"root_key"`

	RatchetKey      X25519Private `json:"ratchet_key"`
	RatchetPublic   X25519Public  `json:"ratchet_public"`
	PeerRatchetKey  X25519Public  `json:"peer_ratchet_key"`
	SenderChain     []byte        `json:"sender_chain,omitempty"`
	ReceiverChain   []byte        `json:"receiver_chain,omitempty"`
	SendCounter     uint32        `json:"send_counter"`
	ReceiveCounter  uint32        `json:"receive_counter"`
	PreviousCounter uint32        `json:"previous_counter"`
	Skipped         []SkippedKey  `json:"skipped,omitempty"`
}

// Clone returns a deep copy so a decrypt attempt can be discarded on failure.
func (s RatchetState) Clone() RatchetState {
	out := s
	out.RootKey = cloneBytes(s.RootKey)
	out.SenderChain = cloneBytes(s.SenderChain)
	out.ReceiverChain = cloneBytes(s.ReceiverChain)
	if s.Skipped != nil {
		out.Skipped = make([]SkippedKey, len(s.Skipped))
		for i, k := range s.Skipped {
			k.Key = cloneBytes(k.Key)
			out.Skipped[i] = k
		}
	}
	return out
}

func cloneBytes(b []byte) []byte {
	if b == nil {
		return nil
	}
	return append([]byte(nil), b...)
}
