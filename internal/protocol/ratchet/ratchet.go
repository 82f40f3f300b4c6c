package ratchet

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/binary"
	"errors"
	"io"

	"golang.org/x/crypto/hkdf"

	"olmkit/internal/crypto"
	"olmkit/internal/domain"
)

const (
	// MaxSkippedKeys is how many message keys of not yet received messages
	// are kept; the oldest is dropped first.
	MaxSkippedKeys = 40
	// MaxMessageGap bounds how far ahead of the receiver chain a counter may be.
	MaxMessageGap = 2000

	rootInfo = "OLM_RATCHET"
	keysInfo = "OLM_KEYS"
)

var (
	// ErrSkippedKeyNotFound means the counter is behind the receiver chain
	// and no skipped key is left for it.
	ErrSkippedKeyNotFound = errors.New("skipped message key not found")
	// ErrTooManySkipped means the counter is more than MaxMessageGap ahead.
	ErrTooManySkipped = errors.New("message counter too far ahead of the receiver chain")
	// ErrMessageAuth means the MAC or padding did not check out.
	ErrMessageAuth = errors.New("message authentication failed")

	errNoSenderChain = errors.New("ratchet has no peer key to start a sender chain")
	errNoRatchetKey  = errors.New("ratchet has no key of ours for a new receiver chain")
)

var (
	messageKeySeed = []byte{0x01}
	chainKeySeed   = []byte{0x02}
)

// InitAsSender starts the ratchet of the session initiator: the handshake
// output seeds the sender chain under a fresh ratchet key.
func InitAsSender(root, chain []byte) (domain.RatchetState, error) {
	priv, pub, err := crypto.GenerateX25519()
	if err != nil {
		return domain.RatchetState{}, err
	}
	return domain.RatchetState{
		RootKey:       append([]byte(nil), root...),
		RatchetKey:    priv,
		RatchetPublic: pub,
		SenderChain:   append([]byte(nil), chain...),
	}, nil
}

// InitAsReceiver starts the ratchet of the responder from the ratchet key of
// the first pre-key message. Its sender chain is created on the first Encrypt.
func InitAsReceiver(root, chain []byte, peerRatchetKey domain.X25519Public) domain.RatchetState {
	return domain.RatchetState{
		RootKey:        append([]byte(nil), root...),
		PeerRatchetKey: peerRatchetKey,
		ReceiverChain:  append([]byte(nil), chain...),
	}
}

// Encrypt seals plaintext under the next sender chain key. When the peer has
// moved to a new ratchet key since our last message a new ratchet key of ours
// is generated and the root advanced first. The returned ciphertext carries
// the truncated MAC over ad, the header and the AES-CBC body.
func Encrypt(st *domain.RatchetState, ad, plaintext []byte) (domain.RatchetHeader, []byte, error) {
	if len(st.SenderChain) == 0 {
		if err := newSenderChain(st); err != nil {
			return domain.RatchetHeader{}, nil, err
		}
	}
	h := domain.RatchetHeader{
		RatchetKey:      st.RatchetPublic,
		PreviousCounter: st.PreviousCounter,
		Counter:         st.SendCounter,
	}
	keys := messageKeys(advance(&st.SenderChain))
	defer keys.Wipe()
	body := keys.Encrypt(plaintext)
	st.SendCounter++
	return h, append(body, keys.Tag(ad, encodeHeader(h), body)...), nil
}

func newSenderChain(st *domain.RatchetState) error {
	if st.PeerRatchetKey.IsZero() {
		return errNoSenderChain
	}
	priv, pub, err := crypto.GenerateX25519()
	if err != nil {
		return err
	}
	root, chain, err := stepRoot(st.RootKey, priv, st.PeerRatchetKey)
	if err != nil {
		return err
	}
	crypto.Wipe(st.RootKey)
	crypto.Wipe(st.RatchetKey[:])
	st.RootKey, st.SenderChain = root, chain
	st.RatchetKey, st.RatchetPublic = priv, pub
	st.PreviousCounter, st.SendCounter = st.SendCounter, 0
	return nil
}

// Decrypt opens a message. The state is only updated when the message
// authenticates; on any error st is left exactly as it was.
func Decrypt(st *domain.RatchetState, ad []byte, header domain.RatchetHeader, ciphertext []byte) ([]byte, error) {
	work := st.Clone()
	pt, err := decrypt(&work, ad, header, ciphertext)
	if err != nil {
		return nil, err
	}
	*st = work
	return pt, nil
}

// HasReceived reports whether the receiver chain has moved past header
// without keeping a skipped key for it.
func HasReceived(st *domain.RatchetState, header domain.RatchetHeader) bool {
	if st.PeerRatchetKey != header.RatchetKey || header.Counter >= st.ReceiveCounter {
		return false
	}
	return findSkipped(st, header) < 0
}

func decrypt(st *domain.RatchetState, ad []byte, header domain.RatchetHeader, ciphertext []byte) ([]byte, error) {
	if i := findSkipped(st, header); i >= 0 {
		pt, err := open(st.Skipped[i].Key, ad, header, ciphertext)
		if err != nil {
			return nil, err
		}
		crypto.Wipe(st.Skipped[i].Key)
		st.Skipped = append(st.Skipped[:i], st.Skipped[i+1:]...)
		return pt, nil
	}

	if header.RatchetKey != st.PeerRatchetKey {
		// Keep the keys of late messages on the chain the peer just left.
		if err := skipTo(st, header.PreviousCounter); err != nil {
			return nil, err
		}
		if st.RatchetKey == (domain.X25519Private{}) {
			return nil, errNoRatchetKey
		}
		root, chain, err := stepRoot(st.RootKey, st.RatchetKey, header.RatchetKey)
		if err != nil {
			return nil, err
		}
		crypto.Wipe(st.RootKey)
		crypto.Wipe(st.ReceiverChain)
		crypto.Wipe(st.SenderChain)
		st.RootKey, st.ReceiverChain, st.SenderChain = root, chain, nil
		st.PeerRatchetKey = header.RatchetKey
		st.ReceiveCounter = 0
	} else if header.Counter < st.ReceiveCounter {
		return nil, ErrSkippedKeyNotFound
	}

	if err := skipTo(st, header.Counter); err != nil {
		return nil, err
	}
	mk := advance(&st.ReceiverChain)
	defer crypto.Wipe(mk)
	pt, err := open(mk, ad, header, ciphertext)
	if err != nil {
		return nil, err
	}
	st.ReceiveCounter++
	return pt, nil
}

func open(mk, ad []byte, header domain.RatchetHeader, ciphertext []byte) ([]byte, error) {
	if len(ciphertext) < crypto.MACLen {
		return nil, ErrMessageAuth
	}
	body, tag := ciphertext[:len(ciphertext)-crypto.MACLen], ciphertext[len(ciphertext)-crypto.MACLen:]
	keys := messageKeys(mk)
	defer keys.Wipe()
	if !keys.Check(tag, ad, encodeHeader(header), body) {
		return nil, ErrMessageAuth
	}
	pt, err := keys.Decrypt(body)
	if err != nil {
		return nil, ErrMessageAuth
	}
	return pt, nil
}

// skipTo stores the message keys of the receiver chain below counter.
func skipTo(st *domain.RatchetState, counter uint32) error {
	if len(st.ReceiverChain) == 0 || counter <= st.ReceiveCounter {
		return nil
	}
	if counter-st.ReceiveCounter > MaxMessageGap {
		return ErrTooManySkipped
	}
	for ; st.ReceiveCounter < counter; st.ReceiveCounter++ {
		st.Skipped = append(st.Skipped, domain.SkippedKey{
			RatchetKey: st.PeerRatchetKey,
			Counter:    st.ReceiveCounter,
			Key:        advance(&st.ReceiverChain),
		})
	}
	if extra := len(st.Skipped) - MaxSkippedKeys; extra > 0 {
		for _, k := range st.Skipped[:extra] {
			crypto.Wipe(k.Key)
		}
		st.Skipped = append([]domain.SkippedKey(nil), st.Skipped[extra:]...)
	}
	return nil
}

func findSkipped(st *domain.RatchetState, header domain.RatchetHeader) int {
	for i, k := range st.Skipped {
		if k.RatchetKey == header.RatchetKey && k.Counter == header.Counter {
			return i
		}
	}
	return -1
}

// advance returns the message key of chain and moves chain one step:
// HMAC(chain, 0x01) and HMAC(chain, 0x02).
func advance(chain *[]byte) []byte {
	mk := hmacSHA256(*chain, messageKeySeed)
	next := hmacSHA256(*chain, chainKeySeed)
	crypto.Wipe(*chain)
	*chain = next
	return mk
}

// stepRoot mixes DH(ours, theirs) into the root key and returns the new root
// and chain keys.
func stepRoot(root []byte, ours domain.X25519Private, theirs domain.X25519Public) (newRoot, chain []byte, err error) {
	dh, err := crypto.DH(ours, theirs)
	if err != nil {
		return nil, nil, err
	}
	defer crypto.Wipe(dh[:])
	out := make([]byte, 64)
	_, _ = io.ReadFull(hkdf.New(sha256.New, dh[:], root, []byte(rootInfo)), out)
	return out[:32], out[32:], nil
}

func messageKeys(mk []byte) crypto.MessageKeys {
	return crypto.DeriveMessageKeys(mk, keysInfo)
}

func encodeHeader(h domain.RatchetHeader) []byte {
	out := make([]byte, 0, 32+4+4)
	out = append(out, h.RatchetKey[:]...)
	out = binary.BigEndian.AppendUint32(out, h.PreviousCounter)
	return binary.BigEndian.AppendUint32(out, h.Counter)
}

func hmacSHA256(key, data []byte) []byte {
	m := hmac.New(sha256.New, key)
	m.Write(data)
	return m.Sum(nil)
}
