package x3dh_test

import (
	"bytes"
	"testing"

	"olmkit/internal/crypto"
	"olmkit/internal/domain"
	"olmkit/internal/protocol/x3dh"
)

// makeX25519 returns a fresh X25519 pair.
func makeX25519(t *testing.T) (domain.X25519Private, domain.X25519Public) {
	t.Helper()
	priv, pub, err := crypto.GenerateX25519()
	if err != nil {
		t.Fatalf("GenerateX25519: %v", err)
	}
	return priv, pub
}

func TestInitiatorAndResponderAgree(t *testing.T) {
	aliceID, aliceIDPub := makeX25519(t)
	bobID, bobIDPub := makeX25519(t)
	bobOTK, bobOTKPub := makeX25519(t)
	base, basePub := makeX25519(t)

	ik, err := x3dh.InitiatorKeys(aliceID, base, bobIDPub, bobOTKPub)
	if err != nil {
		t.Fatalf("InitiatorKeys: %v", err)
	}
	rk, err := x3dh.ResponderKeys(bobID, bobOTK, aliceIDPub, basePub)
	if err != nil {
		t.Fatalf("ResponderKeys: %v", err)
	}
	if !bytes.Equal(ik.RootKey, rk.RootKey) {
		t.Fatalf("root keys differ")
	}
	if !bytes.Equal(ik.ChainKey, rk.ChainKey) {
		t.Fatalf("chain keys differ")
	}
	if bytes.Equal(ik.RootKey, ik.ChainKey) {
		t.Fatalf("root and chain key must differ")
	}
}

func TestWrongOneTimeKeyDisagrees(t *testing.T) {
	aliceID, aliceIDPub := makeX25519(t)
	bobID, bobIDPub := makeX25519(t)
	_, bobOTKPub := makeX25519(t)
	otherOTK, _ := makeX25519(t)
	base, basePub := makeX25519(t)

	ik, err := x3dh.InitiatorKeys(aliceID, base, bobIDPub, bobOTKPub)
	if err != nil {
		t.Fatalf("InitiatorKeys: %v", err)
	}
	rk, err := x3dh.ResponderKeys(bobID, otherOTK, aliceIDPub, basePub)
	if err != nil {
		t.Fatalf("ResponderKeys: %v", err)
	}
	if bytes.Equal(ik.RootKey, rk.RootKey) {
		t.Fatalf("root keys must differ with the wrong one-time key")
	}
}

func TestSessionIDStable(t *testing.T) {
	_, a := makeX25519(t)
	_, b := makeX25519(t)
	_, c := makeX25519(t)
	if x3dh.SessionID(a, b, c) != x3dh.SessionID(a, b, c) {
		t.Fatalf("session id not deterministic")
	}
	if x3dh.SessionID(a, b, c) == x3dh.SessionID(a, c, b) {
		t.Fatalf("session id must depend on key order")
	}
}
