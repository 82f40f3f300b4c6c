package domain

import (
	"errors"
	"fmt"
)

// Error taxonomy shared by every component. Callers match with errors.Is.
var (
	ErrNoMatchingSession  = errors.New("no matching session")
	ErrRatchetMismatch    = errors.New("session found but ratchet or MAC mismatch")
	ErrOutOfOrderSession  = errors.New("message index precedes the first known index")
	ErrReplayedMessage    = errors.New("message was already decrypted")
	ErrSignatureInvalid   = errors.New("signature invalid")
	ErrUntrustedDevice    = errors.New("device is not trusted")
	ErrStoreIO            = errors.New("store i/o failure")
	ErrProtocolViolation  = errors.New("protocol violation")
	ErrTimeout            = errors.New("timed out")
	ErrUnknownDevice      = errors.New("unknown device")
	ErrAccountMissing     = errors.New("account not initialised")
	ErrUnsupportedAlgo    = errors.New("unsupported algorithm")
	ErrMissingOneTimeKey  = errors.New("one-time key not found")
	ErrNoOneTimeKeyOnline = errors.New("device has no one-time key available")
)

// DecryptError wraps a decryption failure with its classified cause.
type DecryptError struct {
	Kind      error
	SessionID string
	Err       error
}

func (e *DecryptError) Error() string {
	if e.Err != nil && e.Err != e.Kind {
		return fmt.Sprintf("decrypt (session %s): %v: %v", e.SessionID, e.Kind, e.Err)
	}
	return fmt.Sprintf("decrypt (session %s): %v", e.SessionID, e.Kind)
}

func (e *DecryptError) Unwrap() []error {
	if e.Err != nil {
		return []error{e.Kind, e.Err}
	}
	return []error{e.Kind}
}

// Retryable reports whether the message may become decryptable later, that is
// the key has simply not arrived yet.
func (e *DecryptError) Retryable() bool {
	return errors.Is(e.Kind, ErrNoMatchingSession)
}

// NewDecryptError classifies err under kind.
func NewDecryptError(kind error, sessionID string, err error) *DecryptError {
	return &DecryptError{Kind: kind, SessionID: sessionID, Err: err}
}

// StoreError wraps a persistence backend failure.
type StoreError struct {
	Op  string
	Err error
}

func (e *StoreError) Error() string { return fmt.Sprintf("store %s: %v", e.Op, e.Err) }

func (e *StoreError) Unwrap() []error { return []error{ErrStoreIO, e.Err} }

// WrapStore returns nil for nil errors and a *StoreError otherwise.
func WrapStore(op string, err error) error {
	if err == nil {
		return nil
	}
	var se *StoreError
	if errors.As(err, &se) {
		return err
	}
	return &StoreError{Op: op, Err: err}
}
