package types

import "maunium.net/go/mautrix/id"

// FlowState is the state of a verification flow.
type FlowState int

const (
	FlowCreated FlowState = iota
	FlowReady
	FlowStarted
	FlowAccepted
	FlowKeyExchanged
	FlowMacExchanged
	FlowDone
	FlowCancelled
)

var flowStateNames = [...]string{
	"created", "ready", "started", "accepted", "key_exchanged", "mac_exchanged", "done", "cancelled",
}

func (s FlowState) String() string {
	if int(s) < len(flowStateNames) {
		return flowStateNames[s]
	}
	return "unknown"
}

// Terminal reports whether the flow can no longer change.
func (s FlowState) Terminal() bool { return s == FlowDone || s == FlowCancelled }

// VerificationMethod names a verification protocol.
type VerificationMethod string

const (
	MethodSAS         VerificationMethod = "m.sas.v1"
	MethodQRShow      VerificationMethod = "m.qr_code.show.v1"
	MethodQRScan      VerificationMethod = "m.qr_code.scan.v1"
	MethodReciprocate VerificationMethod = "m.reciprocate.v1"
)

// SASType is a rendering of the short authentication string.
type SASType string

const (
	SASDecimal SASType = "decimal"
	SASEmoji   SASType = "emoji"
)

// Key agreement parameters offered and accepted by this engine.
const (
	KeyAgreementCurve25519 = "curve25519-hkdf-sha256"
	HashSHA256             = "sha256"
	MACHKDFHMACSHA256V2    = "hkdf-hmac-sha256.v2"
)

// CancelCode explains why a flow was cancelled.
type CancelCode string

const (
	CancelUser                 CancelCode = "m.user"
	CancelTimeout              CancelCode = "m.timeout"
	CancelUnknownTransaction   CancelCode = "m.unknown_transaction"
	CancelUnknownMethod        CancelCode = "m.unknown_method"
	CancelUnexpectedMessage    CancelCode = "m.unexpected_message"
	CancelKeyMismatch          CancelCode = "m.key_mismatch"
	CancelUserMismatch         CancelCode = "m.user_mismatch"
	CancelInvalidMessage       CancelCode = "m.invalid_message"
	CancelAccepted             CancelCode = "m.accepted"
	CancelMismatchedSAS        CancelCode = "m.mismatched_sas"
	CancelMismatchedCommitment CancelCode = "m.mismatched_commitment"
	CancelQRCodeInvalid        CancelCode = "m.qr_code.invalid"
)

// VerificationRequestContent opens a flow.
type VerificationRequestContent struct {
	FromDevice    id.DeviceID          `json:"from_device"`
	Methods       []VerificationMethod `json:"methods"`
	TransactionID string               `json:"transaction_id"`
	Timestamp     int64                `json:"timestamp"`
}

// VerificationReadyContent answers a request.
type VerificationReadyContent struct {
	FromDevice    id.DeviceID          `json:"from_device"`
	Methods       []VerificationMethod `json:"methods"`
	TransactionID string               `json:"transaction_id"`
}

// VerificationStartContent begins a method.
type VerificationStartContent struct {
	FromDevice                 id.DeviceID        `json:"from_device"`
	Method                     VerificationMethod `json:"method"`
	TransactionID              string             `json:"transaction_id"`
	KeyAgreementProtocols      []string           `json:"key_agreement_protocols,omitempty"`
	Hashes                     []string           `json:"hashes,omitempty"`
	MessageAuthenticationCodes []string           `json:"message_authentication_codes,omitempty"`
	ShortAuthenticationString  []SASType          `json:"short_authentication_string,omitempty"`
	// Secret is the shared secret echoed back after scanning a QR code.
	Secret string `json:"secret,omitempty"`
}

// VerificationAcceptContent accepts an SAS start.
type VerificationAcceptContent struct {
	TransactionID             string    `json:"transaction_id"`
	KeyAgreementProtocol      string    `json:"key_agreement_protocol"`
	Hash                      string    `json:"hash"`
	MessageAuthenticationCode string    `json:"message_authentication_code"`
	ShortAuthenticationString []SASType `json:"short_authentication_string"`
	Commitment                string    `json:"commitment"`
}

// VerificationKeyContent carries an ephemeral public key.
type VerificationKeyContent struct {
	TransactionID string `json:"transaction_id"`
	Key           string `json:"key"`
}

// VerificationMACContent carries the MACs over the keys being verified.
type VerificationMACContent struct {
	TransactionID string              `json:"transaction_id"`
	MAC           map[id.KeyID]string `json:"mac"`
	Keys          string              `json:"keys"`
}

// VerificationDoneContent ends a flow successfully.
type VerificationDoneContent struct {
	TransactionID string `json:"transaction_id"`
}

// VerificationCancelContent ends a flow unsuccessfully.
type VerificationCancelContent struct {
	TransactionID string     `json:"transaction_id"`
	Code          CancelCode `json:"code"`
	Reason        string     `json:"reason"`
}
