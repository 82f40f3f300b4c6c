package verification

import (
	"errors"
	"fmt"
	"slices"
	"sync"
	"time"

	"maunium.net/go/mautrix/id"

	"olmkit/internal/domain"
	"olmkit/internal/domain/types"
	"olmkit/internal/protocol/qr"
)

var (
	ErrUnknownFlow  = errors.New("unknown verification flow")
	ErrFlowFinished = errors.New("verification flow already finished")
	errWrongState   = errors.New("operation not allowed in this state")
)

// Flow is a snapshot of a verification flow.
type Flow struct {
	ID          string                   `json:"id"`
	State       types.FlowState          `json:"state"`
	Method      types.VerificationMethod `json:"method,omitempty"`
	Initiator   bool                     `json:"initiator"`
	OtherUser   id.UserID                `json:"other_user"`
	OtherDevice id.DeviceID              `json:"other_device"`
	// CancelCode and CancelReason are set once the flow is cancelled.
	CancelCode   types.CancelCode `json:"cancel_code,omitempty"`
	CancelReason string           `json:"cancel_reason,omitempty"`
	// CancelledByUs tells whether this side sent the cancellation.
	CancelledByUs bool      `json:"cancelled_by_us,omitempty"`
	CreatedAt     time.Time `json:"created_at"`
}

// transcript is the method specific part of a flow.
type transcript interface {
	method() types.VerificationMethod
}

type sasTranscript struct {
	start     *types.VerificationStartContent
	weStarted bool

	ephemeral      domain.X25519Private
	ephemeralPub   domain.X25519Public
	theirEphemeral domain.X25519Public
	commitment     string

	secret     [32]byte
	haveSecret bool

	confirmed bool
	theirMAC  *types.VerificationMACContent
}

func (*sasTranscript) method() types.VerificationMethod { return types.MethodSAS }

type qrTranscript struct {
	// shown is the code we display, scanned the one we read from the other
	// device. Exactly one is set.
	shown        *qr.Code
	scanned      *qr.Code
	reciprocated bool
}

func (*qrTranscript) method() types.VerificationMethod { return types.MethodReciprocate }

// pendingTrust is a key checked during the flow and trusted once it is done.
// An empty device means the key is the user's master key.
type pendingTrust struct {
	user   id.UserID
	device id.DeviceID
	key    domain.Ed25519Public
}

type flow struct {
	mu sync.Mutex

	id          string
	state       types.FlowState
	weInitiated bool

	ourUser   id.UserID
	ourDevice id.DeviceID
	ourKey    domain.Ed25519Public

	otherUser    id.UserID
	otherDevice  id.DeviceID
	otherKey     domain.Ed25519Public
	theirMethods []types.VerificationMethod

	transcript transcript
	verified   []pendingTrust

	sentDone     bool
	receivedDone bool

	cancelCode    types.CancelCode
	cancelReason  string
	cancelledByUs bool

	createdAt time.Time
	updatedAt time.Time
}

// advance moves the flow to state. Flows only go forward, or to cancelled
// from any state that is not terminal.
func (f *flow) advance(to types.FlowState, now time.Time) error {
	if f.state.Terminal() {
		return ErrFlowFinished
	}
	if to != types.FlowCancelled && to <= f.state {
		return fmt.Errorf("%w: %s to %s", errWrongState, f.state, to)
	}
	f.state = to
	f.updatedAt = now
	return nil
}

func (f *flow) supports(m types.VerificationMethod) bool {
	return slices.Contains(f.theirMethods, m)
}

func (f *flow) sas() (*sasTranscript, bool) {
	t, ok := f.transcript.(*sasTranscript)
	return t, ok
}

func (f *flow) qr() (*qrTranscript, bool) {
	t, ok := f.transcript.(*qrTranscript)
	return t, ok
}

func (f *flow) snapshot() *Flow {
	out := &Flow{
		ID:            f.id,
		State:         f.state,
		Initiator:     f.weInitiated,
		OtherUser:     f.otherUser,
		OtherDevice:   f.otherDevice,
		CancelCode:    f.cancelCode,
		CancelReason:  f.cancelReason,
		CancelledByUs: f.cancelledByUs,
		CreatedAt:     f.createdAt,
	}
	if f.transcript != nil {
		out.Method = f.transcript.method()
	}
	return out
}

// cancelError ends a flow with a cancellation sent to the other side.
type cancelError struct {
	code   types.CancelCode
	reason string
}

func (e *cancelError) Error() string { return fmt.Sprintf("%s: %s", e.code, e.reason) }

func cancelf(code types.CancelCode, format string, args ...any) error {
	return &cancelError{code: code, reason: fmt.Sprintf(format, args...)}
}
