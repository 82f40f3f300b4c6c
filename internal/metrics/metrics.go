package metrics

import (
	"errors"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"olmkit/internal/domain"
)

// Metrics groups the engine's counters. Each instance registers on its own
// registerer so several engines can live in one process.
type Metrics struct {
	SessionsCreated      *prometheus.CounterVec
	DecryptFailures      *prometheus.CounterVec
	RoomKeysShared       prometheus.Counter
	GroupSessionsRotated prometheus.Counter
	Verifications        *prometheus.CounterVec
	KeyRequests          *prometheus.CounterVec
	KeyClaims            *prometheus.CounterVec
}

// New registers the counters on reg. A nil reg uses a private registry.
func New(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	f := promauto.With(reg)
	return &Metrics{
		SessionsCreated: f.NewCounterVec(prometheus.CounterOpts{
			Name: "olmkit_olm_sessions_created_total",
			Help: "Pairwise sessions created",
		}, []string{"role"}),
		DecryptFailures: f.NewCounterVec(prometheus.CounterOpts{
			Name: "olmkit_decrypt_failures_total",
			Help: "Decryption failures by cause",
		}, []string{"kind"}),
		RoomKeysShared: f.NewCounter(prometheus.CounterOpts{
			Name: "olmkit_room_keys_shared_total",
			Help: "Room keys handed to devices",
		}),
		GroupSessionsRotated: f.NewCounter(prometheus.CounterOpts{
			Name: "olmkit_group_sessions_rotated_total",
			Help: "Outbound group sessions replaced",
		}),
		Verifications: f.NewCounterVec(prometheus.CounterOpts{
			Name: "olmkit_verifications_total",
			Help: "Verification flows finished by outcome",
		}, []string{"outcome"}),
		KeyRequests: f.NewCounterVec(prometheus.CounterOpts{
			Name: "olmkit_key_requests_total",
			Help: "Room key requests by outcome",
		}, []string{"outcome"}),
		KeyClaims: f.NewCounterVec(prometheus.CounterOpts{
			Name: "olmkit_one_time_key_claims_total",
			Help: "One-time key claims by result",
		}, []string{"result"}),
	}
}

// OrNew returns m, or a privately registered set when m is nil.
func OrNew(m *Metrics) *Metrics {
	if m == nil {
		return New(nil)
	}
	return m
}

// DecryptFailed counts err under its classified cause.
func (m *Metrics) DecryptFailed(err error) {
	m.DecryptFailures.WithLabelValues(Kind(err)).Inc()
}

// Kind maps an error to a short label.
func Kind(err error) string {
	switch {
	case errors.Is(err, domain.ErrReplayedMessage):
		return "replayed"
	case errors.Is(err, domain.ErrNoMatchingSession):
		return "no_session"
	case errors.Is(err, domain.ErrRatchetMismatch):
		return "ratchet_mismatch"
	case errors.Is(err, domain.ErrOutOfOrderSession):
		return "out_of_order"
	case errors.Is(err, domain.ErrSignatureInvalid):
		return "signature"
	case errors.Is(err, domain.ErrProtocolViolation):
		return "protocol"
	case errors.Is(err, domain.ErrStoreIO):
		return "store"
	default:
		return "other"
	}
}
