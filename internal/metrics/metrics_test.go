package metrics_test

import (
	"fmt"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"

	"olmkit/internal/domain"
	"olmkit/internal/metrics"
)

func TestDecryptFailed_Classifies(t *testing.T) {
	m := metrics.New(prometheus.NewRegistry())
	m.DecryptFailed(domain.NewDecryptError(domain.ErrRatchetMismatch, "s", nil))
	m.DecryptFailed(fmt.Errorf("wrapped: %w", domain.ErrReplayedMessage))
	m.DecryptFailed(fmt.Errorf("wrapped: %w", domain.ErrReplayedMessage))

	require.Equal(t, 1.0, testutil.ToFloat64(m.DecryptFailures.WithLabelValues("ratchet_mismatch")))
	require.Equal(t, 2.0, testutil.ToFloat64(m.DecryptFailures.WithLabelValues("replayed")))
}

func TestNew_IndependentRegistries(t *testing.T) {
	require.NotPanics(t, func() {
		metrics.New(nil)
		metrics.New(nil)
	})
	require.NotNil(t, metrics.OrNew(nil))
}
