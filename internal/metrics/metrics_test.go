package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"
)

func TestMetrics_Counters(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := New(reg)

	m.Issued("password", "car-rental-web")
	m.Issued("password", "car-rental-web")
	m.Failed("refresh_token", ReasonInvalidGrant)
	m.Replay()

	require.Equal(t, 2.0, testutil.ToFloat64(m.TokensIssued.WithLabelValues("password", "car-rental-web")))
	require.Equal(t, 1.0, testutil.ToFloat64(m.GrantFailures.WithLabelValues("refresh_token", ReasonInvalidGrant)))
	require.Equal(t, 1.0, testutil.ToFloat64(m.RefreshReplays))

	n, err := testutil.GatherAndCount(reg)
	require.NoError(t, err)
	require.Equal(t, 3, n)
}

func TestMetrics_NilSafe(t *testing.T) {
	var m *Metrics
	require.NotPanics(t, func() {
		m.Issued("password", "x")
		m.Failed("password", ReasonInternal)
		m.Replay()
	})
}

func TestNew_NilRegisterer(t *testing.T) {
	require.NotPanics(t, func() { _ = New(nil) })
}

func TestReason_BoundedToKnownCodes(t *testing.T) {
	require.Equal(t, ReasonInvalidGrant, Reason("invalid_grant"))
	require.Equal(t, ReasonUnavailable, Reason("temporarily_unavailable"))
	require.Equal(t, ReasonInternal, Reason("server_error"))
	require.Equal(t, ReasonInternal, Reason("anything-else"))
	require.Equal(t, ReasonInternal, Reason(""))
}
