package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"
)

func TestNewSetRegistersAndCounts(t *testing.T) {
	t.Parallel()

	reg := prometheus.NewRegistry()
	set := NewSet(reg)

	set.SignalsProcessed.WithLabelValues("success").Inc()
	set.SignalsProcessed.WithLabelValues("expired").Add(2)
	set.OpenPositions.Set(3)

	require.InDelta(t, 1, testutil.ToFloat64(set.SignalsProcessed.WithLabelValues("success")), 1e-9)
	require.InDelta(t, 2, testutil.ToFloat64(set.SignalsProcessed.WithLabelValues("expired")), 1e-9)
	require.InDelta(t, 3, testutil.ToFloat64(set.OpenPositions), 1e-9)

	// Registering the same names twice on one registry must fail.
	require.Panics(t, func() { NewSet(reg) })
}
