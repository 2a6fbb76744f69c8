package window

import (
	"context"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
	"github.com/stretchr/testify/require"
	"go.gazette.dev/hwm/metrics"
	"go.gazette.dev/hwm/store/memstore"
)

func TestAppendAndUpdateMetrics(t *testing.T) {
	var ctx, s = context.Background(), memstore.New()
	var b = newTestBuffer(t, s, "metered", Options{})

	var added = counterValue(t, metrics.AppendEntriesTotal.WithLabelValues(metrics.Added))
	var dropped = counterValue(t, metrics.AppendEntriesTotal.WithLabelValues(metrics.Dropped))
	var deltas = counterValue(t, metrics.UpdatesTotal.WithLabelValues(metrics.KindBuffer, metrics.Delta))

	var _, err = b.Append(ctx, []Entry{entry("a", 1), entry("b", 2)})
	require.NoError(t, err)
	_, err = b.Append(ctx, []Entry{entry("b", 2), entry("c", 3)})
	require.NoError(t, err)

	require.Equal(t, added+3, counterValue(t, metrics.AppendEntriesTotal.WithLabelValues(metrics.Added)))
	require.Equal(t, dropped+1, counterValue(t, metrics.AppendEntriesTotal.WithLabelValues(metrics.Dropped)))

	require.NoError(t, b.Update(ctx))
	require.Equal(t, deltas+1, counterValue(t, metrics.UpdatesTotal.WithLabelValues(metrics.KindBuffer, metrics.Delta)))
}

func counterValue(t *testing.T, c prometheus.Counter) float64 {
	var m dto.Metric
	require.NoError(t, c.Write(&m))
	return m.GetCounter().GetValue()
}
