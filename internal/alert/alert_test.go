package alert

import (
	"context"
	"errors"
	"io"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"fiscalpos/backend/internal/domain"
	"fiscalpos/backend/internal/metrics"
)

type failingNotifier struct{}

func (failingNotifier) Notify(context.Context, domain.Alert) error {
	return errors.New("broker down")
}

func TestRecorderListsNewestFirstAndCaps(t *testing.T) {
	r := NewRecorder(2)
	ctx := context.Background()
	for _, id := range []string{"a", "b", "c"} {
		require.NoError(t, r.Notify(ctx, domain.Alert{InvoiceID: id}))
	}

	got := r.List(0)
	require.Len(t, got, 2)
	assert.Equal(t, "c", got[0].InvoiceID)
	assert.Equal(t, "b", got[1].InvoiceID)
	assert.Len(t, r.List(1), 1)
}

func TestFanoutSucceedsWhenAnyNotifierDelivers(t *testing.T) {
	rec := NewRecorder(10)
	m := metrics.New(prometheus.NewRegistry())
	f := NewFanout(zerolog.New(io.Discard), m, failingNotifier{}, rec)

	err := f.Notify(context.Background(), domain.Alert{DeviceID: "POS-1", Severity: domain.SeverityCritical})
	require.NoError(t, err)
	assert.Len(t, rec.List(0), 1)
	assert.Equal(t, 1.0, testutil.ToFloat64(m.AlertsRaised.WithLabelValues("critical")))
}

func TestFanoutFailsWhenNothingDelivers(t *testing.T) {
	f := NewFanout(zerolog.New(io.Discard), nil, failingNotifier{})
	err := f.Notify(context.Background(), domain.Alert{DeviceID: "POS-1"})
	assert.Error(t, err)

	empty := NewFanout(zerolog.New(io.Discard), nil)
	assert.Error(t, empty.Notify(context.Background(), domain.Alert{}))
}
