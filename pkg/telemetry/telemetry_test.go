package telemetry

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func TestTraceFinishIsIdempotent(t *testing.T) {
	before := testutil.CollectAndCount(opSeconds)
	tr := Track("unit_trace")
	tr.Mark("step_one")
	tr.Finish()
	tr.Finish()

	assert.Len(t, tr.Steps, 1)
	assert.Equal(t, before+1, testutil.CollectAndCount(opSeconds))
}

func TestCountersRegistered(t *testing.T) {
	TurnRejections.WithLabelValues("turn_active").Inc()
	assert.Equal(t, float64(1), testutil.ToFloat64(TurnRejections.WithLabelValues("turn_active")))
}
