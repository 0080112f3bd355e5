package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestMetricsRegistration(t *testing.T) {
	// These are promauto collectors registered against the global registry, so
	// the main thing to verify is that labels line up and increments do not
	// panic.

	t.Run("Commands", func(t *testing.T) {
		Commands.WithLabelValues("roomMessage", "ok").Inc()
		val := testutil.ToFloat64(Commands.WithLabelValues("roomMessage", "ok"))
		if val < 1 {
			t.Errorf("Expected Commands to be at least 1, got %v", val)
		}
	})

	t.Run("ConsistencyFailures", func(t *testing.T) {
		ConsistencyFailures.WithLabelValues("transport").Inc()
		val := testutil.ToFloat64(ConsistencyFailures.WithLabelValues("transport"))
		if val < 1 {
			t.Errorf("Expected ConsistencyFailures to be at least 1, got %v", val)
		}
	})

	t.Run("CommandDuration", func(t *testing.T) {
		CommandDuration.WithLabelValues("roomJoin").Observe(0.1)
		// verifying histogram buckets is complex, no-panic is the goal here
	})

	t.Run("ActiveSockets", func(t *testing.T) {
		before := testutil.ToFloat64(ActiveSockets)
		IncConnection()
		IncConnection()
		DecConnection()
		after := testutil.ToFloat64(ActiveSockets)
		if after-before != 1 {
			t.Errorf("Expected ActiveSockets delta of 1, got %v", after-before)
		}
	})
}
