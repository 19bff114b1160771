package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestPollTicksCountsByMACAndOutcome(t *testing.T) {
	before := testutil.ToFloat64(PollTicks.WithLabelValues("AA:BB:CC:DD:EE:FF", OutcomeSuccess))
	PollTicks.WithLabelValues("AA:BB:CC:DD:EE:FF", OutcomeSuccess).Inc()
	after := testutil.ToFloat64(PollTicks.WithLabelValues("AA:BB:CC:DD:EE:FF", OutcomeSuccess))
	if after != before+1 {
		t.Errorf("PollTicks = %v, want %v", after, before+1)
	}
}

func TestDeviceErrorsCountsByKind(t *testing.T) {
	before := testutil.ToFloat64(DeviceErrors.WithLabelValues("AA:BB:CC:DD:EE:FF", "connection"))
	DeviceErrors.WithLabelValues("AA:BB:CC:DD:EE:FF", "connection").Inc()
	after := testutil.ToFloat64(DeviceErrors.WithLabelValues("AA:BB:CC:DD:EE:FF", "connection"))
	if after != before+1 {
		t.Errorf("DeviceErrors = %v, want %v", after, before+1)
	}
}

func TestStorageBufferSizeIsAGauge(t *testing.T) {
	StorageBufferSize.Set(42)
	if got := testutil.ToFloat64(StorageBufferSize); got != 42 {
		t.Errorf("StorageBufferSize = %v, want 42", got)
	}
}

func TestOutcomeConstantsAreDistinct(t *testing.T) {
	seen := map[string]bool{}
	for _, o := range []string{OutcomeSuccess, OutcomeFailure, OutcomeBuffered, OutcomeDropped} {
		if seen[o] {
			t.Errorf("duplicate outcome constant %q", o)
		}
		seen[o] = true
	}
}
