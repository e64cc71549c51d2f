package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"

	"go.flowmediator.dev/recovery"
	"go.flowmediator.dev/result"
)

func TestObserveCommandIncrementsCountByOutcome(t *testing.T) {
	m := New()
	m.ObserveCommand("metrics.testCommandOk", true, 0)
	m.ObserveCommand("metrics.testCommandFail", false, 0)

	if got := testutil.ToFloat64(MediatorCommandsCount.WithLabelValues("metrics.testCommandOk", "success")); got != 1 {
		t.Errorf("expected 1 success count, got %v", got)
	}
	if got := testutil.ToFloat64(MediatorCommandsCount.WithLabelValues("metrics.testCommandFail", "failure")); got != 1 {
		t.Errorf("expected 1 failure count, got %v", got)
	}
}

func TestObserveCommandSkipsDurationWhenZero(t *testing.T) {
	m := New()
	before := testutil.CollectAndCount(MediatorCommandsDuration)
	m.ObserveCommand("metrics.testCommandNoDuration", true, 0)
	after := testutil.CollectAndCount(MediatorCommandsDuration)

	if after != before {
		t.Errorf("expected no new duration observation series for durationSeconds=0, before=%d after=%d", before, after)
	}
}

func TestObserveCommandRecordsPositiveDuration(t *testing.T) {
	m := New()
	m.ObserveCommand("metrics.testCommandTimed", true, 0.25)

	h, err := MediatorCommandsDuration.GetMetricWithLabelValues("metrics.testCommandTimed")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got := testutil.CollectAndCount(h); got != 1 {
		t.Errorf("expected exactly 1 duration series for this label, got %d", got)
	}
}

func TestObserveEventIncrementsCountByOutcome(t *testing.T) {
	m := New()
	m.ObserveEvent("metrics.testEventOk", true)

	if got := testutil.ToFloat64(MediatorEventsCount.WithLabelValues("metrics.testEventOk", "success")); got != 1 {
		t.Errorf("expected 1 success event count, got %v", got)
	}
}

func TestObserveErrorIncrementsByErrorCode(t *testing.T) {
	m := New()
	m.ObserveError(result.ValidationFailed)

	if got := testutil.ToFloat64(MediatorErrorsCount.WithLabelValues(string(result.ValidationFailed))); got != 1 {
		t.Errorf("expected 1 ValidationFailed error count, got %v", got)
	}
}

func TestIncOverflowIncrementsCounter(t *testing.T) {
	m := New()
	m.IncOverflow("metrics.testOverflowType")
	m.IncOverflow("metrics.testOverflowType")

	if got := testutil.ToFloat64(MediatorBatchOverflow.WithLabelValues("metrics.testOverflowType")); got != 2 {
		t.Errorf("expected 2 overflow increments, got %v", got)
	}
}

func TestObserveBatchSizeRecordsObservation(t *testing.T) {
	m := New()
	m.ObserveBatchSize("metrics.testBatchSizeType", 7)

	h, err := MediatorBatchSize.GetMetricWithLabelValues("metrics.testBatchSizeType")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got := testutil.CollectAndCount(h); got != 1 {
		t.Errorf("expected exactly 1 batch size observation, got %d", got)
	}
}

func TestObserveQueueLengthSetsGauge(t *testing.T) {
	m := New()
	m.ObserveQueueLength("metrics.testQueueType", 3)
	if got := testutil.ToFloat64(MediatorBatchQueueLength.WithLabelValues("metrics.testQueueType")); got != 3 {
		t.Errorf("expected gauge set to 3, got %v", got)
	}

	m.ObserveQueueLength("metrics.testQueueType", 1)
	if got := testutil.ToFloat64(MediatorBatchQueueLength.WithLabelValues("metrics.testQueueType")); got != 1 {
		t.Errorf("expected gauge overwritten to 1, got %v", got)
	}
}

func TestObserveFlushDurationRecordsObservation(t *testing.T) {
	m := New()
	m.ObserveFlushDuration("metrics.testFlushType", 10*time.Millisecond)

	h, err := MediatorBatchFlushDuration.GetMetricWithLabelValues("metrics.testFlushType")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got := testutil.CollectAndCount(h); got != 1 {
		t.Errorf("expected exactly 1 flush duration observation, got %d", got)
	}
}

func TestIncProcessedAndIncFailedAddToCounters(t *testing.T) {
	m := New()
	before := testutil.ToFloat64(OutboxProcessed)
	m.IncProcessed(5)
	if got := testutil.ToFloat64(OutboxProcessed); got != before+5 {
		t.Errorf("expected processed counter to increase by 5, got %v (was %v)", got, before)
	}

	beforeFailed := testutil.ToFloat64(OutboxFailed)
	m.IncFailed(2)
	if got := testutil.ToFloat64(OutboxFailed); got != beforeFailed+2 {
		t.Errorf("expected failed counter to increase by 2, got %v (was %v)", got, beforeFailed)
	}
}

func TestObserveStateSetsComponentGauge(t *testing.T) {
	m := New()
	m.ObserveState("metrics.testComponent", recovery.StateRecovering)

	if got := testutil.ToFloat64(RecoveryComponentState.WithLabelValues("metrics.testComponent")); got != float64(recovery.StateRecovering) {
		t.Errorf("expected gauge to equal StateRecovering's numeric value, got %v", got)
	}
}
