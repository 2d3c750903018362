package metrics

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestMutationTraceRecordAccumulates(t *testing.T) {
	trace := NewMutationTrace("create_filesystem", "pool1")
	trace.Record("allocate", 10*time.Millisecond)
	trace.Record("allocate", 5*time.Millisecond)
	trace.Record("suspend", 2*time.Millisecond)

	if trace.AllocateDuration != 15*time.Millisecond {
		t.Errorf("allocate duration: got %v, want 15ms", trace.AllocateDuration)
	}
	if trace.SuspendDuration != 2*time.Millisecond {
		t.Errorf("suspend duration: got %v, want 2ms", trace.SuspendDuration)
	}
	if trace.PhaseCount != 3 {
		t.Errorf("phase count: got %d, want 3", trace.PhaseCount)
	}
	if trace.TotalDuration != 17*time.Millisecond {
		t.Errorf("total duration: got %v, want 17ms", trace.TotalDuration)
	}
}

func TestWithTraceAndTraceFromContext(t *testing.T) {
	ctx := context.Background()
	if got := TraceFromContext(ctx); got != nil {
		t.Fatalf("expected nil trace on bare context, got %v", got)
	}

	trace := NewMutationTrace("destroy_pool", "pool2")
	ctx = WithTrace(ctx, trace)
	if got := TraceFromContext(ctx); got != trace {
		t.Fatalf("expected to retrieve the same trace back")
	}
}

func TestRecordPhasePropagatesErrorAndRecordsDuration(t *testing.T) {
	trace := NewMutationTrace("grow_pool", "pool3")
	ctx := WithTrace(context.Background(), trace)

	wantErr := errors.New("reload failed")
	err := RecordPhase(ctx, "reload", func() error {
		time.Sleep(time.Millisecond)
		return wantErr
	})
	if !errors.Is(err, wantErr) {
		t.Fatalf("expected RecordPhase to propagate the error, got %v", err)
	}
	if trace.ReloadDuration <= 0 {
		t.Errorf("expected reload duration to be recorded, got %v", trace.ReloadDuration)
	}
	if trace.PhaseCount != 1 {
		t.Errorf("phase count: got %d, want 1", trace.PhaseCount)
	}
}

func TestRecordPhaseWithoutTraceStillRuns(t *testing.T) {
	ran := false
	err := RecordPhase(context.Background(), "allocate", func() error {
		ran = true
		return nil
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !ran {
		t.Fatal("expected fn to run even without a trace in context")
	}
}
