// Package metrics exposes prometheus collectors for the engine and times
// individual pool mutations so slow phases show up in both the metrics
// endpoint and the structured log.
package metrics

import (
	"context"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// Timer tracks the wall-clock duration of one phase of a pool mutation.
type Timer struct {
	name      string
	startTime time.Time
	logger    logrus.FieldLogger
}

// Start begins timing a phase.
func Start(name string, logger logrus.FieldLogger) *Timer {
	return &Timer{
		name:      name,
		startTime: time.Now(),
		logger:    logger,
	}
}

// Stop ends timing, records the duration against the phase's histogram,
// and logs it.
func (t *Timer) Stop() time.Duration {
	duration := time.Since(t.startTime)
	ObservePhase(t.name, duration)
	if t.logger != nil {
		t.logger.WithFields(logrus.Fields{
			"phase":       t.name,
			"duration_ms": duration.Milliseconds(),
		}).Debug("mutation phase completed")
	}
	return duration
}

// StopWithThreshold is Stop but logs at Warn instead of Debug when
// duration exceeds threshold. Used around dm suspend/reload/resume
// sequences, which should normally complete in well under a second.
func (t *Timer) StopWithThreshold(threshold time.Duration) time.Duration {
	duration := time.Since(t.startTime)
	ObservePhase(t.name, duration)
	fields := logrus.Fields{
		"phase":       t.name,
		"duration_ms": duration.Milliseconds(),
	}
	if t.logger != nil {
		if duration > threshold {
			t.logger.WithFields(fields).Warn("mutation phase exceeded threshold")
		} else {
			t.logger.WithFields(fields).Debug("mutation phase completed")
		}
	}
	return duration
}

// MutationTrace accumulates the per-phase durations of a single
// RequestHandler call, for attaching to its trace span and log line once
// the mutation finishes.
type MutationTrace struct {
	mu sync.Mutex

	Operation string
	Pool      string

	AllocateDuration    time.Duration
	MetadataWriteDuration time.Duration
	SuspendDuration     time.Duration
	ReloadDuration      time.Duration
	ResumeDuration      time.Duration
	HealthCheckDuration time.Duration
	TotalDuration       time.Duration

	PhaseCount int
}

// NewMutationTrace creates a trace for one mutation of the named pool.
func NewMutationTrace(operation, pool string) *MutationTrace {
	return &MutationTrace{Operation: operation, Pool: pool}
}

// Record adds a named phase duration to the trace. Recognized names
// update the corresponding typed field; anything else is still counted
// toward PhaseCount, just not broken out individually in Fields. Record
// does not touch the phase histogram; Timer and RecordPhase feed it
// through ObservePhase.
func (m *MutationTrace) Record(phase string, d time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.PhaseCount++
	m.TotalDuration += d
	switch phase {
	case "allocate":
		m.AllocateDuration += d
	case "metadata_write":
		m.MetadataWriteDuration += d
	case "suspend":
		m.SuspendDuration += d
	case "reload":
		m.ReloadDuration += d
	case "resume":
		m.ResumeDuration += d
	case "health_check":
		m.HealthCheckDuration += d
	}
}

// Fields renders the trace as logrus fields for the mutation's final log
// line.
func (m *MutationTrace) Fields() logrus.Fields {
	m.mu.Lock()
	defer m.mu.Unlock()
	return logrus.Fields{
		"operation":            m.Operation,
		"pool":                 m.Pool,
		"phases":               m.PhaseCount,
		"total_ms":             m.TotalDuration.Milliseconds(),
		"allocate_ms":          m.AllocateDuration.Milliseconds(),
		"metadata_write_ms":    m.MetadataWriteDuration.Milliseconds(),
		"suspend_ms":           m.SuspendDuration.Milliseconds(),
		"reload_ms":            m.ReloadDuration.Milliseconds(),
		"resume_ms":            m.ResumeDuration.Milliseconds(),
		"health_check_ms":      m.HealthCheckDuration.Milliseconds(),
	}
}

type traceContextKey struct{}

// WithTrace attaches a MutationTrace to ctx so nested calls (allocator,
// devicemapper, metadata) can record phases without threading the trace
// through every signature.
func WithTrace(ctx context.Context, m *MutationTrace) context.Context {
	return context.WithValue(ctx, traceContextKey{}, m)
}

// TraceFromContext retrieves the MutationTrace attached by WithTrace, or
// nil if none is present (e.g. in a test that doesn't care about timing).
func TraceFromContext(ctx context.Context) *MutationTrace {
	m, _ := ctx.Value(traceContextKey{}).(*MutationTrace)
	return m
}

// RecordPhase is a convenience used by lower layers: time fn, then record
// the duration against both the context's MutationTrace (if any) and the
// phase histogram.
func RecordPhase(ctx context.Context, phase string, fn func() error) error {
	start := time.Now()
	err := fn()
	d := time.Since(start)
	ObservePhase(phase, d)
	if trace := TraceFromContext(ctx); trace != nil {
		trace.Record(phase, d)
	}
	return err
}
