// Package tracing wraps every pool mutation in an OpenTelemetry span
// tagged with pool UUID, operation name, and resulting ActionAvailability
// (spec SPEC_FULL §5's ambient observability addition). Tracing never
// gates behavior: a span's start/end never returns an error that affects
// the wrapped operation's outcome.
package tracing

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	stratisd "github.com/stratis-storage/stratisd-go"
)

// TracerName is the instrumentation scope name registered with the
// global OpenTelemetry TracerProvider.
const TracerName = "github.com/stratis-storage/stratisd-go/internal/engine"

func tracer() trace.Tracer {
	return otel.Tracer(TracerName)
}

// StartMutation opens a span for one pool mutation. Callers must call the
// returned EndMutation (typically via defer) exactly once, passing the
// error the mutation ultimately returned and the pool's resulting
// ActionAvailability.
func StartMutation(ctx context.Context, poolUUID stratisd.PoolUUID, operation string) (context.Context, func(err error, availability stratisd.ActionAvailability)) {
	ctx, span := tracer().Start(ctx, operation, trace.WithAttributes(
		attribute.String("pool.uuid", poolUUID.String()),
		attribute.String("operation", operation),
	))
	return ctx, func(err error, availability stratisd.ActionAvailability) {
		span.SetAttributes(attribute.String("pool.availability", availability.String()))
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		} else {
			span.SetStatus(codes.Ok, "")
		}
		span.End()
	}
}

// StartDiscovery opens a span for one discovery/assembly event, tagged
// with the device identifier the event carries rather than a pool UUID
// (which may not be known yet when the event arrives).
func StartDiscovery(ctx context.Context, deviceID, action string) (context.Context, func(err error)) {
	ctx, span := tracer().Start(ctx, "discovery."+action, trace.WithAttributes(
		attribute.String("device.id", deviceID),
	))
	return ctx, func(err error) {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		} else {
			span.SetStatus(codes.Ok, "")
		}
		span.End()
	}
}
