// Package observability wires OpenTelemetry counters for the workflow
// engine and ledger verification paths. Export wiring (collector,
// exporters) is owned by the operator's runtime, not this core; the
// package only records against the globally registered MeterProvider.
package observability

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

const meterName = "github.com/pursuitworks/govern"

// Metrics holds the instrument set shared across the workflow core.
type Metrics struct {
	transitions    metric.Int64Counter
	conflicts      metric.Int64Counter
	integrityFails metric.Int64Counter
	escalations    metric.Int64Counter
}

// New registers the instrument set on the global meter provider.
func New() (*Metrics, error) {
	meter := otel.GetMeterProvider().Meter(meterName)

	transitions, err := meter.Int64Counter("govern.workflow.transitions",
		metric.WithDescription("Accepted workflow state transitions"))
	if err != nil {
		return nil, fmt.Errorf("observability: transitions counter failed: %w", err)
	}
	conflicts, err := meter.Int64Counter("govern.workflow.conflicts",
		metric.WithDescription("Mutations that lost a concurrency race"))
	if err != nil {
		return nil, fmt.Errorf("observability: conflicts counter failed: %w", err)
	}
	integrityFails, err := meter.Int64Counter("govern.ledger.integrity_failures",
		metric.WithDescription("Chain or entry verifications that failed"))
	if err != nil {
		return nil, fmt.Errorf("observability: integrity counter failed: %w", err)
	}
	escalations, err := meter.Int64Counter("govern.coordinator.escalations",
		metric.WithDescription("SLA escalations emitted by the coordinator"))
	if err != nil {
		return nil, fmt.Errorf("observability: escalations counter failed: %w", err)
	}

	return &Metrics{
		transitions:    transitions,
		conflicts:      conflicts,
		integrityFails: integrityFails,
		escalations:    escalations,
	}, nil
}

// Transition records one accepted state transition. Nil-safe so callers
// can run without metrics in tests.
func (m *Metrics) Transition(ctx context.Context, action string) {
	if m == nil {
		return
	}
	m.transitions.Add(ctx, 1, metric.WithAttributes(attribute.String("action", action)))
}

// Conflict records a lost concurrency race.
func (m *Metrics) Conflict(ctx context.Context, operation string) {
	if m == nil {
		return
	}
	m.conflicts.Add(ctx, 1, metric.WithAttributes(attribute.String("operation", operation)))
}

// IntegrityFailure records a failed chain or entry verification.
func (m *Metrics) IntegrityFailure(ctx context.Context, submissionID string) {
	if m == nil {
		return
	}
	m.integrityFails.Add(ctx, 1, metric.WithAttributes(attribute.String("submission_id", submissionID)))
}

// Escalation records one SLA escalation.
func (m *Metrics) Escalation(ctx context.Context, stepName string) {
	if m == nil {
		return
	}
	m.escalations.Add(ctx, 1, metric.WithAttributes(attribute.String("step", stepName)))
}
