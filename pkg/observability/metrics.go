package observability

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Metrics holds the daemon's instruments. The zero value records nothing,
// so callers never need to check whether telemetry is enabled.
type Metrics struct {
	cycles               metric.Int64Counter
	cycleDuration        metric.Float64Histogram
	identitiesReconciled metric.Int64Counter
	detaches             metric.Int64Counter
	binds                metric.Int64Counter
	deferred             metric.Int64Counter
	auditLogFailures     metric.Int64Counter
	providerRetries      metric.Int64Counter
	consecutiveFailures  metric.Int64Gauge
}

func (m *Metrics) init(meter metric.Meter) error {
	var err error
	if m.cycles, err = meter.Int64Counter("billingd.cycles.total",
		metric.WithDescription("Reconcile cycles started"),
		metric.WithUnit("{cycle}")); err != nil {
		return err
	}
	if m.cycleDuration, err = meter.Float64Histogram("billingd.cycle.duration",
		metric.WithDescription("Wall time of one reconcile cycle"),
		metric.WithUnit("s")); err != nil {
		return err
	}
	if m.identitiesReconciled, err = meter.Int64Counter("billingd.identities.reconciled.total",
		metric.WithDescription("Per-identity reconcile outcomes"),
		metric.WithUnit("{identity}")); err != nil {
		return err
	}
	if m.detaches, err = meter.Int64Counter("billingd.detach.total",
		metric.WithDescription("Stale-binding detach attempts"),
		metric.WithUnit("{project}")); err != nil {
		return err
	}
	if m.binds, err = meter.Int64Counter("billingd.bind.total",
		metric.WithDescription("Automatic bind attempts"),
		metric.WithUnit("{project}")); err != nil {
		return err
	}
	if m.deferred, err = meter.Int64Counter("billingd.deferred.total",
		metric.WithDescription("Unbound projects left over after allocation"),
		metric.WithUnit("{project}")); err != nil {
		return err
	}
	if m.auditLogFailures, err = meter.Int64Counter("billingd.audit_log_failures.total",
		metric.WithDescription("Operation-event appends that failed"),
		metric.WithUnit("{event}")); err != nil {
		return err
	}
	if m.providerRetries, err = meter.Int64Counter("billingd.provider_retries.total",
		metric.WithDescription("Provider calls that needed a retry"),
		metric.WithUnit("{retry}")); err != nil {
		return err
	}
	if m.consecutiveFailures, err = meter.Int64Gauge("billingd.consecutive_failures",
		metric.WithDescription("Cycles in a row with at least one identity failure")); err != nil {
		return err
	}
	return nil
}

func statusAttr(ok bool) metric.MeasurementOption {
	status := "success"
	if !ok {
		status = "failed"
	}
	return metric.WithAttributes(attribute.String("status", status))
}

// CycleStarted counts a cycle and later records its duration through the
// returned func.
func (m *Metrics) CycleStarted(ctx context.Context) func() {
	if m == nil || m.cycles == nil {
		return func() {}
	}
	m.cycles.Add(ctx, 1)
	start := time.Now()
	return func() {
		m.cycleDuration.Record(ctx, time.Since(start).Seconds())
	}
}

// IdentityReconciled records one identity's outcome within a cycle.
func (m *Metrics) IdentityReconciled(ctx context.Context, identity string, ok bool) {
	if m == nil || m.identitiesReconciled == nil {
		return
	}
	m.identitiesReconciled.Add(ctx, 1, statusAttr(ok), metric.WithAttributes(attribute.String("identity", identity)))
}

// DetachAttempt records a stale-binding detach outcome.
func (m *Metrics) DetachAttempt(ctx context.Context, ok bool) {
	if m == nil || m.detaches == nil {
		return
	}
	m.detaches.Add(ctx, 1, statusAttr(ok))
}

// BindAttempt records an automatic bind outcome.
func (m *Metrics) BindAttempt(ctx context.Context, ok bool) {
	if m == nil || m.binds == nil {
		return
	}
	m.binds.Add(ctx, 1, statusAttr(ok))
}

// Deferred records projects that stayed unbound after allocation.
func (m *Metrics) Deferred(ctx context.Context, n int) {
	if m == nil || m.deferred == nil || n <= 0 {
		return
	}
	m.deferred.Add(ctx, int64(n))
}

// AuditLogFailure records an operation-event append failure.
func (m *Metrics) AuditLogFailure(ctx context.Context) {
	if m == nil || m.auditLogFailures == nil {
		return
	}
	m.auditLogFailures.Add(ctx, 1)
}

// ProviderRetry records one retried provider call.
func (m *Metrics) ProviderRetry(ctx context.Context, op string) {
	if m == nil || m.providerRetries == nil {
		return
	}
	m.providerRetries.Add(ctx, 1, metric.WithAttributes(attribute.String("op", op)))
}

// ConsecutiveFailures records the scheduler's failure streak.
func (m *Metrics) ConsecutiveFailures(ctx context.Context, n int) {
	if m == nil || m.consecutiveFailures == nil {
		return
	}
	m.consecutiveFailures.Record(ctx, int64(n))
}
