package otel

import "go.opentelemetry.io/otel/metric"

// Metrics holds the OTel instruments recorded next to the Prometheus
// collectors so both export paths see the same signals.
type Metrics struct {
	TaskDuration     metric.Float64Histogram
	TaskOutcomes     metric.Int64Counter
	ActiveSessions   metric.Int64UpDownCounter
	UploadBytes      metric.Int64Counter
	ScaleDecisions   metric.Int64Counter
	RateLimitRejects metric.Int64Counter
}

// NewMetrics creates all metric instruments from the given meter.
func NewMetrics(meter metric.Meter) (*Metrics, error) {
	m := &Metrics{}
	var err error

	if m.TaskDuration, err = meter.Float64Histogram("snapq.task.duration",
		metric.WithDescription("Task processing duration in seconds"),
		metric.WithUnit("s"),
	); err != nil {
		return nil, err
	}
	if m.TaskOutcomes, err = meter.Int64Counter("snapq.task.outcomes",
		metric.WithDescription("Task attempts by final status"),
	); err != nil {
		return nil, err
	}
	if m.ActiveSessions, err = meter.Int64UpDownCounter("snapq.ingress.sessions",
		metric.WithDescription("Open ingress websocket sessions"),
	); err != nil {
		return nil, err
	}
	if m.UploadBytes, err = meter.Int64Counter("snapq.ingress.upload_bytes",
		metric.WithDescription("Decoded upload bytes received"),
		metric.WithUnit("By"),
	); err != nil {
		return nil, err
	}
	if m.ScaleDecisions, err = meter.Int64Counter("snapq.pool.scale_decisions",
		metric.WithDescription("Autoscaler decisions by action"),
	); err != nil {
		return nil, err
	}
	if m.RateLimitRejects, err = meter.Int64Counter("snapq.ratelimit.rejects",
		metric.WithDescription("Requests or dispatches rejected by a rate limiter"),
	); err != nil {
		return nil, err
	}
	return m, nil
}
