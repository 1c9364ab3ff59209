package otel

import "go.opentelemetry.io/otel/metric"

// Metrics holds all Taskdeck metric instruments.
type Metrics struct {
	RequestDuration  metric.Float64Histogram
	BroadcastsTotal  metric.Int64Counter
	BroadcastDropped metric.Int64Counter
	SocketClients    metric.Int64UpDownCounter
	StreamClients    metric.Int64UpDownCounter
	PlanTransitions  metric.Int64Counter
	ApprovalLatency  metric.Float64Histogram
}

// NewMetrics creates all metric instruments from the given meter.
func NewMetrics(meter metric.Meter) (*Metrics, error) {
	m := &Metrics{}
	var err error

	m.RequestDuration, err = meter.Float64Histogram("taskdeck.request.duration",
		metric.WithDescription("HTTP request duration in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	m.BroadcastsTotal, err = meter.Int64Counter("taskdeck.broadcast.total",
		metric.WithDescription("Envelopes published, per transport and type"),
	)
	if err != nil {
		return nil, err
	}

	m.BroadcastDropped, err = meter.Int64Counter("taskdeck.broadcast.dropped",
		metric.WithDescription("Frames dropped to slow or dead connections"),
	)
	if err != nil {
		return nil, err
	}

	m.SocketClients, err = meter.Int64UpDownCounter("taskdeck.socket.clients",
		metric.WithDescription("Currently registered subscription-socket connections"),
	)
	if err != nil {
		return nil, err
	}

	m.StreamClients, err = meter.Int64UpDownCounter("taskdeck.stream.clients",
		metric.WithDescription("Currently open push-stream connections"),
	)
	if err != nil {
		return nil, err
	}

	m.PlanTransitions, err = meter.Int64Counter("taskdeck.plan.transitions",
		metric.WithDescription("Plan state machine transitions, per action"),
	)
	if err != nil {
		return nil, err
	}

	m.ApprovalLatency, err = meter.Float64Histogram("taskdeck.plan.approval_latency",
		metric.WithDescription("Seconds from plan creation to human resolution"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	return m, nil
}
