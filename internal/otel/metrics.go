package otel

import "go.opentelemetry.io/otel/metric"

// Metrics holds all taskpost metric instruments.
type Metrics struct {
	InstructionsPushed    metric.Int64Counter
	InstructionsDelivered metric.Int64Counter
	ResultsPushed         metric.Int64Counter
	ResultsDelivered      metric.Int64Counter
	SubmitRejects         metric.Int64Counter
	TasksExpired          metric.Int64Counter
	NodePings             metric.Int64Counter
	SweepDuration         metric.Float64Histogram
	ClaimDuration         metric.Float64Histogram
}

// NewMetrics creates all metric instruments from the given meter.
func NewMetrics(meter metric.Meter) (*Metrics, error) {
	m := &Metrics{}
	var err error

	m.InstructionsPushed, err = meter.Int64Counter("taskpost.ins.pushed",
		metric.WithDescription("Task instructions accepted into the store"),
	)
	if err != nil {
		return nil, err
	}

	m.InstructionsDelivered, err = meter.Int64Counter("taskpost.ins.delivered",
		metric.WithDescription("Task instructions claimed by consumers"),
	)
	if err != nil {
		return nil, err
	}

	m.ResultsPushed, err = meter.Int64Counter("taskpost.res.pushed",
		metric.WithDescription("Task results accepted into the store"),
	)
	if err != nil {
		return nil, err
	}

	m.ResultsDelivered, err = meter.Int64Counter("taskpost.res.delivered",
		metric.WithDescription("Task results claimed by producers"),
	)
	if err != nil {
		return nil, err
	}

	m.SubmitRejects, err = meter.Int64Counter("taskpost.submit.rejects",
		metric.WithDescription("Submissions rejected by validation"),
	)
	if err != nil {
		return nil, err
	}

	m.TasksExpired, err = meter.Int64Counter("taskpost.tasks.expired",
		metric.WithDescription("Task records purged by TTL expiry"),
	)
	if err != nil {
		return nil, err
	}

	m.NodePings, err = meter.Int64Counter("taskpost.node.pings",
		metric.WithDescription("Node liveness pings acknowledged"),
	)
	if err != nil {
		return nil, err
	}

	m.SweepDuration, err = meter.Float64Histogram("taskpost.sweep.duration",
		metric.WithDescription("Expiry sweep duration in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	m.ClaimDuration, err = meter.Float64Histogram("taskpost.claim.duration",
		metric.WithDescription("Instruction claim transaction duration in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	return m, nil
}
