package otel

import "go.opentelemetry.io/otel/metric"

// Metrics holds all worker metric instruments.
type Metrics struct {
	NotifySent     metric.Int64Counter
	NotifyRetried  metric.Int64Counter
	NotifyFailed   metric.Int64Counter
	EventsIngested metric.Int64Counter
	ClaimConflicts metric.Int64Counter
	CycleDuration  metric.Float64Histogram
}

// NewMetrics creates all metric instruments from the given meter.
func NewMetrics(meter metric.Meter) (*Metrics, error) {
	m := &Metrics{}
	var err error

	m.NotifySent, err = meter.Int64Counter("taskherald.notify.sent",
		metric.WithDescription("Notifications delivered"),
	)
	if err != nil {
		return nil, err
	}

	m.NotifyRetried, err = meter.Int64Counter("taskherald.notify.retried",
		metric.WithDescription("Delivery attempts that failed retryably"),
	)
	if err != nil {
		return nil, err
	}

	m.NotifyFailed, err = meter.Int64Counter("taskherald.notify.failed",
		metric.WithDescription("Deliveries that failed terminally"),
	)
	if err != nil {
		return nil, err
	}

	m.EventsIngested, err = meter.Int64Counter("taskherald.events.ingested",
		metric.WithDescription("Inbound event rows recorded"),
	)
	if err != nil {
		return nil, err
	}

	m.ClaimConflicts, err = meter.Int64Counter("taskherald.claim.conflicts",
		metric.WithDescription("Work claims lost to a concurrent worker"),
	)
	if err != nil {
		return nil, err
	}

	m.CycleDuration, err = meter.Float64Histogram("taskherald.dispatch.cycle.duration",
		metric.WithDescription("Dispatch cycle duration in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	return m, nil
}
