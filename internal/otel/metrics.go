package otel

import "go.opentelemetry.io/otel/metric"

// Metrics holds all warden metrics instruments.
type Metrics struct {
	ClaimsGranted    metric.Int64Counter
	ClaimsDenied     metric.Int64Counter
	ClaimsExpired    metric.Int64Counter
	ClaimsOrphaned   metric.Int64Counter
	SweepDuration    metric.Float64Histogram
	HierarchySize    metric.Int64UpDownCounter
	VersionConflicts metric.Int64Counter
	Delegations      metric.Int64Counter
	AgentsTerminated metric.Int64Counter
}

// NewMetrics creates all metric instruments from the given meter.
func NewMetrics(meter metric.Meter) (*Metrics, error) {
	m := &Metrics{}
	var err error

	m.ClaimsGranted, err = meter.Int64Counter("warden.claims.granted",
		metric.WithDescription("Task claims granted, including idempotent re-claims"),
	)
	if err != nil {
		return nil, err
	}

	m.ClaimsDenied, err = meter.Int64Counter("warden.claims.denied",
		metric.WithDescription("Task claims denied because another session holds the lease"),
	)
	if err != nil {
		return nil, err
	}

	m.ClaimsExpired, err = meter.Int64Counter("warden.claims.expired",
		metric.WithDescription("Claims reclaimed by the expiry sweep"),
	)
	if err != nil {
		return nil, err
	}

	m.ClaimsOrphaned, err = meter.Int64Counter("warden.claims.orphaned",
		metric.WithDescription("Claims reclaimed by the orphan sweep"),
	)
	if err != nil {
		return nil, err
	}

	m.SweepDuration, err = meter.Float64Histogram("warden.sweep.duration",
		metric.WithDescription("Cleanup sweep pass duration in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	m.HierarchySize, err = meter.Int64UpDownCounter("warden.hierarchy.nodes",
		metric.WithDescription("Registered agent nodes currently in the hierarchy"),
	)
	if err != nil {
		return nil, err
	}

	m.VersionConflicts, err = meter.Int64Counter("warden.state.version_conflicts",
		metric.WithDescription("State transitions rejected by the optimistic lock"),
	)
	if err != nil {
		return nil, err
	}

	m.Delegations, err = meter.Int64Counter("warden.delegations.registered",
		metric.WithDescription("Delegations recorded in the ledger"),
	)
	if err != nil {
		return nil, err
	}

	m.AgentsTerminated, err = meter.Int64Counter("warden.agents.terminated",
		metric.WithDescription("Agents terminated by timeout or abort cascades"),
	)
	if err != nil {
		return nil, err
	}

	return m, nil
}
