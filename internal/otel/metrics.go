package otel

import "go.opentelemetry.io/otel/metric"

// Metrics holds the plaintask instruments.
type Metrics struct {
	Mutations         metric.Int64Counter
	FlushDuration     metric.Float64Histogram
	FileWrites        metric.Int64Counter
	ReconcileVerdicts metric.Int64Counter
	Conflicts         metric.Int64Counter
	Quarantined       metric.Int64Gauge
	JournalPending    metric.Int64Gauge
	WatchEvents       metric.Int64Counter
}

// NewMetrics creates all metric instruments from the given meter.
func NewMetrics(meter metric.Meter) (*Metrics, error) {
	m := &Metrics{}
	var err error

	m.Mutations, err = meter.Int64Counter("plaintask.cache.mutations",
		metric.WithDescription("Accepted cache mutations by operation and origin"),
	)
	if err != nil {
		return nil, err
	}

	m.FlushDuration, err = meter.Float64Histogram("plaintask.cache.flush.duration",
		metric.WithDescription("Time to persist one batch of dirty records"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	m.FileWrites, err = meter.Int64Counter("plaintask.store.writes",
		metric.WithDescription("Task file writes and deletes by outcome"),
	)
	if err != nil {
		return nil, err
	}

	m.ReconcileVerdicts, err = meter.Int64Counter("plaintask.reconcile.verdicts",
		metric.WithDescription("Reconciliation decisions for external file changes"),
	)
	if err != nil {
		return nil, err
	}

	m.Conflicts, err = meter.Int64Counter("plaintask.reconcile.conflicts",
		metric.WithDescription("Conflicts between local and on-disk edits"),
	)
	if err != nil {
		return nil, err
	}

	m.Quarantined, err = meter.Int64Gauge("plaintask.cache.quarantined",
		metric.WithDescription("Files currently held in quarantine"),
	)
	if err != nil {
		return nil, err
	}

	m.JournalPending, err = meter.Int64Gauge("plaintask.journal.pending",
		metric.WithDescription("Journal entries not yet acknowledged by a file write"),
	)
	if err != nil {
		return nil, err
	}

	m.WatchEvents, err = meter.Int64Counter("plaintask.watch.events",
		metric.WithDescription("Coalesced change notifications received"),
	)
	if err != nil {
		return nil, err
	}

	return m, nil
}

// NoopMetrics returns instruments that record nothing.
func NoopMetrics() *Metrics {
	m, err := NewMetrics(Noop().Meter)
	if err != nil {
		// The no-op meter never fails.
		panic(err)
	}
	return m
}
