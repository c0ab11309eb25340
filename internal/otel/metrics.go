package otel

import "go.opentelemetry.io/otel/metric"

// Metrics holds all Chorus metrics instruments.
type Metrics struct {
	RunDuration              metric.Float64Histogram
	RunQueueDepth            metric.Int64UpDownCounter
	ProgressRingSize         metric.Int64Histogram
	SchedulerTickDuration    metric.Float64Histogram
	SchedulerOccurrencesSent metric.Int64Counter
	ReporterEditsTotal       metric.Int64Counter
	ReporterEditsSkipped     metric.Int64Counter
}

// NewMetrics creates all metric instruments from the given meter.
func NewMetrics(meter metric.Meter) (*Metrics, error) {
	m := &Metrics{}
	var err error

	if m.RunDuration, err = meter.Float64Histogram("chorus.run.duration",
		metric.WithDescription("Run execution duration in seconds"), metric.WithUnit("s")); err != nil {
		return nil, err
	}
	if m.RunQueueDepth, err = meter.Int64UpDownCounter("chorus.run.queue_depth",
		metric.WithDescription("Number of runs currently queued or in flight")); err != nil {
		return nil, err
	}
	if m.ProgressRingSize, err = meter.Int64Histogram("chorus.progress.ring_size",
		metric.WithDescription("Observed progress ring buffer occupancy per run")); err != nil {
		return nil, err
	}
	if m.SchedulerTickDuration, err = meter.Float64Histogram("chorus.scheduler.tick.duration",
		metric.WithDescription("Scheduled-task tick duration in seconds"), metric.WithUnit("s")); err != nil {
		return nil, err
	}
	if m.SchedulerOccurrencesSent, err = meter.Int64Counter("chorus.scheduler.occurrences.dispatched",
		metric.WithDescription("Total scheduled-task occurrences dispatched to the run engine")); err != nil {
		return nil, err
	}
	if m.ReporterEditsTotal, err = meter.Int64Counter("chorus.reporter.edits",
		metric.WithDescription("Total progress message edits sent to the messenger")); err != nil {
		return nil, err
	}
	if m.ReporterEditsSkipped, err = meter.Int64Counter("chorus.reporter.edits_skipped",
		metric.WithDescription("Progress message edits skipped by rate limiting")); err != nil {
		return nil, err
	}
	return m, nil
}
