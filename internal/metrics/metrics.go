// Package metrics records job throughput with OpenTelemetry instruments and
// keeps process-local totals for the metrics endpoint.
package metrics

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Snapshot is a copy of the process-local totals
type Snapshot struct {
	QueuedTotal int64   `json:"queuedTotal"`
	DoneTotal   int64   `json:"doneTotal"`
	DoneTotalMs int64   `json:"doneTotalMs"`
	DoneAvgMs   float64 `json:"doneAvgMs"`
}

// JobMetrics owns the queued counter and the done-duration histogram
type JobMetrics struct {
	name         string
	logger       *slog.Logger
	queued       metric.Int64Counter
	doneDuration metric.Int64Histogram

	mu     sync.Mutex
	totals Snapshot
}

// New creates the instruments on provider. A nil provider uses the global
// one, which is a no-op unless an SDK has been installed.
func New(provider metric.MeterProvider, name string, logger *slog.Logger) *JobMetrics {
	if provider == nil {
		provider = otel.GetMeterProvider()
	}
	meter := provider.Meter(name, metric.WithInstrumentationVersion("1.0"))

	// on error the API returns no-op instruments
	queued, err := meter.Int64Counter(
		name+".new.count",
		metric.WithDescription("jobs added to database"),
		metric.WithUnit("{job}"),
	)
	if err != nil {
		logger.Warn("Failed to create queued counter", slog.Any("error", err))
	}
	doneDuration, err := meter.Int64Histogram(
		name+".done.duration",
		metric.WithDescription("duration of successfully processed job results"),
		metric.WithUnit("ms"),
	)
	if err != nil {
		logger.Warn("Failed to create done duration histogram", slog.Any("error", err))
	}

	return &JobMetrics{
		name:         name,
		logger:       logger,
		queued:       queued,
		doneDuration: doneDuration,
	}
}

// Name returns the meter name
func (m *JobMetrics) Name() string {
	return m.name
}

// AddQueued records n jobs released to the worker queues
func (m *JobMetrics) AddQueued(ctx context.Context, n int) {
	if n <= 0 {
		return
	}
	m.queued.Add(ctx, int64(n))

	m.mu.Lock()
	m.totals.QueuedTotal += int64(n)
	m.mu.Unlock()
}

// RecordDone records the time spent processing count results
func (m *JobMetrics) RecordDone(ctx context.Context, elapsed time.Duration, count int) {
	if count <= 0 {
		return
	}
	ms := elapsed.Milliseconds()
	m.doneDuration.Record(ctx, ms, metric.WithAttributes(attribute.Int("count", count)))

	m.mu.Lock()
	m.totals.DoneTotalMs += ms
	m.totals.DoneTotal += int64(count)
	avg := float64(m.totals.DoneTotalMs) / float64(m.totals.DoneTotal)
	m.totals.DoneAvgMs = avg
	m.mu.Unlock()

	m.logger.Debug("Recorded done duration",
		slog.Int64("duration_ms", ms),
		slog.Int("count", count),
		slog.Float64("avg_ms", avg),
	)
}

// Snapshot returns the current totals
func (m *JobMetrics) Snapshot() Snapshot {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.totals
}

// LogSummary logs the totals, typically at shutdown
func (m *JobMetrics) LogSummary() {
	s := m.Snapshot()
	m.logger.Info("Job metrics summary",
		slog.Int64("queued", s.QueuedTotal),
		slog.Int64("done", s.DoneTotal),
		slog.Duration("avg_duration", time.Duration(s.DoneAvgMs*float64(time.Millisecond))),
	)
}
