package worker

import (
	"context"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/cuongbtq/jobpipeline/internal/worker/domain"
)

const meterName = "github.com/cuongbtq/jobpipeline/worker"

// metrics records one outcome and one duration per delivery.
//
// Instruments:
//   - jobs.worker.outcomes (Int64Counter): attributes outcome, job_type
//   - jobs.worker.duration (Float64Histogram): seconds from receipt to outcome,
//     same attributes
type metrics struct {
	outcomes metric.Int64Counter
	duration metric.Float64Histogram
}

func newMetrics(meter metric.Meter) *metrics {
	if meter == nil {
		meter = otel.Meter(meterName)
	}

	// on error the API hands back noop instruments
	outcomes, _ := meter.Int64Counter(
		"jobs.worker.outcomes",
		metric.WithDescription("Deliveries by terminal outcome"),
		metric.WithUnit("{delivery}"),
	)
	duration, _ := meter.Float64Histogram(
		"jobs.worker.duration",
		metric.WithDescription("Time from delivery to outcome in seconds"),
		metric.WithUnit("s"),
	)

	return &metrics{outcomes: outcomes, duration: duration}
}

func (m *metrics) record(ctx context.Context, outcome domain.Outcome, jobType string, started time.Time) {
	attrs := metric.WithAttributes(
		attribute.String("outcome", string(outcome)),
		attribute.String("job_type", jobType),
	)
	m.outcomes.Add(ctx, 1, attrs)
	m.duration.Record(ctx, time.Since(started).Seconds(), attrs)
}
