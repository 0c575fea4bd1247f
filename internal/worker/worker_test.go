package worker

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"

	"github.com/cuongbtq/jobpipeline/internal/jobmsg"
	"github.com/cuongbtq/jobpipeline/internal/worker/domain"
	"github.com/cuongbtq/jobpipeline/shared/rabbitmq"
)

const testJobID = "6f1c2d3e-4b5a-4c6d-8e7f-9a0b1c2d3e4f"

type ackCall struct {
	op      string // ack, nack
	requeue bool
}

type fakeAcknowledger struct {
	mu    sync.Mutex
	calls []ackCall
}

func (f *fakeAcknowledger) Ack(tag uint64, multiple bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, ackCall{op: "ack"})
	return nil
}

func (f *fakeAcknowledger) Nack(tag uint64, multiple, requeue bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, ackCall{op: "nack", requeue: requeue})
	return nil
}

func (f *fakeAcknowledger) Reject(tag uint64, requeue bool) error {
	return f.Nack(tag, false, requeue)
}

func (f *fakeAcknowledger) Calls() []ackCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]ackCall(nil), f.calls...)
}

type fakeBroker struct {
	mu         sync.Mutex
	published  []rabbitmq.Message
	publishErr error
	deliveries chan amqp.Delivery
	consumed   int
}

func (f *fakeBroker) Consume(ctx context.Context, consumerTag string) (<-chan amqp.Delivery, error) {
	f.mu.Lock()
	f.consumed++
	f.mu.Unlock()
	if f.deliveries == nil {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	return f.deliveries, nil
}

func (f *fakeBroker) Publish(ctx context.Context, msg rabbitmq.Message) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.publishErr != nil {
		return f.publishErr
	}
	f.published = append(f.published, msg)
	return nil
}

func (f *fakeBroker) Published() []rabbitmq.Message {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]rabbitmq.Message(nil), f.published...)
}

type fakeReporter struct {
	mu      sync.Mutex
	updates []domain.StatusUpdate
	err     error
}

func (f *fakeReporter) UpdateStatus(ctx context.Context, update domain.StatusUpdate) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.updates = append(f.updates, update)
	return f.err
}

func (f *fakeReporter) Statuses() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	statuses := make([]string, 0, len(f.updates))
	for _, u := range f.updates {
		statuses = append(statuses, u.Status)
	}
	return statuses
}

func (f *fakeReporter) Last() domain.StatusUpdate {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.updates[len(f.updates)-1]
}

type harness struct {
	worker   *Worker
	broker   *fakeBroker
	reporter *fakeReporter
	reader   *sdkmetric.ManualReader
}

func newHarness(t *testing.T, maxRetries int) *harness {
	t.Helper()

	reader := sdkmetric.NewManualReader()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))

	h := &harness{
		broker:   &fakeBroker{},
		reporter: &fakeReporter{},
		reader:   reader,
	}
	h.worker = NewWorker(&Config{
		Logger:      slog.New(slog.NewTextHandler(io.Discard, nil)),
		Broker:      h.broker,
		Reporter:    h.reporter,
		WorkerID:    "worker-test",
		Concurrency: 1,
		MaxRetries:  maxRetries,
		RetryDelay:  5 * time.Millisecond,
		JobTimeout:  time.Second,
		ResumeDelay: 5 * time.Millisecond,
		Meter:       mp.Meter("test"),
	})
	t.Cleanup(h.worker.Stop)

	return h
}

func newDelivery(t *testing.T, ack amqp.Acknowledger, jobType, payload string, retryCount interface{}) amqp.Delivery {
	t.Helper()

	body, err := json.Marshal(jobmsg.Message{
		JobID:     testJobID,
		UserID:    "user-1",
		Type:      jobType,
		Payload:   payload,
		Timestamp: time.Now(),
	})
	require.NoError(t, err)

	headers := amqp.Table{"x-trace": "abc"}
	if retryCount != nil {
		headers[jobmsg.RetryCountHeader] = retryCount
	}

	return amqp.Delivery{
		Acknowledger: ack,
		DeliveryTag:  7,
		ContentType:  jobmsg.ContentType,
		Headers:      headers,
		Body:         body,
	}
}

func TestHandleDelivery_Success(t *testing.T) {
	h := newHarness(t, 3)
	ack := &fakeAcknowledger{}

	outcome := h.worker.handleDelivery(context.Background(), newDelivery(t, ack, jobmsg.TypeReverseString, "abcdef", nil))

	assert.Equal(t, domain.OutcomeAck, outcome)
	assert.Equal(t, []ackCall{{op: "ack"}}, ack.Calls(), "acknowledged exactly once")
	assert.Equal(t, []string{jobmsg.StatusInProgress, jobmsg.StatusCompleted}, h.reporter.Statuses())

	last := h.reporter.Last()
	assert.Equal(t, testJobID, last.JobID)
	assert.Equal(t, "user-1", last.UserID)
	require.NotNil(t, last.Result)
	assert.Equal(t, "fedcba", *last.Result)
	assert.Nil(t, last.Error)
	assert.Empty(t, h.broker.Published())
}

func TestHandleDelivery_FailureIsRepublishedWithIncrementedCount(t *testing.T) {
	h := newHarness(t, 3)
	ack := &fakeAcknowledger{}
	d := newDelivery(t, ack, jobmsg.TypeFibonacci, "abc", int32(1))

	outcome := h.worker.handleDelivery(context.Background(), d)
	assert.Equal(t, domain.OutcomeRequeue, outcome)

	assert.Equal(t, []string{jobmsg.StatusInProgress, jobmsg.StatusFailed}, h.reporter.Statuses())
	last := h.reporter.Last()
	require.NotNil(t, last.Error)
	assert.Equal(t, "payload must be a number", *last.Error)
	assert.Nil(t, last.Result)

	require.Eventually(t, func() bool {
		return len(ack.Calls()) == 1
	}, time.Second, time.Millisecond)

	assert.Equal(t, []ackCall{{op: "ack"}}, ack.Calls(), "original acked after republish")

	published := h.broker.Published()
	require.Len(t, published, 1)
	assert.Equal(t, d.Body, published[0].Body, "payload preserved")
	assert.Equal(t, jobmsg.ContentType, published[0].ContentType)
	assert.Equal(t, 2, jobmsg.RetryCount(published[0].Headers))
	assert.Equal(t, "abc", published[0].Headers["x-trace"], "other headers kept")
	assert.Equal(t, int32(1), d.Headers[jobmsg.RetryCountHeader], "original headers untouched")
}

func TestHandleDelivery_WaitsForRetryDelay(t *testing.T) {
	h := newHarness(t, 3)
	h.worker.retryDelay = 200 * time.Millisecond
	ack := &fakeAcknowledger{}

	outcome := h.worker.handleDelivery(context.Background(), newDelivery(t, ack, jobmsg.TypeFibonacci, "0", nil))

	assert.Equal(t, domain.OutcomeRequeue, outcome, "returns without waiting for the delay")
	assert.Empty(t, ack.Calls())
	assert.Empty(t, h.broker.Published())
	assert.Equal(t, 1, h.worker.retries.Pending())
}

func TestHandleDelivery_DeadLettersAtMaxRetries(t *testing.T) {
	h := newHarness(t, 3)
	ack := &fakeAcknowledger{}

	outcome := h.worker.handleDelivery(context.Background(), newDelivery(t, ack, jobmsg.TypeFibonacci, "abc", int32(3)))

	assert.Equal(t, domain.OutcomeDeadLetter, outcome)
	assert.Equal(t, []ackCall{{op: "nack", requeue: false}}, ack.Calls())
	assert.Equal(t, []string{jobmsg.StatusInProgress, jobmsg.StatusFailed}, h.reporter.Statuses())
	assert.Zero(t, h.worker.retries.Pending())
	assert.Empty(t, h.broker.Published())
}

func TestHandleDelivery_ZeroRetriesDeadLettersImmediately(t *testing.T) {
	h := newHarness(t, 0)
	ack := &fakeAcknowledger{}

	outcome := h.worker.handleDelivery(context.Background(), newDelivery(t, ack, "not_a_type", "x", nil))

	assert.Equal(t, domain.OutcomeDeadLetter, outcome)
	assert.Equal(t, []ackCall{{op: "nack", requeue: false}}, ack.Calls())
	require.NotNil(t, h.reporter.Last().Error)
	assert.Contains(t, *h.reporter.Last().Error, "Invalid job type")
}

// Follows one permanently failing job through every republished copy.
func TestHandleDelivery_RetryCountIsMonotonic(t *testing.T) {
	const maxRetries = 3
	h := newHarness(t, maxRetries)

	var (
		seen     []int
		attempts int
	)
	d := newDelivery(t, &fakeAcknowledger{}, jobmsg.TypeFibonacci, "abc", nil)
	for {
		attempts++
		seen = append(seen, jobmsg.RetryCount(d.Headers))

		outcome := h.worker.handleDelivery(context.Background(), d)
		if outcome == domain.OutcomeDeadLetter {
			break
		}
		require.Equal(t, domain.OutcomeRequeue, outcome)

		require.Eventually(t, func() bool {
			return len(h.broker.Published()) == attempts
		}, time.Second, time.Millisecond)

		next := h.broker.Published()[attempts-1]
		d = amqp.Delivery{
			Acknowledger: &fakeAcknowledger{},
			ContentType:  next.ContentType,
			Headers:      next.Headers,
			Body:         next.Body,
		}
		require.LessOrEqual(t, attempts, maxRetries+1)
	}

	assert.Equal(t, []int{0, 1, 2, 3}, seen)
	assert.Equal(t, maxRetries+1, attempts, "at most maxRetries+1 executions")
}

func TestHandleDelivery_ReportFailuresDoNotChangeOutcome(t *testing.T) {
	t.Run("success still acked", func(t *testing.T) {
		h := newHarness(t, 3)
		h.reporter.err = &domain.ReportError{JobID: testJobID, Status: "COMPLETED", StatusCode: 503, Err: errors.New("down")}
		ack := &fakeAcknowledger{}

		outcome := h.worker.handleDelivery(context.Background(), newDelivery(t, ack, jobmsg.TypeUppercaseText, "hi", nil))

		assert.Equal(t, domain.OutcomeAck, outcome)
		assert.Equal(t, []ackCall{{op: "ack"}}, ack.Calls())
		assert.Len(t, h.reporter.Statuses(), 2, "still attempts both reports")
	})

	t.Run("failure still dead-lettered", func(t *testing.T) {
		h := newHarness(t, 1)
		h.reporter.err = errors.New("connection refused")
		ack := &fakeAcknowledger{}

		outcome := h.worker.handleDelivery(context.Background(), newDelivery(t, ack, jobmsg.TypeFibonacci, "-1", int32(1)))

		assert.Equal(t, domain.OutcomeDeadLetter, outcome)
		assert.Equal(t, []ackCall{{op: "nack", requeue: false}}, ack.Calls())
	})
}

func TestHandleDelivery_MalformedMessage(t *testing.T) {
	tests := []struct {
		name       string
		body       string
		retryCount interface{}
		want       domain.Outcome
	}{
		{name: "invalid json retried", body: `{"jobId":`, want: domain.OutcomeRequeue},
		{name: "missing job id retried", body: `{"type":"reverse_string"}`, want: domain.OutcomeRequeue},
		{name: "job id not a uuid", body: `{"jobId":"42","type":"reverse_string"}`, want: domain.OutcomeRequeue},
		{name: "invalid json at budget", body: `not json`, retryCount: int32(3), want: domain.OutcomeDeadLetter},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t, 3)
			ack := &fakeAcknowledger{}
			headers := amqp.Table{}
			if tt.retryCount != nil {
				headers[jobmsg.RetryCountHeader] = tt.retryCount
			}

			outcome := h.worker.handleDelivery(context.Background(), amqp.Delivery{
				Acknowledger: ack,
				Headers:      headers,
				Body:         []byte(tt.body),
			})

			assert.Equal(t, tt.want, outcome)
			assert.Empty(t, h.reporter.Statuses(), "nothing to report against")

			if tt.want == domain.OutcomeRequeue {
				require.Eventually(t, func() bool {
					return len(h.broker.Published()) == 1
				}, time.Second, time.Millisecond)
				assert.Equal(t, []byte(tt.body), h.broker.Published()[0].Body)
				assert.Equal(t, jobmsg.ContentType, h.broker.Published()[0].ContentType)
			}
		})
	}
}

func TestRepublish_FailureReturnsOriginal(t *testing.T) {
	h := newHarness(t, 3)
	h.broker.publishErr = rabbitmq.ErrNotConnected
	ack := &fakeAcknowledger{}

	outcome := h.worker.handleDelivery(context.Background(), newDelivery(t, ack, jobmsg.TypeFibonacci, "x", nil))
	assert.Equal(t, domain.OutcomeRequeue, outcome)

	require.Eventually(t, func() bool {
		return len(ack.Calls()) == 1
	}, time.Second, time.Millisecond)
	assert.Equal(t, []ackCall{{op: "nack", requeue: true}}, ack.Calls())
}

// closedChannelAcknowledger behaves like an *amqp.Channel that went away
// during the retry delay
type closedChannelAcknowledger struct {
	fakeAcknowledger
	mu      sync.Mutex
	checked bool
}

func (f *closedChannelAcknowledger) IsClosed() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.checked = true
	return true
}

func (f *closedChannelAcknowledger) Checked() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.checked
}

func (f *closedChannelAcknowledger) Ack(tag uint64, multiple bool) error {
	f.fakeAcknowledger.Ack(tag, multiple)
	return amqp.ErrClosed
}

func TestRepublish_SkippedWhenChannelClosed(t *testing.T) {
	h := newHarness(t, 3)
	ack := &closedChannelAcknowledger{}

	outcome := h.worker.handleDelivery(context.Background(), newDelivery(t, ack, jobmsg.TypeFibonacci, "x", nil))
	assert.Equal(t, domain.OutcomeRequeue, outcome)

	require.Eventually(t, ack.Checked, time.Second, time.Millisecond)
	h.worker.Stop()

	assert.Empty(t, h.broker.Published(), "no second copy while the broker redelivers the original")
	assert.Empty(t, ack.Calls())
}

func TestStop_CancelsPendingRetries(t *testing.T) {
	h := newHarness(t, 3)
	h.worker.retryDelay = time.Hour
	ack := &fakeAcknowledger{}

	outcome := h.worker.handleDelivery(context.Background(), newDelivery(t, ack, jobmsg.TypeFibonacci, "abc", nil))
	require.Equal(t, domain.OutcomeRequeue, outcome)
	require.Equal(t, 1, h.worker.retries.Pending())

	h.worker.Stop()

	assert.Zero(t, h.worker.retries.Pending())
	assert.Empty(t, ack.Calls(), "original left unacked for redelivery")
	assert.Empty(t, h.broker.Published())

	outcome = h.worker.handleDelivery(context.Background(), newDelivery(t, ack, jobmsg.TypeFibonacci, "abc", nil))
	assert.Equal(t, domain.OutcomeRequeue, outcome)
	assert.Zero(t, h.worker.retries.Pending(), "nothing scheduled after stop")
}

func TestWorker_StartConsumesAndResumes(t *testing.T) {
	h := newHarness(t, 3)
	h.broker.deliveries = make(chan amqp.Delivery)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- h.worker.Start(ctx) }()

	acks := []*fakeAcknowledger{{}, {}}
	for _, ack := range acks {
		h.broker.deliveries <- newDelivery(t, ack, jobmsg.TypeUppercaseText, "go", nil)
	}

	require.Eventually(t, func() bool {
		return len(acks[0].Calls()) == 1 && len(acks[1].Calls()) == 1
	}, time.Second, time.Millisecond)

	// a closed delivery channel means the session died; Start consumes again
	close(h.broker.deliveries)
	require.Eventually(t, func() bool {
		h.broker.mu.Lock()
		defer h.broker.mu.Unlock()
		return h.broker.consumed >= 2
	}, time.Second, time.Millisecond)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("Start did not return after cancel")
	}
}

func TestWorker_StartStopsWhenBrokerClosed(t *testing.T) {
	h := newHarness(t, 3)
	h.worker.broker = closedBroker{}

	done := make(chan error, 1)
	go func() { done <- h.worker.Start(context.Background()) }()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("Start did not return for a closed broker")
	}
}

type closedBroker struct{}

func (closedBroker) Consume(context.Context, string) (<-chan amqp.Delivery, error) {
	return nil, rabbitmq.ErrClosed
}

func (closedBroker) Publish(context.Context, rabbitmq.Message) error {
	return rabbitmq.ErrClosed
}

func TestHandleDelivery_RecordsMetrics(t *testing.T) {
	h := newHarness(t, 1)

	h.worker.handleDelivery(context.Background(), newDelivery(t, &fakeAcknowledger{}, jobmsg.TypeReverseString, "ab", nil))
	h.worker.handleDelivery(context.Background(), newDelivery(t, &fakeAcknowledger{}, jobmsg.TypeFibonacci, "x", nil))
	h.worker.handleDelivery(context.Background(), newDelivery(t, &fakeAcknowledger{}, jobmsg.TypeFibonacci, "x", int32(1)))

	var rm metricdata.ResourceMetrics
	require.NoError(t, h.reader.Collect(context.Background(), &rm))

	counts := map[string]int64{}
	var histogramCount uint64
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			switch m.Name {
			case "jobs.worker.outcomes":
				sum, ok := m.Data.(metricdata.Sum[int64])
				require.True(t, ok)
				for _, dp := range sum.DataPoints {
					outcome, _ := dp.Attributes.Value("outcome")
					counts[outcome.AsString()] += dp.Value
				}
			case "jobs.worker.duration":
				hist, ok := m.Data.(metricdata.Histogram[float64])
				require.True(t, ok)
				for _, dp := range hist.DataPoints {
					histogramCount += dp.Count
				}
			}
		}
	}

	assert.Equal(t, map[string]int64{"ack": 1, "requeue": 1, "dead_letter": 1}, counts)
	assert.Equal(t, uint64(3), histogramCount)
}
