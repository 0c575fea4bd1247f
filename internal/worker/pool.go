package worker

import (
	"context"
	"fmt"
	"log/slog"
)

// spawnWorkerPool starts one goroutine per prefetch slot
func (w *Worker) spawnWorkerPool(ctx context.Context) {
	for i := 0; i < w.concurrency; i++ {
		w.wg.Add(1)
		go w.workerLoop(ctx, i)
	}

	w.logger.Info("Worker pool spawned",
		slog.Int("worker_count", w.concurrency),
	)
}

func (w *Worker) workerLoop(ctx context.Context, workerNum int) {
	defer w.wg.Done()

	workerName := fmt.Sprintf("%s-%d", w.workerID, workerNum)
	logger := w.logger.With(slog.String("worker_name", workerName))

	for {
		select {
		case <-w.stopChan:
			return

		case <-ctx.Done():
			return

		case delivery := <-w.jobsChan:
			outcome := w.handleDelivery(ctx, delivery)
			logger.Debug("Delivery handled",
				slog.Uint64("delivery_tag", delivery.DeliveryTag),
				slog.String("outcome", string(outcome)),
			)
		}
	}
}
