package notify

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/wolfman30/clinic-scheduler/internal/observability/metrics"
	"github.com/wolfman30/clinic-scheduler/pkg/logging"
)

const deleteTimeout = 5 * time.Second

type queueClient interface {
	Receive(ctx context.Context, maxMessages int, waitSeconds int) ([]queueMessage, error)
	Delete(ctx context.Context, receiptHandle string) error
}

// WorkerConfig tunes the queue drain loop.
type WorkerConfig struct {
	Workers          int
	ReceiveBatchSize int
	ReceiveWaitSecs  int
}

func (c WorkerConfig) withDefaults() WorkerConfig {
	if c.Workers <= 0 {
		c.Workers = 2
	}
	if c.ReceiveBatchSize <= 0 || c.ReceiveBatchSize > 10 {
		c.ReceiveBatchSize = 10
	}
	if c.ReceiveWaitSecs <= 0 || c.ReceiveWaitSecs > 20 {
		c.ReceiveWaitSecs = 20
	}
	return c
}

// Worker drains queued notifications into an EmailSender. Messages that fail
// to send stay on the queue and are retried after the visibility timeout.
type Worker struct {
	queue   queueClient
	sender  EmailSender
	cfg     WorkerConfig
	metrics *metrics.SchedulingMetrics
	logger  *logging.Logger
	wg      sync.WaitGroup
}

func NewWorker(queue queueClient, sender EmailSender, cfg WorkerConfig, m *metrics.SchedulingMetrics, logger *logging.Logger) *Worker {
	if queue == nil {
		panic("notify: queue required")
	}
	if sender == nil {
		panic("notify: email sender required")
	}
	if logger == nil {
		logger = logging.Default()
	}
	return &Worker{
		queue:   queue,
		sender:  sender,
		cfg:     cfg.withDefaults(),
		metrics: m,
		logger:  logger.Component("notification-worker"),
	}
}

// Start launches worker goroutines until ctx is cancelled.
func (w *Worker) Start(ctx context.Context) {
	for i := 0; i < w.cfg.Workers; i++ {
		w.wg.Add(1)
		go w.run(ctx, i+1)
	}
}

// Wait blocks until all worker goroutines exit.
func (w *Worker) Wait() {
	w.wg.Wait()
}

func (w *Worker) run(ctx context.Context, workerID int) {
	defer w.wg.Done()
	w.logger.Debug("notification worker started", "worker_id", workerID)

	backoff := time.Second
	for {
		select {
		case <-ctx.Done():
			w.logger.Debug("notification worker stopping", "worker_id", workerID)
			return
		default:
		}

		if err := w.Poll(ctx); err != nil {
			if errors.Is(err, context.Canceled) {
				return
			}
			w.logger.Error("failed to receive notifications", "error", err, "worker_id", workerID)
			select {
			case <-ctx.Done():
				return
			case <-time.After(backoff):
			}
			if backoff < 5*time.Second {
				backoff *= 2
			}
			continue
		}
		backoff = time.Second
	}
}

// Poll receives one batch and handles every message in it.
func (w *Worker) Poll(ctx context.Context) error {
	messages, err := w.queue.Receive(ctx, w.cfg.ReceiveBatchSize, w.cfg.ReceiveWaitSecs)
	if err != nil {
		return err
	}
	for _, msg := range messages {
		w.handleMessage(ctx, msg)
	}
	return nil
}

func (w *Worker) handleMessage(ctx context.Context, msg queueMessage) {
	var email EmailMessage
	if err := json.Unmarshal([]byte(msg.Body), &email); err != nil || email.To == "" {
		w.logger.Error("dropping malformed notification", "error", err, "msg_id", msg.ID)
		w.deleteMessage(context.Background(), msg.ReceiptHandle)
		return
	}

	err := w.sender.Send(ctx, email)
	w.metrics.ObserveNotification("queued", err)
	if err != nil {
		w.logger.Warn("notification delivery failed; leaving on queue", "error", err, "msg_id", msg.ID, "to", email.To)
		return
	}
	w.deleteMessage(context.Background(), msg.ReceiptHandle)
}

func (w *Worker) deleteMessage(ctx context.Context, receiptHandle string) {
	if receiptHandle == "" {
		return
	}
	deleteCtx, cancel := context.WithTimeout(ctx, deleteTimeout)
	defer cancel()
	if err := w.queue.Delete(deleteCtx, receiptHandle); err != nil {
		w.logger.Error("failed to delete notification", "error", err)
	}
}
