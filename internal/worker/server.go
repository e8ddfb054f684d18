package worker

import (
	"context"
	"encoding/json"
	"fmt"

	"payment-service/internal/consumers"

	"github.com/hibiken/asynq"
	"go.uber.org/zap"
)

type Worker struct {
	Processor *consumers.PaymentProcessor
	logger    *zap.Logger
}

func NewWorker(processor *consumers.PaymentProcessor, logger *zap.Logger) *Worker {
	return &Worker{
		Processor: processor,
		logger:    logger,
	}
}

func (w *Worker) HandleLinkExpiry(ctx context.Context, t *asynq.Task) error {
	var p consumers.LinkExpiryDTO
	if err := json.Unmarshal(t.Payload(), &p); err != nil {
		return fmt.Errorf("json.Unmarshal failed: %v: %w", err, asynq.SkipRetry)
	}
	return w.Processor.ProcessLinkExpiry(ctx, p)
}

func (w *Worker) HandleSweep(ctx context.Context, t *asynq.Task) error {
	var p consumers.SweepDTO
	if err := json.Unmarshal(t.Payload(), &p); err != nil {
		return fmt.Errorf("json.Unmarshal failed: %v: %w", err, asynq.SkipRetry)
	}
	report, err := w.Processor.ProcessSweep(ctx, p)
	if err != nil {
		return err
	}
	if rw := t.ResultWriter(); rw != nil {
		if data, err := json.Marshal(report); err == nil {
			if _, err := rw.Write(data); err != nil {
				w.logger.Warn("Failed to write sweep report", zap.Error(err))
			}
		}
	}
	return nil
}

func (w *Worker) HandleNotification(ctx context.Context, t *asynq.Task) error {
	var p consumers.NotificationDTO
	if err := json.Unmarshal(t.Payload(), &p); err != nil {
		return fmt.Errorf("json.Unmarshal failed: %v: %w", err, asynq.SkipRetry)
	}
	return w.Processor.ProcessNotification(ctx, p)
}

// NewServeMux routes every task type to its handler.
func NewServeMux(worker *Worker) *asynq.ServeMux {
	mux := asynq.NewServeMux()
	mux.HandleFunc(TypeLinkExpiry, worker.HandleLinkExpiry)
	mux.HandleFunc(TypeSweep, worker.HandleSweep)
	mux.HandleFunc(TypeNotification, worker.HandleNotification)
	return mux
}

func NewServer(redisOpt asynq.RedisClientOpt, concurrency int, logger *zap.Logger) *asynq.Server {
	if concurrency <= 0 {
		concurrency = 10
	}
	return asynq.NewServer(
		redisOpt,
		asynq.Config{
			Concurrency: concurrency,
			Queues: map[string]int{
				QueueCritical: 6,
				QueueDefault:  3,
				QueueLow:      1,
			},
			ErrorHandler: asynq.ErrorHandlerFunc(func(ctx context.Context, task *asynq.Task, err error) {
				retried, _ := asynq.GetRetryCount(ctx)
				maxRetry, _ := asynq.GetMaxRetry(ctx)
				logger.Error("Task failed",
					zap.String("type", task.Type()),
					zap.Int("retried", retried),
					zap.Int("max_retry", maxRetry),
					zap.Error(err))
			}),
		},
	)
}

// StartWorker blocks until the server receives a shutdown signal.
func StartWorker(redisOpt asynq.RedisClientOpt, concurrency int, processor *consumers.PaymentProcessor, logger *zap.Logger) error {
	srv := NewServer(redisOpt, concurrency, logger)
	mux := NewServeMux(NewWorker(processor, logger))

	if err := srv.Run(mux); err != nil {
		return fmt.Errorf("could not run server: %w", err)
	}
	return nil
}
