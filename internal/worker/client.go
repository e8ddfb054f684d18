package worker

import (
	"context"
	"errors"
	"time"

	"payment-service/internal/consumers"
	"payment-service/internal/services"

	"github.com/hibiken/asynq"
	"go.uber.org/zap"
)

// Enqueuer is the part of *asynq.Client used here.
type Enqueuer interface {
	EnqueueContext(ctx context.Context, task *asynq.Task, opts ...asynq.Option) (*asynq.TaskInfo, error)
}

// TaskDeleter is the part of *asynq.Inspector used here.
type TaskDeleter interface {
	DeleteTask(queue, id string) error
}

// TaskClient schedules reconciliation and notification work on asynq. It
// implements services.Scheduler and services.Notifier.
type TaskClient struct {
	client        Enqueuer
	inspector     TaskDeleter
	sweepInterval time.Duration
	logger        *zap.Logger
}

var (
	_ services.Scheduler = (*TaskClient)(nil)
	_ services.Notifier  = (*TaskClient)(nil)
)

// NewTaskClient builds a TaskClient. inspector may be nil, in which case
// pending expiry checks are left to no-op when they fire.
func NewTaskClient(client Enqueuer, inspector TaskDeleter, sweepInterval time.Duration, logger *zap.Logger) *TaskClient {
	return &TaskClient{client: client, inspector: inspector, sweepInterval: sweepInterval, logger: logger}
}

// ScheduleExpiryCheck enqueues the link expiry check with a stable task id,
// so a second call for the same transaction is absorbed by asynq.
func (c *TaskClient) ScheduleExpiryCheck(ctx context.Context, transactionId int, at time.Time) error {
	task, err := NewLinkExpiryTask(consumers.LinkExpiryDTO{TransactionId: transactionId})
	if err != nil {
		return err
	}
	info, err := c.client.EnqueueContext(ctx, task,
		asynq.TaskID(LinkExpiryTaskID(transactionId)),
		asynq.ProcessAt(at))
	if errors.Is(err, asynq.ErrTaskIDConflict) {
		return nil
	}
	if err != nil {
		return err
	}
	c.logger.Debug("Link expiry check scheduled",
		zap.Int("transaction_id", transactionId),
		zap.String("task_id", info.ID),
		zap.Time("process_at", at))
	return nil
}

func (c *TaskClient) CancelExpiryCheck(ctx context.Context, transactionId int) error {
	if c.inspector == nil {
		return nil
	}
	err := c.inspector.DeleteTask(QueueCritical, LinkExpiryTaskID(transactionId))
	if errors.Is(err, asynq.ErrTaskNotFound) || errors.Is(err, asynq.ErrQueueNotFound) {
		return nil
	}
	return err
}

// EnqueueSweep queues one sweep. The uniqueness window keeps overlapping
// triggers from several API replicas down to a single run.
func (c *TaskClient) EnqueueSweep(ctx context.Context) error {
	return c.enqueueSweep(ctx, consumers.SweepDTO{})
}

// RequestSweep queues a sweep on behalf of an operator, bypassing the
// uniqueness window used by the scheduler.
func (c *TaskClient) RequestSweep(ctx context.Context, requestedBy string) (*asynq.TaskInfo, error) {
	task, err := NewSweepTask(consumers.SweepDTO{RequestedBy: requestedBy})
	if err != nil {
		return nil, err
	}
	return c.client.EnqueueContext(ctx, task)
}

func (c *TaskClient) enqueueSweep(ctx context.Context, payload consumers.SweepDTO) error {
	task, err := NewSweepTask(payload)
	if err != nil {
		return err
	}
	var opts []asynq.Option
	if c.sweepInterval > 0 {
		opts = append(opts, asynq.Unique(c.sweepInterval))
	}
	_, err = c.client.EnqueueContext(ctx, task, opts...)
	if errors.Is(err, asynq.ErrDuplicateTask) {
		c.logger.Debug("Reconciliation sweep already queued")
		return nil
	}
	return err
}

func (c *TaskClient) Notify(ctx context.Context, n services.Notification) error {
	task, err := NewNotificationTask(n)
	if err != nil {
		return err
	}
	_, err = c.client.EnqueueContext(ctx, task)
	return err
}
