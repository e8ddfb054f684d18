package services

import (
	"context"
	"time"

	"go.uber.org/zap"

	"payment-service/internal/metrics"
)

// Notification outcomes handed to the notification service.
const (
	NotifyPaid   = "PAID"
	NotifyFailed = "FAILED"
)

// Notification tells the external notification service that a payment moved.
// The receiver owns message text and delivery records.
type Notification struct {
	TransactionId int       `json:"transactionId"`
	PaymentId     int       `json:"paymentId"`
	Outcome       string    `json:"outcome"`
	PaymentStatus string    `json:"paymentStatus,omitempty"`
	Installment   *int      `json:"installment,omitempty"`
	Amount        int64     `json:"amount"`
	OccurredAt    time.Time `json:"occurredAt"`
}

// Notifier queues a notification. Implementations must not block on delivery.
type Notifier interface {
	Notify(ctx context.Context, n Notification) error
}

// Scheduler is the durable task substrate the reconciler depends on.
type Scheduler interface {
	ScheduleExpiryCheck(ctx context.Context, transactionId int, at time.Time) error
	CancelExpiryCheck(ctx context.Context, transactionId int) error
	EnqueueSweep(ctx context.Context) error
}

// notify hands n off and only logs a failure. Payment state is already
// committed by the time this runs.
func notify(ctx context.Context, notifier Notifier, logger *zap.Logger, n Notification) {
	if notifier == nil {
		return
	}
	if n.OccurredAt.IsZero() {
		n.OccurredAt = time.Now().UTC()
	}
	if err := notifier.Notify(ctx, n); err != nil {
		metrics.RecordNotification("enqueue_failed")
		logger.Error("Failed to enqueue payment notification",
			zap.Int("transaction_id", n.TransactionId),
			zap.Int("payment_id", n.PaymentId),
			zap.String("outcome", n.Outcome),
			zap.Error(err))
		return
	}
	metrics.RecordNotification("enqueued")
}
