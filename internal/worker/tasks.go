package worker

import (
	"encoding/json"
	"fmt"

	"payment-service/internal/consumers"

	"github.com/hibiken/asynq"
)

// Task Types
const (
	TypeLinkExpiry   = "reconcile:link-expiry"
	TypeSweep        = "reconcile:sweep"
	TypeNotification = "notify:payment"
)

// Queues
const (
	QueueCritical = "critical"
	QueueDefault  = "default"
	QueueLow      = "low"
)

// NotificationMaxRetry bounds redelivery attempts to the notification service.
const NotificationMaxRetry = 5

func LinkExpiryTaskID(transactionId int) string {
	return fmt.Sprintf("link-expiry:%d", transactionId)
}

// Task Creators

func NewLinkExpiryTask(payload consumers.LinkExpiryDTO) (*asynq.Task, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TypeLinkExpiry, data, asynq.Queue(QueueCritical)), nil
}

func NewSweepTask(payload consumers.SweepDTO) (*asynq.Task, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	// gateway errors are already counted per item, a failed sweep waits for the next tick
	return asynq.NewTask(TypeSweep, data, asynq.Queue(QueueDefault), asynq.MaxRetry(0)), nil
}

func NewNotificationTask(payload consumers.NotificationDTO) (*asynq.Task, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TypeNotification, data, asynq.Queue(QueueLow), asynq.MaxRetry(NotificationMaxRetry)), nil
}
