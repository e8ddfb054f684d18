package consumers

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"payment-service/internal/services"
)

// --- DTOs ---

type LinkExpiryDTO struct {
	TransactionId int `json:"transactionId"`
}

type SweepDTO struct {
	RequestedBy string `json:"requestedBy,omitempty"`
}

type NotificationDTO = services.Notification

// PaymentProcessor runs the background work queued by the API: link expiry
// checks, reconciliation sweeps and notification delivery.
type PaymentProcessor struct {
	Reconciler *services.Reconciler
	Publisher  Publisher
	logger     *zap.Logger
}

func NewPaymentProcessor(reconciler *services.Reconciler, publisher Publisher, logger *zap.Logger) *PaymentProcessor {
	return &PaymentProcessor{
		Reconciler: reconciler,
		Publisher:  publisher,
		logger:     logger,
	}
}

// ProcessLinkExpiry never asks for a retry once the check has run: the
// fail-safe cancel already covers gateway errors. Only storage errors
// bubble up so the task is retried.
func (p *PaymentProcessor) ProcessLinkExpiry(ctx context.Context, data LinkExpiryDTO) error {
	result, err := p.Reconciler.CheckExpiredLink(ctx, data.TransactionId)
	if errors.Is(err, services.ErrTransactionNotFound) {
		p.logger.Warn("Link expiry check for unknown transaction", zap.Int("transaction_id", data.TransactionId))
		return nil
	}
	if err != nil {
		return fmt.Errorf("link expiry check for transaction %d: %w", data.TransactionId, err)
	}
	p.logger.Info("Link expiry check done",
		zap.Int("transaction_id", result.TransactionId),
		zap.String("outcome", result.Outcome),
		zap.String("status", string(result.Status)))
	return nil
}

func (p *PaymentProcessor) ProcessSweep(ctx context.Context, data SweepDTO) (*services.SweepReport, error) {
	report, err := p.Reconciler.Sweep(ctx)
	if err != nil {
		return nil, fmt.Errorf("reconciliation sweep: %w", err)
	}
	if data.RequestedBy != "" {
		p.logger.Info("Manual sweep completed", zap.String("requested_by", data.RequestedBy), zap.Int("applied", report.Applied))
	}
	return report, nil
}

func (p *PaymentProcessor) ProcessNotification(ctx context.Context, data NotificationDTO) error {
	if err := p.Publisher.PublishNotification(ctx, data); err != nil {
		return fmt.Errorf("publish notification for transaction %d: %w", data.TransactionId, err)
	}
	return nil
}
