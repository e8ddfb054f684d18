package services

import (
	"context"

	"go.uber.org/zap"

	"payment-service/internal/gateways"
	"payment-service/internal/models"
)

// SettleResult is the combined effect of one gateway event on a transaction
// and on the payment it belongs to.
type SettleResult struct {
	Transaction      *models.Transaction
	Payment          *models.Payment
	Updated          bool
	LedgerChanged    bool
	DuplicatePayment bool
	LatePayment      bool
}

// Applied reports whether the event caused any state change.
func (r *SettleResult) Applied() bool {
	return r.Updated || r.LedgerChanged
}

// SettlementService is the single path from a normalised gateway event to
// committed state, shared by webhooks and reconciliation. The transaction
// write commits before the ledger reads it.
type SettlementService struct {
	store     *TransactionStore
	ledger    *PaymentLedger
	notifier  Notifier
	scheduler Scheduler
	logger    *zap.Logger
}

func NewSettlementService(store *TransactionStore, ledger *PaymentLedger, notifier Notifier, scheduler Scheduler, logger *zap.Logger) *SettlementService {
	return &SettlementService{
		store:     store,
		ledger:    ledger,
		notifier:  notifier,
		scheduler: scheduler,
		logger:    logger,
	}
}

func (s *SettlementService) Settle(ctx context.Context, ev *gateways.GatewayEvent) (*SettleResult, error) {
	applied, err := s.store.ApplyGatewayEvent(ctx, ev)
	if err != nil {
		return nil, err
	}
	trx := applied.Transaction
	result := &SettleResult{
		Transaction:      trx,
		Updated:          applied.Updated,
		DuplicatePayment: applied.DuplicatePayment,
		LatePayment:      applied.LatePayment,
	}

	// A replayed success still reaches the ledger, which completes a
	// settlement interrupted between the two writes and is a no-op otherwise.
	if ev.Status == gateways.StatusSuccess && trx.TransactionStatus == models.TransactionSuccess {
		payment, changed, err := s.ledger.MarkObligationPaid(ctx, ObligationFor(trx))
		if err != nil {
			return result, err
		}
		result.Payment = payment
		result.LedgerChanged = changed
	}

	if applied.Updated && trx.TransactionStatus == models.TransactionFailed {
		notify(ctx, s.notifier, s.logger, Notification{
			TransactionId: trx.ID,
			PaymentId:     trx.PaymentId,
			Outcome:       NotifyFailed,
			Installment:   trx.InstallmentNumber,
			Amount:        trx.Amount,
		})
	}

	if applied.Updated {
		s.dropExpiryCheck(ctx, trx.ID)
	}
	return result, nil
}

// Cancel moves a PENDING transaction to CANCELLED outside of any gateway event.
func (s *SettlementService) Cancel(ctx context.Context, trx *models.Transaction, reason string) (bool, error) {
	cancelled, err := s.store.CancelTransaction(ctx, trx.ID, reason)
	if err != nil {
		return false, err
	}
	if cancelled {
		s.logger.Info("Transaction cancelled",
			zap.Int("transaction_id", trx.ID),
			zap.String("reference", trx.ReferenceId),
			zap.String("reason", reason))
	}
	return cancelled, nil
}

// dropExpiryCheck removes the pending expiry task of a transaction that is
// already terminal. The check would no-op anyway, so failures are only logged.
func (s *SettlementService) dropExpiryCheck(ctx context.Context, trxId int) {
	if s.scheduler == nil {
		return
	}
	if err := s.scheduler.CancelExpiryCheck(ctx, trxId); err != nil {
		s.logger.Debug("Could not drop expiry check", zap.Int("transaction_id", trxId), zap.Error(err))
	}
}
