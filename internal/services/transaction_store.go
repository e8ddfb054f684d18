package services

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"payment-service/internal/gateways"
	"payment-service/internal/models"
	"payment-service/pkg/common"
)

var (
	ErrTransactionNotFound = errors.New("transaction not found")
	ErrObligationSettled   = errors.New("obligation already settled")
)

// ApplyResult reports what ApplyGatewayEvent did. Updated is false for every
// no-op: a pending event, a replay of a terminal status, or a lost race.
type ApplyResult struct {
	Updated     bool
	Transaction *models.Transaction
	// DuplicatePayment is set when a success arrived for an obligation that
	// was already paid through another transaction.
	DuplicatePayment bool
	// LatePayment is set when a success arrived for a transaction that had
	// already closed unpaid. The row stays as it was.
	LatePayment bool
}

type TransactionStore struct {
	DB     *gorm.DB
	logger *zap.Logger
	now    func() time.Time
}

func NewTransactionStore(db *gorm.DB, logger *zap.Logger) *TransactionStore {
	return &TransactionStore{DB: db, logger: logger, now: time.Now}
}

func (s *TransactionStore) Create(ctx context.Context, trx *models.Transaction) error {
	if trx.ReferenceId == "" {
		trx.ReferenceId = common.GenerateReferenceId()
	}
	if trx.TransactionStatus == "" {
		trx.TransactionStatus = models.TransactionPending
	}
	if err := s.DB.WithContext(ctx).Create(trx).Error; err != nil {
		return fmt.Errorf("create transaction: %w", err)
	}
	return nil
}

// CreateSettled inserts a transaction that is already SUCCESS, such as a
// counter payment, unless its obligation has been settled in the meantime.
func (s *TransactionStore) CreateSettled(ctx context.Context, trx *models.Transaction) error {
	if trx.ReferenceId == "" {
		trx.ReferenceId = common.GenerateReferenceId()
	}
	trx.TransactionStatus = models.TransactionSuccess
	return s.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var payment models.Payment
		if err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).Find(&payment, trx.PaymentId).Error; err != nil {
			return err
		}
		settled, err := obligationSettled(tx, trx)
		if err != nil {
			return err
		}
		if settled {
			return ErrObligationSettled
		}
		if err := tx.Create(trx).Error; err != nil {
			return fmt.Errorf("create transaction: %w", err)
		}
		return nil
	})
}

func (s *TransactionStore) Get(ctx context.Context, id int) (*models.Transaction, error) {
	var trx models.Transaction
	if err := s.DB.WithContext(ctx).First(&trx, id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrTransactionNotFound
		}
		return nil, err
	}
	return &trx, nil
}

// Resolve finds the transaction an event refers to: by the reference id
// written at link creation, then by the gateway's own link or order id.
func (s *TransactionStore) Resolve(ctx context.Context, ev *gateways.GatewayEvent) (*models.Transaction, error) {
	db := s.DB.WithContext(ctx)
	var trx models.Transaction

	if ev.ReferenceId != "" {
		err := db.Where("reference_id = ?", ev.ReferenceId).First(&trx).Error
		if err == nil {
			return &trx, nil
		}
		if !errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, err
		}
	}
	if ev.LinkId != "" {
		err := db.Where("payment_link_id = ?", ev.LinkId).First(&trx).Error
		if err == nil {
			return &trx, nil
		}
		if !errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, err
		}
	}
	return nil, fmt.Errorf("%w: reference=%q link=%q", ErrTransactionNotFound, ev.ReferenceId, ev.LinkId)
}

// canLeave reports whether trx may still move to target. PENDING rows always
// can. A fail-safe cancel may be overturned by a gateway-confirmed success,
// since it never reflected anything the gateway said.
func canLeave(trx *models.Transaction, target models.TransactionStatus) bool {
	if trx.TransactionStatus == models.TransactionPending {
		return true
	}
	return target == models.TransactionSuccess &&
		trx.TransactionStatus == models.TransactionCancelled &&
		trx.CancelReason != nil && *trx.CancelReason == models.CancelQueryFailed
}

// closedUnpaid reports whether trx ended without money being taken for it:
// FAILED, or CANCELLED because the link expired or was withdrawn.
func closedUnpaid(trx *models.Transaction) bool {
	switch trx.TransactionStatus {
	case models.TransactionFailed:
		return true
	case models.TransactionCancelled:
		if trx.CancelReason == nil {
			return true
		}
		switch *trx.CancelReason {
		case models.CancelLinkExpired, models.CancelLinkCancelled:
			return true
		}
	}
	return false
}

func targetStatus(s gateways.Status) (models.TransactionStatus, bool) {
	switch s {
	case gateways.StatusSuccess:
		return models.TransactionSuccess, true
	case gateways.StatusFailed:
		return models.TransactionFailed, true
	case gateways.StatusCancelled:
		return models.TransactionCancelled, true
	}
	return "", false
}

// ApplyGatewayEvent moves the referenced transaction out of PENDING exactly
// once. The write is a conditional update on the current status, so
// concurrent deliveries for the same row cannot both win.
func (s *TransactionStore) ApplyGatewayEvent(ctx context.Context, ev *gateways.GatewayEvent) (*ApplyResult, error) {
	trx, err := s.Resolve(ctx, ev)
	if err != nil {
		return nil, err
	}

	target, ok := targetStatus(ev.Status)
	if !ok {
		return &ApplyResult{Transaction: trx}, nil
	}
	if !canLeave(trx, target) {
		result := &ApplyResult{Transaction: trx}
		if target == models.TransactionSuccess && closedUnpaid(trx) {
			result.LatePayment = true
			s.logger.Error("Gateway reported payment for a closed transaction, refund required",
				zap.Int("transaction_id", trx.ID),
				zap.Int("payment_id", trx.PaymentId),
				zap.String("transaction_status", string(trx.TransactionStatus)),
				zap.Stringp("cancel_reason", trx.CancelReason),
				zap.String("gateway", ev.Gateway),
				zap.String("gateway_txn_id", ev.GatewayTxnId),
				zap.Int64("amount_paid", ev.AmountPaid))
		}
		return result, nil
	}

	var reason *string
	if target == models.TransactionCancelled {
		r := ev.CancelReason
		if r == "" {
			r = models.CancelLinkCancelled
		}
		reason = &r
	}

	meta := trx.TypedMetadata().
		WithResponse(models.GatewayResponse{
			TxnId:        ev.GatewayTxnId,
			BankTxnId:    ev.BankReference,
			ResponseCode: ev.ErrorCode,
			AmountPaid:   ev.AmountPaid,
		}).
		WithLinkStatus(ev.LinkStatus)
	if err := meta.Validate(); err != nil {
		return nil, err
	}

	result := &ApplyResult{}
	err = s.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if target == models.TransactionSuccess {
			// serialise settlement of the same obligation behind the payment row
			var payment models.Payment
			if err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).Find(&payment, trx.PaymentId).Error; err != nil {
				return err
			}
			settled, err := obligationSettled(tx, trx)
			if err != nil {
				return err
			}
			if settled {
				target = models.TransactionCancelled
				r := models.CancelDuplicatePayment
				reason = &r
				result.DuplicatePayment = true
			}
		}

		now := s.now().UTC()
		updates := map[string]interface{}{
			"transaction_status": target,
			"cancel_reason":      reason,
			"metadata":           datatypes.NewJSONType(meta),
			"txn_date":           now,
			"updated_at":         now,
		}

		q := tx.Model(&models.Transaction{}).Where("id = ?", trx.ID)
		if trx.TransactionStatus == models.TransactionPending {
			q = q.Where("transaction_status = ?", models.TransactionPending)
		} else {
			q = q.Where("transaction_status = ? AND cancel_reason = ?", models.TransactionCancelled, models.CancelQueryFailed)
		}
		res := q.UpdateColumns(updates)
		if res.Error != nil {
			return res.Error
		}
		result.Updated = res.RowsAffected > 0
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("apply %s event to transaction %d: %w", ev.Gateway, trx.ID, err)
	}

	fresh, err := s.Get(ctx, trx.ID)
	if err != nil {
		return nil, err
	}
	result.Transaction = fresh
	if !result.Updated {
		result.DuplicatePayment = false
	}

	if result.DuplicatePayment {
		s.logger.Error("Gateway reported payment for an already settled obligation, refund required",
			zap.Int("transaction_id", fresh.ID),
			zap.Int("payment_id", fresh.PaymentId),
			zap.String("gateway", ev.Gateway),
			zap.String("gateway_txn_id", ev.GatewayTxnId),
			zap.Int64("amount_paid", ev.AmountPaid))
	}
	return result, nil
}

// obligationSettled reports whether the obligation trx pays for was already
// satisfied by a different transaction or directly on the sub-record.
func obligationSettled(tx *gorm.DB, trx *models.Transaction) (bool, error) {
	var count int64
	q := tx.Model(&models.Transaction{}).
		Where("payment_id = ? AND transaction_status = ? AND id <> ?", trx.PaymentId, models.TransactionSuccess, trx.ID)
	if trx.InstallmentNumber == nil {
		q = q.Where("installment_number IS NULL")
	} else {
		q = q.Where("installment_number = ?", *trx.InstallmentNumber)
	}
	if err := q.Count(&count).Error; err != nil {
		return false, err
	}
	if count > 0 {
		return true, nil
	}

	if trx.InstallmentNumber == nil {
		err := tx.Model(&models.FullPayment{}).
			Where("payment_id = ? AND is_paid = ?", trx.PaymentId, true).
			Count(&count).Error
		return count > 0, err
	}
	err := tx.Model(&models.InstallmentPayment{}).
		Where("payment_id = ? AND installment_number = ? AND is_paid = ?", trx.PaymentId, *trx.InstallmentNumber, true).
		Count(&count).Error
	return count > 0, err
}

// CancelTransaction moves a PENDING transaction to CANCELLED. It returns
// false if the row had already left PENDING.
func (s *TransactionStore) CancelTransaction(ctx context.Context, id int, reason string) (bool, error) {
	now := s.now().UTC()
	res := s.DB.WithContext(ctx).Model(&models.Transaction{}).
		Where("id = ? AND transaction_status = ?", id, models.TransactionPending).
		UpdateColumns(map[string]interface{}{
			"transaction_status": models.TransactionCancelled,
			"cancel_reason":      reason,
			"updated_at":         now,
		})
	if res.Error != nil {
		return false, fmt.Errorf("cancel transaction %d: %w", id, res.Error)
	}
	return res.RowsAffected > 0, nil
}

// FindStale returns PENDING payment-link transactions created before cutoff,
// oldest first.
func (s *TransactionStore) FindStale(ctx context.Context, cutoff time.Time, limit int) ([]models.Transaction, error) {
	var rows []models.Transaction
	err := s.DB.WithContext(ctx).
		Where("transaction_status = ? AND payment_mode = ? AND created_at < ?",
			models.TransactionPending, models.ModePaymentLink, cutoff).
		Order("created_at ASC").
		Limit(limit).
		Find(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("find stale transactions: %w", err)
	}
	return rows, nil
}

type TransactionFilter struct {
	Status    models.TransactionStatus
	PaymentId int
	Gateway   string
}

func (s *TransactionStore) List(ctx context.Context, filter TransactionFilter, page, limit int) ([]models.Transaction, int64, error) {
	q := s.DB.WithContext(ctx).Model(&models.Transaction{})
	if filter.Status != "" {
		q = q.Where("transaction_status = ?", filter.Status)
	}
	if filter.PaymentId > 0 {
		q = q.Where("payment_id = ?", filter.PaymentId)
	}
	if filter.Gateway != "" {
		q = q.Where("gateway = ?", filter.Gateway)
	}

	var total int64
	if err := q.Count(&total).Error; err != nil {
		return nil, 0, err
	}

	var rows []models.Transaction
	err := q.Order("created_at DESC").
		Offset(common.Offset(page, limit)).
		Limit(limit).
		Find(&rows).Error
	if err != nil {
		return nil, 0, err
	}
	return rows, total, nil
}
