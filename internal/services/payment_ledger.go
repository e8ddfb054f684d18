package services

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"payment-service/internal/models"
)

var (
	ErrPaymentNotFound    = errors.New("payment not found")
	ErrObligationNotFound = errors.New("payment obligation not found")
	ErrObligationMismatch = errors.New("obligation does not match payment type")
)

// ObligationRequest identifies one sub-record of a payment to mark paid.
// InstallmentNumber is nil for a full payment.
type ObligationRequest struct {
	TransactionId     int
	PaymentId         int
	PaymentType       models.PaymentType
	ReferenceId       string
	InstallmentNumber *int
	PaymentMode       models.PaymentMode
	Amount            int64
	PaidAt            time.Time
}

// ObligationFor builds the ledger request a successful transaction settles.
func ObligationFor(trx *models.Transaction) ObligationRequest {
	paidAt := time.Now().UTC()
	if trx.TxnDate != nil {
		paidAt = *trx.TxnDate
	}
	return ObligationRequest{
		TransactionId:     trx.ID,
		PaymentId:         trx.PaymentId,
		PaymentType:       trx.Metadata.Data().PaymentType,
		ReferenceId:       trx.ReferenceId,
		InstallmentNumber: trx.InstallmentNumber,
		PaymentMode:       trx.PaymentMode,
		Amount:            trx.Amount,
		PaidAt:            paidAt,
	}
}

// PaymentLedger is the only writer of payments.payment_status. The status is
// always recomputed from the sub-records after they change.
type PaymentLedger struct {
	DB       *gorm.DB
	notifier Notifier
	logger   *zap.Logger
}

func NewPaymentLedger(db *gorm.DB, notifier Notifier, logger *zap.Logger) *PaymentLedger {
	return &PaymentLedger{DB: db, notifier: notifier, logger: logger}
}

func (l *PaymentLedger) GetPayment(ctx context.Context, id int) (*models.Payment, error) {
	var payment models.Payment
	err := l.DB.WithContext(ctx).Preload("FullPayment").Preload("Installments").First(&payment, id).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrPaymentNotFound
		}
		return nil, err
	}
	return &payment, nil
}

// CreatePayment stores a payment with its sub-records: one full-payment row
// or one row per installment.
func (l *PaymentLedger) CreatePayment(ctx context.Context, payment *models.Payment) error {
	if !payment.PaymentType.Valid() {
		return fmt.Errorf("%w: %q", ErrObligationMismatch, payment.PaymentType)
	}
	switch payment.PaymentType {
	case models.FullPaymentType:
		if payment.FullPayment == nil {
			payment.FullPayment = &models.FullPayment{}
		}
		payment.Installments = nil
	case models.InstallmentsType:
		if len(payment.Installments) != models.RequiredInstallments {
			return fmt.Errorf("%w: need %d installments, got %d",
				ErrObligationMismatch, models.RequiredInstallments, len(payment.Installments))
		}
		payment.FullPayment = nil
	}
	payment.PaymentStatus = payment.DeriveStatus()
	return l.DB.WithContext(ctx).Create(payment).Error
}

// MarkObligationPaid sets the requested sub-record paid and recomputes the
// payment status. Marking an already paid sub-record changes nothing, and
// changed reports whether anything was written. A notification is queued
// only after a real change has committed.
func (l *PaymentLedger) MarkObligationPaid(ctx context.Context, req ObligationRequest) (*models.Payment, bool, error) {
	if req.PaidAt.IsZero() {
		req.PaidAt = time.Now().UTC()
	}

	var payment models.Payment
	changed := false
	err := l.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).First(&payment, req.PaymentId).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return fmt.Errorf("%w: %d", ErrPaymentNotFound, req.PaymentId)
			}
			return err
		}
		if req.PaymentType != "" && req.PaymentType != payment.PaymentType {
			return fmt.Errorf("%w: payment %d is %s", ErrObligationMismatch, payment.ID, payment.PaymentType)
		}

		var err error
		switch payment.PaymentType {
		case models.FullPaymentType:
			changed, err = l.markFullPayment(tx, req)
		case models.InstallmentsType:
			changed, err = l.markInstallment(tx, req)
		default:
			err = fmt.Errorf("%w: unknown payment type %q", ErrObligationMismatch, payment.PaymentType)
		}
		if err != nil {
			return err
		}

		var fresh models.Payment
		if err := tx.Preload("FullPayment").Preload("Installments").First(&fresh, payment.ID).Error; err != nil {
			return err
		}
		payment = fresh
		derived := payment.DeriveStatus()
		if derived != payment.PaymentStatus {
			res := tx.Model(&models.Payment{}).Where("id = ?", payment.ID).
				UpdateColumns(map[string]interface{}{
					"payment_status": derived,
					"updated_at":     time.Now().UTC(),
				})
			if res.Error != nil {
				return res.Error
			}
			payment.PaymentStatus = derived
			changed = true
		}
		return nil
	})
	if err != nil {
		return nil, false, err
	}

	if changed {
		l.logger.Info("Payment obligation settled",
			zap.Int("payment_id", payment.ID),
			zap.Int("transaction_id", req.TransactionId),
			zap.String("reference", req.ReferenceId),
			zap.String("payment_status", string(payment.PaymentStatus)))
		notify(ctx, l.notifier, l.logger, Notification{
			TransactionId: req.TransactionId,
			PaymentId:     payment.ID,
			Outcome:       NotifyPaid,
			PaymentStatus: string(payment.PaymentStatus),
			Installment:   req.InstallmentNumber,
			Amount:        req.Amount,
		})
	}
	return &payment, changed, nil
}

func (l *PaymentLedger) markFullPayment(tx *gorm.DB, req ObligationRequest) (bool, error) {
	if req.InstallmentNumber != nil {
		return false, fmt.Errorf("%w: installment %d on a full payment", ErrObligationMismatch, *req.InstallmentNumber)
	}

	mode := req.PaymentMode
	res := tx.Model(&models.FullPayment{}).
		Where("payment_id = ? AND is_paid = ?", req.PaymentId, false).
		UpdateColumns(map[string]interface{}{
			"is_paid":      true,
			"payment_mode": mode,
			"payment_date": req.PaidAt,
		})
	if res.Error != nil {
		return false, res.Error
	}
	if res.RowsAffected > 0 {
		return true, nil
	}

	var count int64
	if err := tx.Model(&models.FullPayment{}).Where("payment_id = ?", req.PaymentId).Count(&count).Error; err != nil {
		return false, err
	}
	if count > 0 {
		return false, nil
	}
	// payments created before sub-records existed get their row on first settlement
	paidAt := req.PaidAt
	row := models.FullPayment{PaymentId: req.PaymentId, IsPaid: true, PaymentMode: &mode, PaymentDate: &paidAt}
	if err := tx.Create(&row).Error; err != nil {
		return false, err
	}
	return true, nil
}

func (l *PaymentLedger) markInstallment(tx *gorm.DB, req ObligationRequest) (bool, error) {
	if req.InstallmentNumber == nil {
		return false, fmt.Errorf("%w: installment number required", ErrObligationMismatch)
	}

	res := tx.Model(&models.InstallmentPayment{}).
		Where("payment_id = ? AND installment_number = ? AND is_paid = ?", req.PaymentId, *req.InstallmentNumber, false).
		UpdateColumns(map[string]interface{}{
			"is_paid":      true,
			"payment_mode": req.PaymentMode,
			"payment_date": req.PaidAt,
		})
	if res.Error != nil {
		return false, res.Error
	}
	if res.RowsAffected > 0 {
		return true, nil
	}

	var count int64
	err := tx.Model(&models.InstallmentPayment{}).
		Where("payment_id = ? AND installment_number = ?", req.PaymentId, *req.InstallmentNumber).
		Count(&count).Error
	if err != nil {
		return false, err
	}
	if count == 0 {
		return false, fmt.Errorf("%w: payment %d installment %d", ErrObligationNotFound, req.PaymentId, *req.InstallmentNumber)
	}
	return false, nil
}
