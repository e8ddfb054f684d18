package services

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
	"gorm.io/datatypes"

	"payment-service/internal/gateways"
	"payment-service/internal/models"
	"payment-service/pkg/common"
)

var ErrInvalidRequest = errors.New("invalid request")

type IssueLinkRequest struct {
	PaymentId         int               `json:"paymentId" binding:"required"`
	InstallmentNumber *int              `json:"installmentNumber"`
	Gateway           string            `json:"gateway" binding:"required"`
	Description       string            `json:"description"`
	Customer          gateways.Customer `json:"customer"`
}

type OfflinePaymentRequest struct {
	PaymentId         int                `json:"paymentId" binding:"required"`
	InstallmentNumber *int               `json:"installmentNumber"`
	PaymentMode       models.PaymentMode `json:"paymentMode" binding:"required"`
}

// LinkService starts payments: it issues gateway links for online payment and
// records cash or QR payments taken at the counter.
type LinkService struct {
	store      *TransactionStore
	ledger     *PaymentLedger
	reconciler *Reconciler
	registry   *gateways.Registry
	linkTTL    time.Duration
	logger     *zap.Logger
}

func NewLinkService(store *TransactionStore, ledger *PaymentLedger, reconciler *Reconciler, registry *gateways.Registry, linkTTL time.Duration, logger *zap.Logger) *LinkService {
	return &LinkService{
		store:      store,
		ledger:     ledger,
		reconciler: reconciler,
		registry:   registry,
		linkTTL:    linkTTL,
		logger:     logger,
	}
}

// obligationAmount resolves what the requested obligation costs and rejects
// requests for obligations that are already paid.
func (s *LinkService) obligationAmount(payment *models.Payment, installment *int) (int64, error) {
	switch payment.PaymentType {
	case models.FullPaymentType:
		if installment != nil {
			return 0, fmt.Errorf("%w: payment %d is a full payment", ErrInvalidRequest, payment.ID)
		}
		if payment.FullPayment != nil && payment.FullPayment.IsPaid {
			return 0, ErrObligationSettled
		}
		return payment.FinalAmount, nil
	case models.InstallmentsType:
		if installment == nil {
			return 0, fmt.Errorf("%w: installment number required", ErrInvalidRequest)
		}
		inst := payment.Installment(*installment)
		if inst == nil {
			return 0, fmt.Errorf("%w: payment %d installment %d", ErrObligationNotFound, payment.ID, *installment)
		}
		if inst.IsPaid {
			return 0, ErrObligationSettled
		}
		return inst.Amount, nil
	}
	return 0, fmt.Errorf("%w: unknown payment type %q", ErrInvalidRequest, payment.PaymentType)
}

// IssuePaymentLink creates a link on the gateway, stores the PENDING
// transaction that tracks it and schedules its expiry check.
func (s *LinkService) IssuePaymentLink(ctx context.Context, req IssueLinkRequest) (*models.Transaction, error) {
	gw, err := s.registry.Get(req.Gateway)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidRequest, err)
	}
	payment, err := s.ledger.GetPayment(ctx, req.PaymentId)
	if err != nil {
		return nil, err
	}
	amount, err := s.obligationAmount(payment, req.InstallmentNumber)
	if err != nil {
		return nil, err
	}
	if amount <= 0 {
		return nil, fmt.Errorf("%w: nothing to pay on payment %d", ErrInvalidRequest, payment.ID)
	}

	referenceId := common.GenerateReferenceId()
	description := req.Description
	if description == "" {
		description = fmt.Sprintf("Payment %d", payment.ID)
		if req.InstallmentNumber != nil {
			description = fmt.Sprintf("Payment %d installment %d", payment.ID, *req.InstallmentNumber)
		}
	}

	link, err := gw.CreateLink(ctx, gateways.LinkRequest{
		ReferenceId: referenceId,
		Amount:      amount,
		Description: description,
		Customer:    req.Customer,
		ExpiresAt:   time.Now().Add(s.linkTTL).UTC(),
	})
	if err != nil {
		return nil, err
	}

	expiresAt := link.ExpiresAt
	linkId := link.LinkId
	trx := &models.Transaction{
		PaymentId:         payment.ID,
		InstallmentNumber: req.InstallmentNumber,
		Amount:            amount,
		PaymentMode:       models.ModePaymentLink,
		TransactionStatus: models.TransactionPending,
		Gateway:           gw.Name(),
		PaymentLinkId:     &linkId,
		ReferenceId:       referenceId,
		Metadata: datatypes.NewJSONType(models.GatewayMetadata{
			PaymentType: payment.PaymentType,
			Type:        models.MetadataLink,
			Gateway: &models.GatewayLinkInfo{
				LinkId:        link.LinkId,
				LinkUrl:       link.LinkUrl,
				LinkStatus:    link.Status,
				LinkExpiresAt: &expiresAt,
				ReferenceId:   referenceId,
			},
		}),
	}
	if err := s.store.Create(ctx, trx); err != nil {
		s.logger.Error("Gateway link created but transaction not stored",
			zap.String("gateway", gw.Name()),
			zap.String("link_id", link.LinkId),
			zap.String("reference", referenceId),
			zap.Error(err))
		return nil, err
	}

	// the periodic sweep still covers this transaction if scheduling fails
	if err := s.reconciler.ScheduleExpiryCheck(ctx, trx); err != nil {
		s.logger.Error("Failed to schedule link expiry check",
			zap.Int("transaction_id", trx.ID),
			zap.Error(err))
	}

	s.logger.Info("Payment link issued",
		zap.Int("transaction_id", trx.ID),
		zap.Int("payment_id", payment.ID),
		zap.String("gateway", gw.Name()),
		zap.String("reference", referenceId),
		zap.Time("expires_at", expiresAt))
	return trx, nil
}

// RecordOfflinePayment stores a CASH or QR payment as an immediate SUCCESS
// and settles the obligation.
func (s *LinkService) RecordOfflinePayment(ctx context.Context, req OfflinePaymentRequest) (*models.Transaction, *models.Payment, error) {
	if req.PaymentMode != models.ModeCash && req.PaymentMode != models.ModeQR {
		return nil, nil, fmt.Errorf("%w: payment mode must be CASH or QR", ErrInvalidRequest)
	}
	payment, err := s.ledger.GetPayment(ctx, req.PaymentId)
	if err != nil {
		return nil, nil, err
	}
	amount, err := s.obligationAmount(payment, req.InstallmentNumber)
	if err != nil {
		return nil, nil, err
	}

	now := time.Now().UTC()
	trx := &models.Transaction{
		PaymentId:         payment.ID,
		InstallmentNumber: req.InstallmentNumber,
		Amount:            amount,
		PaymentMode:       req.PaymentMode,
		TransactionStatus: models.TransactionSuccess,
		ReferenceId:       common.GenerateReceiptNo(),
		TxnDate:           &now,
		Metadata: datatypes.NewJSONType(models.GatewayMetadata{
			PaymentType: payment.PaymentType,
			Type:        models.MetadataOffline,
		}),
	}
	if err := s.store.CreateSettled(ctx, trx); err != nil {
		return nil, nil, err
	}

	updated, _, err := s.ledger.MarkObligationPaid(ctx, ObligationFor(trx))
	if err != nil {
		return trx, nil, err
	}
	return trx, updated, nil
}
