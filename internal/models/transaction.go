package models

import (
	"errors"
	"time"

	"gorm.io/datatypes"
	"gorm.io/gorm"
)

type TransactionStatus string

const (
	TransactionPending   TransactionStatus = "PENDING"
	TransactionSuccess   TransactionStatus = "SUCCESS"
	TransactionFailed    TransactionStatus = "FAILED"
	TransactionCancelled TransactionStatus = "CANCELLED"
)

// Terminal reports whether no further transition is allowed out of s.
func (s TransactionStatus) Terminal() bool {
	return s == TransactionSuccess || s == TransactionFailed || s == TransactionCancelled
}

func (s TransactionStatus) Valid() bool {
	return s == TransactionPending || s.Terminal()
}

type PaymentMode string

const (
	ModePaymentLink PaymentMode = "PAYMENT_LINK"
	ModeCash        PaymentMode = "CASH"
	ModeQR          PaymentMode = "QR"
)

func (m PaymentMode) Valid() bool {
	return m == ModePaymentLink || m == ModeCash || m == ModeQR
}

// Why a transaction ended up CANCELLED. Only CancelQueryFailed may later be
// superseded by a gateway-confirmed success.
const (
	CancelLinkExpired      = "LINK_EXPIRED"
	CancelLinkCancelled    = "LINK_CANCELLED"
	CancelQueryFailed      = "QUERY_FAILED"
	CancelDuplicatePayment = "DUPLICATE_PAYMENT"
)

type Transaction struct {
	ID                int                                 `gorm:"primaryKey;autoIncrement" json:"id"`
	PaymentId         int                                 `gorm:"column:payment_id;not null;index:idx_trx_payment_installment" json:"payment_id"`
	InstallmentNumber *int                                `gorm:"column:installment_number;index:idx_trx_payment_installment" json:"installment_number"`
	Amount            int64                               `gorm:"column:amount;not null" json:"amount"`
	PaymentMode       PaymentMode                         `gorm:"column:payment_mode;size:20;not null" json:"payment_mode"`
	TransactionStatus TransactionStatus                   `gorm:"column:transaction_status;size:20;not null;default:PENDING;index:idx_trx_status_created" json:"transaction_status"`
	Gateway           string                              `gorm:"column:gateway;size:30" json:"gateway"`
	PaymentLinkId     *string                             `gorm:"column:payment_link_id;size:100;uniqueIndex" json:"payment_link_id"`
	ReferenceId       string                              `gorm:"column:reference_id;size:64;not null;uniqueIndex" json:"reference_id"`
	CancelReason      *string                             `gorm:"column:cancel_reason;size:30" json:"cancel_reason,omitempty"`
	Metadata          datatypes.JSONType[GatewayMetadata] `gorm:"column:metadata" json:"metadata"`
	TxnDate           *time.Time                          `gorm:"column:txn_date" json:"txn_date"`
	CreatedAt         time.Time                           `gorm:"column:created_at;autoCreateTime;index:idx_trx_status_created" json:"created_at"`
	UpdatedAt         time.Time                           `gorm:"column:updated_at;autoUpdateTime" json:"updated_at"`
	DeletedAt         gorm.DeletedAt                      `gorm:"column:deleted_at;index" json:"-"`
}

func (Transaction) TableName() string {
	return "transactions"
}

// TypedMetadata returns the stored metadata, filling in the type for rows
// written before metadata carried one.
func (t *Transaction) TypedMetadata() GatewayMetadata {
	m := t.Metadata.Data()
	if m.Type != "" {
		return m
	}
	if t.PaymentMode != ModePaymentLink {
		m.Type = MetadataOffline
		return m
	}
	if t.PaymentLinkId == nil || t.ReferenceId == "" {
		return m
	}
	m.Type = MetadataLink
	if m.Gateway == nil {
		m.Gateway = &GatewayLinkInfo{LinkId: *t.PaymentLinkId, ReferenceId: t.ReferenceId}
	}
	return m
}

func (t *Transaction) BeforeSave(tx *gorm.DB) error {
	if !t.PaymentMode.Valid() {
		return errors.New("transaction: invalid payment mode")
	}
	if t.InstallmentNumber != nil && (*t.InstallmentNumber < 1 || *t.InstallmentNumber > 2) {
		return errors.New("transaction: installment number must be 1 or 2")
	}
	return t.Metadata.Data().Validate()
}
