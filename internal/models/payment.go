package models

import (
	"time"
)

type PaymentType string

const (
	FullPaymentType  PaymentType = "FULL_PAYMENT"
	InstallmentsType PaymentType = "INSTALLMENTS"
)

func (t PaymentType) Valid() bool {
	return t == FullPaymentType || t == InstallmentsType
}

type PaymentStatus string

const (
	PaymentPending       PaymentStatus = "PENDING"
	PaymentPartiallyPaid PaymentStatus = "PARTIALLY_PAID"
	PaymentFullyPaid     PaymentStatus = "FULLY_PAID"
)

// RequiredInstallments is the number of installment rows an INSTALLMENTS payment owns.
const RequiredInstallments = 2

type Payment struct {
	ID            int                  `gorm:"primaryKey;autoIncrement" json:"id"`
	PaymentType   PaymentType          `gorm:"column:payment_type;size:20;not null" json:"payment_type"`
	PaymentStatus PaymentStatus        `gorm:"column:payment_status;size:20;not null;default:PENDING" json:"payment_status"`
	FinalAmount   int64                `gorm:"column:final_amount;not null" json:"final_amount"`
	Discount      int64                `gorm:"column:discount;default:0" json:"discount"`
	FullPayment   *FullPayment         `gorm:"foreignKey:PaymentId" json:"full_payment,omitempty"`
	Installments  []InstallmentPayment `gorm:"foreignKey:PaymentId" json:"installments,omitempty"`
	CreatedAt     time.Time            `gorm:"column:created_at;autoCreateTime" json:"created_at"`
	UpdatedAt     time.Time            `gorm:"column:updated_at;autoUpdateTime" json:"updated_at"`
}

func (Payment) TableName() string {
	return "payments"
}

type FullPayment struct {
	ID          int          `gorm:"primaryKey;autoIncrement" json:"id"`
	PaymentId   int          `gorm:"column:payment_id;not null;uniqueIndex" json:"payment_id"`
	IsPaid      bool         `gorm:"column:is_paid;default:false" json:"is_paid"`
	PaymentMode *PaymentMode `gorm:"column:payment_mode;size:20" json:"payment_mode"`
	PaymentDate *time.Time   `gorm:"column:payment_date" json:"payment_date"`
}

func (FullPayment) TableName() string {
	return "full_payments"
}

type InstallmentPayment struct {
	ID                int          `gorm:"primaryKey;autoIncrement" json:"id"`
	PaymentId         int          `gorm:"column:payment_id;not null;uniqueIndex:idx_installment_payment_number" json:"payment_id"`
	InstallmentNumber int          `gorm:"column:installment_number;not null;uniqueIndex:idx_installment_payment_number" json:"installment_number"`
	Amount            int64        `gorm:"column:amount;not null" json:"amount"`
	IsPaid            bool         `gorm:"column:is_paid;default:false" json:"is_paid"`
	PaymentMode       *PaymentMode `gorm:"column:payment_mode;size:20" json:"payment_mode"`
	PaymentDate       *time.Time   `gorm:"column:payment_date" json:"payment_date"`
}

func (InstallmentPayment) TableName() string {
	return "installment_payments"
}

// DeriveStatus computes the payment status from the sub-records alone.
// A payment whose sub-records are missing is never considered paid.
func (p *Payment) DeriveStatus() PaymentStatus {
	switch p.PaymentType {
	case FullPaymentType:
		if p.FullPayment != nil && p.FullPayment.IsPaid {
			return PaymentFullyPaid
		}
		return PaymentPending
	case InstallmentsType:
		paid := 0
		for _, inst := range p.Installments {
			if inst.IsPaid {
				paid++
			}
		}
		switch {
		case paid == 0:
			return PaymentPending
		case paid >= RequiredInstallments && len(p.Installments) >= RequiredInstallments:
			return PaymentFullyPaid
		default:
			return PaymentPartiallyPaid
		}
	}
	return PaymentPending
}

// Installment returns the installment sub-record with the given number.
func (p *Payment) Installment(number int) *InstallmentPayment {
	for i := range p.Installments {
		if p.Installments[i].InstallmentNumber == number {
			return &p.Installments[i]
		}
	}
	return nil
}
