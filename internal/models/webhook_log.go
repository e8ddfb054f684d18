package models

import (
	"time"

	"gorm.io/datatypes"
)

// Outcomes recorded for a webhook delivery.
const (
	OutcomeApplied          = "applied"
	OutcomeDuplicate        = "duplicate"
	OutcomeLatePayment      = "late_payment"
	OutcomeIgnored          = "ignored"
	OutcomeNotFound         = "not_found"
	OutcomeInvalidSignature = "invalid_signature"
	OutcomeMalformed        = "malformed"
	OutcomeError            = "error"
)

// WebhookLog keeps one row per inbound gateway delivery for audit and replay.
type WebhookLog struct {
	ID         uint           `gorm:"primaryKey;autoIncrement" json:"id"`
	Gateway    string         `gorm:"column:gateway;size:30;not null;index" json:"gateway"`
	Event      string         `gorm:"column:event;size:100" json:"event"`
	Reference  string         `gorm:"column:reference;size:100;index" json:"reference"`
	Outcome    string         `gorm:"column:outcome;size:30;not null" json:"outcome"`
	StatusCode int            `gorm:"column:status_code" json:"status_code"`
	Payload    datatypes.JSON `gorm:"column:payload" json:"payload"`
	CreatedAt  time.Time      `gorm:"column:created_at;autoCreateTime" json:"created_at"`
}

func (WebhookLog) TableName() string {
	return "webhook_logs"
}
