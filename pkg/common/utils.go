package common

import (
	"strings"

	"github.com/google/uuid"
)

const referencePrefix = "DS"

// GenerateReferenceId returns the correlation id written into gateway notes
// (Razorpay reference_id, PhonePe merchantOrderId, Cashfree link_id) when a
// link is issued. It is alphanumeric so every gateway accepts it as-is.
func GenerateReferenceId() string {
	raw := strings.ToUpper(strings.ReplaceAll(uuid.NewString(), "-", ""))
	return referencePrefix + raw[:18]
}

// GenerateReceiptNo returns a reference for counter (cash/QR) payments.
func GenerateReceiptNo() string {
	raw := strings.ToUpper(strings.ReplaceAll(uuid.NewString(), "-", ""))
	return "RC" + raw[:12]
}
