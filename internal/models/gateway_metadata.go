package models

import (
	"errors"
	"fmt"
	"time"
)

// Kinds of metadata written with a transaction.
const (
	MetadataLink    = "PAYMENT_LINK"
	MetadataOffline = "OFFLINE"
)

var ErrInvalidMetadata = errors.New("invalid gateway metadata")

// GatewayMetadata is the structured contents of transactions.metadata.
// Gateway is set when a link was issued, Response once a gateway reported back.
type GatewayMetadata struct {
	PaymentType PaymentType      `json:"paymentType"`
	Type        string           `json:"type"`
	Gateway     *GatewayLinkInfo `json:"gateway,omitempty"`
	Response    *GatewayResponse `json:"response,omitempty"`
}

type GatewayLinkInfo struct {
	LinkId        string     `json:"linkId"`
	LinkUrl       string     `json:"linkUrl,omitempty"`
	LinkStatus    string     `json:"linkStatus,omitempty"`
	LinkExpiresAt *time.Time `json:"linkExpiresAt,omitempty"`
	ReferenceId   string     `json:"referenceId"`
}

type GatewayResponse struct {
	TxnId        string `json:"txnId,omitempty"`
	BankTxnId    string `json:"bankTxnId,omitempty"`
	ResponseCode string `json:"responseCode,omitempty"`
	AmountPaid   int64  `json:"amountPaid,omitempty"`
}

// Validate rejects metadata that downstream code could not safely read.
// Untyped metadata without a link section is accepted for rows created
// before a link existed; it may still carry a gateway response.
func (m GatewayMetadata) Validate() error {
	if m.Type == "" && m.Gateway == nil {
		return nil
	}
	switch m.Type {
	case MetadataLink, MetadataOffline:
	default:
		return fmt.Errorf("%w: unknown type %q", ErrInvalidMetadata, m.Type)
	}
	if m.PaymentType != "" && !m.PaymentType.Valid() {
		return fmt.Errorf("%w: unknown payment type %q", ErrInvalidMetadata, m.PaymentType)
	}
	if m.Type == MetadataLink {
		if m.Gateway == nil {
			return fmt.Errorf("%w: link metadata without gateway section", ErrInvalidMetadata)
		}
		if m.Gateway.LinkId == "" || m.Gateway.ReferenceId == "" {
			return fmt.Errorf("%w: link id and reference id are required", ErrInvalidMetadata)
		}
	}
	return nil
}

// LinkExpiresAt returns the link expiry, if one was recorded.
func (m GatewayMetadata) LinkExpiresAt() (time.Time, bool) {
	if m.Gateway == nil || m.Gateway.LinkExpiresAt == nil {
		return time.Time{}, false
	}
	return *m.Gateway.LinkExpiresAt, true
}

// WithResponse returns a copy whose response section has resp merged over the
// existing one. Empty fields in resp keep the previous value.
func (m GatewayMetadata) WithResponse(resp GatewayResponse) GatewayMetadata {
	merged := GatewayResponse{}
	if m.Response != nil {
		merged = *m.Response
	}
	if resp.TxnId != "" {
		merged.TxnId = resp.TxnId
	}
	if resp.BankTxnId != "" {
		merged.BankTxnId = resp.BankTxnId
	}
	if resp.ResponseCode != "" {
		merged.ResponseCode = resp.ResponseCode
	}
	if resp.AmountPaid != 0 {
		merged.AmountPaid = resp.AmountPaid
	}
	m.Response = &merged
	return m
}

// WithLinkStatus records the gateway's own link status, leaving the rest untouched.
func (m GatewayMetadata) WithLinkStatus(status string) GatewayMetadata {
	if status == "" || m.Gateway == nil {
		return m
	}
	link := *m.Gateway
	link.LinkStatus = status
	m.Gateway = &link
	return m
}
