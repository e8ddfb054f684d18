package gateways

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"payment-service/internal/config"
	"payment-service/pkg/common"
)

const razorpaySignatureHeader = "X-Razorpay-Signature"

type RazorpayGateway struct {
	cfg    config.RazorpayConfig
	client *common.HTTPClient
}

func NewRazorpayGateway(cfg config.RazorpayConfig, client *common.HTTPClient) *RazorpayGateway {
	return &RazorpayGateway{cfg: cfg, client: client}
}

func (g *RazorpayGateway) Name() string { return Razorpay }

func (g *RazorpayGateway) VerifySignature(rawBody []byte, headers http.Header) error {
	return verifyHexHMAC(g.cfg.WebhookSecret, rawBody, headers.Get(razorpaySignatureHeader))
}

// razorpayNotes accepts both an object and the empty array Razorpay sends
// when a link has no notes.
type razorpayNotes map[string]string

func (n *razorpayNotes) UnmarshalJSON(data []byte) error {
	trimmed := bytes.TrimSpace(data)
	if bytes.Equal(trimmed, []byte("[]")) || bytes.Equal(trimmed, []byte("null")) {
		*n = razorpayNotes{}
		return nil
	}
	var m map[string]string
	if err := json.Unmarshal(trimmed, &m); err != nil {
		return err
	}
	*n = m
	return nil
}

type razorpayLink struct {
	Id          string            `json:"id"`
	Status      string            `json:"status"`
	Amount      int64             `json:"amount"`
	AmountPaid  int64             `json:"amount_paid"`
	ReferenceId string            `json:"reference_id"`
	ShortUrl    string            `json:"short_url"`
	ExpireBy    int64             `json:"expire_by"`
	Notes       razorpayNotes     `json:"notes"`
	Payments    []razorpayPayment `json:"payments"`
}

type razorpayPayment struct {
	Id           string `json:"id"`
	PaymentId    string `json:"payment_id"`
	Status       string `json:"status"`
	Amount       int64  `json:"amount"`
	ErrorCode    string `json:"error_code"`
	AcquirerData struct {
		Rrn               string `json:"rrn"`
		BankTransactionId string `json:"bank_transaction_id"`
	} `json:"acquirer_data"`
}

func (p razorpayPayment) id() string {
	if p.Id != "" {
		return p.Id
	}
	return p.PaymentId
}

func (p razorpayPayment) bankReference() string {
	if p.AcquirerData.BankTransactionId != "" {
		return p.AcquirerData.BankTransactionId
	}
	return p.AcquirerData.Rrn
}

type razorpayWebhook struct {
	Event   string `json:"event"`
	Payload struct {
		PaymentLink *struct {
			Entity razorpayLink `json:"entity"`
		} `json:"payment_link"`
		Payment *struct {
			Entity razorpayPayment `json:"entity"`
		} `json:"payment"`
	} `json:"payload"`
}

// linkStatus maps Razorpay's link vocabulary. A partially paid link still
// settles the single installment it was issued for.
func (g *RazorpayGateway) linkStatus(status string) (Status, string) {
	switch status {
	case "paid", "partially_paid":
		return StatusSuccess, ""
	case "expired":
		return StatusCancelled, ReasonLinkExpired
	case "cancelled":
		return StatusCancelled, ReasonLinkCancelled
	}
	return StatusPending, ""
}

func (g *RazorpayGateway) ParseWebhook(rawBody []byte) (*GatewayEvent, error) {
	var body razorpayWebhook
	if err := json.Unmarshal(rawBody, &body); err != nil {
		return nil, malformed("razorpay: %v", err)
	}

	var status Status
	var reason string
	switch body.Event {
	case "payment_link.paid", "payment_link.partially_paid":
		status = StatusSuccess
	case "payment_link.expired":
		status, reason = StatusCancelled, ReasonLinkExpired
	case "payment_link.cancelled":
		status, reason = StatusCancelled, ReasonLinkCancelled
	case "":
		return nil, malformed("razorpay: missing event")
	default:
		return nil, fmt.Errorf("%w: razorpay %s", ErrUnknownEvent, body.Event)
	}

	if body.Payload.PaymentLink == nil {
		return nil, malformed("razorpay: missing payment_link entity")
	}
	link := body.Payload.PaymentLink.Entity

	ev := &GatewayEvent{
		Gateway:      Razorpay,
		EventType:    body.Event,
		ReferenceId:  link.Notes["reference_id"],
		LinkId:       link.Id,
		Status:       status,
		AmountPaid:   link.AmountPaid,
		LinkStatus:   link.Status,
		CancelReason: reason,
	}
	if ev.ReferenceId == "" {
		ev.ReferenceId = link.ReferenceId
	}
	if ev.ReferenceId == "" && ev.LinkId == "" {
		return nil, malformed("razorpay: no reference id or link id")
	}

	if body.Payload.Payment != nil {
		p := body.Payload.Payment.Entity
		ev.GatewayTxnId = p.id()
		ev.BankReference = p.bankReference()
		ev.ErrorCode = p.ErrorCode
		if ev.AmountPaid == 0 {
			ev.AmountPaid = p.Amount
		}
	}
	return ev, nil
}

func (g *RazorpayGateway) authHeaders() map[string]string {
	key := base64.StdEncoding.EncodeToString([]byte(g.cfg.KeyId + ":" + g.cfg.KeySecret))
	return map[string]string{"Authorization": "Basic " + key}
}

func (g *RazorpayGateway) FetchStatus(ctx context.Context, ref LinkRef) (*GatewayEvent, error) {
	if ref.LinkId == "" {
		return nil, malformed("razorpay: link id required for status query")
	}

	var link razorpayLink
	url := fmt.Sprintf("%s/payment_links/%s", g.cfg.BaseUrl, ref.LinkId)
	if err := g.client.Get(ctx, url, g.authHeaders(), &link); err != nil {
		return nil, queryErr(Razorpay, "fetch payment link", err)
	}

	status, reason := g.linkStatus(link.Status)
	ev := &GatewayEvent{
		Gateway:      Razorpay,
		EventType:    "poll",
		ReferenceId:  link.Notes["reference_id"],
		LinkId:       link.Id,
		Status:       status,
		AmountPaid:   link.AmountPaid,
		LinkStatus:   link.Status,
		CancelReason: reason,
	}
	if ev.ReferenceId == "" {
		ev.ReferenceId = link.ReferenceId
	}
	for _, p := range link.Payments {
		if p.Status == "captured" || p.Status == "authorized" {
			ev.GatewayTxnId = p.id()
			ev.BankReference = p.bankReference()
		}
	}
	return ev, nil
}

func (g *RazorpayGateway) CreateLink(ctx context.Context, req LinkRequest) (*Link, error) {
	payload := map[string]interface{}{
		"amount":         req.Amount,
		"currency":       "INR",
		"accept_partial": false,
		"reference_id":   req.ReferenceId,
		"description":    req.Description,
		"customer": map[string]string{
			"name":    req.Customer.Name,
			"email":   req.Customer.Email,
			"contact": req.Customer.Phone,
		},
		"notify": map[string]bool{
			"sms":   req.Customer.Phone != "",
			"email": req.Customer.Email != "",
		},
		"notes": map[string]string{"reference_id": req.ReferenceId},
	}
	if !req.ExpiresAt.IsZero() {
		payload["expire_by"] = req.ExpiresAt.Unix()
	}

	var link razorpayLink
	if err := g.client.PostJSON(ctx, g.cfg.BaseUrl+"/payment_links", payload, g.authHeaders(), &link); err != nil {
		return nil, queryErr(Razorpay, "create payment link", err)
	}
	if link.Id == "" {
		return nil, queryErr(Razorpay, "create payment link", fmt.Errorf("empty link id in response"))
	}

	out := &Link{LinkId: link.Id, LinkUrl: link.ShortUrl, Status: link.Status, ExpiresAt: req.ExpiresAt}
	if link.ExpireBy > 0 {
		out.ExpiresAt = time.Unix(link.ExpireBy, 0).UTC()
	}
	return out, nil
}
