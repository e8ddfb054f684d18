package gateways

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"net/http"
	"net/url"
	"time"

	"payment-service/internal/config"
	"payment-service/pkg/common"
)

const (
	cashfreeSignatureHeader = "x-webhook-signature"
	cashfreeTimestampHeader = "x-webhook-timestamp"
)

type CashfreeGateway struct {
	cfg    config.CashfreeConfig
	client *common.HTTPClient
}

func NewCashfreeGateway(cfg config.CashfreeConfig, client *common.HTTPClient) *CashfreeGateway {
	return &CashfreeGateway{cfg: cfg, client: client}
}

func (g *CashfreeGateway) Name() string { return Cashfree }

func (g *CashfreeGateway) VerifySignature(rawBody []byte, headers http.Header) error {
	return verifyBase64HMAC(g.cfg.ClientSecret,
		headers.Get(cashfreeTimestampHeader), rawBody, headers.Get(cashfreeSignatureHeader))
}

// Cashfree amounts are decimal rupees on the wire.
func toPaise(rupees float64) int64 {
	return int64(math.Round(rupees * 100))
}

type cashfreeLink struct {
	LinkId         string            `json:"link_id"`
	CfLinkId       flexString        `json:"cf_link_id"`
	LinkStatus     string            `json:"link_status"`
	LinkAmount     float64           `json:"link_amount"`
	LinkAmountPaid float64           `json:"link_amount_paid"`
	LinkUrl        string            `json:"link_url"`
	LinkExpiryTime string            `json:"link_expiry_time"`
	LinkNotes      map[string]string `json:"link_notes"`
}

type cashfreeOrder struct {
	OrderId           string     `json:"order_id"`
	OrderAmount       float64    `json:"order_amount"`
	TransactionId     flexString `json:"transaction_id"`
	TransactionStatus string     `json:"transaction_status"`
}

// flexString decodes ids Cashfree sends as either JSON numbers or strings.
type flexString string

func (f *flexString) UnmarshalJSON(data []byte) error {
	if len(data) > 0 && data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		*f = flexString(s)
		return nil
	}
	if string(data) == "null" {
		*f = ""
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(data, &n); err != nil {
		return err
	}
	*f = flexString(n.String())
	return nil
}

type cashfreeWebhook struct {
	Type string `json:"type"`
	Data struct {
		cashfreeLink
		Order *cashfreeOrder `json:"order"`
	} `json:"data"`
}

func cashfreeTxnStatus(status string) Status {
	switch status {
	case "SUCCESS":
		return StatusSuccess
	case "FAILED":
		return StatusFailed
	}
	return StatusPending
}

// cashfreeLinkStatus maps the link lifecycle. PAID and PARTIALLY_PAID both
// settle the obligation this link was issued for.
func cashfreeLinkStatus(status string) (Status, string) {
	switch status {
	case "PAID", "PARTIALLY_PAID":
		return StatusSuccess, ""
	case "EXPIRED":
		return StatusCancelled, ReasonLinkExpired
	case "CANCELLED":
		return StatusCancelled, ReasonLinkCancelled
	}
	return StatusPending, ""
}

func (l cashfreeLink) referenceId() string {
	if ref := l.LinkNotes["reference_id"]; ref != "" {
		return ref
	}
	return l.LinkId
}

func (g *CashfreeGateway) ParseWebhook(rawBody []byte) (*GatewayEvent, error) {
	var body cashfreeWebhook
	if err := json.Unmarshal(rawBody, &body); err != nil {
		return nil, malformed("cashfree: %v", err)
	}
	if body.Type == "" {
		return nil, malformed("cashfree: missing type")
	}
	if body.Type != "PAYMENT_LINK_EVENT" {
		return nil, fmt.Errorf("%w: cashfree %s", ErrUnknownEvent, body.Type)
	}

	link := body.Data.cashfreeLink
	if link.LinkId == "" {
		return nil, malformed("cashfree: missing link_id")
	}

	ev := &GatewayEvent{
		Gateway:     Cashfree,
		EventType:   body.Type,
		ReferenceId: link.referenceId(),
		LinkId:      link.LinkId,
		AmountPaid:  toPaise(link.LinkAmountPaid),
		LinkStatus:  link.LinkStatus,
	}

	if order := body.Data.Order; order != nil && order.TransactionStatus != "" {
		ev.Status = cashfreeTxnStatus(order.TransactionStatus)
		ev.GatewayTxnId = string(order.TransactionId)
		ev.BankReference = order.OrderId
	} else {
		ev.Status, ev.CancelReason = cashfreeLinkStatus(link.LinkStatus)
	}
	return ev, nil
}

func (g *CashfreeGateway) headers() map[string]string {
	return map[string]string{
		"x-client-id":     g.cfg.ClientId,
		"x-client-secret": g.cfg.ClientSecret,
		"x-api-version":   g.cfg.ApiVersion,
	}
}

func (g *CashfreeGateway) FetchStatus(ctx context.Context, ref LinkRef) (*GatewayEvent, error) {
	linkId := ref.LinkId
	if linkId == "" {
		linkId = ref.ReferenceId
	}
	if linkId == "" {
		return nil, malformed("cashfree: link id required for status query")
	}

	var link cashfreeLink
	if err := g.client.Get(ctx, fmt.Sprintf("%s/links/%s", g.cfg.BaseUrl, url.PathEscape(linkId)), g.headers(), &link); err != nil {
		return nil, queryErr(Cashfree, "fetch link", err)
	}

	status, reason := cashfreeLinkStatus(link.LinkStatus)
	return &GatewayEvent{
		Gateway:      Cashfree,
		EventType:    "poll",
		ReferenceId:  link.referenceId(),
		LinkId:       link.LinkId,
		Status:       status,
		AmountPaid:   toPaise(link.LinkAmountPaid),
		LinkStatus:   link.LinkStatus,
		CancelReason: reason,
	}, nil
}

func (g *CashfreeGateway) CreateLink(ctx context.Context, req LinkRequest) (*Link, error) {
	payload := map[string]interface{}{
		"link_id":               req.ReferenceId,
		"link_amount":           float64(req.Amount) / 100,
		"link_currency":         "INR",
		"link_purpose":          req.Description,
		"link_partial_payments": false,
		"customer_details": map[string]string{
			"customer_name":  req.Customer.Name,
			"customer_email": req.Customer.Email,
			"customer_phone": req.Customer.Phone,
		},
		"link_notify": map[string]bool{
			"send_sms":   req.Customer.Phone != "",
			"send_email": req.Customer.Email != "",
		},
		"link_notes": map[string]string{"reference_id": req.ReferenceId},
	}
	if !req.ExpiresAt.IsZero() {
		payload["link_expiry_time"] = req.ExpiresAt.Format(time.RFC3339)
	}

	var link cashfreeLink
	if err := g.client.PostJSON(ctx, g.cfg.BaseUrl+"/links", payload, g.headers(), &link); err != nil {
		return nil, queryErr(Cashfree, "create link", err)
	}
	if link.LinkId == "" {
		return nil, queryErr(Cashfree, "create link", fmt.Errorf("empty link id in response"))
	}

	out := &Link{LinkId: link.LinkId, LinkUrl: link.LinkUrl, Status: link.LinkStatus, ExpiresAt: req.ExpiresAt}
	if t, err := time.Parse(time.RFC3339, link.LinkExpiryTime); err == nil {
		out.ExpiresAt = t.UTC()
	}
	return out, nil
}
