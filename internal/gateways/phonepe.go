package gateways

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"payment-service/internal/config"
	"payment-service/pkg/common"
)

type PhonePeGateway struct {
	cfg    config.PhonePeConfig
	client *common.HTTPClient
	tokens *TokenCache
}

func NewPhonePeGateway(cfg config.PhonePeConfig, client *common.HTTPClient) *PhonePeGateway {
	form := url.Values{}
	form.Set("client_id", cfg.ClientId)
	form.Set("client_version", cfg.ClientVersion)
	form.Set("client_secret", cfg.ClientSecret)
	form.Set("grant_type", "client_credentials")

	return &PhonePeGateway{
		cfg:    cfg,
		client: client,
		tokens: NewTokenCache(client, cfg.AuthUrl, form),
	}
}

func (g *PhonePeGateway) Name() string { return PhonePe }

// VerifySignature checks the Authorization header PhonePe sends with every
// callback: the SHA256 digest of the configured webhook credentials.
func (g *PhonePeGateway) VerifySignature(rawBody []byte, headers http.Header) error {
	return verifyBasicDigest(g.cfg.WebhookUsername, g.cfg.WebhookPassword, headers.Get("Authorization"))
}

type phonePePaymentDetail struct {
	TransactionId string `json:"transactionId"`
	PaymentMode   string `json:"paymentMode"`
	Amount        int64  `json:"amount"`
	State         string `json:"state"`
	ErrorCode     string `json:"errorCode"`
	Rail          struct {
		Utr string `json:"utr"`
	} `json:"rail"`
}

type phonePeOrder struct {
	OrderId         string                 `json:"orderId"`
	MerchantOrderId string                 `json:"merchantOrderId"`
	State           string                 `json:"state"`
	Amount          int64                  `json:"amount"`
	ExpireAt        int64                  `json:"expireAt"`
	ErrorCode       string                 `json:"errorCode"`
	PaymentDetails  []phonePePaymentDetail `json:"paymentDetails"`
}

type phonePeWebhook struct {
	Event   string       `json:"event"`
	Payload phonePeOrder `json:"payload"`
}

func phonePeStatus(state string) Status {
	switch state {
	case "COMPLETED":
		return StatusSuccess
	case "FAILED":
		return StatusFailed
	}
	return StatusPending
}

func (g *PhonePeGateway) toEvent(eventType string, order phonePeOrder) *GatewayEvent {
	ev := &GatewayEvent{
		Gateway:     PhonePe,
		EventType:   eventType,
		ReferenceId: order.MerchantOrderId,
		LinkId:      order.OrderId,
		Status:      phonePeStatus(order.State),
		LinkStatus:  order.State,
		ErrorCode:   order.ErrorCode,
	}
	// the last attempt is the one that settled the order
	if n := len(order.PaymentDetails); n > 0 {
		d := order.PaymentDetails[n-1]
		ev.GatewayTxnId = d.TransactionId
		ev.BankReference = d.Rail.Utr
		if d.ErrorCode != "" {
			ev.ErrorCode = d.ErrorCode
		}
	}
	if ev.Status == StatusSuccess {
		ev.AmountPaid = order.Amount
	}
	return ev
}

func (g *PhonePeGateway) ParseWebhook(rawBody []byte) (*GatewayEvent, error) {
	var body phonePeWebhook
	if err := json.Unmarshal(rawBody, &body); err != nil {
		return nil, malformed("phonepe: %v", err)
	}
	if body.Payload.MerchantOrderId == "" && body.Payload.OrderId == "" {
		return nil, malformed("phonepe: missing merchantOrderId and orderId")
	}
	if body.Payload.State == "" {
		return nil, malformed("phonepe: missing state")
	}
	return g.toEvent(body.Event, body.Payload), nil
}

func (g *PhonePeGateway) authHeaders(ctx context.Context) (map[string]string, error) {
	token, err := g.tokens.Token(ctx)
	if err != nil {
		return nil, fmt.Errorf("fetch oauth token: %w", err)
	}
	return map[string]string{"Authorization": "O-Bearer " + token}, nil
}

// call runs fn with a fresh token, retrying once if the cached token was rejected.
func (g *PhonePeGateway) call(ctx context.Context, fn func(headers map[string]string) error) error {
	headers, err := g.authHeaders(ctx)
	if err != nil {
		return err
	}
	err = fn(headers)
	var httpErr *common.HTTPError
	if errors.As(err, &httpErr) && httpErr.StatusCode == http.StatusUnauthorized {
		g.tokens.Invalidate()
		if headers, err = g.authHeaders(ctx); err != nil {
			return err
		}
		return fn(headers)
	}
	return err
}

func (g *PhonePeGateway) FetchStatus(ctx context.Context, ref LinkRef) (*GatewayEvent, error) {
	if ref.ReferenceId == "" {
		return nil, malformed("phonepe: merchant order id required for status query")
	}

	var order phonePeOrder
	statusUrl := fmt.Sprintf("%s/checkout/v2/order/%s/status", g.cfg.BaseUrl, url.PathEscape(ref.ReferenceId))
	err := g.call(ctx, func(headers map[string]string) error {
		return g.client.Get(ctx, statusUrl, headers, &order)
	})
	if err != nil {
		return nil, queryErr(PhonePe, "fetch order status", err)
	}

	if order.MerchantOrderId == "" {
		order.MerchantOrderId = ref.ReferenceId
	}
	if order.OrderId == "" {
		order.OrderId = ref.LinkId
	}
	return g.toEvent("poll", order), nil
}

type phonePePayResponse struct {
	OrderId     string `json:"orderId"`
	State       string `json:"state"`
	ExpireAt    int64  `json:"expireAt"`
	RedirectUrl string `json:"redirectUrl"`
}

func (g *PhonePeGateway) CreateLink(ctx context.Context, req LinkRequest) (*Link, error) {
	payload := map[string]interface{}{
		"merchantOrderId": req.ReferenceId,
		"amount":          req.Amount,
		"paymentFlow": map[string]interface{}{
			"type":    "PG_CHECKOUT",
			"message": req.Description,
			"merchantUrls": map[string]string{
				"redirectUrl": g.cfg.RedirectUrl,
			},
		},
		"metaInfo": map[string]string{"udf1": req.ReferenceId},
	}
	if !req.ExpiresAt.IsZero() {
		if secs := int64(time.Until(req.ExpiresAt).Seconds()); secs > 0 {
			payload["expireAfter"] = secs
		}
	}

	var resp phonePePayResponse
	err := g.call(ctx, func(headers map[string]string) error {
		return g.client.PostJSON(ctx, g.cfg.BaseUrl+"/checkout/v2/pay", payload, headers, &resp)
	})
	if err != nil {
		return nil, queryErr(PhonePe, "create checkout order", err)
	}
	if resp.OrderId == "" {
		return nil, queryErr(PhonePe, "create checkout order", fmt.Errorf("empty order id in response"))
	}

	link := &Link{LinkId: resp.OrderId, LinkUrl: resp.RedirectUrl, Status: resp.State, ExpiresAt: req.ExpiresAt}
	if resp.ExpireAt > 0 {
		link.ExpiresAt = time.UnixMilli(resp.ExpireAt).UTC()
	}
	return link, nil
}
