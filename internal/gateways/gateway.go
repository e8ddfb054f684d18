// Package gateways holds one adapter per payment gateway. An adapter checks
// webhook authenticity, normalises webhook bodies and polled link status into
// a GatewayEvent, and issues payment links.
package gateways

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"
)

const (
	Razorpay = "razorpay"
	PhonePe  = "phonepe"
	Cashfree = "cashfree"
)

// Status is the canonical transaction-level outcome reported by a gateway.
type Status string

const (
	StatusSuccess   Status = "SUCCESS"
	StatusFailed    Status = "FAILED"
	StatusCancelled Status = "CANCELLED"
	// StatusPending means the gateway has nothing final to say yet.
	StatusPending Status = "PENDING"
)

// Cancel reasons carried on CANCELLED events.
const (
	ReasonLinkExpired   = "LINK_EXPIRED"
	ReasonLinkCancelled = "LINK_CANCELLED"
)

var (
	ErrInvalidSignature = errors.New("invalid webhook signature")
	ErrMalformedPayload = errors.New("malformed gateway payload")
	ErrUnknownEvent     = errors.New("unhandled gateway event")
	ErrGatewayQuery     = errors.New("gateway query failed")
	ErrUnknownGateway   = errors.New("unknown gateway")
)

// QueryError wraps any failure talking to a gateway API (network, timeout,
// non-2xx, undecodable body). It matches ErrGatewayQuery with errors.Is.
type QueryError struct {
	Gateway string
	Op      string
	Err     error
}

func (e *QueryError) Error() string {
	return fmt.Sprintf("%s %s: %v", e.Gateway, e.Op, e.Err)
}

func (e *QueryError) Unwrap() error { return e.Err }

func (e *QueryError) Is(target error) bool { return target == ErrGatewayQuery }

// GatewayEvent is the normalised form of a webhook delivery or a status poll.
// It only carries transaction-level facts; payment-level status is derived
// elsewhere from the sub-records.
type GatewayEvent struct {
	Gateway       string
	EventType     string
	ReferenceId   string
	LinkId        string
	Status        Status
	AmountPaid    int64
	GatewayTxnId  string
	BankReference string
	ErrorCode     string
	LinkStatus    string
	CancelReason  string
}

// LinkRef identifies a link on the gateway side. PhonePe polls by the
// merchant reference, the others by their own link id.
type LinkRef struct {
	LinkId      string
	ReferenceId string
}

type Customer struct {
	Name  string
	Email string
	Phone string
}

type LinkRequest struct {
	ReferenceId string
	Amount      int64
	Description string
	Customer    Customer
	ExpiresAt   time.Time
}

type Link struct {
	LinkId    string
	LinkUrl   string
	Status    string
	ExpiresAt time.Time
}

type Gateway interface {
	Name() string
	// VerifySignature must run before anything else touches the body.
	VerifySignature(rawBody []byte, headers http.Header) error
	ParseWebhook(rawBody []byte) (*GatewayEvent, error)
	FetchStatus(ctx context.Context, ref LinkRef) (*GatewayEvent, error)
	CreateLink(ctx context.Context, req LinkRequest) (*Link, error)
}

// Registry resolves adapters by gateway name.
type Registry struct {
	gateways map[string]Gateway
}

func NewRegistry(gws ...Gateway) *Registry {
	r := &Registry{gateways: make(map[string]Gateway, len(gws))}
	for _, g := range gws {
		r.gateways[g.Name()] = g
	}
	return r
}

func (r *Registry) Get(name string) (Gateway, error) {
	g, ok := r.gateways[name]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownGateway, name)
	}
	return g, nil
}

func malformed(format string, args ...interface{}) error {
	return fmt.Errorf("%w: %s", ErrMalformedPayload, fmt.Sprintf(format, args...))
}

func queryErr(gateway, op string, err error) error {
	return &QueryError{Gateway: gateway, Op: op, Err: err}
}
