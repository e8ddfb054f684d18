package services

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/gorm"

	"payment-service/internal/gateways"
	"payment-service/internal/metrics"
	"payment-service/internal/models"
)

// WebhookResult is what the HTTP layer needs to answer a gateway.
type WebhookResult struct {
	Outcome     string
	StatusCode  int
	Transaction *models.Transaction
}

type WebhookService struct {
	DB         *gorm.DB
	registry   *gateways.Registry
	settlement *SettlementService
	logger     *zap.Logger
}

func NewWebhookService(db *gorm.DB, registry *gateways.Registry, settlement *SettlementService, logger *zap.Logger) *WebhookService {
	return &WebhookService{DB: db, registry: registry, settlement: settlement, logger: logger}
}

// Handle authenticates, normalises and applies one webhook delivery. The
// returned error is only set for internal failures; every outcome, including
// rejections, is reflected in the result.
func (s *WebhookService) Handle(ctx context.Context, gatewayName string, rawBody []byte, headers http.Header) (*WebhookResult, error) {
	ctx, span := otel.Tracer("payment-service/webhooks").Start(ctx, "webhook."+gatewayName)
	defer span.End()

	log := s.logger.With(zap.String("gateway", gatewayName))
	entry := models.WebhookLog{Gateway: gatewayName}
	result, err := s.handle(ctx, gatewayName, rawBody, headers, &entry)

	entry.Outcome = result.Outcome
	entry.StatusCode = result.StatusCode
	// the raw body is only stored once it is known to be authentic JSON
	if result.Outcome != models.OutcomeInvalidSignature && json.Valid(rawBody) {
		entry.Payload = datatypes.JSON(rawBody)
	}
	s.record(ctx, &entry)
	metrics.RecordWebhook(gatewayName, result.Outcome)

	span.SetAttributes(
		attribute.String("webhook.outcome", result.Outcome),
		attribute.String("webhook.reference", entry.Reference))

	fields := []zap.Field{
		zap.String("outcome", result.Outcome),
		zap.String("event", entry.Event),
		zap.String("reference", entry.Reference),
	}
	if result.Transaction != nil {
		fields = append(fields, zap.Int("transaction_id", result.Transaction.ID))
	}
	switch {
	case err != nil:
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		log.Error("Webhook processing failed", append(fields, zap.Error(err))...)
	case result.Outcome == models.OutcomeInvalidSignature, result.Outcome == models.OutcomeNotFound:
		log.Warn("Webhook rejected", fields...)
	case result.Outcome == models.OutcomeLatePayment:
		log.Warn("Webhook reported payment for a closed transaction", fields...)
	default:
		log.Info("Webhook processed", fields...)
	}
	return result, err
}

func (s *WebhookService) handle(ctx context.Context, gatewayName string, rawBody []byte, headers http.Header, entry *models.WebhookLog) (*WebhookResult, error) {
	gw, err := s.registry.Get(gatewayName)
	if err != nil {
		return &WebhookResult{Outcome: models.OutcomeNotFound, StatusCode: http.StatusNotFound}, nil
	}

	if err := gw.VerifySignature(rawBody, headers); err != nil {
		return &WebhookResult{Outcome: models.OutcomeInvalidSignature, StatusCode: http.StatusUnauthorized}, nil
	}

	ev, err := gw.ParseWebhook(rawBody)
	switch {
	case errors.Is(err, gateways.ErrUnknownEvent):
		return &WebhookResult{Outcome: models.OutcomeIgnored, StatusCode: http.StatusOK}, nil
	case errors.Is(err, gateways.ErrMalformedPayload):
		return &WebhookResult{Outcome: models.OutcomeMalformed, StatusCode: http.StatusBadRequest}, nil
	case err != nil:
		return &WebhookResult{Outcome: models.OutcomeError, StatusCode: http.StatusInternalServerError}, err
	}

	entry.Event = ev.EventType
	entry.Reference = ev.ReferenceId
	if entry.Reference == "" {
		entry.Reference = ev.LinkId
	}

	settled, err := s.settlement.Settle(ctx, ev)
	if err != nil {
		if errors.Is(err, ErrTransactionNotFound) {
			return &WebhookResult{Outcome: models.OutcomeNotFound, StatusCode: http.StatusNotFound}, nil
		}
		res := &WebhookResult{Outcome: models.OutcomeError, StatusCode: http.StatusInternalServerError}
		if settled != nil {
			res.Transaction = settled.Transaction
		}
		return res, err
	}

	result := &WebhookResult{StatusCode: http.StatusOK, Transaction: settled.Transaction}
	switch {
	case ev.Status == gateways.StatusPending:
		result.Outcome = models.OutcomeIgnored
	case settled.Applied():
		result.Outcome = models.OutcomeApplied
	case settled.LatePayment:
		result.Outcome = models.OutcomeLatePayment
	default:
		result.Outcome = models.OutcomeDuplicate
	}
	return result, nil
}

// record writes the audit row. A failure here never changes the response.
func (s *WebhookService) record(ctx context.Context, entry *models.WebhookLog) {
	if err := s.DB.WithContext(ctx).Create(entry).Error; err != nil {
		s.logger.Error("Failed to write webhook log", zap.String("gateway", entry.Gateway), zap.Error(err))
	}
}
