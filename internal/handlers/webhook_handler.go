package handlers

import (
	"io"
	"net/http"

	"payment-service/internal/models"
	"payment-service/internal/services"
	"payment-service/pkg/common"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// maxWebhookBody caps what a gateway may post to us.
const maxWebhookBody = 1 << 20

type WebhookHandler struct {
	Service *services.WebhookService
	logger  *zap.Logger
}

func NewWebhookHandler(service *services.WebhookService, logger *zap.Logger) *WebhookHandler {
	return &WebhookHandler{Service: service, logger: logger}
}

// Receive handles POST /webhooks/:gateway. The raw body is passed through
// untouched because signatures are computed over the exact bytes.
func (h *WebhookHandler) Receive(c *gin.Context) {
	gateway := c.Param("gateway")

	body, err := io.ReadAll(http.MaxBytesReader(c.Writer, c.Request.Body, maxWebhookBody))
	if err != nil {
		c.JSON(http.StatusBadRequest, common.NewErrorResponse("Unable to read request body", nil, http.StatusBadRequest))
		return
	}

	result, err := h.Service.Handle(c.Request.Context(), gateway, body, c.Request.Header)
	if err != nil {
		_ = c.Error(err)
	}

	if result.StatusCode == http.StatusOK {
		c.JSON(http.StatusOK, common.WebhookAck{Received: true})
		return
	}
	c.JSON(result.StatusCode, common.NewErrorResponse(webhookMessage(result.Outcome), nil, result.StatusCode))
}

func webhookMessage(outcome string) string {
	switch outcome {
	case models.OutcomeInvalidSignature:
		return "Invalid signature"
	case models.OutcomeMalformed:
		return "Malformed payload"
	case models.OutcomeNotFound:
		return "Transaction not found"
	}
	return "Internal server error"
}
