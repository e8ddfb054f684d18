package handlers

import (
	"errors"
	"net/http"
	"strconv"

	"payment-service/internal/gateways"
	"payment-service/internal/models"
	"payment-service/internal/services"
	"payment-service/pkg/common"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// PaymentHandler serves the internal operations API used by the school
// back office. Authentication is enforced upstream.
type PaymentHandler struct {
	Links  *services.LinkService
	Store  *services.TransactionStore
	Ledger *services.PaymentLedger
	logger *zap.Logger
}

func NewPaymentHandler(links *services.LinkService, store *services.TransactionStore, ledger *services.PaymentLedger, logger *zap.Logger) *PaymentHandler {
	return &PaymentHandler{Links: links, Store: store, Ledger: ledger, logger: logger}
}

func (h *PaymentHandler) CreatePaymentLink(c *gin.Context) {
	var req services.IssueLinkRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, common.NewErrorResponse(err.Error(), nil, http.StatusBadRequest))
		return
	}

	trx, err := h.Links.IssuePaymentLink(c.Request.Context(), req)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusCreated, common.SuccessResponse{
		Status:  http.StatusCreated,
		Success: true,
		Message: "Payment link created",
		Data:    trx,
	})
}

func (h *PaymentHandler) RecordOfflinePayment(c *gin.Context) {
	var req services.OfflinePaymentRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, common.NewErrorResponse(err.Error(), nil, http.StatusBadRequest))
		return
	}

	trx, payment, err := h.Links.RecordOfflinePayment(c.Request.Context(), req)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusCreated, common.SuccessResponse{
		Status:  http.StatusCreated,
		Success: true,
		Message: "Payment recorded",
		Data:    gin.H{"transaction": trx, "payment": payment},
	})
}

func (h *PaymentHandler) GetTransactions(c *gin.Context) {
	page, limit := common.ParsePage(c.Query("page"), c.Query("limit"))

	filter := services.TransactionFilter{
		Status:  models.TransactionStatus(c.Query("status")),
		Gateway: c.Query("gateway"),
	}
	if v := c.Query("paymentId"); v != "" {
		id, err := strconv.Atoi(v)
		if err != nil {
			c.JSON(http.StatusBadRequest, common.NewErrorResponse("Invalid paymentId", nil, http.StatusBadRequest))
			return
		}
		filter.PaymentId = id
	}
	if filter.Status != "" && !filter.Status.Valid() {
		c.JSON(http.StatusBadRequest, common.NewErrorResponse("Invalid status", nil, http.StatusBadRequest))
		return
	}

	rows, total, err := h.Store.List(c.Request.Context(), filter, page, limit)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, common.PaginateResponse(rows, total, page, limit, "Transactions retrieved"))
}

func (h *PaymentHandler) GetTransaction(c *gin.Context) {
	id, err := strconv.Atoi(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, common.NewErrorResponse("Invalid id", nil, http.StatusBadRequest))
		return
	}
	trx, err := h.Store.Get(c.Request.Context(), id)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, common.NewSuccessResponse(trx, "Transaction retrieved"))
}

func (h *PaymentHandler) GetPayment(c *gin.Context) {
	id, err := strconv.Atoi(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, common.NewErrorResponse("Invalid id", nil, http.StatusBadRequest))
		return
	}
	payment, err := h.Ledger.GetPayment(c.Request.Context(), id)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, common.NewSuccessResponse(payment, "Payment retrieved"))
}

func (h *PaymentHandler) fail(c *gin.Context, err error) {
	status := errorStatus(err)
	if status >= http.StatusInternalServerError {
		h.logger.Error("Request failed", zap.String("path", c.FullPath()), zap.Error(err))
	}
	c.JSON(status, common.NewErrorResponse(err.Error(), nil, status))
}

func errorStatus(err error) int {
	switch {
	case errors.Is(err, services.ErrInvalidRequest), errors.Is(err, gateways.ErrUnknownGateway):
		return http.StatusBadRequest
	case errors.Is(err, services.ErrPaymentNotFound),
		errors.Is(err, services.ErrObligationNotFound),
		errors.Is(err, services.ErrTransactionNotFound):
		return http.StatusNotFound
	case errors.Is(err, services.ErrObligationSettled):
		return http.StatusConflict
	case errors.Is(err, services.ErrObligationMismatch):
		return http.StatusUnprocessableEntity
	case errors.Is(err, gateways.ErrGatewayQuery):
		return http.StatusBadGateway
	}
	return http.StatusInternalServerError
}
