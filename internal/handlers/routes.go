package handlers

import (
	"payment-service/internal/middleware"

	"github.com/gin-gonic/gin"
)

func RegisterRoutes(r *gin.Engine, webhook *WebhookHandler, payment *PaymentHandler, health *HealthHandler) {
	r.GET("/ping", func(c *gin.Context) {
		c.JSON(200, gin.H{
			"message": "Welcome To Driving School Payment service",
		})
	})
	r.GET("/health", health.Check)
	r.GET("/metrics", middleware.PrometheusHandler())

	r.POST("/webhooks/:gateway", webhook.Receive)

	api := r.Group("/api")
	api.POST("/payment-links", payment.CreatePaymentLink)
	api.POST("/offline-payments", payment.RecordOfflinePayment)
	api.GET("/transactions", payment.GetTransactions)
	api.GET("/transactions/:id", payment.GetTransaction)
	api.GET("/payments/:id", payment.GetPayment)
}
