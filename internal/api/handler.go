package api

import (
	"errors"
	"io"
	"net/http"
	"strconv"
	"time"

	"fulfillment-service/internal/apperr"
	"fulfillment-service/internal/models"
	"fulfillment-service/internal/order"
	"fulfillment-service/internal/payment"
	"fulfillment-service/internal/redisclient"
	"fulfillment-service/internal/util"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Handler contains HTTP handlers
type Handler struct {
	orders   *order.Machine
	payments *payment.Orchestrator
	redis    *redisclient.Client
}

// NewHandler creates a new HTTP handler
func NewHandler(orders *order.Machine, payments *payment.Orchestrator, redis *redisclient.Client) *Handler {
	return &Handler{
		orders:   orders,
		payments: payments,
		redis:    redis,
	}
}

// SetupRoutes sets up HTTP routes
func (h *Handler) SetupRoutes(router *gin.Engine) {
	router.Use(gin.Recovery())
	router.Use(prometheusMiddleware())
	router.Use(gin.Logger())

	router.GET("/health", h.healthCheck)
	router.GET("/ready", h.readinessCheck)

	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	v1 := router.Group("/api/v1")
	{
		v1.POST("/checkout", h.checkout)
		v1.GET("/orders/:id", h.getOrder)
		v1.GET("/orders/:id/history", h.getOrderHistory)
		v1.GET("/orders/:id/payments", h.listOrderPayments)
		v1.PATCH("/orders/:id/status", h.changeOrderStatus)
		v1.PATCH("/orders/:id/cancel", h.cancelOrder)

		v1.POST("/payments", h.createPayment)
		v1.POST("/payments/:id/confirm", h.confirmPayment)
		v1.POST("/payments/:id/cash-collected", h.markCashCollected)
		v1.POST("/payments/:id/refund", h.refundPayment)
		v1.POST("/payments/webhooks/:gateway", h.paymentWebhook)
	}
}

// healthCheck handles health check requests
func (h *Handler) healthCheck(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status": "healthy",
		"time":   time.Now().Unix(),
	})
}

// readinessCheck handles readiness check requests
func (h *Handler) readinessCheck(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status": "ready",
		"time":   time.Now().Unix(),
	})
}

// checkout creates an order. A repeated Idempotency-Key returns 409 instead
// of double-charging stock.
func (h *Handler) checkout(c *gin.Context) {
	var req order.CreateOrderRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "Invalid request body",
			"details": err.Error(),
		})
		return
	}

	key := c.GetHeader("Idempotency-Key")
	if key != "" {
		fresh, err := h.redis.SetIdempotencyKey(c.Request.Context(), key, "", 24*time.Hour)
		if err == nil && !fresh {
			existing, _ := h.redis.GetIdempotencyKey(c.Request.Context(), key)
			c.JSON(http.StatusConflict, gin.H{
				"error":    "Duplicate checkout request",
				"order_id": existing,
			})
			return
		}
	}

	created, err := h.orders.CreateOrder(c.Request.Context(), &req)
	if err != nil {
		if key != "" {
			// Let the client retry with the same key.
			h.redis.DeleteIdempotencyKey(c.Request.Context(), key)
		}
		respondError(c, err, "Failed to create order")
		return
	}

	if key != "" {
		h.redis.UpdateIdempotencyKey(c.Request.Context(), key, created.ID, 24*time.Hour)
	}

	c.JSON(http.StatusCreated, created)
}

// getOrder handles get order by ID
func (h *Handler) getOrder(c *gin.Context) {
	o, items, err := h.orders.GetOrder(c.Request.Context(), c.Param("id"))
	if err != nil {
		respondError(c, err, "Failed to get order")
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"order": o,
		"items": items,
	})
}

// getOrderHistory returns the status audit trail
func (h *Handler) getOrderHistory(c *gin.Context) {
	history, err := h.orders.GetHistory(c.Request.Context(), c.Param("id"))
	if err != nil {
		respondError(c, err, "Failed to get order history")
		return
	}
	c.JSON(http.StatusOK, gin.H{"history": history})
}

// listOrderPayments returns an order's payment attempts
func (h *Handler) listOrderPayments(c *gin.Context) {
	payments, err := h.payments.ListPayments(c.Request.Context(), c.Param("id"))
	if err != nil {
		respondError(c, err, "Failed to list payments")
		return
	}
	c.JSON(http.StatusOK, gin.H{"payments": payments})
}

type changeStatusRequest struct {
	Status  models.OrderStatus `json:"status" binding:"required"`
	Notes   string             `json:"notes,omitempty"`
	ActorID string             `json:"actor_id,omitempty"`
}

// changeOrderStatus applies a fulfillment transition (processing, shipped,
// in_transit, delivered, completed).
func (h *Handler) changeOrderStatus(c *gin.Context) {
	var req changeStatusRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "Invalid request body",
			"details": err.Error(),
		})
		return
	}

	if err := h.orders.ChangeStatus(c.Request.Context(), c.Param("id"), req.Status, req.Notes, req.ActorID); err != nil {
		respondError(c, err, "Failed to change order status")
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": req.Status})
}

type cancelRequest struct {
	Reason  string `json:"reason,omitempty"`
	ActorID string `json:"actor_id,omitempty"`
}

// cancelOrder cancels an order and releases its reservation
func (h *Handler) cancelOrder(c *gin.Context) {
	var req cancelRequest
	if err := c.ShouldBindJSON(&req); err != nil && err != io.EOF {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "Invalid request body",
			"details": err.Error(),
		})
		return
	}

	if err := h.orders.Cancel(c.Request.Context(), c.Param("id"), req.Reason, req.ActorID); err != nil {
		respondError(c, err, "Failed to cancel order")
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": models.OrderStatusCancelled})
}

// createPayment starts a payment attempt for an order
func (h *Handler) createPayment(c *gin.Context) {
	var req payment.CreatePaymentRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "Invalid request body",
			"details": err.Error(),
		})
		return
	}

	intent, err := h.payments.CreatePayment(c.Request.Context(), &req)
	if err != nil {
		respondError(c, err, "Failed to create payment")
		return
	}
	c.JSON(http.StatusCreated, intent)
}

// confirmPayment polls the gateway for the current payment status
func (h *Handler) confirmPayment(c *gin.Context) {
	p, err := h.payments.ConfirmPayment(c.Request.Context(), c.Param("id"))
	if err != nil {
		respondError(c, err, "Failed to confirm payment")
		return
	}
	c.JSON(http.StatusOK, p)
}

type cashCollectedRequest struct {
	CourierID string `json:"courier_id,omitempty"`
}

// markCashCollected records a cash-on-delivery collection
func (h *Handler) markCashCollected(c *gin.Context) {
	var req cashCollectedRequest
	if err := c.ShouldBindJSON(&req); err != nil && err != io.EOF {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "Invalid request body",
			"details": err.Error(),
		})
		return
	}

	if err := h.payments.MarkCashCollected(c.Request.Context(), c.Param("id"), req.CourierID); err != nil {
		respondError(c, err, "Failed to record cash collection")
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": models.PaymentStatusSuccess})
}

type refundRequest struct {
	Reason string `json:"reason,omitempty"`
}

// refundPayment reverses a succeeded payment
func (h *Handler) refundPayment(c *gin.Context) {
	var req refundRequest
	if err := c.ShouldBindJSON(&req); err != nil && err != io.EOF {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "Invalid request body",
			"details": err.Error(),
		})
		return
	}

	if err := h.payments.Refund(c.Request.Context(), c.Param("id"), req.Reason); err != nil {
		respondError(c, err, "Failed to refund payment")
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": models.PaymentStatusRefunded})
}

// paymentWebhook persists the raw gateway notification and returns
// immediately; processing happens asynchronously. The signature header is
// stored alongside the payload so the adapter can verify authenticity.
func (h *Handler) paymentWebhook(c *gin.Context) {
	payload, err := io.ReadAll(c.Request.Body)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Failed to read body"})
		return
	}

	gw := models.PaymentGateway(c.Param("gateway"))
	signature := c.GetHeader("X-Webhook-Signature")
	if err := h.payments.HandleWebhook(c.Request.Context(), gw, payload, signature); err != nil {
		respondError(c, err, "Failed to accept webhook")
		return
	}
	c.JSON(http.StatusOK, gin.H{"received": true})
}

// respondError maps domain errors to HTTP statuses
func respondError(c *gin.Context, err error, message string) {
	status := http.StatusInternalServerError

	switch apperr.KindOf(err) {
	case apperr.KindValidation:
		status = http.StatusBadRequest
	case apperr.KindNotFound:
		status = http.StatusNotFound
	case apperr.KindConflict:
		status = http.StatusConflict
	case apperr.KindExternal:
		status = http.StatusBadGateway
		if errors.Is(err, apperr.ErrGatewayTimeout) {
			status = http.StatusGatewayTimeout
		}
	}

	c.JSON(status, gin.H{
		"error":   message,
		"details": err.Error(),
	})
}

// prometheusMiddleware collects HTTP metrics
func prometheusMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()

		c.Next()

		duration := time.Since(start).Seconds()
		status := strconv.Itoa(c.Writer.Status())

		util.HTTPRequestDuration.WithLabelValues(
			c.Request.Method,
			c.FullPath(),
			status,
		).Observe(duration)

		util.HTTPRequestsTotal.WithLabelValues(
			c.Request.Method,
			c.FullPath(),
			status,
		).Inc()
	}
}
