package api

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"order-stream/internal/models"
	"order-stream/internal/service"
	"order-stream/internal/store"
	"order-stream/internal/util"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

// Pinger is a dependency checked by the readiness probe
type Pinger interface {
	Ping(ctx context.Context) error
}

// Handler contains HTTP handlers
type Handler struct {
	orderService *service.OrderService
	checks       map[string]Pinger
	logger       *zap.Logger
}

// NewHandler creates a new HTTP handler. checks are pinged by /ready.
func NewHandler(orderService *service.OrderService, checks map[string]Pinger) *Handler {
	return &Handler{
		orderService: orderService,
		checks:       checks,
		logger:       util.Named("api"),
	}
}

// SetupRoutes sets up HTTP routes
func (h *Handler) SetupRoutes(router *gin.Engine) {
	router.Use(gin.Recovery())
	router.Use(prometheusMiddleware())

	router.GET("/health", h.healthCheck)
	router.GET("/ready", h.readinessCheck)

	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	router.POST("/order", h.submitOrder)

	orders := router.Group("/api/orders")
	{
		orders.POST("", h.submitOrder)
		orders.POST("/sample", h.submitSampleOrder)
		orders.GET("/:orderId/transaction", h.getTransaction)
	}
}

// healthCheck handles health check requests
func (h *Handler) healthCheck(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status": "healthy",
		"time":   time.Now().Unix(),
	})
}

// readinessCheck pings every configured dependency
func (h *Handler) readinessCheck(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
	defer cancel()

	failed := gin.H{}
	for name, check := range h.checks {
		if err := check.Ping(ctx); err != nil {
			failed[name] = err.Error()
		}
	}
	if len(failed) > 0 {
		c.JSON(http.StatusServiceUnavailable, gin.H{
			"status": "not ready",
			"failed": failed,
			"time":   time.Now().Unix(),
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"status": "ready",
		"time":   time.Now().Unix(),
	})
}

// submitOrder accepts an order and publishes it to the orders topic
func (h *Handler) submitOrder(c *gin.Context) {
	var order models.Order

	if err := c.ShouldBindJSON(&order); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "Invalid request body",
			"details": err.Error(),
		})
		return
	}

	h.respondSubmitted(c, func(ctx context.Context) (*models.Order, error) {
		return h.orderService.SubmitOrder(ctx, &order)
	})
}

// submitSampleOrder publishes a canned order
func (h *Handler) submitSampleOrder(c *gin.Context) {
	h.respondSubmitted(c, h.orderService.SubmitSampleOrder)
}

func (h *Handler) respondSubmitted(c *gin.Context, submit func(ctx context.Context) (*models.Order, error)) {
	order, err := submit(c.Request.Context())
	if errors.Is(err, service.ErrInvalidOrder) {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "Invalid order",
			"details": err.Error(),
		})
		return
	}
	if err != nil {
		h.logger.Error("Failed to submit order", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "Failed to submit order",
			"details": err.Error(),
		})
		return
	}

	c.JSON(http.StatusAccepted, gin.H{
		"message":     "Order sent successfully",
		"order":       order,
		"totalAmount": order.TotalAmount().StringFixed(2),
	})
}

// getTransaction returns the persisted transaction of an order
func (h *Handler) getTransaction(c *gin.Context) {
	orderID := c.Param("orderId")

	tx, err := h.orderService.GetTransaction(c.Request.Context(), orderID)
	if errors.Is(err, store.ErrNotFound) {
		c.JSON(http.StatusNotFound, gin.H{
			"error": "Transaction not found",
		})
		return
	}
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "Failed to load transaction",
			"details": err.Error(),
		})
		return
	}

	c.JSON(http.StatusOK, tx)
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
