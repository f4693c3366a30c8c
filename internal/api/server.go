// Package api exposes the webhook ingestion endpoint and the JWT-protected
// operator surface.
package api

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/binee108/webserver-sub003/internal/retry"
	"github.com/binee108/webserver-sub003/internal/webhook"
	"github.com/binee108/webserver-sub003/pkg/db"
)

// Server wires the HTTP surface.
type Server struct {
	Router     *gin.Engine
	DB         *db.Database
	Dispatcher *webhook.Dispatcher
	FailedOps  *retry.FailedOrderWorker
	JWTSecret  string
}

// NewServer builds the router with the standard middleware stack.
func NewServer(database *db.Database, dispatcher *webhook.Dispatcher,
	failedOps *retry.FailedOrderWorker, jwtSecret string) *Server {
	r := gin.New()

	// Middleware stack (order matters!)
	r.Use(gin.Recovery())
	r.Use(RequestIDMiddleware())
	r.Use(RequestLogger())
	r.Use(RateLimitMiddleware())
	r.Use(TimeoutMiddleware(30 * time.Second))

	s := &Server{
		Router:     r,
		DB:         database,
		Dispatcher: dispatcher,
		FailedOps:  failedOps,
		JWTSecret:  jwtSecret,
	}
	s.routes()
	return s
}

func (s *Server) routes() {
	s.Router.GET("/health", s.health)

	api := s.Router.Group("/api")
	{
		api.POST("/webhook", s.postWebhook)

		protected := api.Group("")
		protected.Use(AuthMiddleware(s.JWTSecret))
		{
			protected.GET("/orders/open", s.getOpenOrders)
			protected.GET("/orders/pending", s.getPendingOrders)
			protected.GET("/trades", s.getTrades)
			protected.GET("/positions/:strategyAccountID", s.getPositions)
			protected.GET("/cancel-queue", s.getCancelQueue)
			protected.GET("/failed-orders", s.getFailedOrders)
			protected.POST("/failed-orders/retry", s.retryFailedOrders)
			protected.PUT("/capital/:strategyAccountID", s.putCapital)
		}
	}
}

func (s *Server) health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

// postWebhook accepts a single signal object or an array of signals.
// Business rejections still return 200; non-200 means transport or parse
// failure only.
func (s *Server) postWebhook(c *gin.Context) {
	body, err := c.GetRawData()
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "unreadable body"})
		return
	}

	var payloads []webhook.Payload
	if err := json.Unmarshal(body, &payloads); err != nil {
		var single webhook.Payload
		if err := json.Unmarshal(body, &single); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "malformed JSON payload"})
			return
		}
		payloads = []webhook.Payload{single}
	}

	resp := s.Dispatcher.Dispatch(c.Request.Context(), payloads)
	c.JSON(http.StatusOK, resp)
}

func limitParam(c *gin.Context) int {
	limit, err := strconv.Atoi(c.DefaultQuery("limit", "100"))
	if err != nil || limit <= 0 || limit > 1000 {
		return 100
	}
	return limit
}

func (s *Server) getOpenOrders(c *gin.Context) {
	orders, err := s.DB.Repo().ListOpenOrders(c.Request.Context(), limitParam(c))
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"orders": orders})
}

func (s *Server) getPendingOrders(c *gin.Context) {
	pending, err := s.DB.Repo().ListPendingOrders(c.Request.Context(), limitParam(c))
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"pending": pending})
}

func (s *Server) getTrades(c *gin.Context) {
	trades, err := s.DB.Repo().ListTrades(c.Request.Context(), limitParam(c))
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"trades": trades})
}

func (s *Server) getPositions(c *gin.Context) {
	id, err := strconv.ParseInt(c.Param("strategyAccountID"), 10, 64)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "bad strategy account id"})
		return
	}
	positions, err := s.DB.Repo().ListPositions(c.Request.Context(), id)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"positions": positions})
}

func (s *Server) getCancelQueue(c *gin.Context) {
	items, err := s.DB.Repo().ListCancelQueue(c.Request.Context(), limitParam(c))
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"cancel_queue": items})
}

func (s *Server) getFailedOrders(c *gin.Context) {
	items, err := s.DB.Repo().ListFailedOrders(c.Request.Context(), limitParam(c))
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"failed_orders": items})
}

// retryFailedOrders forces an immediate retry pass instead of waiting for
// the worker's next tick.
func (s *Server) retryFailedOrders(c *gin.Context) {
	if s.FailedOps == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "retry worker not running"})
		return
	}
	s.FailedOps.Tick(c.Request.Context())
	c.JSON(http.StatusOK, gin.H{"status": "retry pass completed"})
}

// putCapital records the external allocator's capital assignment for a
// binding.
func (s *Server) putCapital(c *gin.Context) {
	id, err := strconv.ParseInt(c.Param("strategyAccountID"), 10, 64)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "bad strategy account id"})
		return
	}
	var req struct {
		AllocatedCapital float64 `json:"allocated_capital"`
	}
	if err := c.BindJSON(&req); err != nil || req.AllocatedCapital < 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "allocated_capital must be a non-negative number"})
		return
	}
	if err := s.DB.Repo().SetAllocatedCapital(c.Request.Context(), id, req.AllocatedCapital); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"strategy_account_id": id, "allocated_capital": req.AllocatedCapital})
}

// Start runs the HTTP server.
func (s *Server) Start(addr string) error {
	return s.Router.Run(addr)
}
