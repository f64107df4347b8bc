// Package httpapi adapts the order saga services to an HTTP edge.
package httpapi

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"stagecoach/internal/faults"
	"stagecoach/internal/inventory"
	"stagecoach/internal/logging"
	"stagecoach/internal/observability"
	"stagecoach/internal/orders"
	"stagecoach/internal/payments"
	"stagecoach/internal/saga"
)

// OrderService defines the behavior the HTTP edge needs from the order side.
type OrderService interface {
	CreateOrder(ctx context.Context, input orders.CreateOrderInput) (orders.CreateOrderResult, error)
	GetOrder(ctx context.Context, orderID string) (*orders.Order, error)
	ListOrders(ctx context.Context, userID string) ([]*orders.Order, error)
	GetSaga(ctx context.Context, orderID string) (saga.State, error)
	CancelOrder(ctx context.Context, orderID string) (*orders.Order, error)
	UpdateOrderStatus(ctx context.Context, orderID string, next orders.Status) (*orders.Order, error)
	UpdateOrderItems(ctx context.Context, orderID string, items []orders.Item) (*orders.Order, error)
}

// Hub is the realtime feed clients attach to via /ws.
type Hub interface {
	Register(conn *websocket.Conn)
}

// Server wires the HTTP routes.
type Server struct {
	orders    OrderService
	inventory inventory.Store
	payments  payments.Store
	metrics   *observability.Metrics
	hub       Hub
	logger    *logging.Logger
	upgrader  websocket.Upgrader
	now       func() time.Time
}

// NewServer constructs the HTTP adapter. hub and metrics may be nil; their
// routes are simply not registered.
func NewServer(orderService OrderService, inventoryStore inventory.Store, paymentStore payments.Store, metrics *observability.Metrics, hub Hub, logger *logging.Logger) *Server {
	if logger == nil {
		logger = logging.Nop()
	}
	return &Server{
		orders:    orderService,
		inventory: inventoryStore,
		payments:  paymentStore,
		metrics:   metrics,
		hub:       hub,
		logger:    logger,
		upgrader:  websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }},
		now:       time.Now,
	}
}

// Router builds the gin engine with all routes registered.
func (s *Server) Router() *gin.Engine {
	router := gin.New()
	router.Use(gin.Recovery())

	router.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	if s.metrics != nil {
		router.GET("/metrics", gin.WrapH(s.metrics.Handler()))
	}
	if s.hub != nil {
		router.GET("/ws", s.handleWS)
	}

	router.POST("/orders", s.handleCreateOrder)
	router.GET("/orders/:id", s.handleGetOrder)
	router.GET("/orders/:id/saga", s.handleGetSaga)
	router.GET("/orders/:id/payment", s.handleGetPayment)
	router.POST("/orders/:id/cancel", s.handleCancelOrder)
	router.PATCH("/orders/:id/status", s.handleUpdateStatus)
	router.PATCH("/orders/:id/items", s.handleUpdateItems)
	router.GET("/users/:id/orders", s.handleListOrders)

	router.GET("/inventory/:productId", s.handleGetItem)
	router.PUT("/inventory/:productId", s.handlePutItem)

	return router
}

func (s *Server) handleCreateOrder(c *gin.Context) {
	var input orders.CreateOrderInput
	if err := c.ShouldBindJSON(&input); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	input.IdempotencyKey = c.GetHeader("Idempotency-Key")

	result, err := s.orders.CreateOrder(c.Request.Context(), input)
	if err != nil {
		s.fail(c, err)
		return
	}
	if s.metrics != nil && !result.Replayed {
		s.metrics.OrdersCreated.Inc()
	}
	status := http.StatusCreated
	if result.Replayed {
		status = http.StatusOK
	}
	c.JSON(status, result)
}

func (s *Server) handleGetOrder(c *gin.Context) {
	order, err := s.orders.GetOrder(c.Request.Context(), c.Param("id"))
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, order)
}

func (s *Server) handleListOrders(c *gin.Context) {
	list, err := s.orders.ListOrders(c.Request.Context(), c.Param("id"))
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"orders": list})
}

func (s *Server) handleGetSaga(c *gin.Context) {
	state, err := s.orders.GetSaga(c.Request.Context(), c.Param("id"))
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, state)
}

func (s *Server) handleGetPayment(c *gin.Context) {
	payment, err := s.payments.GetByOrder(c.Request.Context(), c.Param("id"))
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, payment)
}

func (s *Server) handleCancelOrder(c *gin.Context) {
	order, err := s.orders.CancelOrder(c.Request.Context(), c.Param("id"))
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, order)
}

func (s *Server) handleUpdateStatus(c *gin.Context) {
	var body struct {
		Status orders.Status `json:"status"`
	}
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	order, err := s.orders.UpdateOrderStatus(c.Request.Context(), c.Param("id"), body.Status)
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, order)
}

func (s *Server) handleUpdateItems(c *gin.Context) {
	var body struct {
		Items []orders.Item `json:"items"`
	}
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	order, err := s.orders.UpdateOrderItems(c.Request.Context(), c.Param("id"), body.Items)
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, order)
}

func (s *Server) handleGetItem(c *gin.Context) {
	item, err := s.inventory.GetItem(c.Request.Context(), c.Param("productId"))
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, item)
}

// handlePutItem restocks or registers a product.
func (s *Server) handlePutItem(c *gin.Context) {
	var body struct {
		ProductName string `json:"productName"`
		Quantity    int    `json:"quantity"`
	}
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if body.Quantity < 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "quantity must be >= 0"})
		return
	}

	productID := c.Param("productId")
	now := s.now().UTC()
	item, err := s.inventory.GetItem(c.Request.Context(), productID)
	if err != nil {
		if faults.CodeOf(err) != faults.CodeNotFound {
			s.fail(c, err)
			return
		}
		item = inventory.NewItem(productID, body.ProductName, body.Quantity, now)
	} else {
		item.Available = body.Quantity
		if body.ProductName != "" {
			item.ProductName = body.ProductName
		}
		item.UpdatedAt = now
	}
	if err := s.inventory.PutItem(c.Request.Context(), item); err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, item)
}

func (s *Server) handleWS(c *gin.Context) {
	conn, err := s.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		s.logger.Warn().Err(err).Msg("websocket upgrade failed")
		return
	}
	s.hub.Register(conn)
}

func (s *Server) fail(c *gin.Context, err error) {
	status := faults.HTTPStatus(err)
	if status >= http.StatusInternalServerError {
		s.logger.Error().Err(err).Str("path", c.FullPath()).Msg("request failed")
	}
	c.JSON(status, gin.H{"error": err.Error()})
}
