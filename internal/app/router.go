package app

import (
	"github.com/gin-gonic/gin"
	"github.com/newrelic/go-agent/v3/integrations/nrgin"
	"github.com/newrelic/go-agent/v3/newrelic"
	"github.com/redis/go-redis/v9"

	"ridedispatch/internal/handler"
	"ridedispatch/internal/middleware"
)

// RouterDeps contains all dependencies needed for the router.
type RouterDeps struct {
	OrderHandler     *handler.OrderHandler
	DriverHandler    *handler.DriverHandler
	PaymentHandler   *handler.PaymentHandler
	WebSocketHandler *handler.WebSocketHandler
	RedisClient      redis.UniversalClient
	NewRelicApp      *newrelic.Application
}

// NewRouter creates a new Gin router with all routes registered.
func NewRouter(deps RouterDeps) *gin.Engine {
	router := gin.New()

	// Global middleware.
	router.Use(gin.Recovery())
	router.Use(gin.Logger())
	router.Use(middleware.CORSMiddleware())

	// Add New Relic middleware if enabled.
	if deps.NewRelicApp != nil {
		router.Use(nrgin.Middleware(deps.NewRelicApp))
	}

	// Health check.
	router.GET("/health", func(c *gin.Context) {
		c.JSON(200, gin.H{"status": "ok"})
	})

	// API v1 routes.
	v1 := router.Group("/v1")
	{
		// Live channel. Registered before the idempotency middleware so the
		// upgrade never goes through a buffering writer.
		v1.GET("/ws", deps.WebSocketHandler.Serve)

		api := v1.Group("")
		api.Use(middleware.IdempotencyMiddleware(deps.RedisClient))

		// Driver session hand-off from the login service.
		api.POST("/sessions", deps.DriverHandler.CreateSession)

		// Order routes.
		orders := api.Group("/orders")
		{
			orders.POST("", deps.OrderHandler.CreateOrder)
			orders.GET("/:id", deps.OrderHandler.GetOrder)
			orders.GET("/:id/location", deps.OrderHandler.GetOrderLocation)
			orders.GET("/:id/payment", deps.PaymentHandler.GetPayment)
		}

		api.GET("/clients/:id/active-order", deps.OrderHandler.GetClientActiveOrder)
		api.GET("/drivers/:id/active-order", deps.DriverHandler.GetActiveOrder)
	}

	return router
}
