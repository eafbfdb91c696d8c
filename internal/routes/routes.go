// internal/routes/routes.go
package routes

import (
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/linhtrum/gateway-app-sub000/internal/config"
	"github.com/linhtrum/gateway-app-sub000/internal/device"
	"github.com/linhtrum/gateway-app-sub000/internal/handler"
	"github.com/linhtrum/gateway-app-sub000/internal/metrics"
	"github.com/linhtrum/gateway-app-sub000/internal/middleware"
	"github.com/linhtrum/gateway-app-sub000/internal/service"
	"github.com/linhtrum/gateway-app-sub000/internal/utils"
)

// Dependencies are the components the HTTP API exposes
type Dependencies struct {
	Registry      *device.Registry
	QueryService  *service.QueryService
	ConfigService *service.ConfigService
	WebSocket     *handler.WebSocketHandler
	Sockets       handler.SocketLister
	Ports         handler.PortLister
	Links         handler.LinkLister
	DB            handler.Pinger
	Metrics       *metrics.Metrics
}

// Router holds all dependencies for routing
type Router struct {
	config *config.Config
	logger *zap.Logger
	deps   Dependencies
}

// NewRouter creates a new router instance
func NewRouter(config *config.Config, logger *zap.Logger, deps Dependencies) *Router {
	return &Router{
		config: config,
		logger: logger,
		deps:   deps,
	}
}

// SetupRouter creates and configures the Gin router
func (r *Router) SetupRouter() *gin.Engine {
	if r.config.IsProduction() {
		gin.SetMode(gin.ReleaseMode)
	} else if r.config.IsDebugEnabled() {
		gin.SetMode(gin.DebugMode)
	} else {
		gin.SetMode(gin.TestMode)
	}

	router := gin.New()
	r.addMiddleware(router)
	r.addRoutes(router)
	return router
}

// addMiddleware adds middleware to the router
func (r *Router) addMiddleware(router *gin.Engine) {
	router.Use(middleware.RecoveryMiddleware(r.logger))
	router.Use(middleware.RequestIDMiddleware())

	serviceLogger := utils.NewServiceLogger(r.logger, "http-server")
	router.Use(middleware.LoggingMiddleware(serviceLogger))

	if r.deps.Metrics != nil {
		router.Use(middleware.MetricsMiddleware(r.deps.Metrics))
	}
	router.Use(middleware.CORSMiddleware(&r.config.Server))

	r.logger.Info("Middleware configured")
}

// addRoutes sets up all application routes
func (r *Router) addRoutes(router *gin.Engine) {
	healthHandler := handler.NewHealthHandler(r.deps.DB, r.deps.Registry, r.deps.Ports, r.config, r.logger)
	healthHandler.RegisterRoutes(&router.RouterGroup)

	if r.deps.Metrics != nil {
		router.GET("/metrics", gin.WrapH(r.deps.Metrics.Handler()))
	}

	apiV1 := router.Group("/api/v1")
	if r.deps.QueryService != nil {
		handler.NewDeviceHandler(r.deps.Registry, r.deps.QueryService, r.logger).RegisterRoutes(apiV1)
		handler.NewOperationHandler(r.deps.QueryService, r.logger).RegisterRoutes(apiV1)
	}
	if r.deps.ConfigService != nil {
		handler.NewConfigHandler(r.deps.ConfigService, r.logger).RegisterRoutes(apiV1)
	}
	handler.NewGatewayHandler(r.deps.Sockets, r.deps.Ports, r.deps.Links, r.logger).RegisterRoutes(apiV1)

	if r.deps.WebSocket != nil {
		r.deps.WebSocket.RegisterRoutes(router.Group("/ws"))
	}

	r.logger.Info("All routes configured successfully")
}
