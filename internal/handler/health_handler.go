// internal/handler/health_handler.go
package handler

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/linhtrum/gateway-app-sub000/internal/config"
	"github.com/linhtrum/gateway-app-sub000/internal/device"
	"github.com/linhtrum/gateway-app-sub000/internal/utils"
)

// Pinger checks a backing store
type Pinger interface {
	HealthCheck(ctx context.Context) error
}

// HealthHandler handles health check requests
type HealthHandler struct {
	db        Pinger
	registry  *device.Registry
	ports     PortLister
	config    *config.Config
	startedAt time.Time
	logger    *utils.ServiceLogger
}

// NewHealthHandler creates a new health handler. db may be nil when the
// configuration store does not use postgres.
func NewHealthHandler(db Pinger, registry *device.Registry, ports PortLister, cfg *config.Config, logger *zap.Logger) *HealthHandler {
	return &HealthHandler{
		db:        db,
		registry:  registry,
		ports:     ports,
		config:    cfg,
		startedAt: time.Now(),
		logger:    utils.NewServiceLogger(logger, "health-handler"),
	}
}

// RegisterRoutes registers health check routes
func (h *HealthHandler) RegisterRoutes(router *gin.RouterGroup) {
	router.GET("/health", h.HealthCheck)
	router.GET("/ready", h.ReadinessCheck)
	router.GET("/live", h.LivenessCheck)
}

// HealthCheck reports storage and serial port state
func (h *HealthHandler) HealthCheck(c *gin.Context) {
	health := &HealthResponse{
		Status:    "healthy",
		Timestamp: time.Now(),
		Service:   h.config.App.Name,
		Version:   h.config.App.Version,
		Uptime:    time.Since(h.startedAt).Round(time.Second).String(),
		Checks:    make(map[string]CheckResult),
	}

	if h.db != nil {
		if err := h.db.HealthCheck(c.Request.Context()); err != nil {
			h.logger.Error("Database health check failed", zap.Error(err))
			health.Status = "unhealthy"
			health.Checks["database"] = CheckResult{Status: "unhealthy", Message: err.Error()}
		} else {
			health.Checks["database"] = CheckResult{Status: "healthy", Message: "Database connection OK"}
		}
	}

	if h.ports != nil {
		ports := h.ports.Status()
		open := 0
		for _, p := range ports {
			if p.Open {
				open++
			}
		}
		check := CheckResult{
			Status: "healthy",
			Data: map[string]interface{}{
				"configured": len(ports),
				"open":       open,
			},
		}
		if open < len(ports) {
			check.Status = "degraded"
			check.Message = "Some serial ports are not open"
		}
		health.Checks["serial"] = check
	}

	devices := h.registry.Devices()
	nodes, failing := 0, 0
	for _, d := range devices {
		for _, n := range d.Nodes {
			nodes++
			if r := n.Reading(); !r.OK && !r.UpdatedAt.IsZero() {
				failing++
			}
		}
	}
	health.Checks["devices"] = CheckResult{
		Status: "healthy",
		Data: map[string]interface{}{
			"devices":       len(devices),
			"nodes":         nodes,
			"failing_nodes": failing,
		},
	}

	statusCode := http.StatusOK
	if health.Status == "unhealthy" {
		statusCode = http.StatusServiceUnavailable
	}
	c.JSON(statusCode, health)
}

// ReadinessCheck reports whether the configuration store is reachable
func (h *HealthHandler) ReadinessCheck(c *gin.Context) {
	if h.db != nil {
		if err := h.db.HealthCheck(c.Request.Context()); err != nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{
				"status": "not ready",
				"reason": "database not available",
			})
			return
		}
	}

	c.JSON(http.StatusOK, gin.H{
		"status":    "ready",
		"timestamp": time.Now(),
	})
}

// LivenessCheck reports that the process answers requests
func (h *HealthHandler) LivenessCheck(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":    "alive",
		"timestamp": time.Now(),
	})
}

// HealthResponse represents health check response
type HealthResponse struct {
	Status    string                 `json:"status"`
	Timestamp time.Time              `json:"timestamp"`
	Service   string                 `json:"service"`
	Version   string                 `json:"version"`
	Uptime    string                 `json:"uptime"`
	Checks    map[string]CheckResult `json:"checks"`
}

// CheckResult represents individual check result
type CheckResult struct {
	Status  string                 `json:"status"`
	Message string                 `json:"message,omitempty"`
	Data    map[string]interface{} `json:"data,omitempty"`
}
