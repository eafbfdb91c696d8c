// internal/handler/config_handler.go
package handler

import (
	"io"
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/linhtrum/gateway-app-sub000/internal/service"
	"github.com/linhtrum/gateway-app-sub000/internal/utils"
)

// maxDocumentSize bounds a configuration document sent through the API
const maxDocumentSize = 1 << 20

// ConfigHandler reads and replaces the stored configuration documents
type ConfigHandler struct {
	configService *service.ConfigService
	logger        *utils.ServiceLogger
}

// NewConfigHandler creates a new config handler
func NewConfigHandler(configService *service.ConfigService, logger *zap.Logger) *ConfigHandler {
	return &ConfigHandler{
		configService: configService,
		logger:        utils.NewServiceLogger(logger, "config-handler"),
	}
}

// RegisterRoutes registers configuration routes
func (h *ConfigHandler) RegisterRoutes(router *gin.RouterGroup) {
	cfg := router.Group("/config")
	{
		cfg.GET("", h.ListKeys)
		cfg.GET("/:key", h.GetDocument)
		cfg.PUT("/:key", h.SetDocument)
	}
}

// ListKeys lists the stored documents
func (h *ConfigHandler) ListKeys(c *gin.Context) {
	keys, err := h.configService.Keys(c.Request.Context())
	if err != nil {
		h.logger.Error("Failed to list configuration keys", zap.Error(err))
		errorResponse(c, "Failed to list configuration", err)
		return
	}
	utils.SuccessResponse(c, http.StatusOK, "Configuration keys retrieved successfully", keys)
}

// GetDocument returns a stored document as JSON
func (h *ConfigHandler) GetDocument(c *gin.Context) {
	doc, err := h.configService.Get(c.Request.Context(), c.Param("key"))
	if err != nil {
		errorResponse(c, "Configuration not found", err)
		return
	}
	utils.SuccessResponse(c, http.StatusOK, "Configuration retrieved successfully", doc)
}

// SetDocument replaces a stored document with the request body
func (h *ConfigHandler) SetDocument(c *gin.Context) {
	key := c.Param("key")
	body, err := io.ReadAll(io.LimitReader(c.Request.Body, maxDocumentSize+1))
	if err != nil {
		utils.ErrorResponse(c, http.StatusBadRequest, "Failed to read request body", err)
		return
	}
	if len(body) > maxDocumentSize {
		utils.ErrorResponse(c, http.StatusRequestEntityTooLarge, "Configuration document too large", nil)
		return
	}

	if err := h.configService.Set(c.Request.Context(), key, body, c.ClientIP()); err != nil {
		h.logger.Warn("Configuration update rejected", zap.String("key", key), zap.Error(err))
		errorResponse(c, "Configuration update failed", err)
		return
	}

	h.logger.Info("Configuration updated", zap.String("key", key), zap.Int("size", len(body)))
	utils.SuccessResponse(c, http.StatusOK, "Configuration updated successfully", gin.H{
		"key":  key,
		"size": len(body),
	})
}
