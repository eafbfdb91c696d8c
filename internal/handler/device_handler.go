// internal/handler/device_handler.go
package handler

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/linhtrum/gateway-app-sub000/internal/device"
	"github.com/linhtrum/gateway-app-sub000/internal/model"
	"github.com/linhtrum/gateway-app-sub000/internal/service"
	"github.com/linhtrum/gateway-app-sub000/internal/utils"
)

// DeviceHandler serves the device list, node values and node writes
type DeviceHandler struct {
	registry     *device.Registry
	queryService *service.QueryService
	logger       *utils.ServiceLogger
}

// NewDeviceHandler creates a new device handler
func NewDeviceHandler(registry *device.Registry, queryService *service.QueryService, logger *zap.Logger) *DeviceHandler {
	return &DeviceHandler{
		registry:     registry,
		queryService: queryService,
		logger:       utils.NewServiceLogger(logger, "device-handler"),
	}
}

// RegisterRoutes registers device-related routes
func (h *DeviceHandler) RegisterRoutes(router *gin.RouterGroup) {
	devices := router.Group("/devices")
	{
		devices.GET("", h.ListDevices)
		devices.GET("/:name", h.GetDevice)
	}

	nodes := router.Group("/nodes")
	{
		nodes.GET("/:name", h.GetNode)
		nodes.PUT("/:name", h.WriteNode)
	}
}

// ListDevices returns every device with its current node readings
func (h *DeviceHandler) ListDevices(c *gin.Context) {
	devices := h.registry.Devices()
	out := make([]model.DeviceStatus, 0, len(devices))
	for _, d := range devices {
		out = append(out, d.Status())
	}
	utils.SuccessResponse(c, http.StatusOK, "Devices retrieved successfully", out)
}

// GetDevice returns one device by name
func (h *DeviceHandler) GetDevice(c *gin.Context) {
	d, err := h.registry.Device(c.Param("name"))
	if err != nil {
		errorResponse(c, "Device not found", err)
		return
	}
	utils.SuccessResponse(c, http.StatusOK, "Device retrieved successfully", d.Status())
}

// NodeResponse is a node reading together with its device
type NodeResponse struct {
	Device string `json:"device"`
	model.NodeSnapshot
}

// GetNode returns the current reading of a node
func (h *DeviceHandler) GetNode(c *gin.Context) {
	d, n, err := h.registry.Node(c.Param("name"))
	if err != nil {
		errorResponse(c, "Node not found", err)
		return
	}
	utils.SuccessResponse(c, http.StatusOK, "Node retrieved successfully", NodeResponse{
		Device:       d.Name,
		NodeSnapshot: n.Snapshot(),
	})
}

// WriteNode writes a new value to a node
func (h *DeviceHandler) WriteNode(c *gin.Context) {
	var req model.WriteRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		utils.ErrorResponse(c, http.StatusBadRequest, "Invalid request body", err)
		return
	}

	name := c.Param("name")
	op, err := h.queryService.WriteNode(c.Request.Context(), name, req.Value, c.ClientIP())
	if err != nil {
		h.logger.Warn("Node write failed", zap.String("node", name), zap.Error(err))
		if op != nil {
			c.JSON(statusFor(err), utils.APIResponse{
				Success: false,
				Message: "Node write failed",
				Data:    op,
				Error: &utils.APIError{
					Code:    string(op.Status),
					Message: "Node write failed",
					Details: err.Error(),
				},
				Timestamp: op.StartedAt,
			})
			return
		}
		errorResponse(c, "Node write rejected", err)
		return
	}

	status := http.StatusOK
	if op.Status == model.OperationStatusQueued {
		status = http.StatusAccepted
	}
	utils.SuccessResponse(c, status, "Node written successfully", op)
}
