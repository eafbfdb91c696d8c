// internal/handler/gateway_handler.go
package handler

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/linhtrum/gateway-app-sub000/internal/gateway"
	"github.com/linhtrum/gateway-app-sub000/internal/protocol/serial"
	"github.com/linhtrum/gateway-app-sub000/internal/protocol/tcp"
	"github.com/linhtrum/gateway-app-sub000/internal/utils"
)

// SocketLister reports the gateway sockets
type SocketLister interface {
	Status() []gateway.SocketStatus
}

// PortLister reports the configured serial ports
type PortLister interface {
	Status() []serial.PortStatus
}

// LinkLister reports the Modbus TCP master connections
type LinkLister interface {
	Stats() map[string]tcp.Stats
}

// GatewayHandler serves gateway socket, serial port and TCP link status
type GatewayHandler struct {
	sockets  SocketLister
	ports    PortLister
	links    LinkLister
	hostPort func() ([]serial.PortInfo, error)
	logger   *utils.ServiceLogger
}

// NewGatewayHandler creates a new gateway handler
func NewGatewayHandler(sockets SocketLister, ports PortLister, links LinkLister, logger *zap.Logger) *GatewayHandler {
	return &GatewayHandler{
		sockets:  sockets,
		ports:    ports,
		links:    links,
		hostPort: serial.ListPorts,
		logger:   utils.NewServiceLogger(logger, "gateway-handler"),
	}
}

// RegisterRoutes registers gateway routes
func (h *GatewayHandler) RegisterRoutes(router *gin.RouterGroup) {
	router.GET("/gateway/sockets", h.ListSockets)
	router.GET("/serial/ports", h.ListPorts)
	router.GET("/serial/available", h.ListAvailablePorts)
	router.GET("/tcp/links", h.ListLinks)
}

// ListSockets returns every gateway socket with its connections
func (h *GatewayHandler) ListSockets(c *gin.Context) {
	sockets := []gateway.SocketStatus{}
	if h.sockets != nil {
		sockets = h.sockets.Status()
	}
	utils.SuccessResponse(c, http.StatusOK, "Gateway sockets retrieved successfully", sockets)
}

// ListPorts returns the configured serial ports
func (h *GatewayHandler) ListPorts(c *gin.Context) {
	ports := []serial.PortStatus{}
	if h.ports != nil {
		ports = h.ports.Status()
	}
	utils.SuccessResponse(c, http.StatusOK, "Serial ports retrieved successfully", ports)
}

// ListAvailablePorts returns the serial devices present on the host
func (h *GatewayHandler) ListAvailablePorts(c *gin.Context) {
	ports, err := h.hostPort()
	if err != nil {
		h.logger.Error("Failed to enumerate serial ports", zap.Error(err))
		utils.ErrorResponse(c, http.StatusInternalServerError, "Failed to enumerate serial ports", err)
		return
	}
	utils.SuccessResponse(c, http.StatusOK, "Available serial ports retrieved successfully", ports)
}

// ListLinks returns the statistics of every remote TCP device endpoint
func (h *GatewayHandler) ListLinks(c *gin.Context) {
	links := map[string]tcp.Stats{}
	if h.links != nil {
		links = h.links.Stats()
	}
	utils.SuccessResponse(c, http.StatusOK, "TCP links retrieved successfully", links)
}
