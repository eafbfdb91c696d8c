// internal/handler/errors.go
package handler

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/linhtrum/gateway-app-sub000/internal/device"
	"github.com/linhtrum/gateway-app-sub000/internal/modbus"
	"github.com/linhtrum/gateway-app-sub000/internal/repository"
	"github.com/linhtrum/gateway-app-sub000/internal/service"
	"github.com/linhtrum/gateway-app-sub000/internal/utils"
)

// statusFor maps the error classes to HTTP status codes
func statusFor(err error) int {
	switch {
	case errors.Is(err, device.ErrNodeNotFound),
		errors.Is(err, device.ErrDeviceNotFound),
		errors.Is(err, repository.ErrKeyNotFound),
		errors.Is(err, service.ErrOperationNotFound):
		return http.StatusNotFound
	case errors.Is(err, modbus.ErrInvalid), errors.Is(err, modbus.ErrSerialize),
		errors.Is(err, repository.ErrInvalidKey):
		return http.StatusBadRequest
	case errors.Is(err, modbus.ErrTimeout):
		return http.StatusGatewayTimeout
	case errors.Is(err, modbus.ErrProtocol):
		return http.StatusBadGateway
	case errors.Is(err, service.ErrQueueFull):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func errorResponse(c *gin.Context, message string, err error) {
	utils.ErrorResponse(c, statusFor(err), message, err)
}
