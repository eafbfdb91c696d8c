// internal/handler/operation_handler.go
package handler

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/linhtrum/gateway-app-sub000/internal/model"
	"github.com/linhtrum/gateway-app-sub000/internal/service"
	"github.com/linhtrum/gateway-app-sub000/internal/utils"
)

// OperationHandler serves the history of node writes
type OperationHandler struct {
	queryService *service.QueryService
	logger       *utils.ServiceLogger
}

// NewOperationHandler creates a new operation handler
func NewOperationHandler(queryService *service.QueryService, logger *zap.Logger) *OperationHandler {
	return &OperationHandler{
		queryService: queryService,
		logger:       utils.NewServiceLogger(logger, "operation-handler"),
	}
}

// RegisterRoutes registers operation-related routes
func (h *OperationHandler) RegisterRoutes(router *gin.RouterGroup) {
	operations := router.Group("/operations")
	{
		operations.GET("", h.ListOperations)
		operations.GET("/:id", h.GetOperation)
	}
}

// GetOperation retrieves one write by id
func (h *OperationHandler) GetOperation(c *gin.Context) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		utils.ErrorResponse(c, http.StatusBadRequest, "Invalid operation ID", err)
		return
	}

	op, err := h.queryService.GetOperation(id)
	if err != nil {
		errorResponse(c, "Operation not found", err)
		return
	}
	utils.SuccessResponse(c, http.StatusOK, "Operation retrieved successfully", op)
}

// ListOperations lists recent writes, newest first. The node and status
// query parameters filter the list; limit caps its length.
func (h *OperationHandler) ListOperations(c *gin.Context) {
	node := c.Query("node")
	status := model.OperationStatus(c.Query("status"))
	limit := 0
	if l := c.Query("limit"); l != "" {
		n, err := strconv.Atoi(l)
		if err != nil || n <= 0 {
			utils.ValidationErrorResponse(c, map[string]string{"limit": "must be a positive integer"})
			return
		}
		limit = n
	}

	ops := make([]*model.WriteOperation, 0)
	for _, op := range h.queryService.ListOperations() {
		if node != "" && op.Node != node {
			continue
		}
		if status != "" && op.Status != status {
			continue
		}
		ops = append(ops, op)
		if limit > 0 && len(ops) == limit {
			break
		}
	}

	utils.SuccessResponse(c, http.StatusOK, "Operations retrieved successfully", gin.H{
		"operations": ops,
		"total":      len(ops),
	})
}
