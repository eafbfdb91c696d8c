// internal/model/operation.go
package model

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// OperationStatus represents the status of a write operation
type OperationStatus string

const (
	OperationStatusSuccess OperationStatus = "SUCCESS"
	OperationStatusFailed  OperationStatus = "FAILED"
	OperationStatusTimeout OperationStatus = "TIMEOUT"
	OperationStatusQueued  OperationStatus = "QUEUED"
)

// WriteRequest asks for a new value on a data point
type WriteRequest struct {
	Value decimal.Decimal `json:"value"`
}

// WriteOperation records one write performed through the query path
type WriteOperation struct {
	ID         uuid.UUID       `json:"id"`
	Node       string          `json:"node"`
	Device     string          `json:"device"`
	Function   byte            `json:"function,omitempty"`
	Value      decimal.Decimal `json:"value"`
	Status     OperationStatus `json:"status"`
	StartedAt  time.Time       `json:"started_at"`
	DurationMs int64           `json:"duration_ms"`
	Error      string          `json:"error,omitempty"`
}

// IsCompleted checks if the write finished either way
func (op *WriteOperation) IsCompleted() bool {
	return op.Status == OperationStatusSuccess ||
		op.Status == OperationStatusFailed ||
		op.Status == OperationStatusTimeout
}

// RelayCommand switches one relay output
type RelayCommand struct {
	Relay int  `json:"relay"`
	On    bool `json:"on"`
}
