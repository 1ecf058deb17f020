package security

import (
	"context"
	"fmt"
	"sync"

	apperrors "smartarb-advisor/internal/errors"
)

// OperationType represents the type of operation.
type OperationType string

const (
	// Read operations
	OpRead OperationType = "READ"

	// Write operations (blocked in read-only mode)
	OpApplyConfig      OperationType = "APPLY_CONFIG"
	OpUpdateSchedule   OperationType = "UPDATE_SCHEDULE"
	OpUpdateThresholds OperationType = "UPDATE_THRESHOLDS"
)

// ReadOnlyError represents an error when attempting a write operation in read-only mode.
type ReadOnlyError struct {
	Operation OperationType
}

func (e *ReadOnlyError) Error() string {
	return fmt.Sprintf("%s blocked: read-only mode is enabled", OperationDescription(e.Operation))
}

// Unwrap lets callers match ErrReadOnlyMode.
func (e *ReadOnlyError) Unwrap() error {
	return apperrors.ErrReadOnlyMode
}

// AccessController manages read-only mode and operation permissions.
type AccessController struct {
	readOnly    bool
	auditLogger *AuditLogger
	mu          sync.RWMutex
}

// NewAccessController creates a new access controller. auditLogger may be nil.
func NewAccessController(readOnly bool, auditLogger *AuditLogger) *AccessController {
	return &AccessController{
		readOnly:    readOnly,
		auditLogger: auditLogger,
	}
}

// IsReadOnly returns whether read-only mode is enabled.
func (ac *AccessController) IsReadOnly() bool {
	if ac == nil {
		return false
	}
	ac.mu.RLock()
	defer ac.mu.RUnlock()
	return ac.readOnly
}

// SetReadOnly sets the read-only mode.
func (ac *AccessController) SetReadOnly(readOnly bool) {
	ac.mu.Lock()
	defer ac.mu.Unlock()
	ac.readOnly = readOnly
}

// CheckPermission checks if an operation is allowed. A nil controller allows everything.
func (ac *AccessController) CheckPermission(ctx context.Context, op OperationType) error {
	if ac == nil {
		return nil
	}
	ac.mu.RLock()
	defer ac.mu.RUnlock()

	if !ac.readOnly || !isWriteOperation(op) {
		return nil
	}

	if ac.auditLogger != nil {
		_ = ac.auditLogger.LogReadOnlyViolation(ctx, string(op))
	}
	return &ReadOnlyError{Operation: op}
}

// isWriteOperation returns true if the operation modifies state.
func isWriteOperation(op OperationType) bool {
	switch op {
	case OpApplyConfig, OpUpdateSchedule, OpUpdateThresholds:
		return true
	default:
		return false
	}
}

// OperationDescription returns a human-readable description of an operation.
func OperationDescription(op OperationType) string {
	switch op {
	case OpRead:
		return "Read data"
	case OpApplyConfig:
		return "Apply configuration changes"
	case OpUpdateSchedule:
		return "Update analysis schedule"
	case OpUpdateThresholds:
		return "Update emergency thresholds"
	default:
		return string(op)
	}
}
