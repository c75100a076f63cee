package engine

import (
	"errors"
	"fmt"

	"github.com/roach88/itemsync/internal/model"
)

// SyncErrorCode categorizes sync errors.
type SyncErrorCode string

const (
	// ErrCodeRetryBudgetExceeded indicates a mutation failed transiently more
	// times than the retry policy allows. The mutation is kept, failed.
	ErrCodeRetryBudgetExceeded SyncErrorCode = "RETRY_BUDGET_EXCEEDED"

	// ErrCodeRejected indicates the remote permanently refused a mutation.
	ErrCodeRejected SyncErrorCode = "REJECTED"

	// ErrCodeInvalidField indicates a local write with a bad field name.
	ErrCodeInvalidField SyncErrorCode = "INVALID_FIELD"
)

// SyncError reports why a mutation stopped syncing or a write was refused.
type SyncError struct {
	Code     SyncErrorCode
	Message  string
	EntityID model.EntityID
	// Seq is the affected mutation, zero for write validation.
	Seq int64
	// Err is the last underlying failure.
	Err error
}

func (e *SyncError) Error() string {
	if e.Seq != 0 {
		return fmt.Sprintf("%s: %s (entity=%s, seq=%d)", e.Code, e.Message, e.EntityID, e.Seq)
	}
	if e.EntityID != "" {
		return fmt.Sprintf("%s: %s (entity=%s)", e.Code, e.Message, e.EntityID)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *SyncError) Unwrap() error {
	return e.Err
}

// IsRetryBudgetExceeded returns true if err is a retry budget error.
// Uses errors.As to handle wrapped errors.
func IsRetryBudgetExceeded(err error) bool {
	return hasCode(err, ErrCodeRetryBudgetExceeded)
}

// IsRejected returns true if the remote permanently refused the mutation.
func IsRejected(err error) bool {
	return hasCode(err, ErrCodeRejected)
}

// IsInvalidField returns true if a write used an invalid field name.
func IsInvalidField(err error) bool {
	return hasCode(err, ErrCodeInvalidField)
}

func hasCode(err error, code SyncErrorCode) bool {
	var se *SyncError
	if errors.As(err, &se) {
		return se.Code == code
	}
	return false
}

// NewRetryBudgetError creates a SyncError for an exhausted retry budget.
func NewRetryBudgetError(id model.EntityID, seq int64, attempts int, last error) *SyncError {
	return &SyncError{
		Code:     ErrCodeRetryBudgetExceeded,
		Message:  fmt.Sprintf("gave up after %d attempts", attempts),
		EntityID: id,
		Seq:      seq,
		Err:      last,
	}
}

func newRejectedError(id model.EntityID, seq int64, err error) *SyncError {
	return &SyncError{
		Code:     ErrCodeRejected,
		Message:  "remote rejected mutation",
		EntityID: id,
		Seq:      seq,
		Err:      err,
	}
}

func newInvalidFieldError(id model.EntityID, err error) *SyncError {
	return &SyncError{
		Code:     ErrCodeInvalidField,
		Message:  err.Error(),
		EntityID: id,
		Err:      err,
	}
}
