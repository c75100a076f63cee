package remote

import (
	"errors"
	"fmt"

	"github.com/roach88/itemsync/internal/model"
)

// ErrNotFound is returned when a document or blob does not exist.
var ErrNotFound = errors.New("remote: not found")

// ConflictError is returned by Put and Delete when the remote version is not
// the caller's base version. It carries the current remote document so the
// caller can merge without another round trip.
type ConflictError struct {
	EntityID       model.EntityID `json:"entity_id"`
	CurrentVersion int64          `json:"current_version"`
	Current        model.Document `json:"current"`
	Deleted        bool           `json:"deleted"`
	DeletedAt      int64          `json:"deleted_at,omitempty"`
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("remote: conflict on %s: current version %d", e.EntityID, e.CurrentVersion)
}

// TransientError is a failure worth retrying: timeouts, connection loss, 5xx.
type TransientError struct {
	Op  string
	Err error
}

func (e *TransientError) Error() string {
	return fmt.Sprintf("remote: %s: transient: %v", e.Op, e.Err)
}

func (e *TransientError) Unwrap() error {
	return e.Err
}

// PermanentError is a failure that retrying cannot fix.
// Reason is one of the model.Reason* attachment codes.
type PermanentError struct {
	Reason  string
	Message string
}

func (e *PermanentError) Error() string {
	return fmt.Sprintf("remote: %s: %s", e.Reason, e.Message)
}

// IsConflict reports whether err is a *ConflictError and returns it.
func IsConflict(err error) (*ConflictError, bool) {
	var ce *ConflictError
	if errors.As(err, &ce) {
		return ce, true
	}
	return nil, false
}

// IsTransient reports whether err should be retried.
func IsTransient(err error) bool {
	var te *TransientError
	return errors.As(err, &te)
}

// PermanentReason returns the reason code of a *PermanentError.
func PermanentReason(err error) (string, bool) {
	var pe *PermanentError
	if errors.As(err, &pe) {
		return pe.Reason, true
	}
	return "", false
}
