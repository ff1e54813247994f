package relaydocs

import (
	"errors"
	"fmt"
)

var (
	ErrNotFound       = errors.New("not found")
	ErrForbidden      = errors.New("forbidden")
	ErrConflict       = errors.New("conflict")
	ErrInvalidState   = errors.New("invalid state")
	ErrUpstream       = errors.New("upstream failure")
	ErrBadRequest     = errors.New("bad request")
	ErrNotImplemented = errors.New("not implemented")
)

type ConflictReason string

const (
	ConflictLocked           ConflictReason = "locked"
	ConflictEditing          ConflictReason = "editing"
	ConflictUpdateInProgress ConflictReason = "update_in_progress"
	ConflictVersion          ConflictReason = "version"
)

// ConflictError reports why a write on FileID cannot proceed right now.
// Holder names the identity owning the lock or lease when known.
type ConflictError struct {
	FileID string
	Reason ConflictReason
	Holder string
}

func (e *ConflictError) Error() string {
	switch e.Reason {
	case ConflictLocked:
		if e.Holder != "" {
			return fmt.Sprintf("file %s is locked by %s", e.FileID, e.Holder)
		}
		return fmt.Sprintf("file %s is locked", e.FileID)
	case ConflictEditing:
		return fmt.Sprintf("file %s is being edited", e.FileID)
	case ConflictUpdateInProgress:
		return fmt.Sprintf("file %s is being updated", e.FileID)
	case ConflictVersion:
		return fmt.Sprintf("file %s version changed concurrently", e.FileID)
	default:
		return fmt.Sprintf("conflict on file %s", e.FileID)
	}
}

func (e *ConflictError) Is(target error) bool {
	return target == ErrConflict
}

// UpstreamError wraps a failed call to a conversion, project or provider
// service.
type UpstreamError struct {
	Service string
	Status  int
	Message string
}

func (e *UpstreamError) Error() string {
	if e.Status > 0 {
		return fmt.Sprintf("%s failed: status=%d message=%s", e.Service, e.Status, e.Message)
	}
	return fmt.Sprintf("%s failed: %s", e.Service, e.Message)
}

func (e *UpstreamError) Is(target error) bool {
	return target == ErrUpstream
}
