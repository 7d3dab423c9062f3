package history

import (
	"errors"
	"fmt"
	"strings"
)

var (
	ErrUninitialized      = errors.New("history manager not initialized")
	ErrStorageUnavailable = errors.New("history storage unavailable")
	ErrStorageFailure     = errors.New("history storage failure")
	ErrValidationFailed   = errors.New("record validation failed")
	ErrRecordNotFound     = errors.New("record not found")
	ErrChainNotFound      = errors.New("chain not found")
)

// ValidationError carries every field problem found for a rejected record.
type ValidationError struct {
	Fields []string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", ErrValidationFailed, strings.Join(e.Fields, ", "))
}

func (e *ValidationError) Is(target error) bool {
	return target == ErrValidationFailed
}

// StorageError wraps a failure of the underlying store.
type StorageError struct {
	Op          string
	Err         error
	unavailable bool
}

func (e *StorageError) Error() string {
	kind := ErrStorageFailure
	if e.unavailable {
		kind = ErrStorageUnavailable
	}
	return fmt.Sprintf("%s: %s: %v", kind, e.Op, e.Err)
}

func (e *StorageError) Unwrap() error { return e.Err }

func (e *StorageError) Is(target error) bool {
	if e.unavailable {
		return target == ErrStorageUnavailable
	}
	return target == ErrStorageFailure
}
