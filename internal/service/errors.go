package service

import (
	"errors"
	"fmt"
)

var (
	ErrInvalidInput  = errors.New("invalid input")
	ErrEmptyResponse = errors.New("model returned an empty response")
)

func invalid(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrInvalidInput, fmt.Sprintf(format, args...))
}

// OptimizationError is returned by the optimize flows.
type OptimizationError struct {
	Input OptimizeRequest
	Err   error
}

func (e *OptimizationError) Error() string { return "optimization failed: " + e.Err.Error() }
func (e *OptimizationError) Unwrap() error { return e.Err }

// IterationError is returned by the iterate flows.
type IterationError struct {
	Input IterateRequest
	Err   error
}

func (e *IterationError) Error() string { return "iteration failed: " + e.Err.Error() }
func (e *IterationError) Unwrap() error { return e.Err }

// TestError is returned by the test flows.
type TestError struct {
	Input TestRequest
	Err   error
}

func (e *TestError) Error() string { return "test failed: " + e.Err.Error() }
func (e *TestError) Unwrap() error { return e.Err }
