package model

import (
	"errors"
	"fmt"
)

// ErrorCode represents a structured API error code.
type ErrorCode string

const (
	ErrValidation ErrorCode = "VALIDATION_ERROR"
	ErrNotFound   ErrorCode = "NOT_FOUND"
	ErrInternal   ErrorCode = "INTERNAL_ERROR"
)

// APIError is a structured error returned by validation and the trace API.
type APIError struct {
	Code    ErrorCode    `json:"code"`
	Message string       `json:"message"`
	Details []FieldError `json:"details,omitempty"`
}

func (e *APIError) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// FieldError describes a validation error on a specific field.
type FieldError struct {
	Field   string `json:"field,omitempty"`
	Path    string `json:"path,omitempty"`
	Message string `json:"message"`
}

// NewValidationError creates an APIError with validation details.
func NewValidationError(msg string, details ...FieldError) *APIError {
	return &APIError{Code: ErrValidation, Message: msg, Details: details}
}

// NewNotFoundError creates a NOT_FOUND APIError.
func NewNotFoundError(resource, id string) *APIError {
	return &APIError{
		Code:    ErrNotFound,
		Message: fmt.Sprintf("%s '%s' not found", resource, id),
	}
}

// NewInternalError creates an INTERNAL_ERROR APIError.
func NewInternalError(msg string) *APIError {
	return &APIError{Code: ErrInternal, Message: msg}
}

// Dispatcher sentinel errors.
var (
	// ErrQueueFull is returned when a task's request queue has no free slot.
	ErrQueueFull = errors.New("queue full")
	// ErrUnknownTask is returned for ids not present in the task table.
	ErrUnknownTask = errors.New("unknown task")
	// ErrNotSoftware is returned when spawning a task bound to a hardware vector.
	ErrNotSoftware = errors.New("task is bound to a hardware vector")
	// ErrHalted is returned once the dispatcher has stopped.
	ErrHalted = errors.New("dispatcher halted")
	// ErrTooLate is returned when withdrawing a request that already left the queue.
	ErrTooLate = errors.New("request already dispatched")
)

// SpawnError is returned by spawn operations. Callers decide retry or drop.
type SpawnError struct {
	Task TaskID
	Err  error
}

func (e *SpawnError) Error() string {
	return fmt.Sprintf("spawn %s: %v", e.Task, e.Err)
}

func (e *SpawnError) Unwrap() error {
	return e.Err
}

// BringUpError is fatal: board bring-up failed and the dispatcher never starts.
type BringUpError struct {
	Err error
}

func (e *BringUpError) Error() string {
	return fmt.Sprintf("bring-up failed: %v", e.Err)
}

func (e *BringUpError) Unwrap() error {
	return e.Err
}

// PanicError records a task body that panicked. The dispatcher halts on it.
type PanicError struct {
	Task  TaskID
	Value any
	Stack string
}

func (e *PanicError) Error() string {
	return fmt.Sprintf("task %s panicked: %v", e.Task, e.Value)
}

// Unwrap exposes the panic value when it is itself an error.
func (e *PanicError) Unwrap() error {
	if err, ok := e.Value.(error); ok {
		return err
	}
	return nil
}

// ExitError is returned by the dispatcher when a debug exit was requested.
type ExitError struct {
	Code int
	Task TaskID
}

func (e *ExitError) Error() string {
	if e.Task == "" {
		return fmt.Sprintf("exit requested with status %d", e.Code)
	}
	return fmt.Sprintf("exit requested by %s with status %d", e.Task, e.Code)
}

// InvalidTransitionError is returned when a state transition is invalid.
type InvalidTransitionError struct {
	Entity string
	ID     string
	From   string
	To     string
}

func (e *InvalidTransitionError) Error() string {
	return fmt.Sprintf("invalid %s state transition: %s → %s (entity %s)", e.Entity, e.From, e.To, e.ID)
}
