// Package queue defines the message handling contract shared by queue
// consumers and the components that process their deliveries.
package queue

import (
	"context"
	"errors"
)

// Handler processes a single delivery body.
//
// A nil error acknowledges the delivery. A retryable error returns it to the
// queue for redelivery; a non-retryable error drops it.
type Handler interface {
	HandleMessage(ctx context.Context, body []byte) error
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(ctx context.Context, body []byte) error

// HandleMessage calls f.
func (f HandlerFunc) HandleMessage(ctx context.Context, body []byte) error {
	return f(ctx, body)
}

// IsRetryable checks if an error is retryable.
func IsRetryable(err error) bool {
	type retryable interface {
		IsRetryable() bool
	}
	var r retryable
	if errors.As(err, &r) {
		return r.IsRetryable()
	}

	// Default: retry unknown errors
	return true
}

// RetryableError wraps an error and marks it as retryable or not.
type RetryableError struct {
	Err       error
	Retryable bool
}

func (e *RetryableError) Error() string {
	return e.Err.Error()
}

// IsRetryable returns whether the error is retryable.
func (e *RetryableError) IsRetryable() bool {
	return e.Retryable
}

func (e *RetryableError) Unwrap() error {
	return e.Err
}

// NewRetryableError creates a retryable error.
func NewRetryableError(err error) *RetryableError {
	return &RetryableError{Err: err, Retryable: true}
}

// NewNonRetryableError creates a non-retryable error.
func NewNonRetryableError(err error) *RetryableError {
	return &RetryableError{Err: err, Retryable: false}
}
