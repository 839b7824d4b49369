package subscribers

import (
	"errors"
	"fmt"
)

// Service errors.
var (
	ErrInvalidInput       = errors.New("invalid input")
	ErrSubscriberNotFound = errors.New("subscriber not found")
	ErrInvalidToken       = errors.New("invalid validation token")
	ErrExpiredToken       = errors.New("validation token has expired")
	ErrStorage            = errors.New("storage failure")
)

// Repository errors.
var (
	ErrConditionFailed = errors.New("update condition failed")
)

// StorageError wraps a failed store or queue call.
type StorageError struct {
	Op  string
	Err error
}

func (e *StorageError) Error() string {
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

// Is matches ErrStorage.
func (e *StorageError) Is(target error) bool {
	return target == ErrStorage
}

func (e *StorageError) Unwrap() error {
	return e.Err
}

func storageError(op string, err error) error {
	return &StorageError{Op: op, Err: err}
}
