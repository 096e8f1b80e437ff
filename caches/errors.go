package caches

import (
	"errors"
	"fmt"
)

type ValidationError struct {
	Reason string
}

func (ve ValidationError) Error() string {
	return fmt.Sprintf("creation of store failed for reason : %s ", ve.Reason)
}

// Is reports any ValidationError as matching ErrValidation.
func (ve ValidationError) Is(target error) bool {
	return target == ErrValidation
}

var (
	// ErrValidation matches every ValidationError.
	ErrValidation = errors.New("store validation failed")

	// ErrNoCacheItem is returned by backends when a key, version or task does not exist.
	ErrNoCacheItem = errors.New("no value found in store")
)
