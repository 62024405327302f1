package myvector

import (
	"errors"
	"fmt"

	"github.com/p3io/myvector/index"
	"github.com/p3io/myvector/registry"
)

var (
	// ErrNotFound is returned when a named index does not exist.
	ErrNotFound = errors.New("not found")

	// ErrInvalidN reports a neighbor count that is not positive. The
	// Service operations do not return it: AnnSet keeps the default count
	// when nn= is not positive.
	ErrInvalidN = errors.New("neighbor count must be positive")
)

// ErrDimensionMismatch indicates a vector/query dimensionality mismatch.
//
// The original underlying error (if any) can be accessed via errors.Unwrap.
type ErrDimensionMismatch struct {
	Expected int
	Actual   int
	cause    error
}

func (e *ErrDimensionMismatch) Error() string {
	return fmt.Sprintf("dimension mismatch: expected %d, got %d", e.Expected, e.Actual)
}

func (e *ErrDimensionMismatch) Unwrap() error { return e.cause }

// translateError normalizes sub-package errors into the root taxonomy.
func translateError(err error) error {
	if err == nil {
		return nil
	}

	if errors.Is(err, registry.ErrNotFound) {
		return fmt.Errorf("%w: %w", ErrNotFound, err)
	}

	var dm *index.ErrDimensionMismatch
	if errors.As(err, &dm) {
		return &ErrDimensionMismatch{Expected: dm.Expected, Actual: dm.Actual, cause: err}
	}

	return err
}
