package domain

import (
	"errors"
	"fmt"
)

var (
	// ErrInputShape marks a missing column or a value of the wrong semantic type.
	ErrInputShape = errors.New("input shape error")

	// ErrMissingInput marks an input batch that does not exist or cannot be loaded.
	ErrMissingInput = errors.New("missing input")

	// ErrInvalidConfig marks a configuration value that cannot be used.
	ErrInvalidConfig = errors.New("invalid configuration")
)

// ShapeError describes a data-shape problem in a batch.
// Row is 1-based over data rows, 0 when the whole column is at fault.
type ShapeError struct {
	Row    int
	Column string
	Reason string
}

func (e *ShapeError) Error() string {
	if e.Row > 0 {
		return fmt.Sprintf("%s: row %d, column %q: %s", ErrInputShape, e.Row, e.Column, e.Reason)
	}
	return fmt.Sprintf("%s: column %q: %s", ErrInputShape, e.Column, e.Reason)
}

// Unwrap lets errors.Is match ErrInputShape.
func (e *ShapeError) Unwrap() error {
	return ErrInputShape
}

// MissingColumn returns a ShapeError for an absent column.
func MissingColumn(column string) *ShapeError {
	return &ShapeError{Column: column, Reason: "column is missing"}
}
