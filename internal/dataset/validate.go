// Package dataset parses, validates and stages uploaded tabular inputs.
package dataset

import (
	"fmt"

	"github.com/ch0002ic/balanced-corridor-planner/internal/domain"
)

// Validation error codes.
const (
	CodeEmptyHeaders     = "EmptyHeaders"
	CodeEmptyRows        = "EmptyRows"
	CodeRowArityMismatch = "RowArityMismatch"
)

// ValidationError describes why a dataset was rejected.
type ValidationError struct {
	Code     string
	Row      int // 0-based data row index, RowArityMismatch only
	Expected int
	Actual   int
}

func (e *ValidationError) Error() string {
	switch e.Code {
	case CodeEmptyHeaders:
		return "dataset must have headers"
	case CodeEmptyRows:
		return "dataset must have at least one data row"
	case CodeRowArityMismatch:
		return fmt.Sprintf("row %d has %d columns, expected %d", e.Row, e.Actual, e.Expected)
	}
	return "invalid dataset: " + e.Code
}

// Validate checks the structure of a dataset. It never mutates ds.
func Validate(ds *domain.Dataset) error {
	if ds == nil || len(ds.Headers) == 0 {
		return &ValidationError{Code: CodeEmptyHeaders}
	}
	if len(ds.Rows) == 0 {
		return &ValidationError{Code: CodeEmptyRows}
	}
	expected := len(ds.Headers)
	for i, row := range ds.Rows {
		if len(row) != expected {
			return &ValidationError{
				Code:     CodeRowArityMismatch,
				Row:      i,
				Expected: expected,
				Actual:   len(row),
			}
		}
	}
	return nil
}
