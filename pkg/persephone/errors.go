package persephone

import (
	"errors"
	"fmt"
)

var (
	// ErrSourceNotFound indicates a raw or processed input file does not exist
	ErrSourceNotFound = errors.New("source not found")

	// ErrEmptySeries indicates no usable rows survived loading
	ErrEmptySeries = errors.New("empty series")

	// ErrInsufficientData indicates the series is too short to carve out a test window
	ErrInsufficientData = errors.New("insufficient data")

	// ErrEmptyJoin indicates no forecast date matched a test date
	ErrEmptyJoin = errors.New("no forecast dates overlap the test window")

	// ErrMissingColumn indicates a required CSV column is absent from the header
	ErrMissingColumn = errors.New("column not found")

	// ErrInvalidConfig indicates a stage was given unusable parameters
	ErrInvalidConfig = errors.New("invalid configuration")

	// ErrPaginationLimit indicates the raw download exceeded its page budget
	ErrPaginationLimit = errors.New("pagination limit reached")
)

// DataError carries the input behind a stage failure. It unwraps to one of the
// sentinel errors above so callers can match with errors.Is.
type DataError struct {
	Op    string // Stage that failed (build, load, split, evaluate)
	Path  string // Offending file, empty for in-memory inputs
	Count int    // Rows or points available
	Need  int    // Rows or points required, zero when not applicable
	Err   error
}

func (e *DataError) Error() string {
	msg := e.Op
	if e.Path != "" {
		msg += " " + e.Path
	}
	msg += ": " + e.Err.Error()
	if e.Need > 0 {
		msg += fmt.Sprintf(" (have %d, need more than %d)", e.Count, e.Need)
	} else if e.Count > 0 {
		msg += fmt.Sprintf(" (%d rows)", e.Count)
	}
	return msg
}

func (e *DataError) Unwrap() error {
	return e.Err
}

func sourceNotFound(op, path string) error {
	return &DataError{Op: op, Path: path, Err: ErrSourceNotFound}
}
