package verification

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrNotFound is returned for unknown verification or receipt IDs.
	ErrNotFound = errors.New("not found")
	// ErrInvalidInput is returned for malformed commitments or evidence.
	ErrInvalidInput = errors.New("invalid input")
	// ErrNotScored is returned when attesting a commitment that has no verdict.
	ErrNotScored = errors.New("commitment has not been scored")
	// ErrConflict is returned when evidence targets a commitment that is no
	// longer active, or duplicates evidence already recorded.
	ErrConflict = errors.New("conflict")
)

// InputError carries every validation problem found in one request.
type InputError struct {
	Problems []string
}

func (e *InputError) Error() string {
	return "invalid input: " + strings.Join(e.Problems, "; ")
}

// Unwrap makes InputError match ErrInvalidInput.
func (e *InputError) Unwrap() error { return ErrInvalidInput }

func invalidInput(problems ...string) error {
	return &InputError{Problems: problems}
}

func invalidInputf(format string, args ...any) error {
	return &InputError{Problems: []string{fmt.Sprintf(format, args...)}}
}
