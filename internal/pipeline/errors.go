// Copyright Mesh Intelligence Inc., 2026. All rights reserved.

package pipeline

import (
	"errors"
	"fmt"
)

var (
	// ErrQuotaExhausted indicates the credit gate refused the run before
	// any network call or debit was made.
	ErrQuotaExhausted = errors.New("credit quota exhausted")

	// ErrNoSourceText indicates the paper has no extractable text. Raised
	// before any AI call or debit; text is a hard precondition.
	ErrNoSourceText = errors.New("no source text for paper")

	// ErrCancelled is the terminal outcome of a user-requested cancel.
	// Not an error in the failure sense, but a non-success terminal state.
	ErrCancelled = errors.New("extraction cancelled")

	// ErrSessionActive rejects a second extraction request for a paper
	// that already has a session running.
	ErrSessionActive = errors.New("extraction already in progress for paper")
)

// StageError wraps a failure inside one of the three AI stages. The whole
// session aborts; quota debited for completed stages is not refunded.
type StageError struct {
	// Stage is 1 (classify), 2 (extract), or 3 (integrate).
	Stage int

	// Description is the human label of the failed stage.
	Description string

	// Err is the underlying cause.
	Err error
}

func (e *StageError) Error() string {
	return fmt.Sprintf("stage %d (%s) failed: %v", e.Stage, e.Description, e.Err)
}

func (e *StageError) Unwrap() error {
	return e.Err
}
