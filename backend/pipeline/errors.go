package pipeline

import (
	"errors"
	"fmt"
)

// Stage names a step of document processing
type Stage string

const (
	StageExtraction Stage = "extraction"
	StageAnalysis   Stage = "analysis"
	StageFinancial  Stage = "financial"
	StageRisk       Stage = "risk"
	StageScoring    Stage = "scoring"
)

var (
	// ErrExtraction means no text could be obtained from the document
	ErrExtraction = errors.New("text extraction failed")
	// ErrAnalysis means the text analysis or classification call failed
	ErrAnalysis = errors.New("text analysis failed")
	// ErrScoring means a score could not be computed
	ErrScoring = errors.New("scoring failed")
	// ErrInterrupted is recorded on runs a previous server process left unfinished
	ErrInterrupted = errors.New("processing interrupted")

	// errSkip aborts an atomic update without writing
	errSkip = errors.New("skip update")
)

// StageError records which stage failed and why
type StageError struct {
	Stage Stage
	Err   error
}

func (e *StageError) Error() string {
	return fmt.Sprintf("%s: %v", e.Stage, e.Err)
}

func (e *StageError) Unwrap() error {
	return e.Err
}

func stageErr(stage Stage, kind, cause error) *StageError {
	if cause == nil {
		return &StageError{Stage: stage, Err: kind}
	}
	return &StageError{Stage: stage, Err: fmt.Errorf("%w: %w", kind, cause)}
}

// Outcome is the result of one stage. When Err is set the stage failed and
// Value holds its safe default.
type Outcome[T any] struct {
	Value T
	Err   *StageError
}

func ok[T any](v T) Outcome[T] {
	return Outcome[T]{Value: v}
}

func degraded[T any](v T, err *StageError) Outcome[T] {
	return Outcome[T]{Value: v, Err: err}
}
