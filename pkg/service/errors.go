package service

import (
	"errors"
	"fmt"

	"github.com/hed1ad/flowguard/pkg/detectors"
	"github.com/hed1ad/flowguard/pkg/features"
	"github.com/hed1ad/flowguard/pkg/snapshot"
)

// Failure kinds. Match them with errors.Is on any error returned by Service.
var (
	// ErrModelUnavailable means nothing has been trained or restored yet.
	ErrModelUnavailable = snapshot.ErrNoSnapshot
	// ErrInsufficientTrainingData means the corpus was empty or degenerate.
	ErrInsufficientTrainingData = detectors.ErrInsufficientTrainingData
	// ErrSourceUnavailable means the record source failed.
	ErrSourceUnavailable = errors.New("record source unavailable")
	// ErrUnknownCategory means a batch was aborted on an unseen protocol.
	ErrUnknownCategory = features.ErrUnknownCategory
	// ErrInvalidLimit means a negative inference limit was requested.
	ErrInvalidLimit = errors.New("invalid limit")
	// ErrScoring covers unexpected model failures.
	ErrScoring = errors.New("scoring failed")
	// ErrContaminationMismatch means an archived snapshot was calibrated for
	// a different contamination rate than the one configured.
	ErrContaminationMismatch = errors.New("contamination rate mismatch")
)

// ContaminationMismatchError is returned by Restore when the archived
// snapshot does not match the configured contamination rate.
type ContaminationMismatchError struct {
	SnapshotID string
	Archived   float64
	Configured float64
}

func (e *ContaminationMismatchError) Error() string {
	return fmt.Sprintf("snapshot %s was calibrated for contamination %v, configured %v",
		e.SnapshotID, e.Archived, e.Configured)
}

func (e *ContaminationMismatchError) Is(target error) bool {
	return target == ErrContaminationMismatch
}

// TrainingError is returned by Train. The previously published snapshot,
// if any, stays active.
type TrainingError struct {
	Err error
}

func (e *TrainingError) Error() string {
	return "training failed: " + e.Err.Error()
}

func (e *TrainingError) Unwrap() error {
	return e.Err
}

// InferenceError is returned by Infer. Reason is one of the failure kinds
// above; Err is the underlying cause and may be nil.
type InferenceError struct {
	Reason error
	Err    error
}

func (e *InferenceError) Error() string {
	if e.Err == nil || e.Err == e.Reason {
		return "inference failed: " + e.Reason.Error()
	}
	return "inference failed: " + e.Reason.Error() + ": " + e.Err.Error()
}

func (e *InferenceError) Unwrap() []error {
	if e.Err == nil {
		return []error{e.Reason}
	}
	return []error{e.Reason, e.Err}
}
