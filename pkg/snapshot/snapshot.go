// Package snapshot publishes the trained (encoder, model) pair used for scoring.
//
// A Snapshot is immutable. The Store swaps whole snapshots atomically, so a
// scoring call that captured a snapshot keeps a consistent encoder and model
// even if training publishes a new pair while it runs.
package snapshot

import (
	"errors"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/hed1ad/flowguard/pkg/detectors"
	"github.com/hed1ad/flowguard/pkg/features"
)

// ErrNoSnapshot is returned before any snapshot has been published.
var ErrNoSnapshot = errors.New("no model snapshot published")

// Snapshot is a matched encoder and model.
type Snapshot struct {
	ID           string
	Encoder      *features.Encoder
	Model        detectors.Model
	TrainedAt    time.Time
	TrainingRows int

	// Contamination is the rate the model threshold was calibrated for.
	Contamination float64
}

// New wraps a freshly trained pair in a snapshot with a new ID.
func New(enc *features.Encoder, model detectors.Model, rows int) *Snapshot {
	snap := &Snapshot{
		ID:           uuid.NewString(),
		Encoder:      enc,
		Model:        model,
		TrainedAt:    time.Now().UTC(),
		TrainingRows: rows,
	}
	if model != nil {
		snap.Contamination = model.Contamination()
	}
	return snap
}

// Store holds the current snapshot.
type Store struct {
	current atomic.Pointer[Snapshot]
}

// NewStore creates an empty store.
func NewStore() *Store {
	return &Store{}
}

// Current returns the active snapshot or ErrNoSnapshot.
func (s *Store) Current() (*Snapshot, error) {
	snap := s.current.Load()
	if snap == nil {
		return nil, ErrNoSnapshot
	}
	return snap, nil
}

// Publish makes snap the active snapshot.
func (s *Store) Publish(snap *Snapshot) error {
	if snap == nil || snap.Encoder == nil || snap.Model == nil {
		return errors.New("snapshot: refusing to publish an incomplete snapshot")
	}
	s.current.Store(snap)
	return nil
}
