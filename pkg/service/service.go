// Package service ties record sources, the scoring pipeline and the
// snapshot store into the train / infer lifecycle.
package service

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math"
	"sync"
	"time"

	"github.com/hed1ad/flowguard/pkg/chart"
	"github.com/hed1ad/flowguard/pkg/detectors"
	"github.com/hed1ad/flowguard/pkg/features"
	"github.com/hed1ad/flowguard/pkg/flow"
	"github.com/hed1ad/flowguard/pkg/pipeline"
	"github.com/hed1ad/flowguard/pkg/snapshot"
	"github.com/hed1ad/flowguard/pkg/source"
)

// Training and inference outcomes reported to Metrics.
const (
	StatusOK          = "ok"
	StatusNoModel     = "no_model"
	StatusSourceError = "source_error"
	StatusBadData     = "insufficient_data"
	StatusAborted     = "aborted"
	StatusMismatch    = "contamination_mismatch"
	StatusError       = "error"
)

// Archive persists published snapshots outside the process.
type Archive interface {
	Save(ctx context.Context, snap *snapshot.Snapshot) error
	Load(ctx context.Context) (*snapshot.Snapshot, error)
}

// Metrics receives training, restore and inference observations.
type Metrics interface {
	ObserveTraining(status string, duration time.Duration, rows int)
	ObserveRestore(status string, rows int)
	ObserveInference(status string, scored, excluded, anomalies int)
}

type nopMetrics struct{}

func (nopMetrics) ObserveTraining(string, time.Duration, int) {}
func (nopMetrics) ObserveRestore(string, int)                 {}
func (nopMetrics) ObserveInference(string, int, int, int)     {}

// Inference is the result of one Infer call.
type Inference struct {
	Payload    chart.Payload
	Records    []flow.Scored
	Fetched    int
	Excluded   int
	SnapshotID string
}

// Service trains and serves anomaly snapshots.
type Service struct {
	source  source.Source
	trainer detectors.Trainer
	store   *snapshot.Store
	archive Archive
	policy  pipeline.Policy
	metrics Metrics
	logger  *slog.Logger

	trainMu sync.Mutex
}

// Option configures a Service.
type Option func(*Service)

// WithStore shares an existing snapshot store.
func WithStore(store *snapshot.Store) Option {
	return func(s *Service) {
		s.store = store
	}
}

// WithArchive saves every published snapshot and enables Restore.
func WithArchive(a Archive) Option {
	return func(s *Service) {
		s.archive = a
	}
}

// WithPolicy sets the unknown category policy.
func WithPolicy(p pipeline.Policy) Option {
	return func(s *Service) {
		s.policy = p
	}
}

// WithMetrics sets the metrics sink.
func WithMetrics(m Metrics) Option {
	return func(s *Service) {
		s.metrics = m
	}
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Service) {
		s.logger = l
	}
}

// New creates a Service reading from src and fitting models with trainer.
func New(src source.Source, trainer detectors.Trainer, opts ...Option) *Service {
	s := &Service{
		source:  src,
		trainer: trainer,
		store:   snapshot.NewStore(),
		policy:  pipeline.ExcludeAndReport,
		metrics: nopMetrics{},
		logger:  slog.New(slog.NewTextHandler(io.Discard, nil)),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Store returns the snapshot store.
func (s *Service) Store() *snapshot.Store {
	return s.store
}

// Train fits a new encoder and model on the full training corpus and
// publishes them as one snapshot. On failure the current snapshot is kept.
func (s *Service) Train(ctx context.Context) (*snapshot.Snapshot, error) {
	s.trainMu.Lock()
	defer s.trainMu.Unlock()

	start := time.Now()
	snap, err := s.train(ctx)
	elapsed := time.Since(start)

	if err != nil {
		status := StatusError
		switch {
		case errors.Is(err, ErrSourceUnavailable):
			status = StatusSourceError
		case errors.Is(err, ErrInsufficientTrainingData):
			status = StatusBadData
		}
		s.metrics.ObserveTraining(status, elapsed, 0)
		s.logger.Error("training failed", "error", err, "duration_ms", elapsed.Milliseconds())
		return nil, &TrainingError{Err: err}
	}

	s.metrics.ObserveTraining(StatusOK, elapsed, snap.TrainingRows)
	s.logger.Info("published model snapshot",
		"snapshot_id", snap.ID,
		"rows", snap.TrainingRows,
		"categories", snap.Encoder.Categories(),
		"threshold", snap.Model.Threshold(),
		"duration_ms", elapsed.Milliseconds(),
	)

	if s.archive != nil {
		if err := s.archive.Save(ctx, snap); err != nil {
			s.logger.Warn("could not archive model snapshot", "snapshot_id", snap.ID, "error", err)
		}
	}

	return snap, nil
}

func (s *Service) train(ctx context.Context) (*snapshot.Snapshot, error) {
	records, err := s.source.FetchTraining(ctx)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrSourceUnavailable, err)
	}
	if len(records) < 2 {
		return nil, fmt.Errorf("%w: %d record(s)", ErrInsufficientTrainingData, len(records))
	}

	enc := features.Fit(flow.Protocols(records))
	matrix, err := pipeline.Matrix(records, enc)
	if err != nil {
		return nil, err
	}

	model, err := s.trainer.Fit(matrix)
	if err != nil {
		return nil, err
	}

	snap := snapshot.New(enc, model, len(records))
	if err := s.store.Publish(snap); err != nil {
		return nil, err
	}
	return snap, nil
}

// Restore publishes the archived snapshot, if there is one. A snapshot
// calibrated for another contamination rate than the trainer's is rejected
// with a ContaminationMismatchError and the current snapshot is kept.
func (s *Service) Restore(ctx context.Context) (*snapshot.Snapshot, error) {
	if s.archive == nil {
		return nil, ErrModelUnavailable
	}
	snap, err := s.archive.Load(ctx)
	if err != nil {
		status := StatusError
		if errors.Is(err, ErrModelUnavailable) {
			status = StatusNoModel
		}
		s.metrics.ObserveRestore(status, 0)
		return nil, err
	}

	if want := s.trainer.Contamination(); math.Abs(snap.Contamination-want) > 1e-9 {
		s.metrics.ObserveRestore(StatusMismatch, 0)
		s.logger.Warn("archived snapshot does not match configured contamination",
			"snapshot_id", snap.ID,
			"archived", snap.Contamination,
			"configured", want,
		)
		return nil, &ContaminationMismatchError{SnapshotID: snap.ID, Archived: snap.Contamination, Configured: want}
	}

	if err := s.store.Publish(snap); err != nil {
		s.metrics.ObserveRestore(StatusError, 0)
		return nil, err
	}
	s.metrics.ObserveRestore(StatusOK, snap.TrainingRows)
	s.logger.Info("restored model snapshot",
		"snapshot_id", snap.ID,
		"trained_at", snap.TrainedAt,
		"rows", snap.TrainingRows,
		"contamination", snap.Contamination,
	)
	return snap, nil
}

// Infer scores the limit most recent records against the current snapshot
// and projects them for charting. A limit of zero yields an empty payload.
func (s *Service) Infer(ctx context.Context, limit int) (*Inference, error) {
	if limit < 0 {
		s.metrics.ObserveInference(StatusError, 0, 0, 0)
		return nil, &InferenceError{Reason: ErrInvalidLimit, Err: fmt.Errorf("limit %d", limit)}
	}

	// The snapshot captured here is used for the whole call.
	snap, err := s.store.Current()
	if err != nil {
		s.metrics.ObserveInference(StatusNoModel, 0, 0, 0)
		return nil, &InferenceError{Reason: ErrModelUnavailable}
	}

	records, err := s.source.FetchRecent(ctx, limit)
	if err != nil {
		s.metrics.ObserveInference(StatusSourceError, 0, 0, 0)
		s.logger.Error("failed to fetch recent records", "error", err, "limit", limit)
		return nil, &InferenceError{Reason: ErrSourceUnavailable, Err: err}
	}

	batch, err := pipeline.ScoreBatch(records, snap.Encoder, snap.Model, s.policy)
	if err != nil {
		if errors.Is(err, features.ErrUnknownCategory) {
			s.metrics.ObserveInference(StatusAborted, 0, 0, 0)
			return nil, &InferenceError{Reason: ErrUnknownCategory, Err: err}
		}
		s.metrics.ObserveInference(StatusError, 0, 0, 0)
		s.logger.Error("failed to score batch", "error", err, "snapshot_id", snap.ID)
		return nil, &InferenceError{Reason: ErrScoring, Err: err}
	}

	anomalies := batch.Anomalies()
	s.metrics.ObserveInference(StatusOK, len(batch.Records), batch.Excluded, anomalies)
	if batch.Excluded > 0 {
		s.logger.Warn("excluded records with unknown protocols",
			"excluded", batch.Excluded,
			"categories", batch.ExcludedCategories,
			"snapshot_id", snap.ID,
		)
	}
	s.logger.Debug("scored batch", "fetched", len(records), "scored", len(batch.Records), "anomalies", anomalies)

	return &Inference{
		Payload:    chart.Project(batch.Records),
		Records:    batch.Records,
		Fetched:    len(records),
		Excluded:   batch.Excluded,
		SnapshotID: snap.ID,
	}, nil
}

// Recent returns the most recent raw records without scoring them.
func (s *Service) Recent(ctx context.Context, limit int) ([]flow.Record, error) {
	records, err := s.source.FetchRecent(ctx, limit)
	if err != nil {
		return nil, &InferenceError{Reason: ErrSourceUnavailable, Err: err}
	}
	return records, nil
}
