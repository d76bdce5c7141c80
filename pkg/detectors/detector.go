// Package detectors provides unsupervised anomaly detection algorithms.
package detectors

import (
	"errors"
	"fmt"
)

var (
	// ErrInsufficientTrainingData is returned when the training matrix is empty,
	// has a single row, or has no variance at all.
	ErrInsufficientTrainingData = errors.New("insufficient training data")
	// ErrModelUntrained is returned when scoring with a model that was never fit.
	ErrModelUntrained = errors.New("model not trained")
	// ErrInvalidFeatures is returned for ragged or non-finite feature rows.
	ErrInvalidFeatures = errors.New("invalid feature matrix")
	// ErrFeatureWidth is returned when scoring rows whose width differs from training.
	ErrFeatureWidth = errors.New("feature width mismatch")
)

// Model is a trained, read-only anomaly detector.
// Implementations must be safe for concurrent use.
type Model interface {
	// Predict returns anomaly scores for the given samples.
	// Scores are normalized to [0, 1] where higher values indicate anomalies.
	Predict(data [][]float64) ([]float64, error)

	// PredictOne returns the anomaly score for a single sample.
	PredictOne(sample []float64) (float64, error)

	// Classify returns one verdict per row, true for anomalies.
	Classify(data [][]float64) ([]bool, error)

	// Threshold is the score above which a sample is anomalous.
	Threshold() float64

	// Width is the number of features per row the model was trained on.
	Width() int

	// Contamination is the rate the threshold was calibrated for.
	Contamination() float64

	// Save serializes the trained model to bytes.
	Save() ([]byte, error)
}

// Trainer fits a new Model from historical data.
// data is a 2D slice where each row is a sample and each column is a feature.
type Trainer interface {
	Fit(data [][]float64) (Model, error)

	// Contamination is the rate every fitted model is calibrated for.
	Contamination() float64
}

// Config holds common configuration for detectors.
type Config struct {
	// Contamination is the expected proportion of anomalies in training data.
	Contamination float64
	// RandomSeed for reproducibility.
	RandomSeed int64
}

// DefaultConfig returns the defaults shared by training and inference.
func DefaultConfig() Config {
	return Config{
		Contamination: 0.1,
		RandomSeed:    42,
	}
}

// ValidateContamination checks that c lies in the open interval (0, 0.5).
func ValidateContamination(c float64) error {
	if !(c > 0 && c < 0.5) {
		return fmt.Errorf("contamination %v outside (0, 0.5)", c)
	}
	return nil
}

// Verdicts marks every score strictly above threshold as anomalous.
func Verdicts(scores []float64, threshold float64) []bool {
	out := make([]bool, len(scores))
	for i, s := range scores {
		out[i] = s > threshold
	}
	return out
}
