// Package pipeline scores batches of flow records against a fitted
// encoder and model.
package pipeline

import (
	"errors"
	"fmt"

	"github.com/hed1ad/flowguard/pkg/detectors"
	"github.com/hed1ad/flowguard/pkg/features"
	"github.com/hed1ad/flowguard/pkg/flow"
)

// Policy decides what happens to records whose protocol the encoder has never seen.
type Policy string

const (
	// ExcludeAndReport drops the record and counts it in Batch.Excluded.
	ExcludeAndReport Policy = "exclude"
	// AbortBatch fails the whole batch.
	AbortBatch Policy = "abort"
)

// ParsePolicy converts a configuration string into a Policy.
func ParsePolicy(s string) (Policy, error) {
	switch p := Policy(s); p {
	case ExcludeAndReport, AbortBatch:
		return p, nil
	}
	return "", fmt.Errorf("unknown category policy %q (want %q or %q)", s, ExcludeAndReport, AbortBatch)
}

// Encoder maps a protocol string to its fitted code.
type Encoder interface {
	TransformOne(value string) (int, error)
}

// Batch is the outcome of scoring one batch of records.
type Batch struct {
	// Records holds one entry per retained input record, in input order.
	Records []flow.Scored
	// Excluded counts records dropped for unknown categories.
	Excluded int
	// ExcludedCategories counts exclusions per unseen protocol value.
	ExcludedCategories map[string]int
}

// Anomalies returns how many retained records were flagged.
func (b *Batch) Anomalies() int {
	n := 0
	for _, r := range b.Records {
		if r.IsAnomaly {
			n++
		}
	}
	return n
}

// ScoreBatch encodes records, scores the retained ones with model and
// attaches the verdicts. len(Records)+Excluded always equals len(records).
func ScoreBatch(records []flow.Record, enc Encoder, model detectors.Model, policy Policy) (*Batch, error) {
	batch := &Batch{
		Records:            []flow.Scored{},
		ExcludedCategories: map[string]int{},
	}
	if len(records) == 0 {
		return batch, nil
	}

	retained := make([]flow.Record, 0, len(records))
	matrix := make([][]float64, 0, len(records))
	for i, r := range records {
		code, err := enc.TransformOne(r.Protocol)
		if err != nil {
			if !errors.Is(err, features.ErrUnknownCategory) || policy == AbortBatch {
				return nil, fmt.Errorf("record %d: %w", i, err)
			}
			batch.Excluded++
			batch.ExcludedCategories[r.Protocol]++
			continue
		}
		retained = append(retained, r)
		matrix = append(matrix, Row(r.SrcBytes, code))
	}

	if len(matrix) == 0 {
		return batch, nil
	}

	scores, err := model.Predict(matrix)
	if err != nil {
		return nil, fmt.Errorf("score batch: %w", err)
	}
	verdicts := detectors.Verdicts(scores, model.Threshold())

	batch.Records = make([]flow.Scored, len(retained))
	for i, r := range retained {
		batch.Records[i] = flow.Scored{
			SrcIP:     r.SrcIP,
			SrcBytes:  r.SrcBytes,
			IsAnomaly: verdicts[i],
			Score:     scores[i],
		}
	}

	return batch, nil
}

// Row builds the model input for one record: [src_bytes, protocol_code].
func Row(srcBytes int64, protocolCode int) []float64 {
	return []float64{float64(srcBytes), float64(protocolCode)}
}

// Matrix encodes a full training set. Unlike ScoreBatch it fails on any
// unknown protocol, since the encoder is expected to be fit on the same records.
func Matrix(records []flow.Record, enc Encoder) ([][]float64, error) {
	matrix := make([][]float64, len(records))
	for i, r := range records {
		code, err := enc.TransformOne(r.Protocol)
		if err != nil {
			return nil, fmt.Errorf("record %d: %w", i, err)
		}
		matrix[i] = Row(r.SrcBytes, code)
	}
	return matrix, nil
}
