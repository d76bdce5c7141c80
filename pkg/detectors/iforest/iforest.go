// Package iforest implements the Isolation Forest algorithm for anomaly detection.
//
// Split dimensions are drawn with probability proportional to their value
// range inside a node and the cut is uniform within that range, as in
// random cut forests. Cuts therefore operate in raw feature units: heavily
// skewed columns such as byte counts need no scaling, and points that are
// far away by magnitude are isolated first.
package iforest

import (
	"bytes"
	"encoding/gob"
	"errors"
	"fmt"
	"math"
	"math/rand"
	"sort"

	"github.com/hed1ad/flowguard/pkg/detectors"
)

const eulerGamma = 0.5772156649

// IsolationForest holds the training configuration. It is a detectors.Trainer.
type IsolationForest struct {
	nTrees        int
	sampleSize    int
	contamination float64
	seed          int64
}

// Model is a trained forest. It is never modified after training and is
// safe for concurrent use.
type Model struct {
	trees         []*node
	width         int
	sampleSize    int
	contamination float64
	threshold     float64

	// Expected path length for the training subsample size, used to normalize scores.
	avgPathLength float64
}

// node is a node in an isolation tree. Fields are exported for gob.
type node struct {
	// Split parameters (for internal nodes)
	Feature int
	Value   float64

	Left  *node
	Right *node

	// Size is the number of training samples that reached this leaf.
	Size int
}

func (n *node) leaf() bool {
	return n.Left == nil && n.Right == nil
}

// Option configures an IsolationForest.
type Option func(*IsolationForest)

// WithTrees sets the number of isolation trees.
func WithTrees(n int) Option {
	return func(f *IsolationForest) {
		f.nTrees = n
	}
}

// WithSampleSize sets the subsample size for each tree.
func WithSampleSize(n int) Option {
	return func(f *IsolationForest) {
		f.sampleSize = n
	}
}

// WithContamination sets the expected proportion of anomalies.
func WithContamination(c float64) Option {
	return func(f *IsolationForest) {
		f.contamination = c
	}
}

// WithSeed sets the random seed. Every Fit starts from this seed.
func WithSeed(seed int64) Option {
	return func(f *IsolationForest) {
		f.seed = seed
	}
}

// New creates a new IsolationForest with the given options.
func New(opts ...Option) *IsolationForest {
	cfg := detectors.DefaultConfig()
	f := &IsolationForest{
		nTrees:        100,
		sampleSize:    256,
		contamination: cfg.Contamination,
		seed:          cfg.RandomSeed,
	}

	for _, opt := range opts {
		opt(f)
	}

	return f
}

// Contamination returns the configured contamination rate.
func (f *IsolationForest) Contamination() float64 {
	return f.contamination
}

// Fit trains a model on data. It implements detectors.Trainer.
func (f *IsolationForest) Fit(data [][]float64) (detectors.Model, error) {
	m, err := f.Train(data)
	if err != nil {
		return nil, err
	}
	return m, nil
}

// Train builds a new Model from data and calibrates its threshold so that
// roughly the contamination fraction of training rows score above it.
func (f *IsolationForest) Train(data [][]float64) (*Model, error) {
	if err := detectors.ValidateContamination(f.contamination); err != nil {
		return nil, err
	}
	if f.nTrees < 1 || f.sampleSize < 2 {
		return nil, fmt.Errorf("iforest: need at least 1 tree and a sample size of 2, got %d and %d", f.nTrees, f.sampleSize)
	}

	width, err := validate(data)
	if err != nil {
		return nil, err
	}
	if len(data) < 2 {
		return nil, fmt.Errorf("%w: %d row(s)", detectors.ErrInsufficientTrainingData, len(data))
	}
	if !hasVariance(data) {
		return nil, fmt.Errorf("%w: all %d rows are identical", detectors.ErrInsufficientTrainingData, len(data))
	}

	nSamples := len(data)
	sampleSize := min(f.sampleSize, nSamples)

	b := &builder{
		rng:      rand.New(rand.NewSource(f.seed)),
		width:    width,
		maxDepth: int(math.Ceil(math.Log2(float64(sampleSize)))),
	}

	m := &Model{
		trees:         make([]*node, f.nTrees),
		width:         width,
		sampleSize:    sampleSize,
		contamination: f.contamination,
		avgPathLength: averagePathLength(float64(sampleSize)),
	}

	sample := make([][]float64, sampleSize)
	for i := range m.trees {
		// Sample without replacement
		for j, idx := range b.rng.Perm(nSamples)[:sampleSize] {
			sample[j] = data[idx]
		}
		m.trees[i] = b.buildNode(sample, 0)
	}

	m.threshold = quantile(m.predict(data), 1-f.contamination)

	return m, nil
}

type builder struct {
	rng      *rand.Rand
	width    int
	maxDepth int
}

func (b *builder) buildNode(data [][]float64, depth int) *node {
	n := len(data)

	if depth >= b.maxDepth || n <= 1 {
		return &node{Size: n}
	}

	mins := make([]float64, b.width)
	maxs := make([]float64, b.width)
	copy(mins, data[0])
	copy(maxs, data[0])
	for _, row := range data[1:] {
		for j, v := range row {
			mins[j] = math.Min(mins[j], v)
			maxs[j] = math.Max(maxs[j], v)
		}
	}

	var total float64
	for j := range mins {
		total += maxs[j] - mins[j]
	}
	if total == 0 {
		return &node{Size: n}
	}

	// Pick a dimension weighted by its range.
	feature := -1
	r := b.rng.Float64() * total
	for j := range mins {
		span := maxs[j] - mins[j]
		if span == 0 {
			continue
		}
		feature = j
		if r < span {
			break
		}
		r -= span
	}

	splitValue := mins[feature] + b.rng.Float64()*(maxs[feature]-mins[feature])

	var leftData, rightData [][]float64
	for _, row := range data {
		if row[feature] < splitValue {
			leftData = append(leftData, row)
		} else {
			rightData = append(rightData, row)
		}
	}

	return &node{
		Feature: feature,
		Value:   splitValue,
		Left:    b.buildNode(leftData, depth+1),
		Right:   b.buildNode(rightData, depth+1),
	}
}

// Predict returns anomaly scores for the given samples.
func (m *Model) Predict(data [][]float64) ([]float64, error) {
	if len(m.trees) == 0 {
		return nil, detectors.ErrModelUntrained
	}
	for i, row := range data {
		if len(row) != m.width {
			return nil, fmt.Errorf("%w: row %d has %d features, want %d", detectors.ErrFeatureWidth, i, len(row), m.width)
		}
	}
	return m.predict(data), nil
}

// PredictOne returns the anomaly score for a single sample.
func (m *Model) PredictOne(sample []float64) (float64, error) {
	scores, err := m.Predict([][]float64{sample})
	if err != nil {
		return 0, err
	}
	return scores[0], nil
}

// Classify returns true for every sample whose score exceeds the threshold.
func (m *Model) Classify(data [][]float64) ([]bool, error) {
	scores, err := m.Predict(data)
	if err != nil {
		return nil, err
	}
	return detectors.Verdicts(scores, m.threshold), nil
}

func (m *Model) predict(data [][]float64) []float64 {
	scores := make([]float64, len(data))
	for i, sample := range data {
		scores[i] = m.score(sample)
	}
	return scores
}

// score is 2^(-E[h(x)] / c(n)); higher is more anomalous.
func (m *Model) score(sample []float64) float64 {
	var totalPath float64
	for _, tree := range m.trees {
		totalPath += pathLength(sample, tree)
	}
	avgPath := totalPath / float64(len(m.trees))

	return math.Pow(2, -avgPath/m.avgPathLength)
}

// pathLength calculates the path length for a sample in a tree.
func pathLength(sample []float64, n *node) float64 {
	depth := 0
	for !n.leaf() {
		if sample[n.Feature] < n.Value {
			n = n.Left
		} else {
			n = n.Right
		}
		depth++
	}
	// Leaf node: add expected path length for remaining isolation
	return float64(depth) + averagePathLength(float64(n.Size))
}

// averagePathLength returns the average path length of unsuccessful search in BST.
// c(n) = 2*H(n-1) - 2*(n-1)/n, where H is the harmonic number.
func averagePathLength(n float64) float64 {
	switch {
	case n <= 1:
		return 0
	case n == 2:
		return 1
	}
	return 2*(math.Log(n-1)+eulerGamma) - 2*(n-1)/n
}

// Threshold returns the calibrated anomaly threshold.
func (m *Model) Threshold() float64 {
	return m.threshold
}

// Width returns the number of features per sample.
func (m *Model) Width() int {
	return m.width
}

// Contamination returns the contamination rate used for calibration.
func (m *Model) Contamination() float64 {
	return m.contamination
}

// Trees returns the number of trees in the forest.
func (m *Model) Trees() int {
	return len(m.trees)
}

type modelState struct {
	Width         int
	SampleSize    int
	Contamination float64
	Threshold     float64
	AvgPathLength float64
	Trees         []*node
}

// Save serializes the trained model.
func (m *Model) Save() ([]byte, error) {
	if len(m.trees) == 0 {
		return nil, detectors.ErrModelUntrained
	}

	var buf bytes.Buffer
	err := gob.NewEncoder(&buf).Encode(modelState{
		Width:         m.width,
		SampleSize:    m.sampleSize,
		Contamination: m.contamination,
		Threshold:     m.threshold,
		AvgPathLength: m.avgPathLength,
		Trees:         m.trees,
	})
	if err != nil {
		return nil, err
	}

	return buf.Bytes(), nil
}

// Load deserializes a model produced by Save.
func Load(data []byte) (*Model, error) {
	var st modelState
	if err := gob.NewDecoder(bytes.NewReader(data)).Decode(&st); err != nil {
		return nil, fmt.Errorf("decode forest: %w", err)
	}
	if len(st.Trees) == 0 || st.Width < 1 {
		return nil, detectors.ErrModelUntrained
	}
	if err := detectors.ValidateContamination(st.Contamination); err != nil {
		return nil, fmt.Errorf("decode forest: %w", err)
	}
	for i, root := range st.Trees {
		if err := checkTree(root, st.Width); err != nil {
			return nil, fmt.Errorf("%w: tree %d: %w", detectors.ErrInvalidFeatures, i, err)
		}
	}

	return &Model{
		trees:         st.Trees,
		width:         st.Width,
		sampleSize:    st.SampleSize,
		contamination: st.Contamination,
		threshold:     st.Threshold,
		avgPathLength: st.AvgPathLength,
	}, nil
}

// checkTree verifies that every split reads a feature below width and that
// every node has both children or none.
func checkTree(root *node, width int) error {
	if root == nil {
		return errors.New("missing root")
	}
	stack := []*node{root}
	for len(stack) > 0 {
		n := stack[len(stack)-1]
		stack = stack[:len(stack)-1]

		if (n.Left == nil) != (n.Right == nil) {
			return errors.New("node with a single child")
		}
		if n.leaf() {
			continue
		}
		if n.Feature < 0 || n.Feature >= width {
			return fmt.Errorf("split on feature %d, width %d", n.Feature, width)
		}
		stack = append(stack, n.Left, n.Right)
	}
	return nil
}

// validate checks that data is a non-empty rectangular matrix of finite values.
func validate(data [][]float64) (int, error) {
	if len(data) == 0 {
		return 0, fmt.Errorf("%w: empty training data", detectors.ErrInsufficientTrainingData)
	}
	width := len(data[0])
	if width == 0 {
		return 0, fmt.Errorf("%w: rows have no features", detectors.ErrInvalidFeatures)
	}
	for i, row := range data {
		if len(row) != width {
			return 0, fmt.Errorf("%w: row %d has %d features, want %d", detectors.ErrInvalidFeatures, i, len(row), width)
		}
		for _, v := range row {
			if math.IsNaN(v) || math.IsInf(v, 0) {
				return 0, fmt.Errorf("%w: row %d has a non-finite value", detectors.ErrInvalidFeatures, i)
			}
		}
	}
	return width, nil
}

func hasVariance(data [][]float64) bool {
	first := data[0]
	for _, row := range data[1:] {
		for j, v := range row {
			if v != first[j] {
				return true
			}
		}
	}
	return false
}

// quantile returns the q-th quantile of data using linear interpolation.
func quantile(data []float64, q float64) float64 {
	if len(data) == 0 {
		return 0
	}

	sorted := make([]float64, len(data))
	copy(sorted, data)
	sort.Float64s(sorted)

	pos := q * float64(len(sorted)-1)
	lo := int(math.Floor(pos))
	hi := int(math.Ceil(pos))
	if lo == hi {
		return sorted[lo]
	}
	return sorted[lo] + (pos-float64(lo))*(sorted[hi]-sorted[lo])
}
