package service

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hed1ad/flowguard/pkg/chart"
	"github.com/hed1ad/flowguard/pkg/detectors/iforest"
	"github.com/hed1ad/flowguard/pkg/flow"
	"github.com/hed1ad/flowguard/pkg/pipeline"
	"github.com/hed1ad/flowguard/pkg/snapshot"
	"github.com/hed1ad/flowguard/pkg/source"
)

var base = time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)

func rec(i int, ip, proto string, bytes int64) flow.Record {
	return flow.Record{
		Timestamp: base.Add(time.Duration(i) * time.Second),
		SrcIP:     ip,
		DstIP:     "10.0.0.1",
		Protocol:  proto,
		SrcBytes:  bytes,
	}
}

func scenarioRecords() []flow.Record {
	return []flow.Record{
		rec(0, "192.168.1.0", "tcp", 100),
		rec(1, "192.168.1.1", "udp", 200),
		rec(2, "192.168.1.2", "tcp", 150),
		rec(3, "192.168.1.3", "tcp", 50000),
	}
}

type failingSource struct {
	err error
}

func (f failingSource) FetchTraining(context.Context) ([]flow.Record, error) {
	return nil, f.err
}

func (f failingSource) FetchRecent(context.Context, int) ([]flow.Record, error) {
	return nil, f.err
}

type recordingMetrics struct {
	mu           sync.Mutex
	training     []string
	restores     []string
	restoredRows int
	inference    []string
	anomalies    int
}

func (m *recordingMetrics) ObserveRestore(status string, rows int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.restores = append(m.restores, status)
	m.restoredRows = rows
}

func (m *recordingMetrics) ObserveTraining(status string, _ time.Duration, _ int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.training = append(m.training, status)
}

func (m *recordingMetrics) ObserveInference(status string, _, _, anomalies int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.inference = append(m.inference, status)
	m.anomalies += anomalies
}

type memoryArchive struct {
	saved   *snapshot.Snapshot
	saveErr error
}

func (a *memoryArchive) Save(_ context.Context, snap *snapshot.Snapshot) error {
	if a.saveErr != nil {
		return a.saveErr
	}
	a.saved = snap
	return nil
}

func (a *memoryArchive) Load(context.Context) (*snapshot.Snapshot, error) {
	if a.saved == nil {
		return nil, snapshot.ErrNoSnapshot
	}
	return a.saved, nil
}

func newTrainer() *iforest.IsolationForest {
	return iforest.New(iforest.WithTrees(100), iforest.WithSeed(42), iforest.WithContamination(0.1))
}

func TestTrainAndInferScenario(t *testing.T) {
	metrics := &recordingMetrics{}
	svc := New(source.NewMemory(scenarioRecords()), newTrainer(), WithMetrics(metrics))
	ctx := context.Background()

	snap, err := svc.Train(ctx)
	require.NoError(t, err)
	assert.Equal(t, 4, snap.TrainingRows)
	assert.Equal(t, []string{"tcp", "udp"}, snap.Encoder.Categories())

	res, err := svc.Infer(ctx, 100)
	require.NoError(t, err)
	assert.Equal(t, 4, res.Fetched)
	assert.Equal(t, 0, res.Excluded)
	assert.Equal(t, snap.ID, res.SnapshotID)
	require.Len(t, res.Records, 4)

	var flagged []string
	for _, r := range res.Records {
		if r.IsAnomaly {
			flagged = append(flagged, r.SrcIP)
			assert.Equal(t, int64(50000), r.SrcBytes)
		}
	}
	assert.Equal(t, []string{"192.168.1.3"}, flagged)

	// Newest first, and the chart arrays stay parallel to the records.
	assert.Equal(t, "192.168.1.3", res.Records[0].SrcIP)
	require.Equal(t, 4, res.Payload.Len())
	for i, r := range res.Records {
		assert.Equal(t, r.SrcIP, res.Payload.Labels[i])
		assert.Equal(t, chart.Point{X: r.SrcIP, Y: r.SrcBytes}, res.Payload.Points[i])
		assert.Equal(t, chart.Color(r.IsAnomaly), res.Payload.Colors[i])
	}

	assert.Equal(t, []string{StatusOK}, metrics.training)
	assert.Equal(t, []string{StatusOK}, metrics.inference)
	assert.Equal(t, 1, metrics.anomalies)
}

func TestInferExcludesUnknownProtocol(t *testing.T) {
	src := source.NewMemory([]flow.Record{
		rec(0, "a", "tcp", 100),
		rec(1, "b", "udp", 200),
		rec(2, "c", "tcp", 300),
	})
	svc := New(src, newTrainer())
	ctx := context.Background()

	_, err := svc.Train(ctx)
	require.NoError(t, err)

	recent := source.NewMemory([]flow.Record{rec(10, "d", "icmp", 100)})
	live := New(recent, newTrainer(), WithStore(svc.Store()))

	res, err := live.Infer(ctx, 100)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Fetched)
	assert.Equal(t, 1, res.Excluded)
	assert.Empty(t, res.Records)
	assert.Equal(t, 0, res.Payload.Len())
}

func TestInferAbortPolicy(t *testing.T) {
	train := source.NewMemory([]flow.Record{
		rec(0, "a", "tcp", 100),
		rec(1, "b", "udp", 200),
		rec(2, "c", "tcp", 300),
	})
	svc := New(train, newTrainer())
	ctx := context.Background()
	_, err := svc.Train(ctx)
	require.NoError(t, err)

	recent := source.NewMemory([]flow.Record{
		rec(10, "d", "tcp", 100),
		rec(11, "e", "icmp", 100),
	})
	live := New(recent, newTrainer(), WithStore(svc.Store()), WithPolicy(pipeline.AbortBatch))

	res, err := live.Infer(ctx, 100)
	assert.Nil(t, res)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrUnknownCategory)

	var inferErr *InferenceError
	require.True(t, errors.As(err, &inferErr))
	assert.Equal(t, ErrUnknownCategory, inferErr.Reason)
}

func TestInferZeroLimit(t *testing.T) {
	svc := New(source.NewMemory(scenarioRecords()), newTrainer())
	ctx := context.Background()
	_, err := svc.Train(ctx)
	require.NoError(t, err)

	res, err := svc.Infer(ctx, 0)
	require.NoError(t, err)
	assert.Equal(t, 0, res.Fetched)
	assert.NotNil(t, res.Payload.Labels)
	assert.NotNil(t, res.Payload.Points)
	assert.NotNil(t, res.Payload.Colors)
	assert.Equal(t, 0, res.Payload.Len())
}

func TestInferNegativeLimit(t *testing.T) {
	svc := New(source.NewMemory(scenarioRecords()), newTrainer())
	_, err := svc.Infer(context.Background(), -1)
	assert.ErrorIs(t, err, ErrInvalidLimit)
}

func TestInferBeforeTraining(t *testing.T) {
	metrics := &recordingMetrics{}
	svc := New(source.NewMemory(scenarioRecords()), newTrainer(), WithMetrics(metrics))

	res, err := svc.Infer(context.Background(), 10)
	assert.Nil(t, res)
	assert.ErrorIs(t, err, ErrModelUnavailable)
	assert.Equal(t, []string{StatusNoModel}, metrics.inference)
}

func TestTrainFailures(t *testing.T) {
	boom := errors.New("connection refused")

	tests := []struct {
		name    string
		src     source.Source
		wantErr error
	}{
		{name: "source down", src: failingSource{err: boom}, wantErr: ErrSourceUnavailable},
		{name: "empty corpus", src: source.NewMemory(nil), wantErr: ErrInsufficientTrainingData},
		{name: "single record", src: source.NewMemory([]flow.Record{rec(0, "a", "tcp", 1)}), wantErr: ErrInsufficientTrainingData},
		{
			name: "identical records",
			src: source.NewMemory([]flow.Record{
				rec(0, "a", "tcp", 10),
				rec(1, "b", "tcp", 10),
				rec(2, "c", "tcp", 10),
			}),
			wantErr: ErrInsufficientTrainingData,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			svc := New(tt.src, newTrainer())
			snap, err := svc.Train(context.Background())
			assert.Nil(t, snap)
			require.Error(t, err)
			assert.ErrorIs(t, err, tt.wantErr)

			var trainErr *TrainingError
			assert.True(t, errors.As(err, &trainErr))

			_, err = svc.Store().Current()
			assert.ErrorIs(t, err, ErrModelUnavailable)
		})
	}
}

func TestFailedTrainingKeepsPreviousSnapshot(t *testing.T) {
	src := source.NewMemory(scenarioRecords())
	store := snapshot.NewStore()
	svc := New(src, newTrainer(), WithStore(store))
	ctx := context.Background()

	first, err := svc.Train(ctx)
	require.NoError(t, err)

	broken := New(failingSource{err: errors.New("timeout")}, newTrainer(), WithStore(store))
	_, err = broken.Train(ctx)
	require.Error(t, err)

	current, err := store.Current()
	require.NoError(t, err)
	assert.Same(t, first, current)
}

func TestInferSourceFailure(t *testing.T) {
	store := snapshot.NewStore()
	_, err := New(source.NewMemory(scenarioRecords()), newTrainer(), WithStore(store)).Train(context.Background())
	require.NoError(t, err)

	boom := errors.New("connection reset")
	svc := New(failingSource{err: boom}, newTrainer(), WithStore(store))

	_, err = svc.Infer(context.Background(), 10)
	assert.ErrorIs(t, err, ErrSourceUnavailable)
	assert.ErrorIs(t, err, boom)

	_, err = svc.Recent(context.Background(), 10)
	assert.ErrorIs(t, err, ErrSourceUnavailable)
}

func TestRetrainingPublishesNewSnapshot(t *testing.T) {
	src := source.NewMemory(scenarioRecords())
	svc := New(src, newTrainer())
	ctx := context.Background()

	first, err := svc.Train(ctx)
	require.NoError(t, err)

	src.Append(rec(20, "192.168.1.9", "icmp", 64))
	second, err := svc.Train(ctx)
	require.NoError(t, err)

	assert.NotEqual(t, first.ID, second.ID)
	assert.Equal(t, []string{"tcp", "udp"}, first.Encoder.Categories())
	assert.Equal(t, []string{"tcp", "udp", "icmp"}, second.Encoder.Categories())

	res, err := svc.Infer(ctx, 10)
	require.NoError(t, err)
	assert.Equal(t, second.ID, res.SnapshotID)
	assert.Equal(t, 0, res.Excluded)
}

func TestConcurrentTrainAndInfer(t *testing.T) {
	svc := New(source.NewMemory(scenarioRecords()), iforest.New(iforest.WithTrees(20), iforest.WithSeed(42)))
	ctx := context.Background()
	_, err := svc.Train(ctx)
	require.NoError(t, err)

	var wg sync.WaitGroup
	errs := make(chan error, 40)
	for i := 0; i < 20; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			_, err := svc.Train(ctx)
			errs <- err
		}()
		go func() {
			defer wg.Done()
			res, err := svc.Infer(ctx, 4)
			if err == nil && len(res.Records) != 4 {
				err = errors.New("partial batch")
			}
			errs <- err
		}()
	}
	wg.Wait()
	close(errs)

	for err := range errs {
		assert.NoError(t, err)
	}
}

func TestArchiveAndRestore(t *testing.T) {
	archive := &memoryArchive{}
	svc := New(source.NewMemory(scenarioRecords()), newTrainer(), WithArchive(archive))
	ctx := context.Background()

	snap, err := svc.Train(ctx)
	require.NoError(t, err)
	require.NotNil(t, archive.saved)
	assert.Equal(t, snap.ID, archive.saved.ID)

	fresh := New(source.NewMemory(scenarioRecords()), newTrainer(), WithArchive(archive))
	restored, err := fresh.Restore(ctx)
	require.NoError(t, err)
	assert.Equal(t, snap.ID, restored.ID)

	res, err := fresh.Infer(ctx, 10)
	require.NoError(t, err)
	assert.Equal(t, snap.ID, res.SnapshotID)
}

func TestRestoreReportsSnapshotRows(t *testing.T) {
	archive := &memoryArchive{}
	_, err := New(source.NewMemory(scenarioRecords()), newTrainer(), WithArchive(archive)).Train(context.Background())
	require.NoError(t, err)

	metrics := &recordingMetrics{}
	fresh := New(source.NewMemory(nil), newTrainer(), WithArchive(archive), WithMetrics(metrics))
	_, err = fresh.Restore(context.Background())
	require.NoError(t, err)

	assert.Equal(t, []string{StatusOK}, metrics.restores)
	assert.Equal(t, 4, metrics.restoredRows)
	assert.Empty(t, metrics.training)
}

func TestRestoreRejectsContaminationMismatch(t *testing.T) {
	ctx := context.Background()
	archive := &memoryArchive{}
	loose := iforest.New(iforest.WithTrees(100), iforest.WithSeed(42), iforest.WithContamination(0.45))
	archivedSnap, err := New(source.NewMemory(scenarioRecords()), loose, WithArchive(archive)).Train(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0.45, archivedSnap.Contamination)

	metrics := &recordingMetrics{}
	svc := New(source.NewMemory(scenarioRecords()), newTrainer(), WithArchive(archive), WithMetrics(metrics))

	restored, err := svc.Restore(ctx)
	assert.Nil(t, restored)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrContaminationMismatch)

	var mismatch *ContaminationMismatchError
	require.True(t, errors.As(err, &mismatch))
	assert.Equal(t, archivedSnap.ID, mismatch.SnapshotID)
	assert.Equal(t, 0.45, mismatch.Archived)
	assert.Equal(t, 0.1, mismatch.Configured)
	assert.Equal(t, []string{StatusMismatch}, metrics.restores)

	// Nothing was published, so scoring still waits for a matching model.
	_, err = svc.Infer(ctx, 10)
	assert.ErrorIs(t, err, ErrModelUnavailable)

	// Retraining under the configured rate restores the usual verdicts.
	_, err = svc.Train(ctx)
	require.NoError(t, err)
	res, err := svc.Infer(ctx, 10)
	require.NoError(t, err)
	flagged := 0
	for _, r := range res.Records {
		if r.IsAnomaly {
			flagged++
		}
	}
	assert.Equal(t, 1, flagged)
}

func TestRestoreWithoutArchive(t *testing.T) {
	svc := New(source.NewMemory(nil), newTrainer())
	_, err := svc.Restore(context.Background())
	assert.ErrorIs(t, err, ErrModelUnavailable)

	empty := New(source.NewMemory(nil), newTrainer(), WithArchive(&memoryArchive{}))
	_, err = empty.Restore(context.Background())
	assert.ErrorIs(t, err, ErrModelUnavailable)
}

func TestArchiveFailureDoesNotFailTraining(t *testing.T) {
	archive := &memoryArchive{saveErr: errors.New("redis down")}
	svc := New(source.NewMemory(scenarioRecords()), newTrainer(), WithArchive(archive))

	snap, err := svc.Train(context.Background())
	require.NoError(t, err)

	current, err := svc.Store().Current()
	require.NoError(t, err)
	assert.Same(t, snap, current)
}

func TestInferenceErrorMessage(t *testing.T) {
	err := &InferenceError{Reason: ErrSourceUnavailable, Err: errors.New("dial tcp: refused")}
	assert.Equal(t, "inference failed: record source unavailable: dial tcp: refused", err.Error())

	err = &InferenceError{Reason: ErrModelUnavailable}
	assert.ErrorIs(t, err, ErrModelUnavailable)
	assert.NotContains(t, err.Error(), ": :")
}
