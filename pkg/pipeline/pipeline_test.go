package pipeline

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hed1ad/flowguard/pkg/detectors"
	"github.com/hed1ad/flowguard/pkg/detectors/iforest"
	"github.com/hed1ad/flowguard/pkg/features"
	"github.com/hed1ad/flowguard/pkg/flow"
)

// spyModel flags rows whose first feature is above 1000 and records its inputs.
type spyModel struct {
	calls [][][]float64
	err   error
}

func (m *spyModel) Predict(data [][]float64) ([]float64, error) {
	m.calls = append(m.calls, data)
	if m.err != nil {
		return nil, m.err
	}
	scores := make([]float64, len(data))
	for i, row := range data {
		if row[0] > 1000 {
			scores[i] = 0.9
		} else {
			scores[i] = 0.1
		}
	}
	return scores, nil
}

func (m *spyModel) PredictOne(sample []float64) (float64, error) {
	s, err := m.Predict([][]float64{sample})
	if err != nil {
		return 0, err
	}
	return s[0], nil
}

func (m *spyModel) Classify(data [][]float64) ([]bool, error) {
	s, err := m.Predict(data)
	if err != nil {
		return nil, err
	}
	return detectors.Verdicts(s, m.Threshold()), nil
}

func (m *spyModel) Threshold() float64     { return 0.5 }
func (m *spyModel) Width() int             { return 2 }
func (m *spyModel) Contamination() float64 { return 0.1 }
func (m *spyModel) Save() ([]byte, error)  { return nil, nil }

func rec(ip string, bytes int64, proto string) flow.Record {
	return flow.Record{SrcIP: ip, SrcBytes: bytes, Protocol: proto}
}

func TestScoreBatch(t *testing.T) {
	enc := features.Fit([]string{"tcp", "udp"})

	tests := []struct {
		name         string
		records      []flow.Record
		wantIPs      []string
		wantAnomaly  []bool
		wantExcluded int
		wantCalls    int
	}{
		{
			name:      "empty batch",
			records:   nil,
			wantIPs:   []string{},
			wantCalls: 0,
		},
		{
			name:         "single unseen protocol",
			records:      []flow.Record{rec("10.0.0.1", 100, "icmp")},
			wantIPs:      []string{},
			wantExcluded: 1,
			wantCalls:    0,
		},
		{
			name: "mixed batch keeps order",
			records: []flow.Record{
				rec("10.0.0.1", 100, "tcp"),
				rec("10.0.0.2", 5000, "icmp"),
				rec("10.0.0.3", 9000, "udp"),
				rec("10.0.0.1", 50, "tcp"),
			},
			wantIPs:      []string{"10.0.0.1", "10.0.0.3", "10.0.0.1"},
			wantAnomaly:  []bool{false, true, false},
			wantExcluded: 1,
			wantCalls:    1,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			model := &spyModel{}
			batch, err := ScoreBatch(tt.records, enc, model, ExcludeAndReport)
			require.NoError(t, err)

			assert.Len(t, model.calls, tt.wantCalls)
			assert.Equal(t, tt.wantExcluded, batch.Excluded)
			assert.Equal(t, len(tt.records), len(batch.Records)+batch.Excluded)
			assert.NotNil(t, batch.Records)

			ips := make([]string, len(batch.Records))
			for i, r := range batch.Records {
				ips[i] = r.SrcIP
			}
			assert.Equal(t, tt.wantIPs, ips)

			if tt.wantAnomaly != nil {
				got := make([]bool, len(batch.Records))
				for i, r := range batch.Records {
					got[i] = r.IsAnomaly
				}
				assert.Equal(t, tt.wantAnomaly, got)
			}
		})
	}
}

func TestScoreBatchEncodesRows(t *testing.T) {
	enc := features.Fit([]string{"tcp", "udp"})
	model := &spyModel{}

	_, err := ScoreBatch([]flow.Record{
		rec("a", 10, "udp"),
		rec("b", 20, "tcp"),
	}, enc, model, ExcludeAndReport)
	require.NoError(t, err)

	require.Len(t, model.calls, 1)
	assert.Equal(t, [][]float64{{10, 1}, {20, 0}}, model.calls[0])
}

func TestScoreBatchReportsExcludedCategories(t *testing.T) {
	enc := features.Fit([]string{"tcp"})
	batch, err := ScoreBatch([]flow.Record{
		rec("a", 1, "icmp"),
		rec("b", 2, "udp"),
		rec("c", 3, "icmp"),
		rec("d", 4, "tcp"),
	}, enc, &spyModel{}, ExcludeAndReport)
	require.NoError(t, err)

	assert.Equal(t, 3, batch.Excluded)
	assert.Equal(t, map[string]int{"icmp": 2, "udp": 1}, batch.ExcludedCategories)
	assert.Len(t, batch.Records, 1)
}

func TestScoreBatchAbortPolicy(t *testing.T) {
	enc := features.Fit([]string{"tcp"})
	model := &spyModel{}

	batch, err := ScoreBatch([]flow.Record{
		rec("a", 1, "tcp"),
		rec("b", 2, "icmp"),
	}, enc, model, AbortBatch)

	assert.Nil(t, batch)
	assert.ErrorIs(t, err, features.ErrUnknownCategory)
	assert.Empty(t, model.calls)
}

func TestScoreBatchModelError(t *testing.T) {
	enc := features.Fit([]string{"tcp"})
	boom := errors.New("boom")

	_, err := ScoreBatch([]flow.Record{rec("a", 1, "tcp")}, enc, &spyModel{err: boom}, ExcludeAndReport)
	assert.ErrorIs(t, err, boom)
}

func TestScoreBatchFlagsMagnitudeOutlier(t *testing.T) {
	training := []flow.Record{
		rec("192.168.1.1", 100, "tcp"),
		rec("192.168.1.2", 200, "udp"),
		rec("192.168.1.3", 150, "tcp"),
		rec("192.168.1.4", 50000, "tcp"),
	}

	enc := features.Fit(flow.Protocols(training))
	matrix, err := Matrix(training, enc)
	require.NoError(t, err)

	model, err := iforest.New(iforest.WithContamination(0.1), iforest.WithSeed(42)).Fit(matrix)
	require.NoError(t, err)

	batch, err := ScoreBatch(training, enc, model, ExcludeAndReport)
	require.NoError(t, err)
	require.Len(t, batch.Records, 4)
	assert.Equal(t, 1, batch.Anomalies())

	for _, r := range batch.Records {
		assert.Equal(t, r.SrcBytes == 50000, r.IsAnomaly, r.SrcIP)
	}
}

func TestMatrixUnknownCategory(t *testing.T) {
	enc := features.Fit([]string{"tcp"})
	_, err := Matrix([]flow.Record{rec("a", 1, "udp")}, enc)
	assert.ErrorIs(t, err, features.ErrUnknownCategory)
}

func TestParsePolicy(t *testing.T) {
	p, err := ParsePolicy("exclude")
	require.NoError(t, err)
	assert.Equal(t, ExcludeAndReport, p)

	p, err = ParsePolicy("abort")
	require.NoError(t, err)
	assert.Equal(t, AbortBatch, p)

	_, err = ParsePolicy("substitute")
	assert.Error(t, err)
}
