// Package api serves scoring, training and log queries over HTTP.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"net/http"
	"strconv"
	"time"

	"golang.org/x/time/rate"

	"github.com/hed1ad/flowguard/pkg/chart"
	"github.com/hed1ad/flowguard/pkg/flow"
	"github.com/hed1ad/flowguard/pkg/service"
	"github.com/hed1ad/flowguard/pkg/snapshot"
)

// MaxLimit caps the limit query parameter.
const MaxLimit = 10000

// Scorer is the part of service.Service the handlers use.
type Scorer interface {
	Train(ctx context.Context) (*snapshot.Snapshot, error)
	Infer(ctx context.Context, limit int) (*service.Inference, error)
	Recent(ctx context.Context, limit int) ([]flow.Record, error)
}

// Counter is incremented when a train request is throttled.
type Counter interface {
	Inc()
}

type nopCounter struct{}

func (nopCounter) Inc() {}

// Options configures the handlers.
type Options struct {
	// InferLimit is the /predict default when no limit is given.
	InferLimit int
	// LogsLimit is the /logs default when no limit is given.
	LogsLimit int
	// TrainEvery is the minimum interval between accepted train requests.
	// Zero disables throttling.
	TrainEvery time.Duration
	// Throttled counts rejected train requests. Optional.
	Throttled Counter
}

// Handler serves the scoring API.
type Handler struct {
	scorer    Scorer
	logger    *slog.Logger
	opts      Options
	limiter   *rate.Limiter
	throttled Counter
}

// NewHandler creates a Handler.
func NewHandler(scorer Scorer, logger *slog.Logger, opts Options) *Handler {
	if opts.InferLimit <= 0 {
		opts.InferLimit = 100
	}
	if opts.LogsLimit <= 0 {
		opts.LogsLimit = 1000
	}

	limit := rate.Inf
	if opts.TrainEvery > 0 {
		limit = rate.Every(opts.TrainEvery)
	}
	throttled := opts.Throttled
	if throttled == nil {
		throttled = nopCounter{}
	}

	return &Handler{
		scorer:    scorer,
		logger:    logger,
		opts:      opts,
		limiter:   rate.NewLimiter(limit, 1),
		throttled: throttled,
	}
}

type predictResponse struct {
	Results    []flow.Scored `json:"results"`
	ChartData  chart.Payload `json:"chart_data"`
	Fetched    int           `json:"fetched"`
	Excluded   int           `json:"excluded"`
	SnapshotID string        `json:"snapshot_id"`
}

type trainResponse struct {
	SnapshotID   string    `json:"snapshot_id"`
	TrainedAt    time.Time `json:"trained_at"`
	TrainingRows int       `json:"training_rows"`
	Categories   []string  `json:"categories"`
	Threshold    float64   `json:"threshold"`
}

type logsResponse struct {
	Logs  []flow.Record `json:"logs"`
	Count int           `json:"count"`
}

type errorResponse struct {
	Error string `json:"error"`
}

// Predict scores the most recent records.
func (h *Handler) Predict(w http.ResponseWriter, r *http.Request) {
	limit, err := parseLimit(r, h.opts.InferLimit)
	if err != nil {
		h.writeError(w, http.StatusBadRequest, err)
		return
	}

	res, err := h.scorer.Infer(r.Context(), limit)
	if err != nil {
		h.writeError(w, inferenceStatus(err), err)
		return
	}

	results := res.Records
	if results == nil {
		results = []flow.Scored{}
	}
	h.writeJSON(w, http.StatusOK, predictResponse{
		Results:    results,
		ChartData:  res.Payload,
		Fetched:    res.Fetched,
		Excluded:   res.Excluded,
		SnapshotID: res.SnapshotID,
	})
}

// Train retrains the model on the full corpus.
func (h *Handler) Train(w http.ResponseWriter, r *http.Request) {
	if !h.limiter.Allow() {
		h.throttled.Inc()
		w.Header().Set("Retry-After", strconv.Itoa(int(math.Ceil(h.opts.TrainEvery.Seconds()))))
		h.writeError(w, http.StatusTooManyRequests, errors.New("training was requested too recently"))
		return
	}

	snap, err := h.scorer.Train(r.Context())
	if err != nil {
		status := http.StatusInternalServerError
		switch {
		case errors.Is(err, service.ErrInsufficientTrainingData):
			status = http.StatusUnprocessableEntity
		case errors.Is(err, service.ErrSourceUnavailable):
			status = http.StatusBadGateway
		}
		h.writeError(w, status, err)
		return
	}

	h.writeJSON(w, http.StatusCreated, trainResponse{
		SnapshotID:   snap.ID,
		TrainedAt:    snap.TrainedAt,
		TrainingRows: snap.TrainingRows,
		Categories:   snap.Encoder.Categories(),
		Threshold:    snap.Model.Threshold(),
	})
}

// Logs returns the most recent raw records.
func (h *Handler) Logs(w http.ResponseWriter, r *http.Request) {
	limit, err := parseLimit(r, h.opts.LogsLimit)
	if err != nil {
		h.writeError(w, http.StatusBadRequest, err)
		return
	}

	records, err := h.scorer.Recent(r.Context(), limit)
	if err != nil {
		h.writeError(w, http.StatusBadGateway, err)
		return
	}
	h.writeJSON(w, http.StatusOK, logsResponse{Logs: records, Count: len(records)})
}

// Health reports liveness.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("OK"))
}

func inferenceStatus(err error) int {
	switch {
	case errors.Is(err, service.ErrInvalidLimit):
		return http.StatusBadRequest
	case errors.Is(err, service.ErrModelUnavailable):
		return http.StatusServiceUnavailable
	case errors.Is(err, service.ErrSourceUnavailable):
		return http.StatusBadGateway
	case errors.Is(err, service.ErrUnknownCategory):
		return http.StatusUnprocessableEntity
	default:
		return http.StatusInternalServerError
	}
}

func parseLimit(r *http.Request, def int) (int, error) {
	raw := r.URL.Query().Get("limit")
	if raw == "" {
		return def, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return 0, fmt.Errorf("invalid limit %q", raw)
	}
	if n < 0 || n > MaxLimit {
		return 0, fmt.Errorf("limit must be between 0 and %d, got %d", MaxLimit, n)
	}
	return n, nil
}

func (h *Handler) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		h.logger.Error("failed to write response", "error", err)
	}
}

func (h *Handler) writeError(w http.ResponseWriter, status int, err error) {
	if status >= http.StatusInternalServerError {
		h.logger.Error("request failed", "status", status, "error", err)
	}
	h.writeJSON(w, status, errorResponse{Error: err.Error()})
}
