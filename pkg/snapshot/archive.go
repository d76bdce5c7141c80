package snapshot

import (
	"bytes"
	"context"
	"encoding/gob"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/klauspost/compress/zstd"
	"github.com/redis/go-redis/v9"

	"github.com/hed1ad/flowguard/pkg/detectors/iforest"
	"github.com/hed1ad/flowguard/pkg/features"
)

// DefaultArchiveKey is the Redis key holding the latest published snapshot.
const DefaultArchiveKey = "flowguard:snapshot:current"

// KV is the subset of the Redis client used by the archive.
type KV interface {
	Get(ctx context.Context, key string) *redis.StringCmd
	Set(ctx context.Context, key string, value interface{}, expiration time.Duration) *redis.StatusCmd
}

// RedisArchive persists snapshots in Redis so a restarted or additional
// instance can serve the last trained model without retraining.
type RedisArchive struct {
	client KV
	key    string
	logger *slog.Logger
}

// NewRedisArchive creates an archive stored under key.
func NewRedisArchive(client KV, key string, logger *slog.Logger) *RedisArchive {
	if key == "" {
		key = DefaultArchiveKey
	}
	return &RedisArchive{client: client, key: key, logger: logger}
}

type archived struct {
	ID            string
	TrainedAt     time.Time
	TrainingRows  int
	Contamination float64
	Encoder       []byte
	Model         []byte
}

// Save stores snap, replacing any previous snapshot.
func (a *RedisArchive) Save(ctx context.Context, snap *Snapshot) error {
	encBytes, err := snap.Encoder.Save()
	if err != nil {
		return fmt.Errorf("encode encoder: %w", err)
	}
	modelBytes, err := snap.Model.Save()
	if err != nil {
		return fmt.Errorf("encode model: %w", err)
	}

	var buf bytes.Buffer
	err = gob.NewEncoder(&buf).Encode(archived{
		ID:            snap.ID,
		TrainedAt:     snap.TrainedAt,
		TrainingRows:  snap.TrainingRows,
		Contamination: snap.Contamination,
		Encoder:       encBytes,
		Model:         modelBytes,
	})
	if err != nil {
		return fmt.Errorf("encode snapshot: %w", err)
	}

	zw, err := zstd.NewWriter(nil)
	if err != nil {
		return err
	}
	defer zw.Close()
	blob := zw.EncodeAll(buf.Bytes(), nil)

	if err := a.client.Set(ctx, a.key, blob, 0).Err(); err != nil {
		return fmt.Errorf("store snapshot %s: %w", snap.ID, err)
	}

	a.logger.Info("archived model snapshot", "snapshot_id", snap.ID, "bytes", len(blob), "raw_bytes", buf.Len())
	return nil
}

// Load returns the archived snapshot, or ErrNoSnapshot if none was saved.
func (a *RedisArchive) Load(ctx context.Context) (*Snapshot, error) {
	blob, err := a.client.Get(ctx, a.key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrNoSnapshot
	}
	if err != nil {
		return nil, fmt.Errorf("fetch snapshot: %w", err)
	}

	zr, err := zstd.NewReader(nil)
	if err != nil {
		return nil, err
	}
	defer zr.Close()
	raw, err := zr.DecodeAll(blob, nil)
	if err != nil {
		return nil, fmt.Errorf("decompress snapshot: %w", err)
	}

	var st archived
	if err := gob.NewDecoder(bytes.NewReader(raw)).Decode(&st); err != nil {
		return nil, fmt.Errorf("decode snapshot: %w", err)
	}

	enc, err := features.Load(st.Encoder)
	if err != nil {
		return nil, err
	}
	model, err := iforest.Load(st.Model)
	if err != nil {
		return nil, err
	}

	// Archives written before the rate was recorded carry it only in the model.
	contamination := st.Contamination
	if contamination == 0 {
		contamination = model.Contamination()
	}

	return &Snapshot{
		ID:            st.ID,
		Encoder:       enc,
		Model:         model,
		TrainedAt:     st.TrainedAt,
		TrainingRows:  st.TrainingRows,
		Contamination: contamination,
	}, nil
}
