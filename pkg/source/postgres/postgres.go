// Package postgres stores flow records in PostgreSQL and serves them as a source.Source.
package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"

	"github.com/lib/pq"

	"github.com/hed1ad/flowguard/pkg/flow"
)

const logsTableName = "logs"

const schema = `
CREATE TABLE IF NOT EXISTS logs (
	id        BIGSERIAL PRIMARY KEY,
	timestamp TIMESTAMP,
	src_ip    VARCHAR(45),
	dst_ip    VARCHAR(45),
	protocol  VARCHAR(10),
	src_bytes BIGINT,
	label     VARCHAR(20)
);
CREATE INDEX IF NOT EXISTS logs_timestamp_idx ON logs (timestamp DESC, id DESC);
`

const selectColumns = `timestamp, COALESCE(src_ip, ''), COALESCE(dst_ip, ''), COALESCE(protocol, ''), COALESCE(src_bytes, 0), COALESCE(label, '')`

// DefaultCopyBatch is the number of rows sent per COPY transaction.
const DefaultCopyBatch = 5000

// Source reads flow records from the logs table.
type Source struct {
	db     *sql.DB
	logger *slog.Logger
}

// NewSource creates a PostgreSQL-backed source.
func NewSource(db *sql.DB, logger *slog.Logger) *Source {
	return &Source{db: db, logger: logger}
}

// FetchTraining returns every stored record in insertion order.
func (s *Source) FetchTraining(ctx context.Context) ([]flow.Record, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+selectColumns+` FROM logs ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("query training records: %w", err)
	}
	defer rows.Close()

	records, err := scanRecords(rows)
	if err != nil {
		return nil, err
	}
	s.logger.Debug("fetched training records", "count", len(records))
	return records, nil
}

// FetchRecent returns up to limit records, newest first.
func (s *Source) FetchRecent(ctx context.Context, limit int) ([]flow.Record, error) {
	if limit <= 0 {
		return []flow.Record{}, nil
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT `+selectColumns+` FROM logs ORDER BY timestamp DESC NULLS LAST, id DESC LIMIT $1`, limit)
	if err != nil {
		return nil, fmt.Errorf("query recent records: %w", err)
	}
	defer rows.Close()

	return scanRecords(rows)
}

func scanRecords(rows *sql.Rows) ([]flow.Record, error) {
	records := []flow.Record{}
	for rows.Next() {
		var (
			rec flow.Record
			ts  sql.NullTime
		)
		if err := rows.Scan(&ts, &rec.SrcIP, &rec.DstIP, &rec.Protocol, &rec.SrcBytes, &rec.Label); err != nil {
			return nil, fmt.Errorf("scan record: %w", err)
		}
		if ts.Valid {
			rec.Timestamp = ts.Time
		}
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return records, nil
}

// Loader creates the logs table and bulk loads records into it.
type Loader struct {
	db        *sql.DB
	logger    *slog.Logger
	batchSize int
}

// NewLoader creates a loader that commits every batchSize rows.
func NewLoader(db *sql.DB, logger *slog.Logger, batchSize int) *Loader {
	if batchSize <= 0 {
		batchSize = DefaultCopyBatch
	}
	return &Loader{db: db, logger: logger, batchSize: batchSize}
}

// CreateSchema creates the logs table if it does not exist.
func (l *Loader) CreateSchema(ctx context.Context) error {
	if _, err := l.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("create schema: %w", err)
	}
	l.logger.Info("logs table ready", "table", logsTableName)
	return nil
}

// Load appends records using the COPY protocol and returns how many rows were written.
func (l *Loader) Load(ctx context.Context, records []flow.Record) (int, error) {
	written := 0
	for start := 0; start < len(records); start += l.batchSize {
		end := min(start+l.batchSize, len(records))
		if err := l.copyBatch(ctx, records[start:end]); err != nil {
			return written, err
		}
		written += end - start
		l.logger.Debug("copied batch", "rows", end-start, "total", written)
	}
	l.logger.Info("loaded records", "table", logsTableName, "count", written)
	return written, nil
}

func (l *Loader) copyBatch(ctx context.Context, records []flow.Record) error {
	txn, err := l.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer txn.Rollback() // Rollback is a no-op if Commit() is called

	stmt, err := txn.PrepareContext(ctx, pq.CopyIn(logsTableName, "timestamp", "src_ip", "dst_ip", "protocol", "src_bytes", "label"))
	if err != nil {
		return fmt.Errorf("prepare copy: %w", err)
	}

	for _, r := range records {
		var ts any
		if !r.Timestamp.IsZero() {
			ts = r.Timestamp
		}
		if _, err := stmt.ExecContext(ctx, ts, r.SrcIP, r.DstIP, r.Protocol, r.SrcBytes, r.Label); err != nil {
			_ = stmt.Close()
			return fmt.Errorf("copy row: %w", err)
		}
	}

	// Flush buffered rows
	if _, err := stmt.ExecContext(ctx); err != nil {
		_ = stmt.Close()
		return fmt.Errorf("flush copy: %w", err)
	}
	if err := stmt.Close(); err != nil {
		return err
	}

	if err := txn.Commit(); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}
	return nil
}
