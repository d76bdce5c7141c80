package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"strings"

	_ "github.com/lib/pq"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"

	"github.com/hed1ad/flowguard/internal/config"
	"github.com/hed1ad/flowguard/internal/logger"
	"github.com/hed1ad/flowguard/pkg/detectors/iforest"
	"github.com/hed1ad/flowguard/pkg/flow"
	flowio "github.com/hed1ad/flowguard/pkg/io"
	"github.com/hed1ad/flowguard/pkg/io/csv"
	"github.com/hed1ad/flowguard/pkg/io/pcap"
	"github.com/hed1ad/flowguard/pkg/service"
	"github.com/hed1ad/flowguard/pkg/snapshot"
	"github.com/hed1ad/flowguard/pkg/source"
)

// app carries what every subcommand needs once configuration is loaded.
type app struct {
	cfg    *config.Config
	logger *slog.Logger
}

func newRootCmd() *cobra.Command {
	a := &app{}

	root := &cobra.Command{
		Use:           "flowguard",
		Short:         "Isolation Forest anomaly scoring for network flow logs",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load()
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			a.cfg = cfg
			a.logger = logger.New(cfg.LogLevel)
			slog.SetDefault(a.logger)
			return nil
		},
	}

	root.AddCommand(
		newServeCmd(a),
		newTrainCmd(a),
		newLoadCmd(a),
		newScoreCmd(a),
	)

	return root
}

func (a *app) trainer() *iforest.IsolationForest {
	return iforest.New(
		iforest.WithTrees(a.cfg.ForestTrees),
		iforest.WithSampleSize(a.cfg.ForestSampleSize),
		iforest.WithContamination(a.cfg.Contamination),
		iforest.WithSeed(a.cfg.ForestSeed),
	)
}

func (a *app) newService(src source.Source, opts ...service.Option) *service.Service {
	opts = append([]service.Option{
		service.WithLogger(a.logger),
		service.WithPolicy(a.cfg.Policy()),
	}, opts...)
	return service.New(src, a.trainer(), opts...)
}

func (a *app) openPostgres(ctx context.Context) (*sql.DB, error) {
	if a.cfg.PostgresURL == "" {
		return nil, errors.New("POSTGRES_URL is not set")
	}
	db, err := sql.Open("postgres", a.cfg.PostgresURL)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	return db, nil
}

// openArchive returns nil when REDIS_URL is not set.
func (a *app) openArchive(ctx context.Context) (*snapshot.RedisArchive, func(), error) {
	if a.cfg.RedisURL == "" {
		return nil, func() {}, nil
	}
	opts, err := redis.ParseURL(a.cfg.RedisURL)
	if err != nil {
		return nil, nil, fmt.Errorf("parse redis url: %w", err)
	}
	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		a.logger.Warn("could not connect to redis, snapshots will not be archived", "error", err)
	}
	return snapshot.NewRedisArchive(client, a.cfg.SnapshotKey, a.logger), func() { client.Close() }, nil
}

// openFile picks a reader by file extension.
func openFile(path string, header bool) (flowio.Reader, error) {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".pcap", ".pcapng", ".cap":
		r, err := pcap.NewFileReader(path)
		if err != nil {
			return nil, err
		}
		return r, nil
	default:
		r, err := csv.NewReader(path, csv.WithHeader(header))
		if err != nil {
			return nil, err
		}
		return r, nil
	}
}

func readFile(path string, header bool) ([]flow.Record, error) {
	r, err := openFile(path, header)
	if err != nil {
		return nil, err
	}
	defer r.Close()
	return r.Read()
}
