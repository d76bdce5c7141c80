// Package config loads flowguard settings from the environment.
package config

import (
	"errors"
	"fmt"
	"time"

	"github.com/caarlos0/env/v10"
	"github.com/joho/godotenv"

	"github.com/hed1ad/flowguard/pkg/detectors"
	"github.com/hed1ad/flowguard/pkg/pipeline"
)

// Config holds all application configuration.
type Config struct {
	LogLevel              string        `env:"LOG_LEVEL" envDefault:"info"`
	PostgresURL           string        `env:"POSTGRES_URL"`
	RedisURL              string        `env:"REDIS_URL"`
	SnapshotKey           string        `env:"SNAPSHOT_KEY" envDefault:"flowguard:snapshot:current"`
	HTTPAddr              string        `env:"HTTP_ADDR" envDefault:":5000"`
	MetricsAddr           string        `env:"METRICS_ADDR" envDefault:":9091"`
	Contamination         float64       `env:"CONTAMINATION" envDefault:"0.1"`
	ForestTrees           int           `env:"FOREST_TREES" envDefault:"100"`
	ForestSampleSize      int           `env:"FOREST_SAMPLE_SIZE" envDefault:"256"`
	ForestSeed            int64         `env:"FOREST_SEED" envDefault:"42"`
	InferLimit            int           `env:"INFER_LIMIT" envDefault:"100"`
	LogsLimit             int           `env:"LOGS_LIMIT" envDefault:"1000"`
	UnknownCategoryPolicy string        `env:"UNKNOWN_CATEGORY_POLICY" envDefault:"exclude"`
	TrainRateLimit        time.Duration `env:"TRAIN_RATE_LIMIT" envDefault:"1m"`
	TrainOnStart          bool          `env:"TRAIN_ON_START" envDefault:"true"`
	CopyBatchSize         int           `env:"COPY_BATCH_SIZE" envDefault:"5000"`
}

// Load reads configuration from environment variables.
func Load() (*Config, error) {
	// Attempt to load .env file for local development.
	_ = godotenv.Load()

	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate checks value ranges that struct tags cannot express.
func (c *Config) Validate() error {
	var errs []error
	if err := detectors.ValidateContamination(c.Contamination); err != nil {
		errs = append(errs, err)
	}
	if c.ForestTrees <= 0 {
		errs = append(errs, fmt.Errorf("FOREST_TREES must be positive, got %d", c.ForestTrees))
	}
	if c.ForestSampleSize < 2 {
		errs = append(errs, fmt.Errorf("FOREST_SAMPLE_SIZE must be at least 2, got %d", c.ForestSampleSize))
	}
	if c.InferLimit <= 0 {
		errs = append(errs, fmt.Errorf("INFER_LIMIT must be positive, got %d", c.InferLimit))
	}
	if c.LogsLimit <= 0 {
		errs = append(errs, fmt.Errorf("LOGS_LIMIT must be positive, got %d", c.LogsLimit))
	}
	if _, err := pipeline.ParsePolicy(c.UnknownCategoryPolicy); err != nil {
		errs = append(errs, err)
	}
	if c.TrainRateLimit < 0 {
		errs = append(errs, fmt.Errorf("TRAIN_RATE_LIMIT must not be negative, got %s", c.TrainRateLimit))
	}
	return errors.Join(errs...)
}

// Policy returns the parsed unknown category policy.
func (c *Config) Policy() pipeline.Policy {
	p, err := pipeline.ParsePolicy(c.UnknownCategoryPolicy)
	if err != nil {
		return pipeline.ExcludeAndReport
	}
	return p
}
