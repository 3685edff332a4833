package cmd

import (
	"io/fs"
	"os"

	"github.com/cockroachdb/errors"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"spendwise/config"
	"spendwise/db"
	"spendwise/logger"
	"spendwise/pipeline"
)

// app is the shared wiring every command starts from.
type app struct {
	cfg       *config.Config
	log       *zap.Logger
	db        *db.Store
	artifacts *pipeline.ArtifactStore
}

// loadConfig reads --config. The default path may be absent, in which case
// the built-in defaults are used; an explicit path must exist.
func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	path := flagConfig
	if !cmd.Flags().Changed("config") {
		if _, err := os.Stat(path); errors.Is(err, fs.ErrNotExist) {
			path = ""
		}
	}
	cfg, err := config.Load(path)
	if err != nil {
		return nil, err
	}
	if flagLogLevel != "" {
		cfg.Log.Level = flagLogLevel
		if err := cfg.Validate(); err != nil {
			return nil, err
		}
	}
	return cfg, nil
}

func newApp(cmd *cobra.Command) (*app, error) {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return nil, err
	}
	log, err := logger.New(cfg.LoggerConfig())
	if err != nil {
		return nil, err
	}
	store, err := db.Open(cfg.DBConfig(), log)
	if err != nil {
		return nil, err
	}
	artifacts, err := pipeline.NewArtifactStore(cfg.StorageConfig(), log)
	if err != nil {
		store.Close()
		return nil, err
	}
	return &app{cfg: cfg, log: log, db: store, artifacts: artifacts}, nil
}

// trainer reads documents from the database and journals runs back into it.
func (a *app) trainer() *pipeline.Trainer {
	return pipeline.NewTrainer(a.db, a.artifacts, a.db, a.cfg.TrainConfig(), a.log)
}

func (a *app) Close() {
	if err := a.db.Close(); err != nil {
		a.log.Warn("close database", zap.Error(err))
	}
	_ = a.log.Sync()
}
