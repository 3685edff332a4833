// Package config 加载服务配置 (config.yaml)
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/cockroachdb/errors"
	"gopkg.in/yaml.v2"

	"spendwise/db"
	qhttp "spendwise/http"
	"spendwise/logger"
	"spendwise/ml"
	"spendwise/pipeline"
	"spendwise/serving"
)

// Environment variables that override the file.
const (
	EnvHTTPPort     = "SPENDWISE_HTTP_PORT"
	EnvDBPath       = "SPENDWISE_DB_PATH"
	EnvArtifactsDir = "SPENDWISE_ARTIFACTS_DIR"
	EnvLogLevel     = "SPENDWISE_LOG_LEVEL"
)

// Config 服务配置
type Config struct {
	HTTP       HTTPConfig       `yaml:"http"`
	Database   DatabaseConfig   `yaml:"database"`
	Artifacts  ArtifactsConfig  `yaml:"artifacts"`
	Training   TrainingConfig   `yaml:"training"`
	Evaluation EvaluationConfig `yaml:"evaluation"`
	Inference  InferenceConfig  `yaml:"inference"`
	Events     EventsConfig     `yaml:"events"`
	Log        LogConfig        `yaml:"log"`
}

type HTTPConfig struct {
	Port           int           `yaml:"port"`
	Timeout        time.Duration `yaml:"timeout"`
	MaxBodyBytes   int64         `yaml:"max_body_bytes"`
	AllowedOrigins []string      `yaml:"allowed_origins"`
}

type DatabaseConfig struct {
	Path      string `yaml:"path"`
	EnableWAL bool   `yaml:"enable_wal"`
}

type ArtifactsConfig struct {
	Dir              string `yaml:"dir"`
	FeatureTransform string `yaml:"feature_transform"`
	TargetTransform  string `yaml:"target_transform"`
	Model            string `yaml:"model"`
	KeepGenerations  int    `yaml:"keep_generations"`
}

type TrainingConfig struct {
	Epochs                int     `yaml:"epochs"`
	BatchSize             int     `yaml:"batch_size"`
	LearningRate          float64 `yaml:"learning_rate"`
	MinLearningRate       float64 `yaml:"min_learning_rate"`
	L2                    float64 `yaml:"l2"`
	Dropout               float64 `yaml:"dropout"`
	EarlyStoppingPatience int     `yaml:"early_stopping_patience"`
	LRPatience            int     `yaml:"lr_patience"`
	LRFactor              float64 `yaml:"lr_factor"`
	LRMinDelta            float64 `yaml:"lr_min_delta"`
	// Seed 0 seeds from the clock.
	Seed uint64 `yaml:"seed"`
}

type EvaluationConfig struct {
	DatasetPath string `yaml:"dataset_path"`
	CacheSize   int    `yaml:"cache_size"`
	Watch       bool   `yaml:"watch"`
}

type InferenceConfig struct {
	CacheSize int `yaml:"cache_size"`
}

type EventsConfig struct {
	HistorySize int `yaml:"history_size"`
}

type LogConfig struct {
	Level      string `yaml:"level"`
	Format     string `yaml:"format"`
	File       string `yaml:"file"`
	MaxSizeMB  int    `yaml:"max_size_mb"`
	MaxBackups int    `yaml:"max_backups"`
	MaxAgeDays int    `yaml:"max_age_days"`
	Compress   bool   `yaml:"compress"`
}

// Default 默认配置
func Default() *Config {
	train := ml.DefaultTrainConfig()
	server := qhttp.DefaultServerConfig()
	logCfg := logger.DefaultConfig()
	return &Config{
		HTTP: HTTPConfig{
			Port:           server.Port,
			Timeout:        server.Timeout,
			MaxBodyBytes:   server.MaxBodyBytes,
			AllowedOrigins: server.AllowedOrigins,
		},
		Database: DatabaseConfig{Path: "./data/spendwise.db", EnableWAL: true},
		Artifacts: ArtifactsConfig{
			Dir:              "./artifacts",
			FeatureTransform: pipeline.DefaultFeatureTransformFile,
			TargetTransform:  pipeline.DefaultTargetTransformFile,
			Model:            pipeline.DefaultModelFile,
			KeepGenerations:  pipeline.DefaultKeepGenerations,
		},
		Training: TrainingConfig{
			Epochs:                train.Epochs,
			BatchSize:             train.BatchSize,
			LearningRate:          train.LearningRate,
			MinLearningRate:       train.MinLearningRate,
			L2:                    train.L2,
			Dropout:               train.Dropout,
			EarlyStoppingPatience: train.EarlyStoppingPatience,
			LRPatience:            train.LRPatience,
			LRFactor:              train.LRFactor,
			LRMinDelta:            train.LRMinDelta,
		},
		Evaluation: EvaluationConfig{DatasetPath: "./csvjson.json", CacheSize: 16, Watch: true},
		Inference:  InferenceConfig{CacheSize: 1024},
		Events:     EventsConfig{HistorySize: 64},
		Log: LogConfig{
			Level:      logCfg.Level,
			Format:     logCfg.Format,
			MaxSizeMB:  logCfg.MaxSizeMB,
			MaxBackups: logCfg.MaxBackups,
			MaxAgeDays: logCfg.MaxAgeDays,
		},
	}
}

// Load 加载配置. Keys absent from the file keep their defaults; unknown keys
// are rejected. An empty path yields the defaults. Environment overrides
// are applied last, then the result is validated.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, errors.Wrapf(err, "read config %s", path)
		}
		if err := yaml.UnmarshalStrict(data, cfg); err != nil {
			return nil, errors.Wrapf(err, "parse config %s", path)
		}
	}
	if err := cfg.applyEnv(os.LookupEnv); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyEnv(lookup func(string) (string, bool)) error {
	if v, ok := lookup(EnvHTTPPort); ok && v != "" {
		port, err := strconv.Atoi(strings.TrimSpace(v))
		if err != nil {
			return errors.Wrapf(err, "%s", EnvHTTPPort)
		}
		c.HTTP.Port = port
	}
	if v, ok := lookup(EnvDBPath); ok && v != "" {
		c.Database.Path = v
	}
	if v, ok := lookup(EnvArtifactsDir); ok && v != "" {
		c.Artifacts.Dir = v
	}
	if v, ok := lookup(EnvLogLevel); ok && v != "" {
		c.Log.Level = v
	}
	return nil
}

// Validate 校验配置
func (c *Config) Validate() error {
	var errs []string
	add := func(format string, args ...interface{}) {
		errs = append(errs, fmt.Sprintf(format, args...))
	}

	if c.HTTP.Port <= 0 || c.HTTP.Port > 65535 {
		add("http.port must be in 1..65535, got %d", c.HTTP.Port)
	}
	if c.HTTP.Timeout < 0 {
		add("http.timeout must not be negative")
	}
	if c.Database.Path == "" {
		add("database.path is required")
	}
	if c.Artifacts.Dir == "" {
		add("artifacts.dir is required")
	}
	names := map[string]string{
		"artifacts.feature_transform": c.Artifacts.FeatureTransform,
		"artifacts.target_transform":  c.Artifacts.TargetTransform,
		"artifacts.model":             c.Artifacts.Model,
	}
	seen := make(map[string]bool)
	for _, key := range []string{"artifacts.feature_transform", "artifacts.target_transform", "artifacts.model"} {
		name := names[key]
		switch {
		case name == "":
			add("%s is required", key)
		case name != filepath.Base(name) || strings.HasPrefix(name, "."):
			add("%s must be a plain file name, got %q", key, name)
		case seen[name]:
			add("%s repeats file name %q", key, name)
		}
		seen[name] = true
	}
	if c.Artifacts.KeepGenerations < 1 {
		add("artifacts.keep_generations must be at least 1")
	}
	if err := c.TrainConfig().Validate(); err != nil {
		add("training: %v", err)
	}
	if c.Inference.CacheSize < 0 || c.Evaluation.CacheSize < 0 {
		add("cache sizes must not be negative")
	}
	if c.Events.HistorySize < 0 {
		add("events.history_size must not be negative")
	}
	if _, err := logger.ParseLevel(c.Log.Level); err != nil {
		add("log.level: %v", err)
	}
	switch strings.ToLower(c.Log.Format) {
	case "", "json", "console":
	default:
		add("log.format must be json or console, got %q", c.Log.Format)
	}

	if len(errs) > 0 {
		return errors.Newf("invalid config: %s", strings.Join(errs, "; "))
	}
	return nil
}

// TrainConfig 训练参数
func (c *Config) TrainConfig() ml.TrainConfig {
	t := c.Training
	cfg := ml.DefaultTrainConfig()
	cfg.Epochs = t.Epochs
	cfg.BatchSize = t.BatchSize
	cfg.LearningRate = t.LearningRate
	cfg.MinLearningRate = t.MinLearningRate
	cfg.L2 = t.L2
	cfg.Dropout = t.Dropout
	cfg.EarlyStoppingPatience = t.EarlyStoppingPatience
	cfg.LRPatience = t.LRPatience
	cfg.LRFactor = t.LRFactor
	cfg.LRMinDelta = t.LRMinDelta
	cfg.Seed = t.Seed
	return cfg
}

// StorageConfig 制品存储配置
func (c *Config) StorageConfig() pipeline.StorageConfig {
	return pipeline.StorageConfig{
		Dir:              c.Artifacts.Dir,
		FeatureTransform: c.Artifacts.FeatureTransform,
		TargetTransform:  c.Artifacts.TargetTransform,
		Model:            c.Artifacts.Model,
		KeepGenerations:  c.Artifacts.KeepGenerations,
	}
}

// DBConfig 数据库配置
func (c *Config) DBConfig() db.Config {
	return db.Config{Path: c.Database.Path, EnableWAL: c.Database.EnableWAL}
}

// ServerConfig HTTP服务器配置
func (c *Config) ServerConfig() qhttp.ServerConfig {
	return qhttp.ServerConfig{
		Port:           c.HTTP.Port,
		Timeout:        c.HTTP.Timeout,
		MaxBodyBytes:   c.HTTP.MaxBodyBytes,
		AllowedOrigins: c.HTTP.AllowedOrigins,
	}
}

// ServingOptions 推理与评估服务配置
func (c *Config) ServingOptions() serving.Options {
	return serving.Options{
		PredictionCacheSize: c.Inference.CacheSize,
		Evaluation: serving.EvaluationOptions{
			DefaultPath: c.Evaluation.DatasetPath,
			CacheSize:   c.Evaluation.CacheSize,
			Watch:       c.Evaluation.Watch,
		},
	}
}

// LoggerConfig 日志配置
func (c *Config) LoggerConfig() logger.Config {
	return logger.Config{
		Level:      c.Log.Level,
		Format:     c.Log.Format,
		File:       c.Log.File,
		MaxSizeMB:  c.Log.MaxSizeMB,
		MaxBackups: c.Log.MaxBackups,
		MaxAgeDays: c.Log.MaxAgeDays,
		Compress:   c.Log.Compress,
	}
}
