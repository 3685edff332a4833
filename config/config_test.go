package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func clearEnv(t *testing.T) {
	t.Helper()
	for _, k := range []string{EnvHTTPPort, EnvDBPath, EnvArtifactsDir, EnvLogLevel} {
		t.Setenv(k, "")
	}
}

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestDefaultsAreValid(t *testing.T) {
	clearEnv(t)
	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, Default(), cfg)
	assert.Equal(t, 8000, cfg.HTTP.Port)
	assert.Equal(t, 50, cfg.Training.Epochs)
	assert.Equal(t, "X_scaler.json", cfg.Artifacts.FeatureTransform)
	assert.Equal(t, "expense_prediction_model.bin", cfg.Artifacts.Model)
}

func TestExampleConfigMatchesDefaults(t *testing.T) {
	clearEnv(t)
	cfg, err := Load(filepath.Join("..", "config.yaml"))
	require.NoError(t, err)
	assert.Equal(t, Default(), cfg)
}

func TestPartialFileKeepsDefaults(t *testing.T) {
	clearEnv(t)
	path := writeConfig(t, `
http:
  port: 9100
  timeout: 5s
training:
  epochs: 10
  seed: 42
evaluation:
  watch: false
`)
	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, 9100, cfg.HTTP.Port)
	assert.Equal(t, 5*time.Second, cfg.HTTP.Timeout)
	assert.Equal(t, []string{"*"}, cfg.HTTP.AllowedOrigins)
	assert.Equal(t, 10, cfg.Training.Epochs)
	assert.Equal(t, 32, cfg.Training.BatchSize)
	assert.False(t, cfg.Evaluation.Watch)
	assert.Equal(t, 16, cfg.Evaluation.CacheSize)

	train := cfg.TrainConfig()
	assert.Equal(t, 10, train.Epochs)
	assert.Equal(t, uint64(42), train.Seed)
	assert.Equal(t, 0.001, train.LearningRate)
	assert.Equal(t, 1e-4, train.LRMinDelta)
}

func TestUnknownKeyRejected(t *testing.T) {
	clearEnv(t)
	path := writeConfig(t, "training:\n  epoch: 10\n")
	_, err := Load(path)
	assert.Error(t, err)
}

func TestMissingFile(t *testing.T) {
	clearEnv(t)
	_, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	assert.Error(t, err)
}

func TestEnvOverrides(t *testing.T) {
	clearEnv(t)
	t.Setenv(EnvHTTPPort, "9200")
	t.Setenv(EnvDBPath, "/tmp/other.db")
	t.Setenv(EnvArtifactsDir, "/tmp/artifacts")
	t.Setenv(EnvLogLevel, "debug")

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, 9200, cfg.HTTP.Port)
	assert.Equal(t, "/tmp/other.db", cfg.DBConfig().Path)
	assert.Equal(t, "/tmp/artifacts", cfg.StorageConfig().Dir)
	assert.Equal(t, "debug", cfg.LoggerConfig().Level)
	assert.Equal(t, 9200, cfg.ServerConfig().Port)

	t.Setenv(EnvHTTPPort, "eighty")
	_, err = Load("")
	assert.Error(t, err)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"port zero", func(c *Config) { c.HTTP.Port = 0 }},
		{"port too large", func(c *Config) { c.HTTP.Port = 70000 }},
		{"no db path", func(c *Config) { c.Database.Path = "" }},
		{"no artifact dir", func(c *Config) { c.Artifacts.Dir = "" }},
		{"model name with dir", func(c *Config) { c.Artifacts.Model = "models/net.bin" }},
		{"hidden file name", func(c *Config) { c.Artifacts.TargetTransform = ".y.json" }},
		{"same transform names", func(c *Config) { c.Artifacts.TargetTransform = c.Artifacts.FeatureTransform }},
		{"keep zero generations", func(c *Config) { c.Artifacts.KeepGenerations = 0 }},
		{"zero epochs", func(c *Config) { c.Training.Epochs = 0 }},
		{"zero batch", func(c *Config) { c.Training.BatchSize = 0 }},
		{"negative lr min delta", func(c *Config) { c.Training.LRMinDelta = -1 }},
		{"negative cache", func(c *Config) { c.Inference.CacheSize = -1 }},
		{"bad log level", func(c *Config) { c.Log.Level = "chatty" }},
		{"bad log format", func(c *Config) { c.Log.Format = "xml" }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}

func TestServingOptions(t *testing.T) {
	cfg := Default()
	opts := cfg.ServingOptions()
	assert.Equal(t, 1024, opts.PredictionCacheSize)
	assert.Equal(t, "./csvjson.json", opts.Evaluation.DefaultPath)
	assert.True(t, opts.Evaluation.Watch)

	storage := cfg.StorageConfig()
	assert.Equal(t, 3, storage.KeepGenerations)
	assert.Equal(t, "y_scaler.json", storage.TargetTransform)
}
