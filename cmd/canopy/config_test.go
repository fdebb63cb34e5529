package main

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/23skdu/canopy/internal/core"
	"github.com/kelseyhightower/envconfig"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultConfig_MatchesEnvDefaults(t *testing.T) {
	var cfg Config
	require.NoError(t, envconfig.Process(envPrefix, &cfg))
	assert.Equal(t, DefaultConfig(), cfg)
}

func TestValidateConfig_Valid(t *testing.T) {
	cfg := DefaultConfig()
	assert.NoError(t, ValidateConfig(&cfg))
}

func TestValidateConfig_Errors(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
		want   error
	}{
		{"leaf size", func(c *Config) { c.LeafSize = 1 }, ErrInvalidLeafSize},
		{"top layer size", func(c *Config) { c.TopLayerSize = 0 }, ErrInvalidTopLayerSize},
		{"listen addr", func(c *Config) { c.ListenAddr = "" }, ErrInvalidListenAddr},
		{"metrics addr", func(c *Config) { c.MetricsAddr = "" }, ErrInvalidMetricsAddr},
		{"data path", func(c *Config) { c.DataPath = "" }, ErrInvalidDataPath},
		{"backend", func(c *Config) { c.StorageBackend = "gcs" }, ErrInvalidBackend},
		{"s3 bucket", func(c *Config) { c.StorageBackend = "s3" }, ErrInvalidS3Bucket},
		{"log format", func(c *Config) { c.LogFormat = "xml" }, ErrInvalidLogFormat},
		{"log level", func(c *Config) { c.LogLevel = "trace" }, ErrInvalidLogLevel},
		{"keepalive", func(c *Config) { c.KeepAliveTime = 0 }, ErrInvalidKeepAliveTime},
		{"health interval", func(c *Config) { c.HealthInterval = 0 }, ErrInvalidHealthInterval},
		{"embedder model", func(c *Config) { c.Embedder.URL = "http://localhost:11434"; c.Embedder.Model = "" }, ErrInvalidEmbedderModel},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(&cfg)
			assert.ErrorIs(t, ValidateConfig(&cfg), tt.want)
		})
	}

	cfg := DefaultConfig()
	cfg.Compression = "brotli"
	assert.True(t, core.IsInvalidArgument(ValidateConfig(&cfg)))
}

func TestValidateConfig_S3WithBucket(t *testing.T) {
	cfg := DefaultConfig()
	cfg.StorageBackend = "s3"
	cfg.DataPath = ""
	cfg.S3.Bucket = "trees"
	assert.NoError(t, ValidateConfig(&cfg))
}

func TestLoadConfig_Environment(t *testing.T) {
	t.Setenv("CANOPY_LEAF_SIZE", "8")
	t.Setenv("CANOPY_SEED", "42")
	t.Setenv("CANOPY_STORAGE_BACKEND", "s3")
	t.Setenv("CANOPY_S3_BUCKET", "vectors")
	t.Setenv("CANOPY_S3_USE_PATH_STYLE", "true")
	t.Setenv("CANOPY_FLIGHT_RPS", "50")
	t.Setenv("CANOPY_EMBEDDER_URL", "http://ollama:11434")
	t.Setenv("CANOPY_EMBEDDER_RATE_RPS", "5")
	t.Setenv("CANOPY_EMBEDDER_TIMEOUT", "3s")

	cfg, err := LoadConfig("")
	require.NoError(t, err)
	assert.Equal(t, 8, cfg.LeafSize)
	assert.Equal(t, int64(42), cfg.Seed)
	assert.Equal(t, "vectors", cfg.S3.Bucket)
	assert.True(t, cfg.S3.UsePathStyle)
	assert.Equal(t, 50, cfg.RateLimit.RPS)
	assert.Equal(t, "http://ollama:11434", cfg.Embedder.URL)
	assert.Equal(t, 5, cfg.Embedder.RateLimit.RPS)
	assert.Equal(t, 3*time.Second, cfg.Embedder.Timeout)

	tc := cfg.TreeConfig()
	assert.Equal(t, 8, tc.LeafSize)
	assert.Equal(t, 200, tc.TopLayerSize)
	assert.Equal(t, int64(42), tc.Seed)
}

func TestLoadConfig_Invalid(t *testing.T) {
	t.Setenv("CANOPY_LEAF_SIZE", "1")
	_, err := LoadConfig("")
	assert.ErrorIs(t, err, ErrInvalidLeafSize)

	t.Setenv("CANOPY_LEAF_SIZE", "many")
	_, err = LoadConfig("")
	assert.Error(t, err)
}

func TestLoadConfig_DotEnv(t *testing.T) {
	// Registered with t.Setenv so cleanup unsets whatever godotenv writes.
	for _, k := range []string{"CANOPY_LEAF_SIZE", "CANOPY_LOG_LEVEL"} {
		t.Setenv(k, "")
		require.NoError(t, os.Unsetenv(k))
	}
	t.Setenv("CANOPY_TOP_LAYER_SIZE", "64")

	file := filepath.Join(t.TempDir(), ".env")
	require.NoError(t, os.WriteFile(file, []byte("CANOPY_LEAF_SIZE=9\nCANOPY_LOG_LEVEL=debug\nCANOPY_TOP_LAYER_SIZE=10\n"), 0o600))

	cfg, err := LoadConfig(file)
	require.NoError(t, err)
	assert.Equal(t, 9, cfg.LeafSize)
	assert.Equal(t, "debug", cfg.LogLevel)
	assert.Equal(t, 64, cfg.TopLayerSize, "the process environment wins over the file")
}

func TestLoadConfig_MissingDotEnv(t *testing.T) {
	cfg, err := LoadConfig(filepath.Join(t.TempDir(), "absent.env"))
	require.NoError(t, err)
	assert.Equal(t, DefaultConfig(), cfg)
}

func TestBuildGRPCServerOptions(t *testing.T) {
	cfg := DefaultConfig()
	assert.Len(t, cfg.BuildGRPCServerOptions(), 5)
}
