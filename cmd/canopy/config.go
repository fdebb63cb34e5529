package main

import (
	"errors"
	"fmt"
	"io/fs"
	"time"

	"github.com/23skdu/canopy/internal/core"
	"github.com/23skdu/canopy/internal/limiter"
	"github.com/23skdu/canopy/internal/tree"
	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
	"google.golang.org/grpc"
	"google.golang.org/grpc/keepalive"
)

// envPrefix prefixes every environment variable, e.g. CANOPY_LEAF_SIZE.
const envPrefix = "CANOPY"

// Config validation errors
var (
	ErrInvalidLeafSize       = errors.New("leaf_size must be at least 2")
	ErrInvalidTopLayerSize   = errors.New("top_layer_size must be positive")
	ErrInvalidListenAddr     = errors.New("listen_addr cannot be empty")
	ErrInvalidMetricsAddr    = errors.New("metrics_addr cannot be empty")
	ErrInvalidDataPath       = errors.New("data_path cannot be empty")
	ErrInvalidBackend        = errors.New("storage_backend must be 'local' or 's3'")
	ErrInvalidS3Bucket       = errors.New("s3_bucket is required for the s3 backend")
	ErrInvalidLogFormat      = errors.New("log_format must be 'json' or 'console'")
	ErrInvalidLogLevel       = errors.New("log_level must be debug, info, warn, or error")
	ErrInvalidKeepAliveTime  = errors.New("keepalive_time must be positive")
	ErrInvalidEmbedderModel  = errors.New("embedder_model is required when embedder_url is set")
	ErrInvalidHealthInterval = errors.New("health_interval must be positive")
)

// S3Config selects the bucket holding tree artifacts.
type S3Config struct {
	Endpoint        string `envconfig:"ENDPOINT"`
	Bucket          string `envconfig:"BUCKET"`
	Prefix          string `envconfig:"PREFIX"`
	AccessKeyID     string `envconfig:"ACCESS_KEY_ID"`
	SecretAccessKey string `envconfig:"SECRET_ACCESS_KEY"`
	Region          string `envconfig:"REGION" default:"us-east-1"`
	UsePathStyle    bool   `envconfig:"USE_PATH_STYLE" default:"false"`
}

// EmbedderConfig points at an Ollama-compatible embedding endpoint. An empty
// URL disables text operations.
type EmbedderConfig struct {
	URL              string         `envconfig:"URL"`
	Model            string         `envconfig:"MODEL" default:"nomic-embed-text"`
	Dimension        int            `envconfig:"DIMENSION" default:"0"`
	Timeout          time.Duration  `envconfig:"TIMEOUT" default:"60s"`
	RateLimit        limiter.Config `envconfig:"RATE"`
	BreakerThreshold uint32         `envconfig:"BREAKER_THRESHOLD" default:"5"`
	BreakerTimeout   time.Duration  `envconfig:"BREAKER_TIMEOUT" default:"30s"`
	CacheSize        int            `envconfig:"CACHE_SIZE" default:"1024"` // 0 disables
	CacheTTL         time.Duration  `envconfig:"CACHE_TTL" default:"1h"`
}

// Config is read from CANOPY_* environment variables, after loading .env if present.
type Config struct {
	// Index
	LeafSize     int   `envconfig:"LEAF_SIZE" default:"5"`
	TopLayerSize int   `envconfig:"TOP_LAYER_SIZE" default:"200"`
	Seed         int64 `envconfig:"SEED" default:"0"`

	// Logging
	LogFormat string `envconfig:"LOG_FORMAT" default:"json"`
	LogLevel  string `envconfig:"LOG_LEVEL" default:"info"`

	// Network
	ListenAddr  string         `envconfig:"LISTEN_ADDR" default:"0.0.0.0:3000"`
	MetricsAddr string         `envconfig:"METRICS_ADDR" default:"0.0.0.0:9090"`
	RateLimit   limiter.Config `envconfig:"FLIGHT"`

	HealthInterval time.Duration `envconfig:"HEALTH_INTERVAL" default:"10s"`

	// gRPC server tuning
	KeepAliveTime                time.Duration `envconfig:"KEEPALIVE_TIME" default:"2h"`
	KeepAliveTimeout             time.Duration `envconfig:"KEEPALIVE_TIMEOUT" default:"20s"`
	KeepAliveMinTime             time.Duration `envconfig:"KEEPALIVE_MIN_TIME" default:"5m"`
	KeepAlivePermitWithoutStream bool          `envconfig:"KEEPALIVE_PERMIT_WITHOUT_STREAM" default:"false"`
	GRPCMaxRecvMsgSize           int           `envconfig:"GRPC_MAX_RECV_MSG_SIZE" default:"536870912"`
	GRPCMaxSendMsgSize           int           `envconfig:"GRPC_MAX_SEND_MSG_SIZE" default:"536870912"`
	GRPCMaxConcurrentStreams     uint32        `envconfig:"GRPC_MAX_CONCURRENT_STREAMS" default:"250"`

	// Storage
	StorageBackend string   `envconfig:"STORAGE_BACKEND" default:"local"`
	DataPath       string   `envconfig:"DATA_PATH" default:"./data"`
	Compression    string   `envconfig:"COMPRESSION" default:"zstd"`
	S3             S3Config `envconfig:"S3"`

	Embedder EmbedderConfig `envconfig:"EMBEDDER"`
}

// DefaultConfig returns a Config with default values
func DefaultConfig() Config {
	return Config{
		LeafSize:                 5,
		TopLayerSize:             200,
		LogFormat:                "json",
		LogLevel:                 "info",
		ListenAddr:               "0.0.0.0:3000",
		MetricsAddr:              "0.0.0.0:9090",
		HealthInterval:           10 * time.Second,
		KeepAliveTime:            2 * time.Hour,
		KeepAliveTimeout:         20 * time.Second,
		KeepAliveMinTime:         5 * time.Minute,
		GRPCMaxRecvMsgSize:       512 * 1024 * 1024,
		GRPCMaxSendMsgSize:       512 * 1024 * 1024,
		GRPCMaxConcurrentStreams: 250,
		StorageBackend:           "local",
		DataPath:                 "./data",
		Compression:              "zstd",
		S3:                       S3Config{Region: "us-east-1"},
		Embedder: EmbedderConfig{
			Model:            "nomic-embed-text",
			Timeout:          60 * time.Second,
			BreakerThreshold: 5,
			BreakerTimeout:   30 * time.Second,
			CacheSize:        1024,
			CacheTTL:         time.Hour,
		},
	}
}

// LoadConfig reads envFile (ignored when missing) into the process environment
// and then processes CANOPY_* variables. Variables already set win over the file.
func LoadConfig(envFile string) (Config, error) {
	var cfg Config
	if envFile != "" {
		if err := godotenv.Load(envFile); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return cfg, fmt.Errorf("load %s: %w", envFile, err)
		}
	}
	if err := envconfig.Process(envPrefix, &cfg); err != nil {
		return cfg, fmt.Errorf("process environment: %w", err)
	}
	return cfg, ValidateConfig(&cfg)
}

// ValidateConfig validates the configuration and returns an error if invalid
func ValidateConfig(cfg *Config) error {
	if cfg.LeafSize < 2 {
		return ErrInvalidLeafSize
	}
	if cfg.TopLayerSize <= 0 {
		return ErrInvalidTopLayerSize
	}
	if cfg.ListenAddr == "" {
		return ErrInvalidListenAddr
	}
	if cfg.MetricsAddr == "" {
		return ErrInvalidMetricsAddr
	}
	switch cfg.StorageBackend {
	case "local":
		if cfg.DataPath == "" {
			return ErrInvalidDataPath
		}
	case "s3":
		if cfg.S3.Bucket == "" {
			return ErrInvalidS3Bucket
		}
	default:
		return ErrInvalidBackend
	}
	if _, err := core.ParseCompression(cfg.Compression); err != nil {
		return err
	}
	if cfg.LogFormat != "json" && cfg.LogFormat != "console" {
		return ErrInvalidLogFormat
	}
	if cfg.LogLevel != "debug" && cfg.LogLevel != "info" && cfg.LogLevel != "warn" && cfg.LogLevel != "error" {
		return ErrInvalidLogLevel
	}
	if cfg.KeepAliveTime <= 0 {
		return ErrInvalidKeepAliveTime
	}
	if cfg.HealthInterval <= 0 {
		return ErrInvalidHealthInterval
	}
	if cfg.Embedder.URL != "" && cfg.Embedder.Model == "" {
		return ErrInvalidEmbedderModel
	}
	return nil
}

// TreeConfig returns the index parameters.
func (c *Config) TreeConfig() *tree.Config {
	return &tree.Config{
		LeafSize:     c.LeafSize,
		TopLayerSize: c.TopLayerSize,
		Seed:         c.Seed,
	}
}

// BuildGRPCServerOptions returns grpc.ServerOption slice for server configuration.
func (c *Config) BuildGRPCServerOptions() []grpc.ServerOption {
	return []grpc.ServerOption{
		grpc.KeepaliveParams(keepalive.ServerParameters{
			Time:    c.KeepAliveTime,
			Timeout: c.KeepAliveTimeout,
		}),
		grpc.KeepaliveEnforcementPolicy(keepalive.EnforcementPolicy{
			MinTime:             c.KeepAliveMinTime,
			PermitWithoutStream: c.KeepAlivePermitWithoutStream,
		}),
		grpc.MaxConcurrentStreams(c.GRPCMaxConcurrentStreams),
		grpc.MaxRecvMsgSize(c.GRPCMaxRecvMsgSize),
		grpc.MaxSendMsgSize(c.GRPCMaxSendMsgSize),
	}
}
