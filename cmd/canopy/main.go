// Command canopy builds, queries and serves hierarchical vector indexes.
//
//	canopy [-env .env] build -corpus docs.jsonl [-name tree] [-overlap 1]
//	canopy [-env .env] query -name tree (-vector 0.1,0.2 | -text "...") [-k 10]
//	canopy [-env .env] list
//	canopy [-env .env] serve [-name tree] [-persist]
//
// Settings come from CANOPY_* environment variables; see config.go.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/23skdu/canopy/internal/breaker"
	"github.com/23skdu/canopy/internal/cache"
	"github.com/23skdu/canopy/internal/core"
	"github.com/23skdu/canopy/internal/embed"
	"github.com/23skdu/canopy/internal/limiter"
	"github.com/23skdu/canopy/internal/logging"
	"github.com/23skdu/canopy/internal/storage"
	"github.com/23skdu/canopy/internal/tree"
	"github.com/goccy/go-json"
	"github.com/rs/zerolog"
)

const defaultTreeName = "tree"

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := run(ctx, os.Args[1:], os.Stdout, os.Stderr)
	stop()
	if err != nil {
		fmt.Fprintln(os.Stderr, "canopy:", err)
		os.Exit(1)
	}
}

// app carries what every subcommand needs.
type app struct {
	cfg      Config
	logger   zerolog.Logger
	backend  storage.Backend
	embedder embed.Embedder
	breaker  *breaker.Breaker // nil without an embedder
	stdout   io.Writer
}

func run(ctx context.Context, args []string, stdout, stderr io.Writer) error {
	fs := flag.NewFlagSet("canopy", flag.ContinueOnError)
	fs.SetOutput(stderr)
	envFile := fs.String("env", ".env", "dotenv file loaded before reading CANOPY_* variables")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if fs.NArg() == 0 {
		return errors.New("usage: canopy [-env file] build|query|list|serve [flags]")
	}

	cfg, err := LoadConfig(*envFile)
	if err != nil {
		return err
	}
	logger, err := logging.NewLogger(logging.Config{Format: cfg.LogFormat, Level: cfg.LogLevel, Output: stderr})
	if err != nil {
		return err
	}
	backend, err := newBackend(&cfg)
	if err != nil {
		return err
	}
	embedder, br, err := newEmbedder(&cfg, logger)
	if err != nil {
		return err
	}
	a := &app{cfg: cfg, logger: logger, backend: backend, embedder: embedder, breaker: br, stdout: stdout}

	cmd, rest := fs.Arg(0), fs.Args()[1:]
	switch cmd {
	case "build":
		return a.build(ctx, rest, stderr)
	case "query":
		return a.query(ctx, rest, stderr)
	case "list":
		return a.list(ctx)
	case "serve":
		return a.serve(ctx, rest, stderr)
	default:
		return fmt.Errorf("unknown command %q", cmd)
	}
}

func newBackend(cfg *Config) (storage.Backend, error) {
	if cfg.StorageBackend == "s3" {
		return storage.NewS3Backend(&storage.S3BackendConfig{
			Endpoint:        cfg.S3.Endpoint,
			Bucket:          cfg.S3.Bucket,
			Prefix:          cfg.S3.Prefix,
			AccessKeyID:     cfg.S3.AccessKeyID,
			SecretAccessKey: cfg.S3.SecretAccessKey,
			Region:          cfg.S3.Region,
			UsePathStyle:    cfg.S3.UsePathStyle,
		})
	}
	return storage.NewLocalBackend(cfg.DataPath)
}

// newEmbedder returns nils when no embedding endpoint is configured.
func newEmbedder(cfg *Config, logger zerolog.Logger) (embed.Embedder, *breaker.Breaker, error) {
	ec := cfg.Embedder
	if ec.URL == "" {
		return nil, nil, nil
	}
	h, err := embed.NewHTTPEmbedder(embed.HTTPConfig{
		BaseURL:   ec.URL,
		Model:     ec.Model,
		Dimension: ec.Dimension,
		Timeout:   ec.Timeout,
	})
	if err != nil {
		return nil, nil, err
	}
	br := breaker.New(breaker.Settings{
		Name:        "embedder",
		MaxRequests: 1,
		Timeout:     ec.BreakerTimeout,
		Threshold:   ec.BreakerThreshold,
		OnStateChange: func(name string, from, to breaker.State) {
			logger.Warn().Str("breaker", name).Stringer("from", from).Stringer("to", to).Msg("Circuit breaker state changed")
		},
	})
	var e embed.Embedder = embed.NewGuarded(h, limiter.NewRateLimiter("embedder", ec.RateLimit), br, logger)
	if ec.CacheSize > 0 {
		e = embed.NewCached(e, ec.Model, cache.New[[]float32]("embeddings", ec.CacheSize, ec.CacheTTL))
	}
	return e, br, nil
}

func (a *app) newIndex() *tree.Index[json.RawMessage] {
	return tree.New[json.RawMessage](a.cfg.TreeConfig(), tree.WithLogger(a.logger))
}

func (a *app) writeOptions() storage.WriteOptions {
	c, _ := core.ParseCompression(a.cfg.Compression)
	return storage.WriteOptions{Compression: c}
}

// loadIndex restores the named artifact into a fresh index.
func (a *app) loadIndex(ctx context.Context, name string) (*tree.Index[json.RawMessage], error) {
	rows, err := storage.LoadTree(ctx, a.backend, name)
	if err != nil {
		return nil, err
	}
	ix := a.newIndex()
	if err := ix.ImportRows(rows); err != nil {
		return nil, err
	}
	a.logger.Info().Str("name", name).Str("backend", a.backend.Kind()).Int("rows", len(rows)).Int("leaves", ix.Len()).Msg("Tree loaded")
	return ix, nil
}

func (a *app) saveIndex(ctx context.Context, ix *tree.Index[json.RawMessage], name string) error {
	rows, err := ix.ExportRows()
	if err != nil {
		return err
	}
	if err := storage.SaveTree(ctx, a.backend, name, rows, a.writeOptions()); err != nil {
		return err
	}
	a.logger.Info().Str("name", name).Str("backend", a.backend.Kind()).Int("rows", len(rows)).Msg("Tree saved")
	return nil
}

func (a *app) printJSON(v any) error {
	b, err := json.Marshal(v)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintln(a.stdout, string(b))
	return err
}

func (a *app) progress(valid bool, p tree.LayerProgress) {
	a.logger.Debug().
		Bool("valid", valid).
		Int("layer", p.Layer).
		Int("try", p.TryCount).
		Int("candidates", p.Length).
		Int("min", p.MinSize).
		Int("max", p.MaxSize).
		Msg("Balancing layer")
}
