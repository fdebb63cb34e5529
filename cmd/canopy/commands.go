package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"time"

	"github.com/23skdu/canopy/internal/flightsvc"
	"github.com/23skdu/canopy/internal/health"
	"github.com/23skdu/canopy/internal/limiter"
	"github.com/23skdu/canopy/internal/storage"
	"github.com/23skdu/canopy/internal/tree"
	"github.com/23skdu/canopy/internal/vecmath"
	"github.com/goccy/go-json"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	grpchealth "google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
)

const insertBatch = 1024

// version is reported by the health endpoints; set with -ldflags "-X main.version=...".
var version = "dev"

// build inserts a JSONL corpus, optimizes the tree and stores it.
func (a *app) build(ctx context.Context, args []string, stderr io.Writer) error {
	fs := flag.NewFlagSet("build", flag.ContinueOnError)
	fs.SetOutput(stderr)
	corpusPath := fs.String("corpus", "", "JSONL corpus file, - for stdin")
	name := fs.String("name", defaultTreeName, "artifact name")
	overlap := fs.Int("overlap", 1, "neighbouring text records on each side embedded as context, 0 for none")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *overlap < 0 {
		return errors.New("build: -overlap must not be negative")
	}
	if *corpusPath == "" {
		return errors.New("build: -corpus is required")
	}
	if err := storage.ValidateName(*name); err != nil {
		return err
	}

	var in io.Reader = os.Stdin
	if *corpusPath != "-" {
		f, err := os.Open(*corpusPath)
		if err != nil {
			return err
		}
		defer func() { _ = f.Close() }()
		in = f
	}

	ix := a.newIndex()
	batch := make([]tree.Item[json.RawMessage], 0, insertBatch)
	flush := func() error {
		if len(batch) == 0 {
			return nil
		}
		err := ix.InsertBatch(batch)
		batch = batch[:0]
		return err
	}

	window := newContextWindow(*overlap, func(line int, rec corpusRecord, text string) error {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := ix.InsertText(ctx, a.embedder, rec.Content, text); err != nil {
			return fmt.Errorf("line %d: %w", line, err)
		}
		return nil
	})

	start := time.Now()
	err := readCorpus(in, func(line int, rec corpusRecord) error {
		if err := ctx.Err(); err != nil {
			return err
		}
		if len(rec.Vector) > 0 {
			batch = append(batch, tree.Item[json.RawMessage]{Content: rec.Content, Vector: rec.Vector})
			if len(batch) == insertBatch {
				return flush()
			}
			return nil
		}
		if a.embedder == nil {
			return fmt.Errorf("line %d: text records require CANOPY_EMBEDDER_URL", line)
		}
		return window.push(line, rec)
	})
	if err == nil {
		err = window.flush()
	}
	if err == nil {
		err = flush()
	}
	if err != nil {
		return err
	}
	a.logger.Info().Int("leaves", ix.Len()).Dur("elapsed", time.Since(start)).Msg("Corpus inserted")

	if err := ix.Optimize(a.progress); err != nil {
		return err
	}
	if err := a.saveIndex(ctx, ix, *name); err != nil {
		return err
	}
	return a.printJSON(ix.Stats())
}

// query prints one JSON line per hit.
func (a *app) query(ctx context.Context, args []string, stderr io.Writer) error {
	fs := flag.NewFlagSet("query", flag.ContinueOnError)
	fs.SetOutput(stderr)
	name := fs.String("name", defaultTreeName, "artifact name")
	vector := fs.String("vector", "", "comma separated query vector")
	text := fs.String("text", "", "query text, embedded with the configured provider")
	k := fs.Int("k", 10, "number of results")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if (*vector == "") == (*text == "") {
		return errors.New("query: exactly one of -vector or -text is required")
	}
	if *text != "" && a.embedder == nil {
		return errors.New("query: -text requires CANOPY_EMBEDDER_URL")
	}

	ix, err := a.loadIndex(ctx, *name)
	if err != nil {
		return err
	}

	var results []tree.Result[json.RawMessage]
	if *text != "" {
		results, err = ix.SearchText(ctx, a.embedder, *text, *k)
	} else {
		var q []float32
		if q, err = parseVector(*vector); err != nil {
			return err
		}
		results, err = ix.Search(q, *k)
	}
	if err != nil {
		return err
	}
	for _, r := range results {
		if err := a.printJSON(r); err != nil {
			return err
		}
	}
	return nil
}

func (a *app) list(ctx context.Context) error {
	names, err := a.backend.List(ctx)
	if err != nil {
		return err
	}
	for _, n := range names {
		if _, err := fmt.Fprintln(a.stdout, n); err != nil {
			return err
		}
	}
	return nil
}

// serve exposes the index over Arrow Flight until ctx is cancelled.
func (a *app) serve(ctx context.Context, args []string, stderr io.Writer) error {
	fs := flag.NewFlagSet("serve", flag.ContinueOnError)
	fs.SetOutput(stderr)
	name := fs.String("name", defaultTreeName, "artifact loaded at startup")
	persist := fs.Bool("persist", false, "save the index back to the artifact on shutdown")
	if err := fs.Parse(args); err != nil {
		return err
	}

	ix, err := a.loadIndex(ctx, *name)
	if storage.IsNotFoundError(err) {
		a.logger.Warn().Str("name", *name).Msg("Artifact not found, starting with an empty index")
		ix, err = a.newIndex(), nil
	}
	if err != nil {
		return err
	}

	hm := health.NewManager(version, a.logger)
	hm.Register(health.NewIndexChecker(ix.Stats))
	hm.Register(health.NewStorageChecker(a.backend, 5*time.Second))
	if a.breaker != nil {
		hm.Register(health.NewBreakerChecker(a.breaker))
	}

	metricsSrv := &http.Server{Addr: a.cfg.MetricsAddr, Handler: metricsMux(hm), ReadHeaderTimeout: 10 * time.Second}
	go func() {
		a.logger.Info().Str("address", a.cfg.MetricsAddr).Msg("Starting metrics server")
		if err := metricsSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			a.logger.Error().Err(err).Msg("Metrics server failed")
		}
	}()

	lis, err := net.Listen("tcp", a.cfg.ListenAddr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", a.cfg.ListenAddr, err)
	}

	opts := []flightsvc.Option{flightsvc.WithLogger(a.logger)}
	if a.embedder != nil {
		opts = append(opts, flightsvc.WithEmbedder(a.embedder))
	}
	svc := flightsvc.NewServer(ix, opts...)
	grpcServer := flightsvc.NewGRPCServer(svc, limiter.NewRateLimiter("flight", a.cfg.RateLimit), a.cfg.BuildGRPCServerOptions()...)
	hs := grpchealth.NewServer()
	healthpb.RegisterHealthServer(grpcServer, hs)
	watchCtx, stopWatch := context.WithCancel(ctx)
	defer stopWatch()
	go hm.Watch(watchCtx, hs, a.cfg.HealthInterval)

	serveErr := make(chan error, 1)
	go func() {
		cpu := vecmath.DetectedCPU()
		a.logger.Info().
			Str("address", a.cfg.ListenAddr).
			Int("leaves", ix.Len()).
			Str("simd", cpu.Implementation).
			Str("cpu_vendor", cpu.Vendor).
			Msg("Canopy Flight server starting")
		serveErr <- grpcServer.Serve(lis)
	}()

	select {
	case err = <-serveErr:
	case <-ctx.Done():
		a.logger.Info().Msg("Shutting down")
		hs.Shutdown()
		grpcServer.GracefulStop()
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_ = metricsSrv.Shutdown(shutdownCtx)

	if *persist {
		if perr := a.saveIndex(shutdownCtx, ix, *name); perr != nil {
			err = errors.Join(err, perr)
		}
	}
	return err
}

func metricsMux(hm *health.Manager) *http.ServeMux {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.Handle("/healthz", hm.HTTPHandler())
	return mux
}
