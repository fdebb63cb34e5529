// Command canopy-bench measures tree build time, search latency and recall@k
// against an exact scan, either in-process or against a running canopy server.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log"
	"math/rand"
	"os"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/23skdu/canopy/client"
	"github.com/23skdu/canopy/internal/tree"
	"github.com/google/uuid"
)

type benchConfig struct {
	Mode        string
	Addr        string
	N           int
	Dim         int
	Clusters    int
	Spread      float64
	Queries     int
	K           int
	LeafSize    int
	TopLayer    int
	Seed        int64
	Duration    time.Duration
	Concurrency int
	Upload      bool
}

func main() {
	var cfg benchConfig
	flag.StringVar(&cfg.Mode, "mode", "local", "Benchmark mode: 'local' or 'remote'")
	flag.StringVar(&cfg.Addr, "addr", "127.0.0.1:3000", "canopy Flight address (remote mode)")
	flag.IntVar(&cfg.N, "n", 10000, "Number of corpus vectors")
	flag.IntVar(&cfg.Dim, "dim", 64, "Vector dimension")
	flag.IntVar(&cfg.Clusters, "clusters", 32, "Number of synthetic clusters")
	flag.Float64Var(&cfg.Spread, "spread", 0.3, "Standard deviation around each cluster center")
	flag.IntVar(&cfg.Queries, "queries", 200, "Number of recall queries")
	flag.IntVar(&cfg.K, "k", 10, "Results per query")
	flag.IntVar(&cfg.LeafSize, "leaf-size", 5, "Tree leaf size")
	flag.IntVar(&cfg.TopLayer, "top-layer", 200, "Maximum top layer size")
	flag.Int64Var(&cfg.Seed, "seed", 1, "Random seed")
	flag.DurationVar(&cfg.Duration, "duration", 10*time.Second, "Duration of the throughput phase (remote mode)")
	flag.IntVar(&cfg.Concurrency, "concurrency", 4, "Number of concurrent workers (remote mode)")
	flag.BoolVar(&cfg.Upload, "upload", true, "Replace the server index with the synthetic tree first (remote mode)")
	flag.Parse()

	fmt.Printf("Starting benchmark:\n")
	fmt.Printf("  Mode:        %s\n", cfg.Mode)
	fmt.Printf("  Corpus:      %d x %d (%d clusters)\n", cfg.N, cfg.Dim, cfg.Clusters)
	fmt.Printf("  Queries:     %d @ k=%d\n", cfg.Queries, cfg.K)
	fmt.Printf("  Leaf Size:   %d\n", cfg.LeafSize)

	var (
		rep *report
		err error
	)
	switch cfg.Mode {
	case "local":
		rep, err = runLocal(cfg)
	case "remote":
		rep, err = runRemote(context.Background(), cfg)
	default:
		err = fmt.Errorf("unknown mode: %s", cfg.Mode)
	}
	if err != nil {
		log.Fatal(err)
	}
	rep.print(os.Stdout)
}

type report struct {
	BuildTime  time.Duration
	Stats      tree.Stats
	Recall     float64
	Ops        int64
	Errors     int64
	Elapsed    time.Duration
	Latency    latencySummary
	HasRecall  bool
	Throughput bool
}

// buildTree inserts the corpus with uuid contents and optimizes it.
func buildTree(cfg benchConfig, corpus *syntheticCorpus) (*tree.Index[string], time.Duration, error) {
	ix := tree.New[string](&tree.Config{LeafSize: cfg.LeafSize, TopLayerSize: cfg.TopLayer, Seed: cfg.Seed})
	items := make([]tree.Item[string], len(corpus.vectors))
	for i, v := range corpus.vectors {
		items[i] = tree.Item[string]{Content: uuid.NewString(), Vector: v}
	}
	start := time.Now()
	if err := ix.InsertBatch(items); err != nil {
		return nil, 0, err
	}
	if err := ix.Optimize(nil); err != nil {
		return nil, 0, err
	}
	return ix, time.Since(start), nil
}

func runLocal(cfg benchConfig) (*report, error) {
	rng := rand.New(rand.NewSource(cfg.Seed))
	corpus := newSyntheticCorpus(rng, cfg.N, cfg.Dim, cfg.Clusters, cfg.Spread)
	ix, buildTime, err := buildTree(cfg, corpus)
	if err != nil {
		return nil, err
	}

	rep := &report{BuildTime: buildTime, Stats: ix.Stats(), HasRecall: true}
	var lat latencyRecorder
	var total float64
	start := time.Now()
	for i := 0; i < cfg.Queries; i++ {
		q := corpus.sample()
		t0 := time.Now()
		results, err := ix.Search(q, cfg.K)
		lat.Record(time.Since(t0))
		if err != nil {
			rep.Errors++
			continue
		}
		rep.Ops++
		got := make([]int, len(results))
		for j, r := range results {
			got[j] = r.DataIndex
		}
		total += recallAt(got, exactTopK(corpus.vectors, q, cfg.K))
	}
	rep.Elapsed = time.Since(start)
	rep.Latency = lat.Summary()
	if rep.Ops > 0 {
		rep.Recall = total / float64(rep.Ops)
	}
	return rep, nil
}

func runRemote(ctx context.Context, cfg benchConfig) (*report, error) {
	rng := rand.New(rand.NewSource(cfg.Seed))
	corpus := newSyntheticCorpus(rng, cfg.N, cfg.Dim, cfg.Clusters, cfg.Spread)

	c, err := client.New(cfg.Addr)
	if err != nil {
		return nil, err
	}
	defer func() { _ = c.Close() }()

	rep := &report{Throughput: true}
	if cfg.Upload {
		ix, buildTime, err := buildTree(cfg, corpus)
		if err != nil {
			return nil, err
		}
		rows, err := ix.ExportRows()
		if err != nil {
			return nil, err
		}
		if _, err := c.Import(ctx, rows); err != nil {
			return nil, fmt.Errorf("upload tree: %w", err)
		}
		rep.BuildTime = buildTime
		rep.HasRecall = true

		var total float64
		for i := 0; i < cfg.Queries; i++ {
			q := corpus.sample()
			hits, err := c.Search(ctx, q, cfg.K)
			if err != nil {
				return nil, err
			}
			got := make([]int, len(hits))
			for j, h := range hits {
				got[j] = h.DataIndex
			}
			total += recallAt(got, exactTopK(corpus.vectors, q, cfg.K))
		}
		if cfg.Queries > 0 {
			rep.Recall = total / float64(cfg.Queries)
		}
	}
	if rep.Stats, err = c.Stats(ctx); err != nil {
		return nil, err
	}

	// Queries are pre-drawn: rand.Rand is not safe for concurrent use.
	queries := make([][]float32, 1024)
	for i := range queries {
		queries[i] = corpus.sample()
	}

	var (
		ops, errs atomic.Int64
		lat       latencyRecorder
		wg        sync.WaitGroup
	)
	start := time.Now()
	end := start.Add(cfg.Duration)
	for w := 0; w < cfg.Concurrency; w++ {
		wg.Add(1)
		go func(id int) {
			defer wg.Done()
			for i := id; time.Now().Before(end); i += cfg.Concurrency {
				t0 := time.Now()
				_, err := c.Search(ctx, queries[i%len(queries)], cfg.K)
				lat.Record(time.Since(t0))
				if err != nil {
					errs.Add(1)
					if !client.IsRetryable(err) && !errors.Is(err, context.DeadlineExceeded) {
						log.Printf("Worker %d: %v", id, err)
						return
					}
					continue
				}
				ops.Add(1)
			}
		}(w)
	}
	wg.Wait()

	rep.Elapsed = time.Since(start)
	rep.Ops = ops.Load()
	rep.Errors = errs.Load()
	rep.Latency = lat.Summary()
	return rep, nil
}

// latencyRecorder keeps every sample for percentile reporting.
type latencyRecorder struct {
	mu      sync.Mutex
	samples []time.Duration
}

func (l *latencyRecorder) Record(d time.Duration) {
	l.mu.Lock()
	l.samples = append(l.samples, d)
	l.mu.Unlock()
}

type latencySummary struct {
	Count         int
	Avg, P50, P99 time.Duration
	Max           time.Duration
}

func (l *latencyRecorder) Summary() latencySummary {
	l.mu.Lock()
	defer l.mu.Unlock()
	s := latencySummary{Count: len(l.samples)}
	if s.Count == 0 {
		return s
	}
	sorted := append([]time.Duration(nil), l.samples...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })
	var total time.Duration
	for _, d := range sorted {
		total += d
	}
	s.Avg = total / time.Duration(s.Count)
	s.P50 = sorted[(s.Count-1)*50/100]
	s.P99 = sorted[(s.Count-1)*99/100]
	s.Max = sorted[s.Count-1]
	return s
}

func (r *report) print(w io.Writer) {
	fmt.Fprintln(w, "\n--- Results ---")
	if r.BuildTime > 0 {
		fmt.Fprintf(w, "Build:       %v\n", r.BuildTime)
	}
	fmt.Fprintf(w, "Tree:        %d leaves, depth %d, layers %v\n", r.Stats.Leaves, r.Stats.Depth, r.Stats.LayerSizes)
	if r.HasRecall {
		fmt.Fprintf(w, "Recall@k:    %.4f\n", r.Recall)
	}
	fmt.Fprintf(w, "Total Ops:   %d\n", r.Ops)
	fmt.Fprintf(w, "Errors:      %d\n", r.Errors)
	if r.Throughput && r.Elapsed > 0 {
		fmt.Fprintf(w, "Elapsed:     %.2fs\n", r.Elapsed.Seconds())
		fmt.Fprintf(w, "Throughput:  %.2f ops/sec\n", float64(r.Ops)/r.Elapsed.Seconds())
	}
	fmt.Fprintf(w, "Avg Latency: %v\n", r.Latency.Avg)
	fmt.Fprintf(w, "P50 Latency: %v\n", r.Latency.P50)
	fmt.Fprintf(w, "P99 Latency: %v\n", r.Latency.P99)
	fmt.Fprintf(w, "Max Latency: %v\n", r.Latency.Max)
}
