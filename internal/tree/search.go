package tree

import (
	"context"
	"runtime"
	"sort"
	"time"

	"github.com/23skdu/canopy/internal/embed"
	"github.com/23skdu/canopy/internal/metrics"
	"github.com/23skdu/canopy/internal/vecmath"
	"golang.org/x/sync/errgroup"
)

// Result is one search hit.
type Result[T any] struct {
	Content    T       `json:"content"`
	Similarity float32 `json:"similarity"`
	DataIndex  int     `json:"data_index"`
}

type scored struct {
	id    int
	score float32
}

// Search returns up to k leaves most similar to query, most similar first.
//
// The search walks down from the top layer keeping a beam of max(LeafSize, k)
// best nodes per layer and scoring only their children on the next layer, so it
// is approximate: a true neighbour under a sibling that fell out of the beam is
// missed. Raising k widens the beam. Ties keep the order of the candidate set.
// An empty index or k <= 0 yields no results and no error.
func (ix *Index[T]) Search(query []float32, k int) ([]Result[T], error) {
	ix.mu.RLock()
	defer ix.mu.RUnlock()

	start := time.Now()
	q, err := ix.prepare(query)
	if err != nil {
		metrics.SearchesTotal.WithLabelValues("invalid").Inc()
		return nil, err
	}
	if k <= 0 || len(ix.top) == 0 {
		metrics.SearchesTotal.WithLabelValues("empty").Inc()
		return []Result[T]{}, nil
	}

	ranked, perLayer := ix.descendBeam(q, k)
	visited := 0
	for _, n := range perLayer {
		visited += n
	}
	n := min(k, len(ranked))
	out := make([]Result[T], n)
	for i, s := range ranked[:n] {
		dataIndex := ix.nodes[s.id].DataIndex
		out[i] = Result[T]{
			Content:    ix.contents[dataIndex],
			Similarity: vecmath.Clamp(s.score),
			DataIndex:  dataIndex,
		}
	}
	if n == 0 {
		metrics.SearchesTotal.WithLabelValues("empty").Inc()
		return out, nil
	}
	metrics.SearchesTotal.WithLabelValues("ok").Inc()
	metrics.SearchNodesScored.Observe(float64(visited))
	metrics.SearchDurationSeconds.Observe(time.Since(start).Seconds())
	return out, nil
}

// descendBeam returns the reached leaves ranked against q, and the number of
// nodes scored on each layer from the top down.
func (ix *Index[T]) descendBeam(q []float32, k int) ([]scored, []int) {
	beam := max(ix.cfg.LeafSize, k)
	group := ix.top
	var perLayer []int
	for {
		ranked := ix.rank(group, q)
		perLayer = append(perLayer, len(ranked))
		if ix.nodes[group[0]].IsLeaf() {
			return ranked, perLayer
		}

		next := make([]int, 0, beam*ix.cfg.LeafSize)
		for _, s := range ranked[:min(beam, len(ranked))] {
			next = append(next, ix.nodes[s.id].Children...)
		}
		if len(next) == 0 {
			return nil, perLayer
		}
		group = next
	}
}

// rank scores group against q and returns it sorted by descending similarity.
func (ix *Index[T]) rank(group []int, q []float32) []scored {
	scores := vecmath.Scores(ix.stack(group), q)
	ranked := make([]scored, len(group))
	for i, id := range group {
		ranked[i] = scored{id: id, score: scores[i]}
	}
	sort.SliceStable(ranked, func(i, j int) bool {
		return ranked[i].score > ranked[j].score
	})
	return ranked
}

// SearchBatch runs Search for every query in parallel. results[i] answers queries[i].
// The first failing query cancels the rest.
func (ix *Index[T]) SearchBatch(ctx context.Context, queries [][]float32, k int) ([][]Result[T], error) {
	results := make([][]Result[T], len(queries))
	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(batchParallelism())
	for i, q := range queries {
		g.Go(func() error {
			if err := ctx.Err(); err != nil {
				return err
			}
			res, err := ix.Search(q, k)
			if err != nil {
				return err
			}
			results[i] = res
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return results, nil
}

// SearchText embeds text with e and searches for the result.
func (ix *Index[T]) SearchText(ctx context.Context, e embed.Embedder, text string, k int) ([]Result[T], error) {
	vec, err := embedText(ctx, e, text)
	if err != nil {
		return nil, err
	}
	return ix.Search(vec, k)
}

func batchParallelism() int {
	return runtime.GOMAXPROCS(0)
}
