package tree

import (
	"context"
	"errors"
	"math/rand"
	"sync"
	"testing"

	"github.com/23skdu/canopy/internal/core"
	"github.com/23skdu/canopy/internal/embed"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func builtIndex(t *testing.T, n, dim int, seed int64) (*Index[string], [][]float32) {
	t.Helper()
	rng := rand.New(rand.NewSource(seed))
	vectors := clusteredVectors(rng, n, dim, n/25+1, 0.2)
	ix := New[string](&Config{LeafSize: 5, TopLayerSize: 40, Seed: seed})
	fill(t, ix, vectors)
	require.NoError(t, ix.Optimize(nil))
	return ix, vectors
}

func TestSearch_EmptyIndex(t *testing.T) {
	ix := newTestIndex(t, 5, 1)
	results, err := ix.Search([]float32{1, 2, 3}, 10)
	require.NoError(t, err)
	assert.Empty(t, results)
}

func TestSearch_InvalidQuery(t *testing.T) {
	ix, _ := builtIndex(t, 100, 8, 1)

	_, err := ix.Search(make([]float32, 8), 5)
	assert.True(t, core.IsInvalidVector(err))

	_, err = ix.Search([]float32{1, 2}, 5)
	assert.True(t, core.IsInvalidVector(err))
}

func TestSearch_NonPositiveK(t *testing.T) {
	ix, vectors := builtIndex(t, 100, 8, 1)
	for _, k := range []int{0, -3} {
		results, err := ix.Search(vectors[0], k)
		require.NoError(t, err)
		assert.Empty(t, results)
	}
}

func TestSearch_BoundedAndOrdered(t *testing.T) {
	ix, _ := builtIndex(t, 1200, 16, 2)
	rng := rand.New(rand.NewSource(77))

	for _, k := range []int{1, 3, 5, 10, 50} {
		for _, q := range randomVectors(rng, 10, 16) {
			results, err := ix.Search(q, k)
			require.NoError(t, err)
			assert.LessOrEqual(t, len(results), k)
			assert.NotEmpty(t, results)
			for i, r := range results {
				assert.GreaterOrEqual(t, r.Similarity, float32(-1))
				assert.LessOrEqual(t, r.Similarity, float32(1))
				if i > 0 {
					assert.GreaterOrEqual(t, results[i-1].Similarity, r.Similarity)
				}
				content, ok := ix.Content(r.DataIndex)
				require.True(t, ok)
				assert.Equal(t, content, r.Content)
			}
		}
	}
}

func TestSearch_FewerThanK(t *testing.T) {
	ix := newTestIndex(t, 5, 1)
	fill(t, ix, [][]float32{{1, 0}, {0, 1}, {1, 1}})
	results, err := ix.Search([]float32{1, 0}, 10)
	require.NoError(t, err)
	assert.Len(t, results, 3)
}

func TestSearch_StableTies(t *testing.T) {
	ix := newTestIndex(t, 5, 1)
	fill(t, ix, [][]float32{{0, 1}, {1, 0}, {2, 0}, {3, 0}})
	results, err := ix.Search([]float32{1, 0}, 3)
	require.NoError(t, err)
	require.Len(t, results, 3)
	assert.Equal(t, []string{"item-1", "item-2", "item-3"}, []string{results[0].Content, results[1].Content, results[2].Content})
}

func TestSearch_SelfSimilarity(t *testing.T) {
	ix, vectors := builtIndex(t, 150, 12, 3)
	// The top layer of this tree is small enough for a beam of 40 to cover it,
	// so every leaf is scored.
	require.LessOrEqual(t, len(ix.TopLayer()), 40)

	for i, v := range vectors {
		results, err := ix.Search(v, 40)
		require.NoError(t, err)
		require.NotEmpty(t, results)
		assert.Equal(t, i, results[0].DataIndex)
		assert.InDelta(t, 1.0, results[0].Similarity, 1e-5)
	}
}

func TestSearch_Recall(t *testing.T) {
	ix, vectors := builtIndex(t, 2000, 16, 4)
	rng := rand.New(rand.NewSource(5))

	// Well-clustered data keeps the approximate search close to exact.
	hits, total := 0, 0
	for i := 0; i < 50; i++ {
		q := vectors[rng.Intn(len(vectors))]
		got, err := ix.Search(q, 10)
		require.NoError(t, err)
		want := exactTopK(t, ix, q, 10)
		found := map[int]bool{}
		for _, r := range got {
			found[r.DataIndex] = true
		}
		for _, w := range want {
			if found[w] {
				hits++
			}
			total++
		}
	}
	assert.Greater(t, float64(hits)/float64(total), 0.5)
}

// exactTopK scans every leaf.
func unitQuery(t *testing.T, ix *Index[string], q []float32) []float32 {
	t.Helper()
	v, err := ix.prepare(q)
	require.NoError(t, err)
	return v
}

// maxFanOut returns the largest children list of the live internal nodes.
func maxFanOut[T any](ix *Index[T]) int {
	fan := 0
	for _, n := range ix.nodes {
		if n != nil {
			fan = max(fan, len(n.Children))
		}
	}
	return fan
}

func TestSearch_BeamBoundsScoredNodes(t *testing.T) {
	rng := rand.New(rand.NewSource(8))
	vectors := clusteredVectors(rng, 3000, 16, 60, 0.2)
	ix := New[string](&Config{LeafSize: 5, TopLayerSize: 10, Seed: 8})
	fill(t, ix, vectors)
	require.NoError(t, ix.Optimize(nil))

	stats := ix.Stats()
	require.GreaterOrEqual(t, stats.Depth, 3)
	fan := maxFanOut(ix)

	for _, k := range []int{1, 10, 20} {
		beam := max(ix.cfg.LeafSize, k)
		for _, q := range randomVectors(rng, 20, 16) {
			ranked, perLayer := ix.descendBeam(unitQuery(t, ix, q), k)
			require.NotEmpty(t, ranked)
			require.Len(t, perLayer, stats.Depth+1)
			assert.Equal(t, stats.TopLayerSize, perLayer[0])

			visited := 0
			for l, n := range perLayer {
				visited += n
				if l > 0 {
					assert.LessOrEqual(t, n, beam*fan, "k=%d layer %d", k, l)
				}
			}
			assert.Less(t, visited, stats.Nodes/2, "k=%d scored most of the tree", k)
		}
	}
}

func TestSearch_LargerKWidensBeam(t *testing.T) {
	rng := rand.New(rand.NewSource(9))
	vectors := clusteredVectors(rng, 3000, 16, 60, 0.2)
	ix := New[string](&Config{LeafSize: 5, TopLayerSize: 10, Seed: 9})
	fill(t, ix, vectors)
	require.NoError(t, ix.Optimize(nil))

	const want = 10
	narrowHits, wideHits := 0, 0
	for i := 0; i < 40; i++ {
		q := vectors[rng.Intn(len(vectors))]

		_, narrow := ix.descendBeam(unitQuery(t, ix, q), 5)
		_, wide := ix.descendBeam(unitQuery(t, ix, q), 40)
		assert.GreaterOrEqual(t, wide[1], narrow[1])

		exact := exactTopK(t, ix, q, want)
		for k, hits := range map[int]*int{want: &narrowHits, 40: &wideHits} {
			got, err := ix.Search(q, k)
			require.NoError(t, err)
			found := map[int]bool{}
			for _, r := range got[:min(want, len(got))] {
				found[r.DataIndex] = true
			}
			for _, e := range exact {
				if found[e] {
					*hits++
				}
			}
		}
	}
	assert.GreaterOrEqual(t, wideHits, narrowHits)
}

func exactTopK(t *testing.T, ix *Index[string], q []float32, k int) []int {
	t.Helper()
	ix.mu.RLock()
	defer ix.mu.RUnlock()
	qn, err := ix.prepare(q)
	require.NoError(t, err)
	ranked := ix.rank(ix.leaves, qn)
	out := make([]int, 0, k)
	for _, s := range ranked[:min(k, len(ranked))] {
		out = append(out, ix.nodes[s.id].DataIndex)
	}
	return out
}

func TestSearch_ConcurrentMatchesSequential(t *testing.T) {
	ix, _ := builtIndex(t, 1000, 16, 6)
	rng := rand.New(rand.NewSource(7))
	queries := randomVectors(rng, 64, 16)

	sequential := make([][]Result[string], len(queries))
	for i, q := range queries {
		res, err := ix.Search(q, 8)
		require.NoError(t, err)
		sequential[i] = res
	}

	parallel := make([][]Result[string], len(queries))
	var wg sync.WaitGroup
	for i, q := range queries {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res, err := ix.Search(q, 8)
			assert.NoError(t, err)
			parallel[i] = res
		}()
	}
	wg.Wait()
	assert.Equal(t, sequential, parallel)

	batch, err := ix.SearchBatch(context.Background(), queries, 8)
	require.NoError(t, err)
	assert.Equal(t, sequential, batch)
}

func TestSearchBatch_Errors(t *testing.T) {
	ix, _ := builtIndex(t, 100, 8, 1)
	queries := [][]float32{{1, 0, 0, 0, 0, 0, 0, 0}, {1, 0}}
	_, err := ix.SearchBatch(context.Background(), queries, 3)
	assert.True(t, core.IsInvalidVector(err))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = ix.SearchBatch(ctx, [][]float32{{1, 0, 0, 0, 0, 0, 0, 0}}, 3)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestSearch_InterleavedWithInserts(t *testing.T) {
	ix, _ := builtIndex(t, 300, 8, 8)
	rng := rand.New(rand.NewSource(9))
	extra := randomVectors(rng, 200, 8)
	queries := randomVectors(rng, 200, 8)

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		for i, v := range extra {
			assert.NoError(t, ix.Insert("extra", v))
			if i == 100 {
				assert.NoError(t, ix.Optimize(nil))
			}
		}
	}()
	go func() {
		defer wg.Done()
		for _, q := range queries {
			res, err := ix.Search(q, 5)
			assert.NoError(t, err)
			assert.LessOrEqual(t, len(res), 5)
		}
	}()
	wg.Wait()
	assert.Equal(t, 500, ix.Len())
}

func TestTextOperations(t *testing.T) {
	vocab := map[string][]float32{
		"north": {0, 1},
		"east":  {1, 0},
		"west":  {-1, 0},
	}
	e := embed.Func{
		Fn: func(ctx context.Context, text string) ([]float32, error) {
			if v, ok := vocab[text]; ok {
				return v, nil
			}
			return nil, errors.New("unknown word")
		},
		Dim: 2,
	}

	ix := newTestIndex(t, 5, 1)
	ctx := context.Background()
	for word := range vocab {
		require.NoError(t, ix.InsertText(ctx, e, word, word))
	}

	results, err := ix.SearchText(ctx, e, "east", 1)
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, "east", results[0].Content)

	_, err = ix.SearchText(ctx, e, "south", 1)
	assert.True(t, core.IsDataUnavailable(err))
	err = ix.InsertText(ctx, e, "south", "south")
	assert.True(t, core.IsDataUnavailable(err))
	assert.Equal(t, 3, ix.Len())
}
