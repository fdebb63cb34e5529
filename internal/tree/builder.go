package tree

import (
	"math/rand"
	"strconv"
	"time"

	"github.com/23skdu/canopy/internal/core"
	"github.com/23skdu/canopy/internal/metrics"
	"github.com/23skdu/canopy/internal/vecmath"
	"github.com/rs/zerolog"
)

// LayerProgress describes one refinement iteration of a layer under construction.
type LayerProgress struct {
	Layer        int         `json:"layer"`        // layer being built
	Length       int         `json:"length"`       // candidate parents this iteration
	TryCount     int         `json:"try_count"`    // 1-based iteration number
	MinSize      int         `json:"min_size"`     // smallest children list
	MaxSize      int         `json:"max_size"`     // largest children list
	Distribution map[int]int `json:"distribution"` // children count -> number of candidates
}

// ProgressFunc observes layer construction. valid reports whether no candidate
// holds more than 2*LeafSize children. It has no influence on the build.
type ProgressFunc func(valid bool, p LayerProgress)

// Optimize discards every internal layer and rebuilds the tree from the full leaf
// set. It always builds at least one parent layer when there are LeafSize or more
// leaves, then keeps collapsing layers until the top layer holds at most
// TopLayerSize nodes.
//
// Balancing is best-effort: a layer that cannot be balanced within the iteration
// bounds is accepted as found and reported through progress, never as an error.
// Optimize is not cancellable and expects no concurrent writers; it holds the
// write lock for its whole run.
func (ix *Index[T]) Optimize(progress ProgressFunc) error {
	ix.mu.Lock()
	defer ix.mu.Unlock()

	start := time.Now()
	ix.discardInternal()

	group := append([]int(nil), ix.leaves...)
	ix.top = group

	b := &builder[T]{ix: ix, cfg: ix.cfg, rng: ix.rng, progress: progress, logger: ix.logger}
	for first := true; len(group) >= ix.cfg.LeafSize && (first || len(group) > ix.cfg.TopLayerSize); first = false {
		parents := b.buildParentLayer(group)
		if len(parents) == 0 {
			break
		}
		ix.top = parents
		if len(parents) >= len(group) {
			ix.logger.Warn().
				Int("layer", ix.nodes[parents[0]].Layer).
				Int("size", len(parents)).
				Msg("Layer did not shrink; stopping construction")
			break
		}
		group = parents
	}

	elapsed := time.Since(start)
	metrics.OptimizeDurationSeconds.Observe(elapsed.Seconds())
	ix.publishShape()
	ix.logger.Info().
		Int("leaves", len(ix.leaves)).
		Int("depth", ix.depthLocked()).
		Int("top_layer_size", len(ix.top)).
		Dur("elapsed", elapsed).
		Msg("Tree optimized")
	return nil
}

// discardInternal drops every internal node and detaches the leaves.
func (ix *Index[T]) discardInternal() {
	for id, n := range ix.nodes {
		if n == nil {
			continue
		}
		if n.Layer > 0 {
			ix.nodes[id] = nil
			ix.vectors[id] = nil
			continue
		}
		n.Parent = core.NoIndex
	}
}

// builder carries the state shared by the layers of one Optimize run.
type builder[T any] struct {
	ix       *Index[T]
	cfg      *Config
	rng      *rand.Rand
	progress ProgressFunc
	logger   zerolog.Logger
}

// candidateSet is a list of parent candidates with their assigned member rows.
type candidateSet struct {
	vectors [][]float32
	groups  [][]int // groups[c] = member row indices assigned to candidate c
}

func (s candidateSet) sizes() (minSize, maxSize int, dist map[int]int) {
	dist = make(map[int]int, len(s.groups))
	for i, g := range s.groups {
		n := len(g)
		dist[n]++
		if i == 0 || n < minSize {
			minSize = n
		}
		if n > maxSize {
			maxSize = n
		}
	}
	return minSize, maxSize, dist
}

// buildParentLayer clusters group (all nodes of one layer) into a new parent layer
// and returns the vector indices of the parents.
//
// Candidates start as means of shuffled LeafSize-chunks. Each iteration splits
// over-full candidates by re-chunking their members, drops under-full ones,
// reassigns every member to its most similar survivor and drops again, picking up
// orphaned members with one more assignment. The loop ends when no candidate
// holds more than maxChildren members, after maxTries iterations, or after LeafSize iterations without
// shrinking the largest group; the best layer seen is kept.
func (b *builder[T]) buildParentLayer(group []int) []int {
	start := time.Now()
	layer := b.ix.nodes[group[0]].Layer + 1
	members := b.ix.stack(group)

	all := make([]int, len(group))
	for i := range all {
		all[i] = i
	}
	cur := b.assign(members, b.chunk(members, all))

	best := cur
	_, bestMax, _ := cur.sizes()
	valid := false
	noProgress := 0
	tries := 0

	for tries < b.cfg.maxTries() {
		tries++

		next := make([][]float32, 0, len(cur.vectors))
		for c, g := range cur.groups {
			switch {
			case len(g) > b.cfg.maxChildren():
				next = append(next, b.chunk(members, g)...)
			case len(g) <= b.cfg.minChildren():
			default:
				next = append(next, cur.vectors[c])
			}
		}
		if len(next) == 0 {
			next = append(next, cur.vectors[largest(cur.groups)])
		}

		cur = b.assign(members, next)
		if kept := b.dropUnderFull(cur); len(kept) < len(cur.vectors) {
			cur = b.assign(members, kept)
		}

		minSize, maxSize, dist := cur.sizes()
		valid = maxSize <= b.cfg.maxChildren()
		if b.progress != nil {
			b.progress(valid, LayerProgress{
				Layer:        layer,
				Length:       len(cur.vectors),
				TryCount:     tries,
				MinSize:      minSize,
				MaxSize:      maxSize,
				Distribution: dist,
			})
		}

		if valid {
			best = cur
			break
		}
		if maxSize < bestMax {
			best, bestMax = cur, maxSize
			noProgress = 0
		} else {
			noProgress++
		}
		if noProgress >= b.cfg.LeafSize {
			break
		}
	}

	metrics.LayerBuildDurationSeconds.Observe(time.Since(start).Seconds())
	metrics.BalanceIterations.Observe(float64(tries))
	metrics.LayersBuiltTotal.WithLabelValues(strconv.FormatBool(valid)).Inc()

	parents := b.emit(best, group, layer)
	evt := b.logger.Info()
	if !valid {
		evt = b.logger.Warn()
	}
	evt.Int("layer", layer).
		Int("children", len(group)).
		Int("parents", len(parents)).
		Int("tries", tries).
		Bool("valid", valid).
		Msg("Layer accepted")
	return parents
}

// chunk shuffles rows and returns the normalized mean of every full LeafSize-chunk.
// A trailing partial chunk is ignored; its members are picked up by assignment.
func (b *builder[T]) chunk(members vecmath.Matrix, rows []int) [][]float32 {
	shuffled := append([]int(nil), rows...)
	b.rng.Shuffle(len(shuffled), func(i, j int) {
		shuffled[i], shuffled[j] = shuffled[j], shuffled[i]
	})

	size := b.cfg.LeafSize
	out := make([][]float32, 0, len(shuffled)/size)
	buf := make([][]float32, size)
	for start := 0; start+size <= len(shuffled); start += size {
		for i, r := range shuffled[start : start+size] {
			buf[i] = members.Row(r)
		}
		out = append(out, vecmath.MeanNormalized(buf, members.Cols))
	}
	return out
}

// assign maps every member row to its most similar candidate.
func (b *builder[T]) assign(members vecmath.Matrix, candidates [][]float32) candidateSet {
	set := candidateSet{
		vectors: candidates,
		groups:  make([][]int, len(candidates)),
	}
	for row, c := range vecmath.AssignArgMax(members, vecmath.Stack(candidates, members.Cols)) {
		set.groups[c] = append(set.groups[c], row)
	}
	return set
}

// dropUnderFull returns the candidates holding more than minChildren members.
// If none does, the largest candidate is kept so the layer never ends up empty.
func (b *builder[T]) dropUnderFull(set candidateSet) [][]float32 {
	kept := make([][]float32, 0, len(set.vectors))
	for c, g := range set.groups {
		if len(g) > b.cfg.minChildren() {
			kept = append(kept, set.vectors[c])
		}
	}
	if len(kept) == 0 {
		kept = append(kept, set.vectors[largest(set.groups)])
	}
	return kept
}

// emit materializes the non-empty groups of set as parent nodes at layer. Each
// parent's vector is the normalized mean of its children, frozen from here on.
func (b *builder[T]) emit(set candidateSet, group []int, layer int) []int {
	ix := b.ix
	parents := make([]int, 0, len(set.groups))
	buf := make([][]float32, 0, b.cfg.maxChildren())
	for _, g := range set.groups {
		if len(g) == 0 {
			continue
		}
		children := make([]int, len(g))
		buf = buf[:0]
		for i, row := range g {
			children[i] = group[row]
			buf = append(buf, ix.vectors[group[row]])
		}
		vec := vecmath.MeanNormalized(buf, ix.dim)
		id := ix.allocate(vec, func(id int) *Node { return newInternal(id, layer, children) })
		for _, child := range children {
			ix.nodes[child].Parent = id
		}
		parents = append(parents, id)
	}
	return parents
}

// largest returns the index of the biggest group, the first one on ties.
func largest(groups [][]int) int {
	best := 0
	for i, g := range groups {
		if len(g) > len(groups[best]) {
			best = i
		}
	}
	return best
}
