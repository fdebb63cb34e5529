package tree

import (
	"context"

	"github.com/23skdu/canopy/internal/core"
	"github.com/23skdu/canopy/internal/embed"
	"github.com/23skdu/canopy/internal/metrics"
	"github.com/23skdu/canopy/internal/vecmath"
)

// Item pairs a content payload with its embedding for batch inserts.
type Item[T any] struct {
	Content T
	Vector  []float32
}

// Insert normalizes vector, stores it with content as a new leaf and places the
// leaf by greedy descent through the current tree: at every internal layer the
// child with the highest cosine similarity is followed, and the leaf is appended
// to the leaf group reached at the bottom.
//
// Insert never rebalances. After many inserts without a following Optimize the
// touched leaf groups grow without bound, and before the first Optimize every
// leaf lands in one flat top layer, so search quality degrades toward a scan of
// a single unbalanced group until the tree is rebuilt.
func (ix *Index[T]) Insert(content T, vector []float32) error {
	ix.mu.Lock()
	defer ix.mu.Unlock()

	vec, err := ix.prepare(vector)
	if err != nil {
		metrics.InsertsTotal.WithLabelValues("invalid").Inc()
		return err
	}
	ix.insertLocked(content, vec)
	metrics.InsertsTotal.WithLabelValues("ok").Inc()
	ix.publishShape()
	return nil
}

// InsertBatch validates every vector before inserting any of them, so a bad
// vector leaves the index untouched.
func (ix *Index[T]) InsertBatch(items []Item[T]) error {
	ix.mu.Lock()
	defer ix.mu.Unlock()

	prepared := make([][]float32, len(items))
	dim := ix.dim
	for i, it := range items {
		if dim > 0 && len(it.Vector) != dim {
			metrics.InsertsTotal.WithLabelValues("invalid").Inc()
			return core.NewDimensionMismatchError(dim, len(it.Vector))
		}
		vec, err := ix.prepare(it.Vector)
		if err != nil {
			metrics.InsertsTotal.WithLabelValues("invalid").Inc()
			return err
		}
		dim = len(vec)
		prepared[i] = vec
	}
	for i, it := range items {
		ix.insertLocked(it.Content, prepared[i])
	}
	metrics.InsertsTotal.WithLabelValues("ok").Add(float64(len(items)))
	ix.publishShape()
	return nil
}

// InsertText embeds text with e and inserts the result. Embedder failures are
// reported as core.ErrDataUnavailable and are not retried.
func (ix *Index[T]) InsertText(ctx context.Context, e embed.Embedder, content T, text string) error {
	vec, err := embedText(ctx, e, text)
	if err != nil {
		return err
	}
	return ix.Insert(content, vec)
}

func (ix *Index[T]) insertLocked(content T, vec []float32) {
	if ix.dim == 0 {
		ix.dim = len(vec)
	}
	dataIndex := len(ix.contents)
	ix.contents = append(ix.contents, content)
	id := ix.allocate(vec, func(id int) *Node { return newLeaf(id, dataIndex) })
	ix.leaves = append(ix.leaves, id)

	parent := ix.descend(vec)
	if parent == core.NoIndex {
		ix.top = append(ix.top, id)
		return
	}
	p := ix.nodes[parent]
	p.Children = append(p.Children, id)
	ix.nodes[id].Parent = parent
}

// descend returns the layer-1 node a new leaf should join, or core.NoIndex when
// the top layer is itself a leaf layer.
func (ix *Index[T]) descend(vec []float32) int {
	parent := core.NoIndex
	group := ix.top
	for len(group) > 0 && ix.nodes[group[0]].Layer > 0 {
		parent = ix.bestOf(group, vec)
		group = ix.nodes[parent].Children
	}
	return parent
}

// bestOf returns the member of group whose vector is most similar to vec.
func (ix *Index[T]) bestOf(group []int, vec []float32) int {
	scores := vecmath.Scores(ix.stack(group), vec)
	best := 0
	for i := 1; i < len(scores); i++ {
		if scores[i] > scores[best] {
			best = i
		}
	}
	return group[best]
}

// stack copies the vectors of ids into the rows of a matrix.
func (ix *Index[T]) stack(ids []int) vecmath.Matrix {
	m := vecmath.NewMatrix(len(ids), ix.dim)
	for i, id := range ids {
		copy(m.Row(i), ix.vectors[id])
	}
	return m
}

func embedText(ctx context.Context, e embed.Embedder, text string) ([]float32, error) {
	vec, err := e.Embed(ctx, text)
	if err != nil {
		if core.IsDataUnavailable(err) {
			return nil, err
		}
		return nil, core.NewDataUnavailableError("embed", err)
	}
	return vec, nil
}
