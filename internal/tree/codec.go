package tree

import (
	"fmt"

	"github.com/23skdu/canopy/internal/core"
	"github.com/23skdu/canopy/internal/metrics"
	"github.com/23skdu/canopy/internal/pool"
	"github.com/23skdu/canopy/internal/vecmath"
	json "github.com/goccy/go-json"
)

// ExportRows flattens the tree into one row per node, breadth-first from the top
// layer. Leaf rows carry their content as JSON.
func (ix *Index[T]) ExportRows() ([]core.Row, error) {
	ix.mu.RLock()
	defer ix.mu.RUnlock()

	rows := make([]core.Row, 0, len(ix.nodes))
	var err error
	ix.walk(func(n *Node) {
		if err != nil {
			return
		}
		row := core.Row{
			VectorIndex: int32(n.VectorIndex),
			DataIndex:   int32(n.DataIndex),
			ParentIndex: int32(n.Parent),
			Layer:       int32(n.Layer),
			Vector:      append([]float32(nil), ix.vectors[n.VectorIndex]...),
		}
		if n.IsLeaf() {
			var data []byte
			data, err = json.Marshal(ix.contents[n.DataIndex])
			if err != nil {
				err = fmt.Errorf("encode content %d: %w", n.DataIndex, err)
				return
			}
			row.Data = string(data)
		}
		rows = append(rows, row)
	})
	if err != nil {
		return nil, err
	}
	metrics.RowsExportedTotal.Add(float64(len(rows)))
	return rows, nil
}

// ImportRows replaces the index with the tree described by rows. Rows may come in
// any order. The top layer is the set of rows at the highest layer; every other
// row must name a parent one layer up. Any inconsistency fails the whole import
// with core.ErrDataCorruption and leaves the index unchanged.
func (ix *Index[T]) ImportRows(rows []core.Row) error {
	next, err := decodeRows[T](rows)
	if err != nil {
		metrics.ImportFailuresTotal.Inc()
		return err
	}

	ix.mu.Lock()
	defer ix.mu.Unlock()
	ix.dim = next.dim
	ix.vectors = next.vectors
	ix.nodes = next.nodes
	ix.contents = next.contents
	ix.leaves = next.leaves
	ix.top = next.top
	ix.publishShape()

	metrics.RowsImportedTotal.Add(float64(len(rows)))
	ix.logger.Info().
		Int("rows", len(rows)).
		Int("leaves", len(next.leaves)).
		Int("depth", ix.depthLocked()).
		Msg("Tree imported")
	return nil
}

// arena is the decoded state swapped into an Index on import.
type arena[T any] struct {
	dim      int
	vectors  [][]float32
	nodes    []*Node
	contents []T
	leaves   []int
	top      []int
}

func decodeRows[T any](rows []core.Row) (*arena[T], error) {
	a := &arena[T]{}
	if len(rows) == 0 {
		return a, nil
	}

	// First pass: per-row checks, id uniqueness, shape of the arena.
	seenVectors, seenData := pool.GetBitmap(), pool.GetBitmap()
	defer pool.PutBitmap(seenVectors)
	defer pool.PutBitmap(seenData)
	maxID, maxLayer, leafCount := 0, 0, 0
	a.dim = len(rows[0].Vector)
	if a.dim == 0 {
		return nil, core.NewDataCorruptionError(0, "missing vector columns")
	}
	for i, r := range rows {
		if len(r.Vector) != a.dim {
			return nil, core.NewDataCorruptionError(i, "vector dimension %d, expected %d", len(r.Vector), a.dim)
		}
		if !vecmath.IsUnit(r.Vector) {
			return nil, core.NewDataCorruptionError(i, "vector is not unit length")
		}
		if r.VectorIndex < 0 {
			return nil, core.NewDataCorruptionError(i, "negative vectorIndex %d", r.VectorIndex)
		}
		if !seenVectors.CheckedAdd(uint32(r.VectorIndex)) {
			return nil, core.NewDataCorruptionError(i, "duplicate vectorIndex %d", r.VectorIndex)
		}
		if r.Layer < 0 {
			return nil, core.NewDataCorruptionError(i, "negative layer %d", r.Layer)
		}
		switch {
		case r.IsLeaf():
			if r.DataIndex < 0 {
				return nil, core.NewDataCorruptionError(i, "leaf without dataIndex")
			}
			if !seenData.CheckedAdd(uint32(r.DataIndex)) {
				return nil, core.NewDataCorruptionError(i, "duplicate dataIndex %d", r.DataIndex)
			}
			leafCount++
		case r.DataIndex != core.NoIndex:
			return nil, core.NewDataCorruptionError(i, "dataIndex %d on layer %d", r.DataIndex, r.Layer)
		}
		maxID = max(maxID, int(r.VectorIndex))
		maxLayer = max(maxLayer, int(r.Layer))
	}
	if leafCount == 0 {
		return nil, core.NewDataCorruptionError(-1, "no leaf rows")
	}
	if int(seenData.Maximum()) != leafCount-1 {
		return nil, core.NewDataCorruptionError(-1, "dataIndex values are not dense in [0, %d)", leafCount)
	}

	// Second pass: materialize nodes, vectors and contents.
	a.vectors = make([][]float32, maxID+1)
	a.nodes = make([]*Node, maxID+1)
	a.contents = make([]T, leafCount)
	a.leaves = make([]int, leafCount)
	for i, r := range rows {
		id := int(r.VectorIndex)
		a.vectors[id] = append([]float32(nil), r.Vector...)
		if !r.IsLeaf() {
			a.nodes[id] = newInternal(id, int(r.Layer), nil)
			continue
		}
		if err := json.Unmarshal([]byte(r.Data), &a.contents[r.DataIndex]); err != nil {
			return nil, core.NewDataCorruptionError(i, "decode content: %v", err)
		}
		a.nodes[id] = newLeaf(id, int(r.DataIndex))
		a.leaves[r.DataIndex] = id
	}

	// Third pass: link parents and children.
	for i, r := range rows {
		id := int(r.VectorIndex)
		if int(r.Layer) == maxLayer {
			if r.ParentIndex != core.NoIndex {
				return nil, core.NewDataCorruptionError(i, "top-layer row has parentIndex %d", r.ParentIndex)
			}
			a.top = append(a.top, id)
			continue
		}
		p := int(r.ParentIndex)
		if p < 0 || p >= len(a.nodes) || a.nodes[p] == nil {
			return nil, core.NewDataCorruptionError(i, "parentIndex %d does not exist", r.ParentIndex)
		}
		parent := a.nodes[p]
		if parent.Layer != int(r.Layer)+1 {
			return nil, core.NewDataCorruptionError(i, "parentIndex %d is on layer %d, expected %d", p, parent.Layer, r.Layer+1)
		}
		parent.Children = append(parent.Children, id)
		a.nodes[id].Parent = p
	}
	for i, r := range rows {
		if !r.IsLeaf() && len(a.nodes[r.VectorIndex].Children) == 0 {
			return nil, core.NewDataCorruptionError(i, "internal node %d has no children", r.VectorIndex)
		}
	}
	return a, nil
}
