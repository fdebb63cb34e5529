package core

import "fmt"

// NoIndex marks an absent dataIndex (internal nodes) or parentIndex (top-layer nodes).
const NoIndex = -1

// Row is the flattened, parent-pointer form of one tree node.
// Leaf rows carry the JSON-encoded content in Data; internal rows leave it empty.
type Row struct {
	VectorIndex int32
	DataIndex   int32
	ParentIndex int32
	Layer       int32
	Data        string
	Vector      []float32
}

// IsLeaf reports whether the row describes a layer-0 node.
func (r Row) IsLeaf() bool {
	return r.Layer == 0
}

// VectorColumn returns the column name of the i-th vector component.
func VectorColumn(i int) string {
	return fmt.Sprintf("v_%d", i)
}

// Column names of the persisted row format.
const (
	ColumnVectorIndex = "vectorIndex"
	ColumnDataIndex   = "dataIndex"
	ColumnParentIndex = "parentIndex"
	ColumnLayer       = "layer"
	ColumnData        = "data"
)
