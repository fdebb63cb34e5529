package tree

import "github.com/23skdu/canopy/internal/core"

// Node is one entry of the index arena, addressed by VectorIndex.
// Leaves (Layer 0) carry a DataIndex into the content array and have no children.
// Internal nodes own their Children exclusively; their vector is frozen once the
// layer is accepted.
type Node struct {
	Layer       int
	VectorIndex int
	DataIndex   int   // core.NoIndex for internal nodes
	Parent      int   // core.NoIndex for top-layer nodes
	Children    []int // vector indices of the layer below
}

// IsLeaf reports whether n is a layer-0 node.
func (n *Node) IsLeaf() bool {
	return n.Layer == 0
}

func (n *Node) clone() Node {
	c := *n
	c.Children = append([]int(nil), n.Children...)
	return c
}

func newLeaf(id, dataIndex int) *Node {
	return &Node{
		Layer:       0,
		VectorIndex: id,
		DataIndex:   dataIndex,
		Parent:      core.NoIndex,
	}
}

func newInternal(id, layer int, children []int) *Node {
	return &Node{
		Layer:       layer,
		VectorIndex: id,
		DataIndex:   core.NoIndex,
		Parent:      core.NoIndex,
		Children:    children,
	}
}
