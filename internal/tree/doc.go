// Package tree implements a hierarchical vector-clustering index for approximate
// nearest-neighbor lookup.
//
// Vectors are inserted as leaves, then Optimize collapses them bottom-up into
// balanced layers of cluster nodes until the top layer is small enough. Search
// walks the layers top-down keeping a beam of the best-matching nodes. The whole
// tree flattens to parent-pointer rows for persistence and inflates back.
//
// Quick start:
//
//	idx := tree.New[string](tree.DefaultConfig())
//	_ = idx.Insert("hello", vec)
//	_ = idx.Optimize(nil)
//	results, _ := idx.Search(queryVec, 10)
package tree
