package tree

import (
	"errors"
	"math/rand"
	"sync"
	"time"

	"github.com/23skdu/canopy/internal/core"
	"github.com/23skdu/canopy/internal/metrics"
	"github.com/23skdu/canopy/internal/vecmath"
	"github.com/rs/zerolog"
)

// Index is a hierarchical clustering index over unit vectors with content of type T.
//
// The arena holds one vector and one Node per vectorIndex. Indices are allocated
// monotonically and never reused; internal nodes discarded by Optimize leave a nil
// slot behind. Insert, Optimize and ImportRows take the write lock; Search,
// ExportRows and the accessors take the read lock, so queries may run in parallel.
type Index[T any] struct {
	mu     sync.RWMutex
	cfg    *Config
	logger zerolog.Logger
	rng    *rand.Rand

	dim      int
	vectors  [][]float32 // by vectorIndex
	nodes    []*Node     // by vectorIndex
	contents []T         // by dataIndex
	leaves   []int       // leaves[dataIndex] = vectorIndex
	top      []int       // vector indices of the top layer
}

// Option configures an Index.
type Option func(*options)

type options struct {
	logger zerolog.Logger
	rng    *rand.Rand
}

// WithLogger sets the logger used for build and import events.
func WithLogger(logger zerolog.Logger) Option {
	return func(o *options) { o.logger = logger }
}

// WithRand injects the random source used to shuffle groups during construction.
// It overrides Config.Seed.
func WithRand(rng *rand.Rand) Option {
	return func(o *options) { o.rng = rng }
}

// New creates an empty index. Uses default config if cfg is nil.
func New[T any](cfg *Config, opts ...Option) *Index[T] {
	cfg = cfg.OrDefault()
	o := options{logger: zerolog.Nop()}
	for _, opt := range opts {
		opt(&o)
	}
	if o.rng == nil {
		seed := cfg.Seed
		if seed == 0 {
			seed = time.Now().UnixNano()
		}
		o.rng = rand.New(rand.NewSource(seed))
	}
	return &Index[T]{
		cfg:    cfg,
		logger: o.logger.With().Str("component", "tree").Logger(),
		rng:    o.rng,
	}
}

// Config returns the index configuration.
func (ix *Index[T]) Config() *Config {
	return ix.cfg
}

// Len returns the number of leaves (content items).
func (ix *Index[T]) Len() int {
	ix.mu.RLock()
	defer ix.mu.RUnlock()
	return len(ix.leaves)
}

// Dim returns the vector dimension, or 0 before the first insert.
func (ix *Index[T]) Dim() int {
	ix.mu.RLock()
	defer ix.mu.RUnlock()
	return ix.dim
}

// Depth returns the layer number of the top layer (0 when only leaves exist).
func (ix *Index[T]) Depth() int {
	ix.mu.RLock()
	defer ix.mu.RUnlock()
	return ix.depthLocked()
}

// TopLayer returns a copy of the top-layer nodes.
func (ix *Index[T]) TopLayer() []Node {
	ix.mu.RLock()
	defer ix.mu.RUnlock()
	out := make([]Node, len(ix.top))
	for i, id := range ix.top {
		out[i] = ix.nodes[id].clone()
	}
	return out
}

// Node returns a copy of the node at vectorIndex.
func (ix *Index[T]) Node(vectorIndex int) (Node, bool) {
	ix.mu.RLock()
	defer ix.mu.RUnlock()
	if vectorIndex < 0 || vectorIndex >= len(ix.nodes) || ix.nodes[vectorIndex] == nil {
		return Node{}, false
	}
	return ix.nodes[vectorIndex].clone(), true
}

// Vector returns a copy of the normalized vector at vectorIndex.
func (ix *Index[T]) Vector(vectorIndex int) ([]float32, bool) {
	ix.mu.RLock()
	defer ix.mu.RUnlock()
	if vectorIndex < 0 || vectorIndex >= len(ix.vectors) || ix.vectors[vectorIndex] == nil {
		return nil, false
	}
	return append([]float32(nil), ix.vectors[vectorIndex]...), true
}

// Content returns the content stored at dataIndex.
func (ix *Index[T]) Content(dataIndex int) (T, bool) {
	ix.mu.RLock()
	defer ix.mu.RUnlock()
	var zero T
	if dataIndex < 0 || dataIndex >= len(ix.contents) {
		return zero, false
	}
	return ix.contents[dataIndex], true
}

// Stats summarizes the shape of the tree.
type Stats struct {
	Leaves       int   `json:"leaves"`
	Nodes        int   `json:"nodes"`
	Dim          int   `json:"dim"`
	Depth        int   `json:"depth"`
	TopLayerSize int   `json:"top_layer_size"`
	LayerSizes   []int `json:"layer_sizes"` // LayerSizes[l] = node count at layer l
}

// Stats walks the live tree and reports per-layer sizes.
func (ix *Index[T]) Stats() Stats {
	ix.mu.RLock()
	defer ix.mu.RUnlock()
	s := Stats{
		Leaves:       len(ix.leaves),
		Dim:          ix.dim,
		Depth:        ix.depthLocked(),
		TopLayerSize: len(ix.top),
	}
	if len(ix.top) == 0 {
		return s
	}
	s.LayerSizes = make([]int, s.Depth+1)
	ix.walk(func(n *Node) {
		s.Nodes++
		s.LayerSizes[n.Layer]++
	})
	return s
}

// walk visits every node reachable from the top layer, breadth-first.
func (ix *Index[T]) walk(visit func(n *Node)) {
	queue := append([]int(nil), ix.top...)
	for head := 0; head < len(queue); head++ {
		n := ix.nodes[queue[head]]
		visit(n)
		queue = append(queue, n.Children...)
	}
}

func (ix *Index[T]) depthLocked() int {
	if len(ix.top) == 0 {
		return 0
	}
	return ix.nodes[ix.top[0]].Layer
}

// allocate appends a vector to the arena and returns its new vectorIndex.
func (ix *Index[T]) allocate(vec []float32, n func(id int) *Node) int {
	id := len(ix.nodes)
	ix.vectors = append(ix.vectors, vec)
	ix.nodes = append(ix.nodes, n(id))
	return id
}

// prepare validates vector against the index dimension and returns a normalized copy.
// Callers must hold at least the read lock.
func (ix *Index[T]) prepare(vector []float32) ([]float32, error) {
	if ix.dim > 0 && len(vector) != ix.dim {
		return nil, core.NewDimensionMismatchError(ix.dim, len(vector))
	}
	vec, err := vecmath.Normalize(vector)
	if err != nil {
		switch {
		case errors.Is(err, vecmath.ErrEmpty):
			return nil, core.NewInvalidVectorError("empty vector")
		case errors.Is(err, vecmath.ErrNonFinite):
			return nil, core.NewInvalidVectorError("non-finite component")
		default:
			return nil, core.NewInvalidVectorError("zero norm")
		}
	}
	return vec, nil
}

func (ix *Index[T]) publishShape() {
	metrics.TreeLeaves.Set(float64(len(ix.leaves)))
	metrics.TreeDepth.Set(float64(ix.depthLocked()))
	metrics.TopLayerSize.Set(float64(len(ix.top)))
}
