package health

import (
	"context"
	"time"

	"github.com/23skdu/canopy/internal/breaker"
	"github.com/23skdu/canopy/internal/storage"
	"github.com/23skdu/canopy/internal/tree"
)

// IndexChecker reports the served tree. An empty index is degraded.
type IndexChecker struct {
	stats func() tree.Stats
}

func NewIndexChecker(stats func() tree.Stats) *IndexChecker {
	return &IndexChecker{stats: stats}
}

func (c *IndexChecker) Name() string { return "index" }

func (c *IndexChecker) Check(context.Context) *Component {
	s := c.stats()
	comp := &Component{
		Status: StatusHealthy,
		Metadata: map[string]any{
			"leaves":         s.Leaves,
			"depth":          s.Depth,
			"top_layer_size": s.TopLayerSize,
			"dim":            s.Dim,
		},
	}
	if s.Leaves == 0 {
		comp.Status = StatusDegraded
		comp.Message = "index is empty"
	}
	return comp
}

// StorageChecker lists the artifact backend. A failing backend only blocks
// persistence, so it is degraded rather than unhealthy.
type StorageChecker struct {
	backend storage.Backend
	timeout time.Duration
}

func NewStorageChecker(b storage.Backend, timeout time.Duration) *StorageChecker {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &StorageChecker{backend: b, timeout: timeout}
}

func (c *StorageChecker) Name() string { return "storage" }

func (c *StorageChecker) Check(ctx context.Context) *Component {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	start := time.Now()
	names, err := c.backend.List(ctx)
	comp := &Component{
		Status: StatusHealthy,
		Metadata: map[string]any{
			"backend":    c.backend.Kind(),
			"latency_ms": time.Since(start).Milliseconds(),
		},
	}
	if err != nil {
		comp.Status = StatusDegraded
		comp.Message = err.Error()
		return comp
	}
	comp.Metadata["artifacts"] = len(names)
	return comp
}

// BreakerChecker reports the embedding provider's circuit breaker.
type BreakerChecker struct {
	breaker *breaker.Breaker
}

func NewBreakerChecker(br *breaker.Breaker) *BreakerChecker {
	return &BreakerChecker{breaker: br}
}

func (c *BreakerChecker) Name() string { return "embedder" }

func (c *BreakerChecker) Check(context.Context) *Component {
	st := c.breaker.State()
	comp := &Component{
		Status:   StatusHealthy,
		Metadata: map[string]any{"breaker": st.String()},
	}
	if st != breaker.StateClosed {
		comp.Status = StatusDegraded
		comp.Message = "embedding provider breaker is " + st.String()
	}
	return comp
}
