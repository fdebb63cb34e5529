package embed

import (
	"context"

	"github.com/23skdu/canopy/internal/cache"
)

// Cached memoizes embeddings by (model, text). Failures are not cached.
type Cached struct {
	next  Embedder
	model string
	cache *cache.Cache[[]float32]
}

// NewCached wraps next. model scopes the keys so two providers can share a cache.
func NewCached(next Embedder, model string, c *cache.Cache[[]float32]) *Cached {
	return &Cached{next: next, model: model, cache: c}
}

func (c *Cached) Dimension() int {
	return c.next.Dimension()
}

// Embed returns a copy of the cached vector so callers may mutate it.
func (c *Cached) Embed(ctx context.Context, text string) ([]float32, error) {
	key := cache.HashKey(c.model, text)
	if v, ok := c.cache.Get(key); ok {
		return append([]float32(nil), v...), nil
	}
	v, err := c.next.Embed(ctx, text)
	if err != nil {
		return nil, err
	}
	c.cache.Put(key, append([]float32(nil), v...))
	return v, nil
}
