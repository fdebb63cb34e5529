package embed

import (
	"context"
	"errors"
	"time"

	"github.com/23skdu/canopy/internal/breaker"
	"github.com/23skdu/canopy/internal/core"
	"github.com/23skdu/canopy/internal/limiter"
	"github.com/23skdu/canopy/internal/metrics"
	"github.com/rs/zerolog"
)

// Guarded throttles calls to an upstream Embedder and stops calling it while it
// keeps failing. Every failure, including throttling and an open breaker, is
// returned as core.ErrDataUnavailable. Nothing is retried.
type Guarded struct {
	next    Embedder
	limiter *limiter.RateLimiter
	breaker *breaker.Breaker
	logger  zerolog.Logger
}

// NewGuarded wraps next.
func NewGuarded(next Embedder, rl *limiter.RateLimiter, br *breaker.Breaker, logger zerolog.Logger) *Guarded {
	return &Guarded{
		next:    next,
		limiter: rl,
		breaker: br,
		logger:  logger.With().Str("component", "embedder").Logger(),
	}
}

func (g *Guarded) Dimension() int {
	return g.next.Dimension()
}

func (g *Guarded) Embed(ctx context.Context, text string) ([]float32, error) {
	if err := g.limiter.Wait(ctx); err != nil {
		metrics.EmbedderRequestsTotal.WithLabelValues("throttled").Inc()
		return nil, core.NewDataUnavailableError("embed", err)
	}

	start := time.Now()
	var vec []float32
	err := g.breaker.Do(func() error {
		var err error
		vec, err = g.next.Embed(ctx, text)
		return err
	})
	metrics.EmbedderDurationSeconds.Observe(time.Since(start).Seconds())

	switch {
	case err == nil:
		metrics.EmbedderRequestsTotal.WithLabelValues("ok").Inc()
		return vec, nil
	case errors.Is(err, breaker.ErrOpen):
		metrics.EmbedderRequestsTotal.WithLabelValues("rejected").Inc()
	default:
		metrics.EmbedderRequestsTotal.WithLabelValues("error").Inc()
		g.logger.Warn().Err(err).Msg("Embedding request failed")
	}
	return nil, core.NewDataUnavailableError("embed", err)
}
