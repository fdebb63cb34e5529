package limiter

import (
	"context"
	"errors"

	"github.com/23skdu/canopy/internal/metrics"
	"golang.org/x/time/rate"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// ErrThrottled is returned by Wait when the next token would arrive after the
// context deadline.
var ErrThrottled = errors.New("rate limit exceeded")

// Config holds rate limiter configuration
type Config struct {
	RPS   int `envconfig:"RPS" default:"0"`   // 0 means disabled
	Burst int `envconfig:"BURST" default:"0"` // 0 means use RPS
}

// RateLimiter wraps a token bucket. A disabled limiter admits everything.
type RateLimiter struct {
	scope   string
	limiter *rate.Limiter
	enabled bool
}

// NewRateLimiter creates a limiter whose decisions are counted under scope.
func NewRateLimiter(scope string, cfg Config) *RateLimiter {
	if cfg.RPS <= 0 {
		return &RateLimiter{scope: scope, enabled: false}
	}
	burst := cfg.Burst
	if burst <= 0 {
		burst = cfg.RPS
	}
	return &RateLimiter{
		scope:   scope,
		limiter: rate.NewLimiter(rate.Limit(cfg.RPS), burst),
		enabled: true,
	}
}

// Enabled reports whether the limiter throttles at all.
func (l *RateLimiter) Enabled() bool {
	return l.enabled
}

// Wait blocks until a token is available. Context errors are returned as is;
// a wait that cannot finish before the deadline yields ErrThrottled.
func (l *RateLimiter) Wait(ctx context.Context) error {
	if !l.enabled {
		return nil
	}
	if err := l.limiter.Wait(ctx); err != nil {
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return err
		}
		metrics.RateLimitRequestsTotal.WithLabelValues(l.scope, "throttled").Inc()
		return ErrThrottled
	}
	metrics.RateLimitRequestsTotal.WithLabelValues(l.scope, "allowed").Inc()
	return nil
}

func (l *RateLimiter) waitStatus(ctx context.Context) error {
	err := l.Wait(ctx)
	switch {
	case err == nil:
		return nil
	case errors.Is(err, ErrThrottled):
		return status.Error(codes.ResourceExhausted, err.Error())
	default:
		return status.FromContextError(err).Err()
	}
}

// UnaryInterceptor returns a gRPC unary interceptor
func (l *RateLimiter) UnaryInterceptor() grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
		if err := l.waitStatus(ctx); err != nil {
			return nil, err
		}
		return handler(ctx, req)
	}
}

// StreamInterceptor returns a gRPC stream interceptor
func (l *RateLimiter) StreamInterceptor() grpc.StreamServerInterceptor {
	return func(srv any, ss grpc.ServerStream, info *grpc.StreamServerInfo, handler grpc.StreamHandler) error {
		if err := l.waitStatus(ss.Context()); err != nil {
			return err
		}
		return handler(srv, ss)
	}
}
