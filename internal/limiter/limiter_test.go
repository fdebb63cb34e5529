package limiter

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

func TestNewRateLimiter(t *testing.T) {
	// Disabled
	l := NewRateLimiter("test", Config{RPS: 0})
	assert.False(t, l.Enabled())

	// Enabled
	l = NewRateLimiter("test", Config{RPS: 10, Burst: 20})
	assert.True(t, l.Enabled())
	require.NotNil(t, l.limiter)
	assert.Equal(t, float64(10), float64(l.limiter.Limit()))
	assert.Equal(t, 20, l.limiter.Burst())

	// Burst defaults to RPS
	l = NewRateLimiter("test", Config{RPS: 7})
	assert.Equal(t, 7, l.limiter.Burst())
}

func TestRateLimiter_Wait(t *testing.T) {
	l := NewRateLimiter("test", Config{RPS: 1, Burst: 1})

	require.NoError(t, l.Wait(context.Background()))

	// The next token is a second away; a 10ms deadline cannot be met.
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, l.Wait(ctx), ErrThrottled)
}

func TestRateLimiter_WaitCanceled(t *testing.T) {
	l := NewRateLimiter("test", Config{RPS: 1, Burst: 1})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.ErrorIs(t, l.Wait(ctx), context.Canceled)
}

func TestRateLimiter_UnaryInterceptor(t *testing.T) {
	l := NewRateLimiter("test", Config{RPS: 1, Burst: 1})
	interceptor := l.UnaryInterceptor()

	handler := func(ctx context.Context, req any) (any, error) {
		return "ok", nil
	}

	// 1st request should pass
	resp, err := interceptor(context.Background(), nil, &grpc.UnaryServerInfo{}, handler)
	require.NoError(t, err)
	assert.Equal(t, "ok", resp)

	// 2nd request immediately after cannot get a token before its deadline
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()

	_, err = interceptor(ctx, nil, &grpc.UnaryServerInfo{}, handler)
	require.Error(t, err)
	st, ok := status.FromError(err)
	require.True(t, ok)
	assert.Equal(t, codes.ResourceExhausted, st.Code())
}

func TestRateLimiter_Disabled(t *testing.T) {
	l := NewRateLimiter("test", Config{RPS: 0})
	interceptor := l.UnaryInterceptor()

	handler := func(ctx context.Context, req any) (any, error) {
		return "ok", nil
	}

	for i := 0; i < 100; i++ {
		_, err := interceptor(context.Background(), nil, &grpc.UnaryServerInfo{}, handler)
		assert.NoError(t, err)
	}
}
