package client

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"net"
	"testing"
	"time"

	"github.com/23skdu/canopy/internal/core"
	"github.com/23skdu/canopy/internal/embed"
	"github.com/23skdu/canopy/internal/flightsvc"
	"github.com/23skdu/canopy/internal/limiter"
	"github.com/23skdu/canopy/internal/tree"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/grpc/test/bufconn"
)

type verse struct {
	Book  string `json:"book"`
	Verse int    `json:"verse"`
}

func newIndex(t *testing.T, n int) (*tree.Index[verse], [][]float32) {
	t.Helper()
	rng := rand.New(rand.NewSource(int64(n)))
	ix := tree.New[verse](&tree.Config{LeafSize: 5, TopLayerSize: 25, Seed: 4})
	vectors := make([][]float32, n)
	for i := range vectors {
		v := make([]float32, 6)
		for j := range v {
			v[j] = float32(rng.NormFloat64())
		}
		vectors[i] = v
		require.NoError(t, ix.Insert(verse{Book: "Psalms", Verse: i}, v))
	}
	return ix, vectors
}

func startClient(t *testing.T, svc *flightsvc.Server[verse], lim *limiter.RateLimiter) *Client {
	t.Helper()
	lis := bufconn.Listen(1 << 20)
	s := flightsvc.NewGRPCServer(svc, lim)
	go func() { _ = s.Serve(lis) }()
	t.Cleanup(s.Stop)

	c, err := New("passthrough:///bufnet", grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) {
		return lis.DialContext(ctx)
	}))
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })
	return c
}

func TestClient_OptimizeSearchStats(t *testing.T) {
	ix, vectors := newIndex(t, 400)
	c := startClient(t, flightsvc.NewServer(ix), nil)
	ctx := context.Background()

	stats, err := c.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, stats.Depth)

	stats, err = c.Optimize(ctx)
	require.NoError(t, err)
	assert.GreaterOrEqual(t, stats.Depth, 1)
	assert.Equal(t, 400, stats.Leaves)

	hits, err := c.Search(ctx, vectors[12], 4)
	require.NoError(t, err)
	require.NotEmpty(t, hits)
	assert.LessOrEqual(t, len(hits), 4)

	want, err := ix.Search(vectors[12], 4)
	require.NoError(t, err)
	for i, h := range hits {
		var v verse
		require.NoError(t, h.Decode(&v))
		assert.Equal(t, want[i].Content, v)
		assert.Equal(t, want[i].DataIndex, h.DataIndex)
		assert.Equal(t, want[i].Similarity, h.Similarity)
	}
}

func TestClient_ExportImport(t *testing.T) {
	src, vectors := newIndex(t, 300)
	require.NoError(t, src.Optimize(nil))
	a := startClient(t, flightsvc.NewServer(src), nil)
	b := startClient(t, flightsvc.NewServer(tree.New[verse](nil)), nil)
	b.batchRows = 64
	ctx := context.Background()

	rows, err := a.Export(ctx)
	require.NoError(t, err)
	require.NotEmpty(t, rows)

	ack, err := b.Import(ctx, rows)
	require.NoError(t, err)
	assert.Equal(t, len(rows), ack.Rows)
	assert.Equal(t, 300, ack.Leaves)

	for _, q := range vectors[:10] {
		want, err := a.Search(ctx, q, 5)
		require.NoError(t, err)
		got, err := b.Search(ctx, q, 5)
		require.NoError(t, err)
		assert.ElementsMatch(t, want, got)
	}

	_, err = b.Import(ctx, nil)
	assert.True(t, core.IsInvalidArgument(err), "got %v", err)
	stats, err := b.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, 300, stats.Leaves)

	ack, err = b.Reset(ctx)
	require.NoError(t, err)
	assert.Equal(t, flightsvc.PutResult{}, ack)
	stats, err = b.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, stats.Leaves)
}

func TestClient_ErrorMapping(t *testing.T) {
	ix, _ := newIndex(t, 20)
	c := startClient(t, flightsvc.NewServer(ix), nil)
	ctx := context.Background()

	_, err := c.Search(ctx, []float32{1, 2}, 3)
	require.Error(t, err)
	assert.True(t, core.IsInvalidArgument(err), "got %v", err)
	assert.Equal(t, codes.InvalidArgument, status.Code(err))
	assert.False(t, IsRetryable(err))

	_, err = c.Import(ctx, []core.Row{{VectorIndex: 0, DataIndex: 3, ParentIndex: -1, Data: `{}`, Vector: []float32{1, 0}}})
	require.Error(t, err)
	assert.True(t, core.IsDataCorruption(err), "got %v", err)
	assert.Equal(t, codes.DataLoss, status.Code(err))
}

func TestClient_SearchTextUnavailable(t *testing.T) {
	ix, _ := newIndex(t, 20)
	e := embed.Func{Dim: 6, Fn: func(context.Context, string) ([]float32, error) {
		return nil, errors.New("connection refused")
	}}
	c := startClient(t, flightsvc.NewServer(ix, flightsvc.WithEmbedder(e)), nil)

	_, err := c.SearchText(context.Background(), "blessed", 3)
	require.Error(t, err)
	assert.True(t, core.IsDataUnavailable(err), "got %v", err)
	assert.True(t, IsRetryable(err))
}

func TestClient_Throttled(t *testing.T) {
	ix, vectors := newIndex(t, 20)
	lim := limiter.NewRateLimiter("flight", limiter.Config{RPS: 1, Burst: 1})
	c := startClient(t, flightsvc.NewServer(ix), lim)

	_, err := c.Search(context.Background(), vectors[0], 1)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	_, err = c.Search(ctx, vectors[0], 1)
	require.Error(t, err)
	assert.ErrorIs(t, err, limiter.ErrThrottled)
	assert.True(t, IsRetryable(err))
}

func TestFromStatus(t *testing.T) {
	assert.NoError(t, fromStatus(nil))

	plain := errors.New("not a status")
	assert.Same(t, plain, fromStatus(plain))

	err := fromStatus(fmt.Errorf("reading stream: %w", status.Error(codes.Unavailable, "embed down")))
	assert.True(t, core.IsDataUnavailable(err))
	assert.Equal(t, codes.Unavailable, status.Code(err))

	err = fromStatus(status.Error(codes.NotFound, "artifact not found: x"))
	assert.Equal(t, codes.NotFound, status.Code(err))
	assert.Contains(t, err.Error(), "artifact not found")
}
