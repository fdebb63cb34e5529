package flightsvc

import (
	"context"
	"errors"
	"fmt"
	"io"
	"math/rand"
	"net"
	"testing"
	"time"

	"github.com/23skdu/canopy/internal/core"
	"github.com/23skdu/canopy/internal/embed"
	"github.com/23skdu/canopy/internal/limiter"
	"github.com/23skdu/canopy/internal/storage"
	"github.com/23skdu/canopy/internal/tree"
	"github.com/apache/arrow-go/v18/arrow/array"
	"github.com/apache/arrow-go/v18/arrow/flight"
	"github.com/apache/arrow-go/v18/arrow/ipc"
	"github.com/apache/arrow-go/v18/arrow/memory"
	"github.com/goccy/go-json"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/status"
	"google.golang.org/grpc/test/bufconn"
)

func randomVectors(rng *rand.Rand, n, dim int) [][]float32 {
	out := make([][]float32, n)
	for i := range out {
		v := make([]float32, dim)
		for j := range v {
			v[j] = float32(rng.NormFloat64())
		}
		out[i] = v
	}
	return out
}

func builtIndex(t *testing.T, n, dim int) (*tree.Index[string], [][]float32) {
	t.Helper()
	rng := rand.New(rand.NewSource(int64(n + dim)))
	vectors := randomVectors(rng, n, dim)
	ix := tree.New[string](&tree.Config{LeafSize: 5, TopLayerSize: 20, Seed: 1})
	for i, v := range vectors {
		require.NoError(t, ix.Insert(fmt.Sprintf("doc-%d", i), v))
	}
	require.NoError(t, ix.Optimize(nil))
	return ix, vectors
}

// startServer serves svc over an in-memory listener and returns a connected client.
func startServer(t *testing.T, svc flight.FlightServer, lim *limiter.RateLimiter) flight.Client {
	t.Helper()
	lis := bufconn.Listen(1 << 20)
	s := NewGRPCServer(svc, lim)
	go func() { _ = s.Serve(lis) }()
	t.Cleanup(s.Stop)

	client, err := flight.NewClientWithMiddleware("passthrough:///bufnet", nil, nil,
		grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) {
			return lis.DialContext(ctx)
		}),
		grpc.WithTransportCredentials(insecure.NewCredentials()),
	)
	require.NoError(t, err)
	t.Cleanup(func() { _ = client.Close() })
	return client
}

type hit struct {
	Similarity float32
	DataIndex  int
	Data       string
}

func doSearch(ctx context.Context, c flight.Client, tk Ticket) ([]hit, error) {
	raw, err := tk.Encode()
	if err != nil {
		return nil, err
	}
	stream, err := c.DoGet(ctx, &flight.Ticket{Ticket: raw})
	if err != nil {
		return nil, err
	}
	r, err := flight.NewRecordReader(stream)
	if err != nil {
		return nil, err
	}
	defer r.Release()

	var out []hit
	for r.Next() {
		rec := r.Record()
		sims := rec.Column(0).(*array.Float32)
		ids := rec.Column(1).(*array.Int32)
		data := rec.Column(2).(*array.String)
		for i := 0; i < int(rec.NumRows()); i++ {
			out = append(out, hit{sims.Value(i), int(ids.Value(i)), data.Value(i)})
		}
	}
	return out, r.Err()
}

func doExport(ctx context.Context, c flight.Client) ([]core.Row, int, error) {
	raw, _ := Ticket{Export: true}.Encode()
	stream, err := c.DoGet(ctx, &flight.Ticket{Ticket: raw})
	if err != nil {
		return nil, 0, err
	}
	r, err := flight.NewRecordReader(stream)
	if err != nil {
		return nil, 0, err
	}
	defer r.Release()

	var rows []core.Row
	batches := 0
	for r.Next() {
		batch, err := storage.RecordToRows(r.Record())
		if err != nil {
			return nil, 0, err
		}
		rows = append(rows, batch...)
		batches++
	}
	return rows, batches, r.Err()
}

func doPut(ctx context.Context, c flight.Client, rows []core.Row) (PutResult, error) {
	return doPutCommand(ctx, c, rows, nil)
}

func doPutCommand(ctx context.Context, c flight.Client, rows []core.Row, desc *flight.FlightDescriptor) (PutResult, error) {
	var ack PutResult
	stream, err := c.DoPut(ctx)
	if err != nil {
		return ack, err
	}
	rec, err := storage.RowsToRecord(memory.DefaultAllocator, rows)
	if err != nil {
		return ack, err
	}
	defer rec.Release()

	w := flight.NewRecordWriter(stream, ipc.WithSchema(rec.Schema()))
	if desc != nil {
		w.SetFlightDescriptor(desc)
	}
	if err := w.Write(rec); err != nil {
		return ack, err
	}
	if err := w.Close(); err != nil {
		return ack, err
	}
	if err := stream.CloseSend(); err != nil {
		return ack, err
	}
	res, err := stream.Recv()
	if err != nil {
		return ack, err
	}
	err = json.Unmarshal(res.GetAppMetadata(), &ack)
	return ack, err
}

func doAction(ctx context.Context, c flight.Client, typ string) ([]byte, error) {
	stream, err := c.DoAction(ctx, &flight.Action{Type: typ})
	if err != nil {
		return nil, err
	}
	var body []byte
	for {
		res, err := stream.Recv()
		if errors.Is(err, io.EOF) {
			return body, nil
		}
		if err != nil {
			return nil, err
		}
		body = res.GetBody()
	}
}

func TestDoGet_Search(t *testing.T) {
	ix, vectors := builtIndex(t, 400, 8)
	c := startServer(t, NewServer(ix), nil)

	got, err := doSearch(context.Background(), c, Ticket{Query: vectors[7], K: 6})
	require.NoError(t, err)

	want, err := ix.Search(vectors[7], 6)
	require.NoError(t, err)
	require.Len(t, got, len(want))
	for i, w := range want {
		assert.Equal(t, w.Similarity, got[i].Similarity)
		assert.Equal(t, w.DataIndex, got[i].DataIndex)
		assert.Equal(t, fmt.Sprintf("%q", w.Content), got[i].Data)
	}
}

func TestDoGet_EmptyIndex(t *testing.T) {
	c := startServer(t, NewServer(tree.New[string](nil)), nil)
	got, err := doSearch(context.Background(), c, Ticket{Query: []float32{1, 0}, K: 3})
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestDoGet_Errors(t *testing.T) {
	ix, _ := builtIndex(t, 50, 4)
	c := startServer(t, NewServer(ix), nil)
	ctx := context.Background()

	tests := []struct {
		name   string
		ticket []byte
		code   codes.Code
	}{
		{"not json", []byte("{"), codes.InvalidArgument},
		{"empty ticket", []byte("{}"), codes.InvalidArgument},
		{"query and export", []byte(`{"query":[1,0,0,0],"export":true}`), codes.InvalidArgument},
		{"wrong dimension", []byte(`{"query":[1,0],"k":3}`), codes.InvalidArgument},
		{"zero vector", []byte(`{"query":[0,0,0,0],"k":3}`), codes.InvalidArgument},
		{"text without embedder", []byte(`{"text":"hello","k":3}`), codes.FailedPrecondition},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			stream, err := c.DoGet(ctx, &flight.Ticket{Ticket: tt.ticket})
			if err == nil {
				_, err = stream.Recv()
			}
			require.Error(t, err)
			assert.Equal(t, tt.code, status.Code(err), "got %v", err)
		})
	}
}

func TestDoGet_Text(t *testing.T) {
	ix := tree.New[string](&tree.Config{LeafSize: 5, TopLayerSize: 20})
	vocab := map[string][]float32{"sun": {1, 0}, "moon": {0, 1}}
	for w, v := range vocab {
		require.NoError(t, ix.Insert(w, v))
	}
	e := embed.Func{Dim: 2, Fn: func(_ context.Context, text string) ([]float32, error) {
		if v, ok := vocab[text]; ok {
			return v, nil
		}
		return nil, errors.New("provider down")
	}}
	c := startServer(t, NewServer(ix, WithEmbedder(e)), nil)

	got, err := doSearch(context.Background(), c, Ticket{Text: "moon", K: 1})
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, `"moon"`, got[0].Data)

	_, err = doSearch(context.Background(), c, Ticket{Text: "comet", K: 1})
	assert.Equal(t, codes.Unavailable, status.Code(err), "got %v", err)
}

func TestExportImport_RoundTrip(t *testing.T) {
	ix, vectors := builtIndex(t, 600, 6)
	src := startServer(t, NewServer(ix, WithBatchRows(100)), nil)
	ctx := context.Background()

	rows, batches, err := doExport(ctx, src)
	require.NoError(t, err)
	assert.Equal(t, ix.Stats().Nodes, len(rows))
	assert.Greater(t, batches, 1)

	restored := tree.New[string](nil)
	dst := startServer(t, NewServer(restored), nil)
	ack, err := doPut(ctx, dst, rows)
	require.NoError(t, err)
	assert.Equal(t, PutResult{Rows: len(rows), Leaves: 600}, ack)

	for _, q := range vectors[:20] {
		want, err := doSearch(ctx, src, Ticket{Query: q, K: 5})
		require.NoError(t, err)
		got, err := doSearch(ctx, dst, Ticket{Query: q, K: 5})
		require.NoError(t, err)
		assert.ElementsMatch(t, want, got)
	}
}

func TestDoPut_CorruptRowsLeaveIndexUntouched(t *testing.T) {
	ix, _ := builtIndex(t, 100, 4)
	before := ix.Stats()
	c := startServer(t, NewServer(ix), nil)

	rows := []core.Row{
		{VectorIndex: 0, DataIndex: 0, ParentIndex: 7, Layer: 0, Data: `"x"`, Vector: []float32{1, 0, 0, 0}},
	}
	_, err := doPut(context.Background(), c, rows)
	require.Error(t, err)
	assert.Equal(t, codes.DataLoss, status.Code(err), "got %v", err)
	assert.Equal(t, before, ix.Stats())
}

func TestDoPut_EmptyUploadNeedsReset(t *testing.T) {
	ix, _ := builtIndex(t, 100, 4)
	before := ix.Stats()
	c := startServer(t, NewServer(ix), nil)
	ctx := context.Background()

	_, err := doPut(ctx, c, nil)
	assert.Equal(t, codes.InvalidArgument, status.Code(err), "got %v", err)
	assert.Equal(t, before, ix.Stats())

	bad := &flight.FlightDescriptor{Type: flight.DescriptorCMD, Cmd: []byte("{")}
	_, err = doPutCommand(ctx, c, nil, bad)
	assert.Equal(t, codes.InvalidArgument, status.Code(err), "got %v", err)
	assert.Equal(t, before, ix.Stats())

	reset, err := PutCommand{Reset: true}.Descriptor()
	require.NoError(t, err)
	ack, err := doPutCommand(ctx, c, nil, reset)
	require.NoError(t, err)
	assert.Equal(t, PutResult{}, ack)
	assert.Equal(t, 0, ix.Len())
}

func TestParsePutCommand(t *testing.T) {
	cmd, err := ParsePutCommand(nil)
	require.NoError(t, err)
	assert.False(t, cmd.Reset)

	cmd, err = ParsePutCommand(&flight.FlightDescriptor{Type: flight.DescriptorPATH, Path: []string{"tree"}})
	require.NoError(t, err)
	assert.False(t, cmd.Reset)

	desc, err := PutCommand{Reset: true}.Descriptor()
	require.NoError(t, err)
	assert.Equal(t, flight.DescriptorCMD, desc.Type)
	cmd, err = ParsePutCommand(desc)
	require.NoError(t, err)
	assert.True(t, cmd.Reset)
}

func TestDoAction(t *testing.T) {
	ix := tree.New[string](&tree.Config{LeafSize: 5, TopLayerSize: 20, Seed: 2})
	for i, v := range randomVectors(rand.New(rand.NewSource(1)), 300, 5) {
		require.NoError(t, ix.Insert(fmt.Sprintf("doc-%d", i), v))
	}
	c := startServer(t, NewServer(ix), nil)
	ctx := context.Background()

	body, err := doAction(ctx, c, ActionStats)
	require.NoError(t, err)
	var stats tree.Stats
	require.NoError(t, json.Unmarshal(body, &stats))
	assert.Equal(t, 0, stats.Depth)
	assert.Equal(t, 300, stats.Leaves)

	body, err = doAction(ctx, c, ActionOptimize)
	require.NoError(t, err)
	require.NoError(t, json.Unmarshal(body, &stats))
	assert.GreaterOrEqual(t, stats.Depth, 1)
	assert.LessOrEqual(t, stats.TopLayerSize, 20)
	assert.Equal(t, ix.Stats(), stats)

	_, err = doAction(ctx, c, "compact")
	assert.Equal(t, codes.Unimplemented, status.Code(err))

	actions, err := c.ListActions(ctx, &flight.Empty{})
	require.NoError(t, err)
	var types []string
	for {
		a, err := actions.Recv()
		if errors.Is(err, io.EOF) {
			break
		}
		require.NoError(t, err)
		types = append(types, a.GetType())
	}
	assert.Equal(t, []string{ActionOptimize, ActionStats}, types)
}

func TestRateLimitedServer(t *testing.T) {
	ix, vectors := builtIndex(t, 50, 4)
	lim := limiter.NewRateLimiter("flight", limiter.Config{RPS: 1, Burst: 1})
	c := startServer(t, NewServer(ix), lim)

	_, err := doSearch(context.Background(), c, Ticket{Query: vectors[0], K: 1})
	require.NoError(t, err)

	// The next token is a second away; a shorter deadline is rejected up front.
	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()
	_, err = doSearch(ctx, c, Ticket{Query: vectors[0], K: 1})
	require.Error(t, err)
	assert.Equal(t, codes.ResourceExhausted, status.Code(err), "got %v", err)
}

func TestToGRPCStatus(t *testing.T) {
	tests := []struct {
		name string
		err  error
		code codes.Code
	}{
		{"nil", nil, codes.OK},
		{"invalid vector", core.NewInvalidVectorError("zero norm"), codes.InvalidArgument},
		{"dimension", core.NewDimensionMismatchError(3, 2), codes.InvalidArgument},
		{"invalid argument", core.NewInvalidArgumentError("k", "bad"), codes.InvalidArgument},
		{"corruption", core.NewDataCorruptionError(4, "dangling parent %d", 9), codes.DataLoss},
		{"unavailable", core.NewDataUnavailableError("embed", errors.New("down")), codes.Unavailable},
		{"throttled", limiter.ErrThrottled, codes.ResourceExhausted},
		{"not found", &storage.NotFoundError{Name: "x"}, codes.NotFound},
		{"canceled", context.Canceled, codes.Canceled},
		{"wrapped deadline", fmt.Errorf("search: %w", context.DeadlineExceeded), codes.DeadlineExceeded},
		{"status passthrough", status.Error(codes.Aborted, "x"), codes.Aborted},
		{"unknown", errors.New("boom"), codes.Internal},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.code, status.Code(ToGRPCStatus(tt.err)))
		})
	}
}

func TestParseTicket(t *testing.T) {
	tk, err := ParseTicket([]byte(`{"query":[0.5,0.5],"k":4}`))
	require.NoError(t, err)
	assert.Equal(t, Ticket{Query: []float32{0.5, 0.5}, K: 4}, tk)

	_, err = ParseTicket([]byte(`{"query":[1],"text":"x"}`))
	assert.True(t, core.IsInvalidArgument(err))

	raw, err := Ticket{Export: true}.Encode()
	require.NoError(t, err)
	assert.JSONEq(t, `{"export":true}`, string(raw))
}
