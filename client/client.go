// Package client talks to a canopy Flight server.
package client

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/23skdu/canopy/internal/core"
	"github.com/23skdu/canopy/internal/flightsvc"
	"github.com/23skdu/canopy/internal/storage"
	"github.com/23skdu/canopy/internal/tree"
	"github.com/apache/arrow-go/v18/arrow/array"
	"github.com/apache/arrow-go/v18/arrow/flight"
	"github.com/apache/arrow-go/v18/arrow/ipc"
	"github.com/apache/arrow-go/v18/arrow/memory"
	"github.com/goccy/go-json"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
)

// DefaultTimeout bounds calls made with a context that has no deadline.
const DefaultTimeout = 30 * time.Second

// Hit is one search result. Data holds the JSON-encoded content.
type Hit struct {
	Similarity float32         `json:"similarity"`
	DataIndex  int             `json:"dataIndex"`
	Data       json.RawMessage `json:"data"`
}

// Decode unmarshals the hit's content into v.
func (h Hit) Decode(v any) error {
	return json.Unmarshal(h.Data, v)
}

// Client wraps flight.Client with typed index operations.
type Client struct {
	flight    flight.Client
	mem       memory.Allocator
	timeout   time.Duration
	batchRows int
}

// New dials addr. Extra dial options are appended to the defaults
// (insecure transport, 100MB messages).
func New(addr string, opts ...grpc.DialOption) (*Client, error) {
	dialOpts := append([]grpc.DialOption{
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithDefaultCallOptions(
			grpc.MaxCallRecvMsgSize(1024*1024*100), // 100MB
			grpc.MaxCallSendMsgSize(1024*1024*100),
		),
	}, opts...)

	fc, err := flight.NewClientWithMiddleware(addr, nil, nil, dialOpts...)
	if err != nil {
		return nil, fmt.Errorf("failed to dial %s: %w", addr, err)
	}
	return &Client{
		flight:    fc,
		mem:       memory.NewGoAllocator(),
		timeout:   DefaultTimeout,
		batchRows: flightsvc.DefaultBatchRows,
	}, nil
}

// Close closes the underlying connection
func (c *Client) Close() error {
	return c.flight.Close()
}

func (c *Client) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if _, ok := ctx.Deadline(); ok {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, c.timeout)
}

// Search returns up to k nearest leaves to query.
func (c *Client) Search(ctx context.Context, query []float32, k int) ([]Hit, error) {
	return c.search(ctx, flightsvc.Ticket{Query: query, K: k})
}

// SearchText asks the server to embed text and search with it.
func (c *Client) SearchText(ctx context.Context, text string, k int) ([]Hit, error) {
	return c.search(ctx, flightsvc.Ticket{Text: text, K: k})
}

func (c *Client) search(ctx context.Context, t flightsvc.Ticket) ([]Hit, error) {
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()

	raw, err := t.Encode()
	if err != nil {
		return nil, err
	}
	stream, err := c.flight.DoGet(ctx, &flight.Ticket{Ticket: raw})
	if err != nil {
		return nil, fromStatus(err)
	}
	r, err := flight.NewRecordReader(stream, ipc.WithAllocator(c.mem))
	if err != nil {
		return nil, fromStatus(err)
	}
	defer r.Release()

	var hits []Hit
	for r.Next() {
		rec := r.Record()
		sims, ok1 := rec.Column(0).(*array.Float32)
		ids, ok2 := rec.Column(1).(*array.Int32)
		data, ok3 := rec.Column(2).(*array.String)
		if !ok1 || !ok2 || !ok3 {
			return nil, core.NewDataCorruptionError(-1, "unexpected result schema %s", rec.Schema())
		}
		for i := 0; i < int(rec.NumRows()); i++ {
			hits = append(hits, Hit{
				Similarity: sims.Value(i),
				DataIndex:  int(ids.Value(i)),
				Data:       json.RawMessage(data.Value(i)),
			})
		}
	}
	if err := r.Err(); err != nil {
		return nil, fromStatus(err)
	}
	return hits, nil
}

// Export downloads the server's tree as rows.
func (c *Client) Export(ctx context.Context) ([]core.Row, error) {
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()

	raw, err := flightsvc.Ticket{Export: true}.Encode()
	if err != nil {
		return nil, err
	}
	stream, err := c.flight.DoGet(ctx, &flight.Ticket{Ticket: raw})
	if err != nil {
		return nil, fromStatus(err)
	}
	r, err := flight.NewRecordReader(stream, ipc.WithAllocator(c.mem))
	if err != nil {
		return nil, fromStatus(err)
	}
	defer r.Release()

	rows := []core.Row{}
	for r.Next() {
		batch, err := storage.RecordToRows(r.Record())
		if err != nil {
			return nil, err
		}
		rows = append(rows, batch...)
	}
	if err := r.Err(); err != nil {
		return nil, fromStatus(err)
	}
	return rows, nil
}

// Import replaces the server's index with rows. Empty rows are rejected; use Reset.
func (c *Client) Import(ctx context.Context, rows []core.Row) (flightsvc.PutResult, error) {
	return c.put(ctx, rows, flightsvc.PutCommand{})
}

// Reset empties the server's index.
func (c *Client) Reset(ctx context.Context) (flightsvc.PutResult, error) {
	return c.put(ctx, nil, flightsvc.PutCommand{Reset: true})
}

func (c *Client) put(ctx context.Context, rows []core.Row, cmd flightsvc.PutCommand) (flightsvc.PutResult, error) {
	var ack flightsvc.PutResult
	desc, err := cmd.Descriptor()
	if err != nil {
		return ack, err
	}
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()

	stream, err := c.flight.DoPut(ctx)
	if err != nil {
		return ack, fromStatus(err)
	}

	dim := 0
	if len(rows) > 0 {
		dim = len(rows[0].Vector)
	}
	w := flight.NewRecordWriter(stream, ipc.WithSchema(storage.RowSchema(dim)), ipc.WithAllocator(c.mem))
	w.SetFlightDescriptor(desc)
	for start := 0; start == 0 || start < len(rows); start += c.batchRows {
		end := min(start+c.batchRows, len(rows))
		rec, err := storage.RowsToRecord(c.mem, rows[start:end])
		if err != nil {
			_ = w.Close()
			return ack, err
		}
		err = w.Write(rec)
		rec.Release()
		if err != nil {
			break // the server ended the stream; Recv reports why
		}
	}
	_ = w.Close()
	if err := stream.CloseSend(); err != nil {
		return ack, fromStatus(err)
	}

	res, err := stream.Recv()
	if err != nil {
		return ack, fromStatus(err)
	}
	if err := json.Unmarshal(res.GetAppMetadata(), &ack); err != nil {
		return ack, fmt.Errorf("decode put result: %w", err)
	}
	return ack, nil
}

// Optimize rebuilds the server's tree and returns its new shape.
func (c *Client) Optimize(ctx context.Context) (tree.Stats, error) {
	return c.statsAction(ctx, flightsvc.ActionOptimize)
}

// Stats returns the server's tree shape.
func (c *Client) Stats(ctx context.Context) (tree.Stats, error) {
	return c.statsAction(ctx, flightsvc.ActionStats)
}

func (c *Client) statsAction(ctx context.Context, typ string) (tree.Stats, error) {
	var stats tree.Stats
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()

	stream, err := c.flight.DoAction(ctx, &flight.Action{Type: typ})
	if err != nil {
		return stats, fromStatus(err)
	}
	var body []byte
	for {
		res, err := stream.Recv()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return stats, fromStatus(err)
		}
		body = res.GetBody()
	}
	if err := json.Unmarshal(body, &stats); err != nil {
		return stats, fmt.Errorf("decode stats: %w", err)
	}
	return stats, nil
}
