// Package flightsvc serves a tree index over Arrow Flight.
package flightsvc

import (
	"time"

	"github.com/23skdu/canopy/internal/core"
	"github.com/23skdu/canopy/internal/embed"
	"github.com/23skdu/canopy/internal/limiter"
	"github.com/23skdu/canopy/internal/metrics"
	"github.com/23skdu/canopy/internal/storage"
	"github.com/23skdu/canopy/internal/tree"
	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/array"
	"github.com/apache/arrow-go/v18/arrow/flight"
	"github.com/apache/arrow-go/v18/arrow/ipc"
	"github.com/apache/arrow-go/v18/arrow/memory"
	"github.com/goccy/go-json"
	"github.com/rs/zerolog"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// DefaultBatchRows bounds the rows per record when streaming a tree export.
const DefaultBatchRows = 4096

// Result columns streamed by a search DoGet.
const (
	ColumnSimilarity = "similarity"
	ColumnDataIndex  = "dataIndex"
	ColumnData       = "data"
)

var _ flight.FlightServer = (*Server[string])(nil)

// ResultSchema is the Arrow schema of search results.
var ResultSchema = arrow.NewSchema([]arrow.Field{
	{Name: ColumnSimilarity, Type: arrow.PrimitiveTypes.Float32},
	{Name: ColumnDataIndex, Type: arrow.PrimitiveTypes.Int32},
	{Name: ColumnData, Type: arrow.BinaryTypes.String},
}, nil)

type options struct {
	logger    zerolog.Logger
	embedder  embed.Embedder
	mem       memory.Allocator
	batchRows int
}

// Option configures a Server.
type Option func(*options)

// WithLogger sets the server logger.
func WithLogger(logger zerolog.Logger) Option {
	return func(o *options) { o.logger = logger }
}

// WithEmbedder enables text tickets.
func WithEmbedder(e embed.Embedder) Option {
	return func(o *options) { o.embedder = e }
}

// WithAllocator sets the Arrow allocator used for outgoing records.
func WithAllocator(mem memory.Allocator) Option {
	return func(o *options) { o.mem = mem }
}

// WithBatchRows sets the export record size.
func WithBatchRows(n int) Option {
	return func(o *options) {
		if n > 0 {
			o.batchRows = n
		}
	}
}

// Server exposes one index through the Flight RPCs:
//
//	DoGet     search ({"query":[..],"k":n} or {"text":"..","k":n}) or export ({"export":true})
//	DoPut     replace the index with the uploaded tree rows; an empty upload needs {"reset":true} in the descriptor
//	DoAction  "optimize" rebuilds the tree, "stats" reports its shape
type Server[T any] struct {
	flight.BaseFlightServer
	index *tree.Index[T]
	opts  options
}

// NewServer wraps ix.
func NewServer[T any](ix *tree.Index[T], opts ...Option) *Server[T] {
	o := options{
		logger:    zerolog.Nop(),
		mem:       memory.NewGoAllocator(),
		batchRows: DefaultBatchRows,
	}
	for _, opt := range opts {
		opt(&o)
	}
	return &Server[T]{index: ix, opts: o}
}

// NewGRPCServer registers svc on a gRPC server whose calls pass through lim.
func NewGRPCServer(svc flight.FlightServer, lim *limiter.RateLimiter, opts ...grpc.ServerOption) *grpc.Server {
	if lim != nil && lim.Enabled() {
		opts = append(opts,
			grpc.ChainUnaryInterceptor(lim.UnaryInterceptor()),
			grpc.ChainStreamInterceptor(lim.StreamInterceptor()),
		)
	}
	s := grpc.NewServer(opts...)
	flight.RegisterFlightServiceServer(s, svc)
	return s
}

// observe records call metrics and converts err for the wire.
func (s *Server[T]) observe(method string, start time.Time, err error) error {
	err = ToGRPCStatus(err)
	code := status.Code(err)
	metrics.FlightOperationsTotal.WithLabelValues(method, code.String()).Inc()
	metrics.FlightDurationSeconds.WithLabelValues(method).Observe(time.Since(start).Seconds())
	if err != nil {
		ev := s.opts.logger.Warn()
		if code == codes.Internal || code == codes.DataLoss {
			ev = s.opts.logger.Error()
		}
		ev.Err(err).Str("method", method).Msg("Flight call failed")
	}
	return err
}

// DoGet streams search results or the exported tree.
func (s *Server[T]) DoGet(tkt *flight.Ticket, stream flight.FlightService_DoGetServer) (err error) {
	start := time.Now()
	defer func() { err = s.observe("DoGet", start, err) }()

	t, err := ParseTicket(tkt.GetTicket())
	if err != nil {
		return err
	}
	if t.Export {
		return s.export(stream)
	}
	return s.search(t, stream)
}

func (s *Server[T]) search(t Ticket, stream flight.FlightService_DoGetServer) error {
	var (
		results []tree.Result[T]
		err     error
	)
	if t.Text != "" {
		if s.opts.embedder == nil {
			return status.Error(codes.FailedPrecondition, "text queries require an embedding provider")
		}
		results, err = s.index.SearchText(stream.Context(), s.opts.embedder, t.Text, t.K)
	} else {
		results, err = s.index.Search(t.Query, t.K)
	}
	if err != nil {
		return err
	}

	rec, err := s.resultsRecord(results)
	if err != nil {
		return err
	}
	defer rec.Release()

	w := flight.NewRecordWriter(stream, ipc.WithSchema(ResultSchema), ipc.WithAllocator(s.opts.mem))
	if err := w.Write(rec); err != nil {
		_ = w.Close()
		return err
	}
	return w.Close()
}

func (s *Server[T]) resultsRecord(results []tree.Result[T]) (arrow.Record, error) {
	b := array.NewRecordBuilder(s.opts.mem, ResultSchema)
	defer b.Release()

	sims := b.Field(0).(*array.Float32Builder)
	ids := b.Field(1).(*array.Int32Builder)
	data := b.Field(2).(*array.StringBuilder)
	for _, r := range results {
		content, err := json.Marshal(r.Content)
		if err != nil {
			return nil, err
		}
		sims.Append(r.Similarity)
		ids.Append(int32(r.DataIndex))
		data.Append(string(content))
	}
	return b.NewRecord(), nil
}

func (s *Server[T]) export(stream flight.FlightService_DoGetServer) error {
	rows, err := s.index.ExportRows()
	if err != nil {
		return err
	}
	dim := 0
	if len(rows) > 0 {
		dim = len(rows[0].Vector)
	}

	w := flight.NewRecordWriter(stream, ipc.WithSchema(storage.RowSchema(dim)), ipc.WithAllocator(s.opts.mem))
	defer func() { _ = w.Close() }()

	sizer := newChunkSizer(minExportRows, s.opts.batchRows, 2)
	// An empty tree still sends one empty record carrying the schema.
	for start := 0; ; {
		end := min(start+sizer.next(), len(rows))
		rec, err := storage.RowsToRecord(s.opts.mem, rows[start:end])
		if err != nil {
			return err
		}
		err = w.Write(rec)
		rec.Release()
		if err != nil {
			return err
		}
		metrics.FlightExportChunkRows.Observe(float64(end - start))
		if start = end; start >= len(rows) {
			break
		}
		if err := stream.Context().Err(); err != nil {
			return err
		}
	}
	s.opts.logger.Debug().Int("rows", len(rows)).Msg("Tree exported")
	return w.Close()
}

// DoPut replaces the index with the tree rows streamed by the client.
func (s *Server[T]) DoPut(stream flight.FlightService_DoPutServer) (err error) {
	start := time.Now()
	defer func() { err = s.observe("DoPut", start, err) }()

	r, err := flight.NewRecordReader(stream, ipc.WithAllocator(s.opts.mem))
	if err != nil {
		return core.NewDataCorruptionError(-1, "read stream: %v", err)
	}
	defer r.Release()

	cmd, err := ParsePutCommand(r.LatestFlightDescriptor())
	if err != nil {
		return err
	}

	var rows []core.Row
	for r.Next() {
		batch, err := storage.RecordToRows(r.Record())
		if err != nil {
			return err
		}
		rows = append(rows, batch...)
	}
	if err := r.Err(); err != nil {
		return core.NewDataCorruptionError(len(rows), "read stream: %v", err)
	}

	if len(rows) == 0 && !cmd.Reset {
		return core.NewInvalidArgumentError("upload", "no rows; send a reset command to empty the index")
	}

	if err := s.index.ImportRows(rows); err != nil {
		return err
	}

	ack, err := json.Marshal(PutResult{Rows: len(rows), Leaves: s.index.Len()})
	if err != nil {
		return err
	}
	return stream.Send(&flight.PutResult{AppMetadata: ack})
}

// ListActions advertises the DoAction types.
func (s *Server[T]) ListActions(_ *flight.Empty, stream flight.FlightService_ListActionsServer) error {
	for _, a := range []*flight.ActionType{
		{Type: ActionOptimize, Description: "Rebuild the tree over all inserted vectors; returns stats"},
		{Type: ActionStats, Description: "Report the tree shape as JSON"},
	} {
		if err := stream.Send(a); err != nil {
			return err
		}
	}
	return nil
}

// DoAction handles management commands.
func (s *Server[T]) DoAction(action *flight.Action, stream flight.FlightService_DoActionServer) (err error) {
	start := time.Now()
	defer func() { err = s.observe("DoAction", start, err) }()

	if action == nil {
		return status.Error(codes.InvalidArgument, "action is required")
	}

	switch action.Type {
	case ActionOptimize:
		s.opts.logger.Info().Int("leaves", s.index.Len()).Msg("Optimize requested")
		err := s.index.Optimize(func(valid bool, p tree.LayerProgress) {
			s.opts.logger.Debug().
				Bool("valid", valid).
				Int("layer", p.Layer).
				Int("try", p.TryCount).
				Int("candidates", p.Length).
				Int("min", p.MinSize).
				Int("max", p.MaxSize).
				Msg("Balancing layer")
		})
		if err != nil {
			return err
		}
		return s.sendStats(stream)
	case ActionStats:
		return s.sendStats(stream)
	default:
		return status.Errorf(codes.Unimplemented, "unknown action: %s", action.Type)
	}
}

func (s *Server[T]) sendStats(stream flight.FlightService_DoActionServer) error {
	body, err := json.Marshal(s.index.Stats())
	if err != nil {
		return err
	}
	return stream.Send(&flight.Result{Body: body})
}
