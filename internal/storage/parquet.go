package storage

import (
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/23skdu/canopy/internal/core"
	"github.com/parquet-go/parquet-go"
	"github.com/parquet-go/parquet-go/compress"
)

const (
	// DefaultRowGroupSize bounds the rows buffered per parquet row group.
	DefaultRowGroupSize = 64 * 1024

	metaDimension = "canopy.dimension"
	readBatch     = 256
)

// WriteOptions configures WriteParquet.
type WriteOptions struct {
	Compression  core.Compression
	RowGroupSize int
}

func (o WriteOptions) codec() (compress.Codec, error) {
	switch o.Compression {
	case "", core.CompressionZstd:
		return &parquet.Zstd, nil
	case core.CompressionSnappy:
		return &parquet.Snappy, nil
	case core.CompressionGzip:
		return &parquet.Gzip, nil
	case core.CompressionLZ4:
		return &parquet.Lz4Raw, nil
	case core.CompressionNone:
		return &parquet.Uncompressed, nil
	default:
		return nil, core.NewInvalidArgumentError("compression", fmt.Sprintf("unsupported codec %q", o.Compression))
	}
}

// rowSchema builds the flat tree-row schema for vectors of dim components.
// Parquet orders group fields by name, so writers and readers resolve column
// positions through Lookup rather than assuming an order.
func rowSchema(dim int) *parquet.Schema {
	group := parquet.Group{
		core.ColumnVectorIndex: parquet.Int(32),
		core.ColumnDataIndex:   parquet.Int(32),
		core.ColumnParentIndex: parquet.Int(32),
		core.ColumnLayer:       parquet.Int(32),
		core.ColumnData:        parquet.String(),
	}
	for i := 0; i < dim; i++ {
		group[core.VectorColumn(i)] = parquet.Leaf(parquet.FloatType)
	}
	return parquet.NewSchema("tree", group)
}

// columnIndexes resolves the column positions of the tree-row fields.
type columnIndexes struct {
	vectorIndex, dataIndex, parentIndex, layer, data int
	vector                                           []int
}

func lookupColumns(schema *parquet.Schema, dim int) (columnIndexes, error) {
	var c columnIndexes
	fixed := []struct {
		name string
		dst  *int
	}{
		{core.ColumnVectorIndex, &c.vectorIndex},
		{core.ColumnDataIndex, &c.dataIndex},
		{core.ColumnParentIndex, &c.parentIndex},
		{core.ColumnLayer, &c.layer},
		{core.ColumnData, &c.data},
	}
	for _, f := range fixed {
		leaf, ok := schema.Lookup(f.name)
		if !ok {
			return c, core.NewDataCorruptionError(-1, "missing column %q", f.name)
		}
		*f.dst = leaf.ColumnIndex
	}
	c.vector = make([]int, dim)
	for i := range c.vector {
		leaf, ok := schema.Lookup(core.VectorColumn(i))
		if !ok {
			return c, core.NewDataCorruptionError(-1, "missing column %q", core.VectorColumn(i))
		}
		c.vector[i] = leaf.ColumnIndex
	}
	return c, nil
}

// WriteParquet writes rows in the persisted tree format: one row per node with
// int32 vectorIndex, dataIndex, parentIndex and layer, the JSON content in data,
// and one float32 column v_i per vector component.
func WriteParquet(w io.Writer, rows []core.Row, opts WriteOptions) error {
	codec, err := opts.codec()
	if err != nil {
		return err
	}
	groupSize := opts.RowGroupSize
	if groupSize <= 0 {
		groupSize = DefaultRowGroupSize
	}

	dim := 0
	if len(rows) > 0 {
		dim = len(rows[0].Vector)
	}
	schema := rowSchema(dim)
	cols, err := lookupColumns(schema, dim)
	if err != nil {
		return err
	}
	numCols := len(schema.Columns())

	pw := parquet.NewWriter(w, schema,
		parquet.Compression(codec),
		parquet.KeyValueMetadata(metaDimension, strconv.Itoa(dim)),
	)
	closed := false
	defer func() {
		if !closed {
			_ = pw.Close()
		}
	}()

	batch := make([]parquet.Row, 0, readBatch)
	pending := 0
	flush := func() error {
		if len(batch) == 0 {
			return nil
		}
		if _, err := pw.WriteRows(batch); err != nil {
			return err
		}
		pending += len(batch)
		batch = batch[:0]
		if pending >= groupSize {
			pending = 0
			return pw.Flush()
		}
		return nil
	}

	for i, r := range rows {
		if len(r.Vector) != dim {
			return core.NewInvalidArgumentError("rows", fmt.Sprintf("row %d has %d vector components, expected %d", i, len(r.Vector), dim))
		}
		row := make(parquet.Row, numCols)
		row[cols.vectorIndex] = parquet.Int32Value(r.VectorIndex).Level(0, 0, cols.vectorIndex)
		row[cols.dataIndex] = parquet.Int32Value(r.DataIndex).Level(0, 0, cols.dataIndex)
		row[cols.parentIndex] = parquet.Int32Value(r.ParentIndex).Level(0, 0, cols.parentIndex)
		row[cols.layer] = parquet.Int32Value(r.Layer).Level(0, 0, cols.layer)
		row[cols.data] = parquet.ByteArrayValue([]byte(r.Data)).Level(0, 0, cols.data)
		for j, col := range cols.vector {
			row[col] = parquet.FloatValue(r.Vector[j]).Level(0, 0, col)
		}
		batch = append(batch, row)
		if len(batch) == cap(batch) {
			if err := flush(); err != nil {
				return err
			}
		}
	}
	if err := flush(); err != nil {
		return err
	}
	closed = true
	return pw.Close()
}

// ReadParquet decodes a tree-row file written by WriteParquet or any writer using
// the same column names. Any compression codec is accepted; integer columns may
// be INT32 or INT64 and vector columns FLOAT or DOUBLE.
func ReadParquet(r io.ReaderAt, size int64) ([]core.Row, error) {
	pf, err := parquet.OpenFile(r, size)
	if err != nil {
		return nil, core.NewDataCorruptionError(-1, "open parquet: %v", err)
	}
	if pf.NumRows() == 0 {
		return []core.Row{}, nil
	}

	dim, err := vectorDimension(pf.Schema())
	if err != nil {
		return nil, err
	}
	cols, err := lookupColumns(pf.Schema(), dim)
	if err != nil {
		return nil, err
	}

	out := make([]core.Row, 0, pf.NumRows())
	buf := make([]parquet.Row, readBatch)
	for _, rg := range pf.RowGroups() {
		rows := rg.Rows()
		for {
			n, err := rows.ReadRows(buf)
			for _, pr := range buf[:n] {
				row, convErr := decodeRow(pr, cols, len(out))
				if convErr != nil {
					_ = rows.Close()
					return nil, convErr
				}
				out = append(out, row)
			}
			if errors.Is(err, io.EOF) {
				break
			}
			if err != nil {
				_ = rows.Close()
				return nil, core.NewDataCorruptionError(len(out), "read rows: %v", err)
			}
		}
		if err := rows.Close(); err != nil {
			return nil, err
		}
	}
	return out, nil
}

// vectorDimension counts the v_i columns and checks they run from v_0 without gaps.
func vectorDimension(schema *parquet.Schema) (int, error) {
	seen := map[int]bool{}
	for _, path := range schema.Columns() {
		if len(path) != 1 || !strings.HasPrefix(path[0], "v_") {
			continue
		}
		i, err := strconv.Atoi(strings.TrimPrefix(path[0], "v_"))
		if err != nil || i < 0 {
			return 0, core.NewDataCorruptionError(-1, "malformed vector column %q", path[0])
		}
		seen[i] = true
	}
	if len(seen) == 0 {
		return 0, core.NewDataCorruptionError(-1, "missing vector columns")
	}
	for i := 0; i < len(seen); i++ {
		if !seen[i] {
			return 0, core.NewDataCorruptionError(-1, "vector columns skip %q", core.VectorColumn(i))
		}
	}
	return len(seen), nil
}

func decodeRow(pr parquet.Row, cols columnIndexes, pos int) (core.Row, error) {
	byColumn := make([]parquet.Value, len(pr))
	for _, v := range pr {
		c := v.Column()
		if c < 0 || c >= len(byColumn) {
			return core.Row{}, core.NewDataCorruptionError(pos, "value for unknown column %d", c)
		}
		byColumn[c] = v
	}

	ints := [4]int32{}
	for i, c := range []int{cols.vectorIndex, cols.dataIndex, cols.parentIndex, cols.layer} {
		v, err := intValue(byColumn[c])
		if err != nil {
			return core.Row{}, core.NewDataCorruptionError(pos, "%v", err)
		}
		ints[i] = v
	}

	vec := make([]float32, len(cols.vector))
	for i, c := range cols.vector {
		f, err := floatValue(byColumn[c])
		if err != nil {
			return core.Row{}, core.NewDataCorruptionError(pos, "%s: %v", core.VectorColumn(i), err)
		}
		vec[i] = f
	}

	row := core.Row{
		VectorIndex: ints[0],
		DataIndex:   ints[1],
		ParentIndex: ints[2],
		Layer:       ints[3],
		Vector:      vec,
	}
	if d := byColumn[cols.data]; !d.IsNull() {
		row.Data = string(d.ByteArray())
	}
	return row, nil
}

func intValue(v parquet.Value) (int32, error) {
	switch v.Kind() {
	case parquet.Int32:
		return v.Int32(), nil
	case parquet.Int64:
		return int32(v.Int64()), nil
	default:
		return 0, fmt.Errorf("expected integer, got %v", v.Kind())
	}
}

func floatValue(v parquet.Value) (float32, error) {
	switch v.Kind() {
	case parquet.Float:
		return v.Float(), nil
	case parquet.Double:
		return float32(v.Double()), nil
	default:
		return 0, fmt.Errorf("expected float, got %v", v.Kind())
	}
}
