package storage

import (
	"fmt"

	"github.com/23skdu/canopy/internal/core"
	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/array"
	"github.com/apache/arrow-go/v18/arrow/memory"
)

// RowSchema is the Arrow form of the tree-row format for vectors of dim components.
func RowSchema(dim int) *arrow.Schema {
	fields := []arrow.Field{
		{Name: core.ColumnVectorIndex, Type: arrow.PrimitiveTypes.Int32},
		{Name: core.ColumnDataIndex, Type: arrow.PrimitiveTypes.Int32},
		{Name: core.ColumnParentIndex, Type: arrow.PrimitiveTypes.Int32},
		{Name: core.ColumnLayer, Type: arrow.PrimitiveTypes.Int32},
		{Name: core.ColumnData, Type: arrow.BinaryTypes.String},
	}
	for i := 0; i < dim; i++ {
		fields = append(fields, arrow.Field{Name: core.VectorColumn(i), Type: arrow.PrimitiveTypes.Float32})
	}
	return arrow.NewSchema(fields, nil)
}

// RowsToRecord builds one record holding every row. The caller releases it.
func RowsToRecord(mem memory.Allocator, rows []core.Row) (arrow.Record, error) {
	dim := 0
	if len(rows) > 0 {
		dim = len(rows[0].Vector)
	}
	b := array.NewRecordBuilder(mem, RowSchema(dim))
	defer b.Release()

	ints := []*array.Int32Builder{
		b.Field(0).(*array.Int32Builder),
		b.Field(1).(*array.Int32Builder),
		b.Field(2).(*array.Int32Builder),
		b.Field(3).(*array.Int32Builder),
	}
	data := b.Field(4).(*array.StringBuilder)
	vec := make([]*array.Float32Builder, dim)
	for i := range vec {
		vec[i] = b.Field(5 + i).(*array.Float32Builder)
	}

	for _, ib := range ints {
		ib.Reserve(len(rows))
	}
	for i, r := range rows {
		if len(r.Vector) != dim {
			return nil, core.NewInvalidArgumentError("rows", fmt.Sprintf("row %d has %d vector components, expected %d", i, len(r.Vector), dim))
		}
		ints[0].Append(r.VectorIndex)
		ints[1].Append(r.DataIndex)
		ints[2].Append(r.ParentIndex)
		ints[3].Append(r.Layer)
		data.Append(r.Data)
		for j, x := range r.Vector {
			vec[j].Append(x)
		}
	}
	return b.NewRecord(), nil
}

// RecordToRows decodes a record in the tree-row format. Columns are found by name.
func RecordToRows(rec arrow.Record) ([]core.Row, error) {
	schema := rec.Schema()
	column := func(name string) (arrow.Array, error) {
		idx := schema.FieldIndices(name)
		if len(idx) == 0 {
			return nil, core.NewDataCorruptionError(-1, "missing column %q", name)
		}
		return rec.Column(idx[0]), nil
	}

	var ints [4]*array.Int32
	for i, name := range []string{core.ColumnVectorIndex, core.ColumnDataIndex, core.ColumnParentIndex, core.ColumnLayer} {
		col, err := column(name)
		if err != nil {
			return nil, err
		}
		arr, ok := col.(*array.Int32)
		if !ok {
			return nil, core.NewDataCorruptionError(-1, "column %q has type %s, expected int32", name, col.DataType())
		}
		ints[i] = arr
	}
	dataCol, err := column(core.ColumnData)
	if err != nil {
		return nil, err
	}
	data, ok := dataCol.(*array.String)
	if !ok {
		return nil, core.NewDataCorruptionError(-1, "column %q has type %s, expected utf8", core.ColumnData, dataCol.DataType())
	}

	dim := 0
	for len(schema.FieldIndices(core.VectorColumn(dim))) > 0 {
		dim++
	}
	if dim == 0 && rec.NumRows() > 0 {
		return nil, core.NewDataCorruptionError(-1, "missing vector columns")
	}
	vec := make([]*array.Float32, dim)
	for i := range vec {
		col, _ := column(core.VectorColumn(i))
		arr, ok := col.(*array.Float32)
		if !ok {
			return nil, core.NewDataCorruptionError(-1, "column %q has type %s, expected float32", core.VectorColumn(i), col.DataType())
		}
		vec[i] = arr
	}

	n := int(rec.NumRows())
	rows := make([]core.Row, n)
	for i := 0; i < n; i++ {
		v := make([]float32, dim)
		for j, arr := range vec {
			v[j] = arr.Value(i)
		}
		rows[i] = core.Row{
			VectorIndex: ints[0].Value(i),
			DataIndex:   ints[1].Value(i),
			ParentIndex: ints[2].Value(i),
			Layer:       ints[3].Value(i),
			Data:        data.Value(i),
			Vector:      v,
		}
	}
	return rows, nil
}
