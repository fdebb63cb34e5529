package storage

import (
	"testing"

	"github.com/23skdu/canopy/internal/core"
	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/array"
	"github.com/apache/arrow-go/v18/arrow/memory"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestArrow_RoundTrip(t *testing.T) {
	mem := memory.NewCheckedAllocator(memory.NewGoAllocator())
	defer mem.AssertSize(t, 0)

	rows := sampleRows(200, 6)
	rec, err := RowsToRecord(mem, rows)
	require.NoError(t, err)
	defer rec.Release()

	assert.Equal(t, int64(200), rec.NumRows())
	assert.Equal(t, 5+6, int(rec.NumCols()))
	assert.True(t, rec.Schema().Equal(RowSchema(6)))

	got, err := RecordToRows(rec)
	require.NoError(t, err)
	assert.Equal(t, rows, got)
}

func TestArrow_Empty(t *testing.T) {
	rec, err := RowsToRecord(memory.DefaultAllocator, nil)
	require.NoError(t, err)
	defer rec.Release()

	got, err := RecordToRows(rec)
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestArrow_RejectsRaggedRows(t *testing.T) {
	rows := sampleRows(4, 3)
	rows[3].Vector = rows[3].Vector[:2]
	_, err := RowsToRecord(memory.DefaultAllocator, rows)
	assert.True(t, core.IsInvalidArgument(err))
}

func TestArrow_Corruption(t *testing.T) {
	mem := memory.DefaultAllocator

	t.Run("missing column", func(t *testing.T) {
		schema := arrow.NewSchema([]arrow.Field{
			{Name: core.ColumnVectorIndex, Type: arrow.PrimitiveTypes.Int32},
		}, nil)
		b := array.NewRecordBuilder(mem, schema)
		defer b.Release()
		b.Field(0).(*array.Int32Builder).Append(0)
		rec := b.NewRecord()
		defer rec.Release()

		_, err := RecordToRows(rec)
		assert.True(t, core.IsDataCorruption(err))
	})

	t.Run("wrong vector type", func(t *testing.T) {
		fields := RowSchema(0).Fields()
		fields = append(fields, arrow.Field{Name: core.VectorColumn(0), Type: arrow.PrimitiveTypes.Float64})
		b := array.NewRecordBuilder(mem, arrow.NewSchema(fields, nil))
		defer b.Release()
		for i := 0; i < 4; i++ {
			b.Field(i).(*array.Int32Builder).Append(0)
		}
		b.Field(4).(*array.StringBuilder).Append(`"x"`)
		b.Field(5).(*array.Float64Builder).Append(1)
		rec := b.NewRecord()
		defer rec.Release()

		_, err := RecordToRows(rec)
		assert.True(t, core.IsDataCorruption(err))
	})

	t.Run("rows without vectors", func(t *testing.T) {
		b := array.NewRecordBuilder(mem, RowSchema(0))
		defer b.Release()
		for i := 0; i < 4; i++ {
			b.Field(i).(*array.Int32Builder).Append(0)
		}
		b.Field(4).(*array.StringBuilder).Append(`"x"`)
		rec := b.NewRecord()
		defer rec.Release()

		_, err := RecordToRows(rec)
		assert.True(t, core.IsDataCorruption(err))
	})
}
