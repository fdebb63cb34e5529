// Package pool recycles scratch objects used while encoding and decoding trees.
package pool

import (
	"bytes"
	"sync"

	"github.com/23skdu/canopy/internal/metrics"
	"github.com/RoaringBitmap/roaring/v2"
)

// MaxRetainedBuffer is the largest buffer capacity returned to the pool.
// Bigger buffers are left to the GC so one huge artifact does not pin memory.
const MaxRetainedBuffer = 64 << 20

var buffers = sync.Pool{New: func() any { return new(bytes.Buffer) }}

// GetBuffer returns an empty buffer.
func GetBuffer() *bytes.Buffer {
	metrics.BufferPoolOperations.WithLabelValues("get").Inc()
	return buffers.Get().(*bytes.Buffer)
}

// PutBuffer resets buf and returns it to the pool.
func PutBuffer(buf *bytes.Buffer) {
	if buf == nil {
		return
	}
	if buf.Cap() > MaxRetainedBuffer {
		metrics.BufferPoolOperations.WithLabelValues("drop").Inc()
		return
	}
	metrics.BufferPoolOperations.WithLabelValues("put").Inc()
	buf.Reset()
	buffers.Put(buf)
}

var bitmaps = sync.Pool{New: func() any { return roaring.New() }}

// GetBitmap returns an empty bitmap.
func GetBitmap() *roaring.Bitmap {
	return bitmaps.Get().(*roaring.Bitmap)
}

// PutBitmap clears bm and returns it to the pool.
func PutBitmap(bm *roaring.Bitmap) {
	if bm != nil {
		bm.Clear()
		bitmaps.Put(bm)
	}
}
