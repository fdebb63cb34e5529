package flightsvc

// minExportRows is the size of the first record of an export.
const minExportRows = 256

// chunkSizer yields record row counts starting at min and multiplying by growth
// up to max. One sizer serves one stream.
type chunkSizer struct {
	min, max int
	growth   float64
	current  int
}

func newChunkSizer(min, max int, growth float64) *chunkSizer {
	if max < 1 {
		max = 1
	}
	if min < 1 || min > max {
		min = max
	}
	if growth < 1 {
		growth = 1
	}
	return &chunkSizer{min: min, max: max, growth: growth, current: min}
}

// next returns the current size and advances.
func (c *chunkSizer) next() int {
	n := c.current
	c.current = min(c.max, max(c.current+1, int(float64(c.current)*c.growth)))
	return n
}

func (c *chunkSizer) reset() {
	c.current = c.min
}
