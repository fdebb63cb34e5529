package tree

// Config holds index parameters.
type Config struct {
	LeafSize     int   // target children per internal node, default 5
	TopLayerSize int   // maximum node count of the top layer, default 200
	Seed         int64 // shuffle seed for construction; 0 seeds from the clock
}

// DefaultConfig returns the default configuration.
func DefaultConfig() *Config {
	return &Config{
		LeafSize:     5,
		TopLayerSize: 200,
	}
}

// OrDefault returns a normalized copy of c, or DefaultConfig if c is nil.
// LeafSize below 2 cannot form a parent layer and falls back to 5; a
// non-positive TopLayerSize falls back to 200. c itself is never modified.
func (c *Config) OrDefault() *Config {
	if c == nil {
		return DefaultConfig()
	}
	out := *c
	if out.LeafSize < 2 {
		out.LeafSize = 5
	}
	if out.TopLayerSize <= 0 {
		out.TopLayerSize = 200
	}
	return &out
}

// minChildren is ceil(LeafSize/2); candidates at or below it are dropped.
func (c *Config) minChildren() int {
	return (c.LeafSize + 1) / 2
}

// maxChildren is the over-full threshold, 2*LeafSize.
func (c *Config) maxChildren() int {
	return 2 * c.LeafSize
}

// maxTries bounds the refinement loop of one layer.
func (c *Config) maxTries() int {
	return c.LeafSize * 5
}
