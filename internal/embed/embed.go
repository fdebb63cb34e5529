// Package embed connects the index to an external text embedding provider.
//
// The index treats the provider as opaque: any failure reaching it surfaces as
// core.ErrDataUnavailable and is never retried here.
package embed

import "context"

// Embedder turns text into a fixed-dimension vector.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
	// Dimension is the vector length, or 0 when not known before the first call.
	Dimension() int
}

// Func adapts a plain function to Embedder.
type Func struct {
	Fn  func(ctx context.Context, text string) ([]float32, error)
	Dim int
}

func (f Func) Embed(ctx context.Context, text string) ([]float32, error) {
	return f.Fn(ctx, text)
}

func (f Func) Dimension() int {
	return f.Dim
}
