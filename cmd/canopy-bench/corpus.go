package main

import (
	"math/rand"
	"sort"

	"github.com/23skdu/canopy/internal/vecmath"
)

// syntheticCorpus draws n vectors around `clusters` random centers.
type syntheticCorpus struct {
	dim     int
	centers [][]float32
	vectors [][]float32 // unit length
	rng     *rand.Rand
	spread  float64
}

func newSyntheticCorpus(rng *rand.Rand, n, dim, clusters int, spread float64) *syntheticCorpus {
	c := &syntheticCorpus{dim: dim, rng: rng, spread: spread}
	c.centers = make([][]float32, clusters)
	for i := range c.centers {
		c.centers[i] = c.gaussian(nil, 1)
	}
	c.vectors = make([][]float32, n)
	for i := range c.vectors {
		c.vectors[i] = c.sample()
	}
	return c
}

func (c *syntheticCorpus) gaussian(center []float32, scale float64) []float32 {
	v := make([]float32, c.dim)
	for j := range v {
		v[j] = float32(c.rng.NormFloat64() * scale)
		if center != nil {
			v[j] += center[j]
		}
	}
	return v
}

// sample returns a unit vector near a random center.
func (c *syntheticCorpus) sample() []float32 {
	center := c.centers[c.rng.Intn(len(c.centers))]
	v, err := vecmath.Normalize(c.gaussian(center, c.spread))
	if err != nil {
		return c.sample()
	}
	return v
}

// exactTopK returns the indexes of the k vectors most similar to q by full scan.
func exactTopK(vectors [][]float32, q []float32, k int) []int {
	q, err := vecmath.Normalize(q)
	if err != nil {
		return nil
	}
	ids := make([]int, len(vectors))
	scores := make([]float32, len(vectors))
	for i, v := range vectors {
		ids[i] = i
		scores[i] = vecmath.Dot(v, q)
	}
	sort.SliceStable(ids, func(a, b int) bool { return scores[ids[a]] > scores[ids[b]] })
	if k < len(ids) {
		ids = ids[:k]
	}
	return ids
}

// recallAt is |got ∩ want| / |want|.
func recallAt(got, want []int) float64 {
	if len(want) == 0 {
		return 1
	}
	seen := make(map[int]struct{}, len(want))
	for _, id := range want {
		seen[id] = struct{}{}
	}
	hit := 0
	for _, id := range got {
		if _, ok := seen[id]; ok {
			hit++
			delete(seen, id)
		}
	}
	return float64(hit) / float64(len(want))
}
