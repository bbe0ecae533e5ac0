package projection

import (
	"context"
	"math"
	"math/rand"
)

// Embedder is the shipped Computer: a seeded random linear projection to two
// dimensions with nearest-centroid cluster labels. It stands in for a
// heavier neighborhood-embedding algorithm while honoring the same contract,
// determinism included.
type Embedder struct {
	// Clusters caps the number of cluster labels. Zero means max(3, n/10).
	Clusters int
}

// Compute projects features to 2-D and labels each row with its nearest
// seeded centroid.
func (e Embedder) Compute(ctx context.Context, features [][]float64, seed int64) (Result, error) {
	if err := ctx.Err(); err != nil {
		return Result{}, err
	}
	n := len(features)
	if n == 0 {
		return Result{}, ErrEmptyInput
	}
	dims := len(features[0])
	if dims == 0 {
		return Result{}, ErrEmptyInput
	}

	rng := rand.New(rand.NewSource(seed))

	// Two fixed random directions; normalizing keeps coordinate scale
	// comparable across dimensionalities.
	axisX := randomUnit(rng, dims)
	axisY := randomUnit(rng, dims)

	coords := make([]Point, n)
	for i, row := range features {
		coords[i] = Point{X: dot(row, axisX), Y: dot(row, axisY)}
	}

	k := e.Clusters
	if k <= 0 {
		k = n / 10
		if k < 3 {
			k = 3
		}
	}
	if k > n {
		k = n
	}

	centroids := make([]Point, k)
	for i := range centroids {
		centroids[i] = Point{X: rng.NormFloat64() * 8, Y: rng.NormFloat64() * 8}
	}

	clusters := make([]int, n)
	for i, p := range coords {
		best, bestDist := 0, math.MaxFloat64
		for c, centroid := range centroids {
			dx, dy := p.X-centroid.X, p.Y-centroid.Y
			if dist := dx*dx + dy*dy; dist < bestDist {
				best, bestDist = c, dist
			}
		}
		clusters[i] = best
	}

	return Result{Coords: coords, Clusters: clusters}, nil
}

func randomUnit(rng *rand.Rand, dims int) []float64 {
	v := make([]float64, dims)
	var norm float64
	for i := range v {
		v[i] = rng.NormFloat64()
		norm += v[i] * v[i]
	}
	norm = math.Sqrt(norm)
	if norm == 0 {
		norm = 1
	}
	for i := range v {
		v[i] /= norm
	}
	return v
}

func dot(a, b []float64) float64 {
	var sum float64
	n := len(a)
	if len(b) < n {
		n = len(b)
	}
	for i := 0; i < n; i++ {
		sum += a[i] * b[i]
	}
	return sum
}
