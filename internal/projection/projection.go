// Package projection defines the contract for the 2-D embedding algorithm
// the stream service delegates to.
//
// The algorithm is a black box from the pipeline's point of view: given a
// numeric feature matrix and a fixed seed it deterministically returns 2-D
// coordinates and cluster labels. Only this contract matters; the exact
// numerics are interchangeable.
package projection

import (
	"context"
	"errors"
)

// ErrEmptyInput indicates there were no rows to project.
var ErrEmptyInput = errors.New("projection: empty feature matrix")

// Point is one projected row.
type Point struct {
	X float64
	Y float64
}

// Result holds the output of one projection computation. Never mutated after
// creation.
type Result struct {
	Coords   []Point
	Clusters []int
}

// Computer computes a 2-D embedding with cluster labels for a feature
// matrix. Implementations must be deterministic for a fixed seed and input,
// and must return one coordinate and one cluster label per input row.
type Computer interface {
	Compute(ctx context.Context, features [][]float64, seed int64) (Result, error)
}
