package phenobase

import (
	"math"
	"math/rand"
)

// DefaultFeatureCount is the synthetic feature dimensionality used when a
// caller does not choose one.
const DefaultFeatureCount = 50

// Features builds a deterministic synthetic feature matrix with visible
// cluster structure for the given records. The same records, dimensionality
// and seed always produce the same matrix and cluster assignments.
//
// Clusters are laid out on a ring in the first two dimensions so the
// downstream 2-D projection separates them, and rows captured at different
// imaging positions are shifted apart.
func Features(records []Record, nFeatures int, seed int64) ([][]float64, []int) {
	if nFeatures <= 0 {
		nFeatures = DefaultFeatureCount
	}
	nSamples := len(records)
	if nSamples == 0 {
		return nil, nil
	}

	rng := rand.New(rand.NewSource(seed))

	nClusters := nSamples / 10
	if nClusters < 3 {
		nClusters = 3
	}
	assignments := make([]int, nSamples)
	for i := range assignments {
		assignments[i] = i % nClusters
	}
	rng.Shuffle(nSamples, func(i, j int) {
		assignments[i], assignments[j] = assignments[j], assignments[i]
	})

	features := make([][]float64, nSamples)
	for i := range features {
		features[i] = make([]float64, nFeatures)
	}

	angleStep := 2 * math.Pi / float64(nClusters)
	for cluster := 0; cluster < nClusters; cluster++ {
		angle := float64(cluster) * angleStep
		radius := 8.0 + rng.NormFloat64()*2.0

		center := make([]float64, nFeatures)
		center[0] = radius * math.Cos(angle)
		if nFeatures > 1 {
			center[1] = radius * math.Sin(angle)
		}
		for d := 2; d < nFeatures; d++ {
			center[d] = rng.NormFloat64() * 3.0
		}

		for i := 0; i < nSamples; i++ {
			if assignments[i] != cluster {
				continue
			}
			for d := 0; d < nFeatures; d++ {
				features[i][d] = center[d] + rng.NormFloat64()*1.2
			}
		}
	}

	// Separate imaging positions along a shared random direction.
	shift := make([]float64, nFeatures)
	for d := range shift {
		shift[d] = rng.NormFloat64() * 0.5
	}
	for i, record := range records {
		direction := 2.0
		if record.Position == 0 {
			direction = -2.0
		}
		for d := 0; d < nFeatures; d++ {
			features[i][d] += direction * shift[d]
		}
	}

	return features, assignments
}
