package projection

import (
	"context"
	"errors"
	"math/rand"
	"testing"
)

func testFeatures(n, dims int) [][]float64 {
	rng := rand.New(rand.NewSource(99))
	features := make([][]float64, n)
	for i := range features {
		features[i] = make([]float64, dims)
		for d := range features[i] {
			features[i][d] = rng.NormFloat64()
		}
	}
	return features
}

func TestEmbedderShape(t *testing.T) {
	features := testFeatures(30, 12)

	result, err := Embedder{}.Compute(context.Background(), features, 42)
	if err != nil {
		t.Fatalf("compute: %v", err)
	}
	if len(result.Coords) != 30 {
		t.Fatalf("coords = %d, want 30", len(result.Coords))
	}
	if len(result.Clusters) != 30 {
		t.Fatalf("clusters = %d, want 30", len(result.Clusters))
	}
	for i, cluster := range result.Clusters {
		if cluster < 0 || cluster >= 3 {
			t.Fatalf("cluster[%d] = %d out of range", i, cluster)
		}
	}
}

func TestEmbedderDeterministicForSeed(t *testing.T) {
	features := testFeatures(20, 8)

	a, err := Embedder{}.Compute(context.Background(), features, 7)
	if err != nil {
		t.Fatalf("compute: %v", err)
	}
	b, err := Embedder{}.Compute(context.Background(), features, 7)
	if err != nil {
		t.Fatalf("compute: %v", err)
	}
	for i := range a.Coords {
		if a.Coords[i] != b.Coords[i] {
			t.Fatalf("coord %d differs across runs", i)
		}
		if a.Clusters[i] != b.Clusters[i] {
			t.Fatalf("cluster %d differs across runs", i)
		}
	}

	c, err := Embedder{}.Compute(context.Background(), features, 8)
	if err != nil {
		t.Fatalf("compute: %v", err)
	}
	same := true
	for i := range a.Coords {
		if a.Coords[i] != c.Coords[i] {
			same = false
		}
	}
	if same {
		t.Fatal("different seeds produced identical coordinates")
	}
}

func TestEmbedderEmptyInput(t *testing.T) {
	_, err := Embedder{}.Compute(context.Background(), nil, 1)
	if !errors.Is(err, ErrEmptyInput) {
		t.Fatalf("expected empty input error, got %v", err)
	}
}

func TestEmbedderHonorsCancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := Embedder{}.Compute(ctx, testFeatures(5, 4), 1)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context error, got %v", err)
	}
}
