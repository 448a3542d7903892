// Package vectorindex is the client side of the similarity index: batched
// upserts keyed by id, top-k cosine queries and a vector count.
package vectorindex

import (
	"context"
	"fmt"
)

// MetadataText is the metadata key holding a chunk's text.
const MetadataText = "text"

// Vector is one entry to upsert.
type Vector struct {
	ID       string
	Values   []float32
	Metadata map[string]string
}

// Match is one query result. Score is the cosine similarity; higher is closer.
type Match struct {
	ID       string
	Score    float64
	Metadata map[string]string
}

type Stats struct {
	TotalVectorCount int
	Dimension        int
}

type Index interface {
	// Upsert writes all vectors or none.
	Upsert(ctx context.Context, vectors []Vector) error
	// Query returns up to topK matches ordered by descending similarity.
	Query(ctx context.Context, vector []float32, topK int) ([]Match, error)
	Describe(ctx context.Context) (Stats, error)
}

// Lifecycle is implemented by indexes that can be dropped and rebuilt.
type Lifecycle interface {
	// Recreate deletes the index if it exists and creates it empty.
	Recreate(ctx context.Context) error
	Drop(ctx context.Context) error
}

func checkDimension(values []float32, dimension int) error {
	if len(values) == 0 {
		return fmt.Errorf("vector is empty")
	}
	if dimension > 0 && len(values) != dimension {
		return fmt.Errorf("vector dimension mismatch: got %d, expected %d", len(values), dimension)
	}
	return nil
}

func copyMetadata(md map[string]string) map[string]string {
	out := make(map[string]string, len(md))
	for k, v := range md {
		out[k] = v
	}
	return out
}
