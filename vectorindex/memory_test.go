package vectorindex

import (
	"context"
	"testing"
)

func TestMemoryIndexQueryRanksByCosine(t *testing.T) {
	ctx := context.Background()
	idx, err := NewMemoryIndex(2)
	if err != nil {
		t.Fatalf("new index: %v", err)
	}

	err = idx.Upsert(ctx, []Vector{
		{ID: "chunk-0", Values: []float32{1, 0}, Metadata: map[string]string{MetadataText: "east"}},
		{ID: "chunk-1", Values: []float32{0, 1}, Metadata: map[string]string{MetadataText: "north"}},
		{ID: "chunk-2", Values: []float32{1, 1}, Metadata: map[string]string{MetadataText: "north east"}},
	})
	if err != nil {
		t.Fatalf("upsert: %v", err)
	}

	matches, err := idx.Query(ctx, []float32{1, 0.1}, 2)
	if err != nil {
		t.Fatalf("query: %v", err)
	}
	if len(matches) != 2 {
		t.Fatalf("expected 2 matches, got %d", len(matches))
	}
	if matches[0].ID != "chunk-0" || matches[1].ID != "chunk-2" {
		t.Fatalf("unexpected ranking: %s, %s", matches[0].ID, matches[1].ID)
	}
	if matches[0].Score < matches[1].Score {
		t.Fatalf("scores not descending: %f < %f", matches[0].Score, matches[1].Score)
	}
	if matches[0].Metadata[MetadataText] != "east" {
		t.Fatalf("unexpected metadata: %v", matches[0].Metadata)
	}
}

func TestMemoryIndexUpsertReplacesByID(t *testing.T) {
	ctx := context.Background()
	idx, _ := NewMemoryIndex(2)

	_ = idx.Upsert(ctx, []Vector{{ID: "chunk-0", Values: []float32{1, 0}, Metadata: map[string]string{MetadataText: "old"}}})
	_ = idx.Upsert(ctx, []Vector{{ID: "chunk-0", Values: []float32{0, 1}, Metadata: map[string]string{MetadataText: "new"}}})

	stats, err := idx.Describe(ctx)
	if err != nil {
		t.Fatalf("describe: %v", err)
	}
	if stats.TotalVectorCount != 1 {
		t.Fatalf("expected 1 vector, got %d", stats.TotalVectorCount)
	}

	matches, _ := idx.Query(ctx, []float32{0, 1}, 1)
	if matches[0].Metadata[MetadataText] != "new" {
		t.Fatalf("expected replaced metadata, got %v", matches[0].Metadata)
	}
}

func TestMemoryIndexRejectsBatchAtomically(t *testing.T) {
	ctx := context.Background()
	idx, _ := NewMemoryIndex(2)

	err := idx.Upsert(ctx, []Vector{
		{ID: "chunk-0", Values: []float32{1, 0}},
		{ID: "chunk-1", Values: []float32{1, 0, 0}},
	})
	if err == nil {
		t.Fatal("expected dimension mismatch error")
	}

	stats, _ := idx.Describe(ctx)
	if stats.TotalVectorCount != 0 {
		t.Fatalf("expected no partial writes, got %d vectors", stats.TotalVectorCount)
	}
}

func TestMemoryIndexRecreateEmpties(t *testing.T) {
	ctx := context.Background()
	idx, _ := NewMemoryIndex(2)
	_ = idx.Upsert(ctx, []Vector{{ID: "chunk-0", Values: []float32{1, 0}}})

	if err := idx.Recreate(ctx); err != nil {
		t.Fatalf("recreate: %v", err)
	}
	stats, _ := idx.Describe(ctx)
	if stats.TotalVectorCount != 0 {
		t.Fatalf("expected empty index, got %d", stats.TotalVectorCount)
	}
}

func TestMemoryIndexQueryFewerThanTopK(t *testing.T) {
	ctx := context.Background()
	idx, _ := NewMemoryIndex(2)
	_ = idx.Upsert(ctx, []Vector{{ID: "chunk-0", Values: []float32{1, 0}}})

	matches, err := idx.Query(ctx, []float32{1, 0}, 3)
	if err != nil {
		t.Fatalf("query: %v", err)
	}
	if len(matches) != 1 {
		t.Fatalf("expected 1 match, got %d", len(matches))
	}
}
