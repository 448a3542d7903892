package ingestion

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"github.com/fabfab/ragbench/embeddings"
	"github.com/fabfab/ragbench/pacing"
	"github.com/fabfab/ragbench/vectorindex"
)

type lengthEmbedder struct {
	calls int
	err   error
}

func (e *lengthEmbedder) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	e.calls++
	if e.err != nil {
		return nil, e.err
	}
	out := make([][]float32, len(texts))
	for i, text := range texts {
		out[i] = []float32{1, float32(len(text))}
	}
	return out, nil
}

var _ embeddings.Embedder = (*lengthEmbedder)(nil)

type recordingIndex struct {
	*vectorindex.MemoryIndex
	batches []int
	failAt  int
}

func (r *recordingIndex) Upsert(ctx context.Context, vectors []vectorindex.Vector) error {
	r.batches = append(r.batches, len(vectors))
	if r.failAt > 0 && len(r.batches) == r.failAt {
		return errors.New("index unavailable")
	}
	return r.MemoryIndex.Upsert(ctx, vectors)
}

func newRecordingIndex(t *testing.T) *recordingIndex {
	t.Helper()
	mem, err := vectorindex.NewMemoryIndex(2)
	if err != nil {
		t.Fatalf("memory index: %v", err)
	}
	return &recordingIndex{MemoryIndex: mem}
}

func newTestService(t *testing.T, idx vectorindex.Index, emb embeddings.Embedder, sleep *pacing.Recorder) *Service {
	t.Helper()
	chunker, err := NewChunker(newWordTokenizer(), 1, 0)
	if err != nil {
		t.Fatalf("new chunker: %v", err)
	}
	svc, err := NewService(chunker, emb, idx, WithSleep(sleep.Sleep))
	if err != nil {
		t.Fatalf("new service: %v", err)
	}
	return svc
}

func TestIngestBatchesOfOneHundred(t *testing.T) {
	idx := newRecordingIndex(t)
	sleep := &pacing.Recorder{}
	svc := newTestService(t, idx, &lengthEmbedder{}, sleep)

	n, err := svc.Ingest(context.Background(), strings.NewReader(numberedWords(250)))
	if err != nil {
		t.Fatalf("ingest: %v", err)
	}
	if n != 250 {
		t.Fatalf("expected 250 vectors, got %d", n)
	}

	want := []int{100, 100, 50}
	if len(idx.batches) != len(want) {
		t.Fatalf("expected batches %v, got %v", want, idx.batches)
	}
	for i := range want {
		if idx.batches[i] != want[i] {
			t.Fatalf("expected batches %v, got %v", want, idx.batches)
		}
	}

	if len(sleep.Delays) != 2 || sleep.Total() != 2*DefaultBatchDelay {
		t.Fatalf("expected two 1s pauses after full batches, got %v", sleep.Delays)
	}

	stats, _ := idx.Describe(context.Background())
	if stats.TotalVectorCount != 250 {
		t.Fatalf("expected 250 indexed vectors, got %d", stats.TotalVectorCount)
	}
}

func TestIngestStoresChunkTextUnderSequentialIDs(t *testing.T) {
	idx := newRecordingIndex(t)
	svc := newTestService(t, idx, &lengthEmbedder{}, &pacing.Recorder{})

	if _, err := svc.Ingest(context.Background(), strings.NewReader("alpha beta gamma")); err != nil {
		t.Fatalf("ingest: %v", err)
	}

	matches, err := idx.Query(context.Background(), []float32{1, 6}, 3)
	if err != nil {
		t.Fatalf("query: %v", err)
	}
	seen := map[string]string{}
	for _, m := range matches {
		seen[m.ID] = m.Metadata[vectorindex.MetadataText]
	}
	if seen["chunk-0"] != "alpha " || seen["chunk-1"] != "beta " || seen["chunk-2"] != "gamma" {
		t.Fatalf("unexpected stored chunks: %v", seen)
	}
}

func TestIngestExactMultipleHasNoEmptyFlush(t *testing.T) {
	idx := newRecordingIndex(t)
	svc := newTestService(t, idx, &lengthEmbedder{}, &pacing.Recorder{})

	if _, err := svc.Ingest(context.Background(), strings.NewReader(numberedWords(200))); err != nil {
		t.Fatalf("ingest: %v", err)
	}
	if len(idx.batches) != 2 {
		t.Fatalf("expected 2 batches, got %v", idx.batches)
	}
}

func TestIngestStopsOnEmbeddingError(t *testing.T) {
	idx := newRecordingIndex(t)
	boom := errors.New("embedding service down")
	svc := newTestService(t, idx, &lengthEmbedder{err: boom}, &pacing.Recorder{})

	_, err := svc.Ingest(context.Background(), strings.NewReader("alpha beta"))
	if !errors.Is(err, boom) {
		t.Fatalf("expected embedding error, got %v", err)
	}
	if len(idx.batches) != 0 {
		t.Fatalf("expected no upserts, got %v", idx.batches)
	}
}

func TestIngestStopsOnUpsertError(t *testing.T) {
	idx := newRecordingIndex(t)
	idx.failAt = 2
	svc := newTestService(t, idx, &lengthEmbedder{}, &pacing.Recorder{})

	n, err := svc.Ingest(context.Background(), strings.NewReader(numberedWords(250)))
	if err == nil {
		t.Fatal("expected upsert error")
	}
	if n != 100 {
		t.Fatalf("expected 100 vectors before failure, got %d", n)
	}
	if len(idx.batches) != 2 {
		t.Fatalf("expected ingestion to stop at the failing batch, got %v", idx.batches)
	}
}

func TestBuildSkipsPopulatedIndex(t *testing.T) {
	idx := newRecordingIndex(t)
	_ = idx.MemoryIndex.Upsert(context.Background(), []vectorindex.Vector{{ID: "chunk-0", Values: []float32{1, 1}}})
	emb := &lengthEmbedder{}
	svc := newTestService(t, idx, emb, &pacing.Recorder{})

	res, err := svc.Build(context.Background(), "does-not-matter.txt", false)
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	if !res.Skipped || res.Vectors != 1 || emb.calls != 0 {
		t.Fatalf("expected skipped build, got %+v with %d embed calls", res, emb.calls)
	}
}

func TestBuildRecreatesAndIngestsFile(t *testing.T) {
	idx := newRecordingIndex(t)
	_ = idx.MemoryIndex.Upsert(context.Background(), []vectorindex.Vector{{ID: "stale", Values: []float32{1, 1}}})

	path := filepath.Join(t.TempDir(), "document.txt")
	if err := os.WriteFile(path, []byte("LOD 500 means as-built"), 0o600); err != nil {
		t.Fatalf("write document: %v", err)
	}

	chunker, _ := NewChunker(newWordTokenizer(), DefaultChunkSize, DefaultChunkOverlap)
	sleep := &pacing.Recorder{}
	svc, err := NewService(chunker, &lengthEmbedder{}, idx, WithSleep(sleep.Sleep), WithReadyWait(10*time.Second))
	if err != nil {
		t.Fatalf("new service: %v", err)
	}

	res, err := svc.Build(context.Background(), path, true)
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	if !res.Recreated || res.Skipped || res.Vectors != 1 {
		t.Fatalf("unexpected build result %+v", res)
	}
	if sleep.Total() != 10*time.Second {
		t.Fatalf("expected ready wait of 10s, got %s", sleep.Total())
	}
}

func TestNewServiceRequiresDependencies(t *testing.T) {
	chunker, _ := NewChunker(newWordTokenizer(), 5, 1)
	idx := newRecordingIndex(t)

	if _, err := NewService(nil, &lengthEmbedder{}, idx); err == nil {
		t.Fatal("expected error for nil chunker")
	}
	if _, err := NewService(chunker, nil, idx); err == nil {
		t.Fatal("expected error for nil embedder")
	}
	if _, err := NewService(chunker, &lengthEmbedder{}, nil); err == nil {
		t.Fatal("expected error for nil index")
	}
}

func TestDetectFormat(t *testing.T) {
	cases := map[string]DocumentFormat{
		"doc.txt":       FormatText,
		"notes.MD":      FormatMarkdown,
		"paper.pdf":     FormatPDF,
		"no-extension":  FormatText,
		"page.markdown": FormatMarkdown,
	}
	for path, want := range cases {
		if got := DetectFormat(path); got != want {
			t.Fatalf("%s: expected %q, got %q", path, want, got)
		}
	}
}

func TestIngestLogsEveryChunk(t *testing.T) {
	chunker, err := NewChunker(newWordTokenizer(), 1, 0)
	if err != nil {
		t.Fatalf("new chunker: %v", err)
	}
	core, logs := observer.New(zap.InfoLevel)
	svc, err := NewService(chunker, &lengthEmbedder{}, newRecordingIndex(t),
		WithSleep((&pacing.Recorder{}).Sleep),
		WithLogger(zap.New(core)))
	if err != nil {
		t.Fatalf("new service: %v", err)
	}

	n, err := svc.Ingest(context.Background(), strings.NewReader(numberedWords(7)))
	if err != nil {
		t.Fatalf("ingest: %v", err)
	}
	if got := logs.FilterMessage("embedded chunk").Len(); got != n || n != 7 {
		t.Fatalf("expected one info entry per chunk, got %d for %d chunks", got, n)
	}
}
