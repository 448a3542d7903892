package answering

import (
	"context"
	"errors"
	"hash/fnv"
	"strings"
	"testing"

	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"github.com/fabfab/ragbench/backends"
	"github.com/fabfab/ragbench/embeddings"
	"github.com/fabfab/ragbench/ingestion"
	"github.com/fabfab/ragbench/outcome"
	"github.com/fabfab/ragbench/pacing"
	"github.com/fabfab/ragbench/tabular"
	"github.com/fabfab/ragbench/vectorindex"
)

const testDim = 16

// bagEmbedder hashes lowercase words into a fixed number of buckets.
type bagEmbedder struct {
	err error
}

func (b *bagEmbedder) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	if b.err != nil {
		return nil, b.err
	}
	out := make([][]float32, len(texts))
	for i, text := range texts {
		vec := make([]float32, testDim)
		for _, w := range strings.Fields(strings.ToLower(text)) {
			h := fnv.New32a()
			_, _ = h.Write([]byte(strings.Trim(w, ".?,")))
			vec[h.Sum32()%testDim]++
		}
		vec[0] += 0.01
		out[i] = vec
	}
	return out, nil
}

var _ embeddings.Embedder = (*bagEmbedder)(nil)

// runeTokenizer uses one token per rune.
type runeTokenizer struct{}

func (runeTokenizer) Encode(text string) []int {
	out := make([]int, 0, len(text))
	for _, r := range text {
		out = append(out, int(r))
	}
	return out
}

func (runeTokenizer) Decode(tokens []int) string {
	rs := make([]rune, len(tokens))
	for i, t := range tokens {
		rs[i] = rune(t)
	}
	return string(rs)
}

type recordingBackend struct {
	name     string
	fail     error
	contexts []string
}

func (r *recordingBackend) Name() string { return r.name }

func (r *recordingBackend) Answer(ctx context.Context, question, contextText string) outcome.Outcome {
	r.contexts = append(r.contexts, contextText)
	if r.fail != nil {
		return outcome.FromError(r.fail)
	}
	return outcome.Success(r.name + " says LOD500")
}

var _ backends.Backend = (*recordingBackend)(nil)

func fiveBackends(t *testing.T, failing string) (*backends.Registry, []*recordingBackend) {
	t.Helper()
	reg := backends.NewRegistry()
	var all []*recordingBackend
	for _, name := range []string{"gpt-4o", "DeepSeek Chat", "Grok3", "Claude3.7", "Gemini2.5Pro"} {
		b := &recordingBackend{name: name}
		if name == failing {
			b.fail = errors.New("connection reset by peer")
		}
		if err := reg.Register(b); err != nil {
			t.Fatalf("register: %v", err)
		}
		all = append(all, b)
	}
	return reg, all
}

func TestEndToEndSingleChunkSharedContext(t *testing.T) {
	ctx := context.Background()
	const document = "The LOD required for as-built is LOD500."

	idx, err := vectorindex.NewMemoryIndex(testDim)
	if err != nil {
		t.Fatalf("memory index: %v", err)
	}
	chunker, err := ingestion.NewChunker(runeTokenizer{}, 500, 100)
	if err != nil {
		t.Fatalf("chunker: %v", err)
	}
	emb := &bagEmbedder{}
	ingest, err := ingestion.NewService(chunker, emb, idx, ingestion.WithSleep((&pacing.Recorder{}).Sleep))
	if err != nil {
		t.Fatalf("ingestion service: %v", err)
	}

	n, err := ingest.Ingest(ctx, strings.NewReader(document))
	if err != nil {
		t.Fatalf("ingest: %v", err)
	}
	if n != 1 {
		t.Fatalf("expected exactly one chunk, got %d", n)
	}

	reg, all := fiveBackends(t, "")
	svc, err := NewService(emb, idx, reg)
	if err != nil {
		t.Fatalf("new service: %v", err)
	}

	rec, err := svc.Answer(ctx, tabular.Question{
		Category:     "BIM",
		Question:     "What is the LOD required for the as-built use case?",
		GoldenAnswer: "LOD500",
	})
	if err != nil {
		t.Fatalf("answer: %v", err)
	}

	if rec.Context != document {
		t.Fatalf("expected the single chunk as context, got %q", rec.Context)
	}
	for _, b := range all {
		if len(b.contexts) != 1 || b.contexts[0] != document {
			t.Fatalf("backend %s saw context %v", b.name, b.contexts)
		}
	}
	if len(rec.Answers) != 5 {
		t.Fatalf("expected 5 answers, got %d", len(rec.Answers))
	}
}

func TestFailingBackendDoesNotAffectOthers(t *testing.T) {
	ctx := context.Background()
	idx, _ := vectorindex.NewMemoryIndex(testDim)
	emb := &bagEmbedder{}
	vecs, _ := emb.Embed(ctx, []string{"as-built requires LOD500"})
	_ = idx.Upsert(ctx, []vectorindex.Vector{{ID: "chunk-0", Values: vecs[0], Metadata: map[string]string{vectorindex.MetadataText: "as-built requires LOD500"}}})

	reg, _ := fiveBackends(t, "Grok3")
	svc, _ := NewService(emb, idx, reg)

	rec, err := svc.Answer(ctx, tabular.Question{Question: "What LOD for as-built?"})
	if err != nil {
		t.Fatalf("answer: %v", err)
	}
	if len(rec.Answers) != 5 {
		t.Fatalf("expected 5 entries, got %d", len(rec.Answers))
	}

	failed := 0
	for name, out := range rec.Answers {
		if !out.OK() {
			failed++
			if name != "Grok3" || !strings.HasPrefix(out.Text(), outcome.ErrorPrefix) {
				t.Fatalf("unexpected failure for %s: %q", name, out.Text())
			}
			if out.Failure.Kind != outcome.KindTransport {
				t.Fatalf("expected transport failure, got %s", out.Failure.Kind)
			}
		}
	}
	if failed != 1 {
		t.Fatalf("expected exactly one failed answer, got %d", failed)
	}
}

func TestRetrieveJoinsTopThreeInRankOrder(t *testing.T) {
	ctx := context.Background()
	idx, _ := vectorindex.NewMemoryIndex(2)
	_ = idx.Upsert(ctx, []vectorindex.Vector{
		{ID: "chunk-0", Values: []float32{1, 0}, Metadata: map[string]string{vectorindex.MetadataText: "best"}},
		{ID: "chunk-1", Values: []float32{0, 1}, Metadata: map[string]string{vectorindex.MetadataText: "worst"}},
		{ID: "chunk-2", Values: []float32{1, 0.5}, Metadata: map[string]string{vectorindex.MetadataText: "second"}},
		{ID: "chunk-3", Values: []float32{1, 1}, Metadata: map[string]string{vectorindex.MetadataText: "third"}},
	})

	reg, _ := fiveBackends(t, "")
	svc, _ := NewService(fixedEmbedder{vec: []float32{1, 0}}, idx, reg)

	got, err := svc.Retrieve(ctx, "anything")
	if err != nil {
		t.Fatalf("retrieve: %v", err)
	}
	if got != "best\nsecond\nthird" {
		t.Fatalf("unexpected context %q", got)
	}
}

type fixedEmbedder struct {
	vec []float32
}

func (f fixedEmbedder) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i := range texts {
		out[i] = f.vec
	}
	return out, nil
}

func TestRunAbortsOnEmbeddingError(t *testing.T) {
	idx, _ := vectorindex.NewMemoryIndex(testDim)
	reg, all := fiveBackends(t, "")
	boom := errors.New("embedding quota exceeded")
	svc, _ := NewService(&bagEmbedder{err: boom}, idx, reg)

	records, err := svc.Run(context.Background(), []tabular.Question{{Question: "q1"}, {Question: "q2"}})
	if !errors.Is(err, boom) {
		t.Fatalf("expected embedding error, got %v", err)
	}
	if records != nil {
		t.Fatalf("expected no partial records, got %d", len(records))
	}
	if len(all[0].contexts) != 0 {
		t.Fatal("backends must not be called when retrieval fails")
	}
}

func TestRunPreservesOrderAndReportsProgress(t *testing.T) {
	ctx := context.Background()
	idx, _ := vectorindex.NewMemoryIndex(testDim)
	reg, _ := fiveBackends(t, "")

	var progress []int
	svc, _ := NewService(&bagEmbedder{}, idx, reg, WithProgress(func(done, total int) {
		progress = append(progress, done)
	}))

	qs := []tabular.Question{{Question: "first"}, {Question: "second"}, {Question: "third"}}
	records, err := svc.Run(ctx, qs)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	for i, rec := range records {
		if rec.Question.Question != qs[i].Question {
			t.Fatalf("record %d out of order: %q", i, rec.Question.Question)
		}
		if rec.Context != "" {
			t.Fatalf("expected empty context from empty index, got %q", rec.Context)
		}
	}
	if len(progress) != 3 || progress[2] != 3 {
		t.Fatalf("unexpected progress %v", progress)
	}
}

func TestNewServiceRequiresBackends(t *testing.T) {
	idx, _ := vectorindex.NewMemoryIndex(testDim)
	if _, err := NewService(&bagEmbedder{}, idx, backends.NewRegistry()); err == nil {
		t.Fatal("expected error for empty registry")
	}
}

func TestAnswerLogsEveryBackendCall(t *testing.T) {
	ctx := context.Background()
	idx, _ := vectorindex.NewMemoryIndex(testDim)
	emb := &bagEmbedder{}
	vecs, _ := emb.Embed(ctx, []string{"as-built requires LOD500"})
	_ = idx.Upsert(ctx, []vectorindex.Vector{{ID: "chunk-0", Values: vecs[0], Metadata: map[string]string{vectorindex.MetadataText: "as-built requires LOD500"}}})

	core, logs := observer.New(zap.InfoLevel)
	reg, _ := fiveBackends(t, "Grok3")
	svc, err := NewService(emb, idx, reg, WithLogger(zap.New(core)))
	if err != nil {
		t.Fatalf("new service: %v", err)
	}

	if _, err := svc.Run(ctx, []tabular.Question{{Question: "What LOD for as-built?"}, {Question: "What is LOD500?"}}); err != nil {
		t.Fatalf("run: %v", err)
	}

	answered := logs.FilterMessage("backend answered")
	if answered.Len() != 10 {
		t.Fatalf("expected one info entry per backend call, got %d", answered.Len())
	}
	failures := answered.FilterField(zap.String("failure", string(outcome.KindTransport)))
	if failures.Len() != 2 {
		t.Fatalf("expected the failing backend to be logged once per question, got %d", failures.Len())
	}
	if n := logs.FilterMessage("answering question").Len(); n != 2 {
		t.Fatalf("expected one entry per question, got %d", n)
	}
}
