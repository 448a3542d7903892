package ingestion

import (
	"context"
	"fmt"
	"io"
	"strconv"
	"time"

	"go.uber.org/zap"

	"github.com/fabfab/ragbench/embeddings"
	"github.com/fabfab/ragbench/observability"
	"github.com/fabfab/ragbench/pacing"
	"github.com/fabfab/ragbench/vectorindex"
)

const (
	DefaultBatchSize  = 100
	DefaultBatchDelay = time.Second
)

// ChunkID is the index id of the i-th window.
func ChunkID(i int) string {
	return "chunk-" + strconv.Itoa(i)
}

// Service embeds every window of a document and upserts the vectors in
// fixed-size batches, pausing after each full batch.
type Service struct {
	chunker    *Chunker
	embedder   embeddings.Embedder
	index      vectorindex.Index
	logger     *zap.Logger
	metrics    *observability.Metrics
	batchSize  int
	batchDelay time.Duration
	readyWait  time.Duration
	sleep      pacing.SleepFunc
}

type ServiceOption func(*Service)

func WithLogger(l *zap.Logger) ServiceOption {
	return func(s *Service) {
		if l != nil {
			s.logger = l
		}
	}
}

func WithMetrics(m *observability.Metrics) ServiceOption {
	return func(s *Service) { s.metrics = m }
}

func WithBatchSize(n int) ServiceOption {
	return func(s *Service) {
		if n > 0 {
			s.batchSize = n
		}
	}
}

// WithBatchDelay sets the pause after every full batch.
func WithBatchDelay(d time.Duration) ServiceOption {
	return func(s *Service) {
		if d >= 0 {
			s.batchDelay = d
		}
	}
}

// WithReadyWait sets how long Build waits after recreating the index.
func WithReadyWait(d time.Duration) ServiceOption {
	return func(s *Service) {
		if d >= 0 {
			s.readyWait = d
		}
	}
}

// WithSleep replaces the pacing sleep, mainly for tests.
func WithSleep(fn pacing.SleepFunc) ServiceOption {
	return func(s *Service) {
		if fn != nil {
			s.sleep = fn
		}
	}
}

func NewService(chunker *Chunker, embedder embeddings.Embedder, index vectorindex.Index, opts ...ServiceOption) (*Service, error) {
	if chunker == nil {
		return nil, fmt.Errorf("chunker not configured")
	}
	if embedder == nil {
		return nil, fmt.Errorf("embedder not configured")
	}
	if index == nil {
		return nil, fmt.Errorf("vector index not configured")
	}

	s := &Service{
		chunker:    chunker,
		embedder:   embedder,
		index:      index,
		logger:     zap.NewNop(),
		batchSize:  DefaultBatchSize,
		batchDelay: DefaultBatchDelay,
		sleep:      pacing.Sleep,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// BuildResult reports what Build did to the index.
type BuildResult struct {
	Recreated bool
	Skipped   bool
	Vectors   int
}

// Build prepares the index for a run: optionally recreates it, then ingests
// the document at path only when the index holds no vectors.
func (s *Service) Build(ctx context.Context, path string, recreate bool) (BuildResult, error) {
	var result BuildResult

	if recreate {
		lc, ok := s.index.(vectorindex.Lifecycle)
		if !ok {
			return result, fmt.Errorf("vector index does not support recreate")
		}
		s.logger.Info("recreating vector index")
		if err := lc.Recreate(ctx); err != nil {
			return result, fmt.Errorf("recreate index: %w", err)
		}
		result.Recreated = true
		if err := s.sleep(ctx, s.readyWait); err != nil {
			return result, err
		}
	}

	stats, err := s.index.Describe(ctx)
	if err != nil {
		return result, fmt.Errorf("describe index: %w", err)
	}
	if stats.TotalVectorCount > 0 {
		s.logger.Info("vector index already populated, skipping ingestion",
			zap.Int("vectors", stats.TotalVectorCount))
		result.Skipped = true
		result.Vectors = stats.TotalVectorCount
		return result, nil
	}

	n, err := s.IngestFile(ctx, path)
	result.Vectors = n
	return result, err
}

// IngestFile opens the document at path and ingests it.
func (s *Service) IngestFile(ctx context.Context, path string) (int, error) {
	doc, err := OpenDocument(path)
	if err != nil {
		return 0, err
	}
	defer doc.Close()

	s.logger.Info("ingesting document", zap.String("path", path), zap.String("format", string(DetectFormat(path))))
	return s.Ingest(ctx, doc)
}

// Ingest chunks r, embeds every window and upserts the vectors. It returns
// the number of vectors upserted, which equals the number of windows.
func (s *Service) Ingest(ctx context.Context, r io.Reader) (int, error) {
	var (
		batch    = make([]vectorindex.Vector, 0, s.batchSize)
		upserted int
		batches  int
	)

	flush := func() error {
		if len(batch) == 0 {
			return nil
		}
		err := s.index.Upsert(ctx, batch)
		s.metrics.BatchUpserted(err)
		if err != nil {
			return fmt.Errorf("upsert batch %d: %w", batches, err)
		}
		upserted += len(batch)
		batches++
		s.logger.Info("upserted batch",
			zap.Int("batch", batches),
			zap.Int("size", len(batch)),
			zap.Int("total", upserted))
		batch = batch[:0]
		return nil
	}

	_, err := s.chunker.Chunk(ctx, r, func(chunk Chunk) error {
		vec, err := embeddings.One(ctx, s.embedder, chunk.Text)
		if err != nil {
			return fmt.Errorf("embed chunk %d: %w", chunk.Index, err)
		}
		s.metrics.ChunkIngested()
		s.logger.Info("embedded chunk", zap.Int("chunk", chunk.Index), zap.Int("tokens", chunk.TokenCount))

		batch = append(batch, vectorindex.Vector{
			ID:       ChunkID(chunk.Index),
			Values:   vec,
			Metadata: map[string]string{vectorindex.MetadataText: chunk.Text},
		})
		if len(batch) < s.batchSize {
			return nil
		}
		if err := flush(); err != nil {
			return err
		}
		return s.sleep(ctx, s.batchDelay)
	})
	if err != nil {
		return upserted, err
	}

	if err := flush(); err != nil {
		return upserted, err
	}

	s.logger.Info("ingestion complete", zap.Int("vectors", upserted), zap.Int("batches", batches))
	return upserted, nil
}
