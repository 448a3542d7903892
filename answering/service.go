// Package answering retrieves context for each question and fans it out to
// every registered answer backend.
package answering

import (
	"context"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/fabfab/ragbench/backends"
	"github.com/fabfab/ragbench/embeddings"
	"github.com/fabfab/ragbench/observability"
	"github.com/fabfab/ragbench/outcome"
	"github.com/fabfab/ragbench/tabular"
	"github.com/fabfab/ragbench/vectorindex"
)

const DefaultTopK = 3

type Service struct {
	embedder embeddings.Embedder
	index    vectorindex.Index
	registry *backends.Registry
	topK     int
	logger   *zap.Logger
	metrics  *observability.Metrics
	progress func(done, total int)
}

type Option func(*Service)

func WithTopK(k int) Option {
	return func(s *Service) {
		if k > 0 {
			s.topK = k
		}
	}
}

func WithLogger(l *zap.Logger) Option {
	return func(s *Service) {
		if l != nil {
			s.logger = l
		}
	}
}

func WithMetrics(m *observability.Metrics) Option {
	return func(s *Service) { s.metrics = m }
}

// WithProgress registers a callback invoked after every completed question.
func WithProgress(fn func(done, total int)) Option {
	return func(s *Service) { s.progress = fn }
}

func NewService(embedder embeddings.Embedder, index vectorindex.Index, registry *backends.Registry, opts ...Option) (*Service, error) {
	if embedder == nil {
		return nil, fmt.Errorf("embedder is not configured")
	}
	if index == nil {
		return nil, fmt.Errorf("vector index is not configured")
	}
	if registry == nil || registry.Len() == 0 {
		return nil, fmt.Errorf("no answer backends registered")
	}

	s := &Service{
		embedder: embedder,
		index:    index,
		registry: registry,
		topK:     DefaultTopK,
		logger:   zap.NewNop(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Models returns backend names in output column order.
func (s *Service) Models() []string {
	return s.registry.Names()
}

// Retrieve embeds the question and joins the text of the top-k matches with
// newlines, best match first.
func (s *Service) Retrieve(ctx context.Context, question string) (string, error) {
	vec, err := embeddings.One(ctx, s.embedder, question)
	if err != nil {
		return "", fmt.Errorf("embed question: %w", err)
	}

	matches, err := s.index.Query(ctx, vec, s.topK)
	if err != nil {
		return "", fmt.Errorf("vector search: %w", err)
	}
	if len(matches) == 0 {
		s.logger.Warn("no context retrieved for question")
	}

	texts := make([]string, len(matches))
	for i, m := range matches {
		texts[i] = m.Metadata[vectorindex.MetadataText]
	}
	return strings.Join(texts, "\n"), nil
}

// Answer runs one question through retrieval and every backend in registry
// order. Only retrieval errors are returned; backend failures are recorded in
// the record.
func (s *Service) Answer(ctx context.Context, q tabular.Question) (tabular.AnswerRecord, error) {
	rec := tabular.AnswerRecord{
		Question: q,
		Answers:  make(map[string]outcome.Outcome, s.registry.Len()),
	}

	contextText, err := s.Retrieve(ctx, q.Question)
	if err != nil {
		return rec, err
	}
	rec.Context = contextText
	s.logger.Debug("retrieved context", zap.Int("chars", len(contextText)))

	for _, b := range s.registry.Backends() {
		out := b.Answer(ctx, q.Question, contextText)
		rec.Answers[b.Name()] = out
		if out.OK() {
			s.logger.Info("backend answered", zap.String("backend", b.Name()))
		} else {
			s.logger.Info("backend answered",
				zap.String("backend", b.Name()),
				zap.String("failure", string(out.Failure.Kind)))
		}
	}

	s.metrics.QuestionAnswered()
	return rec, nil
}

// Run answers every question in input order. An embedding or retrieval error
// aborts the run and no partial result is returned.
func (s *Service) Run(ctx context.Context, questions []tabular.Question) ([]tabular.AnswerRecord, error) {
	records := make([]tabular.AnswerRecord, 0, len(questions))
	for i, q := range questions {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		s.logger.Info("answering question",
			zap.Int("index", i+1),
			zap.Int("total", len(questions)),
			zap.String("category", q.Category))

		rec, err := s.Answer(ctx, q)
		if err != nil {
			return nil, fmt.Errorf("question %d: %w", i+1, err)
		}
		records = append(records, rec)

		if s.progress != nil {
			s.progress(i+1, len(questions))
		}
	}
	return records, nil
}
