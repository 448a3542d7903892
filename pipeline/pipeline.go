// Package pipeline wires configuration into the ingestion, answering and
// judging services and runs the stages in order. Both the CLI and the HTTP
// runner drive evaluations through it.
package pipeline

import (
	"context"
	"fmt"
	"sync"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/neo4j/neo4j-go-driver/v5/neo4j"
	"go.uber.org/zap"

	"github.com/fabfab/ragbench/answering"
	"github.com/fabfab/ragbench/backends"
	"github.com/fabfab/ragbench/config"
	"github.com/fabfab/ragbench/database"
	"github.com/fabfab/ragbench/embeddings"
	"github.com/fabfab/ragbench/ingestion"
	"github.com/fabfab/ragbench/judge"
	"github.com/fabfab/ragbench/knowledge"
	"github.com/fabfab/ragbench/llm"
	"github.com/fabfab/ragbench/observability"
	"github.com/fabfab/ragbench/report"
	"github.com/fabfab/ragbench/tabular"
	"github.com/fabfab/ragbench/vectorindex"
)

// Summary describes a finished judging stage.
type Summary struct {
	RunID      string
	Models     []string
	Files      []string
	Comparison report.Comparison
}

// Pipeline owns the long-lived resources of an evaluation: the vector index,
// the embedder, the backend registry and the optional evaluation graph.
type Pipeline struct {
	cfg       config.Config
	logger    *zap.Logger
	metrics   *observability.Metrics
	embedder  embeddings.Embedder
	tokenizer ingestion.Tokenizer
	index     vectorindex.Index
	registry  *backends.Registry
	graph     *knowledge.Graph

	// mu guards the lazily opened embedder, index and Postgres pool.
	mu     sync.Mutex
	pool   *pgxpool.Pool
	driver neo4j.DriverWithContext

	judgeOnce   sync.Once
	judgeClient llm.Client
	judgeErr    error
}

type Option func(*Pipeline)

// WithEmbedder replaces the embedder built from configuration.
func WithEmbedder(e embeddings.Embedder) Option {
	return func(p *Pipeline) { p.embedder = e }
}

// WithTokenizer replaces the tiktoken tokenizer used for chunking.
func WithTokenizer(t ingestion.Tokenizer) Option {
	return func(p *Pipeline) { p.tokenizer = t }
}

// WithIndex replaces the vector index built from configuration.
func WithIndex(idx vectorindex.Index) Option {
	return func(p *Pipeline) { p.index = idx }
}

// WithRegistry replaces the backends registered from configuration.
func WithRegistry(r *backends.Registry) Option {
	return func(p *Pipeline) { p.registry = r }
}

// WithJudgeClient replaces the judge LLM client built from configuration.
func WithJudgeClient(c llm.Client) Option {
	return func(p *Pipeline) {
		p.judgeOnce.Do(func() { p.judgeClient = c })
	}
}

// New builds the backend registry and connects the evaluation graph. The
// embedder and vector index are opened on first use, and so is the judge
// client, so judging runs without the index and ingestion runs without judge
// credentials.
func New(ctx context.Context, cfg config.Config, logger *zap.Logger, metrics *observability.Metrics, opts ...Option) (*Pipeline, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	p := &Pipeline{cfg: cfg, logger: logger, metrics: metrics}
	for _, opt := range opts {
		opt(p)
	}

	if p.index == nil {
		switch cfg.Index.Kind {
		case config.IndexMemory, config.IndexPostgres:
		default:
			return nil, fmt.Errorf("unsupported index kind %q", cfg.Index.Kind)
		}
	}

	if p.registry == nil {
		registry, err := backends.FromConfig(cfg, logger, metrics)
		if err != nil {
			p.Close(ctx)
			return nil, fmt.Errorf("backend setup: %w", err)
		}
		p.registry = registry
	}

	if cfg.Graph.Enabled {
		driver, err := database.NewNeo4jDriver(ctx, cfg.Neo4jURI, cfg.Neo4jUser, cfg.Neo4jPass)
		if err != nil {
			p.Close(ctx)
			return nil, fmt.Errorf("neo4j connection: %w", err)
		}
		p.driver = driver
		p.graph = knowledge.NewGraph(driver)
	}
	return p, nil
}

// retrieval returns the embedder and vector index, creating them on first
// call. A failed attempt is retried on the next call.
func (p *Pipeline) retrieval(ctx context.Context) (embeddings.Embedder, vectorindex.Index, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.embedder == nil {
		embedder, err := embeddings.NewEmbedder(p.cfg)
		if err != nil {
			return nil, nil, fmt.Errorf("embedder setup: %w", err)
		}
		p.embedder = embedder
	}
	if p.index == nil {
		if err := p.openIndex(ctx); err != nil {
			return nil, nil, err
		}
	}
	return p.embedder, p.index, nil
}

func (p *Pipeline) openIndex(ctx context.Context) error {
	switch p.cfg.Index.Kind {
	case config.IndexMemory:
		idx, err := vectorindex.NewMemoryIndex(p.cfg.Embeddings.Dimension)
		if err != nil {
			return err
		}
		p.index = idx
		return nil
	case config.IndexPostgres:
		pool, err := database.NewPostgresPool(ctx, p.cfg.PostgresDSN)
		if err != nil {
			return fmt.Errorf("postgres connection: %w", err)
		}
		if err := database.CreateVectorTable(ctx, pool, p.cfg.Index.Name, p.cfg.Embeddings.Dimension); err != nil {
			pool.Close()
			return fmt.Errorf("ensure index table: %w", err)
		}
		idx, err := vectorindex.NewPostgresIndex(pool, p.cfg.Index.Name, p.cfg.Embeddings.Dimension)
		if err != nil {
			pool.Close()
			return err
		}
		p.pool = pool
		p.index = idx
		return nil
	default:
		return fmt.Errorf("unsupported index kind %q", p.cfg.Index.Kind)
	}
}

// Close releases the database connections.
func (p *Pipeline) Close(ctx context.Context) {
	p.mu.Lock()
	if p.pool != nil {
		p.pool.Close()
		p.pool = nil
	}
	p.mu.Unlock()
	if p.driver != nil {
		if err := p.driver.Close(ctx); err != nil {
			p.logger.Warn("close neo4j driver", zap.Error(err))
		}
		p.driver = nil
	}
}

// Models lists the registered backends in answer order.
func (p *Pipeline) Models() []string {
	return p.registry.Names()
}

func (p *Pipeline) ingestionService(ctx context.Context) (*ingestion.Service, error) {
	embedder, index, err := p.retrieval(ctx)
	if err != nil {
		return nil, err
	}
	tokenizer := p.tokenizer
	if tokenizer == nil {
		tok, err := ingestion.NewTiktokenTokenizer(p.cfg.Chunking.Encoding)
		if err != nil {
			return nil, err
		}
		tokenizer = tok
	}
	var chunkOpts []ingestion.ChunkerOption
	if p.cfg.Chunking.DropTail {
		chunkOpts = append(chunkOpts, ingestion.WithDropTail())
	}
	chunker, err := ingestion.NewChunker(tokenizer, p.cfg.Chunking.Size, p.cfg.Chunking.Overlap, chunkOpts...)
	if err != nil {
		return nil, err
	}
	return ingestion.NewService(chunker, embedder, index,
		ingestion.WithLogger(p.logger),
		ingestion.WithMetrics(p.metrics),
		ingestion.WithBatchSize(p.cfg.Index.BatchSize),
		ingestion.WithBatchDelay(p.cfg.Index.BatchDelay),
		ingestion.WithReadyWait(p.cfg.Index.ReadyWait),
	)
}

// Ingest builds the index from the configured document. The index is reset
// first when recreate is set; ingestion is skipped when it already holds
// vectors.
func (p *Pipeline) Ingest(ctx context.Context, recreate bool) (ingestion.BuildResult, error) {
	svc, err := p.ingestionService(ctx)
	if err != nil {
		return ingestion.BuildResult{}, fmt.Errorf("ingestion setup: %w", err)
	}
	p.mu.Lock()
	pool := p.pool
	p.mu.Unlock()
	if pool != nil && !recreate {
		// Clear may have dropped the table since it was opened.
		if err := database.CreateVectorTable(ctx, pool, p.cfg.Index.Name, p.cfg.Embeddings.Dimension); err != nil {
			return ingestion.BuildResult{}, fmt.Errorf("ensure index table: %w", err)
		}
	}
	res, err := svc.Build(ctx, p.cfg.Files.Document, recreate)
	if err != nil {
		return res, fmt.Errorf("build index: %w", err)
	}
	p.logger.Info("index ready",
		zap.Int("vectors", res.Vectors),
		zap.Bool("recreated", res.Recreated),
		zap.Bool("skipped", res.Skipped))
	return res, nil
}

func (p *Pipeline) answeringService(ctx context.Context) (*answering.Service, error) {
	embedder, index, err := p.retrieval(ctx)
	if err != nil {
		return nil, err
	}
	return answering.NewService(embedder, index, p.registry,
		answering.WithTopK(p.cfg.Retrieval.TopK),
		answering.WithLogger(p.logger),
		answering.WithMetrics(p.metrics),
		answering.WithProgress(func(done, total int) {
			p.logger.Info("question answered", zap.Int("done", done), zap.Int("total", total))
		}),
	)
}

// Ask answers one ad-hoc question with every backend.
func (p *Pipeline) Ask(ctx context.Context, q tabular.Question) (tabular.AnswerRecord, error) {
	svc, err := p.answeringService(ctx)
	if err != nil {
		return tabular.AnswerRecord{}, err
	}
	return svc.Answer(ctx, q)
}

// Answer reads the question workbook, answers every question with every
// backend and writes the intermediate workbook. It returns the number of
// questions answered.
func (p *Pipeline) Answer(ctx context.Context) (int, error) {
	questions, err := tabular.ReadQuestions(p.cfg.Files.Questions)
	if err != nil {
		return 0, fmt.Errorf("read questions: %w", err)
	}
	p.logger.Info("questions loaded", zap.Int("count", len(questions)), zap.String("path", p.cfg.Files.Questions))

	svc, err := p.answeringService(ctx)
	if err != nil {
		return 0, err
	}
	records, err := svc.Run(ctx, questions)
	if err != nil {
		return 0, fmt.Errorf("answer questions: %w", err)
	}

	if err := tabular.WriteAnswers(p.cfg.Files.Answers, svc.Models(), records); err != nil {
		return 0, err
	}
	p.logger.Info("answers saved", zap.String("path", p.cfg.Files.Answers), zap.Int("rows", len(records)))
	return len(records), nil
}

func (p *Pipeline) judgeLLM() (llm.Client, error) {
	p.judgeOnce.Do(func() {
		p.judgeClient, p.judgeErr = llm.NewClient(llm.JudgeOptions(p.cfg))
	})
	return p.judgeClient, p.judgeErr
}

// Judge scores the intermediate workbook, writes the reports and, when the
// graph is enabled, mirrors the run into Neo4j.
func (p *Pipeline) Judge(ctx context.Context) (Summary, error) {
	client, err := p.judgeLLM()
	if err != nil {
		return Summary{}, fmt.Errorf("judge setup: %w", err)
	}

	columns, records, err := tabular.ReadAnswers(p.cfg.Files.Answers)
	if err != nil {
		return Summary{}, fmt.Errorf("read answers: %w", err)
	}
	p.logger.Info("answers loaded", zap.Int("rows", len(records)), zap.String("path", p.cfg.Files.Answers))

	svc, err := judge.NewService(client,
		judge.WithDelay(p.cfg.Judge.Delay),
		judge.WithScoreFailedAnswers(p.cfg.Judge.ScoreFailedAnswers),
		judge.WithLogger(p.logger),
		judge.WithMetrics(p.metrics),
		judge.WithProgress(func(model string, done, total int) {
			p.logger.Info("answer evaluated", zap.String("model", model), zap.Int("row", done), zap.Int("total", total))
		}),
	)
	if err != nil {
		return Summary{}, err
	}

	eval, err := svc.Evaluate(ctx, p.registry.Names(), columns, records)
	if err != nil {
		return Summary{}, fmt.Errorf("evaluate answers: %w", err)
	}

	cmp, files, err := report.Publish(p.cfg.Files.ReportDir, eval, p.logger)
	if err != nil {
		return Summary{}, err
	}

	run := knowledge.NewRun(eval)
	summary := Summary{RunID: run.ID, Models: eval.Models, Files: files, Comparison: cmp}
	if p.graph != nil {
		if err := p.graph.SyncRun(ctx, run); err != nil {
			return summary, fmt.Errorf("sync evaluation graph: %w", err)
		}
		p.logger.Info("evaluation graph updated", zap.String("run_id", run.ID))
		p.logGraphSummary(ctx, run.ID)
	}
	return summary, nil
}

// logGraphSummary reads the run back from the graph so the log shows what
// Neo4j holds. A failed read is only logged.
func (p *Pipeline) logGraphSummary(ctx context.Context, runID string) {
	summaries, err := p.graph.ModelSummaries(ctx, runID)
	if err != nil {
		p.logger.Warn("read evaluation graph", zap.String("run_id", runID), zap.Error(err))
		return
	}
	for _, s := range summaries {
		p.logger.Info("graph model summary",
			zap.String("run_id", runID),
			zap.String("model", s.Model),
			zap.Int64("evaluations", s.Evaluations),
			zap.Int64("failures", s.Failures),
			zap.Float64("faithfulness", s.Faithfulness),
			zap.Float64("correctness", s.Correctness),
			zap.Float64("overall_score", s.OverallScore))
	}
}

// Run executes ingest, answer and judge in sequence.
func (p *Pipeline) Run(ctx context.Context) (Summary, error) {
	if _, err := p.Ingest(ctx, p.cfg.Index.Recreate); err != nil {
		return Summary{}, err
	}
	if _, err := p.Answer(ctx); err != nil {
		return Summary{}, err
	}
	return p.Judge(ctx)
}

// Clear drops the vector index and, when enabled, the evaluation graph.
func (p *Pipeline) Clear(ctx context.Context) error {
	_, index, err := p.retrieval(ctx)
	if err != nil {
		return err
	}
	if lc, ok := index.(vectorindex.Lifecycle); ok {
		if err := lc.Drop(ctx); err != nil {
			return fmt.Errorf("drop index: %w", err)
		}
		p.logger.Info("vector index dropped", zap.String("index", p.cfg.Index.Name))
	}
	if p.graph != nil {
		if err := p.graph.Clear(ctx); err != nil {
			return err
		}
		p.logger.Info("evaluation graph cleared")
	}
	return nil
}
