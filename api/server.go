// Package api serves the evaluation pipeline over HTTP. Long stages run as
// background jobs, one at a time; their progress is reported by /v1/status.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/fabfab/ragbench/ingestion"
	"github.com/fabfab/ragbench/observability"
	"github.com/fabfab/ragbench/pipeline"
	"github.com/fabfab/ragbench/tabular"
)

var errRunInProgress = errors.New("a pipeline run is already in progress")

// Runner is the pipeline surface the server drives.
type Runner interface {
	Ingest(ctx context.Context, recreate bool) (ingestion.BuildResult, error)
	Answer(ctx context.Context) (int, error)
	Judge(ctx context.Context) (pipeline.Summary, error)
	Run(ctx context.Context) (pipeline.Summary, error)
	Ask(ctx context.Context, q tabular.Question) (tabular.AnswerRecord, error)
	Clear(ctx context.Context) error
}

var _ Runner = (*pipeline.Pipeline)(nil)

const (
	JobRunning   = "running"
	JobSucceeded = "succeeded"
	JobFailed    = "failed"
)

// Job is one background pipeline stage.
type Job struct {
	ID         string     `json:"id"`
	Operation  string     `json:"operation"`
	State      string     `json:"state"`
	Error      string     `json:"error,omitempty"`
	Result     any        `json:"result,omitempty"`
	StartedAt  time.Time  `json:"startedAt"`
	FinishedAt *time.Time `json:"finishedAt,omitempty"`
}

type Server struct {
	runner   Runner
	logger   *zap.Logger
	metrics  *observability.Metrics
	validate *validator.Validate
	recreate bool
	handler  http.Handler

	baseCtx context.Context
	mu      sync.Mutex
	current *Job
	jobs    sync.WaitGroup
	// store is held shared by asks and exclusively by jobs, so no question
	// is answered while the index is rebuilt or dropped.
	store sync.RWMutex
}

type messageResponse struct {
	Message string `json:"message"`
}

type errorResponse struct {
	Error string `json:"error"`
}

type ingestRequest struct {
	Recreate *bool `json:"recreate"`
}

type askRequest struct {
	Category     string `json:"category" validate:"max=200"`
	Question     string `json:"question" validate:"required,max=4000"`
	GoldenAnswer string `json:"goldenAnswer" validate:"max=4000"`
}

type askResponse struct {
	Question string            `json:"question"`
	Context  string            `json:"context"`
	Answers  map[string]answer `json:"answers"`
}

type answer struct {
	Text  string `json:"text,omitempty"`
	Error string `json:"error,omitempty"`
	Kind  string `json:"kind,omitempty"`
}

type clearRequest struct {
	Confirm bool `json:"confirm" validate:"eq=true"`
}

type statusResponse struct {
	Running bool `json:"running"`
	Job     *Job `json:"job,omitempty"`
}

type summaryResponse struct {
	RunID  string   `json:"runId"`
	Models []string `json:"models"`
	Files  []string `json:"files"`
}

// New constructs a Server. Background jobs inherit ctx, so cancelling it
// stops a running stage. recreate is the default for /v1/ingest.
func New(ctx context.Context, runner Runner, logger *zap.Logger, metrics *observability.Metrics, recreate bool) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}

	s := &Server{
		runner:   runner,
		logger:   logger,
		metrics:  metrics,
		validate: validator.New(),
		recreate: recreate,
		baseCtx:  ctx,
	}
	s.handler = s.routes()
	return s
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.handler.ServeHTTP(w, r)
}

func (s *Server) Handler() http.Handler {
	return s.handler
}

// Wait blocks until the running job, if any, has finished.
func (s *Server) Wait() {
	s.jobs.Wait()
}

func (s *Server) routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(s.requestLogger)

	r.Get("/healthz", s.handleHealth)
	if s.metrics != nil {
		r.Method(http.MethodGet, "/metrics", s.metrics.Handler())
	}

	r.Route("/v1", func(r chi.Router) {
		r.Get("/status", s.handleStatus)
		r.Post("/ingest", s.handleIngest)
		r.Post("/answer", s.handleAnswer)
		r.Post("/judge", s.handleJudge)
		r.Post("/run", s.handleRun)
		r.Post("/ask", s.handleAsk)
		r.Post("/clear", s.handleClear)
	})
	return r
}

func (s *Server) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		s.logger.Debug("http request",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", ww.Status()),
			zap.Duration("elapsed", time.Since(start)),
			zap.String("request_id", middleware.GetReqID(r.Context())))
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, messageResponse{Message: "ok"})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	defer s.mu.Unlock()

	resp := statusResponse{}
	if s.current != nil {
		job := *s.current
		resp.Job = &job
		resp.Running = job.State == JobRunning
	}
	s.writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleIngest(w http.ResponseWriter, r *http.Request) {
	var req ingestRequest
	if err := decodeJSON(r, &req); err != nil {
		s.writeError(w, http.StatusBadRequest, fmt.Errorf("decode request: %w", err))
		return
	}
	recreate := s.recreate
	if req.Recreate != nil {
		recreate = *req.Recreate
	}

	s.start(w, "ingest", func(ctx context.Context) (any, error) {
		return s.runner.Ingest(ctx, recreate)
	})
}

func (s *Server) handleAnswer(w http.ResponseWriter, r *http.Request) {
	s.start(w, "answer", func(ctx context.Context) (any, error) {
		n, err := s.runner.Answer(ctx)
		return map[string]int{"questions": n}, err
	})
}

func (s *Server) handleJudge(w http.ResponseWriter, r *http.Request) {
	s.start(w, "judge", func(ctx context.Context) (any, error) {
		summary, err := s.runner.Judge(ctx)
		return toSummary(summary), err
	})
}

func (s *Server) handleRun(w http.ResponseWriter, r *http.Request) {
	s.start(w, "run", func(ctx context.Context) (any, error) {
		summary, err := s.runner.Run(ctx)
		return toSummary(summary), err
	})
}

func (s *Server) handleAsk(w http.ResponseWriter, r *http.Request) {
	var req askRequest
	if err := decodeJSON(r, &req); err != nil {
		s.writeError(w, http.StatusBadRequest, fmt.Errorf("decode request: %w", err))
		return
	}
	req.Question = strings.TrimSpace(req.Question)
	if err := s.validate.Struct(req); err != nil {
		s.writeError(w, http.StatusBadRequest, validationError(err))
		return
	}

	s.mu.Lock()
	busy := s.busyLocked() || !s.store.TryRLock()
	s.mu.Unlock()
	if busy {
		s.writeError(w, http.StatusConflict, errRunInProgress)
		return
	}
	defer s.store.RUnlock()

	rec, err := s.runner.Ask(r.Context(), tabular.Question{
		Category:     req.Category,
		Question:     req.Question,
		GoldenAnswer: req.GoldenAnswer,
	})
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, fmt.Errorf("answer question: %w", err))
		return
	}

	resp := askResponse{Question: rec.Question.Question, Context: rec.Context, Answers: make(map[string]answer, len(rec.Answers))}
	for name, o := range rec.Answers {
		if o.OK() {
			resp.Answers[name] = answer{Text: o.Value}
		} else {
			resp.Answers[name] = answer{Error: o.Failure.Message, Kind: string(o.Failure.Kind)}
		}
	}
	s.writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleClear(w http.ResponseWriter, r *http.Request) {
	var req clearRequest
	if err := decodeJSON(r, &req); err != nil {
		s.writeError(w, http.StatusBadRequest, fmt.Errorf("decode request: %w", err))
		return
	}
	if err := s.validate.Struct(req); err != nil {
		s.writeError(w, http.StatusBadRequest, fmt.Errorf("confirm must be true to clear data"))
		return
	}

	job, ok := s.claim("clear")
	if !ok {
		s.writeError(w, http.StatusConflict, errRunInProgress)
		return
	}
	s.store.Lock()
	err := s.runner.Clear(r.Context())
	s.store.Unlock()
	s.finish(job, nil, err)
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, fmt.Errorf("clear: %w", err))
		return
	}
	s.logger.Info("evaluation data cleared")
	s.writeJSON(w, http.StatusOK, messageResponse{Message: "evaluation data cleared"})
}

// start launches fn as the single background job, answering 409 when another
// job is still running.
func (s *Server) start(w http.ResponseWriter, operation string, fn func(ctx context.Context) (any, error)) {
	job, ok := s.claim(operation)
	if !ok {
		s.writeError(w, http.StatusConflict, errRunInProgress)
		return
	}
	s.mu.Lock()
	snapshot := *job
	s.mu.Unlock()

	s.jobs.Add(1)
	go func() {
		defer s.jobs.Done()
		s.store.Lock()
		result, err := fn(s.baseCtx)
		s.store.Unlock()
		s.finish(job, result, err)
	}()

	s.writeJSON(w, http.StatusAccepted, snapshot)
}

// claim makes a new running job current unless one is already running.
func (s *Server) claim(operation string) (*Job, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.busyLocked() {
		return nil, false
	}
	job := &Job{
		ID:        uuid.NewString(),
		Operation: operation,
		State:     JobRunning,
		StartedAt: time.Now().UTC(),
	}
	s.current = job
	s.logger.Info("job started", zap.String("job", job.ID), zap.String("operation", operation))
	return job, true
}

func (s *Server) finish(job *Job, result any, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	finished := time.Now().UTC()
	job.FinishedAt = &finished
	if err != nil {
		job.State = JobFailed
		job.Error = err.Error()
		s.logger.Error("job failed", zap.String("job", job.ID), zap.String("operation", job.Operation), zap.Error(err))
		return
	}
	job.State = JobSucceeded
	job.Result = result
	s.logger.Info("job finished", zap.String("job", job.ID), zap.String("operation", job.Operation),
		zap.Duration("elapsed", finished.Sub(job.StartedAt)))
}

func (s *Server) busyLocked() bool {
	return s.current != nil && s.current.State == JobRunning
}

func toSummary(s pipeline.Summary) summaryResponse {
	return summaryResponse{RunID: s.RunID, Models: s.Models, Files: s.Files}
}

func validationError(err error) error {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return err
	}
	msgs := make([]string, 0, len(verrs))
	for _, e := range verrs {
		msgs = append(msgs, fmt.Sprintf("%s failed on '%s'", strings.ToLower(e.Field()), e.Tag()))
	}
	return errors.New(strings.Join(msgs, "; "))
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		s.logger.Warn("encode response", zap.Error(err))
	}
}

func (s *Server) writeError(w http.ResponseWriter, status int, err error) {
	s.logger.Warn("api error", zap.Int("status", status), zap.Error(err))
	s.writeJSON(w, status, errorResponse{Error: err.Error()})
}

func decodeJSON(r *http.Request, dst any) error {
	if r.Body == nil {
		return nil
	}
	defer r.Body.Close()

	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		if err == io.EOF {
			return nil
		}
		return err
	}

	if dec.More() {
		return fmt.Errorf("request body must contain a single JSON object")
	}

	return nil
}
