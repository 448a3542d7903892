package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/fabfab/ragbench/ingestion"
	"github.com/fabfab/ragbench/observability"
	"github.com/fabfab/ragbench/outcome"
	"github.com/fabfab/ragbench/pipeline"
	"github.com/fabfab/ragbench/tabular"
)

type stubRunner struct {
	mu        sync.Mutex
	release   chan struct{}
	recreate  []bool
	runErr    error
	cleared   int
	askedWith tabular.Question

	clearGate    chan struct{}
	clearStarted chan struct{}
}

func newStubRunner() *stubRunner {
	return &stubRunner{release: make(chan struct{}), clearStarted: make(chan struct{}, 1)}
}

func (s *stubRunner) asked() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.askedWith.Question != ""
}

func (s *stubRunner) Ingest(ctx context.Context, recreate bool) (ingestion.BuildResult, error) {
	s.mu.Lock()
	s.recreate = append(s.recreate, recreate)
	s.mu.Unlock()
	return ingestion.BuildResult{Recreated: recreate, Vectors: 4}, nil
}

func (s *stubRunner) Answer(ctx context.Context) (int, error) {
	return 2, nil
}

func (s *stubRunner) Judge(ctx context.Context) (pipeline.Summary, error) {
	return pipeline.Summary{RunID: "judge-run"}, nil
}

func (s *stubRunner) Run(ctx context.Context) (pipeline.Summary, error) {
	select {
	case <-s.release:
	case <-ctx.Done():
		return pipeline.Summary{}, ctx.Err()
	}
	if s.runErr != nil {
		return pipeline.Summary{}, s.runErr
	}
	return pipeline.Summary{RunID: "run-1", Models: []string{"gpt-4o"}, Files: []string{"out/models_comparison_report.xlsx"}}, nil
}

func (s *stubRunner) Ask(ctx context.Context, q tabular.Question) (tabular.AnswerRecord, error) {
	s.mu.Lock()
	s.askedWith = q
	s.mu.Unlock()
	return tabular.AnswerRecord{
		Question: q,
		Context:  "retrieved",
		Answers: map[string]outcome.Outcome{
			"gpt-4o": outcome.Success("As-built."),
			"Grok3":  outcome.Fail(outcome.KindRateLimit, "429"),
		},
	}, nil
}

func (s *stubRunner) Clear(ctx context.Context) error {
	s.clearStarted <- struct{}{}
	if s.clearGate != nil {
		<-s.clearGate
	}
	s.mu.Lock()
	s.cleared++
	s.mu.Unlock()
	return nil
}

var _ Runner = (*stubRunner)(nil)

func do(t *testing.T, srv *Server, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, req)
	return rec
}

func status(t *testing.T, srv *Server) statusResponse {
	t.Helper()
	rec := do(t, srv, http.MethodGet, "/v1/status", "")
	var resp statusResponse
	if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
		t.Fatalf("decode status: %v", err)
	}
	return resp
}

func TestHealthAndMetrics(t *testing.T) {
	srv := New(context.Background(), newStubRunner(), nil, observability.NewMetrics(), true)

	if rec := do(t, srv, http.MethodGet, "/healthz", ""); rec.Code != http.StatusOK {
		t.Fatalf("health: expected 200, got %d", rec.Code)
	}
	rec := do(t, srv, http.MethodGet, "/metrics", "")
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), "go_goroutines") {
		t.Fatalf("metrics: unexpected response %d", rec.Code)
	}
	if rec := do(t, srv, http.MethodGet, "/v1/run", ""); rec.Code != http.StatusMethodNotAllowed {
		t.Fatalf("expected 405 for GET /v1/run, got %d", rec.Code)
	}
}

func TestRunIsSingleFlight(t *testing.T) {
	runner := newStubRunner()
	srv := New(context.Background(), runner, nil, nil, true)

	rec := do(t, srv, http.MethodPost, "/v1/run", "")
	if rec.Code != http.StatusAccepted {
		t.Fatalf("expected 202, got %d: %s", rec.Code, rec.Body.String())
	}
	var job Job
	if err := json.NewDecoder(rec.Body).Decode(&job); err != nil {
		t.Fatalf("decode job: %v", err)
	}
	if job.ID == "" || job.State != JobRunning || job.Operation != "run" {
		t.Fatalf("unexpected job %+v", job)
	}

	if rec := do(t, srv, http.MethodPost, "/v1/judge", ""); rec.Code != http.StatusConflict {
		t.Fatalf("expected 409 while running, got %d", rec.Code)
	}
	if rec := do(t, srv, http.MethodPost, "/v1/clear", `{"confirm": true}`); rec.Code != http.StatusConflict {
		t.Fatalf("expected 409 for clear while running, got %d", rec.Code)
	}
	if rec := do(t, srv, http.MethodPost, "/v1/ask", `{"question": "What is LOD500?"}`); rec.Code != http.StatusConflict {
		t.Fatalf("expected 409 for ask while running, got %d", rec.Code)
	}
	if runner.asked() {
		t.Fatal("ask must not reach the runner while a job is running")
	}
	if st := status(t, srv); !st.Running || st.Job.ID != job.ID {
		t.Fatalf("expected running status, got %+v", st)
	}

	close(runner.release)
	srv.Wait()

	st := status(t, srv)
	if st.Running || st.Job.State != JobSucceeded || st.Job.FinishedAt == nil {
		t.Fatalf("expected succeeded job, got %+v", st.Job)
	}

	if rec := do(t, srv, http.MethodPost, "/v1/judge", ""); rec.Code != http.StatusAccepted {
		t.Fatalf("expected a new job to start, got %d", rec.Code)
	}
	srv.Wait()
}

func TestRunFailureIsReported(t *testing.T) {
	runner := newStubRunner()
	runner.runErr = errors.New("read questions: missing required column: Questions")
	close(runner.release)
	srv := New(context.Background(), runner, nil, nil, true)

	do(t, srv, http.MethodPost, "/v1/run", "")
	srv.Wait()

	st := status(t, srv)
	if st.Job.State != JobFailed || !strings.Contains(st.Job.Error, "missing required column") {
		t.Fatalf("expected failed job, got %+v", st.Job)
	}
}

func TestIngestRecreateOverride(t *testing.T) {
	runner := newStubRunner()
	srv := New(context.Background(), runner, nil, nil, true)

	do(t, srv, http.MethodPost, "/v1/ingest", "")
	srv.Wait()
	do(t, srv, http.MethodPost, "/v1/ingest", `{"recreate": false}`)
	srv.Wait()

	if len(runner.recreate) != 2 || !runner.recreate[0] || runner.recreate[1] {
		t.Fatalf("unexpected recreate flags %v", runner.recreate)
	}
	if rec := do(t, srv, http.MethodPost, "/v1/ingest", `{"unknown": 1}`); rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for unknown field, got %d", rec.Code)
	}
}

func TestAsk(t *testing.T) {
	runner := newStubRunner()
	srv := New(context.Background(), runner, nil, nil, true)

	rec := do(t, srv, http.MethodPost, "/v1/ask", `{"question": "  What is LOD500?  ", "category": "BIM"}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	var resp askResponse
	if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if runner.askedWith.Question != "What is LOD500?" {
		t.Fatalf("expected trimmed question, got %q", runner.askedWith.Question)
	}
	if resp.Answers["gpt-4o"].Text != "As-built." {
		t.Fatalf("unexpected answer %+v", resp.Answers["gpt-4o"])
	}
	if resp.Answers["Grok3"].Kind != string(outcome.KindRateLimit) || resp.Answers["Grok3"].Error != "429" {
		t.Fatalf("unexpected failure %+v", resp.Answers["Grok3"])
	}

	rec = do(t, srv, http.MethodPost, "/v1/ask", `{"question": "   "}`)
	if rec.Code != http.StatusBadRequest || !strings.Contains(rec.Body.String(), "question failed on 'required'") {
		t.Fatalf("expected validation error, got %d: %s", rec.Code, rec.Body.String())
	}
}

func TestClearRequiresConfirmation(t *testing.T) {
	runner := newStubRunner()
	srv := New(context.Background(), runner, nil, nil, true)

	if rec := do(t, srv, http.MethodPost, "/v1/clear", `{"confirm": false}`); rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rec.Code)
	}
	if rec := do(t, srv, http.MethodPost, "/v1/clear", `{"confirm": true}`); rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if runner.cleared != 1 {
		t.Fatalf("expected one clear, got %d", runner.cleared)
	}
	st := status(t, srv)
	if st.Running || st.Job == nil || st.Job.Operation != "clear" || st.Job.State != JobSucceeded {
		t.Fatalf("expected a finished clear job, got %+v", st.Job)
	}
}

func TestClearBlocksNewJobsUntilDone(t *testing.T) {
	runner := newStubRunner()
	runner.clearGate = make(chan struct{})
	srv := New(context.Background(), runner, nil, nil, true)

	done := make(chan int)
	go func() {
		done <- do(t, srv, http.MethodPost, "/v1/clear", `{"confirm": true}`).Code
	}()
	<-runner.clearStarted

	if rec := do(t, srv, http.MethodPost, "/v1/run", ""); rec.Code != http.StatusConflict {
		t.Fatalf("expected 409 for run during clear, got %d", rec.Code)
	}
	if rec := do(t, srv, http.MethodPost, "/v1/ask", `{"question": "q"}`); rec.Code != http.StatusConflict {
		t.Fatalf("expected 409 for ask during clear, got %d", rec.Code)
	}

	close(runner.clearGate)
	if code := <-done; code != http.StatusOK {
		t.Fatalf("expected clear to succeed, got %d", code)
	}
}
