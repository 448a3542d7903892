// Package judge scores model answers against a four-criterion rubric using a
// judge LLM. A failed call or unreadable verdict yields a zero score instead of
// an error.
package judge

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/fabfab/ragbench/llm"
	"github.com/fabfab/ragbench/observability"
	"github.com/fabfab/ragbench/outcome"
	"github.com/fabfab/ragbench/pacing"
	"github.com/fabfab/ragbench/tabular"
)

const DefaultDelay = time.Second

// Input is everything the judge sees for one answer.
type Input struct {
	Category     string
	Question     string
	GoldenAnswer string
	Answer       string
	Context      string
	Model        string
}

// Score holds the four rubric dimensions. OverallScore is always the mean of
// the four, so a failed score has OverallScore 0.
type Score struct {
	Faithfulness     int
	AnswerRelevance  int
	ContextRelevance int
	Correctness      int
	OverallScore     float64
	Explanation      string
	Failure          *outcome.Failure
}

func (s Score) OK() bool {
	return s.Failure == nil
}

func (s Score) mean() float64 {
	return float64(s.Faithfulness+s.AnswerRelevance+s.ContextRelevance+s.Correctness) / 4
}

// FailedScore is the zero score recorded when no verdict could be obtained.
func FailedScore(kind outcome.Kind, message string) Score {
	return Score{
		Explanation: "Evaluation error: " + message,
		Failure:     &outcome.Failure{Kind: kind, Message: message},
	}
}

// Result is one scored answer.
type Result struct {
	Input
	Score Score
}

type Service struct {
	client      llm.Client
	delay       time.Duration
	scoreFailed bool
	sleep       pacing.SleepFunc
	logger      *zap.Logger
	metrics     *observability.Metrics
	progress    func(model string, done, total int)
}

type Option func(*Service)

// WithDelay sets the pause after every judge call.
func WithDelay(d time.Duration) Option {
	return func(s *Service) {
		if d >= 0 {
			s.delay = d
		}
	}
}

// WithScoreFailedAnswers sends failed answers to the judge as their
// "Error: ..." text instead of scoring them zero locally.
func WithScoreFailedAnswers(enabled bool) Option {
	return func(s *Service) { s.scoreFailed = enabled }
}

func WithSleep(fn pacing.SleepFunc) Option {
	return func(s *Service) {
		if fn != nil {
			s.sleep = fn
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

func WithProgress(fn func(model string, done, total int)) Option {
	return func(s *Service) { s.progress = fn }
}

func NewService(client llm.Client, opts ...Option) (*Service, error) {
	if client == nil {
		return nil, fmt.Errorf("judge llm client is not configured")
	}
	s := &Service{
		client: client,
		delay:  DefaultDelay,
		sleep:  pacing.Sleep,
		logger: zap.NewNop(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Score asks the judge for one verdict. It never returns an error; the
// configured delay follows every call whatever its result.
func (s *Service) Score(ctx context.Context, in Input) Score {
	messages := []llm.Message{
		{Role: llm.RoleSystem, Content: systemPrompt},
		{Role: llm.RoleUser, Content: rubricPrompt(in)},
	}

	score := s.call(ctx, messages)
	s.metrics.JudgeEvaluated(in.Model, score.OverallScore, !score.OK())
	if !score.OK() {
		s.logger.Warn("evaluation failed",
			zap.String("model", in.Model),
			zap.String("kind", string(score.Failure.Kind)),
			zap.String("error", score.Failure.Message))
	}

	if err := s.sleep(ctx, s.delay); err != nil {
		s.logger.Debug("judge delay interrupted", zap.Error(err))
	}
	return score
}

func (s *Service) call(ctx context.Context, messages []llm.Message) (score Score) {
	defer func() {
		if r := recover(); r != nil {
			score = FailedScore(outcome.KindUnknown, fmt.Sprintf("judge panicked: %v", r))
		}
	}()

	reply, err := s.client.Generate(ctx, messages)
	if err != nil {
		return FailedScore(outcome.Classify(err), err.Error())
	}

	score, err = parseVerdict(reply)
	if err != nil {
		kind := outcome.KindParse
		var se *schemaError
		if errors.As(err, &se) {
			kind = outcome.KindInvalid
		}
		return FailedScore(kind, err.Error())
	}
	return score
}

// Evaluation holds scored results per model, in evaluation order.
type Evaluation struct {
	Models  []string
	Results map[string][]Result
}

// Evaluate scores every record's answer for each requested model, model by
// model, preserving record order. Models without a column in columns are
// skipped with a warning. Only context cancellation is returned as an error.
func (s *Service) Evaluate(ctx context.Context, models, columns []string, records []tabular.AnswerRecord) (Evaluation, error) {
	present := make(map[string]bool, len(columns))
	for _, c := range columns {
		present[c] = true
	}

	eval := Evaluation{Results: make(map[string][]Result)}
	for _, model := range models {
		if !present[model] {
			s.logger.Warn("model column not found, skipping", zap.String("model", model))
			continue
		}

		s.logger.Info("evaluating model", zap.String("model", model), zap.Int("rows", len(records)))
		results := make([]Result, 0, len(records))
		for i, rec := range records {
			if err := ctx.Err(); err != nil {
				return Evaluation{}, err
			}

			answer := rec.Answers[model]
			in := Input{
				Category:     rec.Category,
				Question:     rec.Question.Question,
				GoldenAnswer: rec.GoldenAnswer,
				Answer:       answer.Text(),
				Context:      rec.Context,
				Model:        model,
			}

			var score Score
			if !answer.OK() && !s.scoreFailed {
				score = FailedScore(outcome.KindAnswerFailed, answer.Failure.Message)
			} else {
				s.logger.Info("scoring answer", zap.String("model", model), zap.Int("row", i+1))
				score = s.Score(ctx, in)
			}
			results = append(results, Result{Input: in, Score: score})

			if s.progress != nil {
				s.progress(model, i+1, len(records))
			}
		}

		eval.Models = append(eval.Models, model)
		eval.Results[model] = results
	}
	return eval, nil
}
