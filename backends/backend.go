// Package backends exposes every answer-producing LLM behind one capability
// and keeps them in a name-ordered registry.
package backends

import (
	"context"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/fabfab/ragbench/llm"
	"github.com/fabfab/ragbench/observability"
	"github.com/fabfab/ragbench/outcome"
	"github.com/fabfab/ragbench/pacing"
)

// Backend answers a question from retrieved context. Answer never returns an
// error: every failure is carried inside the Outcome.
type Backend interface {
	Name() string
	Answer(ctx context.Context, question, contextText string) outcome.Outcome
}

// Prompt is the instruction every backend receives.
func Prompt(question, contextText string) string {
	return "Answer using ONLY this context: " + contextText + "\nQuestion: " + question
}

// LLMBackend adapts an llm.Client to Backend.
type LLMBackend struct {
	name         string
	client       llm.Client
	systemPrompt string
	preCallDelay time.Duration
	sleep        pacing.SleepFunc
	logger       *zap.Logger
	metrics      *observability.Metrics
}

type Option func(*LLMBackend)

// WithSystemPrompt prepends a system message to every request.
func WithSystemPrompt(prompt string) Option {
	return func(b *LLMBackend) { b.systemPrompt = prompt }
}

// WithPreCallDelay waits d before every request.
func WithPreCallDelay(d time.Duration) Option {
	return func(b *LLMBackend) { b.preCallDelay = d }
}

func WithSleep(fn pacing.SleepFunc) Option {
	return func(b *LLMBackend) {
		if fn != nil {
			b.sleep = fn
		}
	}
}

func WithLogger(l *zap.Logger) Option {
	return func(b *LLMBackend) {
		if l != nil {
			b.logger = l
		}
	}
}

func WithMetrics(m *observability.Metrics) Option {
	return func(b *LLMBackend) { b.metrics = m }
}

func NewLLMBackend(name string, client llm.Client, opts ...Option) *LLMBackend {
	b := &LLMBackend{
		name:   name,
		client: client,
		sleep:  pacing.Sleep,
		logger: zap.NewNop(),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

func (b *LLMBackend) Name() string {
	return b.name
}

func (b *LLMBackend) Answer(ctx context.Context, question, contextText string) (out outcome.Outcome) {
	start := time.Now()
	defer func() {
		if r := recover(); r != nil {
			out = outcome.Fail(outcome.KindUnknown, fmt.Sprintf("backend panicked: %v", r))
		}
		kind := ""
		if out.Failure != nil {
			kind = string(out.Failure.Kind)
			b.logger.Warn("backend failed",
				zap.String("backend", b.name),
				zap.String("kind", kind),
				zap.String("error", out.Failure.Message))
		}
		b.metrics.LLMRequest(b.name, time.Since(start), kind)
	}()

	if b.client == nil {
		return outcome.Fail(outcome.KindInvalid, "backend has no client configured")
	}

	if err := b.sleep(ctx, b.preCallDelay); err != nil {
		return outcome.FromError(err)
	}

	messages := make([]llm.Message, 0, 2)
	if b.systemPrompt != "" {
		messages = append(messages, llm.Message{Role: llm.RoleSystem, Content: b.systemPrompt})
	}
	messages = append(messages, llm.Message{Role: llm.RoleUser, Content: Prompt(question, contextText)})

	b.logger.Info("calling backend", zap.String("backend", b.name))
	answer, err := b.client.Generate(ctx, messages)
	if err != nil {
		return outcome.FromError(err)
	}
	answer = strings.TrimSpace(answer)
	if answer == "" {
		return outcome.Fail(outcome.KindProvider, "empty response")
	}
	return outcome.Success(answer)
}

var _ Backend = (*LLMBackend)(nil)
