package outcome

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/anthropics/anthropic-sdk-go"
	openai "github.com/sashabaranov/go-openai"
	"google.golang.org/genai"
)

func TestTextAndParseRoundTrip(t *testing.T) {
	ok := Success("LOD500")
	if got := Parse(ok.Text()); !got.OK() || got.Value != "LOD500" {
		t.Fatalf("unexpected success round trip: %+v", got)
	}

	failed := Fail(KindRateLimit, "slow down")
	if failed.Text() != "Error: slow down" {
		t.Fatalf("unexpected failure text: %q", failed.Text())
	}
	parsed := Parse(failed.Text())
	if parsed.OK() || parsed.Failure.Message != "slow down" {
		t.Fatalf("unexpected failure round trip: %+v", parsed)
	}
}

type statusError int

func (e statusError) Error() string   { return fmt.Sprintf("status %d", int(e)) }
func (e statusError) HTTPStatus() int { return int(e) }

func TestClassify(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want Kind
	}{
		{"openai rate limit", &openai.APIError{HTTPStatusCode: 429, Message: "rate limit"}, KindRateLimit},
		{"openai auth wrapped", fmt.Errorf("create openai chat completion: %w", &openai.APIError{HTTPStatusCode: 401}), KindAuth},
		{"openai request error", &openai.RequestError{HTTPStatusCode: 503, Err: errors.New("upstream")}, KindProvider},
		{"anthropic bad request", &anthropic.Error{StatusCode: 400}, KindBadRequest},
		{"canceled", fmt.Errorf("call: %w", context.Canceled), KindCanceled},
		{"deadline", context.DeadlineExceeded, KindTransport},
		{"gemini api error", fmt.Errorf("generate gemini content: %w", genai.APIError{Code: 403, Status: "PERMISSION_DENIED"}), KindAuth},
		{"status-less quota", errors.New("Error 429, Message: quota, Status: RESOURCE_EXHAUSTED"), KindRateLimit},
		{"http status", fmt.Errorf("answer: %w", statusError(429)), KindRateLimit},
		{"typed failure", &Failure{Kind: KindParse, Message: "bad json"}, KindParse},
		{"unknown", errors.New("something odd"), KindUnknown},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Classify(tt.err); got != tt.want {
				t.Fatalf("Classify() = %s, want %s", got, tt.want)
			}
		})
	}
}

func TestFromErrorKeepsMessage(t *testing.T) {
	out := FromError(errors.New("boom"))
	if out.OK() {
		t.Fatal("expected failure")
	}
	if out.Text() != "Error: boom" {
		t.Fatalf("unexpected text %q", out.Text())
	}
}
