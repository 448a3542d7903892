// Package outcome carries per-item results that may have failed without
// aborting the surrounding run: one backend answer, one judge verdict.
package outcome

import (
	"context"
	"errors"
	"net"
	"net/http"
	"strings"

	"github.com/anthropics/anthropic-sdk-go"
	openai "github.com/sashabaranov/go-openai"
	"google.golang.org/genai"
)

// ErrorPrefix marks a failed cell in the tabular output.
const ErrorPrefix = "Error: "

// Kind classifies a recoverable failure.
type Kind string

const (
	KindTransport    Kind = "transport"
	KindAuth         Kind = "auth"
	KindRateLimit    Kind = "rate_limit"
	KindBadRequest   Kind = "bad_request"
	KindProvider     Kind = "provider"
	KindParse        Kind = "parse"
	KindInvalid      Kind = "invalid"
	KindAnswerFailed Kind = "answer_failed"
	KindCanceled     Kind = "canceled"
	KindUnknown      Kind = "unknown"
)

type Failure struct {
	Kind    Kind
	Message string
}

func (f *Failure) Error() string {
	return string(f.Kind) + ": " + f.Message
}

// Outcome is either a successful value or a Failure, never both.
type Outcome struct {
	Value   string
	Failure *Failure
}

func Success(value string) Outcome {
	return Outcome{Value: value}
}

func Fail(kind Kind, message string) Outcome {
	return Outcome{Failure: &Failure{Kind: kind, Message: message}}
}

// FromError converts err into a classified failed Outcome.
func FromError(err error) Outcome {
	return Outcome{Failure: &Failure{Kind: Classify(err), Message: err.Error()}}
}

func (o Outcome) OK() bool {
	return o.Failure == nil
}

// Text renders the outcome for a spreadsheet cell. Failures use the legacy
// "Error: <message>" form so existing consumers keep working.
func (o Outcome) Text() string {
	if o.Failure != nil {
		return ErrorPrefix + o.Failure.Message
	}
	return o.Value
}

// Parse is the inverse of Text for cells read back from a workbook.
func Parse(cell string) Outcome {
	if strings.HasPrefix(cell, ErrorPrefix) {
		return Fail(KindUnknown, strings.TrimPrefix(cell, ErrorPrefix))
	}
	return Success(cell)
}

// Classify maps provider, transport and context errors onto a Kind.
func Classify(err error) Kind {
	if err == nil {
		return KindUnknown
	}

	var f *Failure
	if errors.As(err, &f) {
		return f.Kind
	}

	if errors.Is(err, context.Canceled) {
		return KindCanceled
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return KindTransport
	}

	var openaiErr *openai.APIError
	if errors.As(err, &openaiErr) {
		return classifyStatus(openaiErr.HTTPStatusCode)
	}
	var openaiReqErr *openai.RequestError
	if errors.As(err, &openaiReqErr) {
		return classifyStatus(openaiReqErr.HTTPStatusCode)
	}
	var anthropicErr *anthropic.Error
	if errors.As(err, &anthropicErr) {
		return classifyStatus(anthropicErr.StatusCode)
	}
	var geminiErr genai.APIError
	if errors.As(err, &geminiErr) && geminiErr.Code != 0 {
		return classifyStatus(geminiErr.Code)
	}

	var statusErr interface{ HTTPStatus() int }
	if errors.As(err, &statusErr) {
		return classifyStatus(statusErr.HTTPStatus())
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		return KindTransport
	}

	return classifyMessage(err.Error())
}

func classifyStatus(status int) Kind {
	switch {
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return KindAuth
	case status == http.StatusTooManyRequests:
		return KindRateLimit
	case status >= 400 && status < 500:
		return KindBadRequest
	case status >= 500:
		return KindProvider
	default:
		return KindUnknown
	}
}

// classifyMessage covers errors that carry no status code, such as plain
// HTTP failures from Ollama or status-less provider errors.
func classifyMessage(msg string) Kind {
	msg = strings.ToLower(msg)
	switch {
	case containsAny(msg, "resource_exhausted", "rate limit", "rate_limit", "too many requests", "error 429"):
		return KindRateLimit
	case containsAny(msg, "unauthenticated", "permission_denied", "invalid api key", "api key not valid", "error 401", "error 403"):
		return KindAuth
	case containsAny(msg, "invalid_argument", "error 400", "error 404"):
		return KindBadRequest
	case containsAny(msg, "timeout", "connection refused", "connection reset", "no such host", "eof"):
		return KindTransport
	case containsAny(msg, "internal", "unavailable", "error 500", "error 502", "error 503"):
		return KindProvider
	default:
		return KindUnknown
	}
}

func containsAny(s string, subs ...string) bool {
	for _, sub := range subs {
		if strings.Contains(s, sub) {
			return true
		}
	}
	return false
}
