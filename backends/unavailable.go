package backends

import (
	"context"

	"github.com/fabfab/ragbench/outcome"
)

// unavailable stands in for a backend that could not be constructed.
type unavailable struct {
	name   string
	reason string
}

func (u unavailable) Name() string { return u.name }

func (u unavailable) Answer(context.Context, string, string) outcome.Outcome {
	return outcome.Fail(outcome.KindAuth, u.reason)
}
