package backends

import (
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/fabfab/ragbench/config"
	"github.com/fabfab/ragbench/llm"
	"github.com/fabfab/ragbench/observability"
)

var ErrDuplicateBackend = errors.New("duplicate backend name")

// Registry holds backends in registration order. Output columns follow that
// order.
type Registry struct {
	order  []string
	byName map[string]Backend
}

func NewRegistry() *Registry {
	return &Registry{byName: make(map[string]Backend)}
}

func (r *Registry) Register(b Backend) error {
	if b == nil {
		return fmt.Errorf("register backend: nil backend")
	}
	name := b.Name()
	if name == "" {
		return fmt.Errorf("register backend: empty name")
	}
	if _, ok := r.byName[name]; ok {
		return fmt.Errorf("register %s: %w", name, ErrDuplicateBackend)
	}
	r.order = append(r.order, name)
	r.byName[name] = b
	return nil
}

func (r *Registry) Get(name string) (Backend, bool) {
	b, ok := r.byName[name]
	return b, ok
}

func (r *Registry) Names() []string {
	return append([]string(nil), r.order...)
}

func (r *Registry) Backends() []Backend {
	out := make([]Backend, len(r.order))
	for i, name := range r.order {
		out[i] = r.byName[name]
	}
	return out
}

func (r *Registry) Len() int {
	return len(r.order)
}

// FromConfig builds one LLMBackend per configured entry. A backend whose
// client cannot be constructed (for example a missing API key) is still
// registered so its column appears, and every answer records the reason.
func FromConfig(cfg config.Config, logger *zap.Logger, metrics *observability.Metrics) (*Registry, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	reg := NewRegistry()
	for _, bc := range cfg.Backends {
		var b Backend
		client, err := llm.NewClient(llm.BackendOptions(cfg, bc))
		if err != nil {
			logger.Warn("backend unavailable", zap.String("backend", bc.Name), zap.Error(err))
			b = unavailable{name: bc.Name, reason: err.Error()}
		} else {
			b = NewLLMBackend(bc.Name, client,
				WithSystemPrompt(bc.SystemPrompt),
				WithPreCallDelay(bc.PreCallDelay),
				WithLogger(logger),
				WithMetrics(metrics),
			)
		}
		if err := reg.Register(b); err != nil {
			return nil, err
		}
	}
	return reg, nil
}
