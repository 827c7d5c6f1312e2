package server

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/cloudwego/eino/components/model"
	"github.com/cloudwego/eino/schema"

	"github.com/54b3r/qagent-go/internal/logging"
	"github.com/54b3r/qagent-go/internal/provider"
)

// LLMPinger probes the completion backend. It satisfies the Pinger
// interface and is used by GET /api/ready.
type LLMPinger struct {
	// model is probed with a one-word Generate call when healthCheck is nil.
	model model.BaseChatModel
	// healthCheck is the zero-cost probe for backends that expose one.
	healthCheck provider.HealthChecker
	// name identifies the backend in readiness responses (e.g. "groq").
	name string
}

// NewLLMPinger constructs an LLMPinger. hc may be nil for backends without
// a listing endpoint, in which case every probe spends a few tokens.
func NewLLMPinger(m model.BaseChatModel, hc provider.HealthChecker, name string) *LLMPinger {
	return &LLMPinger{model: m, healthCheck: hc, name: name}
}

// Name returns the backend label used in readiness responses.
func (p *LLMPinger) Name() string { return p.name }

// Ping probes the LLM backend for readiness. When a zero-cost HealthChecker
// is available it is used exclusively; otherwise it falls back to a
// single-message Generate call.
func (p *LLMPinger) Ping(ctx context.Context) error {
	if p.healthCheck != nil {
		if err := p.healthCheck.HealthCheck(ctx); err != nil {
			return fmt.Errorf("%s health check failed: %w", p.name, err)
		}
		return nil
	}
	if p.model == nil {
		return fmt.Errorf("%s: no model to probe", p.name)
	}

	logging.FromContext(ctx).Debug("pinger: using Generate-based health check, tokens will be consumed",
		slog.String("backend", p.name),
	)
	resp, err := p.model.Generate(ctx, []*schema.Message{schema.UserMessage("ping")})
	if err != nil {
		return fmt.Errorf("generate failed: %w", err)
	}
	if resp == nil {
		return fmt.Errorf("generate returned nil response")
	}
	return nil
}

// FuncPinger adapts a probe function, such as OllamaEmbedder.Ping, to the
// Pinger interface.
type FuncPinger struct {
	// name identifies the dependency in readiness responses.
	name string
	// fn performs the probe.
	fn func(ctx context.Context) error
}

// NewFuncPinger constructs a FuncPinger.
func NewFuncPinger(name string, fn func(ctx context.Context) error) *FuncPinger {
	return &FuncPinger{name: name, fn: fn}
}

// Name returns the dependency label used in readiness responses.
func (p *FuncPinger) Name() string { return p.name }

// Ping runs the probe function.
func (p *FuncPinger) Ping(ctx context.Context) error { return p.fn(ctx) }
