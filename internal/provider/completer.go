package provider

import (
	"context"
	"fmt"
	"strings"

	"github.com/cloudwego/eino/components/model"
	"github.com/cloudwego/eino/schema"
)

// Completer adapts an eino chat model to a single prompt → text call.
// It is safe for concurrent use when the underlying model is.
type Completer struct {
	// model is the backend chat model.
	model model.BaseChatModel

	// name labels the backend in errors and logs.
	name string

	// maxTokens is forwarded on every call when positive.
	maxTokens int

	// sampling is false for backends that reject temperature/max tokens.
	sampling bool
}

// NewCompleter wraps m using the backend label and limits from cfg.
func NewCompleter(m model.BaseChatModel, cfg *Config) (*Completer, error) {
	if m == nil {
		return nil, fmt.Errorf("provider: model must not be nil")
	}
	if cfg == nil {
		return nil, fmt.Errorf("provider: config must not be nil")
	}
	return &Completer{
		model:     m,
		name:      string(cfg.Backend),
		maxTokens: cfg.Tuning.MaxTokens,
		sampling:  SupportsSampling(cfg),
	}, nil
}

// Name returns the backend label.
func (c *Completer) Name() string { return c.name }

// Complete sends prompt, preceded by system when non-empty, and returns the
// trimmed text of the reply.
func (c *Completer) Complete(ctx context.Context, prompt, system string, temperature float32) (string, error) {
	msgs := make([]*schema.Message, 0, 2)
	if system != "" {
		msgs = append(msgs, schema.SystemMessage(system))
	}
	msgs = append(msgs, schema.UserMessage(prompt))

	var opts []model.Option
	if c.sampling {
		opts = append(opts, model.WithTemperature(temperature))
		if c.maxTokens > 0 {
			opts = append(opts, model.WithMaxTokens(c.maxTokens))
		}
	}

	resp, err := c.model.Generate(ctx, msgs, opts...)
	if err != nil {
		return "", fmt.Errorf("provider: %s generate: %w", c.name, err)
	}
	if resp == nil {
		return "", fmt.Errorf("provider: %s returned no message", c.name)
	}
	return strings.TrimSpace(resp.Content), nil
}
