// Package generation turns the knowledge base into QA artefacts. The
// TestCaseGenerator writes a test-case suite for a feature query; the
// ScriptGenerator turns one case into a Selenium script grounded on the
// registered HTML. Both retrieve context from the knowledge base, fit it to
// a token budget, and send one completion request at temperature 0.
package generation

import (
	"context"
	"log/slog"
	"strings"

	"github.com/cloudwego/eino/schema"

	"github.com/54b3r/qagent-go/internal/budget"
	"github.com/54b3r/qagent-go/internal/logging"
	"github.com/54b3r/qagent-go/internal/rag"
	"github.com/54b3r/qagent-go/internal/store"
)

// Retriever returns the chunk metadata nearest to a query, nearest first.
type Retriever interface {
	SearchKnowledgeBase(ctx context.Context, query string, topK int) ([]rag.Metadata, error)
}

// HTMLResolver returns registered markup for a filename hint, falling back
// to the first-registered source.
type HTMLResolver interface {
	ResolveHTMLSource(hint string) (filename, raw string, ok bool)
}

// Completer sends one prompt to a chat model and returns the reply text.
type Completer interface {
	Complete(ctx context.Context, prompt, system string, temperature float32) (string, error)
}

// Recorder persists generation runs.
type Recorder interface {
	Record(ctx context.Context, run store.Run) (store.Run, error)
}

// generationTemperature keeps output as repeatable as the backend allows.
const generationTemperature = 0

// promptContext fits the retrieved chunks into the token budget left over
// by system and prompt (rendered without context) and returns the joined
// context block together with the distinct sources that made it in.
func promptContext(ctx context.Context, mds []rag.Metadata, system, prompt string, maxTokens int) (string, []string) {
	kept := make([]rag.Metadata, 0, len(mds))
	for _, md := range mds {
		if md.Text() != "" {
			kept = append(kept, md)
		}
	}

	fixed := budget.EstimateMessages([]*schema.Message{
		schema.SystemMessage(system),
		schema.UserMessage(prompt),
	})
	blocks := budget.FitBlocks(fixed, rag.ContextBlocks(kept), maxTokens)
	if dropped := len(kept) - len(blocks); dropped > 0 {
		logging.FromContext(ctx).Warn("budget: dropped context blocks to fit context window",
			slog.Int("dropped", dropped),
			slog.Int("retained", len(blocks)),
			slog.Int("max_tokens", maxTokens),
		)
	}

	sources := make([]string, 0, len(blocks))
	seen := make(map[string]bool, len(blocks))
	for _, md := range kept[:len(blocks)] {
		if src := md.Source(); !seen[src] {
			seen[src] = true
			sources = append(sources, src)
		}
	}
	return strings.Join(blocks, "\n\n"), sources
}

// record persists run when a recorder is configured. Failures are logged
// and never fail the generation.
func record(ctx context.Context, rec Recorder, run store.Run) string {
	if rec == nil {
		return ""
	}
	saved, err := rec.Record(ctx, run)
	if err != nil {
		logging.FromContext(ctx).Warn("history: failed to record run",
			slog.String("kind", string(run.Kind)),
			slog.Any("error", err),
		)
		return ""
	}
	return saved.ID
}
