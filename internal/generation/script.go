package generation

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/54b3r/qagent-go/internal/budget"
	"github.com/54b3r/qagent-go/internal/logging"
	"github.com/54b3r/qagent-go/internal/rag"
	"github.com/54b3r/qagent-go/internal/store"
)

const (
	// DefaultScriptTopK is the number of chunks retrieved per script.
	DefaultScriptTopK = 4

	// htmlPromptLimit caps the markup placed in the script prompt, in characters.
	htmlPromptLimit = 4000
)

const scriptSystemPrompt = `You are a Selenium (Python) expert. You write complete, runnable scripts
that a QA engineer can execute without edits.`

const scriptPrompt = `Generate a complete, runnable Selenium script for the following test case.
Use webdriver-manager and Chrome WebDriver.

TEST CASE:
%s

HTML SOURCE (first %d chars):
%s

CONTEXT DOCS:
%s

RULES:
- Use only selectors that actually appear in the HTML.
- Use WebDriverWait where appropriate.
- Include comments referencing Grounded_In.
- Output ONLY the final Python script. No explanations.`

// ScriptConfig holds the dependencies of a ScriptGenerator.
type ScriptConfig struct {
	// Retriever supplies knowledge-base context.
	Retriever Retriever

	// HTML resolves the page markup shown to the model.
	HTML HTMLResolver

	// Completer is the chat model client.
	Completer Completer

	// TopK is the number of chunks retrieved. Defaults to 4 if zero.
	TopK int

	// MaxContextTokens is the prompt budget. Defaults to
	// budget.DefaultMaxContextTokens if zero.
	MaxContextTokens int

	// History records each run. May be nil.
	History Recorder
}

// ScriptGenerator turns a test case into a Selenium script.
type ScriptGenerator struct {
	retriever Retriever
	html      HTMLResolver
	completer Completer
	topK      int
	maxTokens int
	history   Recorder
}

// NewScriptGenerator constructs a ScriptGenerator from cfg.
func NewScriptGenerator(cfg *ScriptConfig) (*ScriptGenerator, error) {
	if cfg == nil {
		return nil, fmt.Errorf("generation: config must not be nil")
	}
	if cfg.Retriever == nil {
		return nil, fmt.Errorf("generation: Retriever must not be nil")
	}
	if cfg.HTML == nil {
		return nil, fmt.Errorf("generation: HTML must not be nil")
	}
	if cfg.Completer == nil {
		return nil, fmt.Errorf("generation: Completer must not be nil")
	}

	topK := cfg.TopK
	if topK <= 0 {
		topK = DefaultScriptTopK
	}
	maxTokens := cfg.MaxContextTokens
	if maxTokens <= 0 {
		maxTokens = budget.DefaultMaxContextTokens
	}

	return &ScriptGenerator{
		retriever: cfg.Retriever,
		html:      cfg.HTML,
		completer: cfg.Completer,
		topK:      topK,
		maxTokens: maxTokens,
		history:   cfg.History,
	}, nil
}

// Generate writes a script for tc. htmlHint names the page to target; an
// empty or unknown hint uses the first registered page, and a knowledge
// base without HTML yields a prompt with an empty HTML section.
func (g *ScriptGenerator) Generate(ctx context.Context, tc TestCase, htmlHint string) (*Script, error) {
	query := tc.query()
	if query == "" {
		return nil, ErrEmptyQuery
	}
	log := logging.FromContext(ctx)

	caseJSON, err := json.MarshalIndent(tc, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("generation: encode test case: %w", err)
	}

	htmlName, html, ok := g.html.ResolveHTMLSource(htmlHint)
	if !ok {
		log.Warn("generation: no HTML registered, script selectors will be unverified")
	}
	html = truncateRunes(html, htmlPromptLimit)

	mds, err := g.retriever.SearchKnowledgeBase(ctx, query, g.topK)
	if err != nil {
		return nil, err
	}

	block, sources := promptContext(ctx, mds, scriptSystemPrompt,
		fmt.Sprintf(scriptPrompt, caseJSON, htmlPromptLimit, html, ""), g.maxTokens)
	prompt := fmt.Sprintf(scriptPrompt, caseJSON, htmlPromptLimit, html, block)

	output, err := g.completer.Complete(ctx, prompt, scriptSystemPrompt, generationTemperature)
	if err != nil {
		return nil, rag.Unavailable("completion", query, err)
	}

	script := &Script{
		Code:       stripFence(output),
		HTMLSource: htmlName,
		Sources:    sources,
	}
	log.Info("generation: script generated",
		slog.String("html_source", htmlName),
		slog.Int("code_len", len(script.Code)),
		slog.Int("sources", len(sources)),
	)

	script.RunID = record(ctx, g.history, store.Run{
		Kind:    store.KindScript,
		Query:   string(caseJSON),
		Outcome: "ok",
		Output:  output,
	})
	return script, nil
}

// truncateRunes returns the first n characters of s.
func truncateRunes(s string, n int) string {
	if len(s) <= n {
		return s
	}
	i := 0
	for pos := range s {
		if i == n {
			return s[:pos]
		}
		i++
	}
	return s
}
