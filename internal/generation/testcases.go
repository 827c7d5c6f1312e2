package generation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/54b3r/qagent-go/internal/budget"
	"github.com/54b3r/qagent-go/internal/logging"
	"github.com/54b3r/qagent-go/internal/rag"
	"github.com/54b3r/qagent-go/internal/store"
)

// DefaultTestCaseTopK is the number of chunks retrieved per test-case query.
const DefaultTestCaseTopK = 6

// ErrEmptyQuery is returned when a generation request has no query.
var ErrEmptyQuery = errors.New("generation: query must not be empty")

const testCaseSystemPrompt = `You are a QA engineer. You write precise, reproducible test cases and you
never describe behaviour that the provided documentation does not state.`

const testCasePrompt = `Using only the CONTEXT below, create 6-12 test cases in JSON array format.
Each test case must contain:
- Test_ID
- Feature
- Test_Scenario
- Steps
- Expected_Result
- Grounded_In (source document)

Cover positive and negative paths where the context describes them.
Respond with the JSON array only, no prose.

CONTEXT:
%s

USER QUERY:
%s

Rules:
- DO NOT hallucinate features.
- Only generate cases derived from context.`

// TestCaseConfig holds the dependencies of a TestCaseGenerator.
type TestCaseConfig struct {
	// Retriever supplies knowledge-base context.
	Retriever Retriever

	// Completer is the chat model client.
	Completer Completer

	// TopK is the number of chunks retrieved. Defaults to 6 if zero.
	TopK int

	// MaxContextTokens is the prompt budget. Defaults to
	// budget.DefaultMaxContextTokens if zero.
	MaxContextTokens int

	// History records each run. May be nil.
	History Recorder
}

// TestCaseGenerator writes test-case suites grounded on the knowledge base.
type TestCaseGenerator struct {
	retriever Retriever
	completer Completer
	topK      int
	maxTokens int
	history   Recorder
}

// NewTestCaseGenerator constructs a TestCaseGenerator from cfg.
func NewTestCaseGenerator(cfg *TestCaseConfig) (*TestCaseGenerator, error) {
	if cfg == nil {
		return nil, fmt.Errorf("generation: config must not be nil")
	}
	if cfg.Retriever == nil {
		return nil, fmt.Errorf("generation: Retriever must not be nil")
	}
	if cfg.Completer == nil {
		return nil, fmt.Errorf("generation: Completer must not be nil")
	}

	topK := cfg.TopK
	if topK <= 0 {
		topK = DefaultTestCaseTopK
	}
	maxTokens := cfg.MaxContextTokens
	if maxTokens <= 0 {
		maxTokens = budget.DefaultMaxContextTokens
	}

	return &TestCaseGenerator{
		retriever: cfg.Retriever,
		completer: cfg.Completer,
		topK:      topK,
		maxTokens: maxTokens,
		history:   cfg.History,
	}, nil
}

// Generate retrieves context for query and asks the model for test cases.
// Retrieval and completion failures are returned; output the model got
// wrong is not an error and comes back as OutcomeFallback.
func (g *TestCaseGenerator) Generate(ctx context.Context, query string) (*TestCaseResult, error) {
	query = strings.TrimSpace(query)
	if query == "" {
		return nil, ErrEmptyQuery
	}
	log := logging.FromContext(ctx)

	mds, err := g.retriever.SearchKnowledgeBase(ctx, query, g.topK)
	if err != nil {
		return nil, err
	}

	block, sources := promptContext(ctx, mds, testCaseSystemPrompt, fmt.Sprintf(testCasePrompt, "", query), g.maxTokens)
	prompt := fmt.Sprintf(testCasePrompt, block, query)

	output, err := g.completer.Complete(ctx, prompt, testCaseSystemPrompt, generationTemperature)
	if err != nil {
		return nil, rag.Unavailable("completion", query, err)
	}

	res := ParseTestCases(output)
	res.Sources = sources
	if res.Outcome == OutcomeFallback {
		log.Warn("generation: test-case output was not JSON, returning raw",
			slog.Int("output_len", len(output)),
			slog.Any("error", res.ParseErr),
		)
	}
	log.Info("generation: test cases generated",
		slog.String("outcome", string(res.Outcome)),
		slog.Int("cases", len(res.Cases)),
		slog.Int("sources", len(sources)),
	)

	res.RunID = record(ctx, g.history, store.Run{
		Kind:    store.KindTestCases,
		Query:   query,
		Outcome: string(res.Outcome),
		Output:  output,
	})
	return res, nil
}
