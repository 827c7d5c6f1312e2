package commands

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	"github.com/spf13/cobra"

	"github.com/54b3r/qagent-go/internal/generation"
	"github.com/54b3r/qagent-go/internal/logging"
)

// NewTestCasesCmd constructs the `qagent testcases` command, which writes a
// test-case suite for a feature grounded on the given documents.
func NewTestCasesCmd() *cobra.Command {
	var docs []string

	cmd := &cobra.Command{
		Use:   "testcases --doc FILE... QUERY",
		Short: "Generate QA test cases for a feature",
		Long: `Ingest the --doc files, retrieve the context relevant to QUERY and ask
the model for 6 to 12 test cases. The result is printed as JSON. When the
model's output cannot be decoded it is returned verbatim as a single raw
case with outcome "fallback".

Examples:
  qagent testcases --doc requirements.md --doc login.html "login with email and password"
  MODEL_PROVIDER=groq qagent testcases --doc prd.pdf "guest checkout" > cases.json`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			if len(docs) == 0 {
				return fmt.Errorf("testcases: at least one --doc is required")
			}

			base, _, err := newKnowledgeBase(ctx)
			if err != nil {
				return fmt.Errorf("testcases: %w", err)
			}
			if err := ingestPaths(ctx, base, docs, cmd.ErrOrStderr()); err != nil {
				return fmt.Errorf("testcases: %w", err)
			}

			completer, _, _, err := newCompleter(ctx)
			if err != nil {
				return fmt.Errorf("testcases: %w", err)
			}

			cfg := &generation.TestCaseConfig{
				Retriever:        base,
				Completer:        completer,
				MaxContextTokens: maxContextTokens(),
			}
			hs, closeHistory := openHistory(ctx)
			defer closeHistory()
			if hs != nil {
				cfg.History = hs
			}

			gen, err := generation.NewTestCaseGenerator(cfg)
			if err != nil {
				return fmt.Errorf("testcases: %w", err)
			}
			res, err := gen.Generate(ctx, strings.Join(args, " "))
			if err != nil {
				return fmt.Errorf("testcases: %w", err)
			}
			if res.Outcome == generation.OutcomeFallback {
				logging.FromContext(ctx).Warn("model output was not valid test-case JSON, printing it raw",
					slog.Any("error", res.ParseErr),
				)
			}

			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(res)
		},
	}

	cmd.Flags().StringArrayVarP(&docs, "doc", "d", nil, "Document to ingest (repeatable)")

	return cmd
}
