package commands

import (
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/54b3r/qagent-go/internal/generation"
)

// NewScriptCmd constructs the `qagent script` command, which writes a
// Selenium script for one test case.
func NewScriptCmd() *cobra.Command {
	var docs []string
	var casePath, htmlName, outPath string

	cmd := &cobra.Command{
		Use:   "script --doc FILE... --case FILE.json [--html NAME] [--out FILE]",
		Short: "Generate a Selenium script for a test case",
		Long: `Ingest the --doc files and write a Python Selenium script for the test
case in --case (one object as printed by 'qagent testcases', or "-" for
stdin). HTML documents among --doc register their markup; --html picks
which page the script targets, defaulting to the first HTML document.

Examples:
  qagent script --doc requirements.md --doc login.html --case tc1.json
  qagent script --doc login.html --doc signup.html --html signup.html --case tc.json --out test_signup.py`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			if len(docs) == 0 {
				return fmt.Errorf("script: at least one --doc is required")
			}
			if casePath == "" {
				return fmt.Errorf("script: --case is required")
			}

			tc, err := readTestCase(cmd.InOrStdin(), casePath)
			if err != nil {
				return fmt.Errorf("script: %w", err)
			}

			base, _, err := newKnowledgeBase(ctx)
			if err != nil {
				return fmt.Errorf("script: %w", err)
			}
			if err := ingestPaths(ctx, base, docs, cmd.ErrOrStderr()); err != nil {
				return fmt.Errorf("script: %w", err)
			}

			completer, _, _, err := newCompleter(ctx)
			if err != nil {
				return fmt.Errorf("script: %w", err)
			}

			cfg := &generation.ScriptConfig{
				Retriever:        base,
				HTML:             base,
				Completer:        completer,
				MaxContextTokens: maxContextTokens(),
			}
			hs, closeHistory := openHistory(ctx)
			defer closeHistory()
			if hs != nil {
				cfg.History = hs
			}

			gen, err := generation.NewScriptGenerator(cfg)
			if err != nil {
				return fmt.Errorf("script: %w", err)
			}
			sc, err := gen.Generate(ctx, tc, htmlName)
			if err != nil {
				return fmt.Errorf("script: %w", err)
			}

			if outPath == "" {
				_, err = fmt.Fprintln(cmd.OutOrStdout(), sc.Code)
				return err
			}
			if err := os.WriteFile(outPath, []byte(sc.Code+"\n"), 0o644); err != nil { //nolint:gosec // generated scripts are meant to be readable
				return fmt.Errorf("script: write %s: %w", outPath, err)
			}
			fmt.Fprintf(cmd.ErrOrStderr(), "script written to %s\n", outPath)
			return nil
		},
	}

	cmd.Flags().StringArrayVarP(&docs, "doc", "d", nil, "Document to ingest (repeatable)")
	cmd.Flags().StringVarP(&casePath, "case", "c", "", `Test case JSON file, or "-" for stdin`)
	cmd.Flags().StringVar(&htmlName, "html", "", "Registered HTML filename to target (default: first HTML document)")
	cmd.Flags().StringVarP(&outPath, "out", "o", "", "Write the script to this file instead of stdout")

	return cmd
}

// readTestCase decodes one test case from path, or from stdin when path
// is "-".
func readTestCase(stdin io.Reader, path string) (generation.TestCase, error) {
	var r io.Reader = stdin
	if path != "-" {
		f, err := os.Open(path)
		if err != nil {
			return generation.TestCase{}, fmt.Errorf("open test case: %w", err)
		}
		defer f.Close()
		r = f
	}

	var tc generation.TestCase
	if err := json.NewDecoder(r).Decode(&tc); err != nil {
		return generation.TestCase{}, fmt.Errorf("decode test case: %w", err)
	}
	return tc, nil
}
