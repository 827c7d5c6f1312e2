package commands

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/54b3r/qagent-go/internal/kb"
)

// NewSearchCmd constructs the `qagent search` command, which ingests the
// given documents into a throwaway knowledge base and prints the chunks
// nearest to a query.
func NewSearchCmd() *cobra.Command {
	var docs []string
	var k int

	cmd := &cobra.Command{
		Use:   "search --doc FILE... [--k N] QUERY",
		Short: "Search documents by embedding similarity",
		Long: `Ingest the --doc files into an in-memory knowledge base and print the
chunks nearest to QUERY, nearest first, with their squared L2 distance.

Examples:
  qagent search --doc requirements.md --doc login.html "password reset"
  qagent search --doc requirements.pdf --k 3 "checkout discounts"`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			if len(docs) == 0 {
				return fmt.Errorf("search: at least one --doc is required")
			}
			if k < 0 {
				return fmt.Errorf("search: --k must not be negative")
			}
			if !cmd.Flags().Changed("k") {
				k = kb.TopKFromEnv()
			}

			base, _, err := newKnowledgeBase(ctx)
			if err != nil {
				return fmt.Errorf("search: %w", err)
			}
			if err := ingestPaths(ctx, base, docs, cmd.ErrOrStderr()); err != nil {
				return fmt.Errorf("search: %w", err)
			}

			hits, err := base.SearchHits(ctx, strings.Join(args, " "), k)
			if err != nil {
				return fmt.Errorf("search: %w", err)
			}

			out := cmd.OutOrStdout()
			if len(hits) == 0 {
				fmt.Fprintln(out, "no results")
				return nil
			}
			for i, h := range hits {
				fmt.Fprintf(out, "%d. [%s] distance=%.4f\n%s\n\n", i+1, h.Metadata.Source(), h.Distance, h.Metadata.Text())
			}
			return nil
		},
	}

	cmd.Flags().StringArrayVarP(&docs, "doc", "d", nil, "Document to ingest (repeatable)")
	cmd.Flags().IntVar(&k, "k", kb.DefaultTopK, "Number of results (env: KB_TOP_K)")

	return cmd
}
