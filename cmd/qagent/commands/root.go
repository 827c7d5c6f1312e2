// Package commands defines all Cobra CLI commands for the qagent binary.
package commands

import (
	"errors"
	"fmt"
	"io/fs"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/54b3r/qagent-go/internal/audit"
	"github.com/54b3r/qagent-go/internal/config"
	"github.com/54b3r/qagent-go/internal/logging"
)

// configPath holds the --config flag value for YAML config file override.
var configPath string

// envFile is the dotenv file loaded before the YAML config.
const envFile = ".env"

// NewRootCmd constructs the root Cobra command that all subcommands attach to.
func NewRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "qagent",
		Short: "qagent: knowledge-base driven QA test generation",
		Long: `qagent ingests product documents (PDF, HTML, JSON, Markdown, text) into an
in-memory knowledge base and uses it to ground an LLM that writes QA test
cases and Selenium automation scripts.

Model provider is selected via the MODEL_PROVIDER environment variable
or a YAML config file (~/.qagent/config.yaml). A .env file in the working
directory is loaded first.
See 'qagent --help' for available commands.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			// godotenv never overrides variables already set in the process.
			if err := godotenv.Load(envFile); err != nil && !errors.Is(err, fs.ErrNotExist) {
				return fmt.Errorf("qagent: load %s: %w", envFile, err)
			}

			log := logging.New()

			// Load YAML config (env vars always override YAML values).
			path, err := config.Load(configPath, log)
			if err != nil {
				return err
			}

			ctx := logging.WithLogger(cmd.Context(), log)
			cmd.SetContext(ctx)
			audit.LogCommandStart(ctx, log, cmd.Name(), path)
			return nil
		},
	}

	root.PersistentFlags().StringVar(&configPath, "config", "", "Path to YAML config file (default: ~/.qagent/config.yaml)")

	root.AddCommand(
		NewServeCmd(),
		NewSearchCmd(),
		NewTestCasesCmd(),
		NewScriptCmd(),
		NewVersionCmd(),
	)

	return root
}
