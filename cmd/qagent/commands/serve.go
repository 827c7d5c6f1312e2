package commands

import (
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strconv"
	"syscall"

	"github.com/cloudwego/eino/components/model"
	"github.com/spf13/cobra"

	"github.com/54b3r/qagent-go/internal/embedder"
	"github.com/54b3r/qagent-go/internal/generation"
	"github.com/54b3r/qagent-go/internal/kb"
	"github.com/54b3r/qagent-go/internal/logging"
	"github.com/54b3r/qagent-go/internal/provider"
	"github.com/54b3r/qagent-go/internal/server"
	"github.com/54b3r/qagent-go/internal/tracing"
)

// NewServeCmd constructs the `qagent serve` command, which starts the HTTP
// API over a fresh knowledge base.
func NewServeCmd() *cobra.Command {
	var host string
	var port int

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the qagent HTTP server",
		Long: `Start the qagent HTTP server.

The knowledge base starts empty (or with the KB_SEED documents) and lives
for the lifetime of the process. Upload documents with POST /api/kb/build,
then generate with POST /api/testcases and POST /api/script.

Examples:
  qagent serve
  qagent serve --port 9090
  KB_SEED=docs/requirements.md,docs/login.html MODEL_PROVIDER=groq qagent serve`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			log := logging.FromContext(ctx)
			log.Info("serve starting", slog.String("provider", os.Getenv("MODEL_PROVIDER")))

			flush, ok := tracing.Install(tracing.ConfigFromEnv())
			defer flush()
			if ok {
				log.Info("langfuse tracing enabled")
			} else {
				log.Info("langfuse tracing disabled", slog.String("reason", "LANGFUSE_PUBLIC_KEY not set"))
			}

			k, emb, err := newKnowledgeBase(ctx)
			if err != nil {
				return fmt.Errorf("serve: %w", err)
			}
			if seed := splitList(os.Getenv("KB_SEED")); len(seed) > 0 {
				if err := ingestPaths(ctx, k, seed, cmd.ErrOrStderr()); err != nil {
					return fmt.Errorf("serve: seed: %w", err)
				}
			}

			completer, chatModel, providerCfg, err := newCompleter(ctx)
			if err != nil {
				return fmt.Errorf("serve: %w", err)
			}

			hs, closeHistory := openHistory(ctx)
			defer closeHistory()

			tcCfg := &generation.TestCaseConfig{
				Retriever:        k,
				Completer:        completer,
				MaxContextTokens: maxContextTokens(),
			}
			scCfg := &generation.ScriptConfig{
				Retriever:        k,
				HTML:             k,
				Completer:        completer,
				MaxContextTokens: maxContextTokens(),
			}
			deps := &server.Deps{KB: k}
			if hs != nil {
				tcCfg.History = hs
				scCfg.History = hs
				deps.History = hs
			}

			testCases, err := generation.NewTestCaseGenerator(tcCfg)
			if err != nil {
				return fmt.Errorf("serve: %w", err)
			}
			scripts, err := generation.NewScriptGenerator(scCfg)
			if err != nil {
				return fmt.Errorf("serve: %w", err)
			}
			deps.TestCases, deps.Scripts = testCases, scripts

			srv, err := server.New(deps, &server.Config{
				Host:        resolveHost(cmd, host),
				Port:        resolvePort(cmd, port),
				Logger:      log,
				Pingers:     buildPingers(emb, chatModel, providerCfg),
				APIKey:      os.Getenv("QAGENT_API_KEY"),
				RateLimit:   envFloat("QAGENT_RATE_LIMIT"),
				RateBurst:   int(envFloat("QAGENT_RATE_BURST")),
				DefaultTopK: kb.TopKFromEnv(),

				GenerationRateLimit: envFloat("QAGENT_GEN_RATE_LIMIT"),
				GenerationRateBurst: int(envFloat("QAGENT_GEN_RATE_BURST")),
			})
			if err != nil {
				return fmt.Errorf("serve: failed to create server: %w", err)
			}

			return srv.Start(ctx)
		},
	}

	cmd.Flags().StringVar(&host, "host", "127.0.0.1", "Host address to bind to (env: QAGENT_HOST)")
	cmd.Flags().IntVarP(&port, "port", "p", 8080, "TCP port to listen on (env: QAGENT_PORT)")

	return cmd
}

// buildPingers returns the readiness probes for the embedder and the
// completion backend. The in-process hash embedder needs no probe.
func buildPingers(emb embedder.Embedder, chatModel model.BaseChatModel, cfg *provider.Config) []server.Pinger {
	var pingers []server.Pinger
	if o, ok := emb.(*embedder.OllamaEmbedder); ok {
		pingers = append(pingers, server.NewFuncPinger("embedder", o.Ping))
	}
	pingers = append(pingers, server.NewLLMPinger(chatModel, provider.NewHealthChecker(cfg), string(cfg.Backend)))
	return pingers
}

// resolveHost prefers the --host flag, then QAGENT_HOST.
func resolveHost(cmd *cobra.Command, flag string) string {
	if !cmd.Flags().Changed("host") {
		if v := os.Getenv("QAGENT_HOST"); v != "" {
			return v
		}
	}
	return flag
}

// resolvePort prefers the --port flag, then QAGENT_PORT.
func resolvePort(cmd *cobra.Command, flag int) int {
	if !cmd.Flags().Changed("port") {
		if v, err := strconv.Atoi(os.Getenv("QAGENT_PORT")); err == nil && v > 0 {
			return v
		}
	}
	return flag
}

// envFloat parses key as a float, returning 0 (the server default) when it
// is unset or invalid.
func envFloat(key string) float64 {
	v, err := strconv.ParseFloat(os.Getenv(key), 64)
	if err != nil || v < 0 {
		return 0
	}
	return v
}
