package commands

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/cloudwego/eino/components/model"

	"github.com/54b3r/qagent-go/internal/embedder"
	"github.com/54b3r/qagent-go/internal/ingestion"
	"github.com/54b3r/qagent-go/internal/kb"
	"github.com/54b3r/qagent-go/internal/logging"
	"github.com/54b3r/qagent-go/internal/provider"
	"github.com/54b3r/qagent-go/internal/store"
)

// historyDisabled is the QAGENT_HISTORY_DB value that turns run history off.
const historyDisabled = "disabled"

// newKnowledgeBase builds an empty knowledge base around the embedder
// selected by the environment.
func newKnowledgeBase(ctx context.Context) (*kb.KnowledgeBase, embedder.Embedder, error) {
	log := logging.FromContext(ctx)

	if err := embedder.Validate(log); err != nil {
		return nil, nil, err
	}
	emb, err := embedder.NewFromEnv()
	if err != nil {
		return nil, nil, fmt.Errorf("failed to initialise embedder: %w", err)
	}

	cfg, err := kb.ConfigFromEnv(emb.Dimensions())
	if err != nil {
		return nil, nil, err
	}
	k, err := kb.New(emb, cfg)
	if err != nil {
		return nil, nil, err
	}

	log.Info("knowledge base ready",
		slog.String("embedder", emb.Name()),
		slog.Int("dimension", emb.Dimensions()),
		slog.Int("chunk_size", cfg.ChunkSize),
		slog.Int("chunk_overlap", cfg.ChunkOverlap),
	)
	return k, emb, nil
}

// ingestPaths reads each file from disk and ingests it under its base name,
// in order, writing one progress line per pipeline stage to progress. It
// stops at the first failure.
func ingestPaths(ctx context.Context, k *kb.KnowledgeBase, paths []string, progress io.Writer) error {
	log := logging.FromContext(ctx)
	for i, p := range paths {
		data, err := os.ReadFile(p)
		if err != nil {
			return fmt.Errorf("read %s: %w", p, err)
		}
		onProgress := ingestion.WithProgress(func(ev ingestion.Progress) {
			fmt.Fprintf(progress, "[%d/%d] %s: %s (%d chunks, %s)\n",
				i+1, len(paths), ev.Filename, ev.Stage, ev.Chunks, ev.Elapsed.Round(time.Millisecond))
		})
		rep, err := k.IngestFile(ctx, filepath.Base(p), data, onProgress)
		if err != nil {
			return fmt.Errorf("ingest %s: %w", p, err)
		}
		log.Info("document ingested",
			slog.String("filename", rep.Filename),
			slog.String("format", rep.Format),
			slog.Int("chunks", rep.Chunks),
		)
	}
	return nil
}

// newCompleter builds the chat model selected by the environment and wraps
// it as a generation completer.
func newCompleter(ctx context.Context) (*provider.Completer, model.BaseChatModel, *provider.Config, error) {
	cfg := provider.ConfigFromEnv()
	chatModel, err := provider.New(ctx, cfg)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("failed to initialise model provider: %w", err)
	}
	completer, err := provider.NewCompleter(chatModel, cfg)
	if err != nil {
		return nil, nil, nil, err
	}
	logging.FromContext(ctx).Info("provider initialised",
		slog.String("provider", string(cfg.Backend)),
		slog.String("model", cfg.ModelName()),
	)
	return completer, chatModel, cfg, nil
}

// maxContextTokens returns KB_MAX_CONTEXT_TOKENS, or 0 to keep the
// generation default.
func maxContextTokens() int {
	n, err := strconv.Atoi(os.Getenv("KB_MAX_CONTEXT_TOKENS"))
	if err != nil || n < 0 {
		return 0
	}
	return n
}

// openHistory opens the run history store. QAGENT_HISTORY_DB overrides the
// default path (~/.qagent/history.db); "disabled" turns history off. Open
// failures are logged and disable history rather than failing the command.
func openHistory(ctx context.Context) (*store.SQLiteStore, func()) {
	log := logging.FromContext(ctx)
	noop := func() {}

	dbPath := os.Getenv("QAGENT_HISTORY_DB")
	if dbPath == historyDisabled {
		log.Info("history: disabled via QAGENT_HISTORY_DB=disabled")
		return nil, noop
	}
	if dbPath == "" {
		var err error
		dbPath, err = store.DefaultDBPath()
		if err != nil {
			log.Warn("history: could not resolve default DB path, disabling", slog.Any("error", err))
			return nil, noop
		}
	}

	hs, err := store.Open(dbPath)
	if err != nil {
		log.Warn("history: failed to open store, disabling", slog.Any("error", err))
		return nil, noop
	}
	log.Info("history: store opened", slog.String("path", dbPath))
	return hs, func() { _ = hs.Close() }
}

// splitList splits a comma-separated list, dropping empty items.
func splitList(s string) []string {
	var out []string
	for item := range strings.SplitSeq(s, ",") {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}
	return out
}
