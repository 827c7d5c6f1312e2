// Package tracing sends model-call traces to Langfuse when it is configured.
// Generation requests go through eino chat models, so registering the
// Langfuse handler globally traces every completion without touching the
// generation code.
package tracing

import (
	"os"

	"github.com/cloudwego/eino-ext/callbacks/langfuse"
	"github.com/cloudwego/eino/callbacks"
)

// defaultHost is the self-hosted Langfuse address used when LANGFUSE_HOST
// is unset.
const defaultHost = "http://localhost:3000"

// Config holds the Langfuse connection settings.
type Config struct {
	// Host is the Langfuse API root.
	Host string
	// PublicKey is the project public key.
	PublicKey string
	// SecretKey is the project secret key.
	SecretKey string
}

// ConfigFromEnv reads LANGFUSE_HOST, LANGFUSE_PUBLIC_KEY and LANGFUSE_SECRET_KEY.
func ConfigFromEnv() Config {
	cfg := Config{
		Host:      os.Getenv("LANGFUSE_HOST"),
		PublicKey: os.Getenv("LANGFUSE_PUBLIC_KEY"),
		SecretKey: os.Getenv("LANGFUSE_SECRET_KEY"),
	}
	if cfg.Host == "" {
		cfg.Host = defaultHost
	}
	return cfg
}

// Enabled reports whether both keys are present.
func (c Config) Enabled() bool {
	return c.PublicKey != "" && c.SecretKey != ""
}

// Setup builds the Langfuse callback handler. It returns a nil handler and
// flush function when cfg is not enabled. The flush function must be called
// before process exit so buffered traces are sent.
func Setup(cfg Config) (callbacks.Handler, func()) {
	if !cfg.Enabled() {
		return nil, nil
	}
	return langfuse.NewLangfuseHandler(&langfuse.Config{
		Host:      cfg.Host,
		PublicKey: cfg.PublicKey,
		SecretKey: cfg.SecretKey,
	})
}

// Install registers the Langfuse handler for every eino component in the
// process and returns its flush function, or a no-op when tracing is off.
func Install(cfg Config) (flush func(), enabled bool) {
	handler, flusher := Setup(cfg)
	if handler == nil {
		return func() {}, false
	}
	callbacks.AppendGlobalHandlers(handler)
	return flusher, true
}
