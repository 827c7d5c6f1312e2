package kb

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/54b3r/qagent-go/internal/ingestion"
)

// DefaultTopK is the number of search results returned when a caller does
// not ask for a specific count.
const DefaultTopK = 5

// ConfigFromEnv builds a Config for a store of the given dimension from
// KB_CHUNK_SIZE, KB_CHUNK_OVERLAP and KB_EMBED_TIMEOUT (seconds). Unset
// variables keep the ingestion defaults.
func ConfigFromEnv(dimension int) (*Config, error) {
	size, err := envInt("KB_CHUNK_SIZE", ingestion.DefaultChunkSize)
	if err != nil {
		return nil, err
	}
	overlap, err := envInt("KB_CHUNK_OVERLAP", ingestion.DefaultChunkOverlap)
	if err != nil {
		return nil, err
	}
	timeout, err := envInt("KB_EMBED_TIMEOUT", 0)
	if err != nil {
		return nil, err
	}
	return &Config{
		Dimension:    dimension,
		ChunkSize:    size,
		ChunkOverlap: overlap,
		EmbedTimeout: time.Duration(timeout) * time.Second,
	}, nil
}

// TopKFromEnv returns KB_TOP_K, or DefaultTopK when it is unset or not a
// positive integer.
func TopKFromEnv() int {
	if k, err := envInt("KB_TOP_K", DefaultTopK); err == nil && k > 0 {
		return k
	}
	return DefaultTopK
}

func envInt(key string, fallback int) (int, error) {
	v := os.Getenv(key)
	if v == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("kb: %s=%q is not an integer: %w", key, v, err)
	}
	return n, nil
}
