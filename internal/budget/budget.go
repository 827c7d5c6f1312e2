// Package budget estimates prompt sizes for the generation use-cases and
// trims retrieval context to fit. Backends use different tokenizers, so the
// estimate is a character heuristic: 1 token ≈ 4 characters. It
// under-estimates on purpose to leave headroom for model-specific overhead.
package budget

import (
	"github.com/cloudwego/eino/schema"
)

const (
	// charsPerToken is the character-to-token ratio used for estimation.
	charsPerToken = 4

	// messageOverhead is the per-message framing cost most chat APIs charge.
	messageOverhead = 4

	// DefaultMaxContextTokens is the default input budget in tokens. It fits
	// 8k-context models (Llama 3 8B, GPT-3.5) with room left for the output.
	DefaultMaxContextTokens = 6000
)

// Estimate returns a rough token count for s using the character heuristic.
func Estimate(s string) int {
	n := len(s) / charsPerToken
	if n == 0 && len(s) > 0 {
		return 1
	}
	return n
}

// EstimateMessages returns the estimated total token count for a slice of
// schema.Message values, summing role + content for each message.
func EstimateMessages(msgs []*schema.Message) int {
	total := 0
	for _, m := range msgs {
		total += messageOverhead
		total += Estimate(string(m.Role))
		total += Estimate(m.Content)
	}
	return total
}

// FitBlocks drops context blocks from the end of blocks until the estimated
// size of fixed plus the remaining blocks fits within maxTokens. blocks must
// be ordered best-first, so the lowest-ranked context goes first.
//
// fixed is the token cost of everything that is never dropped (system
// prompt, instructions, the user query). If fixed alone exceeds the budget
// the result is empty; callers log that separately.
func FitBlocks(fixed int, blocks []string, maxTokens int) []string {
	if maxTokens <= 0 {
		maxTokens = DefaultMaxContextTokens
	}
	total := fixed
	for i, b := range blocks {
		// Blocks are joined by a blank line.
		cost := Estimate(b) + 1
		if total+cost > maxTokens {
			return blocks[:i]
		}
		total += cost
	}
	return blocks
}
