// Package token counts and trims text against model token budgets. The
// cl100k_base encoding is loaded on first use; when the encoding tables are
// unavailable, counting degrades to a rune and word heuristic.
package token

import (
	"strings"
	"sync"

	"github.com/pkoukk/tiktoken-go"
)

// load resolves the shared encoder once. A nil result means the encoding
// could not be loaded and callers should fall back to the heuristic.
var load = sync.OnceValue(func() *tiktoken.Tiktoken {
	enc, err := tiktoken.GetEncoding("cl100k_base")
	if err != nil {
		return nil
	}
	return enc
})

// Count reports how many cl100k_base tokens text encodes to. It falls back
// to EstimateFast when the encoder is unavailable.
func Count(text string) int {
	if enc := load(); enc != nil {
		return len(enc.Encode(text, nil, nil))
	}
	return EstimateFast(text)
}

// EstimateFast approximates a token count without touching the encoder.
// English prose averages roughly four runes per token; short fragments are
// floored at one token per word.
func EstimateFast(text string) int {
	trimmed := strings.TrimSpace(text)
	if trimmed == "" {
		return 0
	}
	estimate := len([]rune(trimmed)) / 4
	if words := len(strings.Fields(trimmed)); estimate < words {
		estimate = words
	}
	if estimate == 0 {
		estimate = 1
	}
	return estimate
}

// Truncate trims text so it encodes to at most maxTokens tokens, appending
// an ellipsis when anything was cut. maxTokens <= 0 leaves text untouched.
func Truncate(text string, maxTokens int) string {
	if maxTokens <= 0 {
		return text
	}
	enc := load()
	if enc == nil {
		runes := []rune(text)
		if limit := maxTokens * 4; limit < len(runes) {
			return string(runes[:limit]) + "..."
		}
		return text
	}
	tokens := enc.Encode(text, nil, nil)
	if len(tokens) <= maxTokens {
		return text
	}
	return enc.Decode(tokens[:maxTokens]) + "..."
}
