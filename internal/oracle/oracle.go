// Package oracle defines the boundary to the external reasoning capability.
// The concrete client (prompt formatting, HTTP transport, streaming) lives
// outside this repository; the core only consumes this contract.
package oracle

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/kaptinlin/jsonrepair"
)

// Oracle represents any reasoning endpoint that maps a prompt plus
// constraints to text. Calls may fail or time out; callers supply the
// deadline through ctx.
type Oracle interface {
	// Complete sends a request and returns a response (non-streaming).
	Complete(ctx context.Context, req Request) (*Response, error)

	// Model returns the model identifier.
	Model() string
}

// Request contains all parameters for a completion.
type Request struct {
	System      string         `json:"system,omitempty"`
	Prompt      string         `json:"prompt"`
	Temperature float64        `json:"temperature,omitempty"`
	MaxTokens   int            `json:"max_tokens,omitempty"`
	Metadata    map[string]any `json:"metadata,omitempty"`
}

// Response is the oracle's reply.
type Response struct {
	Content    string         `json:"content"`
	StopReason string         `json:"stop_reason,omitempty"`
	Usage      TokenUsage     `json:"usage"`
	Metadata   map[string]any `json:"metadata,omitempty"`
}

// TokenUsage tracks token consumption.
type TokenUsage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// DecodeJSON parses an oracle reply into out. Model output is untrusted: it
// may wrap the JSON object in prose or emit slightly malformed JSON, so the
// raw content is tried first, then the innermost JSON object, then a repaired
// variant via jsonrepair.
func DecodeJSON(content string, out any) error {
	text := strings.TrimSpace(content)
	if text == "" {
		return fmt.Errorf("empty oracle content")
	}

	if err := json.Unmarshal([]byte(text), out); err == nil {
		return nil
	}

	if obj := extractJSONObject(text); obj != "" {
		if err := json.Unmarshal([]byte(obj), out); err == nil {
			return nil
		}
		text = obj
	}

	repaired, err := jsonrepair.JSONRepair(text)
	if err != nil {
		return fmt.Errorf("oracle content is not valid JSON: %w", err)
	}
	if err := json.Unmarshal([]byte(repaired), out); err != nil {
		return fmt.Errorf("repaired oracle content failed to decode: %w", err)
	}
	return nil
}

// extractJSONObject returns the first balanced {...} span of text, skipping
// over string literals so braces inside values do not miscount.
func extractJSONObject(text string) string {
	start := strings.Index(text, "{")
	if start < 0 {
		return ""
	}

	depth := 0
	inString := false
	escaped := false
	for i := start; i < len(text); i++ {
		c := text[i]
		if inString {
			switch {
			case escaped:
				escaped = false
			case c == '\\':
				escaped = true
			case c == '"':
				inString = false
			}
			continue
		}
		switch c {
		case '"':
			inString = true
		case '{':
			depth++
		case '}':
			depth--
			if depth == 0 {
				return text[start : i+1]
			}
		}
	}
	return ""
}
