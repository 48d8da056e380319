// Package builtin provides the stock tools the CLI registers: local command
// execution, HTTP fetch, and a couple of plumbing helpers used in demos and
// smoke tests.
package builtin

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os/exec"
	"strings"
	"time"

	"conductor/internal/tool"
)

// RegisterAll installs every builtin tool into the registry.
func RegisterAll(registry *tool.Registry) error {
	for _, t := range []tool.Tool{Echo(), Sleep(), Shell(), HTTPRequest()} {
		if err := registry.Register(t); err != nil {
			return err
		}
	}
	return nil
}

// Echo returns its message parameter, useful for plan smoke tests.
func Echo() tool.Tool {
	return tool.Func{
		Def: tool.Definition{
			Name:        "echo",
			Description: "Returns the given message unchanged.",
			Parameters: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"message": map[string]any{"type": "string"},
				},
			},
		},
		Fn: func(ctx context.Context, params map[string]any) (map[string]any, error) {
			msg, _ := params["message"].(string)
			return map[string]any{"message": msg}, nil
		},
	}
}

// Sleep pauses for the given number of milliseconds, honoring cancellation.
func Sleep() tool.Tool {
	return tool.Func{
		Def: tool.Definition{
			Name:        "sleep",
			Description: "Waits for duration_ms milliseconds.",
			Parameters: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"duration_ms": map[string]any{"type": "number"},
				},
			},
		},
		Fn: func(ctx context.Context, params map[string]any) (map[string]any, error) {
			ms, ok := params["duration_ms"].(float64)
			if !ok || ms < 0 {
				return nil, fmt.Errorf("invalid parameter: duration_ms must be a non-negative number")
			}
			timer := time.NewTimer(time.Duration(ms) * time.Millisecond)
			defer timer.Stop()
			select {
			case <-timer.C:
				return map[string]any{"slept_ms": ms}, nil
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		},
	}
}

// Shell runs a command through the local shell and captures combined output.
func Shell() tool.Tool {
	return tool.Func{
		Def: tool.Definition{
			Name:        "shell",
			Description: "Executes a shell command and returns its output.",
			Parameters: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"command": map[string]any{"type": "string"},
				},
			},
		},
		Fn: func(ctx context.Context, params map[string]any) (map[string]any, error) {
			command, _ := params["command"].(string)
			if strings.TrimSpace(command) == "" {
				return nil, fmt.Errorf("missing required parameter: command")
			}
			out, err := exec.CommandContext(ctx, "sh", "-c", command).CombinedOutput()
			if err != nil {
				return nil, fmt.Errorf("command failed: %w: %s", err, strings.TrimSpace(string(out)))
			}
			return map[string]any{"output": string(out)}, nil
		},
	}
}

const httpResponseLimit = 1 << 20

// HTTPRequest fetches a URL with GET and returns status plus a bounded body.
func HTTPRequest() tool.Tool {
	client := &http.Client{Timeout: 30 * time.Second}
	return tool.Func{
		Def: tool.Definition{
			Name:        "http_request",
			Description: "Fetches a URL and returns the response status and body.",
			Parameters: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"url": map[string]any{"type": "string"},
				},
			},
		},
		Fn: func(ctx context.Context, params map[string]any) (map[string]any, error) {
			url, _ := params["url"].(string)
			if url == "" {
				return nil, fmt.Errorf("missing required parameter: url")
			}
			req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
			if err != nil {
				return nil, fmt.Errorf("invalid parameter: url: %w", err)
			}
			resp, err := client.Do(req)
			if err != nil {
				return nil, err
			}
			defer resp.Body.Close()

			body, err := io.ReadAll(io.LimitReader(resp.Body, httpResponseLimit))
			if err != nil {
				return nil, err
			}
			if resp.StatusCode >= 400 {
				return nil, fmt.Errorf("%d %s", resp.StatusCode, http.StatusText(resp.StatusCode))
			}
			return map[string]any{
				"status": resp.StatusCode,
				"body":   string(body),
			}, nil
		},
	}
}
