// Package tool defines the capability contract concrete tool adapters
// implement and the registry the coordinator resolves them from. Tool
// implementations themselves live outside the core.
package tool

import "context"

// Definition describes a tool for planning prompts and validation.
type Definition struct {
	Name        string         `json:"name"`
	Description string         `json:"description,omitempty"`
	Parameters  map[string]any `json:"parameters,omitempty"`
}

// Tool is the capability interface for one invocable tool. Implementations
// may raise any error; the core treats all tool errors uniformly until
// classified.
type Tool interface {
	Definition() Definition

	// Invoke runs the tool with the given parameters. The ctx carries the
	// caller-supplied timeout for the invocation.
	Invoke(ctx context.Context, params map[string]any) (map[string]any, error)
}

// Func adapts a plain function into a Tool.
type Func struct {
	Def Definition
	Fn  func(ctx context.Context, params map[string]any) (map[string]any, error)
}

func (f Func) Definition() Definition { return f.Def }

func (f Func) Invoke(ctx context.Context, params map[string]any) (map[string]any, error) {
	return f.Fn(ctx, params)
}
