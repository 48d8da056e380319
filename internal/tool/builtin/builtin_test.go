package builtin

import (
	"context"
	"testing"
	"time"

	"conductor/internal/tool"
)

func TestRegisterAll(t *testing.T) {
	registry := tool.NewRegistry()
	if err := RegisterAll(registry); err != nil {
		t.Fatalf("RegisterAll: %v", err)
	}
	for _, name := range []string{"echo", "sleep", "shell", "http_request"} {
		if !registry.Has(name) {
			t.Errorf("missing builtin tool %q", name)
		}
	}
}

func TestEcho(t *testing.T) {
	out, err := Echo().Invoke(context.Background(), map[string]any{"message": "hi"})
	if err != nil {
		t.Fatalf("echo: %v", err)
	}
	if out["message"] != "hi" {
		t.Errorf("message = %v, want hi", out["message"])
	}
}

func TestSleepValidatesDuration(t *testing.T) {
	if _, err := Sleep().Invoke(context.Background(), map[string]any{"duration_ms": "soon"}); err == nil {
		t.Fatal("expected error for non-numeric duration")
	}
	if _, err := Sleep().Invoke(context.Background(), map[string]any{"duration_ms": float64(-5)}); err == nil {
		t.Fatal("expected error for negative duration")
	}
}

func TestSleepHonorsCancellation(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	start := time.Now()
	_, err := Sleep().Invoke(ctx, map[string]any{"duration_ms": float64(5000)})
	if err == nil {
		t.Fatal("expected cancellation error")
	}
	if time.Since(start) > time.Second {
		t.Errorf("sleep ignored cancellation, took %v", time.Since(start))
	}
}

func TestShellRequiresCommand(t *testing.T) {
	if _, err := Shell().Invoke(context.Background(), map[string]any{}); err == nil {
		t.Fatal("expected error for missing command")
	}
}
