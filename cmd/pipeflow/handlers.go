package main

import (
	"context"
	"os/exec"
	"strings"
	"time"

	"github.com/tkodaira/pipeflow/internal/engine"
	"github.com/tkodaira/pipeflow/internal/model"
)

// registerBuiltins installs the handlers the daemon ships with. Embedders
// register their own alongside these before the engine starts.
func registerBuiltins(reg *engine.Registry) error {
	handlers := map[string]engine.Handler{
		"noop":  noopHandler,
		"sleep": sleepHandler,
		"exec":  execHandler,
	}
	for name, h := range handlers {
		if err := reg.Register(name, h); err != nil {
			return err
		}
	}
	return nil
}

func paramFloat(params map[string]any, key string) float64 {
	switch v := params[key].(type) {
	case float64:
		return v
	case int:
		return float64(v)
	default:
		return 0
	}
}

func paramString(params map[string]any, key string) string {
	if s, ok := params[key].(string); ok {
		return s
	}
	return ""
}

// noopHandler succeeds immediately, echoing its params. Quality and cost can
// be set via params, which makes it useful for exercising gates and budgets.
func noopHandler(_ context.Context, t *model.Task) engine.Outcome {
	out := engine.Succeed(t.Params["echo"], paramFloat(t.Params, "cost"))
	out.Quality = paramFloat(t.Params, "quality")
	if out.Quality == 0 {
		out.Quality = 1.0
	}
	return out
}

// sleepHandler waits for duration_ms, honoring cancellation.
func sleepHandler(ctx context.Context, t *model.Task) engine.Outcome {
	d := time.Duration(paramFloat(t.Params, "duration_ms")) * time.Millisecond
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return engine.Failf("interrupted: %v", ctx.Err())
	case <-timer.C:
	}

	out := engine.Succeed(nil, paramFloat(t.Params, "cost"))
	out.Quality = paramFloat(t.Params, "quality")
	if out.Quality == 0 {
		out.Quality = 1.0
	}
	return out
}

// execHandler runs a shell command and captures its combined output.
func execHandler(ctx context.Context, t *model.Task) engine.Outcome {
	command := paramString(t.Params, "command")
	if command == "" {
		return engine.Failf("exec task %s has no command param", t.ID)
	}

	cmd := exec.CommandContext(ctx, "sh", "-c", command)
	output, err := cmd.CombinedOutput()
	if err != nil {
		return engine.Failf("command failed: %v: %s", err, strings.TrimSpace(string(output)))
	}

	out := engine.Succeed(strings.TrimSpace(string(output)), paramFloat(t.Params, "cost"))
	out.Quality = 1.0
	return out
}
