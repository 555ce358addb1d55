package engine

import (
	"context"
	"errors"
	"fmt"
	"io"
	"slices"
	"time"
)

// ErrEngineDown is returned by EnsureReady when Ollama does not answer.
var ErrEngineDown = errors.New("local inference engine is not running; start it with: ollama serve")

const warmUpTimeout = 30 * time.Second

// EnsureReady checks that the Engine is reachable and required models are
// available. Missing models are pulled with progress written to w. The
// classifier model is then warmed with a trivial prompt so the first
// resonance score does not pay the cold-load cost; a failed warm-up is
// reported but not fatal.
func EnsureReady(ctx context.Context, e Engine, fastModel, embedModel string, w io.Writer) error {
	if !e.IsRunning(ctx) {
		return ErrEngineDown
	}

	for _, model := range requiredModels(fastModel, embedModel) {
		if !e.HasModel(ctx, model) {
			fmt.Fprintf(w, "model %s: pulling...\n", model)
			if err := e.PullModel(ctx, model, progressPrinter(w)); err != nil {
				return fmt.Errorf("pulling model %s: %w", model, err)
			}
		}
		fmt.Fprintf(w, "model %s: ready\n", model)
	}

	if fastModel != "" {
		warmUp(ctx, e, fastModel, w)
	}
	return nil
}

func requiredModels(names ...string) []string {
	var out []string
	for _, n := range names {
		if n != "" && !slices.Contains(out, n) {
			out = append(out, n)
		}
	}
	return out
}

// progressPrinter reports each status change and every further ten percent
// of a layer download. Ollama streams one line per chunk, far too many to
// echo.
func progressPrinter(w io.Writer) func(PullProgress) {
	var lastStatus string
	lastTenth := -1
	return func(p PullProgress) {
		if p.Total <= 0 {
			if p.Status != lastStatus {
				fmt.Fprintf(w, "  %s\n", p.Status)
			}
			lastStatus, lastTenth = p.Status, -1
			return
		}
		tenth := int(p.Completed * 10 / p.Total)
		if p.Status == lastStatus && tenth == lastTenth {
			return
		}
		lastStatus, lastTenth = p.Status, tenth
		fmt.Fprintf(w, "  %s %d%%\n", p.Status, tenth*10)
	}
}

func warmUp(ctx context.Context, e Engine, model string, w io.Writer) {
	ctx, cancel := context.WithTimeout(ctx, warmUpTimeout)
	defer cancel()

	if _, err := e.Chat(ctx, model, []Message{{Role: "user", Content: "ping"}}, nil); err != nil {
		fmt.Fprintf(w, "model %s: warm-up failed (non-fatal): %v\n", model, err)
		return
	}
	fmt.Fprintf(w, "model %s: warm\n", model)
}
