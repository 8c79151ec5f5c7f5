package pipeline

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os/exec"
)

// ProcRunner executes hook bodies in a subprocess running an external
// interpreter, exchanging context state over a JSON stdin/stdout
// protocol.
//
// Request (stdin):  {"code": "...", "values": {...}, "seed": N}
// Response (stdout): {"values": {...}, "logs": ["..."]}
//
// The returned values map is the hook's delta; it is staged in the view
// and applied only after the process exits successfully, so a crashing or
// timed-out interpreter leaves the context untouched. Wall-clock timeout
// is enforced through the exec context, which kills the child on expiry.
// Network isolation and memory ceilings are delegated to the interpreter
// wrapper (e.g. a cgroup- or container-confined launcher).
type ProcRunner struct {
	// Interpreter is the executable to launch, e.g. "python3".
	Interpreter string

	// Args are passed ahead of the protocol; the hook request arrives on
	// stdin regardless.
	Args []string
}

// NewProcRunner creates a subprocess runner for the given interpreter.
func NewProcRunner(interpreter string, args ...string) *ProcRunner {
	return &ProcRunner{Interpreter: interpreter, Args: args}
}

type procRequest struct {
	Code   string         `json:"code"`
	Values map[string]any `json:"values"`
	Seed   int64          `json:"seed"`
}

type procResponse struct {
	Values map[string]any `json:"values"`
	Logs   []string       `json:"logs"`
}

// Run launches one interpreter process for the hook body.
func (r *ProcRunner) Run(ctx context.Context, hook HookBinding, view *View, limits Limits) error {
	stage, kind := hookScope(hook, view)
	if r.Interpreter == "" {
		return &CodeExecutionError{Stage: stage, Hook: kind, Cause: errors.New("no interpreter configured")}
	}

	runCtx := ctx
	cancel := func() {}
	if limits.Timeout > 0 {
		runCtx, cancel = context.WithTimeout(ctx, limits.Timeout)
	}
	defer cancel()

	req := procRequest{
		Code:   hook.Code,
		Values: exportValues(view),
		Seed:   view.Seeds().Master(),
	}
	input, err := json.Marshal(req)
	if err != nil {
		return &CodeExecutionError{Stage: stage, Hook: kind, Cause: fmt.Errorf("encode request: %w", err)}
	}

	cmd := exec.CommandContext(runCtx, r.Interpreter, r.Args...) // #nosec G204 -- interpreter is operator configuration, not user input
	cmd.Stdin = bytes.NewReader(input)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		if runCtx.Err() != nil {
			return &CodeExecutionError{Stage: stage, Hook: kind, Cause: runCtx.Err()}
		}
		return &CodeExecutionError{Stage: stage, Hook: kind, Cause: fmt.Errorf("interpreter failed: %w: %s", err, stderr.String())}
	}

	var resp procResponse
	if err := json.Unmarshal(stdout.Bytes(), &resp); err != nil {
		return &CodeExecutionError{Stage: stage, Hook: kind, Cause: fmt.Errorf("decode response: %w", err)}
	}

	for _, line := range resp.Logs {
		view.Log(line)
	}
	for k, v := range resp.Values {
		view.Set(k, v)
	}
	if err := view.apply(); err != nil {
		return &CodeExecutionError{Stage: stage, Hook: kind, Cause: err}
	}
	return nil
}

// exportValues collects the JSON-representable context values visible to
// the subprocess. Non-serializable values (live model objects) are
// omitted; hooks running out of process operate on the serializable
// surface of the context.
func exportValues(view *View) map[string]any {
	out := make(map[string]any)
	view.base.mu.Lock()
	defer view.base.mu.Unlock()
	for k, v := range view.base.values {
		if _, err := json.Marshal(v); err == nil {
			out[k] = v
		}
	}
	return out
}
