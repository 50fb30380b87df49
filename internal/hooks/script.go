package hooks

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os/exec"
	"time"
)

// ScriptSink runs a configured executable for each event, passing the
// JSON-encoded payload on stdin. Grounded on the subprocess invocation idiom
// in internal/provider/subprocess.go, adapted to a short-lived fire-and-wait
// call instead of a long streamed invocation.
type ScriptSink struct {
	path    string
	timeout time.Duration
}

// NewScriptSink builds a ScriptSink invoking path, bounded by timeout
// (defaulting to 10s when zero).
func NewScriptSink(path string, timeout time.Duration) *ScriptSink {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &ScriptSink{path: path, timeout: timeout}
}

func (s *ScriptSink) Name() string        { return "script" }
func (s *ScriptSink) IsConfigured() bool { return s.path != "" }

func (s *ScriptSink) Dispatch(ctx context.Context, evt Event) error {
	payload, err := json.Marshal(evt)
	if err != nil {
		return fmt.Errorf("hooks: marshaling script payload: %w", err)
	}

	runCtx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	cmd := exec.CommandContext(runCtx, s.path, string(evt.Type)) // #nosec G204 -- path is operator-configured
	cmd.Stdin = bytes.NewReader(payload)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		if runCtx.Err() == context.DeadlineExceeded {
			return fmt.Errorf("hooks: script %s timed out after %s", s.path, s.timeout)
		}
		return fmt.Errorf("hooks: script %s failed: %w (stderr: %s)", s.path, err, stderr.String())
	}
	return nil
}
