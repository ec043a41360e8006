package executor

import (
	"context"
	"encoding/json"
	"fmt"
	"os/exec"
)

// ShellTask runs a local command. Non-zero exits fail the task with the
// combined output in the error.
type ShellTask struct{}

type shellPayload struct {
	Command string   `json:"command"`
	Args    []string `json:"args"`
}

func (ShellTask) Handle(ctx context.Context, payload json.RawMessage) error {
	var p shellPayload
	if err := json.Unmarshal(payload, &p); err != nil {
		return fmt.Errorf("invalid shell task payload: %w", err)
	}
	if p.Command == "" {
		return fmt.Errorf("command is required")
	}
	out, err := exec.CommandContext(ctx, p.Command, p.Args...).CombinedOutput()
	if err != nil {
		return fmt.Errorf("shell task failed: %v; output=%s", err, out)
	}
	return nil
}
