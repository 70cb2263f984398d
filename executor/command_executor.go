package executor

import (
	"context"
	"fmt"
	"os/exec"
	"time"
)

// CommandExecutor is a built-in executor that runs a shell command from a
// Task node's resolved config: {command}. Mainly useful for local
// development and the engine's own integration tests, where a "flaky" or
// "slow" scripted command doubles as a scripted executor.
type CommandExecutor struct {
	Shell string
}

// NewCommandExecutor creates a command executor using /bin/sh.
func NewCommandExecutor() *CommandExecutor {
	return &CommandExecutor{Shell: "/bin/sh"}
}

func (e *CommandExecutor) Name() string { return "command" }

func (e *CommandExecutor) Execute(ctx context.Context, ec *ExecutionContext) (*Result, error) {
	start := time.Now()

	command, _ := ec.Config["command"].(string)
	if command == "" {
		return nil, &TaskError{Message: "command executor requires config.command", Retryable: false, Code: "INVALID_CONFIG"}
	}

	cmd := exec.CommandContext(ctx, e.Shell, "-c", command)
	output, err := cmd.CombinedOutput()

	metadata := map[string]interface{}{"outputLength": len(output)}
	if exitErr, ok := err.(*exec.ExitError); ok {
		metadata["exitCode"] = exitErr.ExitCode()
	} else if err == nil {
		metadata["exitCode"] = 0
	}

	if err != nil {
		return nil, &TaskError{
			Message:   fmt.Sprintf("command execution failed: %v: %s", err, string(output)),
			Retryable: true,
			Code:      "COMMAND_ERROR",
		}
	}

	return &Result{
		Output:    string(output),
		Metadata:  metadata,
		StartTime: start,
		EndTime:   time.Now(),
	}, nil
}
