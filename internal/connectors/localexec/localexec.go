// Package localexec provides a completion connector that runs an allowlisted
// local model CLI, feeding the prompt on stdin.
package localexec

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strings"

	"github.com/fentz26/cadre/internal/completion"
)

// allowedCommands defines the strict allowlist of model CLIs and the
// subcommand each may be invoked with.
var allowedCommands = map[string][]string{
	"ollama": {"run"},
	"llm":    {"prompt"},
}

// LocalExec implements the Connector interface for local model CLIs.
type LocalExec struct {
	workDir string
	command string
	args    []string
}

// New creates a new LocalExec connector running command with args.
func New(workDir, command string, args []string) *LocalExec {
	return &LocalExec{workDir: workDir, command: command, args: args}
}

// Name returns the connector identifier.
func (l *LocalExec) Name() string {
	return "localexec"
}

// IsAllowed checks if a command is in the allowlist.
func (l *LocalExec) IsAllowed(cmd string, args []string) bool {
	allowedSubcmds, ok := allowedCommands[cmd]
	if !ok || len(args) == 0 {
		return false
	}

	for _, allowed := range allowedSubcmds {
		if args[0] == allowed {
			return true
		}
	}
	return false
}

// Generate runs the configured CLI with the prompt on stdin and returns its
// stdout. Token usage is estimated from the text sizes.
func (l *LocalExec) Generate(ctx context.Context, prompt string, opts completion.Options) (*completion.Response, error) {
	if !l.IsAllowed(l.command, l.args) {
		return nil, &completion.Error{
			Provider: l.Name(),
			Message:  fmt.Sprintf("command not allowed: %s %s", l.command, strings.Join(l.args, " ")),
		}
	}

	execCmd := exec.CommandContext(ctx, l.command, l.args...)
	if l.workDir != "" {
		execCmd.Dir = l.workDir
	}
	execCmd.Stdin = strings.NewReader(prompt)

	var stdout, stderr bytes.Buffer
	execCmd.Stdout = &stdout
	execCmd.Stderr = &stderr

	if err := execCmd.Run(); err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			return nil, &completion.Error{
				Provider: l.Name(),
				Message:  fmt.Sprintf("exit code %d: %s", exitErr.ExitCode(), strings.TrimSpace(stderr.String())),
			}
		}
		return nil, &completion.Error{Provider: l.Name(), Message: "exec", Err: err}
	}

	content := strings.TrimSpace(stdout.String())
	promptTokens := completion.EstimateTokens(prompt)
	completionTokens := completion.EstimateTokens(content)
	return &completion.Response{
		Content: content,
		TokensUsed: completion.Usage{
			Prompt:     promptTokens,
			Completion: completionTokens,
			Total:      promptTokens + completionTokens,
		},
	}, nil
}
