package execx

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strings"
)

// Commander runs external commands and returns their combined output.
// Callers inspect non-zero exits through ExitCode.
type Commander interface {
	Run(ctx context.Context, name string, args ...string) ([]byte, error)
}

// Error describes a command that started but exited non-zero.
type Error struct {
	Command string
	Code    int
	Output  []byte
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: exit status %d: %s", e.Command, e.Code, bytes.TrimSpace(e.Output))
}

// ExitCode returns the exit status carried by err, or -1 when err carries
// none.
func ExitCode(err error) int {
	var cmdErr *Error
	if errors.As(err, &cmdErr) {
		return cmdErr.Code
	}
	return -1
}

// Shell executes commands on the host.
type Shell struct{}

var _ Commander = Shell{}

func (Shell) Run(ctx context.Context, name string, args ...string) ([]byte, error) {
	output, err := exec.CommandContext(ctx, name, args...).CombinedOutput()
	if err == nil {
		return output, nil
	}

	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return output, &Error{
			Command: commandLine(name, args),
			Code:    exitErr.ExitCode(),
			Output:  output,
		}
	}
	return output, fmt.Errorf("run %s: %w", commandLine(name, args), err)
}

func commandLine(name string, args []string) string {
	if len(args) == 0 {
		return name
	}
	return name + " " + strings.Join(args, " ")
}
