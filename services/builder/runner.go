package builder

import (
	"bytes"
	"context"
	"errors"
	"os"
	"os/exec"
)

// Runner executes one packaging-toolchain command. A nonzero exit status is
// returned as an error alongside whatever output the command produced.
type Runner interface {
	Run(ctx context.Context, name string, args ...string) ([]byte, error)
}

// ExecRunner runs commands on the host via os/exec.
type ExecRunner struct {
	// Dir is the working directory for every command; empty means the
	// process working directory.
	Dir string
	// Env is appended to the inherited environment.
	Env []string
}

// Run executes the command and returns its combined output.
func (r *ExecRunner) Run(ctx context.Context, name string, args ...string) ([]byte, error) {
	if r == nil {
		return nil, errors.New("nil runner")
	}

	cmd := exec.CommandContext(ctx, name, args...)
	cmd.Dir = r.Dir
	if len(r.Env) > 0 {
		cmd.Env = append(os.Environ(), r.Env...)
	}

	var buf bytes.Buffer
	cmd.Stdout = &buf
	cmd.Stderr = &buf

	err := cmd.Run()
	return buf.Bytes(), err
}
