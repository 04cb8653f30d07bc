package smoketest

import (
	"context"
	"errors"
	"os/exec"
	"syscall"
	"time"
)

// ServiceSpec describes a long-running service the installed package
// provides, plus the address to poll for readiness.
type ServiceSpec struct {
	Name    string   `yaml:"name"`
	Command string   `yaml:"command"`
	Args    []string `yaml:"args"`
	Addr    string   `yaml:"addr"`
}

// ServiceHandle owns a started service process.
type ServiceHandle struct {
	Name string
	cmd  *exec.Cmd
	done chan error
}

// StartService launches the service process. The returned handle must be
// stopped by the caller regardless of how the run ends.
func StartService(ctx context.Context, spec ServiceSpec) (*ServiceHandle, error) {
	if spec.Name == "" || spec.Command == "" {
		return nil, errors.New("smoketest: service name and command are required")
	}

	cmd := exec.CommandContext(ctx, spec.Command, spec.Args...)
	if err := cmd.Start(); err != nil {
		return nil, err
	}

	h := &ServiceHandle{Name: spec.Name, cmd: cmd, done: make(chan error, 1)}
	go func() { h.done <- cmd.Wait() }()
	return h, nil
}

// Stop asks the process to terminate and kills it if it ignores the signal.
func (h *ServiceHandle) Stop() error {
	if h == nil || h.cmd == nil || h.cmd.Process == nil {
		return nil
	}

	_ = h.cmd.Process.Signal(syscall.SIGTERM)

	select {
	case <-h.done:
		return nil
	case <-time.After(5 * time.Second):
		_ = h.cmd.Process.Kill()
		<-h.done
		return errors.New("smoketest: " + h.Name + " did not stop, killed")
	}
}

// Exited reports whether the process has already terminated on its own.
func (h *ServiceHandle) Exited() bool {
	if h == nil {
		return true
	}
	select {
	case err := <-h.done:
		h.done <- err
		return true
	default:
		return false
	}
}
