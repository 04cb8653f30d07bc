// Package smoketest installs a freshly built package and verifies the
// installed system end to end: services come up, the web UI accepts a login,
// and the access log shows the traffic.
package smoketest

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/rs/zerolog"

	"packline/services/builder"
)

// State tracks how far the verification advanced. Each step either moves the
// machine forward or lands it in StateFailed; there is no recovery.
type State int

const (
	StateNotInstalled State = iota
	StateInstalled
	StateServicesStarting
	StateServicesReady
	StateAuthenticated
	StateVerified
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateNotInstalled:
		return "not-installed"
	case StateInstalled:
		return "installed"
	case StateServicesStarting:
		return "services-starting"
	case StateServicesReady:
		return "services-ready"
	case StateAuthenticated:
		return "authenticated"
	case StateVerified:
		return "verified"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// Config describes one smoke-test run. CheckCmd is the end-to-end tool
// invocation run after login; empty skips it.
type Config struct {
	InstallCmd    string        `yaml:"install_cmd"`
	InstallArgs   []string      `yaml:"install_args"`
	Services      []ServiceSpec `yaml:"services"`
	BaseURL       string        `yaml:"base_url"`
	Username      string        `yaml:"username"`
	Password      string        `yaml:"password"`
	CheckCmd      string        `yaml:"check_cmd"`
	CheckArgs     []string      `yaml:"check_args"`
	AccessLogPath string        `yaml:"access_log"`
	PollInterval  time.Duration `yaml:"poll_interval"`
	PollTimeout   time.Duration `yaml:"poll_timeout"`
}

// Runner drives the install-and-verify state machine.
type Runner struct {
	exec   builder.Runner
	cfg    Config
	login  *LoginClient
	logger zerolog.Logger
	state  State
}

// New validates the configuration and returns a runner in StateNotInstalled.
func New(exec builder.Runner, cfg Config, logger zerolog.Logger) (*Runner, error) {
	if exec == nil {
		return nil, errors.New("smoketest: runner is required")
	}
	if cfg.InstallCmd == "" {
		return nil, errors.New("smoketest: install command is required")
	}
	if cfg.BaseURL == "" {
		return nil, errors.New("smoketest: base URL is required")
	}
	if cfg.AccessLogPath == "" {
		return nil, errors.New("smoketest: access log path is required")
	}

	login, err := NewLoginClient(cfg.BaseURL, nil)
	if err != nil {
		return nil, err
	}

	return &Runner{
		exec:   exec,
		cfg:    cfg,
		login:  login,
		logger: logger,
		state:  StateNotInstalled,
	}, nil
}

// State returns how far the run advanced.
func (r *Runner) State() State { return r.state }

// Run executes the full verification. Started services are always stopped,
// whether the run verifies or fails.
func (r *Runner) Run(ctx context.Context) error {
	if err := r.install(ctx); err != nil {
		return r.fail("install", err)
	}
	r.state = StateInstalled
	r.logger.Info().Str("state", r.state.String()).Msg("package installed")

	r.state = StateServicesStarting
	handles, err := r.startServices(ctx)
	defer stopAll(handles, r.logger)
	if err != nil {
		return r.fail("start services", err)
	}

	byName := make(map[string]*ServiceHandle, len(handles))
	for _, h := range handles {
		byName[h.Name] = h
	}
	for _, svc := range r.cfg.Services {
		if svc.Addr == "" {
			continue
		}
		var waitErr error
		if h := byName[svc.Name]; h != nil {
			waitErr = WaitForService(ctx, h, svc.Addr, r.cfg.PollInterval, r.cfg.PollTimeout)
		} else {
			waitErr = WaitForPort(ctx, svc.Addr, r.cfg.PollInterval, r.cfg.PollTimeout)
		}
		if waitErr != nil {
			return r.fail("wait for "+svc.Name, waitErr)
		}
		r.logger.Info().Str("service", svc.Name).Str("addr", svc.Addr).Msg("service ready")
	}
	r.state = StateServicesReady

	if err := r.login.Login(ctx, r.cfg.Username, r.cfg.Password); err != nil {
		return r.fail("login", err)
	}
	r.state = StateAuthenticated
	r.logger.Info().Str("user", r.cfg.Username).Msg("web UI login succeeded")

	if err := VerifyAccessLog(r.cfg.AccessLogPath); err != nil {
		return r.fail("verify access log", err)
	}

	if r.cfg.CheckCmd != "" {
		out, err := r.exec.Run(ctx, r.cfg.CheckCmd, r.cfg.CheckArgs...)
		if err != nil {
			return r.fail("end-to-end check", fmt.Errorf("%w\n%s", err, bytes.TrimSpace(out)))
		}
		r.logger.Info().Str("cmd", r.cfg.CheckCmd).Msg("end-to-end check passed")
	}
	r.state = StateVerified
	r.logger.Info().Str("state", r.state.String()).Msg("smoke test passed")

	return nil
}

func (r *Runner) install(ctx context.Context) error {
	out, err := r.exec.Run(ctx, r.cfg.InstallCmd, r.cfg.InstallArgs...)
	if err != nil {
		return fmt.Errorf("%w\n%s", err, bytes.TrimSpace(out))
	}
	return nil
}

func (r *Runner) startServices(ctx context.Context) ([]*ServiceHandle, error) {
	handles := make([]*ServiceHandle, 0, len(r.cfg.Services))
	for _, svc := range r.cfg.Services {
		if svc.Command == "" {
			continue
		}
		h, err := StartService(ctx, svc)
		if err != nil {
			return handles, fmt.Errorf("start %s: %w", svc.Name, err)
		}
		r.logger.Info().Str("service", h.Name).Msg("service started")
		handles = append(handles, h)
	}
	return handles, nil
}

func (r *Runner) fail(step string, err error) error {
	reached := r.state
	r.state = StateFailed
	r.logger.Error().Err(err).Str("step", step).Str("state_reached", reached.String()).Msg("smoke test failed")
	return fmt.Errorf("smoketest: %s: %w", step, err)
}

func stopAll(handles []*ServiceHandle, logger zerolog.Logger) {
	for i := len(handles) - 1; i >= 0; i-- {
		if err := handles[i].Stop(); err != nil {
			logger.Warn().Err(err).Str("service", handles[i].Name).Msg("service stop")
		}
	}
}

// VerifyAccessLog requires the web server access log to exist and be
// non-empty. An empty log after a successful login means the traffic never
// reached the installed server, which fails the run.
func VerifyAccessLog(path string) error {
	info, err := os.Stat(path)
	if err != nil {
		return fmt.Errorf("smoketest: access log: %w", err)
	}
	if info.Size() == 0 {
		return fmt.Errorf("smoketest: access log %s is empty", path)
	}
	return nil
}
