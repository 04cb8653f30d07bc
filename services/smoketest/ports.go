package smoketest

import (
	"context"
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/sethvargo/go-retry"
)

// ErrNeverReady indicates a service port never accepted a TCP connection
// within the polling window. Distinct from transport errors so callers can
// report "service never came up" instead of a generic dial failure.
var ErrNeverReady = errors.New("smoketest: service never became ready")

// ErrExitedEarly indicates the service process terminated before its port
// ever accepted a connection. Distinct from ErrNeverReady so a crash is not
// mistaken for a slow start.
var ErrExitedEarly = errors.New("smoketest: service exited before becoming ready")

const (
	defaultPollInterval = 2 * time.Second
	defaultPollTimeout  = 2 * time.Minute
)

// WaitForPort polls addr until a TCP connection succeeds. A refused
// connection means the service is still starting and is retried; the poll
// never runs unbounded.
func WaitForPort(ctx context.Context, addr string, interval, timeout time.Duration) error {
	return waitTCP(ctx, addr, interval, timeout, nil)
}

// WaitForService polls like WaitForPort but also watches the process: a
// service that dies before its port opens fails with ErrExitedEarly right
// away instead of burning the whole polling window.
func WaitForService(ctx context.Context, h *ServiceHandle, addr string, interval, timeout time.Duration) error {
	if h == nil {
		return errors.New("smoketest: service handle is required")
	}
	return waitTCP(ctx, addr, interval, timeout, h)
}

func waitTCP(ctx context.Context, addr string, interval, timeout time.Duration, h *ServiceHandle) error {
	if addr == "" {
		return errors.New("smoketest: address is required")
	}
	if interval <= 0 {
		interval = defaultPollInterval
	}
	if timeout <= 0 {
		timeout = defaultPollTimeout
	}

	backoff := retry.WithMaxDuration(timeout, retry.NewConstant(interval))
	err := retry.Do(ctx, backoff, func(ctx context.Context) error {
		if h != nil && h.Exited() {
			return fmt.Errorf("%w: %s", ErrExitedEarly, h.Name)
		}
		d := net.Dialer{Timeout: interval}
		conn, err := d.DialContext(ctx, "tcp", addr)
		if err != nil {
			return retry.RetryableError(err)
		}
		return conn.Close()
	})
	switch {
	case err == nil:
		return nil
	case errors.Is(err, ErrExitedEarly):
		return err
	case ctx.Err() != nil:
		return ctx.Err()
	default:
		return fmt.Errorf("%w: %s after %s: %v", ErrNeverReady, addr, timeout, err)
	}
}
