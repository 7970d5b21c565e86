package remote

import (
	"context"
	"fmt"
	"log/slog"

	"golang.org/x/sync/semaphore"

	"livecast/internal/errs"
	"livecast/internal/observability/metrics"
)

// Controller hands out scoped control channels. A process-wide semaphore
// bounds how many channels are open at once.
type Controller struct {
	dialer  Dialer
	sem     *semaphore.Weighted
	logger  *slog.Logger
	metrics *metrics.Recorder
}

// Option customises a Controller.
type Option func(*Controller)

func WithLogger(logger *slog.Logger) Option {
	return func(c *Controller) {
		if logger != nil {
			c.logger = logger
		}
	}
}

func WithMetrics(recorder *metrics.Recorder) Option {
	return func(c *Controller) {
		if recorder != nil {
			c.metrics = recorder
		}
	}
}

// WithMaxOpenConns overrides the channel limit.
func WithMaxOpenConns(n int) Option {
	return func(c *Controller) {
		if n > 0 {
			c.sem = semaphore.NewWeighted(int64(n))
		}
	}
}

// NewController builds a Controller around dialer.
func NewController(dialer Dialer, opts ...Option) *Controller {
	c := &Controller{
		dialer:  dialer,
		sem:     semaphore.NewWeighted(16),
		logger:  slog.Default(),
		metrics: metrics.Default(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Open acquires a channel. The returned release func closes it and must be
// called on every path.
func (c *Controller) Open(ctx context.Context, creds Credentials) (Conn, func(), error) {
	if err := c.sem.Acquire(ctx, 1); err != nil {
		return nil, nil, errs.Remote("connect", err)
	}
	conn, err := c.dialer.Dial(ctx, creds)
	c.metrics.ObserveRemoteOperation("connect", err)
	if err != nil {
		c.sem.Release(1)
		c.logger.Warn("remote connect failed", "host", creds.Host, "error", err)
		return nil, nil, wrapDialErr(err)
	}
	release := func() {
		if err := conn.Close(); err != nil {
			c.logger.Debug("remote close failed", "host", creds.Host, "error", err)
		}
		c.sem.Release(1)
	}
	return conn, release, nil
}

// WithConn runs fn against a freshly opened channel and closes it afterwards,
// whether fn succeeds or not.
func (c *Controller) WithConn(ctx context.Context, creds Credentials, fn func(Conn) error) error {
	conn, release, err := c.Open(ctx, creds)
	if err != nil {
		return err
	}
	defer release()
	return fn(conn)
}

// Exec runs a single command on its own channel.
func (c *Controller) Exec(ctx context.Context, creds Credentials, command string) (Result, error) {
	var result Result
	err := c.WithConn(ctx, creds, func(conn Conn) error {
		var runErr error
		result, runErr = c.run(ctx, conn, "exec", command)
		return runErr
	})
	return result, err
}

// Upload copies localPath to remotePath on its own channel.
func (c *Controller) Upload(ctx context.Context, creds Credentials, localPath, remotePath string) error {
	return c.WithConn(ctx, creds, func(conn Conn) error {
		err := conn.Upload(ctx, localPath, remotePath)
		c.metrics.ObserveRemoteOperation("upload", err)
		if err != nil {
			return errs.Remote("upload "+remotePath, err)
		}
		return nil
	})
}

func (c *Controller) run(ctx context.Context, conn Conn, op, command string) (Result, error) {
	result, err := conn.Run(ctx, command)
	c.metrics.ObserveRemoteOperation(op, err)
	if err != nil {
		return result, errs.Remote(op, err)
	}
	c.logger.Debug("remote command finished", "op", op, "exit_code", result.ExitCode)
	return result, nil
}

func commandFailed(op string, result Result) error {
	return errs.Remote(op, fmt.Errorf("exit status %d: %s", result.ExitCode, result.Stderr))
}
