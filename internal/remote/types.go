package remote

import (
	"context"
	"net"
	"strconv"
	"strings"

	"livecast/internal/errs"
)

const defaultSSHPort = 22

// Credentials identify a remote host and how to authenticate against it. A
// private key takes precedence over a password when both are present.
type Credentials struct {
	Host           string
	Port           int
	User           string
	Password       string
	PrivateKeyPath string
	PrivateKey     []byte
}

// Address returns host:port, applying the default SSH port.
func (c Credentials) Address() string {
	port := c.Port
	if port <= 0 {
		port = defaultSSHPort
	}
	return net.JoinHostPort(strings.TrimSpace(c.Host), strconv.Itoa(port))
}

// Validate reports missing connection details.
func (c Credentials) Validate() error {
	if strings.TrimSpace(c.Host) == "" {
		return errs.Validation("remote host is required")
	}
	if strings.TrimSpace(c.User) == "" {
		return errs.Validation("remote user is required for %s", c.Host)
	}
	if c.Password == "" && c.PrivateKeyPath == "" && len(c.PrivateKey) == 0 {
		return errs.Validation("remote credentials for %s need a password or private key", c.Host)
	}
	return nil
}

// Result captures the outcome of a remote command. A non-zero ExitCode is not
// an error by itself; callers decide what a failing command means.
type Result struct {
	Stdout   string
	Stderr   string
	ExitCode int
}

// Conn is an open control channel. Implementations must be closed by the
// caller that opened them.
type Conn interface {
	Run(ctx context.Context, command string) (Result, error)
	Upload(ctx context.Context, localPath, remotePath string) error
	Close() error
}

// Dialer opens control channels.
type Dialer interface {
	Dial(ctx context.Context, creds Credentials) (Conn, error)
}
