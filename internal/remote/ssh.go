package remote

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"path"
	"sync"
	"time"

	"github.com/pkg/sftp"
	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/knownhosts"

	"livecast/internal/errs"
)

// SSHDialer opens control channels over SSH.
type SSHDialer struct {
	cfg    Config
	logger *slog.Logger

	once        sync.Once
	hostKeys    ssh.HostKeyCallback
	hostKeysErr error
}

// NewSSHDialer constructs a dialer. Without a known_hosts file every host key
// is accepted and a warning is logged.
func NewSSHDialer(cfg Config, logger *slog.Logger) *SSHDialer {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.DialTimeout <= 0 {
		cfg.DialTimeout = 15 * time.Second
	}
	return &SSHDialer{cfg: cfg, logger: logger}
}

// Dial connects and authenticates against the host described by creds.
func (d *SSHDialer) Dial(ctx context.Context, creds Credentials) (Conn, error) {
	if err := creds.Validate(); err != nil {
		return nil, err
	}
	auth, err := authMethods(creds)
	if err != nil {
		return nil, err
	}
	hostKeys, err := d.hostKeyCallback()
	if err != nil {
		return nil, err
	}

	addr := creds.Address()
	config := &ssh.ClientConfig{
		User:            creds.User,
		Auth:            auth,
		HostKeyCallback: hostKeys,
		Timeout:         d.cfg.DialTimeout,
	}

	dialer := net.Dialer{Timeout: d.cfg.DialTimeout}
	netConn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", addr, err)
	}
	if deadline, ok := ctx.Deadline(); ok {
		_ = netConn.SetDeadline(deadline)
	}
	clientConn, chans, reqs, err := ssh.NewClientConn(netConn, addr, config)
	if err != nil {
		netConn.Close()
		return nil, fmt.Errorf("ssh handshake %s: %w", addr, err)
	}
	_ = netConn.SetDeadline(time.Time{})
	return &sshConn{client: ssh.NewClient(clientConn, chans, reqs)}, nil
}

func authMethods(creds Credentials) ([]ssh.AuthMethod, error) {
	methods := make([]ssh.AuthMethod, 0, 2)
	key := creds.PrivateKey
	if len(key) == 0 && creds.PrivateKeyPath != "" {
		data, err := os.ReadFile(creds.PrivateKeyPath)
		if err != nil {
			return nil, fmt.Errorf("read private key: %w", err)
		}
		key = data
	}
	if len(key) > 0 {
		signer, err := ssh.ParsePrivateKey(key)
		if err != nil {
			return nil, fmt.Errorf("parse private key: %w", err)
		}
		methods = append(methods, ssh.PublicKeys(signer))
	}
	if creds.Password != "" {
		methods = append(methods, ssh.Password(creds.Password))
	}
	return methods, nil
}

func (d *SSHDialer) hostKeyCallback() (ssh.HostKeyCallback, error) {
	d.once.Do(func() {
		if d.cfg.KnownHostsPath == "" {
			d.hostKeys = func(hostname string, _ net.Addr, key ssh.PublicKey) error {
				d.logger.Warn("accepting unverified ssh host key", "host", hostname, "fingerprint", ssh.FingerprintSHA256(key))
				return nil
			}
			return
		}
		callback, err := knownhosts.New(d.cfg.KnownHostsPath)
		if err != nil {
			d.hostKeysErr = fmt.Errorf("load known hosts: %w", err)
			return
		}
		d.hostKeys = callback
	})
	return d.hostKeys, d.hostKeysErr
}

type sshConn struct {
	client *ssh.Client
}

// Run executes command in a fresh session. Once issued, a command is not
// cancelled; ctx only guards the start.
func (c *sshConn) Run(ctx context.Context, command string) (Result, error) {
	if err := ctx.Err(); err != nil {
		return Result{}, err
	}
	session, err := c.client.NewSession()
	if err != nil {
		return Result{}, fmt.Errorf("open session: %w", err)
	}
	defer session.Close()

	var stdout, stderr bytes.Buffer
	session.Stdout = &stdout
	session.Stderr = &stderr

	result := Result{}
	err = session.Run(command)
	result.Stdout = stdout.String()
	result.Stderr = stderr.String()

	var exitErr *ssh.ExitError
	if errors.As(err, &exitErr) {
		result.ExitCode = exitErr.ExitStatus()
		return result, nil
	}
	if err != nil {
		return result, err
	}
	return result, nil
}

// Upload copies a local file to remotePath over SFTP, creating parent
// directories as needed.
func (c *sshConn) Upload(ctx context.Context, localPath, remotePath string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	client, err := sftp.NewClient(c.client)
	if err != nil {
		return fmt.Errorf("start sftp: %w", err)
	}
	defer client.Close()

	src, err := os.Open(localPath)
	if err != nil {
		return fmt.Errorf("open %s: %w", localPath, err)
	}
	defer src.Close()

	if dir := path.Dir(remotePath); dir != "." && dir != "/" {
		if err := client.MkdirAll(dir); err != nil {
			return fmt.Errorf("create %s: %w", dir, err)
		}
	}
	dst, err := client.OpenFile(remotePath, os.O_WRONLY|os.O_CREATE|os.O_TRUNC)
	if err != nil {
		return fmt.Errorf("create %s: %w", remotePath, err)
	}
	if _, err := io.Copy(dst, src); err != nil {
		dst.Close()
		return fmt.Errorf("write %s: %w", remotePath, err)
	}
	return dst.Close()
}

func (c *sshConn) Close() error {
	return c.client.Close()
}

var _ Dialer = (*SSHDialer)(nil)

// wrapDialErr keeps validation failures distinct from connection failures.
func wrapDialErr(err error) error {
	if errors.Is(err, errs.ErrValidation) {
		return err
	}
	return errs.Remote("connect", err)
}
