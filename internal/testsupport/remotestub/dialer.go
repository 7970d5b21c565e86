// Package remotestub provides an in-memory remote.Dialer that records every
// command and upload so tests can assert on what would have run on a host.
package remotestub

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"

	"livecast/internal/remote"
)

// Upload is a recorded file transfer.
type Upload struct {
	Host       string
	RemotePath string
	Content    string
}

// Options describes how the fake host behaves.
type Options struct {
	// DialErr is returned from every Dial when set.
	DialErr error
	// Respond answers commands. Unanswered commands succeed with no output.
	Respond func(command string) (remote.Result, error)
	// UploadErr is returned from every Upload when set.
	UploadErr error
}

// Dialer implements remote.Dialer without touching the network.
type Dialer struct {
	opts Options

	mu       sync.Mutex
	commands []string
	uploads  []Upload
	opened   int
	closed   int
	sessions map[string]bool
}

// New returns a Dialer. When opts.Respond is nil, screen commands are
// emulated: started sessions appear in `screen -ls` until stopped.
func New(opts Options) *Dialer {
	return &Dialer{opts: opts, sessions: make(map[string]bool)}
}

func (d *Dialer) Dial(ctx context.Context, creds remote.Credentials) (remote.Conn, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if d.opts.DialErr != nil {
		return nil, d.opts.DialErr
	}
	d.mu.Lock()
	d.opened++
	d.mu.Unlock()
	return &conn{dialer: d, host: creds.Host}, nil
}

// Commands returns a copy of every command run so far.
func (d *Dialer) Commands() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]string(nil), d.commands...)
}

// Uploads returns a copy of every recorded upload.
func (d *Dialer) Uploads() []Upload {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]Upload(nil), d.uploads...)
}

// Balance returns opened and closed channel counts.
func (d *Dialer) Balance() (opened, closed int) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.opened, d.closed
}

// SetSession marks a screen session as present or gone.
func (d *Dialer) SetSession(name string, running bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if running {
		d.sessions[name] = true
	} else {
		delete(d.sessions, name)
	}
}

func (d *Dialer) emulate(command string) remote.Result {
	d.mu.Lock()
	defer d.mu.Unlock()
	switch {
	case strings.HasPrefix(command, "screen -dmS "):
		name := strings.Fields(command)[2]
		d.sessions[name] = true
	case strings.Contains(command, "screen -X -S {} quit"):
		for name := range d.sessions {
			if strings.Contains(command, `\.`+strings.ReplaceAll(name, ".", `\.`)+"$") {
				delete(d.sessions, name)
			}
		}
	case command == "screen -ls":
		if len(d.sessions) == 0 {
			return remote.Result{Stdout: "No Sockets found in /run/screen/S-root.\n", ExitCode: 1}
		}
		var b strings.Builder
		b.WriteString("There are screens on:\n")
		pid := 1000
		for name := range d.sessions {
			pid++
			fmt.Fprintf(&b, "\t%d.%s\t(Detached)\n", pid, name)
		}
		return remote.Result{Stdout: b.String()}
	}
	return remote.Result{}
}

type conn struct {
	dialer *Dialer
	host   string
	closed bool
}

func (c *conn) Run(ctx context.Context, command string) (remote.Result, error) {
	if c.closed {
		return remote.Result{}, errors.New("remotestub: run on closed connection")
	}
	c.dialer.mu.Lock()
	c.dialer.commands = append(c.dialer.commands, command)
	c.dialer.mu.Unlock()
	if c.dialer.opts.Respond != nil {
		return c.dialer.opts.Respond(command)
	}
	return c.dialer.emulate(command), nil
}

func (c *conn) Upload(ctx context.Context, localPath, remotePath string) error {
	if c.closed {
		return errors.New("remotestub: upload on closed connection")
	}
	if c.dialer.opts.UploadErr != nil {
		return c.dialer.opts.UploadErr
	}
	data, err := os.ReadFile(localPath)
	if err != nil {
		return err
	}
	c.dialer.mu.Lock()
	c.dialer.uploads = append(c.dialer.uploads, Upload{Host: c.host, RemotePath: remotePath, Content: string(data)})
	c.dialer.mu.Unlock()
	return nil
}

func (c *conn) Close() error {
	if c.closed {
		return nil
	}
	c.closed = true
	c.dialer.mu.Lock()
	c.dialer.closed++
	c.dialer.mu.Unlock()
	return nil
}
