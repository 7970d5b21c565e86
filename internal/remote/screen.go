package remote

import (
	"context"
	"fmt"
	"strings"
)

// Liveness is the supervised state of a detached session.
type Liveness int

const (
	LivenessStopped Liveness = iota
	LivenessRunning
)

func (l Liveness) String() string {
	if l == LivenessRunning {
		return "running"
	}
	return "stopped"
}

// Supervisor starts, stops and probes named detached processes that survive
// the control channel which launched them.
type Supervisor interface {
	Start(ctx context.Context, creds Credentials, name, command string) error
	Stop(ctx context.Context, creds Credentials, name string) error
	Liveness(ctx context.Context, creds Credentials, name string) (Liveness, error)
}

// ScreenSupervisor runs detached processes inside GNU screen sessions.
//
// Liveness only tells whether the screen session exists. A process that
// crashed inside a session kept open by the trailing shell still reports
// LivenessRunning.
type ScreenSupervisor struct {
	ctrl *Controller
}

func NewScreenSupervisor(ctrl *Controller) *ScreenSupervisor {
	return &ScreenSupervisor{ctrl: ctrl}
}

// Start terminates any session already using name and launches command in a
// new detached one.
func (s *ScreenSupervisor) Start(ctx context.Context, creds Credentials, name, command string) error {
	session := SessionName(name)
	if session == "" {
		return fmt.Errorf("session name %q has no usable characters", name)
	}
	return s.ctrl.WithConn(ctx, creds, func(conn Conn) error {
		if _, err := s.ctrl.run(ctx, conn, "screen_stop", stopCommand(session)); err != nil {
			return err
		}
		result, err := s.ctrl.run(ctx, conn, "screen_start", startCommand(session, command))
		if err != nil {
			return err
		}
		if result.ExitCode != 0 {
			return commandFailed("screen_start", result)
		}
		return nil
	})
}

// Stop quits every session called name. Missing sessions are not an error.
func (s *ScreenSupervisor) Stop(ctx context.Context, creds Credentials, name string) error {
	session := SessionName(name)
	if session == "" {
		return nil
	}
	return s.ctrl.WithConn(ctx, creds, func(conn Conn) error {
		_, err := s.ctrl.run(ctx, conn, "screen_stop", stopCommand(session))
		return err
	})
}

// Liveness lists screen sessions and reports whether name is among them.
func (s *ScreenSupervisor) Liveness(ctx context.Context, creds Credentials, name string) (Liveness, error) {
	session := SessionName(name)
	var state Liveness
	err := s.ctrl.WithConn(ctx, creds, func(conn Conn) error {
		result, err := s.ctrl.run(ctx, conn, "screen_list", "screen -ls")
		if err != nil {
			return err
		}
		// screen -ls exits non-zero when no sessions exist.
		if hasSession(result.Stdout, session) {
			state = LivenessRunning
		}
		return nil
	})
	return state, err
}

// SessionName keeps only characters that are safe in a screen session name
// and a shell word.
func SessionName(name string) string {
	var b strings.Builder
	for _, r := range strings.TrimSpace(name) {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '_', r == '.', r == '-':
			b.WriteRune(r)
		}
	}
	return b.String()
}

func startCommand(session, command string) string {
	return fmt.Sprintf("screen -dmS %s bash -c %s", session, ShellQuote(command+"; exec sh"))
}

func stopCommand(session string) string {
	pattern := strings.ReplaceAll(session, ".", `\.`)
	return fmt.Sprintf(`screen -ls | awk '$1 ~ /^[0-9]+\.%s$/ {print $1}' | xargs -r -I{} screen -X -S {} quit`, pattern)
}

// hasSession parses `screen -ls` output such as
//
//	There is a screen on:
//		12345.joao_relay	(Detached)
func hasSession(listing, session string) bool {
	if session == "" {
		return false
	}
	for _, line := range strings.Split(listing, "\n") {
		fields := strings.Fields(line)
		if len(fields) == 0 {
			continue
		}
		pid, name, ok := strings.Cut(fields[0], ".")
		if !ok || pid == "" || strings.Trim(pid, "0123456789") != "" {
			continue
		}
		if name == session {
			return true
		}
	}
	return false
}

// ShellQuote wraps s in single quotes for POSIX shells.
func ShellQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}

var _ Supervisor = (*ScreenSupervisor)(nil)
