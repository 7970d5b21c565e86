package remote

import (
	"context"
	"strings"
	"testing"

	"livecast/internal/observability/metrics"
)

type scriptedConn struct {
	commands []string
	respond  func(string) Result
}

func (c *scriptedConn) Run(_ context.Context, command string) (Result, error) {
	c.commands = append(c.commands, command)
	if c.respond != nil {
		return c.respond(command), nil
	}
	return Result{}, nil
}

func (c *scriptedConn) Upload(context.Context, string, string) error { return nil }
func (c *scriptedConn) Close() error                                 { return nil }

type scriptedDialer struct{ conn *scriptedConn }

func (d scriptedDialer) Dial(context.Context, Credentials) (Conn, error) { return d.conn, nil }

func newScripted(respond func(string) Result) (*ScreenSupervisor, *scriptedConn) {
	conn := &scriptedConn{respond: respond}
	ctrl := NewController(scriptedDialer{conn: conn}, WithMetrics(metrics.New()))
	return NewScreenSupervisor(ctrl), conn
}

var creds = Credentials{Host: "h", User: "u", Password: "p"}

func TestStartStopsExistingSessionFirst(t *testing.T) {
	sup, conn := newScripted(nil)

	if err := sup.Start(context.Background(), creds, "joao_relay", "ffmpeg -i 'rtmp://x/y' out"); err != nil {
		t.Fatalf("start: %v", err)
	}
	if len(conn.commands) != 2 {
		t.Fatalf("expected stop then start, got %q", conn.commands)
	}
	if !strings.Contains(conn.commands[0], `/^[0-9]+\.joao_relay$/`) || !strings.Contains(conn.commands[0], "screen -X -S {} quit") {
		t.Fatalf("unexpected stop command %q", conn.commands[0])
	}
	want := `screen -dmS joao_relay bash -c 'ffmpeg -i '\''rtmp://x/y'\'' out; exec sh'`
	if conn.commands[1] != want {
		t.Fatalf("unexpected start command\n got %s\nwant %s", conn.commands[1], want)
	}
}

func TestStartReportsNonZeroExit(t *testing.T) {
	sup, _ := newScripted(func(cmd string) Result {
		if strings.HasPrefix(cmd, "screen -dmS") {
			return Result{ExitCode: 127, Stderr: "screen: command not found"}
		}
		return Result{}
	})
	err := sup.Start(context.Background(), creds, "a_relay", "true")
	if err == nil || !strings.Contains(err.Error(), "command not found") {
		t.Fatalf("expected exit failure, got %v", err)
	}
}

func TestLivenessParsesListing(t *testing.T) {
	listing := "There are screens on:\n\t4242.joao_relay\t(Detached)\n\t77.maria.s_relay\t(Attached)\n2 Sockets in /run/screen/S-root.\n"
	sup, _ := newScripted(func(string) Result { return Result{Stdout: listing} })

	cases := map[string]Liveness{
		"joao_relay":    LivenessRunning,
		"maria.s_relay": LivenessRunning,
		"joao":          LivenessStopped,
		"xjoao_relay":   LivenessStopped,
	}
	for name, want := range cases {
		got, err := sup.Liveness(context.Background(), creds, name)
		if err != nil {
			t.Fatalf("liveness %s: %v", name, err)
		}
		if got != want {
			t.Fatalf("liveness %s = %s, want %s", name, got, want)
		}
	}
}

func TestLivenessNoSockets(t *testing.T) {
	sup, _ := newScripted(func(string) Result {
		return Result{Stdout: "No Sockets found in /run/screen/S-root.\n", ExitCode: 1}
	})
	got, err := sup.Liveness(context.Background(), creds, "joao_relay")
	if err != nil || got != LivenessStopped {
		t.Fatalf("expected stopped without error, got %s %v", got, err)
	}
}

func TestSessionNameSanitizes(t *testing.T) {
	if got := SessionName(" jo;ão rm -rf_relay "); got != "joorm-rf_relay" {
		t.Fatalf("unexpected sanitized name %q", got)
	}
	sup, conn := newScripted(nil)
	if err := sup.Stop(context.Background(), creds, ";;"); err != nil {
		t.Fatalf("stop of empty name: %v", err)
	}
	if len(conn.commands) != 0 {
		t.Fatalf("expected no command for an empty session name")
	}
}
