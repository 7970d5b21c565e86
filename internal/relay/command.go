package relay

import (
	"strings"

	"livecast/internal/models"
	"livecast/internal/remote"
)

// SessionName is the detached session a login's relay runs in.
func SessionName(login string) string {
	return login + "_relay"
}

// OutputURL is where a login's relay publishes to.
func OutputURL(outputHost, login string) string {
	return "rtmp://" + outputHost + "/" + login + "/" + login
}

// BuildCommand renders the ffmpeg invocation that pulls source and pushes it
// to the login's local RTMP application without re-encoding.
func BuildCommand(cfg Config, sourceType models.SourceType, source, login string) string {
	cfg.applyDefaults()
	args := []string{cfg.FFmpegPath, "-re"}
	if sourceType == models.SourceM3U8 {
		args = append(args, "-reconnect", "1", "-reconnect_streamed", "1", "-reconnect_delay_max", "2")
	}
	args = append(args,
		"-i", remote.ShellQuote(source),
		"-c:v", "copy",
		"-c:a", "copy",
		"-bsf:a", "aac_adtstoasc",
		"-preset", "medium",
		"-threads", "1",
		"-f", "flv",
		remote.ShellQuote(OutputURL(cfg.OutputHost, login)),
	)
	return strings.Join(args, " ")
}
