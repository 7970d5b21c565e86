package mediaserver

import (
	"context"
	"fmt"
	"os"
	"strings"

	"livecast/internal/errs"
)

// PushTarget is one external destination of a push-publish map.
type PushTarget struct {
	Code      string `json:"code"`
	RTMPURL   string `json:"rtmpUrl"`
	StreamKey string `json:"streamKey"`
}

// BuildPushPublishMapping renders the push-publish map for targets, one
// record per target separated by a blank line. Output order follows input
// order.
func BuildPushPublishMapping(targets []PushTarget) string {
	records := make([]string, 0, len(targets))
	for _, target := range targets {
		code := strings.TrimSpace(target.Code)
		if code == "" {
			code = "default"
		}
		records = append(records, fmt.Sprintf("pushpublishname %s\nurl %s/%s\n", code, strings.TrimRight(target.RTMPURL, "/"), target.StreamKey))
	}
	return strings.Join(records, "\n")
}

// DeployMapping stages content in a local temp file and uploads it to the
// mapping path derived from stream.
func (c *Controller) DeployMapping(ctx context.Context, stream, content string) error {
	tmp, err := os.CreateTemp("", "map.publish_*.txt")
	if err != nil {
		return errs.MediaServer("deploy mapping", fmt.Errorf("create temp file: %w", err))
	}
	localPath := tmp.Name()
	defer os.Remove(localPath)

	if _, err := tmp.WriteString(content); err != nil {
		tmp.Close()
		return errs.MediaServer("deploy mapping", fmt.Errorf("write temp file: %w", err))
	}
	if err := tmp.Close(); err != nil {
		return errs.MediaServer("deploy mapping", fmt.Errorf("close temp file: %w", err))
	}

	remotePath := c.cfg.MappingPath(stream)
	if err := c.transfer.Upload(ctx, c.cfg.SSH, localPath, remotePath); err != nil {
		c.logger.Error("deploy mapping failed", "stream", stream, "path", remotePath, "error", err)
		return err
	}
	c.logger.Info("deployed push-publish mapping", "stream", stream, "path", remotePath)
	return nil
}
