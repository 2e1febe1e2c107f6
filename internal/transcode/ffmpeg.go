package transcode

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strings"
)

// Runner runs an external tool to completion.
type Runner func(ctx context.Context, name string, args ...string) error

// execRunner keeps the last part of stderr for the error message.
func execRunner(ctx context.Context, name string, args ...string) error {
	var stderr bytes.Buffer
	cmd := exec.CommandContext(ctx, name, args...)
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		tail := strings.TrimSpace(stderr.String())
		if len(tail) > 512 {
			tail = tail[len(tail)-512:]
		}
		if tail != "" {
			return fmt.Errorf("%w: %s", err, tail)
		}
		return err
	}
	return nil
}

var aacArgs = []string{"-c:a", "aac", "-b:a", "192k", "-ac", "2", "-ar", "48000"}

func remuxArgs(in, out string) []string {
	args := []string{"-hide_banner", "-nostdin", "-y", "-i", in, "-map", "0:v:0", "-map", "0:a:0?", "-c:v", "copy"}
	args = append(args, aacArgs...)
	return append(args, "-movflags", "+faststart", "-sn", out)
}

func transcodeArgs(in, out string) []string {
	args := []string{"-hide_banner", "-nostdin", "-y", "-i", in, "-map", "0:v:0", "-map", "0:a:0?",
		"-c:v", "libx264", "-preset", "veryfast", "-crf", "23", "-pix_fmt", "yuv420p"}
	args = append(args, aacArgs...)
	return append(args, "-movflags", "+faststart", "-sn", out)
}

// classify maps a run failure to the error kinds surfaced to the shell.
func classify(ctx context.Context, err error) error {
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return fmt.Errorf("%w: %v", ErrTransformTimeout, err)
	}
	return fmt.Errorf("%w: %v", ErrTransformExit, err)
}
