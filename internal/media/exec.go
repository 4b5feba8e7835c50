package media

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"strings"
)

// stderrTail is how much of a failed command's stderr ends up in its error.
const stderrTail = 600

// runCommand runs name with args and returns its stdout. On failure the
// error carries the tail of stderr, which is where ffmpeg explains itself.
func runCommand(ctx context.Context, name string, args ...string) ([]byte, error) {
	cmd := exec.CommandContext(ctx, name, args...)

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		return nil, fmt.Errorf("%s failed: %w: %s", name, err, tail(stderr.String(), stderrTail))
	}

	return stdout.Bytes(), nil
}

// tail keeps the last n bytes of s for log and error output.
func tail(s string, n int) string {
	s = strings.TrimSpace(s)
	if len(s) <= n {
		return s
	}
	return "..." + s[len(s)-n:]
}
