package video

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os/exec"
	"strings"

	"github.com/ssd-technologies/nocturne-media/internal/media"
)

// Runner executes an external codec binary. Stdout is streamed to stdout so
// ffmpeg's -progress output can be followed while it runs.
type Runner interface {
	Run(ctx context.Context, bin string, args []string, stdout io.Writer) error
}

// ExecRunner runs binaries with os/exec.
type ExecRunner struct{}

// stderrLimit bounds how much ffmpeg log output is kept for the error.
const stderrLimit = 4 * 1024

func (ExecRunner) Run(ctx context.Context, bin string, args []string, stdout io.Writer) error {
	cmd := exec.CommandContext(ctx, bin, args...)
	if stdout == nil {
		stdout = io.Discard
	}
	cmd.Stdout = stdout
	var stderr tailBuffer
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return fmt.Errorf("%s: %v: %w", bin, ctxErr, media.ErrTranscode)
		}
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			return fmt.Errorf("%s exited %d: %s: %w", bin, exitErr.ExitCode(), stderr.String(), media.ErrTranscode)
		}
		return fmt.Errorf("%s: %v: %w", bin, err, media.ErrTranscode)
	}
	return nil
}

// tailBuffer keeps the last stderrLimit bytes written to it.
type tailBuffer struct {
	buf bytes.Buffer
}

func (t *tailBuffer) Write(p []byte) (int, error) {
	n := len(p)
	t.buf.Write(p)
	if over := t.buf.Len() - stderrLimit; over > 0 {
		t.buf.Next(over)
	}
	return n, nil
}

func (t *tailBuffer) String() string {
	return strings.TrimSpace(t.buf.String())
}
