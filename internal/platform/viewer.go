package platform

import (
	"context"
	"errors"
	"fmt"
	"os/exec"
	"runtime"

	"github.com/nhle/mailattach/internal/model"
)

// Exit statuses xdg-open uses when no application handles the file.
var unsupportedExitCodes = map[int]bool{3: true, 4: true}

// Viewer opens files with an external command, by default the desktop's
// opener (xdg-open, open or start).
type Viewer struct {
	command []string
}

// NewViewer returns a viewer running command with the file path appended.
// An empty command selects the platform default.
func NewViewer(command []string) *Viewer {
	if len(command) == 0 {
		command = defaultOpener()
	}
	return &Viewer{command: command}
}

// Open runs the viewer on path and waits for it to hand the file off. A
// missing opener or an opener reporting that no application can render the
// file yields a KindUnsupported error.
func (v *Viewer) Open(ctx context.Context, path string, contentType string) error {
	const op = "open viewer"

	args := append(append([]string{}, v.command[1:]...), path)
	cmd := exec.CommandContext(ctx, v.command[0], args...)
	out, err := cmd.CombinedOutput()
	if err == nil {
		return nil
	}

	if ctxErr := ctx.Err(); ctxErr != nil {
		return model.Canceled(op, ctxErr)
	}

	if errors.Is(err, exec.ErrNotFound) {
		return model.NewError(model.KindUnsupported, op, fmt.Errorf("viewer %q not available: %w", v.command[0], err))
	}

	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) && unsupportedExitCodes[exitErr.ExitCode()] {
		return model.Errorf(model.KindUnsupported, op, "no application can open %s (%s)", path, contentType)
	}

	return model.NewError(model.KindStorageUnavailable, op, fmt.Errorf("running %s: %w: %s", v.command[0], err, out))
}

func defaultOpener() []string {
	switch runtime.GOOS {
	case "darwin":
		return []string{"open"}
	case "windows":
		return []string{"rundll32", "url.dll,FileProtocolHandler"}
	}
	return []string{"xdg-open"}
}
