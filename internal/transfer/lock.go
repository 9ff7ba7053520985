package transfer

import (
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
)

// lockSuffix names the sidecar marker that claims exclusive ownership of a
// source file. Exclusive creation makes acquisition atomic, and the marker
// survives a crash so a stale claim is visible rather than silently ignored.
const lockSuffix = ".lock"

type lockToken struct {
	path string
}

// acquireLock claims the source's sidecar marker. ErrLockHeld wraps the
// failure when the marker already exists.
func acquireLock(source string) (*lockToken, error) {
	path := source + lockSuffix

	f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o600)
	if err != nil {
		if errors.Is(err, fs.ErrExist) {
			return nil, fmt.Errorf("%w: %s", ErrLockHeld, path)
		}
		return nil, fmt.Errorf("failed to create lock marker: %w", err)
	}
	_ = f.Close()

	return &lockToken{path: path}, nil
}

// Release removes the marker. An already-missing marker is not an error.
func (l *lockToken) Release() {
	if err := os.Remove(l.path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		slog.Warn("Failed to remove lock marker", "path", l.path, "error", err)
	}
}
