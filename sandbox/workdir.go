package sandbox

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// Workdirs hands out per-conversation working directories for shell
// commands. A directory is created on first use and reused while it exists;
// a conversation resumed on another host, or after cleanup, gets a fresh one.
type Workdirs struct {
	base string
}

// NewWorkdirs creates a Workdirs rooted at base (os.TempDir when empty).
func NewWorkdirs(base string) *Workdirs {
	if base == "" {
		base = os.TempDir()
	}
	return &Workdirs{base: base}
}

// Ensure returns current if it is still a directory owned by this Workdirs,
// otherwise creates a new one.
func (w *Workdirs) Ensure(current string) (string, error) {
	if current != "" && w.owns(current) {
		if info, err := os.Stat(current); err == nil && info.IsDir() {
			return current, nil
		}
	}
	if err := os.MkdirAll(w.base, 0o755); err != nil {
		return "", fmt.Errorf("create workdir base: %w", err)
	}
	dir, err := os.MkdirTemp(w.base, "bash_session_")
	if err != nil {
		return "", fmt.Errorf("create workdir: %w", err)
	}
	return dir, nil
}

// Remove deletes a working directory. Paths outside the base are ignored.
func (w *Workdirs) Remove(dir string) error {
	if dir == "" || !w.owns(dir) {
		return nil
	}
	return os.RemoveAll(dir)
}

func (w *Workdirs) owns(dir string) bool {
	rel, err := filepath.Rel(w.base, dir)
	if err != nil {
		return false
	}
	return rel != "." && !strings.HasPrefix(rel, "..") && !filepath.IsAbs(rel) &&
		strings.HasPrefix(filepath.Base(dir), "bash_session_")
}
