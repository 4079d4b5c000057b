package sandbox

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"sync"
)

// ErrNoRoot is returned when workspaces are requested without a root.
var ErrNoRoot = errors.New("sandbox: workspace root not configured")

var unsafePathChars = regexp.MustCompile(`[^A-Za-z0-9.-]+`)

// maxReadablePrefix bounds the human-readable part of a workspace dir name.
const maxReadablePrefix = 48

// Workspaces creates and tracks sandbox directories under a root. Reusable
// scopes keep their directory; run-scoped directories are removed on release.
type Workspaces struct {
	root   string
	logger *slog.Logger

	mu   sync.Mutex
	refs map[string]int
}

// NewWorkspaces creates a manager rooted at root.
func NewWorkspaces(root string, logger *slog.Logger) *Workspaces {
	if logger == nil {
		logger = slog.Default()
	}
	return &Workspaces{root: root, logger: logger.With("component", "sandbox"), refs: make(map[string]int)}
}

// Root returns the workspace root.
func (w *Workspaces) Root() string {
	return w.root
}

// Path returns the directory for a workspace key without creating it. The
// name is a sanitized prefix followed by the sha256 of the full key, so
// distinct keys never share a directory.
func (w *Workspaces) Path(key string) string {
	return filepath.Join(w.root, dirName(key))
}

func dirName(key string) string {
	prefix := strings.Trim(unsafePathChars.ReplaceAllString(key, "_"), "._")
	if len(prefix) > maxReadablePrefix {
		prefix = prefix[:maxReadablePrefix]
	}
	sum := sha256.Sum256([]byte(key))
	if prefix == "" {
		return hex.EncodeToString(sum[:])
	}
	return prefix + "_" + hex.EncodeToString(sum[:])
}

// acquire ensures the workspace directory exists and takes a reference.
func (w *Workspaces) acquire(key string) (string, error) {
	if w.root == "" {
		return "", ErrNoRoot
	}
	dir := w.Path(key)

	w.mu.Lock()
	defer w.mu.Unlock()
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return "", fmt.Errorf("create workspace %s: %w", key, err)
	}
	w.refs[key]++
	return dir, nil
}

// release drops a reference; ephemeral workspaces are deleted once unused.
func (w *Workspaces) release(key string, ephemeral bool) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.refs[key] > 0 {
		w.refs[key]--
	}
	if w.refs[key] > 0 {
		return nil
	}
	delete(w.refs, key)
	if !ephemeral {
		return nil
	}
	if err := os.RemoveAll(w.Path(key)); err != nil {
		return fmt.Errorf("remove workspace %s: %w", key, err)
	}
	w.logger.Debug("removed run workspace", "workspace", key)
	return nil
}

// InUse returns the number of workspaces currently referenced.
func (w *Workspaces) InUse() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.refs)
}
