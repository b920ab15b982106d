package workspace

import (
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"path"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/djherbis/times"
	"golang.org/x/crypto/blake2b"
)

const (
	workspacesDir = "workspaces"
	reportsDir    = "reports"
	sidecarExt    = ".json"
	maxNameLength = 64
)

var (
	// ErrNoSidecar is returned when an image has no stored analysis result.
	ErrNoSidecar = errors.New("sidecar not found")
	// ErrInvalidKey is returned for image keys that would escape the workspace.
	ErrInvalidKey = errors.New("invalid image key")
)

// Manager owns the local cache directory. Workspaces are keyed by source path
// so tasks against the same remote folder share downloaded images and sidecars;
// reports are keyed by task id so tasks never share an output file.
type Manager struct {
	root  string
	locks sync.Map // file path -> *sync.Mutex

	mu     sync.Mutex
	pinned map[string]int
}

// NewManager creates the cache layout under root.
func NewManager(root string) (*Manager, error) {
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("resolve cache root %q: %w", root, err)
	}
	for _, dir := range []string{workspacesDir, reportsDir} {
		if err := os.MkdirAll(filepath.Join(abs, dir), 0o755); err != nil {
			return nil, fmt.Errorf("create cache directory: %w", err)
		}
	}
	return &Manager{root: abs, pinned: make(map[string]int)}, nil
}

// Root returns the absolute cache root.
func (m *Manager) Root() string {
	return m.root
}

// NormalizeSourcePath trims slashes and collapses empty segments so that
// "egg/u/2025-10-15", "/egg/u/2025-10-15/" and "egg//u/2025-10-15" are the same folder.
func NormalizeSourcePath(sourcePath string) string {
	parts := strings.FieldsFunc(sourcePath, func(r rune) bool { return r == '/' || r == '\\' })
	return strings.Join(parts, "/")
}

// WorkspaceFor returns the workspace directory for a remote source path,
// creating it if needed. The name is a readable form of the path plus a short
// hash of the normalized path, so distinct paths never collide after sanitizing.
func (m *Manager) WorkspaceFor(sourcePath string) (string, error) {
	normalized := NormalizeSourcePath(sourcePath)
	if normalized == "" {
		return "", fmt.Errorf("empty source path")
	}
	sum := blake2b.Sum256([]byte(normalized))
	name := sanitize(strings.ReplaceAll(normalized, "/", "_"))
	if len(name) > maxNameLength {
		name = name[:maxNameLength]
	}
	dir := filepath.Join(m.root, workspacesDir, name+"-"+hex.EncodeToString(sum[:6]))
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("create workspace: %w", err)
	}
	now := time.Now()
	_ = os.Chtimes(dir, now, now)
	return dir, nil
}

// Pin marks a workspace as in use so Prune leaves it alone. Call the returned
// function when the task no longer needs it.
func (m *Manager) Pin(workspace string) func() {
	m.mu.Lock()
	m.pinned[workspace]++
	m.mu.Unlock()
	var once sync.Once
	return func() {
		once.Do(func() {
			m.mu.Lock()
			defer m.mu.Unlock()
			if m.pinned[workspace] <= 1 {
				delete(m.pinned, workspace)
				return
			}
			m.pinned[workspace]--
		})
	}
}

// ImagePath returns the local path for an image key relative to the source path.
func (m *Manager) ImagePath(workspace, imageKey string) (string, error) {
	rel, err := cleanKey(imageKey)
	if err != nil {
		return "", err
	}
	return filepath.Join(workspace, filepath.FromSlash(rel)), nil
}

// SidecarPath returns the local path of the JSON result for an image key:
// the full image path plus .json, so shot.png and shot.jpg never share one.
func (m *Manager) SidecarPath(workspace, imageKey string) (string, error) {
	p, err := m.ImagePath(workspace, imageKey)
	if err != nil {
		return "", err
	}
	return p + sidecarExt, nil
}

// HasSidecar reports whether a stored result exists for the image.
func (m *Manager) HasSidecar(workspace, imageKey string) bool {
	p, err := m.SidecarPath(workspace, imageKey)
	if err != nil {
		return false
	}
	info, err := os.Stat(p)
	return err == nil && info.Mode().IsRegular()
}

// ReadSidecar returns the stored result for the image.
func (m *Manager) ReadSidecar(workspace, imageKey string) ([]byte, error) {
	p, err := m.SidecarPath(workspace, imageKey)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(p)
	if errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("%w: %s", ErrNoSidecar, imageKey)
	}
	return data, err
}

// WriteSidecar atomically replaces the stored result for the image.
func (m *Manager) WriteSidecar(workspace, imageKey string, content []byte) error {
	p, err := m.SidecarPath(workspace, imageKey)
	if err != nil {
		return err
	}
	return m.WriteFileAtomic(p, content, time.Time{})
}

// WriteImage stores downloaded bytes for an image and stamps the file with the
// remote modification time, which ImageUpToDate compares against later.
func (m *Manager) WriteImage(workspace, imageKey string, data []byte, modTime time.Time) error {
	p, err := m.ImagePath(workspace, imageKey)
	if err != nil {
		return err
	}
	return m.WriteFileAtomic(p, data, modTime)
}

// ReadImage returns the local bytes of an image.
func (m *Manager) ReadImage(workspace, imageKey string) ([]byte, error) {
	p, err := m.ImagePath(workspace, imageKey)
	if err != nil {
		return nil, err
	}
	return os.ReadFile(p)
}

// ImageUpToDate reports whether the local copy matches the remote size and is
// not older than the remote modification time.
func (m *Manager) ImageUpToDate(workspace, imageKey string, size int64, modTime time.Time) bool {
	p, err := m.ImagePath(workspace, imageKey)
	if err != nil {
		return false
	}
	return fileMatches(p, size, modTime)
}

// SidecarUpToDate is ImageUpToDate for the sidecar of an image.
func (m *Manager) SidecarUpToDate(workspace, imageKey string, size int64, modTime time.Time) bool {
	p, err := m.SidecarPath(workspace, imageKey)
	if err != nil {
		return false
	}
	return fileMatches(p, size, modTime)
}

// ReportPath is the merged report location for a task.
func (m *Manager) ReportPath(taskID string) string {
	return filepath.Join(m.root, reportsDir, sanitize(taskID)+".txt")
}

// MergedDataPath is where the merged per-image findings of a task are kept.
func (m *Manager) MergedDataPath(taskID string) string {
	return filepath.Join(m.root, reportsDir, sanitize(taskID)+".json")
}

// WriteFileAtomic writes data to a temporary file in the target directory and
// renames it into place. Writers of the same path are serialized.
func (m *Manager) WriteFileAtomic(target string, data []byte, modTime time.Time) error {
	unlock := m.lock(target)
	defer unlock()

	if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
		return fmt.Errorf("create directory for %s: %w", target, err)
	}
	tmp, err := os.CreateTemp(filepath.Dir(target), "."+filepath.Base(target)+".*.tmp")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	tmpName := tmp.Name()
	cleanup := func() { _ = os.Remove(tmpName) }

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		cleanup()
		return fmt.Errorf("write %s: %w", target, err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		cleanup()
		return fmt.Errorf("sync %s: %w", target, err)
	}
	if err := tmp.Close(); err != nil {
		cleanup()
		return fmt.Errorf("close %s: %w", target, err)
	}
	if !modTime.IsZero() {
		if err := os.Chtimes(tmpName, modTime, modTime); err != nil {
			cleanup()
			return fmt.Errorf("set times on %s: %w", target, err)
		}
	}
	if err := os.Rename(tmpName, target); err != nil {
		cleanup()
		return fmt.Errorf("rename into %s: %w", target, err)
	}
	return nil
}

// Prune removes workspaces that have not been used for longer than ttl.
// Pinned workspaces are skipped. It returns the removed directories.
func (m *Manager) Prune(ttl time.Duration, now time.Time) ([]string, error) {
	if ttl <= 0 {
		return nil, nil
	}
	base := filepath.Join(m.root, workspacesDir)
	entries, err := os.ReadDir(base)
	if err != nil {
		return nil, fmt.Errorf("read workspaces: %w", err)
	}

	var removed []string
	var errs []error
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		dir := filepath.Join(base, entry.Name())
		if m.isPinned(dir) {
			continue
		}
		ts, err := times.Stat(dir)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		lastUsed := ts.AccessTime()
		if ts.ModTime().After(lastUsed) {
			lastUsed = ts.ModTime()
		}
		if now.Sub(lastUsed) < ttl {
			continue
		}
		if err := os.RemoveAll(dir); err != nil {
			errs = append(errs, err)
			continue
		}
		removed = append(removed, dir)
	}
	return removed, errors.Join(errs...)
}

func (m *Manager) isPinned(dir string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.pinned[dir] > 0
}

func (m *Manager) lock(p string) func() {
	v, _ := m.locks.LoadOrStore(p, &sync.Mutex{})
	mu := v.(*sync.Mutex)
	mu.Lock()
	return mu.Unlock
}

func fileMatches(p string, size int64, modTime time.Time) bool {
	info, err := os.Stat(p)
	if err != nil || !info.Mode().IsRegular() {
		return false
	}
	if info.Size() != size {
		return false
	}
	return !info.ModTime().Before(modTime.Truncate(time.Second))
}

func cleanKey(key string) (string, error) {
	key = strings.ReplaceAll(key, "\\", "/")
	cleaned := path.Clean("/" + key)
	if cleaned == "/" || strings.Contains(cleaned, "/../") {
		return "", fmt.Errorf("%w: %q", ErrInvalidKey, key)
	}
	return strings.TrimPrefix(cleaned, "/"), nil
}

func sanitize(s string) string {
	var b strings.Builder
	for _, r := range s {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_', r == '.':
			b.WriteRune(r)
		default:
			b.WriteByte('_')
		}
	}
	return b.String()
}
