// Package workspace executes the runner's file operations inside the
// project workspace. Every path arriving from a command is relative to the
// project's directory and is resolved with traversal protection — a command
// can never read or write outside the directory of the project it targets.
package workspace

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"go.uber.org/zap"
)

// ErrPathOutsideProject is returned when a resolved path escapes the
// project directory.
var ErrPathOutsideProject = errors.New("workspace: path escapes project directory")

// maxReadSize caps read-file responses. Project files larger than this are
// not something the UI can usefully display anyway.
const maxReadSize = 4 << 20

// Workspace owns the runner's project directories. All projects live under
// a single root; each project's directory is named by its ID.
type Workspace struct {
	root   string
	logger *zap.Logger
}

// New creates a Workspace rooted at dir, creating it if needed.
func New(dir string, logger *zap.Logger) (*Workspace, error) {
	abs, err := filepath.Abs(dir)
	if err != nil {
		return nil, fmt.Errorf("workspace: resolving root: %w", err)
	}
	if err := os.MkdirAll(abs, 0o750); err != nil {
		return nil, fmt.Errorf("workspace: creating root: %w", err)
	}
	return &Workspace{
		root:   abs,
		logger: logger.Named("workspace"),
	}, nil
}

// Root returns the workspace root directory.
func (w *Workspace) Root() string {
	return w.root
}

// ProjectDir returns the directory for a project, creating it if needed.
func (w *Workspace) ProjectDir(projectID string) (string, error) {
	dir, err := w.resolve(projectID, ".")
	if err != nil {
		return "", err
	}
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return "", fmt.Errorf("workspace: creating project dir: %w", err)
	}
	return dir, nil
}

// ReadFile returns the content of a file inside the project directory.
func (w *Workspace) ReadFile(projectID, relPath string) (string, error) {
	path, err := w.resolve(projectID, relPath)
	if err != nil {
		return "", err
	}

	info, err := os.Stat(path)
	if err != nil {
		return "", fmt.Errorf("workspace: reading %s: %w", relPath, err)
	}
	if info.Size() > maxReadSize {
		return "", fmt.Errorf("workspace: %s is too large (%d bytes)", relPath, info.Size())
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("workspace: reading %s: %w", relPath, err)
	}
	return string(data), nil
}

// WriteFile writes content to a file inside the project directory, creating
// parent directories as needed. Returns the number of bytes written.
func (w *Workspace) WriteFile(projectID, relPath, content string) (int, error) {
	path, err := w.resolve(projectID, relPath)
	if err != nil {
		return 0, err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
		return 0, fmt.Errorf("workspace: creating parent dirs for %s: %w", relPath, err)
	}
	if err := os.WriteFile(path, []byte(content), 0o640); err != nil {
		return 0, fmt.Errorf("workspace: writing %s: %w", relPath, err)
	}
	return len(content), nil
}

// ListFiles returns the sorted entries of a directory inside the project,
// with a trailing slash marking subdirectories. node_modules and dotfile
// directories are skipped — they dominate the listing without being useful.
func (w *Workspace) ListFiles(projectID, relPath string) ([]string, error) {
	path, err := w.resolve(projectID, relPath)
	if err != nil {
		return nil, err
	}

	entries, err := os.ReadDir(path)
	if err != nil {
		return nil, fmt.Errorf("workspace: listing %s: %w", relPath, err)
	}

	names := make([]string, 0, len(entries))
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() && (name == "node_modules" || strings.HasPrefix(name, ".")) {
			continue
		}
		if e.IsDir() {
			name += "/"
		}
		names = append(names, name)
	}
	sort.Strings(names)
	return names, nil
}

// DeleteProject removes the project's directory entirely. It returns the
// path that was targeted and whether anything existed there. Idempotent —
// deleting an absent project directory is not an error.
func (w *Workspace) DeleteProject(projectID string) (string, bool, error) {
	dir, err := w.resolve(projectID, ".")
	if err != nil {
		return "", false, err
	}

	if _, err := os.Stat(dir); errors.Is(err, os.ErrNotExist) {
		return dir, false, nil
	}

	w.logger.Info("deleting project files", zap.String("project_id", projectID), zap.String("dir", dir))
	if err := os.RemoveAll(dir); err != nil {
		return dir, true, fmt.Errorf("workspace: deleting project %s: %w", projectID, err)
	}
	return dir, true, nil
}

// resolve joins a relative path onto the project directory and verifies the
// result stays inside it. Absolute paths and .. traversal are rejected.
func (w *Workspace) resolve(projectID, relPath string) (string, error) {
	if projectID == "" {
		return "", errors.New("workspace: missing project id")
	}
	// Project IDs are UUIDs, but verify anyway — a crafted ID must not
	// escape the root.
	if strings.ContainsAny(projectID, `/\`) || projectID == ".." {
		return "", ErrPathOutsideProject
	}
	if filepath.IsAbs(relPath) {
		return "", ErrPathOutsideProject
	}

	projectDir := filepath.Join(w.root, projectID)
	path := filepath.Join(projectDir, filepath.Clean(relPath))

	rel, err := filepath.Rel(projectDir, path)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", ErrPathOutsideProject
	}
	return path, nil
}
