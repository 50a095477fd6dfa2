package workspace

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func newWorkspace(t *testing.T) *Workspace {
	t.Helper()
	w, err := New(t.TempDir(), zap.NewNop())
	require.NoError(t, err)
	return w
}

func TestWriteThenRead(t *testing.T) {
	w := newWorkspace(t)

	n, err := w.WriteFile("proj-1", "src/index.ts", "console.log('hi')")
	require.NoError(t, err)
	assert.Equal(t, len("console.log('hi')"), n)

	content, err := w.ReadFile("proj-1", "src/index.ts")
	require.NoError(t, err)
	assert.Equal(t, "console.log('hi')", content)
}

func TestReadMissingFile(t *testing.T) {
	w := newWorkspace(t)

	_, err := w.ReadFile("proj-1", "nope.txt")
	assert.Error(t, err)
}

func TestTraversalRejected(t *testing.T) {
	w := newWorkspace(t)

	cases := []string{
		"../other/secret.txt",
		"../../etc/passwd",
		"a/../../escape",
		"/etc/passwd",
	}
	for _, p := range cases {
		_, err := w.ReadFile("proj-1", p)
		assert.ErrorIs(t, err, ErrPathOutsideProject, "path %q", p)

		_, err = w.WriteFile("proj-1", p, "x")
		assert.ErrorIs(t, err, ErrPathOutsideProject, "path %q", p)
	}
}

func TestCraftedProjectIDRejected(t *testing.T) {
	w := newWorkspace(t)

	_, err := w.ReadFile("../outside", "file.txt")
	assert.ErrorIs(t, err, ErrPathOutsideProject)

	_, err = w.ReadFile("..", "file.txt")
	assert.ErrorIs(t, err, ErrPathOutsideProject)
}

func TestListFiles(t *testing.T) {
	w := newWorkspace(t)

	_, err := w.WriteFile("proj-1", "b.txt", "b")
	require.NoError(t, err)
	_, err = w.WriteFile("proj-1", "a.txt", "a")
	require.NoError(t, err)
	_, err = w.WriteFile("proj-1", "src/main.go", "package main")
	require.NoError(t, err)
	_, err = w.WriteFile("proj-1", "node_modules/pkg/index.js", "x")
	require.NoError(t, err)
	_, err = w.WriteFile("proj-1", ".git/config", "x")
	require.NoError(t, err)

	entries, err := w.ListFiles("proj-1", ".")
	require.NoError(t, err)
	assert.Equal(t, []string{"a.txt", "b.txt", "src/"}, entries)
}

func TestDeleteProject(t *testing.T) {
	w := newWorkspace(t)

	_, err := w.WriteFile("proj-1", "a.txt", "a")
	require.NoError(t, err)

	dir, existed, err := w.DeleteProject("proj-1")
	require.NoError(t, err)
	assert.True(t, existed)

	_, statErr := os.Stat(dir)
	assert.True(t, os.IsNotExist(statErr))

	// Idempotent: second delete reports nothing existed.
	_, existed, err = w.DeleteProject("proj-1")
	require.NoError(t, err)
	assert.False(t, existed)
}

func TestProjectDirCreates(t *testing.T) {
	w := newWorkspace(t)

	dir, err := w.ProjectDir("proj-2")
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(w.Root(), "proj-2"), dir)

	info, err := os.Stat(dir)
	require.NoError(t, err)
	assert.True(t, info.IsDir())
}
