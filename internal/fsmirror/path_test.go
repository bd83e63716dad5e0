package fsmirror

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCleanRejectsTraversal(t *testing.T) {
	_, err := Clean("../etc/passwd")
	assert.ErrorIs(t, err, ErrPathEscapesRoot)

	_, err = Clean("a/../../b")
	assert.ErrorIs(t, err, ErrPathEscapesRoot)
}

func TestCleanNormalizes(t *testing.T) {
	got, err := Clean("./a/./b/")
	require.NoError(t, err)
	assert.Equal(t, "a/b", got)

	got, err = Clean("")
	require.NoError(t, err)
	assert.Equal(t, "", got)
}

func TestSafeJoinRejectsEscape(t *testing.T) {
	root := t.TempDir()
	_, err := SafeJoin(root, "../outside")
	assert.ErrorIs(t, err, ErrPathEscapesRoot)
}

func TestSafeJoinStaysUnderRoot(t *testing.T) {
	root := t.TempDir()
	full, err := SafeJoin(root, "a/b/c.txt")
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(root, "a", "b", "c.txt"), full)
	assert.True(t, Under(root, full))
}

func TestSafeJoinRootItself(t *testing.T) {
	root := t.TempDir()
	full, err := SafeJoin(root, "")
	require.NoError(t, err)
	assert.Equal(t, filepath.Clean(root), full)
}

func TestRelRoundTrips(t *testing.T) {
	root := t.TempDir()
	abs := filepath.Join(root, "a", "b.txt")
	rel, err := Rel(root, abs)
	require.NoError(t, err)
	assert.Equal(t, "a/b.txt", rel)
}

func TestTimesReadsModTime(t *testing.T) {
	root := t.TempDir()
	p := filepath.Join(root, "f.txt")
	require.NoError(t, os.WriteFile(p, []byte("hi"), 0o644))
	fi, err := os.Stat(p)
	require.NoError(t, err)

	atime, mtime, err := Times(p, fi)
	require.NoError(t, err)
	assert.False(t, mtime.IsZero())
	assert.False(t, atime.IsZero())
}
