package reconcile_test

import (
	"context"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/relaymirror/dirsync/internal/blockstore"
	"github.com/relaymirror/dirsync/internal/mirrorserver"
	"github.com/relaymirror/dirsync/internal/reconcile"
	"github.com/relaymirror/dirsync/internal/remoteclient"
)

func TestRunUploadsMissingTreeEntries(t *testing.T) {
	srcDir := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(srcDir, "A"), 0o755))
	require.NoError(t, os.MkdirAll(filepath.Join(srcDir, "B"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(srcDir, "f1"), []byte("hello"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(srcDir, "A", "f2"), []byte("world"), 0o644))

	store, err := blockstore.New(t.TempDir())
	require.NoError(t, err)
	srv := mirrorserver.New(store, 4096, nil, nil, nil)
	ts := httptest.NewServer(srv.Routes())
	t.Cleanup(ts.Close)

	client := remoteclient.New(ts.URL, 5*time.Second)
	r := reconcile.New(srcDir, client, nil)

	require.NoError(t, r.Run(context.Background()))

	aExists, err := store.DirExists("A")
	require.NoError(t, err)
	assert.True(t, aExists)

	bExists, err := store.DirExists("B")
	require.NoError(t, err)
	assert.True(t, bExists)

	stat, err := store.Stat("f1")
	require.NoError(t, err)
	assert.EqualValues(t, 5, stat.Size)

	stat2, err := store.Stat("A/f2")
	require.NoError(t, err)
	assert.EqualValues(t, 5, stat2.Size)
}

func TestRunSkipsAlreadyUpToDateFile(t *testing.T) {
	srcDir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(srcDir, "same.txt"), []byte("unchanged"), 0o644))

	store, err := blockstore.New(t.TempDir())
	require.NoError(t, err)
	srv := mirrorserver.New(store, 4096, nil, nil, nil)
	ts := httptest.NewServer(srv.Routes())
	t.Cleanup(ts.Close)

	client := remoteclient.New(ts.URL, 5*time.Second)
	r := reconcile.New(srcDir, client, nil)
	require.NoError(t, r.Run(context.Background()))

	// Second pass should be a no-op: CheckFile already matches.
	require.NoError(t, r.Run(context.Background()))

	stat, err := store.Stat("same.txt")
	require.NoError(t, err)
	assert.EqualValues(t, len("unchanged"), stat.Size)
}
