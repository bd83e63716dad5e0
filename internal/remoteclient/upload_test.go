package remoteclient_test

import (
	"context"
	"crypto/sha1" //nolint:gosec // test fixture digest, matches the wire format
	"encoding/hex"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/relaymirror/dirsync/internal/blockstore"
	"github.com/relaymirror/dirsync/internal/mirrorproto"
	"github.com/relaymirror/dirsync/internal/mirrorserver"
	"github.com/relaymirror/dirsync/internal/remoteclient"
)

func newHarness(t *testing.T, blocksize int) (*httptest.Server, *blockstore.Store, *remoteclient.Client) {
	t.Helper()
	store, err := blockstore.New(t.TempDir())
	require.NoError(t, err)
	srv := mirrorserver.New(store, blocksize, nil, nil, nil)
	ts := httptest.NewServer(srv.Routes())
	t.Cleanup(ts.Close)
	c := remoteclient.New(ts.URL, 10*time.Second)
	return ts, store, c
}

func writeLocalFile(t *testing.T, dir, name string, data []byte) string {
	t.Helper()
	p := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(p, data, 0o644))
	return p
}

func sha1Hex(b []byte) string {
	h := sha1.Sum(b) //nolint:gosec // test fixture digest
	return hex.EncodeToString(h[:])
}

func TestUploadToEmptyServerUsesBlockDiff(t *testing.T) {
	_, store, c := newHarness(t, 4)
	localDir := t.TempDir()
	local := writeLocalFile(t, localDir, "f1", []byte("abcdefgh"))

	stats, err := remoteclient.Upload(context.Background(), c, "f1", local)
	require.NoError(t, err)
	assert.True(t, stats.UsedV11)

	stat, err := store.Stat("f1")
	require.NoError(t, err)
	assert.EqualValues(t, 8, stat.Size)
}

func TestUploadChangeFirstByteSkipsUnchangedBlocks(t *testing.T) {
	blocksize := 4
	_, store, c := newHarness(t, blocksize)
	localDir := t.TempDir()

	original := []byte("00001111")
	local := writeLocalFile(t, localDir, "g", original)

	_, err := remoteclient.Upload(context.Background(), c, "g", local)
	require.NoError(t, err)

	changed := append([]byte(nil), original...)
	changed[0] = '!'
	require.NoError(t, os.WriteFile(local, changed, 0o644))

	stats, err := remoteclient.Upload(context.Background(), c, "g", local)
	require.NoError(t, err)
	assert.Equal(t, 1, stats.BlocksSent)
	assert.Equal(t, 1, stats.BlocksSkipped)

	sums, err := store.Checksums("g", blocksize)
	require.NoError(t, err)
	assert.Equal(t, sha1Hex(changed[0:4]), sums.Checksums[0])
	assert.Equal(t, sha1Hex(changed[4:8]), sums.Checksums[1])
}

func TestUploadAppendOneByte(t *testing.T) {
	blocksize := 4
	_, store, c := newHarness(t, blocksize)
	localDir := t.TempDir()

	local := writeLocalFile(t, localDir, "h", []byte("abcd"))
	_, err := remoteclient.Upload(context.Background(), c, "h", local)
	require.NoError(t, err)

	require.NoError(t, os.WriteFile(local, []byte("abcd!"), 0o644))
	stats, err := remoteclient.Upload(context.Background(), c, "h", local)
	require.NoError(t, err)
	assert.Equal(t, 1, stats.BlocksSent)

	stat, err := store.Stat("h")
	require.NoError(t, err)
	assert.EqualValues(t, 5, stat.Size)
}

func TestUploadTruncateOneByte(t *testing.T) {
	blocksize := 4
	_, store, c := newHarness(t, blocksize)
	localDir := t.TempDir()

	local := writeLocalFile(t, localDir, "i", []byte("abcdefgh"))
	_, err := remoteclient.Upload(context.Background(), c, "i", local)
	require.NoError(t, err)

	require.NoError(t, os.WriteFile(local, []byte("abcdefg"), 0o644))
	_, err = remoteclient.Upload(context.Background(), c, "i", local)
	require.NoError(t, err)

	stat, err := store.Stat("i")
	require.NoError(t, err)
	assert.EqualValues(t, 7, stat.Size)
}

func TestUploadExactMultipleOfBlocksizeSendsTrailingCommit(t *testing.T) {
	blocksize := 4
	_, store, c := newHarness(t, blocksize)
	localDir := t.TempDir()

	local := writeLocalFile(t, localDir, "exact", []byte("aaaabbbb"))
	_, err := remoteclient.Upload(context.Background(), c, "exact", local)
	require.NoError(t, err)

	stat, err := store.Stat("exact")
	require.NoError(t, err)
	assert.EqualValues(t, 8, stat.Size)

	// Neither full block carries the times; only the trailing bodyless
	// commit applies them, so a matching mtime shows it was sent.
	fi, err := os.Stat(local)
	require.NoError(t, err)
	assert.Equal(t, fi.ModTime().UnixNano(), stat.Mtime)
}

func TestUploadEmptyFileCreatesAndTruncates(t *testing.T) {
	_, store, c := newHarness(t, 4)
	localDir := t.TempDir()
	local := writeLocalFile(t, localDir, "empty", []byte{})

	_, err := remoteclient.Upload(context.Background(), c, "empty", local)
	require.NoError(t, err)

	stat, err := store.Stat("empty")
	require.NoError(t, err)
	assert.EqualValues(t, 0, stat.Size)
}

func TestUploadFallsBackToWholeFileWhenV11Unsupported(t *testing.T) {
	store, err := blockstore.New(t.TempDir())
	require.NoError(t, err)

	mux := mirrorserver.New(store, 4, nil, nil, nil).Routes()
	// Build a v1.0-only server by wrapping the real mux but intercepting
	// v1.1 requests with a 404, simulating an older server.
	ts := httptest.NewServer(v10OnlyHandler{mux})
	t.Cleanup(ts.Close)

	c := remoteclient.New(ts.URL, 10*time.Second)
	localDir := t.TempDir()
	local := writeLocalFile(t, localDir, "legacy", []byte("whole file contents"))

	stats, err := remoteclient.Upload(context.Background(), c, "legacy", local)
	require.NoError(t, err)
	assert.False(t, stats.UsedV11)

	stat, err := store.Stat("legacy")
	require.NoError(t, err)
	assert.EqualValues(t, len("whole file contents"), stat.Size)
}

// v10OnlyHandler wraps a real mux but answers every v1.1 request with 404,
// simulating a server that only implements the whole-file API.
type v10OnlyHandler struct {
	inner http.Handler
}

func (h v10OnlyHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if strings.HasPrefix(r.URL.Path, mirrorproto.PrefixV11) {
		http.NotFound(w, r)
		return
	}
	h.inner.ServeHTTP(w, r)
}
