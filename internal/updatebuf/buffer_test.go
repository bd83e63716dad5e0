package updatebuf

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const updatemax = int64(60 * time.Second)

func TestModifyAbsentUploadsImmediately(t *testing.T) {
	b := New()
	assert.True(t, b.Modify("a", 0))
}

func TestModifyFreshSuppressesUpload(t *testing.T) {
	b := New()
	require.True(t, b.Modify("a", 0))
	assert.False(t, b.Modify("a", int64(time.Second)))
}

func TestModifyDirtyStaysDirty(t *testing.T) {
	b := New()
	require.True(t, b.Modify("a", 0))
	require.False(t, b.Modify("a", int64(time.Second)))
	assert.False(t, b.Modify("a", int64(2*time.Second)))
}

func TestDeleteClearsState(t *testing.T) {
	b := New()
	require.True(t, b.Modify("a", 0))
	b.Delete("a")
	assert.True(t, b.Modify("a", int64(time.Second))) // treated as Absent again
}

func TestDeleteAbsentIsNoop(t *testing.T) {
	b := New()
	b.Delete("never-existed")
	assert.Equal(t, 0, b.Len())
}

func TestRenamePreservesDirtyState(t *testing.T) {
	b := New()
	require.True(t, b.Modify("old", 0))
	require.False(t, b.Modify("old", int64(time.Second))) // now Dirty
	b.Rename("old", "new")

	toUpload := b.Tick(updatemax, updatemax)
	assert.Contains(t, toUpload, "new")
	assert.NotContains(t, toUpload, "old")
}

func TestTickExpiresFreshToAbsent(t *testing.T) {
	b := New()
	require.True(t, b.Modify("a", 0))
	toUpload := b.Tick(updatemax, updatemax)
	assert.Empty(t, toUpload)
	assert.Equal(t, 0, b.Len())
}

func TestTickFlushesDirtyAndReturnsToFresh(t *testing.T) {
	b := New()
	require.True(t, b.Modify("a", 0))
	require.False(t, b.Modify("a", int64(time.Second))) // Dirty

	toUpload := b.Tick(updatemax, updatemax)
	assert.Equal(t, []string{"a"}, toUpload)

	// Freshly re-armed: further edits within the window should not re-upload.
	assert.False(t, b.Modify("a", updatemax+int64(time.Second)))
}

func TestTickLeavesYoungEntriesAlone(t *testing.T) {
	b := New()
	require.True(t, b.Modify("a", 0))
	toUpload := b.Tick(int64(time.Second), updatemax)
	assert.Empty(t, toUpload)
	assert.Equal(t, 1, b.Len())
}

func TestRateLimitInvariant(t *testing.T) {
	// Modify every 100ms for updatemax+10s; expect exactly one upload in the
	// first updatemax window and exactly one more shortly after quiescence.
	b := New()
	step := int64(100 * time.Millisecond)
	uploads := 0
	var now int64
	for now = 0; now < updatemax; now += step {
		if b.Modify("j", now) {
			uploads++
		}
		b.Tick(now, updatemax)
	}
	assert.Equal(t, 1, uploads)

	// Stop editing; the buffered Dirty/Fresh entry should flush within one
	// more updatemax interval.
	flushed := b.Tick(now+updatemax, updatemax)
	assert.Equal(t, []string{"j"}, flushed)
}
