package audio

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"audiobookd/internal/objectstore"
)

func writeSegment(t *testing.T, dir, name string, data []byte) {
	t.Helper()
	require.NoError(t, os.WriteFile(filepath.Join(dir, name), data, 0o644))
}

func TestUploader_ChangingSegmentIsNotUploadedUntilStable(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	store := objectstore.NewMemoryStore()
	u := NewSegmentUploader(store, dir, "users/u1/stories/s1/audio/hls/")
	logger := testLogger()

	writeSegment(t, dir, "segment_000.ts", []byte("abc"))
	u.scanAndUpload(context.Background(), logger)
	assert.False(t, u.uploaded["segment_000.ts"], "first observation must only register state, not upload")

	// Still being written: size changes before the stability window elapses.
	writeSegment(t, dir, "segment_000.ts", []byte("abcdef"))
	u.scanAndUpload(context.Background(), logger)
	assert.False(t, u.uploaded["segment_000.ts"])

	_, err := store.Head(context.Background(), "users/u1/stories/s1/audio/hls/segment_000.ts")
	assert.ErrorIs(t, err, objectstore.ErrNotFound)
}

func TestUploader_StableSegmentUploadsExactlyOnce(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	store := objectstore.NewMemoryStore()
	u := NewSegmentUploader(store, dir, "users/u1/stories/s1/audio/hls/")
	logger := testLogger()

	writeSegment(t, dir, "segment_000.ts", []byte("stable-bytes"))

	// First pass observes (size, mtime); the upload only happens once the
	// stability window (recorded via nextAttempt) has elapsed.
	u.scanAndUpload(context.Background(), logger)
	require.False(t, u.uploaded["segment_000.ts"])

	u.mu.Lock()
	st := u.state["segment_000.ts"]
	st.nextAttempt = time.Now().Add(-time.Millisecond)
	u.state["segment_000.ts"] = st
	u.mu.Unlock()

	u.scanAndUpload(context.Background(), logger)
	assert.True(t, u.uploaded["segment_000.ts"])

	// Repeated scans after upload must not re-upload (at-most-once).
	for i := 0; i < 3; i++ {
		u.scanAndUpload(context.Background(), logger)
	}

	rc, attrs, err := store.Get(context.Background(), "users/u1/stories/s1/audio/hls/segment_000.ts")
	require.NoError(t, err)
	rc.Close()
	assert.Equal(t, int64(len("stable-bytes")), attrs.Size)
}

func TestBackoffFor_MatchesExponentialCeiling(t *testing.T) {
	t.Parallel()
	assert.Equal(t, 1*time.Second, backoffFor(0))
	assert.Equal(t, 2*time.Second, backoffFor(1))
	assert.Equal(t, 4*time.Second, backoffFor(2))
	assert.Equal(t, 30*time.Second, backoffFor(5)) // 2^5=32, ceilinged to 30
	assert.Equal(t, 30*time.Second, backoffFor(10))
}

func TestUploader_PlaylistReuploadThrottled(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	store := objectstore.NewMemoryStore()
	u := NewSegmentUploader(store, dir, "users/u1/stories/s1/audio/hls/")
	logger := testLogger()

	writeSegment(t, dir, PlaylistName, []byte("#EXTM3U\n"))
	u.mu.Lock()
	u.uploaded["segment_000.ts"] = true // at least one segment uploaded unblocks playlist uploads
	u.mu.Unlock()

	var last time.Time
	u.maybeUploadPlaylist(context.Background(), logger, &last)
	firstUpload := last
	assert.False(t, firstUpload.IsZero())

	u.maybeUploadPlaylist(context.Background(), logger, &last)
	assert.Equal(t, firstUpload, last, "a second call inside the 2s window must not re-upload")
}

func TestUploader_DrainUploadsRemainingAndFinalPlaylist(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	store := objectstore.NewMemoryStore()
	u := NewSegmentUploader(store, dir, "users/u1/stories/s1/audio/hls/")
	logger := testLogger()

	writeSegment(t, dir, "segment_000.ts", []byte("one"))
	writeSegment(t, dir, "segment_001.ts", []byte("two"))
	writeSegment(t, dir, PlaylistName, []byte("#EXTM3U\n#EXT-X-ENDLIST\n"))

	u.drain(logger)

	assert.True(t, u.uploaded["segment_000.ts"])
	assert.True(t, u.uploaded["segment_001.ts"])
	_, err := store.Head(context.Background(), "users/u1/stories/s1/audio/hls/"+PlaylistName)
	assert.NoError(t, err)
}

func TestUploader_ReconcileOnlyReuploadsMismatches(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	store := objectstore.NewMemoryStore()
	u := NewSegmentUploader(store, dir, "users/u1/stories/s1/audio/hls/")

	writeSegment(t, dir, "segment_000.ts", []byte("matching"))
	writeSegment(t, dir, "segment_001.ts", []byte("mismatched-locally-longer"))
	writeSegment(t, dir, PlaylistName, []byte("#EXTM3U\n"))

	ctx := context.Background()
	_, err := store.Put(ctx, "users/u1/stories/s1/audio/hls/segment_000.ts", sliceReader([]byte("matching")), objectstore.PutOptions{ContentType: segmentContentType})
	require.NoError(t, err)
	_, err = store.Put(ctx, "users/u1/stories/s1/audio/hls/segment_001.ts", sliceReader([]byte("stale")), objectstore.PutOptions{ContentType: segmentContentType})
	require.NoError(t, err)

	require.NoError(t, u.Reconcile(ctx))

	attrs, err := store.Head(ctx, "users/u1/stories/s1/audio/hls/segment_001.ts")
	require.NoError(t, err)
	assert.Equal(t, int64(len("mismatched-locally-longer")), attrs.Size, "a mismatched segment must be re-uploaded to match local size")
}
