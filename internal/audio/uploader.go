package audio

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"audiobookd/internal/objectstore"
	"audiobookd/internal/observability"
)

const (
	uploaderPollInterval   = 500 * time.Millisecond
	uploaderStabilityDelay = 500 * time.Millisecond
	uploaderPlaylistEvery  = 2 * time.Second
	uploaderMaxBackoff     = 30 * time.Second

	segmentContentType  = "video/mp2t"
	playlistContentType = "application/vnd.apple.mpegurl"
)

type segmentState struct {
	size        int64
	mtime       time.Time
	nextAttempt time.Time
	failures    int
}

// SegmentUploader watches an HLS directory for stabilized segments and
// uploads them at-most-once, with exponential backoff on failure, and
// throttled playlist re-uploads. Grounded directly on tts_streaming.py's
// _realtime_s3_uploader: 500ms poll, (size, mtime) stability tracking,
// min(2**failures, 30s) backoff, >=2s playlist throttling, and a
// cancellation-triggered drain.
type SegmentUploader struct {
	store     objectstore.ObjectStore
	hlsDir    string
	keyPrefix string // e.g. "users/<uid>/stories/<sid>/audio/hls/"

	mu       sync.Mutex
	uploaded map[string]bool
	state    map[string]segmentState
}

// NewSegmentUploader creates an uploader watching hlsDir and writing under
// keyPrefix (trailing slash required) in store.
func NewSegmentUploader(store objectstore.ObjectStore, hlsDir, keyPrefix string) *SegmentUploader {
	return &SegmentUploader{
		store:     store,
		hlsDir:    hlsDir,
		keyPrefix: keyPrefix,
		uploaded:  make(map[string]bool),
		state:     make(map[string]segmentState),
	}
}

// Run polls until ctx is cancelled, then drains: it uploads every remaining
// stable segment best-effort and uploads the final playlist, regardless of
// the stability window, before returning.
func (u *SegmentUploader) Run(ctx context.Context) {
	logger := observability.LoggerWithTrace(ctx)
	ticker := time.NewTicker(uploaderPollInterval)
	defer ticker.Stop()

	var lastPlaylistUpload time.Time

	for {
		select {
		case <-ctx.Done():
			u.drain(logger)
			return
		case <-ticker.C:
			u.scanAndUpload(ctx, logger)
			u.maybeUploadPlaylist(ctx, logger, &lastPlaylistUpload)
		}
	}
}

func (u *SegmentUploader) segmentFiles() []string {
	entries, err := os.ReadDir(u.hlsDir)
	if err != nil {
		return nil
	}
	var names []string
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		if strings.HasPrefix(e.Name(), "segment_") && strings.HasSuffix(e.Name(), ".ts") {
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)
	return names
}

func (u *SegmentUploader) scanAndUpload(ctx context.Context, logger *zerolog.Logger) {
	now := time.Now()
	for _, name := range u.segmentFiles() {
		u.mu.Lock()
		if u.uploaded[name] {
			u.mu.Unlock()
			continue
		}
		u.mu.Unlock()

		path := filepath.Join(u.hlsDir, name)
		info, err := os.Stat(path)
		if err != nil {
			continue
		}
		size := info.Size()
		mtime := info.ModTime()
		if size <= 0 {
			u.touchState(name, size, mtime, now.Add(uploaderStabilityDelay), 0)
			continue
		}

		u.mu.Lock()
		st, known := u.state[name]
		u.mu.Unlock()

		if !known || size != st.size || !mtime.Equal(st.mtime) {
			u.touchState(name, size, mtime, now.Add(uploaderStabilityDelay), stateFailures(st, known))
			continue
		}

		if now.Before(st.nextAttempt) {
			continue
		}

		if err := u.uploadSegment(ctx, name, path); err != nil {
			failures := st.failures + 1
			backoff := backoffFor(failures)
			u.touchState(name, size, mtime, now.Add(backoff), failures)
			logger.Warn().Str("segment", name).Err(err).Dur("retry_in", backoff).Msg("segment upload failed, backing off")
			continue
		}

		u.mu.Lock()
		u.uploaded[name] = true
		delete(u.state, name)
		u.mu.Unlock()
		logger.Info().Str("segment", name).Msg("uploaded hls segment")
	}
}

func stateFailures(st segmentState, known bool) int {
	if !known {
		return 0
	}
	return st.failures
}

func backoffFor(failures int) time.Duration {
	d := time.Duration(1) << uint(failures) * time.Second
	if d > uploaderMaxBackoff || d <= 0 {
		return uploaderMaxBackoff
	}
	return d
}

func (u *SegmentUploader) touchState(name string, size int64, mtime time.Time, next time.Time, failures int) {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.state[name] = segmentState{size: size, mtime: mtime, nextAttempt: next, failures: failures}
}

func (u *SegmentUploader) uploadSegment(ctx context.Context, name, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	_, err = u.store.Put(ctx, u.keyPrefix+name, bytes.NewReader(data), objectstore.PutOptions{ContentType: segmentContentType})
	return objectstore.Classify(err)
}

func (u *SegmentUploader) uploadedCount() int {
	u.mu.Lock()
	defer u.mu.Unlock()
	return len(u.uploaded)
}

func (u *SegmentUploader) maybeUploadPlaylist(ctx context.Context, logger *zerolog.Logger, last *time.Time) {
	if u.uploadedCount() == 0 {
		return
	}
	if time.Since(*last) < uploaderPlaylistEvery {
		return
	}
	if u.uploadPlaylist(ctx) == nil {
		*last = time.Now()
		logger.Info().Int("segments", u.uploadedCount()).Msg("uploaded hls playlist")
	}
}

func (u *SegmentUploader) uploadPlaylist(ctx context.Context) error {
	path := filepath.Join(u.hlsDir, PlaylistName)
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	_, err = u.store.Put(ctx, u.keyPrefix+PlaylistName, bytes.NewReader(data), objectstore.PutOptions{ContentType: playlistContentType})
	return objectstore.Classify(err)
}

// drain uploads every remaining segment best-effort, ignoring the
// stability window (generation has already ended so the encoder is no
// longer writing), then uploads the final playlist unconditionally.
func (u *SegmentUploader) drain(logger *zerolog.Logger) {
	ctx := context.Background()
	for _, name := range u.segmentFiles() {
		u.mu.Lock()
		already := u.uploaded[name]
		u.mu.Unlock()
		if already {
			continue
		}
		path := filepath.Join(u.hlsDir, name)
		info, err := os.Stat(path)
		if err != nil || info.Size() == 0 {
			continue
		}
		if err := u.uploadSegment(ctx, name, path); err != nil {
			logger.Warn().Str("segment", name).Err(err).Msg("final drain upload failed")
			continue
		}
		u.mu.Lock()
		u.uploaded[name] = true
		u.mu.Unlock()
	}

	if err := u.uploadPlaylist(ctx); err != nil {
		logger.Warn().Err(err).Msg("final playlist upload failed")
	} else {
		logger.Info().Int("segments", u.uploadedCount()).Msg("drained hls uploader")
	}
}

// Reconcile HEADs every local segment and re-uploads only size mismatches,
// guaranteeing convergence after transient upload failures. Grounded on
// tts_streaming.py's _upload_audio_to_s3 HEAD-size comparison loop.
func (u *SegmentUploader) Reconcile(ctx context.Context) error {
	for _, name := range u.segmentFiles() {
		path := filepath.Join(u.hlsDir, name)
		info, err := os.Stat(path)
		if err != nil {
			continue
		}
		localSize := info.Size()
		if localSize == 0 {
			continue
		}

		attrs, err := u.store.Head(ctx, u.keyPrefix+name)
		if err == nil && attrs.Size == localSize {
			continue
		}

		if err := u.uploadSegment(ctx, name, path); err != nil {
			return err
		}
		u.mu.Lock()
		u.uploaded[name] = true
		u.mu.Unlock()
	}
	return u.uploadPlaylist(ctx)
}
