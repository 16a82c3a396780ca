package audio

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"audiobookd/internal/objectstore"
)

type countingLoader struct {
	calls int
	story Story
}

func (l *countingLoader) Load(context.Context, string, string) (Story, string, error) {
	l.calls++
	return l.story, "", nil
}

func newTestOrchestrator(t *testing.T, store objectstore.ObjectStore, loader StoryLoader) *Orchestrator {
	t.Helper()
	tts := NewTTSClient("http://tts.invalid", "test-key", nil)
	voices := VoiceDefaults{
		Narrator: "en-Alice_woman",
		Slots:    [3]string{"en-Bob_man", "en-Claire_woman", "en-David_man"},
	}
	return NewOrchestrator(store, tts, loader, t.TempDir(), "ffmpeg-not-installed", voices, time.Hour)
}

func putObject(t *testing.T, store objectstore.ObjectStore, key string, body []byte) {
	t.Helper()
	_, err := store.Put(context.Background(), key, bytes.NewReader(body), objectstore.PutOptions{})
	require.NoError(t, err)
}

func TestStart_StoreMP3WinsOverEverything(t *testing.T) {
	t.Parallel()
	store := objectstore.NewMemoryStore()
	putObject(t, store, "users/u1/stories/s1/audio/final.mp3", []byte("final"))
	putObject(t, store, "users/u1/stories/s1/audio/progressive.wav", []byte("progressive"))

	o := newTestOrchestrator(t, store, &countingLoader{})

	result, err := o.Start(context.Background(), "s1", "u1", false, nil)
	require.NoError(t, err)
	assert.Equal(t, "ready", result.Status)
	assert.Equal(t, "s3", result.Source)
}

func TestStart_StoreWAVWinsOverLocalMP3(t *testing.T) {
	t.Parallel()
	store := objectstore.NewMemoryStore()
	putObject(t, store, "users/u1/stories/s1/audio/progressive.wav", []byte("progressive"))

	o := newTestOrchestrator(t, store, &countingLoader{})
	dir := o.sessionDir("s1")
	require.NoError(t, os.MkdirAll(dir, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "final.mp3"), []byte("local mp3"), 0o644))

	result, err := o.Start(context.Background(), "s1", "u1", false, nil)
	require.NoError(t, err)
	assert.Equal(t, "generating", result.Status)
	assert.Equal(t, "s3", result.Source)
}

func TestStart_LocalMP3ReadyWhenNoStoreState(t *testing.T) {
	t.Parallel()
	store := objectstore.NewMemoryStore()
	o := newTestOrchestrator(t, store, &countingLoader{})
	dir := o.sessionDir("s1")
	require.NoError(t, os.MkdirAll(dir, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "final.mp3"), []byte("local mp3"), 0o644))

	result, err := o.Start(context.Background(), "s1", "u1", false, nil)
	require.NoError(t, err)
	assert.Equal(t, "ready", result.Status)
	assert.Equal(t, "local", result.Source)
}

func TestStart_FreshLocalWAVReturnsGenerating(t *testing.T) {
	t.Parallel()
	store := objectstore.NewMemoryStore()
	o := newTestOrchestrator(t, store, &countingLoader{})
	dir := o.sessionDir("s1")
	require.NoError(t, os.MkdirAll(dir, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "progressive.wav"), []byte("growing"), 0o644))

	result, err := o.Start(context.Background(), "s1", "u1", false, nil)
	require.NoError(t, err)
	assert.Equal(t, "generating", result.Status)
}

func TestStart_StaleLocalWAVTriggersNewGeneration(t *testing.T) {
	t.Parallel()
	store := objectstore.NewMemoryStore()
	loader := &countingLoader{story: Story{Chapters: []Chapter{{Lines: []DialogueLine{{Speaker: NarratorSpeaker, Text: "hi"}}}}}}
	o := newTestOrchestrator(t, store, loader)
	dir := o.sessionDir("s1")
	require.NoError(t, os.MkdirAll(dir, 0o755))
	wavPath := filepath.Join(dir, "progressive.wav")
	require.NoError(t, os.WriteFile(wavPath, []byte("stale"), 0o644))
	oldTime := time.Now().Add(-generationStaleWindow - time.Second)
	require.NoError(t, os.Chtimes(wavPath, oldTime, oldTime))

	result, err := o.Start(context.Background(), "s1", "u1", false, nil)
	require.NoError(t, err)
	assert.Equal(t, "started", result.Status)
}

func TestStart_IdempotentWithinRunningGeneration(t *testing.T) {
	t.Parallel()
	store := objectstore.NewMemoryStore()
	loader := &countingLoader{story: Story{Chapters: []Chapter{{Lines: []DialogueLine{{Speaker: NarratorSpeaker, Text: "hi"}}}}}}
	o := newTestOrchestrator(t, store, loader)

	first, err := o.Start(context.Background(), "s1", "u1", false, nil)
	require.NoError(t, err)
	require.Equal(t, "started", first.Status)

	second, err := o.Start(context.Background(), "s1", "u1", false, nil)
	require.NoError(t, err)
	assert.Equal(t, "generating", second.Status)
	assert.Equal(t, 1, loader.calls, "a second Start call while generating must not load the story again")
}

type permanentFailingDeleteStore struct {
	objectstore.ObjectStore
}

// DeletePrefix returns the same raw sentinel a real backend (e.g. S3Store)
// returns on an access-denied bucket policy: an unclassified ErrAccessDenied,
// not an already-wrapped *PermanentError. Reset must classify it itself.
func (s *permanentFailingDeleteStore) DeletePrefix(ctx context.Context, prefix string) (int, error) {
	return 0, fmt.Errorf("delete objects: %w", objectstore.ErrAccessDenied)
}

func TestReset_FailsClosedOnPermanentStoreError(t *testing.T) {
	t.Parallel()
	store := &permanentFailingDeleteStore{ObjectStore: objectstore.NewMemoryStore()}
	o := newTestOrchestrator(t, store, &countingLoader{})

	err := o.Reset(context.Background(), "s1", "u1")
	require.Error(t, err)

	var perm *objectstore.PermanentError
	assert.True(t, errors.As(err, &perm))
	assert.ErrorIs(t, err, objectstore.ErrAccessDenied)
}

func TestStatus_NotGenerated(t *testing.T) {
	t.Parallel()
	o := newTestOrchestrator(t, objectstore.NewMemoryStore(), &countingLoader{})
	status := o.Status(context.Background(), "missing-session", "u1")
	assert.Equal(t, "not_generated", status.Status)
}

func TestStart_RecordsRunMetadataWhenGenerationStarts(t *testing.T) {
	t.Parallel()
	store := objectstore.NewMemoryStore()
	loader := &countingLoader{story: Story{Chapters: []Chapter{{Lines: []DialogueLine{{Speaker: NarratorSpeaker, Text: "hi"}}}}}}
	o := newTestOrchestrator(t, store, loader)

	result, err := o.Start(context.Background(), "s1", "u1", false, nil)
	require.NoError(t, err)
	require.Equal(t, "started", result.Status)

	meta, err := o.metadata.Load(context.Background(), "u1", "s1")
	require.NoError(t, err)
	assert.Equal(t, "generating", meta.Fields["status"])
	assert.NotEmpty(t, meta.Fields["last_run_id"])
}

func TestStatus_RecentLocalWAVReportsGenerating(t *testing.T) {
	t.Parallel()
	o := newTestOrchestrator(t, objectstore.NewMemoryStore(), &countingLoader{})
	dir := o.sessionDir("s1")
	require.NoError(t, os.MkdirAll(dir, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "progressive.wav"), []byte("x"), 0o644))

	status := o.Status(context.Background(), "s1", "u1")
	assert.Equal(t, "generating", status.Status)
	assert.Equal(t, "wav", status.FileType)
}
