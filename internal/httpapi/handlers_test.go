package httpapi

import (
	"bytes"
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"audiobookd/internal/audio"
	"audiobookd/internal/objectstore"
)

type fakeLoader struct {
	story audio.Story
	err   error
}

func (f fakeLoader) Load(_ context.Context, _ string, _ string) (audio.Story, string, error) {
	return f.story, "", f.err
}

func newTestServer(t *testing.T, loader audio.StoryLoader, store objectstore.ObjectStore) *Server {
	t.Helper()
	tts := audio.NewTTSClient("http://tts.invalid", "test-key", nil)
	orch := audio.NewOrchestrator(store, tts, loader, t.TempDir(), "ffmpeg-not-installed", audio.VoiceDefaults{
		Narrator: "en-Alice_woman",
		Slots:    [3]string{"en-Bob_man", "en-Claire_woman", "en-David_man"},
	}, time.Hour)
	return NewServer(orch, tts, t.TempDir())
}

func TestHandleStatus_NotGenerated(t *testing.T) {
	srv := newTestServer(t, nil, objectstore.NewMemoryStore())

	req := httptest.NewRequest(http.MethodGet, "/api/v1/audio/status/sess-1", nil)
	req.Header.Set("X-User-Id", "user-1")
	rec := httptest.NewRecorder()

	srv.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"status":"not_generated"`)
}

func TestHandleStatus_MissingIdentityRejected(t *testing.T) {
	srv := newTestServer(t, nil, objectstore.NewMemoryStore())

	req := httptest.NewRequest(http.MethodGet, "/api/v1/audio/status/sess-1", nil)
	rec := httptest.NewRecorder()

	srv.ServeHTTP(rec, req)

	require.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestHandleReset_ClearsLocalAndStoreAssets(t *testing.T) {
	store := objectstore.NewMemoryStore()
	srv := newTestServer(t, nil, store)

	key := "users/user-1/stories/sess-1/audio/final.mp3"
	_, err := store.Put(context.Background(), key, bytes.NewReader([]byte("mp3")), objectstore.PutOptions{})
	require.NoError(t, err)
	dir := srv.orchestrator.SessionDir("sess-1")
	require.NoError(t, os.MkdirAll(dir, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "progressive.wav"), []byte("wav"), 0o644))

	req := httptest.NewRequest(http.MethodPost, "/api/v1/audio/reset/sess-1", nil)
	req.Header.Set("X-User-Id", "user-1")
	rec := httptest.NewRecorder()

	srv.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"status":"reset"`)

	exists, err := store.Exists(context.Background(), key)
	require.NoError(t, err)
	assert.False(t, exists)
	_, err = os.Stat(dir)
	assert.True(t, os.IsNotExist(err))
}

func TestHandleHLSSegment_RejectsBadFilename(t *testing.T) {
	srv := newTestServer(t, nil, objectstore.NewMemoryStore())

	req := httptest.NewRequest(http.MethodGet, "/api/v1/audio/hls/sess-1/../etc/passwd.ts", nil)
	req.Header.Set("X-User-Id", "user-1")
	rec := httptest.NewRecorder()

	srv.ServeHTTP(rec, req)

	assert.NotEqual(t, http.StatusOK, rec.Code)
}

func TestHandleStream_NotFound(t *testing.T) {
	srv := newTestServer(t, nil, objectstore.NewMemoryStore())

	req := httptest.NewRequest(http.MethodGet, "/api/v1/audio/stream/sess-1", nil)
	req.Header.Set("X-User-Id", "user-1")
	rec := httptest.NewRecorder()

	srv.ServeHTTP(rec, req)

	require.Equal(t, http.StatusNotFound, rec.Code)
}

func TestHandleGenerate_StartsBackgroundGeneration(t *testing.T) {
	loader := fakeLoader{story: audio.Story{
		Title: "A Story",
		Chapters: []audio.Chapter{
			{Number: 1, Lines: []audio.DialogueLine{{Speaker: audio.NarratorSpeaker, Text: "Once upon a time."}}},
		},
	}}
	srv := newTestServer(t, loader, objectstore.NewMemoryStore())

	req := httptest.NewRequest(http.MethodPost, "/api/v1/audio/generate/sess-1", nil)
	req.Header.Set("X-User-Id", "user-1")
	rec := httptest.NewRecorder()

	srv.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"status":"started"`)
}

func TestHandleVoices_NoKeyConfigured(t *testing.T) {
	srv := newTestServer(t, nil, objectstore.NewMemoryStore())
	srv.tts = audio.NewTTSClient("http://tts.invalid", "", nil)

	req := httptest.NewRequest(http.MethodGet, "/api/v1/audio/voices", nil)
	req.Header.Set("X-User-Id", "user-1")
	rec := httptest.NewRecorder()

	srv.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"key_required":true`)
}
