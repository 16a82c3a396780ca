package audio

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"audiobookd/internal/objectstore"
	"audiobookd/internal/observability"
)

// generationStaleWindow is how long a progressive WAV's mtime must be within
// "now" to still be considered an in-flight generation rather than a stale
// leftover from a crashed run, per audio_routes.py's generate_audio_stream().
const generationStaleWindow = 30 * time.Second

// State names the Orchestrator's per-session state machine position.
type State string

const (
	StateIdle       State = "idle"
	StateChecking   State = "checking"
	StateServing    State = "serving"
	StateGenerating State = "generating"
	StateFinalizing State = "finalizing"
	StateDone       State = "done"
	StateFaulted    State = "faulted"
)

var (
	// ErrSidecarFaulted is recorded (never returned from RunGeneration) when
	// the HLS sidecar dies mid-generation; the generation itself continues
	// WAV-only.
	ErrSidecarFaulted = errors.New("hls sidecar faulted")

	// ErrTranscodeFailed marks a failed WAV->MP3 finalize step; the session
	// still finishes in StateDone, serving the WAV.
	ErrTranscodeFailed = errors.New("wav to mp3 transcode failed")

	// ErrStoryNotFound is returned by StoryLoader implementations.
	ErrStoryNotFound = errors.New("story not found")
)

// StartResult is returned by Orchestrator.Start, mirroring the JSON shapes
// audio_routes.py's generate_audio_stream returns to the caller.
type StartResult struct {
	Status  string // "ready" | "generating" | "started"
	URL     string
	Source  string // "s3" | "local" | ""
	Message string
}

// Status is returned by Orchestrator.Status, mirroring get_audio_status's
// response shape.
type Status struct {
	Status          string // "ready" | "generating" | "not_generated"
	URL             string
	FileType        string // "mp3" | "wav"
	Source          string // "s3" | "local" | ""
	FileSizeBytes   int64
	DurationSeconds float64
}

// StoryLoader resolves a session id (+ user id) to the structured story or
// plain-text fallback that should be spoken, mirroring
// load_complete_story()'s structured-first-then-text behavior.
type StoryLoader interface {
	Load(ctx context.Context, sessionID, userID string) (Story, string, error)
}

type session struct {
	mu      sync.Mutex
	state   State
	started time.Time
}

// Orchestrator drives a single audio generation end to end: idempotent
// start-checks, the T1/T2/T3 fan-out, WAV->MP3 finalize, and upload.
// Grounded on audio_routes.py's generate_audio_stream/get_audio_status and
// tts_streaming.py's stream_audio_generation.
type Orchestrator struct {
	store       objectstore.ObjectStore
	tts         *TTSClient
	loader      StoryLoader
	storageRoot string
	ffmpegPath  string
	voices      VoiceDefaults
	presignTTL  time.Duration

	metadata *MetadataStore

	mu       sync.Mutex
	sessions map[string]*session
}

// NewOrchestrator wires the Generation Orchestrator's collaborators.
func NewOrchestrator(store objectstore.ObjectStore, tts *TTSClient, loader StoryLoader, storageRoot, ffmpegPath string, voices VoiceDefaults, presignTTL time.Duration) *Orchestrator {
	o := &Orchestrator{
		store:       store,
		tts:         tts,
		loader:      loader,
		storageRoot: storageRoot,
		ffmpegPath:  ffmpegPath,
		voices:      voices,
		presignTTL:  presignTTL,
		sessions:    make(map[string]*session),
	}
	if store != nil {
		o.metadata = NewMetadataStore(store)
	}
	return o
}

// recordMetadata best-effort persists pipeline facts (run id, status,
// timestamps) to the session's metadata document; a failure here never
// affects generation itself, only the informational record of it.
func (o *Orchestrator) recordMetadata(ctx context.Context, userID, sessionID string, patch map[string]any) {
	if o.metadata == nil || userID == "" {
		return
	}
	if _, err := o.metadata.Update(ctx, userID, sessionID, patch); err != nil {
		observability.LoggerWithTrace(ctx).Warn().Str("session_id", sessionID).Err(err).Msg("failed to persist session metadata")
	}
}

func (o *Orchestrator) sessionDir(sessionID string) string {
	return filepath.Join(o.storageRoot, "audio", sessionID)
}

func (o *Orchestrator) storeKey(userID, sessionID, name string) string {
	return fmt.Sprintf("users/%s/stories/%s/audio/%s", userID, sessionID, name)
}

// SessionDir exposes the local per-session audio directory for the HTTP
// streaming/HLS-proxy handlers.
func (o *Orchestrator) SessionDir(sessionID string) string { return o.sessionDir(sessionID) }

// AudioKey exposes the object-store key layout for the HTTP handlers that
// proxy HLS segments/playlists through the object store.
func (o *Orchestrator) AudioKey(userID, sessionID, name string) string {
	return o.storeKey(userID, sessionID, name)
}

// ObjectStore exposes the underlying store for read-only proxy use by the
// HTTP handlers; may be nil if the service runs local-only.
func (o *Orchestrator) ObjectStore() objectstore.ObjectStore { return o.store }

// PresignTTL exposes the configured presigned-URL lifetime.
func (o *Orchestrator) PresignTTL() time.Duration { return o.presignTTL }

func (o *Orchestrator) getOrCreateSession(sessionID string) *session {
	o.mu.Lock()
	defer o.mu.Unlock()
	s, ok := o.sessions[sessionID]
	if !ok {
		s = &session{state: StateIdle}
		o.sessions[sessionID] = s
	}
	return s
}

// Start applies the idempotent priority ordering from spec.md §4.6: a store
// MP3 wins over a store WAV, which wins over a local MP3, which wins over a
// local WAV younger than 30s, which wins over spawning a new generation. A
// forced regeneration first resets existing assets.
func (o *Orchestrator) Start(ctx context.Context, sessionID, userID string, forceRegenerate bool, voiceOverrides map[string]string) (StartResult, error) {
	logger := observability.LoggerWithTrace(ctx)

	if !forceRegenerate && o.store != nil && userID != "" {
		if url, err := o.store.PresignGet(ctx, o.storeKey(userID, sessionID, "final.mp3"), o.presignTTL); err == nil {
			return StartResult{Status: "ready", URL: url, Source: "s3", Message: "audio already generated"}, nil
		}
		if url, err := o.store.PresignGet(ctx, o.storeKey(userID, sessionID, "progressive.wav"), o.presignTTL); err == nil {
			return StartResult{Status: "generating", URL: url, Source: "s3", Message: "audio generation already in progress"}, nil
		}
	}

	dir := o.sessionDir(sessionID)
	mp3Path := filepath.Join(dir, "final.mp3")
	wavPath := filepath.Join(dir, "progressive.wav")

	if !forceRegenerate {
		if _, err := os.Stat(mp3Path); err == nil {
			return StartResult{Status: "ready", URL: "/api/v1/audio/stream/" + sessionID, Source: "local", Message: "audio already generated"}, nil
		}
		if info, err := os.Stat(wavPath); err == nil {
			if time.Since(info.ModTime()) < generationStaleWindow {
				return StartResult{Status: "generating", Message: "audio generation already in progress"}, nil
			}
		}
	}

	if forceRegenerate {
		logger.Info().Str("session_id", sessionID).Msg("force regenerate requested, resetting existing assets")
		if err := o.Reset(ctx, sessionID, userID); err != nil {
			return StartResult{}, fmt.Errorf("reset before regenerate: %w", err)
		}
	}

	sess := o.getOrCreateSession(sessionID)
	sess.mu.Lock()
	if sess.state == StateGenerating || sess.state == StateChecking {
		sess.mu.Unlock()
		return StartResult{Status: "generating", Message: "audio generation already in progress"}, nil
	}
	sess.state = StateChecking
	sess.mu.Unlock()

	story, text, err := o.loader.Load(ctx, sessionID, userID)
	if err != nil {
		sess.mu.Lock()
		sess.state = StateFaulted
		sess.mu.Unlock()
		return StartResult{}, fmt.Errorf("load story: %w", err)
	}

	runID := uuid.NewString()
	logger.Info().Str("session_id", sessionID).Str("run_id", runID).Msg("starting new audio generation")

	sess.mu.Lock()
	sess.state = StateGenerating
	sess.started = time.Now()
	sess.mu.Unlock()

	o.recordMetadata(ctx, userID, sessionID, map[string]any{
		"last_run_id": runID,
		"status":      "generating",
		"started_at":  sess.started.UTC(),
	})

	// The generation must outlive the HTTP request that triggered it: its
	// root context is deliberately not r.Context() (see spec.md §5), so a
	// client disconnect never cancels a running generation.
	go o.runGenerationRecovered(context.Background(), runID, sessionID, userID, story, text, voiceOverrides, sess)

	return StartResult{Status: "started", Message: "audio generation started in background. Poll /status to track progress."}, nil
}

// runGenerationRecovered is the background-task boundary: it must never let
// a panic escape, per the source's "background task must not crash the
// server" rule (spec.md §7/§9).
func (o *Orchestrator) runGenerationRecovered(ctx context.Context, runID, sessionID, userID string, story Story, plainText string, voiceOverrides map[string]string, sess *session) {
	logger := observability.LoggerWithTrace(ctx)
	defer func() {
		if r := recover(); r != nil {
			logger.Error().Str("session_id", sessionID).Str("run_id", runID).Interface("panic", r).Msg("generation goroutine panicked")
			sess.mu.Lock()
			sess.state = StateFaulted
			sess.mu.Unlock()
			o.recordMetadata(ctx, userID, sessionID, map[string]any{"last_run_id": runID, "status": "faulted"})
		}
	}()

	if err := o.RunGeneration(ctx, runID, sessionID, userID, story, plainText, voiceOverrides); err != nil {
		logger.Error().Str("session_id", sessionID).Str("run_id", runID).Err(err).Msg("generation failed")
		sess.mu.Lock()
		sess.state = StateFaulted
		sess.mu.Unlock()
		o.recordMetadata(ctx, userID, sessionID, map[string]any{"last_run_id": runID, "status": "faulted"})
		return
	}

	sess.mu.Lock()
	sess.state = StateDone
	sess.mu.Unlock()
	o.recordMetadata(ctx, userID, sessionID, map[string]any{"last_run_id": runID, "status": "done"})
}

// RunGeneration executes steps a-f of a single generation: (a) format the
// script, (b) open the upstream TTS stream, (c) fan out each PCM chunk to
// the progressive WAV and the HLS sidecar concurrently with segment
// uploads, (d) finalize WAV header sizes, (e) transcode to MP3, (f) upload
// final assets and reconcile. Grounded on tts_streaming.py's
// stream_audio_generation body.
func (o *Orchestrator) RunGeneration(ctx context.Context, runID, sessionID, userID string, story Story, plainText string, voiceOverrides map[string]string) error {
	logger := observability.LoggerWithTrace(ctx)

	voices := o.voices
	if len(voiceOverrides) > 0 {
		merged := voices.Override
		if merged == nil {
			merged = make(map[string]string, len(voiceOverrides))
		}
		for k, v := range voiceOverrides {
			merged[k] = v
		}
		voices.Override = merged
	}

	var fmtResult FormatResult
	if len(story.Chapters) > 0 {
		fmtResult = FormatStory(story, voices)
		if fmtResult.Warning != "" {
			logger.Warn().Str("session_id", sessionID).Msg(fmtResult.Warning)
		}
	} else {
		fmtResult = FormatPlainText(plainText, voices)
	}

	dir := o.sessionDir(sessionID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create session dir: %w", err)
	}
	wavPath := filepath.Join(dir, "progressive.wav")
	hlsDir := filepath.Join(dir, "hls")

	wavFile, err := os.Create(wavPath)
	if err != nil {
		return fmt.Errorf("create progressive wav: %w", err)
	}
	defer wavFile.Close()

	header := MakeHeader(hlsSampleRate, 1, 16, 0)
	if _, err := wavFile.Write(header); err != nil {
		return fmt.Errorf("write wav header: %w", err)
	}

	sidecar, sidecarErr := StartHLSSidecar(ctx, o.ffmpegPath, hlsDir)
	if sidecarErr != nil {
		logger.Warn().Str("session_id", sessionID).Err(sidecarErr).Msg("failed to start hls sidecar, continuing WAV-only")
	}

	var uploader *SegmentUploader
	uploaderCtx, cancelUploader := context.WithCancel(ctx)
	defer cancelUploader()
	if o.store != nil && userID != "" && sidecar != nil {
		uploader = NewSegmentUploader(o.store, hlsDir, o.storeKey(userID, sessionID, "hls/"))
	}

	var pcmBytesSaved uint32
	var flushCounter int

	g, gctx := errgroup.WithContext(uploaderCtx)

	if uploader != nil {
		g.Go(func() error {
			defer func() {
				if r := recover(); r != nil {
					logger.Error().Str("session_id", sessionID).Interface("panic", r).Msg("hls uploader panicked")
				}
			}()
			uploader.Run(gctx)
			return nil // T3: a watcher fault never aborts the generation
		})
	}

	req := StreamRequest{
		Script:         fmtResult.Script,
		SpeakerVoices:  fmtResult.Voices,
		CfgScale:       1.3,
		SessionID:      sessionID,
		SpeakerMapping: reverseSpeakerMap(fmtResult.Speakers),
		VoiceOverrides: voiceOverrides,
	}

	chunks, streamErr := o.tts.Stream(ctx, req, func(chunk []byte) error {
		if _, err := wavFile.Write(chunk); err != nil {
			return fmt.Errorf("write pcm to wav: %w", err)
		}
		pcmBytesSaved += uint32(len(chunk))

		if sidecar != nil && !sidecar.Faulted() {
			if werr := sidecar.Write(chunk); werr != nil {
				logger.Warn().Str("session_id", sessionID).Err(fmt.Errorf("%w: %v", ErrSidecarFaulted, werr)).Msg("hls sidecar write failed, degrading to wav-only")
			}
		}

		flushCounter++
		if flushCounter%50 == 0 {
			if perr := PatchSizes(wavPath, pcmBytesSaved); perr != nil {
				logger.Warn().Str("session_id", sessionID).Err(perr).Msg("failed to patch wav header mid-stream")
			}
		}
		return nil
	})

	// Stop the sidecar before cancelling the uploader, per spec.md §4.6 step
	// e: the encoder must finish writing the final segment and the
	// ENDLIST-terminated playlist before the drain pass looks at hls/, or
	// the drain would upload a playlist that is about to be rewritten.
	if sidecar != nil {
		sidecar.Stop(ctx)
	}

	cancelUploader()
	if err := g.Wait(); err != nil {
		logger.Warn().Str("session_id", sessionID).Err(err).Msg("uploader task returned an error")
	}

	if streamErr != nil {
		_ = PatchSizes(wavPath, pcmBytesSaved)
		return fmt.Errorf("tts stream: %w", streamErr)
	}

	if err := PatchSizes(wavPath, pcmBytesSaved); err != nil {
		logger.Warn().Str("session_id", sessionID).Err(err).Msg("failed to finalize wav header")
	}

	logger.Info().Str("session_id", sessionID).Int("chunks", chunks).Uint32("pcm_bytes", pcmBytesSaved).Msg("streaming complete")

	mp3Path := filepath.Join(dir, "final.mp3")
	transcodeErr := o.transcodeToMP3(ctx, wavPath, mp3Path)
	if transcodeErr != nil {
		logger.Warn().Str("session_id", sessionID).Err(transcodeErr).Msg("mp3 transcode failed, serving wav")
	}

	if o.store != nil && userID != "" {
		if err := o.uploadFinalAssets(ctx, userID, sessionID, wavPath, mp3Path, transcodeErr == nil); err != nil {
			logger.Warn().Str("session_id", sessionID).Err(err).Msg("final asset upload failed")
		}
		if uploader != nil {
			if err := uploader.Reconcile(context.Background()); err != nil {
				logger.Warn().Str("session_id", sessionID).Err(err).Msg("hls reconciliation failed")
			}
		}
	}

	return nil
}

func reverseSpeakerMap(m SpeakerMap) map[string]string {
	out := make(map[string]string, len(m))
	for name, slot := range m {
		out[name] = fmt.Sprintf("Slot %d", slot)
	}
	return out
}

// transcodeToMP3 shells out to ffmpeg the same way the source's
// _convert_wav_to_mp3 does: libmp3lame at 192k, resampled to 24kHz.
func (o *Orchestrator) transcodeToMP3(ctx context.Context, wavPath, mp3Path string) error {
	cmd := exec.CommandContext(ctx, o.ffmpegPath,
		"-i", wavPath,
		"-codec:a", "libmp3lame",
		"-b:a", "192k",
		"-ar", fmt.Sprintf("%d", hlsSampleRate),
		"-y",
		mp3Path,
	)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return fmt.Errorf("%w: %s: %s", ErrTranscodeFailed, err, stderr.String())
	}
	return nil
}

func (o *Orchestrator) uploadFinalAssets(ctx context.Context, userID, sessionID, wavPath, mp3Path string, mp3Ready bool) error {
	if mp3Ready {
		if err := o.uploadFile(ctx, mp3Path, o.storeKey(userID, sessionID, "final.mp3"), "audio/mpeg"); err != nil {
			return err
		}
	}
	return o.uploadFile(ctx, wavPath, o.storeKey(userID, sessionID, "progressive.wav"), "audio/wav")
}

func (o *Orchestrator) uploadFile(ctx context.Context, path, key, contentType string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	_, err = o.store.Put(ctx, key, bytes.NewReader(data), objectstore.PutOptions{ContentType: contentType})
	return objectstore.Classify(err)
}

// Reset deletes all generated audio assets for a session, locally and in
// the object store, mirroring _cleanup_audio_assets. The local directory is
// removed first, best effort. It fails closed when the store deletion hits a
// PermanentError: it returns the error and keeps the in-memory session record.
func (o *Orchestrator) Reset(ctx context.Context, sessionID, userID string) error {
	logger := observability.LoggerWithTrace(ctx)
	dir := o.sessionDir(sessionID)
	if err := os.RemoveAll(dir); err != nil {
		logger.Error().Str("session_id", sessionID).Err(err).Msg("failed to remove local audio assets")
	}

	if o.store != nil && userID != "" {
		prefix := fmt.Sprintf("users/%s/stories/%s/audio/", userID, sessionID)
		if _, err := o.store.DeletePrefix(ctx, prefix); err != nil {
			// DeletePrefix implementations (S3Store included) return raw
			// sentinels/wrapped errors, not already-classified *PermanentError
			// values, so classify here before branching.
			classified := objectstore.Classify(err)
			var perm *objectstore.PermanentError
			if errors.As(classified, &perm) {
				return fmt.Errorf("reset audio assets: %w", classified)
			}
			logger.Warn().Str("session_id", sessionID).Err(err).Msg("transient error deleting audio assets, proceeding")
		}
	}

	o.mu.Lock()
	delete(o.sessions, sessionID)
	o.mu.Unlock()
	return nil
}

// Status reports the current generation/serving state, preferring the
// object store over local disk, mirroring get_audio_status's priority
// ordering.
func (o *Orchestrator) Status(ctx context.Context, sessionID, userID string) Status {
	if o.store != nil && userID != "" {
		if url, err := o.store.PresignGet(ctx, o.storeKey(userID, sessionID, "final.mp3"), o.presignTTL); err == nil {
			return Status{Status: "ready", URL: url, FileType: "mp3", Source: "s3"}
		}
		if url, err := o.store.PresignGet(ctx, o.storeKey(userID, sessionID, "progressive.wav"), o.presignTTL); err == nil {
			return Status{Status: "generating", URL: url, FileType: "wav", Source: "s3"}
		}
	}

	dir := o.sessionDir(sessionID)
	mp3Path := filepath.Join(dir, "final.mp3")
	wavPath := filepath.Join(dir, "progressive.wav")

	if info, err := os.Stat(mp3Path); err == nil {
		return Status{
			Status:        "ready",
			URL:           "/api/v1/audio/stream/" + sessionID,
			FileType:      "mp3",
			Source:        "local",
			FileSizeBytes: info.Size(),
		}
	}

	if info, err := os.Stat(wavPath); err == nil {
		status := "ready"
		if time.Since(info.ModTime()) < 3*time.Second {
			status = "generating"
		}
		return Status{
			Status:        status,
			URL:           "/api/v1/audio/stream/" + sessionID,
			FileType:      "wav",
			Source:        "local",
			FileSizeBytes: info.Size(),
		}
	}

	return Status{Status: "not_generated"}
}
