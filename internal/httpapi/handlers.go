package httpapi

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"

	"audiobookd/internal/auth"
	"audiobookd/internal/objectstore"
	"audiobookd/internal/observability"
	"audiobookd/internal/validation"
)

type generateRequest struct {
	ForceRegenerate      bool              `json:"force_regenerate"`
	SpeakerVoiceOverride map[string]string `json:"speaker_voice_overrides"`
}

func (s *Server) handleGenerate(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	sessionID, err := validation.SessionID(r.PathValue("session_id"))
	if err != nil || sessionID == "" {
		respondError(w, http.StatusBadRequest, errors.New("invalid session_id"))
		return
	}

	identity, _ := auth.CurrentIdentity(ctx)

	var req generateRequest
	if r.Body != nil && r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
			respondError(w, http.StatusBadRequest, err)
			return
		}
	}
	forceRegenerate := req.ForceRegenerate || len(req.SpeakerVoiceOverride) > 0

	result, err := s.orchestrator.Start(ctx, sessionID, identity.UserID, forceRegenerate, req.SpeakerVoiceOverride)
	if err != nil {
		observability.LoggerWithTrace(ctx).Error().Str("session_id", sessionID).Err(err).Msg("failed to start audio generation")
		respondError(w, http.StatusInternalServerError, err)
		return
	}

	respondJSON(w, http.StatusOK, map[string]any{
		"status":     result.Status,
		"session_id": sessionID,
		"message":    result.Message,
		"url":        result.URL,
		"source":     result.Source,
	})
}

func (s *Server) handleReset(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	sessionID, err := validation.SessionID(r.PathValue("session_id"))
	if err != nil || sessionID == "" {
		respondError(w, http.StatusBadRequest, errors.New("invalid session_id"))
		return
	}
	identity, _ := auth.CurrentIdentity(ctx)

	if err := s.orchestrator.Reset(ctx, sessionID, identity.UserID); err != nil {
		respondError(w, http.StatusInternalServerError, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"status": "reset", "session_id": sessionID})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	sessionID, err := validation.SessionID(r.PathValue("session_id"))
	if err != nil || sessionID == "" {
		respondError(w, http.StatusBadRequest, errors.New("invalid session_id"))
		return
	}
	identity, _ := auth.CurrentIdentity(ctx)

	status := s.orchestrator.Status(ctx, sessionID, identity.UserID)
	payload := map[string]any{"status": status.Status}
	if status.URL != "" {
		payload["url"] = status.URL
	}
	if status.FileType != "" {
		payload["file_type"] = status.FileType
	}
	if status.Source != "" {
		payload["source"] = status.Source
	}
	if status.FileSizeBytes > 0 {
		payload["file_size_bytes"] = status.FileSizeBytes
	}
	if status.DurationSeconds > 0 {
		payload["duration_seconds"] = status.DurationSeconds
	}
	respondJSON(w, http.StatusOK, payload)
}

// handleStream serves the generated audio file (MP3 preferred, falling back
// to the progressive WAV) with Range support for seeking and progressive
// playback, mirroring stream_audio's priority ordering. http.ServeContent
// supplies the byte-range handling idiomatically instead of hand-parsing
// the Range header.
func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	sessionID, err := validation.SessionID(r.PathValue("session_id"))
	if err != nil || sessionID == "" {
		respondError(w, http.StatusBadRequest, errors.New("invalid session_id"))
		return
	}

	dir := s.orchestrator.SessionDir(sessionID)
	mp3Path := filepath.Join(dir, "final.mp3")
	wavPath := filepath.Join(dir, "progressive.wav")

	path, mediaType := mp3Path, "audio/mpeg"
	f, err := os.Open(path)
	if err != nil {
		path, mediaType = wavPath, "audio/wav"
		f, err = os.Open(path)
		if err != nil {
			respondError(w, http.StatusNotFound, errors.New("audio file not found"))
			return
		}
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		respondError(w, http.StatusInternalServerError, err)
		return
	}

	w.Header().Set("Content-Type", mediaType)
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Access-Control-Allow-Origin", "*")
	w.Header().Set("Access-Control-Expose-Headers", "Content-Range, Content-Length, Accept-Ranges")
	http.ServeContent(w, r, filepath.Base(path), info.ModTime(), f)
}

func (s *Server) handleHLSPlaylist(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	sessionID, err := validation.SessionID(r.PathValue("session_id"))
	if err != nil || sessionID == "" {
		respondError(w, http.StatusBadRequest, errors.New("invalid session_id"))
		return
	}
	identity, _ := auth.CurrentIdentity(ctx)

	if store := s.orchestrator.ObjectStore(); store != nil && identity.UserID != "" {
		rc, _, err := store.Get(ctx, s.orchestrator.AudioKey(identity.UserID, sessionID, "hls/stream.m3u8"))
		if err == nil {
			defer rc.Close()
			content, readErr := io.ReadAll(rc)
			if readErr == nil {
				writePlaylist(w, content)
				return
			}
		}
	}

	path := filepath.Join(s.orchestrator.SessionDir(sessionID), "hls", "stream.m3u8")
	content, err := os.ReadFile(path)
	if err != nil {
		respondError(w, http.StatusNotFound, errors.New("hls stream not available"))
		return
	}
	writePlaylist(w, content)
}

func writePlaylist(w http.ResponseWriter, content []byte) {
	w.Header().Set("Content-Type", "application/vnd.apple.mpegurl")
	w.Header().Set("Cache-Control", "no-cache, no-store, must-revalidate")
	w.Header().Set("Access-Control-Allow-Origin", "*")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(content)
}

func (s *Server) handleHLSSegment(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	sessionID, err := validation.SessionID(r.PathValue("session_id"))
	if err != nil || sessionID == "" {
		respondError(w, http.StatusBadRequest, errors.New("invalid session_id"))
		return
	}
	segment := r.PathValue("segment_file")
	if !strings.HasPrefix(segment, "segment_") || !strings.HasSuffix(segment, ".ts") || strings.ContainsAny(segment, "/\\") {
		respondError(w, http.StatusBadRequest, errors.New("invalid segment filename"))
		return
	}
	identity, _ := auth.CurrentIdentity(ctx)

	if store := s.orchestrator.ObjectStore(); store != nil && identity.UserID != "" {
		key := s.orchestrator.AudioKey(identity.UserID, sessionID, "hls/"+segment)
		if url, err := store.PresignGet(ctx, key, s.orchestrator.PresignTTL()); err == nil {
			http.Redirect(w, r, url, http.StatusFound)
			return
		} else if !errors.Is(err, objectstore.ErrNotFound) {
			observability.LoggerWithTrace(ctx).Warn().Str("segment", segment).Err(err).Msg("presign hls segment failed")
		}
	}

	path := filepath.Join(s.orchestrator.SessionDir(sessionID), "hls", segment)
	f, err := os.Open(path)
	if err != nil {
		respondError(w, http.StatusNotFound, errors.New("segment not found"))
		return
	}
	defer f.Close()
	info, err := f.Stat()
	if err != nil {
		respondError(w, http.StatusInternalServerError, err)
		return
	}

	w.Header().Set("Content-Type", "video/mp2t")
	w.Header().Set("Cache-Control", "public, max-age=31536000")
	w.Header().Set("Access-Control-Allow-Origin", "*")
	http.ServeContent(w, r, segment, info.ModTime(), f)
}

// tts key override header, mirroring the source's X-Tech42-TTS-Key.
const ttsKeyOverrideHeader = "X-TTS-Key"

func (s *Server) handleVoices(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	apiKeyOverride := r.Header.Get(ttsKeyOverrideHeader)
	forceRefresh := r.URL.Query().Get("force") != ""

	voices, err := s.tts.GetVoiceCatalog(ctx, apiKeyOverride, forceRefresh)
	if err != nil {
		respondJSON(w, http.StatusOK, map[string]any{"voices": []any{}, "key_required": true})
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"voices": voices, "key_required": false})
}

func respondJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

// errorCode maps an HTTP status to the stable "code" string spec.md §6
// requires alongside "error" in every error body.
func errorCode(status int) string {
	switch status {
	case http.StatusBadRequest:
		return "invalid_input"
	case http.StatusUnauthorized:
		return "unauthenticated"
	case http.StatusNotFound:
		return "not_found"
	case http.StatusBadGateway:
		return "upstream_error"
	default:
		return "internal_error"
	}
}

func respondError(w http.ResponseWriter, status int, err error) {
	respondJSON(w, status, map[string]any{"error": err.Error(), "code": errorCode(status)})
}
