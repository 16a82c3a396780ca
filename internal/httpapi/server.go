// Package httpapi exposes the audio pipeline's HTTP surface: generation
// start/reset/status, byte-range audio streaming, and an HLS proxy. Grounded
// on audio_routes.py for endpoint shapes and on the teacher's own
// internal/httpapi package for Go HTTP mechanics (Go 1.22+ http.ServeMux
// method patterns, r.PathValue, respondJSON/respondError helpers).
package httpapi

import (
	"net/http"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"audiobookd/internal/audio"
	"audiobookd/internal/auth"
)

// Server exposes the audio generation API.
type Server struct {
	orchestrator *audio.Orchestrator
	tts          *audio.TTSClient
	storageRoot  string
	mux          *http.ServeMux
}

// NewServer creates the HTTP API server wired to the Generation Orchestrator.
func NewServer(orchestrator *audio.Orchestrator, tts *audio.TTSClient, storageRoot string) *Server {
	s := &Server{orchestrator: orchestrator, tts: tts, storageRoot: storageRoot, mux: http.NewServeMux()}
	s.registerRoutes()
	return s
}

// ServeHTTP satisfies http.Handler, wrapping every route with identity
// enforcement and an OpenTelemetry server span, the same layering the
// teacher applies to its own top-level mux.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	otelhttp.NewHandler(auth.RequireIdentity(s.mux), "audiobookd.http").ServeHTTP(w, r)
}

func (s *Server) registerRoutes() {
	s.mux.HandleFunc("POST /api/v1/audio/generate/{session_id}", s.handleGenerate)
	s.mux.HandleFunc("POST /api/v1/audio/reset/{session_id}", s.handleReset)
	s.mux.HandleFunc("GET /api/v1/audio/status/{session_id}", s.handleStatus)
	s.mux.HandleFunc("GET /api/v1/audio/stream/{session_id}", s.handleStream)
	s.mux.HandleFunc("GET /api/v1/audio/hls/{session_id}/stream.m3u8", s.handleHLSPlaylist)
	s.mux.HandleFunc("GET /api/v1/audio/hls/{session_id}/{segment_file}", s.handleHLSSegment)
	s.mux.HandleFunc("GET /api/v1/audio/voices", s.handleVoices)
}
