// Command audiobookd runs the narrated-audiobook generation service: the
// HTTP status/routing surface in front of the TTS streaming pipeline
// described in internal/audio.
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog/log"

	"audiobookd/internal/audio"
	"audiobookd/internal/config"
	"audiobookd/internal/httpapi"
	"audiobookd/internal/objectstore"
	"audiobookd/internal/observability"
	"audiobookd/internal/version"
)

func main() {
	// Load .env if present; do not hard-fail if missing, env vars may
	// already be set (container/systemd deployment).
	_ = godotenv.Load()

	cfg := config.Load(nil)
	observability.InitLogger(cfg.LogPath, cfg.LogLevel)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if cfg.Obs.OTLP != "" {
		shutdown, err := observability.InitOTel(ctx, cfg.Obs)
		if err != nil {
			log.Warn().Err(err).Msg("otel init failed, continuing without tracing/metrics export")
		} else {
			observability.EnableOTelBridge(cfg.Obs.ServiceName)
			defer func() {
				shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				if err := shutdown(shutdownCtx); err != nil {
					log.Warn().Err(err).Msg("otel shutdown failed")
				}
			}()
		}
	}

	store, err := newObjectStore(ctx, cfg)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to initialize object store")
	}

	tts := audio.NewTTSClient(cfg.TTS.BaseURL, cfg.TTS.APIKey, cfg.TTS.ExtraHeaders)
	loader := audio.NewStoreStoryLoader(store)

	voices := audio.VoiceDefaults{
		Narrator: cfg.TTS.DefaultVoice,
		Slots:    cfg.TTS.SlotVoices,
	}

	orchestrator := audio.NewOrchestrator(store, tts, loader, cfg.StorageRoot, cfg.FFmpegPath, voices, cfg.PresignTTL)
	server := httpapi.NewServer(orchestrator, tts, cfg.StorageRoot)

	addr := fmt.Sprintf("%s:%d", cfg.Host, cfg.Port)
	httpServer := &http.Server{
		Addr:         addr,
		Handler:      server,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 0, // streaming responses (stream/HLS) must not be capped
		IdleTimeout:  120 * time.Second,
	}

	log.Info().Str("addr", addr).Str("version", version.Version).Msg("audiobookd listening")

	serveErr := make(chan error, 1)
	go func() {
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
			return
		}
		serveErr <- nil
	}()

	select {
	case <-ctx.Done():
		log.Info().Msg("shutdown signal received, draining in-flight requests")
	case err := <-serveErr:
		if err != nil {
			log.Fatal().Err(err).Msg("http server failed")
		}
		return
	}

	// A running generation is deliberately not tied to the HTTP request
	// context (spec.md §5), so Shutdown does not cancel it; it still ends
	// when main returns and the process exits.
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Warn().Err(err).Msg("graceful shutdown timed out, forcing close")
		_ = httpServer.Close()
	}
}

// newObjectStore wires the S3-backed store when a bucket is configured,
// falling back to an in-memory store for local/dev runs so the service is
// runnable without cloud credentials (segments still land on local disk
// regardless; only the object-store fan-out sink degrades).
func newObjectStore(ctx context.Context, cfg config.Config) (objectstore.ObjectStore, error) {
	if cfg.S3.Bucket == "" {
		log.Warn().Msg("S3_BUCKET not configured, using in-memory object store (no durable uploads)")
		return objectstore.NewMemoryStore(), nil
	}

	httpClient := observability.NewHTTPClient(nil)
	store, err := objectstore.NewS3Store(ctx, cfg.S3, objectstore.WithHTTPClient(httpClient))
	if err != nil {
		return nil, fmt.Errorf("new s3 store: %w", err)
	}
	return store, nil
}
