package audio

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"audiobookd/internal/observability"
)

// Timeouts for the upstream TTS connection, grounded on tts_streaming.py's
// httpx.Timeout(connect=30, write=30, pool=30, read=1200).
const (
	ttsConnectTimeout = 30 * time.Second
	ttsWriteTimeout   = 30 * time.Second
	ttsReadTimeout    = 1200 * time.Second
)

// firstChunkHeaderSize is the WAV header length the upstream TTS prepends
// to the very first streamed chunk; it must be stripped before fan-out.
const firstChunkHeaderSize = 44

// UpstreamRejected is returned when the TTS service responds with a non-2xx
// status.
type UpstreamRejected struct {
	StatusCode int
	Body       string
}

func (e *UpstreamRejected) Error() string {
	return fmt.Sprintf("tts upstream rejected request: status %d: %s", e.StatusCode, e.Body)
}

// UpstreamTruncated is returned when the stream ends or errors before a
// normal close, carrying how many chunks were received.
type UpstreamTruncated struct {
	ChunksReceived int
	Err            error
}

func (e *UpstreamTruncated) Error() string {
	return fmt.Sprintf("tts upstream stream truncated after %d chunks: %v", e.ChunksReceived, e.Err)
}

func (e *UpstreamTruncated) Unwrap() error { return e.Err }

// TTSClient opens a streaming connection to the upstream text-to-speech
// service and yields raw PCM chunks. Grounded on tts_streaming.py's
// stream_audio_generation and the teacher's internal/tools/tts/tool.go for
// the Go http.Client shape.
type TTSClient struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client

	cacheMu sync.Mutex
	cache   map[string][]Voice
}

// Voice is one entry of the upstream voice catalog.
type Voice struct {
	ID     string `json:"id"`
	Name   string `json:"name"`
	Locale string `json:"locale,omitempty"`
}

// NewTTSClient builds a client with the connect/response-header timeouts
// from §4.2; the long 1200s read budget is applied per-request via context.
// extraHeaders, when non-empty, is injected into every upstream request
// (e.g. a vendor-specific org/tenant header some TTS providers require
// alongside the bearer token).
func NewTTSClient(baseURL, apiKey string, extraHeaders map[string]string) *TTSClient {
	transport := &http.Transport{
		DialContext: (&net.Dialer{
			Timeout: ttsConnectTimeout,
		}).DialContext,
		ResponseHeaderTimeout: ttsWriteTimeout,
	}
	client := observability.NewHTTPClient(&http.Client{Transport: transport})
	if len(extraHeaders) > 0 {
		client = observability.WithHeaders(client, extraHeaders)
	}
	return &TTSClient{
		baseURL:    strings.TrimRight(baseURL, "/"),
		apiKey:     apiKey,
		httpClient: client,
		cache:      make(map[string][]Voice),
	}
}

// ErrAPIKeyRequired is returned by GetVoiceCatalog when neither an override
// nor the client's configured key is available.
var ErrAPIKeyRequired = fmt.Errorf("tts api key is required")

// GetVoiceCatalog fetches the upstream voice list, returning a cached copy
// (keyed by api key) on fetch failure if one exists. Grounded on
// tts_streaming.py's get_voice_catalog.
func (c *TTSClient) GetVoiceCatalog(ctx context.Context, apiKeyOverride string, forceRefresh bool) ([]Voice, error) {
	apiKey := apiKeyOverride
	if apiKey == "" {
		apiKey = c.apiKey
	}
	if apiKey == "" {
		return nil, ErrAPIKeyRequired
	}

	logger := observability.LoggerWithTrace(ctx)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/voices", nil)
	if err != nil {
		return nil, fmt.Errorf("build voices request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+apiKey)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return c.cachedOrEmpty(apiKey, logger, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return c.cachedOrEmpty(apiKey, logger, fmt.Errorf("voices endpoint returned %d", resp.StatusCode))
	}

	var payload struct {
		Voices []Voice `json:"voices"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return c.cachedOrEmpty(apiKey, logger, fmt.Errorf("decode voices response: %w", err))
	}

	c.cacheMu.Lock()
	c.cache[apiKey] = payload.Voices
	c.cacheMu.Unlock()

	return payload.Voices, nil
}

// cachedOrEmpty falls back to a previously cached catalog for apiKey on a
// fetch failure, or an empty list if none has ever been cached.
func (c *TTSClient) cachedOrEmpty(apiKey string, logger *zerolog.Logger, fetchErr error) ([]Voice, error) {
	c.cacheMu.Lock()
	cached, ok := c.cache[apiKey]
	c.cacheMu.Unlock()

	if ok {
		logger.Warn().Err(fetchErr).Int("cached_voices", len(cached)).Msg("voice catalog fetch failed, returning cached copy")
		return cached, nil
	}
	logger.Warn().Err(fetchErr).Msg("voice catalog fetch failed, no cache available")
	return []Voice{}, nil
}

// StreamRequest is the body posted to the upstream /generate/stream
// endpoint, matching §6's wire contract.
type StreamRequest struct {
	Script         string            `json:"script"`
	SpeakerVoices  []string          `json:"speaker_voices"`
	CfgScale       float64           `json:"cfg_scale"`
	SessionID      string            `json:"session_id"`
	SpeakerMapping map[string]string `json:"speaker_mapping,omitempty"`
	VoiceOverrides map[string]string `json:"voice_overrides,omitempty"`
}

// ChunkFunc receives each PCM chunk (header already stripped from the
// first one) in receipt order.
type ChunkFunc func(chunk []byte) error

// Stream opens the POST to /generate/stream and invokes onChunk for every
// PCM chunk received. It returns once the stream ends, with the number of
// chunks read from the upstream (a discarded short first chunk included).
// A non-2xx response returns *UpstreamRejected and a stream cut short
// returns *UpstreamTruncated; request and consumer failures are returned
// wrapped as they occur.
func (c *TTSClient) Stream(ctx context.Context, req StreamRequest, onChunk ChunkFunc) (chunks int, err error) {
	ctx, cancel := context.WithTimeout(ctx, ttsReadTimeout)
	defer cancel()

	body, err := json.Marshal(req)
	if err != nil {
		return 0, fmt.Errorf("marshal tts request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/generate/stream", bytes.NewReader(body))
	if err != nil {
		return 0, fmt.Errorf("build tts request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	logger := observability.LoggerWithTrace(ctx)
	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return 0, fmt.Errorf("tts request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		errBody, _ := io.ReadAll(io.LimitReader(resp.Body, 8<<10))
		return 0, &UpstreamRejected{StatusCode: resp.StatusCode, Body: strings.TrimSpace(string(observability.RedactJSON(errBody)))}
	}

	buf := make([]byte, 64*1024)
	isFirst := true
	for {
		n, readErr := resp.Body.Read(buf)
		if n > 0 {
			chunk := append([]byte(nil), buf[:n]...)
			if isFirst {
				isFirst = false
				if len(chunk) < firstChunkHeaderSize {
					logger.Warn().Int("chunk_bytes", len(chunk)).Msg("tts first chunk shorter than wav header, discarding")
					chunk = nil
				} else {
					chunk = chunk[firstChunkHeaderSize:]
				}
			}
			chunks++
			if len(chunk) > 0 {
				if cbErr := onChunk(chunk); cbErr != nil {
					return chunks, fmt.Errorf("chunk consumer: %w", cbErr)
				}
			}
		}
		if readErr != nil {
			if readErr == io.EOF {
				return chunks, nil
			}
			return chunks, &UpstreamTruncated{ChunksReceived: chunks, Err: readErr}
		}
	}
}
