// Package config defines the process configuration and loads it from the
// environment. There is no YAML file here: every knob the audio pipeline
// needs is small enough to live in env vars, following the 12-factor style
// the rest of this stack uses for deployment-specific settings.
package config

import (
	"strings"
	"time"
)

// TTSConfig configures the upstream text-to-speech service.
type TTSConfig struct {
	BaseURL      string `yaml:"base_url"`
	APIKey       string `yaml:"api_key"`
	DefaultVoice string `yaml:"default_voice"`
	// SlotVoices holds the default voice id for Slot 2..Slot 4, indexed 0..2.
	SlotVoices [3]string `yaml:"slot_voices"`
	// ExtraHeaders are injected into every upstream TTS request, for
	// providers that require a vendor header alongside or instead of
	// Authorization (e.g. "X-Org-Id: ...").
	ExtraHeaders map[string]string `yaml:"extra_headers"`
}

// S3Config configures the object-store backend and mirrors the shape the
// AWS SDK v2 client expects, including MinIO-style overrides.
type S3Config struct {
	Region       string `yaml:"region"`
	Bucket       string `yaml:"bucket"`
	Prefix       string `yaml:"prefix"`
	Endpoint     string `yaml:"endpoint"`
	AccessKey    string `yaml:"access_key"`
	SecretKey    string `yaml:"secret_key"`
	UsePathStyle bool   `yaml:"use_path_style"`
}

// ObsConfig configures OpenTelemetry export. Left zero-valued, telemetry is
// simply not started.
type ObsConfig struct {
	OTLP           string `yaml:"otlp"`
	ServiceName    string `yaml:"service_name"`
	ServiceVersion string `yaml:"service_version"`
	Environment    string `yaml:"environment"`
}

// Config is the complete process configuration.
type Config struct {
	Host string
	Port int

	// StorageRoot is the local filesystem root under which per-session audio
	// directories are created.
	StorageRoot string

	TTS   TTSConfig
	S3    S3Config
	Obs   ObsConfig
	LogLevel string
	LogPath  string

	// FFmpegPath overrides the binary used to spawn the HLS sidecar and the
	// final transcode. Defaults to "ffmpeg" resolved via PATH.
	FFmpegPath string

	// PresignTTL is how long presigned object-store GET URLs remain valid.
	PresignTTL time.Duration
}

// Load reads configuration from the environment, applying the defaults
// listed in SPEC_FULL.md §10.3.
func Load(getenv func(string) string) Config {
	if getenv == nil {
		getenv = osGetenv
	}
	cfg := Config{
		Host:        firstNonEmpty(getenv("HOST"), "0.0.0.0"),
		Port:        intFromEnv(getenv, "PORT", 8080),
		StorageRoot: firstNonEmpty(getenv("STORAGE_ROOT"), "./storage"),
		LogLevel:    firstNonEmpty(getenv("LOG_LEVEL"), "info"),
		LogPath:     getenv("LOG_PATH"),
		FFmpegPath:  firstNonEmpty(getenv("FFMPEG_PATH"), "ffmpeg"),
		PresignTTL:  time.Duration(intFromEnv(getenv, "PRESIGN_TTL_SECONDS", 3600)) * time.Second,
	}

	cfg.TTS = TTSConfig{
		BaseURL:      firstNonEmpty(getenv("TTS_BASE_URL"), "http://localhost:8090"),
		APIKey:       getenv("TTS_API_KEY"),
		DefaultVoice: firstNonEmpty(getenv("TTS_DEFAULT_VOICE"), "en-Alice_woman"),
		SlotVoices: [3]string{
			firstNonEmpty(getenv("TTS_SLOT2_VOICE"), "en-Bob_man"),
			firstNonEmpty(getenv("TTS_SLOT3_VOICE"), "en-Claire_woman"),
			firstNonEmpty(getenv("TTS_SLOT4_VOICE"), "en-David_man"),
		},
		ExtraHeaders: headersFromEnv(getenv("TTS_EXTRA_HEADERS")),
	}

	cfg.S3 = S3Config{
		Region:       firstNonEmpty(getenv("S3_REGION"), "us-east-1"),
		Bucket:       getenv("S3_BUCKET"),
		Prefix:       strings.Trim(getenv("S3_PREFIX"), "/"),
		Endpoint:     getenv("S3_ENDPOINT"),
		AccessKey:    getenv("S3_ACCESS_KEY"),
		SecretKey:    getenv("S3_SECRET_KEY"),
		UsePathStyle: boolFromEnv(getenv, "S3_USE_PATH_STYLE", false),
	}

	cfg.Obs = ObsConfig{
		OTLP:           getenv("OTEL_EXPORTER_OTLP_ENDPOINT"),
		ServiceName:    firstNonEmpty(getenv("OTEL_SERVICE_NAME"), "audiobookd"),
		ServiceVersion: firstNonEmpty(getenv("OTEL_SERVICE_VERSION"), "dev"),
		Environment:    firstNonEmpty(getenv("ENVIRONMENT"), "development"),
	}

	return cfg
}
