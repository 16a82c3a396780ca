package audio

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"audiobookd/internal/observability"
)

const (
	hlsSampleRate    = 24000
	hlsSegmentSecs   = 2
	hlsMP3Bitrate    = "128k"
	hlsStopWait      = 10 * time.Second
	hlsTerminateWait = 3 * time.Second
)

// PlaylistName and segment naming, literal per §4.4.
const (
	PlaylistName       = "stream.m3u8"
	SegmentFilePattern = "segment_%03d.ts"
)

// HLSSidecar wraps an external ffmpeg process that reads raw s16le PCM from
// stdin and emits an event-mode HLS playlist plus MPEG-TS segments.
// Grounded on tts_streaming.py's _start_hls_converter: the same argv, the
// same BrokenPipe-tolerant write path, and the same
// close/wait-10s/terminate/wait-3s/kill shutdown sequence.
type HLSSidecar struct {
	cmd   *exec.Cmd
	stdin io.WriteCloser
	dir   string

	mu      sync.Mutex
	faulted bool
}

// hlsArgs builds the literal ffmpeg argv for the HLS sidecar, per §4.4:
// s16le/24kHz/mono PCM on stdin, libmp3lame at 128kbps inside an
// event-mode HLS segmentation with 2s segments, dense zero-padded
// "segment_%03d.ts" names, and no list-size cap.
func hlsArgs(dir string) []string {
	playlist := filepath.Join(dir, PlaylistName)
	return []string{
		"-f", "s16le",
		"-ar", fmt.Sprintf("%d", hlsSampleRate),
		"-ac", "1",
		"-i", "-",
		"-codec:a", "libmp3lame",
		"-b:a", hlsMP3Bitrate,
		"-f", "hls",
		"-hls_time", fmt.Sprintf("%d", hlsSegmentSecs),
		"-hls_list_size", "0",
		"-hls_flags", "append_list+independent_segments",
		"-hls_segment_type", "mpegts",
		"-hls_segment_filename", filepath.Join(dir, "segment_%03d.ts"),
		"-hls_playlist_type", "event",
		"-y",
		playlist,
	}
}

// StartHLSSidecar launches the encoder before the first upstream PCM byte
// arrives, so it is already waiting on stdin (minimizes first-segment
// latency).
func StartHLSSidecar(ctx context.Context, ffmpegPath, dir string) (*HLSSidecar, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create hls dir: %w", err)
	}

	cmd := exec.CommandContext(ctx, ffmpegPath, hlsArgs(dir)...)
	// Unless the caller's Cancel override is preserved, exec.CommandContext's
	// default cancellation (SIGKILL) would bypass our own graceful sequence;
	// Stop is always called explicitly before ctx ends in normal operation.
	cmd.Stdout = nil
	cmd.Stderr = nil

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("hls stdin pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start hls encoder: %w", err)
	}

	return &HLSSidecar{cmd: cmd, stdin: stdin, dir: dir}, nil
}

// Write feeds PCM bytes to the encoder. A write after the encoder has died
// (a broken pipe) marks the sidecar faulted and is reported to the caller,
// who is expected to stop calling Write once Faulted() is true; it never
// panics.
func (s *HLSSidecar) Write(chunk []byte) error {
	s.mu.Lock()
	if s.faulted {
		s.mu.Unlock()
		return nil
	}
	s.mu.Unlock()

	_, err := s.stdin.Write(chunk)
	if err != nil {
		s.mu.Lock()
		s.faulted = true
		s.mu.Unlock()
		return err
	}
	return nil
}

// Faulted reports whether a write error has been observed.
func (s *HLSSidecar) Faulted() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.faulted
}

// Stop closes stdin to signal end-of-stream, then waits up to 10s for a
// clean exit, escalating to Terminate and, after another 3s, Kill. A
// non-zero exit is logged but never returned as an error.
func (s *HLSSidecar) Stop(ctx context.Context) {
	logger := observability.LoggerWithTrace(ctx)
	_ = s.stdin.Close()

	done := make(chan error, 1)
	go func() { done <- s.cmd.Wait() }()

	select {
	case err := <-done:
		logExit(logger, err)
		return
	case <-time.After(hlsStopWait):
		logger.Warn().Msg("hls encoder did not exit within 10s, terminating")
	}

	_ = s.cmd.Process.Signal(os.Interrupt)
	select {
	case err := <-done:
		logExit(logger, err)
		return
	case <-time.After(hlsTerminateWait):
		logger.Warn().Msg("hls encoder still alive after terminate, killing")
	}

	_ = s.cmd.Process.Kill()
	<-done
}

func logExit(logger *zerolog.Logger, err error) {
	if err != nil {
		logger.Warn().Err(err).Msg("hls encoder exited non-zero")
	}
}
