package audio

import (
	"context"
	"os/exec"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func lookPath(name string) (string, error) { return exec.LookPath(name) }

// startFakeSidecar wires an HLSSidecar around "cat" instead of ffmpeg: cat
// echoes stdin until EOF then exits cleanly, exercising Stop's
// close-stdin-then-wait path without needing a real encoder binary.
func startFakeSidecar(ctx context.Context, dir string) (*HLSSidecar, error) {
	cmd := exec.CommandContext(ctx, "cat")
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, err
	}
	cmd.Stdout = nil
	if err := cmd.Start(); err != nil {
		return nil, err
	}
	return &HLSSidecar{cmd: cmd, stdin: stdin, dir: dir}, nil
}

func TestHLSArgs_LiteralFFmpegFlags(t *testing.T) {
	t.Parallel()
	dir := "/tmp/session-1/hls"
	args := hlsArgs(dir)

	want := []string{
		"-f", "s16le",
		"-ar", "24000",
		"-ac", "1",
		"-i", "-",
		"-codec:a", "libmp3lame",
		"-b:a", "128k",
		"-f", "hls",
		"-hls_time", "2",
		"-hls_list_size", "0",
		"-hls_flags", "append_list+independent_segments",
		"-hls_segment_type", "mpegts",
		"-hls_segment_filename", filepath.Join(dir, "segment_%03d.ts"),
		"-hls_playlist_type", "event",
		"-y",
		filepath.Join(dir, PlaylistName),
	}
	assert.Equal(t, want, args)
}

func TestHLSSidecar_WriteAfterExitFaultsWithoutPanic(t *testing.T) {
	if _, err := lookPath("sh"); err != nil {
		t.Skip("sh not available in test environment")
	}

	dir := t.TempDir()
	// A fake "encoder" binary that exits immediately, closing the read end
	// of the stdin pipe, so a subsequent Write observes a broken pipe.
	sidecar, err := StartHLSSidecar(context.Background(), "sh", dir)
	require.NoError(t, err)
	// sh receives the literal ffmpeg-style flags as its own args; it cannot
	// parse them as a shell script and exits quickly with an error, which
	// is all this test needs: a process that is gone by the time we write.

	var writeErr error
	assert.Eventually(t, func() bool {
		writeErr = sidecar.Write([]byte{1, 2, 3, 4})
		return sidecar.Faulted()
	}, 2*time.Second, 10*time.Millisecond)

	assert.Error(t, writeErr)
	assert.True(t, sidecar.Faulted())

	// A further write must not panic and must be a no-op once faulted.
	assert.NoError(t, sidecar.Write([]byte{5, 6}))
}

func TestHLSSidecar_StopExitsPromptlyOnCleanShutdown(t *testing.T) {
	if _, err := lookPath("cat"); err != nil {
		t.Skip("cat not available in test environment")
	}

	dir := t.TempDir()
	sidecar, err := startFakeSidecar(context.Background(), dir)
	require.NoError(t, err)

	start := time.Now()
	sidecar.Stop(context.Background())
	assert.Less(t, time.Since(start), hlsStopWait, "a process that exits on stdin close must not hit the 10s escalation timeout")
}
