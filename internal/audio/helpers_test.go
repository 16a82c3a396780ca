package audio

import (
	"bytes"
	"io"

	"github.com/rs/zerolog"
)

// testLogger returns a disabled logger so test output stays quiet; the
// uploader and sidecar only use it for Warn/Info log lines that tests don't
// assert on directly.
func testLogger() *zerolog.Logger {
	l := zerolog.Nop()
	return &l
}

func sliceReader(b []byte) io.Reader {
	return bytes.NewReader(b)
}
