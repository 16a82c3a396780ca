package audio

import (
	"encoding/binary"
	"fmt"
	"io"
	"os"
)

// wavHeaderSize is the literal byte length of a canonical RIFF/WAVE PCM
// header with no extension chunks.
const wavHeaderSize = 44

// MakeHeader builds a 44-byte RIFF/WAVE header for signed-16-bit PCM.
// Field layout, grounded on tts_streaming.py's _create_wav_header:
// "RIFF" | fileSize-8 (LE32) | "WAVE" | "fmt " | 16 (LE32) | 1 (LE16) |
// channels (LE16) | sampleRate (LE32) | byteRate (LE32) | blockAlign (LE16) |
// bitsPerSample (LE16) | "data" | dataSize (LE32).
func MakeHeader(sampleRate, channels, bitsPerSample int, dataSize uint32) []byte {
	byteRate := uint32(sampleRate * channels * bitsPerSample / 8)
	blockAlign := uint16(channels * bitsPerSample / 8)
	fileSize := 36 + dataSize

	h := make([]byte, wavHeaderSize)
	copy(h[0:4], "RIFF")
	binary.LittleEndian.PutUint32(h[4:8], fileSize)
	copy(h[8:12], "WAVE")
	copy(h[12:16], "fmt ")
	binary.LittleEndian.PutUint32(h[16:20], 16)
	binary.LittleEndian.PutUint16(h[20:22], 1) // PCM
	binary.LittleEndian.PutUint16(h[22:24], uint16(channels))
	binary.LittleEndian.PutUint32(h[24:28], uint32(sampleRate))
	binary.LittleEndian.PutUint32(h[28:32], byteRate)
	binary.LittleEndian.PutUint16(h[32:34], blockAlign)
	binary.LittleEndian.PutUint16(h[34:36], uint16(bitsPerSample))
	copy(h[36:40], "data")
	binary.LittleEndian.PutUint32(h[40:44], dataSize)
	return h
}

// PatchSizes rewrites the RIFF size (offset 4) and data size (offset 40)
// fields of an existing WAV file in place, without touching any other byte.
// Patching twice with the same dataSize is a no-op (byte-identical result).
func PatchSizes(path string, dataSize uint32) error {
	f, err := os.OpenFile(path, os.O_RDWR, 0o644)
	if err != nil {
		return fmt.Errorf("open wav for patch: %w", err)
	}
	defer f.Close()

	fileSize := 36 + dataSize

	var buf [4]byte
	binary.LittleEndian.PutUint32(buf[:], fileSize)
	if _, err := f.WriteAt(buf[:], 4); err != nil {
		return fmt.Errorf("patch riff size: %w", err)
	}

	binary.LittleEndian.PutUint32(buf[:], dataSize)
	if _, err := f.WriteAt(buf[:], 40); err != nil {
		return fmt.Errorf("patch data size: %w", err)
	}

	return nil
}

// BuildFromRawPCM writes a standalone WAV file by concatenating a freshly
// built header with the full contents of an existing raw-PCM file.
func BuildFromRawPCM(pcmPath, wavPath string, sampleRate int) error {
	pcm, err := os.Open(pcmPath)
	if err != nil {
		return fmt.Errorf("open pcm: %w", err)
	}
	defer pcm.Close()

	info, err := pcm.Stat()
	if err != nil {
		return fmt.Errorf("stat pcm: %w", err)
	}

	out, err := os.Create(wavPath)
	if err != nil {
		return fmt.Errorf("create wav: %w", err)
	}
	defer out.Close()

	header := MakeHeader(sampleRate, 1, 16, uint32(info.Size()))
	if _, err := out.Write(header); err != nil {
		return fmt.Errorf("write wav header: %w", err)
	}
	if _, err := io.Copy(out, pcm); err != nil {
		return fmt.Errorf("copy pcm into wav: %w", err)
	}
	return nil
}
