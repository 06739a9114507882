package fingerprint

import (
	"bytes"
	"encoding/binary"
)

// wavDurationMs computes the play duration of a RIFF/WAVE file from its
// header chunks alone. PCM duration is data-chunk bytes divided by the
// average byte rate declared in the fmt chunk, so no decode is needed.
// Returns ok=false for anything that is not a well-formed WAV file.
func wavDurationMs(data []byte) (int64, bool) {
	if len(data) < 12 || !bytes.Equal(data[:4], []byte("RIFF")) || !bytes.Equal(data[8:12], []byte("WAVE")) {
		return 0, false
	}

	var byteRate uint32
	var dataSize uint32

	offset := 12
	for offset+8 <= len(data) {
		chunkID := data[offset : offset+4]
		chunkSize := binary.LittleEndian.Uint32(data[offset+4 : offset+8])
		body := offset + 8

		switch {
		case bytes.Equal(chunkID, []byte("fmt ")):
			if body+16 > len(data) {
				return 0, false
			}
			byteRate = binary.LittleEndian.Uint32(data[body+8 : body+12])
		case bytes.Equal(chunkID, []byte("data")):
			dataSize = chunkSize
		}

		// Chunks are word-aligned.
		offset = body + int(chunkSize)
		if chunkSize%2 == 1 {
			offset++
		}
	}

	if byteRate == 0 || dataSize == 0 {
		return 0, false
	}
	return int64(dataSize) * 1000 / int64(byteRate), true
}
