// Package pcm describes raw 16-bit PCM capture formats and realigns captured
// chunks to whole sample frames before transmission.
package pcm

import (
	"errors"
	"fmt"
	"time"
)

// Default capture parameters.
const (
	DefaultSampleRate  = 44100
	DefaultChannels    = 2
	DefaultChunkFrames = 1024
	BytesPerSample     = 2
)

// Format describes interleaved signed 16-bit little-endian PCM.
type Format struct {
	SampleRate int `yaml:"sample_rate" json:"sampleRate"`
	Channels   int `yaml:"channels" json:"channels"`
	// ChunkFrames is the number of sample frames requested per read.
	ChunkFrames int `yaml:"chunk_frames" json:"chunkFrames"`
}

// DefaultFormat returns 44.1 kHz stereo in 1024-frame chunks.
func DefaultFormat() Format {
	return Format{
		SampleRate:  DefaultSampleRate,
		Channels:    DefaultChannels,
		ChunkFrames: DefaultChunkFrames,
	}
}

// Validate reports whether the format is usable.
func (f Format) Validate() error {
	if f.SampleRate <= 0 {
		return fmt.Errorf("pcm: invalid sample rate %d", f.SampleRate)
	}
	if f.Channels <= 0 {
		return fmt.Errorf("pcm: invalid channel count %d", f.Channels)
	}
	if f.ChunkFrames <= 0 {
		return errors.New("pcm: chunk size must be positive")
	}
	return nil
}

// FrameSize is the byte size of one sample frame (one sample per channel).
func (f Format) FrameSize() int {
	return f.Channels * BytesPerSample
}

// ChunkBytes is the byte size of a full chunk.
func (f Format) ChunkBytes() int {
	return f.ChunkFrames * f.FrameSize()
}

// ChunkDuration is the playback time covered by a full chunk.
func (f Format) ChunkDuration() time.Duration {
	if f.SampleRate <= 0 {
		return 0
	}
	return time.Duration(f.ChunkFrames) * time.Second / time.Duration(f.SampleRate)
}

// Align truncates chunk to a whole multiple of frameSize. Trailing partial
// sample bytes are discarded, not carried into the next chunk. The result
// shares chunk's backing array and is empty when no whole frame remains.
func Align(chunk []byte, frameSize int) []byte {
	if frameSize <= 1 {
		return chunk
	}
	return chunk[:len(chunk)-len(chunk)%frameSize]
}
