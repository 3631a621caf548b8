package pcm

import (
	"testing"
	"time"
)

func TestAlignLength(t *testing.T) {
	t.Parallel()

	for _, frameSize := range []int{2, 4, 6, 8} {
		for l := 0; l <= 64; l++ {
			got := Align(make([]byte, l), frameSize)
			want := l - l%frameSize
			if len(got) != want {
				t.Errorf("Align(len=%d, frame=%d) = %d bytes, want %d", l, frameSize, len(got), want)
			}
			if len(got)%frameSize != 0 {
				t.Errorf("Align(len=%d, frame=%d) not frame aligned", l, frameSize)
			}
		}
	}
}

func TestAlignKeepsLeadingBytes(t *testing.T) {
	t.Parallel()

	chunk := []byte{1, 2, 3, 4, 5, 6, 7}
	got := Align(chunk, 4)
	if string(got) != string([]byte{1, 2, 3, 4}) {
		t.Errorf("got %v", got)
	}
}

func TestAlignShortChunkIsEmpty(t *testing.T) {
	t.Parallel()

	if got := Align([]byte{1, 2, 3}, 4); len(got) != 0 {
		t.Errorf("got %d bytes, want 0", len(got))
	}
}

func TestFormat(t *testing.T) {
	t.Parallel()

	f := DefaultFormat()
	if err := f.Validate(); err != nil {
		t.Fatalf("Validate: %v", err)
	}
	if f.FrameSize() != 4 {
		t.Errorf("FrameSize = %d, want 4", f.FrameSize())
	}
	if f.ChunkBytes() != 4096 {
		t.Errorf("ChunkBytes = %d, want 4096", f.ChunkBytes())
	}
	if d := f.ChunkDuration(); d < 23*time.Millisecond || d > 24*time.Millisecond {
		t.Errorf("ChunkDuration = %v, want ~23.2ms", d)
	}
}

func TestFormatValidate(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		f    Format
	}{
		{name: "zero rate", f: Format{Channels: 2, ChunkFrames: 1024}},
		{name: "zero channels", f: Format{SampleRate: 44100, ChunkFrames: 1024}},
		{name: "zero chunk", f: Format{SampleRate: 44100, Channels: 2}},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			if err := tc.f.Validate(); err == nil {
				t.Error("expected error")
			}
		})
	}
}
