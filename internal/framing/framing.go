// Package framing implements the length-prefixed wire format shared by every
// avlink channel: a 4-byte big-endian payload length followed by the payload.
// A channel carries exactly one payload kind for its lifetime, so there is no
// type byte.
package framing

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math"
)

// HeaderSize is the size of the length prefix in bytes.
const HeaderSize = 4

// DefaultMaxFrameSize bounds the payload a Reader accepts before it treats the
// stream as corrupt. Encoded 1024x600 JPEGs and PCM chunks are far below it.
const DefaultMaxFrameSize = 16 << 20

// ErrPayloadTooLarge is returned when a payload cannot be described by a
// 32-bit length prefix.
var ErrPayloadTooLarge = errors.New("framing: payload exceeds 2^32-1 bytes")

// SizeError reports a length prefix larger than the reader's limit.
type SizeError struct {
	Size  uint32
	Limit uint32
}

func (e *SizeError) Error() string {
	return fmt.Sprintf("framing: frame of %d bytes exceeds limit %d", e.Size, e.Limit)
}

// Encode appends the framed form of payload to dst and returns the extended
// slice.
func Encode(dst, payload []byte) ([]byte, error) {
	if uint64(len(payload)) > math.MaxUint32 {
		return dst, ErrPayloadTooLarge
	}
	var hdr [HeaderSize]byte
	binary.BigEndian.PutUint32(hdr[:], uint32(len(payload)))
	dst = append(dst, hdr[:]...)
	return append(dst, payload...), nil
}

// Write writes one frame to w with a single Write call so the header and
// payload are never interleaved with another writer's frame. It returns the
// number of bytes written, which is less than HeaderSize+len(payload) only
// when err is non-nil.
func Write(w io.Writer, payload []byte) (int, error) {
	buf, err := Encode(make([]byte, 0, HeaderSize+len(payload)), payload)
	if err != nil {
		return 0, err
	}
	return w.Write(buf)
}

// Read reads one frame from r without a size limit beyond the prefix range.
func Read(r io.Reader) ([]byte, error) {
	return NewReader(r, math.MaxUint32).ReadFrame()
}

// Reader decodes consecutive frames from an underlying stream.
type Reader struct {
	r     io.Reader
	limit uint32
	hdr   [HeaderSize]byte
}

// NewReader returns a Reader that rejects frames larger than limit. A limit
// of zero selects DefaultMaxFrameSize.
func NewReader(r io.Reader, limit uint32) *Reader {
	if limit == 0 {
		limit = DefaultMaxFrameSize
	}
	return &Reader{r: r, limit: limit}
}

// ReadFrame returns the next payload. A clean end of stream before any header
// byte yields io.EOF; a stream cut inside a frame yields io.ErrUnexpectedEOF.
func (fr *Reader) ReadFrame() ([]byte, error) {
	if _, err := io.ReadFull(fr.r, fr.hdr[:]); err != nil {
		return nil, err
	}
	size := binary.BigEndian.Uint32(fr.hdr[:])
	if size > fr.limit {
		return nil, &SizeError{Size: size, Limit: fr.limit}
	}
	payload := make([]byte, size)
	if _, err := io.ReadFull(fr.r, payload); err != nil {
		if errors.Is(err, io.EOF) {
			return nil, io.ErrUnexpectedEOF
		}
		return nil, err
	}
	return payload, nil
}
