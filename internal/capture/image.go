// Package capture holds the sender's capture-side collaborators: image
// sources and encoders for video, and a strategy chain of PCM device
// providers for audio. Real desktop grabbing and audio devices are reached
// through external commands; the pipelines only see the interfaces here.
package capture

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"image"
	"image/color"
	"image/jpeg"
	_ "image/png" // decode PNG screenshots from CommandSource
	"os/exec"
	"sync"

	"golang.org/x/image/draw"
)

// Default encode settings for the video wire format.
const (
	DefaultWidth   = 1024
	DefaultHeight  = 600
	DefaultQuality = 70
)

// ImageSource yields one raw image per call.
type ImageSource interface {
	Capture(ctx context.Context) (image.Image, error)
}

// Encoder turns a raw image into wire bytes.
type Encoder interface {
	Encode(img image.Image) ([]byte, error)
}

// JPEGEncoder scales images to a fixed resolution and encodes them as JPEG
// at a fixed quality.
type JPEGEncoder struct {
	Width   int
	Height  int
	Quality int
}

// NewJPEGEncoder returns an encoder with the given settings; zero values
// select the defaults.
func NewJPEGEncoder(width, height, quality int) *JPEGEncoder {
	if width <= 0 {
		width = DefaultWidth
	}
	if height <= 0 {
		height = DefaultHeight
	}
	if quality <= 0 || quality > 100 {
		quality = DefaultQuality
	}
	return &JPEGEncoder{Width: width, Height: height, Quality: quality}
}

// Encode scales img with Catmull-Rom resampling and encodes it.
func (e *JPEGEncoder) Encode(img image.Image) ([]byte, error) {
	if img == nil {
		return nil, errors.New("capture: nil image")
	}
	src := img
	if b := img.Bounds(); b.Dx() != e.Width || b.Dy() != e.Height {
		dst := image.NewRGBA(image.Rect(0, 0, e.Width, e.Height))
		draw.CatmullRom.Scale(dst, dst.Bounds(), img, b, draw.Src, nil)
		src = dst
	}
	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, src, &jpeg.Options{Quality: e.Quality}); err != nil {
		return nil, fmt.Errorf("jpeg encode: %w", err)
	}
	return buf.Bytes(), nil
}

// PatternSource produces a moving colour-bar test pattern. It stands in for
// a screen grabber on headless hosts and in tests.
type PatternSource struct {
	Width  int
	Height int

	mu   sync.Mutex
	tick int
}

var bars = []color.RGBA{
	{192, 192, 192, 255},
	{192, 192, 0, 255},
	{0, 192, 192, 255},
	{0, 192, 0, 255},
	{192, 0, 192, 255},
	{192, 0, 0, 255},
	{0, 0, 192, 255},
}

// Capture renders the next pattern frame.
func (p *PatternSource) Capture(ctx context.Context) (image.Image, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	w, h := p.Width, p.Height
	if w <= 0 {
		w = DefaultWidth
	}
	if h <= 0 {
		h = DefaultHeight
	}

	p.mu.Lock()
	p.tick++
	offset := p.tick
	p.mu.Unlock()

	img := image.NewRGBA(image.Rect(0, 0, w, h))
	barWidth := w/len(bars) + 1
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.SetRGBA(x, y, bars[((x+offset*4)/barWidth)%len(bars)])
		}
	}
	// A sweeping line makes frame-to-frame motion visible.
	line := (offset * 4) % h
	for x := 0; x < w; x++ {
		img.SetRGBA(x, line, color.RGBA{255, 255, 255, 255})
	}
	return img, nil
}

// CommandSource runs an external screenshot command per capture and decodes
// its PNG or JPEG output, e.g. []string{"grim", "-"} on Wayland or
// []string{"import", "-window", "root", "png:-"} on X11.
type CommandSource struct {
	Argv []string
}

// Capture runs the command once and decodes stdout.
func (c *CommandSource) Capture(ctx context.Context) (image.Image, error) {
	if len(c.Argv) == 0 {
		return nil, errors.New("capture: empty screenshot command")
	}
	out, err := exec.CommandContext(ctx, c.Argv[0], c.Argv[1:]...).Output()
	if err != nil {
		return nil, fmt.Errorf("screenshot %s: %w", c.Argv[0], err)
	}
	img, _, err := image.Decode(bytes.NewReader(out))
	if err != nil {
		return nil, fmt.Errorf("decode screenshot: %w", err)
	}
	return img, nil
}
