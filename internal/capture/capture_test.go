package capture

import (
	"bytes"
	"context"
	"errors"
	"image"
	"image/jpeg"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/zsiec/avlink/internal/pcm"
)

type stubStream struct {
	format pcm.Format
	closed int
}

func (s *stubStream) Format() pcm.Format         { return s.format }
func (s *stubStream) Close() error               { s.closed++; return nil }
func (s *stubStream) ReadChunk() ([]byte, error) { return make([]byte, s.format.ChunkBytes()), nil }

type stubBackend struct {
	devices []Device
	fail    map[string]bool
	opened  []string
}

func (b *stubBackend) Devices(context.Context) ([]Device, error) { return b.devices, nil }

func (b *stubBackend) OpenDevice(_ context.Context, dev *Device, f pcm.Format) (PullStream, error) {
	name := "default"
	if dev != nil {
		name = dev.Name
	}
	b.opened = append(b.opened, name)
	if b.fail[name] {
		return nil, errors.New("device busy")
	}
	return &stubStream{format: f}, nil
}

type stubProvider struct {
	name string
	err  error
}

func (p *stubProvider) Name() string { return p.name }

func (p *stubProvider) Open(_ context.Context, f pcm.Format) (Stream, error) {
	if p.err != nil {
		return nil, p.err
	}
	return &stubStream{format: f}, nil
}

func TestLoopbackProviderPicksFirstWorkingMatch(t *testing.T) {
	t.Parallel()

	b := &stubBackend{
		devices: []Device{
			{Name: "Built-in Microphone", MaxInputChannels: 2},
			{Name: "Stereo Mix (Realtek)", MaxInputChannels: 2},
			{Name: "alsa_output.analog-stereo.monitor", MaxInputChannels: 1},
		},
		fail: map[string]bool{"Stereo Mix (Realtek)": true},
	}
	p := &LoopbackProvider{Backend: b}

	s, err := p.Open(context.Background(), pcm.DefaultFormat())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if got := s.Format().Channels; got != 1 {
		t.Errorf("channels = %d, want 1 (capped by device)", got)
	}
	want := []string{"Stereo Mix (Realtek)", "alsa_output.analog-stereo.monitor"}
	if len(b.opened) != len(want) {
		t.Fatalf("opened %v, want %v", b.opened, want)
	}
	for i := range want {
		if b.opened[i] != want[i] {
			t.Errorf("opened[%d] = %q, want %q", i, b.opened[i], want[i])
		}
	}
}

func TestLoopbackProviderNoMatch(t *testing.T) {
	t.Parallel()

	b := &stubBackend{devices: []Device{{Name: "USB Microphone", MaxInputChannels: 1}}}
	p := &LoopbackProvider{Backend: b}

	_, err := p.Open(context.Background(), pcm.DefaultFormat())
	if !errors.Is(err, ErrNoDevice) {
		t.Fatalf("got %v, want ErrNoDevice", err)
	}
	if len(b.opened) != 0 {
		t.Errorf("opened %v, want none", b.opened)
	}
}

func TestChainFallsThrough(t *testing.T) {
	t.Parallel()

	chain := Chain{
		&stubProvider{name: "loopback", err: ErrNoDevice},
		&stubProvider{name: "default"},
		&stubProvider{name: "callback"},
	}
	s, name, err := chain.Acquire(context.Background(), pcm.DefaultFormat(), nil)
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	if name != "default" {
		t.Errorf("provider = %q, want default", name)
	}
	if s == nil {
		t.Fatal("nil stream")
	}
}

func TestChainAllFail(t *testing.T) {
	t.Parallel()

	chain := Chain{
		&stubProvider{name: "loopback", err: errors.New("a")},
		&stubProvider{name: "default", err: errors.New("b")},
	}
	_, _, err := chain.Acquire(context.Background(), pcm.DefaultFormat(), nil)
	if !errors.Is(err, ErrNoDevice) {
		t.Fatalf("got %v, want ErrNoDevice", err)
	}
}

func TestDefaultProviderOpensDefaultDevice(t *testing.T) {
	t.Parallel()

	b := &stubBackend{}
	p := &DefaultProvider{Backend: b}
	if _, err := p.Open(context.Background(), pcm.DefaultFormat()); err != nil {
		t.Fatal(err)
	}
	if len(b.opened) != 1 || b.opened[0] != "default" {
		t.Errorf("opened %v", b.opened)
	}
}

func TestParseSources(t *testing.T) {
	t.Parallel()

	out := "0\talsa_output.pci.analog-stereo.monitor\tmodule-alsa-card.c\ts16le 2ch 44100Hz\tSUSPENDED\n" +
		"1\talsa_input.usb-mic.mono\tmodule-alsa-card.c\ts16le 1ch 48000Hz\tRUNNING\n" +
		"\n"
	devices := parseSources(out)
	if len(devices) != 2 {
		t.Fatalf("got %d devices, want 2", len(devices))
	}
	if devices[0].Name != "alsa_output.pci.analog-stereo.monitor" || devices[0].MaxInputChannels != 2 {
		t.Errorf("device 0 = %+v", devices[0])
	}
	if devices[1].MaxInputChannels != 1 {
		t.Errorf("device 1 channels = %d, want 1", devices[1].MaxInputChannels)
	}
}

func TestPulseBackendDevicesUsesPactl(t *testing.T) {
	t.Parallel()

	var gotArgs []string
	b := NewPulseBackend()
	b.run = func(_ context.Context, name string, args ...string) ([]byte, error) {
		gotArgs = append([]string{name}, args...)
		return []byte("3\tloopback.monitor\tm\ts16le 2ch 44100Hz\tIDLE\n"), nil
	}
	devices, err := b.Devices(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if len(devices) != 1 || devices[0].ID != "loopback.monitor" {
		t.Errorf("devices = %+v", devices)
	}
	if len(gotArgs) != 4 || gotArgs[0] != "pactl" || gotArgs[3] != "sources" {
		t.Errorf("args = %v", gotArgs)
	}
}

func TestCommandStreamReadsShortFinalChunk(t *testing.T) {
	t.Parallel()

	f := pcm.Format{SampleRate: 8000, Channels: 2, ChunkFrames: 4}
	s, err := startCommand([]string{"sh", "-c", "printf 0123456789abcdefXYZ"}, f)
	if err != nil {
		t.Fatal(err)
	}
	defer s.Close()

	first, err := s.ReadChunk()
	if err != nil {
		t.Fatalf("first read: %v", err)
	}
	if string(first) != "0123456789abcdef" {
		t.Errorf("first chunk = %q", first)
	}
	second, err := s.ReadChunk()
	if err != nil {
		t.Fatalf("second read: %v", err)
	}
	if string(second) != "XYZ" {
		t.Errorf("second chunk = %q", second)
	}
	if _, err := s.ReadChunk(); err != io.EOF {
		t.Errorf("third read: got %v, want io.EOF", err)
	}
	if err := s.Close(); err != nil {
		t.Errorf("Close: %v", err)
	}
	if err := s.Close(); err != nil {
		t.Errorf("second Close: %v", err)
	}
}

func TestCommandStreamProbeFailsOnSilentExit(t *testing.T) {
	t.Parallel()

	s, err := startCommand([]string{"sh", "-c", "exit 1"}, pcm.DefaultFormat())
	if err != nil {
		t.Fatal(err)
	}
	if err := s.probe(context.Background()); err == nil {
		t.Fatal("expected probe to fail for a process that produced nothing")
	}
}

func TestPushStreamDelivers(t *testing.T) {
	t.Parallel()

	f := pcm.Format{SampleRate: 8000, Channels: 1, ChunkFrames: 64}
	cs, err := startCommand([]string{"sh", "-c", "printf abcdef"}, f)
	if err != nil {
		t.Fatal(err)
	}
	s := &pushStream{src: cs}

	var mu sync.Mutex
	var got bytes.Buffer
	if err := s.Start(func(b []byte) {
		mu.Lock()
		got.Write(b)
		mu.Unlock()
	}); err != nil {
		t.Fatal(err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		mu.Lock()
		n := got.Len()
		mu.Unlock()
		if n == 6 {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}
	s.Close()

	mu.Lock()
	defer mu.Unlock()
	if got.String() != "abcdef" {
		t.Errorf("delivered %q, want %q", got.String(), "abcdef")
	}
}

func TestFFmpegPushBackendIsCallbackOnly(t *testing.T) {
	t.Parallel()

	b := &FFmpegPushBackend{FFmpeg: "sh", Input: "default"}
	st, err := b.OpenPush(context.Background(), pcm.DefaultFormat())
	if err != nil {
		t.Fatal(err)
	}
	defer st.Close()

	var s Stream = st
	if _, ok := s.(PullStream); ok {
		t.Error("ffmpeg stream can be read directly; callers would never call Start")
	}
}

func TestJPEGEncoderScales(t *testing.T) {
	t.Parallel()

	src := &PatternSource{Width: 320, Height: 200}
	img, err := src.Capture(context.Background())
	if err != nil {
		t.Fatal(err)
	}

	enc := NewJPEGEncoder(160, 100, 0)
	if enc.Quality != DefaultQuality {
		t.Errorf("Quality = %d, want default %d", enc.Quality, DefaultQuality)
	}
	data, err := enc.Encode(img)
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	cfg, err := jpeg.DecodeConfig(bytes.NewReader(data))
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if cfg.Width != 160 || cfg.Height != 100 {
		t.Errorf("encoded size %dx%d, want 160x100", cfg.Width, cfg.Height)
	}
}

func TestJPEGEncoderRejectsNil(t *testing.T) {
	t.Parallel()

	if _, err := NewJPEGEncoder(0, 0, 0).Encode(nil); err == nil {
		t.Error("expected error for nil image")
	}
}

func TestPatternSourceMoves(t *testing.T) {
	t.Parallel()

	src := &PatternSource{Width: 64, Height: 32}
	a, _ := src.Capture(context.Background())
	b, _ := src.Capture(context.Background())
	if a.Bounds() != image.Rect(0, 0, 64, 32) {
		t.Errorf("bounds = %v", a.Bounds())
	}
	if bytes.Equal(a.(*image.RGBA).Pix, b.(*image.RGBA).Pix) {
		t.Error("consecutive frames are identical")
	}
}

func TestCommandSourceRequiresArgv(t *testing.T) {
	t.Parallel()

	if _, err := (&CommandSource{}).Capture(context.Background()); err == nil {
		t.Error("expected error for empty command")
	}
}
