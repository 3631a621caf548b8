package capture

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os/exec"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/zsiec/avlink/internal/pcm"
)

// probeTimeout bounds the trial read that proves a device actually opened.
const probeTimeout = 2 * time.Second

// commandStream reads raw PCM from an external capture process's stdout.
type commandStream struct {
	cmd     *exec.Cmd
	stdout  io.ReadCloser
	format  pcm.Format
	buf     []byte
	pending []byte

	closeOnce sync.Once
	closeErr  error
}

func startCommand(argv []string, f pcm.Format) (*commandStream, error) {
	if len(argv) == 0 {
		return nil, errors.New("capture: empty command")
	}
	cmd := exec.Command(argv[0], argv[1:]...)
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("stdout pipe: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start %s: %w", argv[0], err)
	}
	return &commandStream{
		cmd:    cmd,
		stdout: stdout,
		format: f,
		buf:    make([]byte, f.ChunkBytes()),
	}, nil
}

// probe performs the first read so a device that fails immediately is
// reported as an open failure. The chunk is kept for the first ReadChunk.
func (s *commandStream) probe(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, probeTimeout)
	defer cancel()
	stop := context.AfterFunc(ctx, func() { s.Close() })
	defer stop()

	chunk, err := s.ReadChunk()
	if err != nil {
		s.Close()
		if ctx.Err() != nil {
			return fmt.Errorf("device produced no audio within %s", probeTimeout)
		}
		return err
	}
	s.pending = chunk
	return nil
}

func (s *commandStream) Format() pcm.Format { return s.format }

// ReadChunk returns up to one chunk of bytes. A short final read is returned
// as-is; realignment happens downstream.
func (s *commandStream) ReadChunk() ([]byte, error) {
	if s.pending != nil {
		chunk := s.pending
		s.pending = nil
		return chunk, nil
	}
	n, err := io.ReadFull(s.stdout, s.buf)
	if n > 0 {
		return append([]byte(nil), s.buf[:n]...), nil
	}
	if errors.Is(err, io.ErrUnexpectedEOF) {
		err = io.EOF
	}
	return nil, err
}

// Close kills the capture process and reaps it. Safe to call repeatedly.
func (s *commandStream) Close() error {
	s.closeOnce.Do(func() {
		if s.cmd.Process != nil {
			_ = s.cmd.Process.Kill()
		}
		if err := s.cmd.Wait(); err != nil {
			var exitErr *exec.ExitError
			if !errors.As(err, &exitErr) {
				s.closeErr = err
			}
		}
	})
	return s.closeErr
}

// pushStream adapts a commandStream to callback delivery. The command stream
// is held by name so pushStream exposes no ReadChunk.
type pushStream struct {
	src *commandStream
	wg  sync.WaitGroup
}

func (s *pushStream) Format() pcm.Format { return s.src.format }

// Start launches the delivery goroutine. deliver runs on that goroutine.
func (s *pushStream) Start(deliver func([]byte)) error {
	if deliver == nil {
		return errors.New("capture: nil deliver callback")
	}
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		buf := make([]byte, s.src.format.ChunkBytes())
		for {
			n, err := s.src.stdout.Read(buf)
			if n > 0 {
				deliver(append([]byte(nil), buf[:n]...))
			}
			if err != nil {
				return
			}
		}
	}()
	return nil
}

// Close stops the process and waits for the delivery goroutine.
func (s *pushStream) Close() error {
	err := s.src.Close()
	s.wg.Wait()
	return err
}

// PulseBackend captures through PulseAudio's command-line tools: pactl to
// enumerate sources and parec to record raw s16le.
type PulseBackend struct {
	Pactl string
	Parec string
	// run executes a command and returns stdout; tests replace it.
	run func(ctx context.Context, name string, args ...string) ([]byte, error)
}

// NewPulseBackend returns a backend using the tools on PATH.
func NewPulseBackend() *PulseBackend {
	return &PulseBackend{Pactl: "pactl", Parec: "parec"}
}

func (b *PulseBackend) output(ctx context.Context, name string, args ...string) ([]byte, error) {
	if b.run != nil {
		return b.run(ctx, name, args...)
	}
	return exec.CommandContext(ctx, name, args...).Output()
}

// Devices lists PulseAudio sources. Monitor sources capture desktop output.
func (b *PulseBackend) Devices(ctx context.Context) ([]Device, error) {
	out, err := b.output(ctx, b.Pactl, "list", "short", "sources")
	if err != nil {
		return nil, fmt.Errorf("pactl: %w", err)
	}
	return parseSources(string(out)), nil
}

// OpenDevice starts parec on dev (or the default source) and waits for the
// first chunk.
func (b *PulseBackend) OpenDevice(ctx context.Context, dev *Device, f pcm.Format) (PullStream, error) {
	argv := []string{b.Parec,
		"--raw",
		"--format=s16le",
		"--rate=" + strconv.Itoa(f.SampleRate),
		"--channels=" + strconv.Itoa(f.Channels),
	}
	if dev != nil {
		argv = append(argv, "--device="+dev.ID)
	}
	s, err := startCommand(argv, f)
	if err != nil {
		return nil, err
	}
	if err := s.probe(ctx); err != nil {
		return nil, err
	}
	return s, nil
}

// parseSources parses `pactl list short sources` output:
//
//	0	alsa_output.pci-0000_00_1f.3.analog-stereo.monitor	module-alsa-card.c	s16le 2ch 44100Hz	SUSPENDED
func parseSources(out string) []Device {
	var devices []Device
	for _, line := range strings.Split(out, "\n") {
		fields := strings.Split(strings.TrimSpace(line), "\t")
		if len(fields) < 2 || fields[1] == "" {
			continue
		}
		dev := Device{ID: fields[1], Name: fields[1], MaxInputChannels: 2}
		if len(fields) >= 4 {
			for _, part := range strings.Fields(fields[3]) {
				if ch, ok := strings.CutSuffix(part, "ch"); ok {
					if n, err := strconv.Atoi(ch); err == nil {
						dev.MaxInputChannels = n
					}
				}
			}
		}
		devices = append(devices, dev)
	}
	return devices
}

// FFmpegPushBackend records the default PulseAudio input with ffmpeg and
// pushes whatever each pipe read returns to the callback.
type FFmpegPushBackend struct {
	FFmpeg string
	Input  string
}

// NewFFmpegPushBackend returns a backend using ffmpeg on PATH.
func NewFFmpegPushBackend() *FFmpegPushBackend {
	return &FFmpegPushBackend{FFmpeg: "ffmpeg", Input: "default"}
}

// OpenPush starts ffmpeg. Delivery begins when Start is called.
func (b *FFmpegPushBackend) OpenPush(ctx context.Context, f pcm.Format) (PushStream, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	argv := []string{b.FFmpeg,
		"-hide_banner", "-loglevel", "error",
		"-f", "pulse", "-i", b.Input,
		"-ac", strconv.Itoa(f.Channels),
		"-ar", strconv.Itoa(f.SampleRate),
		"-f", "s16le", "-",
	}
	s, err := startCommand(argv, f)
	if err != nil {
		return nil, err
	}
	return &pushStream{src: s}, nil
}
