// Package config loads sender and receiver settings from YAML, fills in
// defaults, applies environment overrides and validates the result.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/zsiec/avlink/internal/capture"
	"github.com/zsiec/avlink/internal/pcm"
)

// Default ports and addresses.
const (
	DefaultVideoPort  = 5000
	DefaultAudioPort  = 5001
	DefaultAlertAddr  = ":5005"
	DefaultStatusAddr = ":8080"
)

// Video source kinds.
const (
	SourcePattern = "pattern"
	SourceCommand = "command"
)

// Receiver frame transforms.
const (
	TransformNone   = "none"
	TransformDecode = "decode"
	TransformResize = "resize"
)

// Video configures the video pipeline.
type Video struct {
	FPS            float64       `yaml:"fps"`
	Width          int           `yaml:"width"`
	Height         int           `yaml:"height"`
	Quality        int           `yaml:"quality"`
	Source         string        `yaml:"source"`
	Command        []string      `yaml:"command"`
	ReportInterval time.Duration `yaml:"report_interval"`
}

// Audio configures the audio pipeline and its device fallback chain.
type Audio struct {
	Enabled     bool       `yaml:"enabled"`
	Format      pcm.Format `yaml:"format"`
	Keywords    []string   `yaml:"keywords"`
	FFmpegInput string     `yaml:"ffmpeg_input"`
}

// Sender is the avlink-send configuration.
type Sender struct {
	Host         string        `yaml:"host"`
	VideoPort    int           `yaml:"video_port"`
	AudioPort    int           `yaml:"audio_port"`
	RetryDelay   time.Duration `yaml:"retry_delay"`
	DialTimeout  time.Duration `yaml:"dial_timeout"`
	WriteTimeout time.Duration `yaml:"write_timeout"`
	SettleDelay  time.Duration `yaml:"settle_delay"`
	Video        Video         `yaml:"video"`
	Audio        Audio         `yaml:"audio"`
}

// VideoAddr returns host:video_port.
func (s Sender) VideoAddr() string {
	return net.JoinHostPort(s.Host, strconv.Itoa(s.VideoPort))
}

// AudioAddr returns host:audio_port.
func (s Sender) AudioAddr() string {
	return net.JoinHostPort(s.Host, strconv.Itoa(s.AudioPort))
}

// Redis configures the optional event publisher. An empty Addr disables it.
type Redis struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
	Prefix   string `yaml:"prefix"`
}

// Alerts configures the alert sidecar.
type Alerts struct {
	Addr    string   `yaml:"addr"`
	Speak   bool     `yaml:"speak"`
	Command []string `yaml:"command"`
}

// Receiver is the avlink-recv configuration.
type Receiver struct {
	Sources        []string      `yaml:"sources"`
	Backoff        time.Duration `yaml:"backoff"`
	WatchdogPeriod time.Duration `yaml:"watchdog_period"`
	StaleThreshold time.Duration `yaml:"stale_threshold"`
	QueueSize      int           `yaml:"queue_size"`
	DialTimeout    time.Duration `yaml:"dial_timeout"`
	Transform      string        `yaml:"transform"`
	CellWidth      int           `yaml:"cell_width"`
	CellHeight     int           `yaml:"cell_height"`
	StatusAddr     string        `yaml:"status_addr"`
	Alerts         Alerts        `yaml:"alerts"`
	Redis          Redis         `yaml:"redis"`
}

// DefaultSender returns the sender defaults.
func DefaultSender() Sender {
	return Sender{
		Host:        "127.0.0.1",
		VideoPort:   DefaultVideoPort,
		AudioPort:   DefaultAudioPort,
		RetryDelay:  3 * time.Second,
		DialTimeout: 5 * time.Second,
		SettleDelay: 2 * time.Second,
		Video: Video{
			FPS:            8,
			Width:          capture.DefaultWidth,
			Height:         capture.DefaultHeight,
			Quality:        capture.DefaultQuality,
			Source:         SourcePattern,
			ReportInterval: time.Second,
		},
		Audio: Audio{
			Enabled:     true,
			Format:      pcm.DefaultFormat(),
			Keywords:    append([]string(nil), capture.DefaultLoopbackKeywords...),
			FFmpegInput: "default",
		},
	}
}

// DefaultReceiver returns the receiver defaults.
func DefaultReceiver() Receiver {
	return Receiver{
		Backoff:        time.Second,
		WatchdogPeriod: time.Second,
		StaleThreshold: 5 * time.Second,
		QueueSize:      64,
		DialTimeout:    5 * time.Second,
		Transform:      TransformNone,
		CellWidth:      640,
		CellHeight:     360,
		StatusAddr:     DefaultStatusAddr,
		Alerts: Alerts{
			Addr:    DefaultAlertAddr,
			Command: []string{"espeak"},
		},
		Redis: Redis{Prefix: "avlink"},
	}
}

// LoadSender reads path (if non-empty) over the defaults, applies
// environment overrides and validates.
func LoadSender(path string) (Sender, error) {
	cfg := DefaultSender()
	if err := decodeFile(path, &cfg); err != nil {
		return Sender{}, err
	}
	cfg.applyEnv()
	if err := cfg.Validate(); err != nil {
		return Sender{}, err
	}
	return cfg, nil
}

// LoadReceiver reads path (if non-empty) over the defaults, applies
// environment overrides and validates.
func LoadReceiver(path string) (Receiver, error) {
	cfg := DefaultReceiver()
	if err := decodeFile(path, &cfg); err != nil {
		return Receiver{}, err
	}
	cfg.applyEnv()
	if err := cfg.Validate(); err != nil {
		return Receiver{}, err
	}
	return cfg, nil
}

func decodeFile(path string, v any) error {
	if path == "" {
		return nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("config: %w", err)
	}
	if err := Decode(bytes.NewReader(data), v); err != nil {
		return fmt.Errorf("config: %s: %w", path, err)
	}
	return nil
}

// Decode reads YAML into v, rejecting unknown fields. An empty document
// leaves v unchanged.
func Decode(r io.Reader, v any) error {
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(v); err != nil && !errors.Is(err, io.EOF) {
		return err
	}
	return nil
}

func (s *Sender) applyEnv() {
	s.Host = envOr("AVLINK_HOST", s.Host)
	s.VideoPort = envInt("AVLINK_VIDEO_PORT", s.VideoPort)
	s.AudioPort = envInt("AVLINK_AUDIO_PORT", s.AudioPort)
}

func (r *Receiver) applyEnv() {
	if v := os.Getenv("AVLINK_SOURCES"); v != "" {
		r.Sources = splitList(v)
	}
	r.StatusAddr = envOr("AVLINK_STATUS_ADDR", r.StatusAddr)
	r.Alerts.Addr = envOr("AVLINK_ALERT_ADDR", r.Alerts.Addr)
	r.Redis.Addr = envOr("AVLINK_REDIS_ADDR", r.Redis.Addr)
}

// Validate reports every invalid setting.
func (s Sender) Validate() error {
	var errs []error
	if s.Host == "" {
		errs = append(errs, errors.New("host is required"))
	}
	if !validPort(s.VideoPort) {
		errs = append(errs, fmt.Errorf("video_port %d out of range", s.VideoPort))
	}
	if !validPort(s.AudioPort) {
		errs = append(errs, fmt.Errorf("audio_port %d out of range", s.AudioPort))
	}
	if s.Audio.Enabled && s.VideoPort == s.AudioPort {
		errs = append(errs, errors.New("video_port and audio_port must differ"))
	}
	if s.Video.FPS <= 0 {
		errs = append(errs, fmt.Errorf("video.fps must be positive, got %v", s.Video.FPS))
	}
	if s.Video.Quality < 1 || s.Video.Quality > 100 {
		errs = append(errs, fmt.Errorf("video.quality %d out of range 1-100", s.Video.Quality))
	}
	switch s.Video.Source {
	case SourcePattern:
	case SourceCommand:
		if len(s.Video.Command) == 0 {
			errs = append(errs, errors.New("video.command is required for the command source"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown video.source %q", s.Video.Source))
	}
	if s.Audio.Enabled {
		if err := s.Audio.Format.Validate(); err != nil {
			errs = append(errs, err)
		}
	}
	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("config: %w", err)
	}
	return nil
}

// Validate reports every invalid setting.
func (r Receiver) Validate() error {
	var errs []error
	if len(r.Sources) == 0 {
		errs = append(errs, errors.New("at least one source is required"))
	}
	for i, s := range r.Sources {
		if strings.TrimSpace(s) == "" {
			errs = append(errs, fmt.Errorf("source %d is empty", i))
		}
	}
	if r.StaleThreshold <= 0 || r.WatchdogPeriod <= 0 {
		errs = append(errs, errors.New("watchdog_period and stale_threshold must be positive"))
	}
	switch r.Transform {
	case TransformNone, TransformDecode:
	case TransformResize:
		if r.CellWidth <= 0 || r.CellHeight <= 0 {
			errs = append(errs, errors.New("cell_width and cell_height must be positive for resize"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown transform %q", r.Transform))
	}
	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("config: %w", err)
	}
	return nil
}

func validPort(p int) bool {
	return p > 0 && p < 65536
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envInt(key string, fallback int) int {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fallback
	}
	return n
}

func splitList(v string) []string {
	var out []string
	for _, s := range strings.Split(v, ",") {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	return out
}
