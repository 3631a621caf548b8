package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/zsiec/avlink/internal/capture"
	"github.com/zsiec/avlink/internal/channel"
	"github.com/zsiec/avlink/internal/config"
	"github.com/zsiec/avlink/internal/sender"
)

var version = "dev"

func main() {
	configPath := flag.String("config", os.Getenv("AVLINK_CONFIG"), "path to YAML config")
	showVersion := flag.Bool("version", false, "print version and exit")
	flag.Parse()
	if *showVersion {
		fmt.Println(version)
		return
	}

	level := slog.LevelInfo
	if os.Getenv("DEBUG") != "" {
		level = slog.LevelDebug
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})))

	cfg, err := config.LoadSender(*configPath)
	if err != nil {
		slog.Error("invalid configuration", "error", err)
		os.Exit(1)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		slog.Info("received signal, shutting down", "signal", sig)
		cancel()
	}()

	slog.Info("avlink-send starting",
		"version", version,
		"video", cfg.VideoAddr(),
		"audio", cfg.AudioAddr(),
		"audio_enabled", cfg.Audio.Enabled,
	)

	video := sender.NewVideoPipeline(
		newChannel("video", cfg.VideoAddr(), cfg),
		imageSource(cfg.Video),
		capture.NewJPEGEncoder(cfg.Video.Width, cfg.Video.Height, cfg.Video.Quality),
		sender.VideoConfig{FPS: cfg.Video.FPS, ReportInterval: cfg.Video.ReportInterval},
		nil,
	)

	var audio sender.Runner
	if cfg.Audio.Enabled {
		audio = sender.NewAudioPipeline(
			newChannel("audio", cfg.AudioAddr(), cfg),
			audioChain(cfg.Audio),
			cfg.Audio.Format,
			nil,
		)
	}

	orch := sender.NewOrchestrator(video, audio, cfg.SettleDelay, nil)
	if err := orch.Run(ctx); err != nil {
		slog.Error("sender error", "error", err)
		os.Exit(1)
	}
}

func newChannel(name, addr string, cfg config.Sender) *channel.Channel {
	return channel.New(channel.Config{
		Name:         name,
		Addr:         addr,
		RetryDelay:   cfg.RetryDelay,
		DialTimeout:  cfg.DialTimeout,
		WriteTimeout: cfg.WriteTimeout,
	}, nil)
}

func imageSource(v config.Video) capture.ImageSource {
	if v.Source == config.SourceCommand {
		return &capture.CommandSource{Argv: v.Command}
	}
	return &capture.PatternSource{Width: v.Width, Height: v.Height}
}

// audioChain tries a desktop loopback source, then the default input, then
// an ffmpeg recorder that pushes chunks.
func audioChain(a config.Audio) capture.Chain {
	pulse := capture.NewPulseBackend()
	ff := capture.NewFFmpegPushBackend()
	if a.FFmpegInput != "" {
		ff.Input = a.FFmpegInput
	}
	return capture.Chain{
		&capture.LoopbackProvider{Backend: pulse, Keywords: a.Keywords},
		&capture.DefaultProvider{Backend: pulse},
		&capture.CallbackProvider{Backend: ff},
	}
}
