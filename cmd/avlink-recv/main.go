package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"golang.org/x/sync/errgroup"

	"github.com/zsiec/avlink/internal/alert"
	"github.com/zsiec/avlink/internal/capture"
	"github.com/zsiec/avlink/internal/config"
	"github.com/zsiec/avlink/internal/publish"
	"github.com/zsiec/avlink/internal/receiver"
	"github.com/zsiec/avlink/internal/source"
	"github.com/zsiec/avlink/internal/status"
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

	cfg, err := config.LoadReceiver(*configPath)
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

	if err := run(ctx, cfg); err != nil {
		slog.Error("receiver error", "error", err)
		os.Exit(1)
	}
}

// run wires the receiver and its side components and blocks until ctx is
// cancelled. Only the receiver can end it early; the alert listener, status
// API, event publisher and speech queue log their failures and stop alone.
func run(ctx context.Context, cfg config.Receiver) error {
	latest := receiver.NewLatestFrames()
	renderers := receiver.MultiRenderer{latest, receiver.NewLogRenderer(nil)}
	sinks := alert.MultiSink{alert.NewLogSink(nil)}

	var pub *publish.Redis
	if cfg.Redis.Addr != "" {
		pub = publish.NewRedis(publish.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
			Prefix:   cfg.Redis.Prefix,
		}, nil)
		pub.Ping(ctx)
		renderers = append(renderers, pub)
		sinks = append(sinks, pub)
	}

	var speech *alert.Queue
	if cfg.Alerts.Speak {
		speaker := &alert.Speaker{Argv: cfg.Alerts.Command}
		speech = alert.NewQueue(alert.DefaultQueueSize, speaker.Speak, nil)
		sinks = append(sinks, speech)
	}

	rc, err := receiver.New(receiver.Config{
		Sources:        cfg.Sources,
		Backoff:        cfg.Backoff,
		WatchdogPeriod: cfg.WatchdogPeriod,
		StaleThreshold: cfg.StaleThreshold,
		QueueSize:      cfg.QueueSize,
		SourceOptions:  source.Options{DialTimeout: cfg.DialTimeout},
		Transform:      transform(cfg),
	}, renderers, nil)
	if err != nil {
		return fmt.Errorf("create receiver: %w", err)
	}

	sidecar := alert.NewSidecar(cfg.Alerts.Addr, sinks, nil)
	if err := sidecar.Listen(); err != nil {
		slog.Error("alert listener disabled", "addr", cfg.Alerts.Addr, "error", err)
		sidecar = nil
	}

	slog.Info("avlink-recv starting",
		"version", version,
		"streams", len(cfg.Sources),
		"status", cfg.StatusAddr,
		"alerts", cfg.Alerts.Addr,
		"redis", cfg.Redis.Addr,
	)

	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error { return rc.Run(ctx) })
	if sidecar != nil {
		g.Go(sideTask("alerts", func() error { return sidecar.Serve(ctx) }))
	}
	if cfg.StatusAddr != "" {
		api := status.NewServer(cfg.StatusAddr, rc, latest, nil)
		g.Go(sideTask("status", func() error { return api.Start(ctx) }))
	}
	if pub != nil {
		g.Go(sideTask("redis", func() error { return pub.Run(ctx) }))
	}
	if speech != nil {
		g.Go(sideTask("speech", func() error { return speech.Run(ctx) }))
	}

	return g.Wait()
}

// sideTask wraps a component whose failure must not cancel ingestion.
func sideTask(name string, fn func() error) func() error {
	return func() error {
		if err := fn(); err != nil {
			slog.Error("component stopped", "component", name, "error", err)
		}
		return nil
	}
}

func transform(cfg config.Receiver) receiver.FrameTransform {
	switch cfg.Transform {
	case config.TransformDecode:
		return receiver.DecodeCheck
	case config.TransformResize:
		return receiver.JPEGResize(capture.NewJPEGEncoder(cfg.CellWidth, cfg.CellHeight, capture.DefaultQuality))
	default:
		return nil
	}
}
