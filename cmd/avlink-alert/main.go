package main

import (
	"bufio"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/zsiec/avlink/internal/alert"
)

func main() {
	os.Exit(run(os.Args[1:], os.Stdin, os.Stderr))
}

// run returns the process exit code so deferred cleanup always happens.
func run(args []string, stdin io.Reader, stderr io.Writer) int {
	fs := flag.NewFlagSet("avlink-alert", flag.ContinueOnError)
	fs.SetOutput(stderr)
	addr := fs.String("addr", envOr("AVLINK_ALERT_TARGET", "127.0.0.1:5005"), "alert sidecar host:port")
	watch := fs.Bool("watch", false, "read commands from stdin: 'raise KEY TEXT', 'clear KEY' or plain text")
	fs.Usage = func() {
		fmt.Fprintf(fs.Output(), "usage: avlink-alert [-addr host:port] message...\n")
		fmt.Fprintf(fs.Output(), "       avlink-alert [-addr host:port] -watch < commands\n")
		fs.PrintDefaults()
	}
	if err := fs.Parse(args); err != nil {
		return 2
	}

	text := strings.Join(fs.Args(), " ")
	if !*watch && strings.TrimSpace(text) == "" {
		fs.Usage()
		return 2
	}

	n, err := alert.Dial(*addr, nil)
	if err != nil {
		slog.Error("dial failed", "error", err)
		return 1
	}
	defer n.Close()

	if *watch {
		if err := relay(stdin, n, slog.Default()); err != nil {
			slog.Error("watch failed", "error", err)
			return 1
		}
		return 0
	}
	if err := n.Send(text); err != nil {
		slog.Error("send failed", "error", err)
		return 1
	}
	return 0
}

// relay reads one command per line. "raise KEY TEXT" alerts once per
// episode of KEY, "clear KEY" ends the episode, and any other line is sent
// as is. Send failures are logged and do not stop the relay.
func relay(r io.Reader, n *alert.Notifier, log *slog.Logger) error {
	if log == nil {
		log = slog.Default()
	}
	sc := bufio.NewScanner(r)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" {
			continue
		}
		verb, rest, _ := strings.Cut(line, " ")
		switch verb {
		case "raise":
			key, text, _ := strings.Cut(strings.TrimSpace(rest), " ")
			if key == "" || strings.TrimSpace(text) == "" {
				log.Warn("raise needs a key and a message", "line", line)
				continue
			}
			sent, err := n.Raise(key, strings.TrimSpace(text))
			if err != nil {
				log.Warn("raise failed", "key", key, "error", err)
				continue
			}
			log.Debug("raise", "key", key, "sent", sent)
		case "clear":
			if key := strings.TrimSpace(rest); key != "" {
				n.Clear(key)
			}
		default:
			if err := n.Send(line); err != nil {
				log.Warn("send failed", "error", err)
			}
		}
	}
	return sc.Err()
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
