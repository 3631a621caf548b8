package alert

import (
	"fmt"
	"log/slog"
	"net"
	"sync"
)

// Notifier sends alert datagrams. Raise latches per key so a condition that
// persists across many detections produces one alert per episode.
type Notifier struct {
	log  *slog.Logger
	conn net.Conn

	mu      sync.Mutex
	latched map[string]bool
}

// Dial creates a Notifier sending to addr. If log is nil, slog.Default() is
// used.
func Dial(addr string, log *slog.Logger) (*Notifier, error) {
	if log == nil {
		log = slog.Default()
	}
	conn, err := net.Dial("udp", addr)
	if err != nil {
		return nil, fmt.Errorf("alert dial %s: %w", addr, err)
	}
	return &Notifier{
		log:     log.With("component", "alert-notifier"),
		conn:    conn,
		latched: make(map[string]bool),
	}, nil
}

// Send transmits text as one datagram.
func (n *Notifier) Send(text string) error {
	if len(text) > MaxDatagramSize {
		return fmt.Errorf("alert: message of %d bytes exceeds %d", len(text), MaxDatagramSize)
	}
	if _, err := n.conn.Write([]byte(text)); err != nil {
		return fmt.Errorf("alert send: %w", err)
	}
	n.log.Debug("alert sent", "text", text)
	return nil
}

// Raise sends text unless key is already latched, then latches key. It
// reports whether a datagram was sent. A failed send leaves the key
// unlatched so the next detection retries.
func (n *Notifier) Raise(key, text string) (bool, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.latched[key] {
		return false, nil
	}
	if err := n.Send(text); err != nil {
		return false, err
	}
	n.latched[key] = true
	return true, nil
}

// Clear ends the episode for key so the next Raise sends again.
func (n *Notifier) Clear(key string) {
	n.mu.Lock()
	delete(n.latched, key)
	n.mu.Unlock()
}

// Close releases the socket.
func (n *Notifier) Close() error {
	return n.conn.Close()
}
