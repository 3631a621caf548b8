// Package ingest tracks the live capture sessions of a receiver, one per
// stream index, with connection-level counters exposed via the status API.
package ingest

import (
	"sort"
	"sync"
	"sync/atomic"
	"time"
)

// SessionStats captures connection-level metrics for one capture session.
type SessionStats struct {
	Index         int    `json:"index"`
	Locator       string `json:"locator"`
	Scheme        string `json:"scheme"`
	BytesReceived int64  `json:"bytesReceived"`
	FrameCount    int64  `json:"frameCount"`
	ConnectedAt   int64  `json:"connectedAt"`
	UptimeMs      int64  `json:"uptimeMs"`
	RemoteAddr    string `json:"remoteAddr"`
}

// Session represents one open capture. A session ends when the capture is
// closed, either by a read error or by a watchdog reset.
type Session struct {
	Index     int
	Locator   string
	Scheme    string
	StartedAt time.Time
	done      chan struct{}
	endOnce   sync.Once

	bytesReceived atomic.Int64
	frameCount    atomic.Int64
	remoteAddr    atomic.Value
}

// RecordFrame increments the byte and frame counters, called by the
// receive pipeline after each successful frame read.
func (s *Session) RecordFrame(n int) {
	s.bytesReceived.Add(int64(n))
	s.frameCount.Add(1)
}

// SetRemoteAddr stores the peer address for diagnostics.
func (s *Session) SetRemoteAddr(addr string) {
	s.remoteAddr.Store(addr)
}

// Done is closed when the session ends.
func (s *Session) Done() <-chan struct{} {
	return s.done
}

func (s *Session) end() {
	s.endOnce.Do(func() { close(s.done) })
}

// Stats returns a snapshot of session metrics.
func (s *Session) Stats() SessionStats {
	addr, _ := s.remoteAddr.Load().(string)
	return SessionStats{
		Index:         s.Index,
		Locator:       s.Locator,
		Scheme:        s.Scheme,
		BytesReceived: s.bytesReceived.Load(),
		FrameCount:    s.frameCount.Load(),
		ConnectedAt:   s.StartedAt.UnixMilli(),
		UptimeMs:      time.Since(s.StartedAt).Milliseconds(),
		RemoteAddr:    addr,
	}
}

// Registry tracks the current session for each stream index and notifies
// onSession whenever a new one starts.
type Registry struct {
	mu       sync.RWMutex
	sessions map[int]*Session

	onSession func(s *Session)
}

// NewRegistry creates a Registry. The onSession callback, if non-nil, is
// invoked asynchronously for every registered session.
func NewRegistry(onSession func(s *Session)) *Registry {
	return &Registry{
		sessions:  make(map[int]*Session),
		onSession: onSession,
	}
}

// Register starts a new session for index. Any previous session for the
// same index is ended.
func (r *Registry) Register(index int, locator, scheme string) *Session {
	s := &Session{
		Index:     index,
		Locator:   locator,
		Scheme:    scheme,
		StartedAt: time.Now(),
		done:      make(chan struct{}),
	}

	r.mu.Lock()
	prev := r.sessions[index]
	r.sessions[index] = s
	r.mu.Unlock()

	if prev != nil {
		prev.end()
	}
	if r.onSession != nil {
		go r.onSession(s)
	}
	return s
}

// Unregister ends s and removes it if it is still the current session for
// its index. A session replaced by a newer one is only ended.
func (r *Registry) Unregister(s *Session) {
	r.mu.Lock()
	if cur, ok := r.sessions[s.Index]; ok && cur == s {
		delete(r.sessions, s.Index)
	}
	r.mu.Unlock()
	s.end()
}

// Get returns the current session for index, or false if none.
func (r *Registry) Get(index int) (*Session, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.sessions[index]
	return s, ok
}

// List returns stats for every current session ordered by index.
func (r *Registry) List() []SessionStats {
	r.mu.RLock()
	out := make([]SessionStats, 0, len(r.sessions))
	for _, s := range r.sessions {
		out = append(out, s.Stats())
	}
	r.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Index < out[j].Index })
	return out
}
