package receiver

import (
	"log/slog"
	"sort"
	"sync"
	"time"
)

// Kind identifies what an Update carries.
type Kind int

// Update kinds.
const (
	KindConnecting Kind = iota
	KindError
	KindFrame
)

func (k Kind) String() string {
	switch k {
	case KindConnecting:
		return "connecting"
	case KindError:
		return "error"
	case KindFrame:
		return "live"
	default:
		return "unknown"
	}
}

// Update is one change to a stream's display: a state message or a frame.
type Update struct {
	Index   int
	Kind    Kind
	Frame   []byte
	Message string
	At      time.Time
}

// Renderer consumes updates. Render is only ever called from the
// dispatcher's consumer goroutine, so implementations need no locking for
// state touched solely by Render.
type Renderer interface {
	Render(u Update)
}

// RendererFunc adapts a function to Renderer.
type RendererFunc func(u Update)

// Render calls f(u).
func (f RendererFunc) Render(u Update) { f(u) }

// MultiRenderer fans each update out to every renderer in order.
type MultiRenderer []Renderer

// Render forwards u to each renderer.
func (m MultiRenderer) Render(u Update) {
	for _, r := range m {
		r.Render(u)
	}
}

// View is the latest known display state of one stream.
type View struct {
	Index     int       `json:"index"`
	State     string    `json:"state"`
	Message   string    `json:"message,omitempty"`
	Frames    int64     `json:"frames"`
	FrameSize int       `json:"frameSize"`
	UpdatedAt time.Time `json:"updatedAt"`
	frame     []byte
}

// Frame returns the most recent frame payload, or nil.
func (v View) Frame() []byte {
	return v.frame
}

// LatestFrames keeps the last state and frame per stream so they can be read
// from outside the dispatcher goroutine.
type LatestFrames struct {
	mu    sync.RWMutex
	views map[int]*View
}

// NewLatestFrames returns an empty LatestFrames.
func NewLatestFrames() *LatestFrames {
	return &LatestFrames{views: make(map[int]*View)}
}

// Render records u.
func (l *LatestFrames) Render(u Update) {
	l.mu.Lock()
	defer l.mu.Unlock()
	v, ok := l.views[u.Index]
	if !ok {
		v = &View{Index: u.Index}
		l.views[u.Index] = v
	}
	v.State = u.Kind.String()
	v.Message = u.Message
	v.UpdatedAt = u.At
	if u.Kind == KindFrame {
		v.frame = u.Frame
		v.FrameSize = len(u.Frame)
		v.Frames++
	}
}

// Latest returns the view for index.
func (l *LatestFrames) Latest(index int) (View, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	v, ok := l.views[index]
	if !ok {
		return View{}, false
	}
	return *v, true
}

// All returns every view ordered by index.
func (l *LatestFrames) All() []View {
	l.mu.RLock()
	out := make([]View, 0, len(l.views))
	for _, v := range l.views {
		out = append(out, *v)
	}
	l.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Index < out[j].Index })
	return out
}

// LogRenderer logs state transitions. Frames are logged at debug level only
// when a stream goes live.
type LogRenderer struct {
	log  *slog.Logger
	last map[int]Kind
}

// NewLogRenderer creates a LogRenderer. If log is nil, slog.Default() is used.
func NewLogRenderer(log *slog.Logger) *LogRenderer {
	if log == nil {
		log = slog.Default()
	}
	return &LogRenderer{
		log:  log.With("component", "render-log"),
		last: make(map[int]Kind),
	}
}

// Render logs u if it changes the stream's state.
func (r *LogRenderer) Render(u Update) {
	prev, seen := r.last[u.Index]
	r.last[u.Index] = u.Kind
	switch u.Kind {
	case KindFrame:
		if !seen || prev != KindFrame {
			r.log.Info("stream live", "index", u.Index, "frame_size", len(u.Frame))
		}
	case KindConnecting:
		r.log.Debug("stream connecting", "index", u.Index, "message", u.Message)
	case KindError:
		r.log.Warn("stream error", "index", u.Index, "message", u.Message)
	}
}
