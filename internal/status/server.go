// Package status serves a small JSON API describing a running receiver:
// per-stream connection state, capture session counters and the most
// recent frame of each stream.
package status

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/zsiec/avlink/internal/ingest"
	"github.com/zsiec/avlink/internal/receiver"
)

// RequestIDKey is the gin context key holding the request id.
const RequestIDKey = "request_id"

// StreamInfo is the JSON summary of one stream, returned by /api/streams.
type StreamInfo struct {
	Index     int                  `json:"index"`
	Locator   string               `json:"locator"`
	Connected bool                 `json:"connected"`
	State     string               `json:"state"`
	Message   string               `json:"message,omitempty"`
	LastFrame *time.Time           `json:"lastFrame,omitempty"`
	Frames    int64                `json:"frames"`
	FrameSize int                  `json:"frameSize"`
	Resets    int64                `json:"resets"`
	Session   *ingest.SessionStats `json:"session,omitempty"`
}

// Stats is the JSON body of /api/stats.
type Stats struct {
	Dispatcher receiver.DispatcherStats `json:"dispatcher"`
	Resets     int64                    `json:"watchdogResets"`
	Streams    int                      `json:"streams"`
	Connected  int                      `json:"connected"`
	Sessions   int64                    `json:"sessionsEnded"`
}

// Server exposes receiver state over HTTP.
type Server struct {
	log    *slog.Logger
	addr   string
	rc     *receiver.Receiver
	latest *receiver.LatestFrames
	srv    *http.Server
}

// NewServer creates a Server for rc. latest supplies display state and
// frames and may be nil. If log is nil, slog.Default() is used.
func NewServer(addr string, rc *receiver.Receiver, latest *receiver.LatestFrames, log *slog.Logger) *Server {
	if log == nil {
		log = slog.Default()
	}
	return &Server{
		log:    log.With("component", "status-api"),
		addr:   addr,
		rc:     rc,
		latest: latest,
	}
}

// Handler returns the API routes.
func (s *Server) Handler() http.Handler {
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(requestID())
	r.Use(func(c *gin.Context) {
		c.Header("Access-Control-Allow-Origin", "*")
		c.Next()
	})

	r.GET("/api/ping", func(c *gin.Context) { c.JSON(http.StatusOK, gin.H{"message": "pong"}) })
	r.GET("/api/stats", s.handleStats)
	r.GET("/api/streams", s.handleListStreams)

	one := r.Group("/api/streams/:index", s.requireIndex())
	one.GET("", s.handleStream)
	one.GET("/frame", s.handleFrame)
	return r
}

// Start listens on the configured address and blocks until ctx is
// cancelled or the server fails.
func (s *Server) Start(ctx context.Context) error {
	s.srv = &http.Server{
		Addr:              s.addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	stop := context.AfterFunc(ctx, func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		s.srv.Shutdown(shutdownCtx)
	})
	defer stop()

	s.log.Info("status API listening", "addr", s.addr)
	err := s.srv.ListenAndServe()
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

func (s *Server) info(index int) StreamInfo {
	d, _ := s.rc.Table().Get(index)
	snap := d.Snapshot()
	info := StreamInfo{
		Index:     snap.Index,
		Locator:   snap.Locator,
		Connected: snap.Connected,
		State:     "connecting",
		Resets:    snap.Resets,
	}
	if !snap.LastFrame.IsZero() {
		lf := snap.LastFrame
		info.LastFrame = &lf
	}
	if s.latest != nil {
		if v, ok := s.latest.Latest(index); ok {
			info.State = v.State
			info.Message = v.Message
			info.Frames = v.Frames
			info.FrameSize = v.FrameSize
		}
	}
	if sess, ok := s.rc.Registry().Get(index); ok {
		st := sess.Stats()
		info.Session = &st
	}
	return info
}

func (s *Server) handleListStreams(c *gin.Context) {
	n := s.rc.Table().Len()
	out := make([]StreamInfo, n)
	for i := range n {
		out[i] = s.info(i)
	}
	c.Header("X-Total-Count", strconv.Itoa(n))
	c.JSON(http.StatusOK, out)
}

func (s *Server) handleStream(c *gin.Context) {
	c.JSON(http.StatusOK, s.info(c.GetInt("index")))
}

func (s *Server) handleFrame(c *gin.Context) {
	if s.latest == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "frames not retained"})
		return
	}
	v, ok := s.latest.Latest(c.GetInt("index"))
	if !ok || v.Frame() == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "no frame received yet"})
		return
	}
	c.Header("Cache-Control", "no-store")
	c.Data(http.StatusOK, "image/jpeg", v.Frame())
}

func (s *Server) handleStats(c *gin.Context) {
	st := Stats{
		Dispatcher: s.rc.Dispatcher().Stats(),
		Resets:     s.rc.Watchdog().Resets(),
		Streams:    s.rc.Table().Len(),
		Sessions:   s.rc.SessionsEnded(),
	}
	for _, snap := range s.rc.Table().List() {
		if snap.Connected {
			st.Connected++
		}
	}
	c.JSON(http.StatusOK, st)
}

// requireIndex ensures the path param ":index" names an existing stream and
// stores it in the context as "index".
func (s *Server) requireIndex() gin.HandlerFunc {
	return func(c *gin.Context) {
		idx, err := strconv.Atoi(c.Param("index"))
		if err != nil {
			c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "invalid stream index"})
			return
		}
		if _, ok := s.rc.Table().Get(idx); !ok {
			c.AbortWithStatusJSON(http.StatusNotFound, gin.H{"error": "stream not found"})
			return
		}
		c.Set("index", idx)
		c.Next()
	}
}

// requestID tags every request with an X-Request-ID, keeping a sane one
// supplied by the client.
func requestID() gin.HandlerFunc {
	return func(c *gin.Context) {
		id := c.GetHeader("X-Request-ID")
		if l := len(id); l < 1 || l > 64 {
			id = uuid.NewString()
		}
		c.Header("X-Request-ID", id)
		c.Set(RequestIDKey, id)
		c.Next()
	}
}
