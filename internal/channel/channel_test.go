package channel

import (
	"context"
	"errors"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"syscall"
	"testing"
	"time"

	"github.com/zsiec/avlink/internal/framing"
)

// faultConn fails every failEvery-th Write with failErr. It embeds net.Conn
// only to satisfy the interface; the methods used by Channel are overridden.
type faultConn struct {
	net.Conn
	writes    *atomic.Int64
	failEvery int64
	failErr   error
	failN     int
	closes    atomic.Int32
}

func (c *faultConn) Write(b []byte) (int, error) {
	n := c.writes.Add(1)
	if c.failEvery > 0 && n%c.failEvery == 0 {
		return c.failN, c.failErr
	}
	return len(b), nil
}

func (c *faultConn) Close() error {
	c.closes.Add(1)
	return nil
}

func (c *faultConn) SetWriteDeadline(time.Time) error { return nil }

type fakeDialer struct {
	mu       sync.Mutex
	failures int // dial attempts to fail before succeeding
	dials    int
	conns    []*faultConn
	newConn  func() *faultConn
}

func (d *fakeDialer) DialContext(ctx context.Context, _, _ string) (net.Conn, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.dials++
	if d.failures > 0 {
		d.failures--
		return nil, syscall.ECONNREFUSED
	}
	c := d.newConn()
	d.conns = append(d.conns, c)
	return c, nil
}

func (d *fakeDialer) dialCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.dials
}

func TestConnectorRetriesUntilSuccess(t *testing.T) {
	t.Parallel()

	var writes atomic.Int64
	d := &fakeDialer{
		failures: 2,
		newConn:  func() *faultConn { return &faultConn{writes: &writes} },
	}
	c := NewConnector(Config{Addr: "receiver:5000", RetryDelay: 5 * time.Millisecond, Dialer: d}, nil)

	conn, err := c.Connect(context.Background())
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	if conn == nil {
		t.Fatal("Connect returned nil conn")
	}
	if got := c.Attempts(); got != 3 {
		t.Errorf("Attempts = %d, want 3", got)
	}
}

func TestConnectorStopsOnCancel(t *testing.T) {
	t.Parallel()

	d := &fakeDialer{failures: 1 << 30}
	c := NewConnector(Config{Addr: "receiver:5000", RetryDelay: 5 * time.Millisecond, Dialer: d}, nil)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	_, err := c.Connect(ctx)
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("Connect: got %v, want deadline exceeded", err)
	}
	if d.dialCount() < 2 {
		t.Errorf("expected several attempts before cancel, got %d", d.dialCount())
	}
}

func TestSendFrameOverLoopback(t *testing.T) {
	t.Parallel()

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	defer ln.Close()

	got := make(chan []byte, 3)
	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		r := framing.NewReader(conn, 0)
		for {
			p, err := r.ReadFrame()
			if err != nil {
				return
			}
			got <- p
		}
	}()

	ch := New(Config{Name: "video", Addr: ln.Addr().String(), RetryDelay: 10 * time.Millisecond}, nil)
	defer ch.Close()

	ctx := context.Background()
	for _, p := range []string{"frame-1", "frame-2", "frame-3"} {
		if err := ch.SendFrame(ctx, []byte(p)); err != nil {
			t.Fatalf("SendFrame: %v", err)
		}
	}

	for _, want := range []string{"frame-1", "frame-2", "frame-3"} {
		select {
		case p := <-got:
			if string(p) != want {
				t.Errorf("got %q, want %q", p, want)
			}
		case <-time.After(2 * time.Second):
			t.Fatal("timed out waiting for frame")
		}
	}

	if ch.State() != Connected {
		t.Errorf("state = %s, want connected", ch.State())
	}
	st := ch.Stats()
	if st.FramesSent != 3 || st.FramesDropped != 0 {
		t.Errorf("stats = %+v", st)
	}
	if st.Session == "" {
		t.Error("expected a session id while connected")
	}
}

func TestSendFrameReconnectsOnBrokenPipe(t *testing.T) {
	t.Parallel()

	const failEvery = 4
	const sends = 40

	var writes atomic.Int64
	d := &fakeDialer{newConn: func() *faultConn {
		return &faultConn{writes: &writes, failEvery: failEvery, failErr: syscall.EPIPE}
	}}
	ch := New(Config{Addr: "receiver:5000", RetryDelay: time.Millisecond, Dialer: d}, nil)
	defer ch.Close()

	var dropped int64
	for i := 0; i < sends; i++ {
		err := ch.SendFrame(context.Background(), []byte{byte(i)})
		switch {
		case errors.Is(err, ErrFrameDropped):
			dropped++
		case err != nil:
			t.Fatalf("send %d: %v", i, err)
		}
	}

	st := ch.Stats()
	if dropped != st.FramesDropped {
		t.Errorf("SendFrame reported %d drops, stats say %d", dropped, st.FramesDropped)
	}
	if st.Reconnects < sends/failEvery {
		t.Errorf("Reconnects = %d, want at least %d", st.Reconnects, sends/failEvery)
	}
	if st.FramesSent+st.FramesDropped != sends {
		t.Errorf("sent %d + dropped %d != %d", st.FramesSent, st.FramesDropped, sends)
	}
	if st.FramesDropped != sends/failEvery {
		t.Errorf("FramesDropped = %d, want %d", st.FramesDropped, sends/failEvery)
	}
	if ch.State() != Connected {
		t.Errorf("state = %s, want connected after reconnect", ch.State())
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	for i, c := range d.conns[:len(d.conns)-1] {
		if c.closes.Load() != 1 {
			t.Errorf("conn %d closed %d times, want 1", i, c.closes.Load())
		}
	}
}

type timeoutErr struct{}

func (timeoutErr) Error() string   { return "i/o timeout" }
func (timeoutErr) Timeout() bool   { return true }
func (timeoutErr) Temporary() bool { return true }

func TestSendFrameTransientErrorDropsWithoutReconnect(t *testing.T) {
	t.Parallel()

	var writes atomic.Int64
	d := &fakeDialer{newConn: func() *faultConn {
		return &faultConn{writes: &writes, failEvery: 2, failErr: timeoutErr{}}
	}}
	ch := New(Config{Addr: "receiver:5000", RetryDelay: time.Millisecond, Dialer: d}, nil)
	defer ch.Close()

	for i := 0; i < 6; i++ {
		err := ch.SendFrame(context.Background(), []byte("x"))
		wantDrop := i%2 == 1
		if wantDrop && !errors.Is(err, ErrFrameDropped) {
			t.Fatalf("send %d: got %v, want ErrFrameDropped", i, err)
		}
		if !wantDrop && err != nil {
			t.Fatalf("send %d: %v", i, err)
		}
	}

	st := ch.Stats()
	if st.Reconnects != 0 {
		t.Errorf("Reconnects = %d, want 0", st.Reconnects)
	}
	if st.FramesDropped != 3 {
		t.Errorf("FramesDropped = %d, want 3", st.FramesDropped)
	}
	if d.dialCount() != 1 {
		t.Errorf("dials = %d, want 1", d.dialCount())
	}
}

func TestSendFramePartialWriteReconnects(t *testing.T) {
	t.Parallel()

	var writes atomic.Int64
	d := &fakeDialer{newConn: func() *faultConn {
		return &faultConn{writes: &writes, failEvery: 1, failErr: timeoutErr{}, failN: 2}
	}}
	ch := New(Config{Addr: "receiver:5000", RetryDelay: time.Millisecond, Dialer: d}, nil)
	defer ch.Close()

	if err := ch.SendFrame(context.Background(), []byte("payload")); !errors.Is(err, ErrFrameDropped) {
		t.Fatalf("SendFrame: got %v, want ErrFrameDropped", err)
	}
	if got := ch.Stats().Reconnects; got != 1 {
		t.Errorf("Reconnects = %d, want 1", got)
	}
}

func TestCloseIsIdempotent(t *testing.T) {
	t.Parallel()

	var writes atomic.Int64
	d := &fakeDialer{newConn: func() *faultConn { return &faultConn{writes: &writes} }}
	ch := New(Config{Addr: "receiver:5000", Dialer: d}, nil)

	if err := ch.Connect(context.Background()); err != nil {
		t.Fatal(err)
	}
	if err := ch.Close(); err != nil {
		t.Fatalf("first Close: %v", err)
	}
	if err := ch.Close(); err != nil {
		t.Fatalf("second Close: %v", err)
	}
	if got := d.conns[0].closes.Load(); got != 1 {
		t.Errorf("conn closed %d times, want 1", got)
	}
	if ch.State() != Disconnected {
		t.Errorf("state = %s, want disconnected", ch.State())
	}
	if err := ch.SendFrame(context.Background(), []byte("late")); !errors.Is(err, ErrClosed) {
		t.Errorf("SendFrame after Close: got %v, want ErrClosed", err)
	}
}

func TestCloseUnblocksConnect(t *testing.T) {
	t.Parallel()

	d := &fakeDialer{failures: 1 << 30}
	ch := New(Config{Addr: "receiver:5000", RetryDelay: 10 * time.Millisecond, Dialer: d}, nil)

	errCh := make(chan error, 1)
	go func() { errCh <- ch.Connect(context.Background()) }()

	time.Sleep(30 * time.Millisecond)
	ch.Close()

	select {
	case err := <-errCh:
		if !errors.Is(err, ErrClosed) {
			t.Errorf("Connect: got %v, want ErrClosed", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Connect did not return after Close")
	}
}

func TestReceiveFrame(t *testing.T) {
	t.Parallel()

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	defer ln.Close()

	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		framing.Write(conn, []byte("ack"))
		conn.Close()
	}()

	ch := New(Config{Addr: ln.Addr().String()}, nil)
	defer ch.Close()
	if err := ch.Connect(context.Background()); err != nil {
		t.Fatal(err)
	}

	p, err := ch.ReceiveFrame()
	if err != nil {
		t.Fatalf("ReceiveFrame: %v", err)
	}
	if string(p) != "ack" {
		t.Errorf("got %q, want %q", p, "ack")
	}

	if _, err := ch.ReceiveFrame(); !errors.Is(err, io.EOF) {
		t.Errorf("after peer close: got %v, want io.EOF", err)
	}
	if ch.State() != Disconnected {
		t.Errorf("state = %s, want disconnected after read error", ch.State())
	}
}

func TestIsBroken(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		err  error
		want bool
	}{
		{name: "epipe", err: syscall.EPIPE, want: true},
		{name: "reset", err: &net.OpError{Op: "write", Err: syscall.ECONNRESET}, want: true},
		{name: "eof", err: io.EOF, want: true},
		{name: "closed", err: net.ErrClosed, want: true},
		{name: "timeout", err: timeoutErr{}, want: false},
		{name: "other", err: errors.New("boom"), want: false},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			if got := isBroken(tc.err); got != tc.want {
				t.Errorf("isBroken(%v) = %v, want %v", tc.err, got, tc.want)
			}
		})
	}
}
