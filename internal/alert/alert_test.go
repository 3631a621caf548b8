package alert

import (
	"context"
	"errors"
	"net"
	"strings"
	"sync"
	"testing"
	"time"
)

type collectSink struct {
	mu   sync.Mutex
	msgs []Message
	got  chan struct{}
}

func newCollectSink() *collectSink {
	return &collectSink{got: make(chan struct{}, 64)}
}

func (c *collectSink) Alert(m Message) {
	c.mu.Lock()
	c.msgs = append(c.msgs, m)
	c.mu.Unlock()
	c.got <- struct{}{}
}

func (c *collectSink) texts() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, len(c.msgs))
	for i, m := range c.msgs {
		out[i] = m.Text
	}
	return out
}

func TestDecode(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		in   []byte
		want string
		ok   bool
	}{
		{name: "plain", in: []byte("Person detected"), want: "Person detected", ok: true},
		{name: "trailing newline", in: []byte("Door open\n"), want: "Door open", ok: true},
		{name: "crlf", in: []byte("Door open\r\n"), want: "Door open", ok: true},
		{name: "invalid utf8 replaced", in: []byte{'h', 'i', 0xff}, want: "hi�", ok: true},
		{name: "empty", in: nil, ok: false},
		{name: "blank", in: []byte(" \n"), ok: false},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			got, ok := Decode(tc.in)
			if ok != tc.ok || got != tc.want {
				t.Errorf("Decode(%q) = %q, %v; want %q, %v", tc.in, got, ok, tc.want, tc.ok)
			}
		})
	}
}

func TestSidecarDeliversAlerts(t *testing.T) {
	t.Parallel()

	sink := newCollectSink()
	s := NewSidecar("127.0.0.1:0", sink, nil)
	if err := s.Listen(); err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Serve(ctx) }()

	n, err := Dial(s.Addr().String(), nil)
	if err != nil {
		t.Fatal(err)
	}
	defer n.Close()

	for _, text := range []string{"Person detected in zone A\n", "", "Door open"} {
		if text == "" {
			n.conn.Write(nil)
			continue
		}
		if err := n.Send(text); err != nil {
			t.Fatal(err)
		}
	}

	for i := 0; i < 2; i++ {
		select {
		case <-sink.got:
		case <-time.After(2 * time.Second):
			t.Fatalf("alert %d not delivered", i)
		}
	}
	got := sink.texts()
	if got[0] != "Person detected in zone A" || got[1] != "Door open" {
		t.Errorf("alerts = %q", got)
	}

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Serve: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Serve not unblocked by cancellation")
	}
	if s.Received() != 2 {
		t.Errorf("Received = %d, want 2", s.Received())
	}
}

func TestSidecarKeepsLargeAlertWhole(t *testing.T) {
	t.Parallel()

	sink := newCollectSink()
	s := NewSidecar("127.0.0.1:0", sink, nil)
	if err := s.Listen(); err != nil {
		t.Fatal(err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go s.Serve(ctx)

	n, err := Dial(s.Addr().String(), nil)
	if err != nil {
		t.Fatal(err)
	}
	defer n.Close()

	text := strings.Repeat("obstacle ", 1200)
	text = strings.TrimSpace(text)
	if err := n.Send(text); err != nil {
		t.Fatal(err)
	}
	select {
	case <-sink.got:
	case <-time.After(2 * time.Second):
		t.Fatal("alert not delivered")
	}
	if got := sink.texts()[0]; len(got) != len(text) {
		t.Errorf("delivered %d bytes, want %d", len(got), len(text))
	}
}

func TestSidecarCloseUnblocksServe(t *testing.T) {
	t.Parallel()

	s := NewSidecar("127.0.0.1:0", newCollectSink(), nil)
	done := make(chan error, 1)
	go func() { done <- s.Serve(context.Background()) }()

	deadline := time.Now().Add(2 * time.Second)
	for s.Addr() == nil && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if err := s.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if err := s.Close(); err != nil {
		t.Fatalf("second Close: %v", err)
	}
	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Serve: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Serve not unblocked by Close")
	}
}

func TestSidecarListenFailsWhenPortTaken(t *testing.T) {
	t.Parallel()

	pc, err := net.ListenPacket("udp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	defer pc.Close()

	s := NewSidecar(pc.LocalAddr().String(), newCollectSink(), nil)
	if err := s.Listen(); err == nil {
		s.Close()
		t.Fatal("expected bind failure")
	}
}

func TestNotifierLatchesPerEpisode(t *testing.T) {
	t.Parallel()

	sink := newCollectSink()
	s := NewSidecar("127.0.0.1:0", sink, nil)
	if err := s.Listen(); err != nil {
		t.Fatal(err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go s.Serve(ctx)

	n, err := Dial(s.Addr().String(), nil)
	if err != nil {
		t.Fatal(err)
	}
	defer n.Close()

	steps := []struct {
		raise    bool
		wantSent bool
	}{
		{raise: true, wantSent: true},
		{raise: true, wantSent: false},
		{raise: true, wantSent: false},
		{raise: false},
		{raise: true, wantSent: true},
	}
	for i, st := range steps {
		if !st.raise {
			n.Clear("zone-a")
			continue
		}
		sent, err := n.Raise("zone-a", "Person detected")
		if err != nil {
			t.Fatalf("step %d: %v", i, err)
		}
		if sent != st.wantSent {
			t.Errorf("step %d: sent = %v, want %v", i, sent, st.wantSent)
		}
	}

	if sent, _ := n.Raise("zone-b", "Vehicle detected"); !sent {
		t.Error("independent key should send")
	}

	for i := 0; i < 3; i++ {
		select {
		case <-sink.got:
		case <-time.After(2 * time.Second):
			t.Fatalf("only %d alerts arrived", i)
		}
	}
}

func TestNotifierRejectsOversizeMessage(t *testing.T) {
	t.Parallel()
	n, err := Dial("127.0.0.1:9", nil)
	if err != nil {
		t.Fatal(err)
	}
	defer n.Close()
	if err := n.Send(string(make([]byte, MaxDatagramSize+1))); err == nil {
		t.Fatal("expected oversize error")
	}
}

func TestQueueHandlesInOrder(t *testing.T) {
	t.Parallel()

	var mu sync.Mutex
	var got []string
	handled := make(chan struct{}, 8)
	q := NewQueue(2, func(_ context.Context, m Message) error {
		mu.Lock()
		got = append(got, m.Text)
		mu.Unlock()
		handled <- struct{}{}
		if m.Text == "bad" {
			return errors.New("tts failed")
		}
		return nil
	}, nil)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- q.Run(ctx) }()

	for _, text := range []string{"one", "bad", "three"} {
		q.Alert(Message{Text: text})
	}
	for i := 0; i < 3; i++ {
		select {
		case <-handled:
		case <-time.After(2 * time.Second):
			t.Fatal("alert not handled")
		}
	}

	mu.Lock()
	if len(got) != 3 || got[0] != "one" || got[1] != "bad" || got[2] != "three" {
		t.Errorf("handled = %q", got)
	}
	mu.Unlock()

	cancel()
	<-done
	if q.Handled() != 2 || q.Failed() != 1 {
		t.Errorf("handled=%d failed=%d, want 2 and 1", q.Handled(), q.Failed())
	}

	// After the consumer stops, Alert must not block.
	finished := make(chan struct{})
	go func() {
		for i := 0; i < 5; i++ {
			q.Alert(Message{Text: "late"})
		}
		close(finished)
	}()
	select {
	case <-finished:
	case <-time.After(2 * time.Second):
		t.Fatal("Alert blocked after Run returned")
	}
}

func TestMultiSinkAndSinkFunc(t *testing.T) {
	t.Parallel()

	var calls []string
	ms := MultiSink{
		SinkFunc(func(m Message) { calls = append(calls, "a:"+m.Text) }),
		SinkFunc(func(m Message) { calls = append(calls, "b:"+m.Text) }),
		NewLogSink(nil),
	}
	ms.Alert(Message{Text: "x"})
	if len(calls) != 2 || calls[0] != "a:x" || calls[1] != "b:x" {
		t.Errorf("calls = %q", calls)
	}
}

func TestSpeakerRunsCommand(t *testing.T) {
	t.Parallel()

	sp := &Speaker{Argv: []string{"sh", "-c", `test "$1" = "hello"`, "speak"}}
	if err := sp.Speak(context.Background(), Message{Text: "hello"}); err != nil {
		t.Errorf("Speak: %v", err)
	}
	if err := sp.Speak(context.Background(), Message{Text: "other"}); err == nil {
		t.Error("expected command failure")
	}
	if err := (&Speaker{}).Speak(context.Background(), Message{Text: "x"}); err == nil {
		t.Error("expected error for empty command")
	}
}
