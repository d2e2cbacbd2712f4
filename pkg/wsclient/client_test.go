package wsclient

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/luoshen/wxbridge/pkg/convert"
)

type fakeConn struct {
	mu        sync.Mutex
	writes    [][]byte
	readCh    chan []byte
	closed    chan struct{}
	closeOnce sync.Once
	failWrite bool
}

func newFakeConn() *fakeConn {
	return &fakeConn{
		readCh: make(chan []byte, 16),
		closed: make(chan struct{}),
	}
}

func (f *fakeConn) ReadMessage() (int, []byte, error) {
	select {
	case p := <-f.readCh:
		return websocket.TextMessage, p, nil
	case <-f.closed:
		return 0, nil, errors.New("connection closed")
	}
}

func (f *fakeConn) WriteMessage(messageType int, data []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failWrite {
		return errors.New("write failed")
	}
	f.writes = append(f.writes, append([]byte(nil), data...))
	return nil
}

func (f *fakeConn) Close() error {
	f.closeOnce.Do(func() { close(f.closed) })
	return nil
}

func (f *fakeConn) writtenFrames() []map[string]interface{} {
	f.mu.Lock()
	defer f.mu.Unlock()
	frames := make([]map[string]interface{}, 0, len(f.writes))
	for _, w := range f.writes {
		var m map[string]interface{}
		if err := json.Unmarshal(w, &m); err == nil {
			frames = append(frames, m)
		}
	}
	return frames
}

func testClient(t *testing.T, opts Options, dial dialFunc) *Client {
	t.Helper()
	if opts.URL == "" {
		opts.URL = "ws://test.invalid/ws"
	}
	if opts.ReconnectInterval == 0 {
		opts.ReconnectInterval = 5 * time.Millisecond
	}
	conv := convert.New(convert.Options{SelfID: "test_bot"})
	c := New(opts, conv)
	c.pollTick = 5 * time.Millisecond
	if dial != nil {
		c.dial = dial
	}
	t.Cleanup(c.Stop)
	return c
}

func waitFor(t *testing.T, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatal(msg)
}

func TestStartWithoutURL(t *testing.T) {
	conv := convert.New(convert.Options{SelfID: "x"})
	c := New(Options{}, conv)
	if err := c.Start(context.Background()); err == nil {
		t.Fatal("Start with empty URL succeeded")
	}
}

func TestReconnectBound(t *testing.T) {
	var mu sync.Mutex
	dials := 0
	dial := func(url string, header http.Header) (wsConn, error) {
		mu.Lock()
		dials++
		mu.Unlock()
		return nil, errors.New("refused")
	}

	c := testClient(t, Options{MaxReconnectAttempts: 3}, dial)
	if err := c.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}

	waitFor(t, func() bool { return c.Status().State == string(StateExhausted) },
		"client never reported exhausted")

	st := c.Status()
	if st.Running {
		t.Error("exhausted client still reports running")
	}
	if st.ReconnectAttempts != 3 {
		t.Errorf("attempts = %d, want 3", st.ReconnectAttempts)
	}

	// No further dials once exhausted.
	mu.Lock()
	count := dials
	mu.Unlock()
	time.Sleep(50 * time.Millisecond)
	mu.Lock()
	after := dials
	mu.Unlock()
	if after != count {
		t.Errorf("dials kept happening after exhaustion: %d -> %d", count, after)
	}
	if count != 3 {
		t.Errorf("total dials = %d, want 3", count)
	}
}

func TestAttemptsResetOnConnect(t *testing.T) {
	conn := newFakeConn()
	var mu sync.Mutex
	dials := 0
	dial := func(url string, header http.Header) (wsConn, error) {
		mu.Lock()
		defer mu.Unlock()
		dials++
		if dials <= 2 {
			return nil, errors.New("refused")
		}
		return conn, nil
	}

	c := testClient(t, Options{MaxReconnectAttempts: 10, AccessToken: "secret", SelfID: "test_bot"}, dial)
	if err := c.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}

	waitFor(t, func() bool { return c.Status().Connected }, "client never connected")

	st := c.Status()
	if st.ReconnectAttempts != 0 {
		t.Errorf("attempts = %d after successful connect, want 0", st.ReconnectAttempts)
	}

	waitFor(t, func() bool { return len(conn.writtenFrames()) >= 1 }, "no lifecycle frame")
	frames := conn.writtenFrames()
	if frames[0]["meta_event_type"] != "lifecycle" || frames[0]["sub_type"] != "connect" {
		t.Errorf("first frame = %v, want lifecycle connect", frames[0])
	}
}

func TestDialHeaders(t *testing.T) {
	var got http.Header
	conn := newFakeConn()
	dial := func(url string, header http.Header) (wsConn, error) {
		got = header
		return conn, nil
	}

	c := testClient(t, Options{AccessToken: "tok", SelfID: "bot42"}, dial)
	if err := c.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	waitFor(t, func() bool { return c.Status().Connected }, "never connected")

	if got.Get("Authorization") != "Bearer tok" {
		t.Errorf("Authorization = %q", got.Get("Authorization"))
	}
	if got.Get("X-Self-ID") != "bot42" {
		t.Errorf("X-Self-ID = %q", got.Get("X-Self-ID"))
	}
	if got.Get("X-Client-Role") != "Universal" {
		t.Errorf("X-Client-Role = %q", got.Get("X-Client-Role"))
	}
}

func TestQueueFlushedInOrder(t *testing.T) {
	conn := newFakeConn()
	var mu sync.Mutex
	allow := false
	dial := func(url string, header http.Header) (wsConn, error) {
		mu.Lock()
		defer mu.Unlock()
		if !allow {
			return nil, errors.New("refused")
		}
		return conn, nil
	}

	c := testClient(t, Options{}, dial)
	if err := c.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}

	for i := 1; i <= 3; i++ {
		if err := c.Send(map[string]interface{}{"seq": i}); err == nil {
			t.Fatal("Send while disconnected reported success")
		}
	}
	if st := c.Status(); st.OutboundQueued != 3 {
		t.Fatalf("queued = %d, want 3", st.OutboundQueued)
	}

	mu.Lock()
	allow = true
	mu.Unlock()

	waitFor(t, func() bool { return len(conn.writtenFrames()) >= 4 }, "queue never flushed")

	frames := conn.writtenFrames()
	if frames[0]["meta_event_type"] != "lifecycle" {
		t.Errorf("first frame = %v, want lifecycle", frames[0])
	}
	for i := 1; i <= 3; i++ {
		if seq, _ := frames[i]["seq"].(float64); int(seq) != i {
			t.Errorf("frame %d seq = %v, want %d", i, frames[i]["seq"], i)
		}
	}
	if st := c.Status(); st.OutboundQueued != 0 {
		t.Errorf("queued = %d after flush, want 0", st.OutboundQueued)
	}
}

func TestOutboundQueueCap(t *testing.T) {
	c := testClient(t, Options{}, nil)

	for i := 0; i < outboundQueueCap+10; i++ {
		c.enqueue([]byte(fmt.Sprintf(`{"seq":%d}`, i)))
	}

	c.mu.Lock()
	depth := len(c.sendQueue)
	first := string(c.sendQueue[0])
	c.mu.Unlock()

	if depth != outboundQueueCap {
		t.Errorf("queue depth = %d, want cap %d", depth, outboundQueueCap)
	}
	if first != `{"seq":10}` {
		t.Errorf("oldest frame = %s, want seq 10 after eviction", first)
	}
}

func TestHeartbeatEmitted(t *testing.T) {
	conn := newFakeConn()
	dial := func(url string, header http.Header) (wsConn, error) { return conn, nil }

	c := testClient(t, Options{HeartbeatInterval: 10 * time.Millisecond}, dial)
	if err := c.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}

	waitFor(t, func() bool {
		for _, f := range conn.writtenFrames() {
			if f["meta_event_type"] == "heartbeat" {
				return true
			}
		}
		return false
	}, "no heartbeat emitted")

	if st := c.Status(); st.LastHeartbeat == 0 {
		t.Error("status does not report last heartbeat time")
	}
}

func TestCallbackPanicRecovered(t *testing.T) {
	conn := newFakeConn()
	dial := func(url string, header http.Header) (wsConn, error) { return conn, nil }

	c := testClient(t, Options{}, dial)

	var mu sync.Mutex
	var received []string
	c.SetCallback(func(payload []byte) {
		mu.Lock()
		received = append(received, string(payload))
		mu.Unlock()
		if string(payload) == `{"boom":true}` {
			panic("handler exploded")
		}
	})

	if err := c.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	waitFor(t, func() bool { return c.Status().Connected }, "never connected")

	conn.readCh <- []byte(`{"boom":true}`)
	conn.readCh <- []byte(`{"ok":true}`)

	waitFor(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(received) == 2
	}, "frame after panic was not dispatched")
}

func TestStopIdempotent(t *testing.T) {
	// Fresh conn per dial so a restart does not reuse a closed one.
	dial := func(url string, header http.Header) (wsConn, error) { return newFakeConn(), nil }

	c := testClient(t, Options{}, dial)
	if err := c.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	waitFor(t, func() bool { return c.Status().Connected }, "never connected")

	c.Stop()
	c.Stop()

	st := c.Status()
	if st.Running || st.Connected {
		t.Errorf("status after stop = %+v", st)
	}

	// Start again after stop works.
	if err := c.Start(context.Background()); err != nil {
		t.Fatalf("restart: %v", err)
	}
	waitFor(t, func() bool { return c.Status().Connected }, "never reconnected after restart")
}

func TestAllFramesReachCallback(t *testing.T) {
	conn := newFakeConn()
	dial := func(url string, header http.Header) (wsConn, error) { return conn, nil }

	c := testClient(t, Options{}, dial)

	var mu sync.Mutex
	var received [][]byte
	c.SetCallback(func(payload []byte) {
		mu.Lock()
		received = append(received, payload)
		mu.Unlock()
	})

	if err := c.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	waitFor(t, func() bool { return c.Status().Connected }, "never connected")

	const total = 10
	for i := 0; i < total; i++ {
		conn.readCh <- []byte(fmt.Sprintf(`{"seq":%d}`, i))
	}

	waitFor(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(received) == total
	}, "not every frame was dispatched")
}
