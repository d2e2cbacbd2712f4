// Package wsclient maintains the reverse WebSocket connection to the
// OneBot backend: connect, fixed-backoff reconnect, heartbeat emission,
// outbound queueing and inbound frame dispatch.
package wsclient

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/luoshen/wxbridge/pkg/convert"
	"github.com/luoshen/wxbridge/pkg/logger"
)

type State string

const (
	StateStopped      State = "stopped"
	StateConnecting   State = "connecting"
	StateConnected    State = "connected"
	StateDisconnected State = "disconnected"
	// StateExhausted means the reconnect budget ran out; no further
	// attempts happen until the next Start.
	StateExhausted State = "exhausted"
)

const (
	defaultHeartbeatPoll = 5 * time.Second
	outboundQueueCap     = 1024
)

// MessageCallback receives every inbound frame, synchronously on the read
// goroutine. The registered consumer owns the inbound queue. Panics in
// the callback are recovered and logged.
type MessageCallback func(payload []byte)

type wsConn interface {
	ReadMessage() (int, []byte, error)
	WriteMessage(messageType int, data []byte) error
	Close() error
}

type dialFunc func(url string, header http.Header) (wsConn, error)

type Options struct {
	URL                  string
	AccessToken          string
	SelfID               string
	HeartbeatInterval    time.Duration
	ReconnectInterval    time.Duration
	MaxReconnectAttempts int
}

type Client struct {
	opts Options
	conv *convert.Converter

	conn          wsConn
	state         State
	attempts      int
	lastHeartbeat time.Time
	sendQueue     [][]byte
	callback      MessageCallback

	ctx     context.Context
	cancel  context.CancelFunc
	mu      sync.Mutex
	writeMu sync.Mutex

	nowFunc  func() time.Time
	dial     dialFunc
	pollTick time.Duration
}

// Status is a read-only snapshot of the client. Taking one never mutates
// client state.
type Status struct {
	Running           bool   `json:"running"`
	Connected         bool   `json:"connected"`
	State             string `json:"state"`
	URL               string `json:"url"`
	ReconnectAttempts int    `json:"reconnect_attempts"`
	OutboundQueued    int    `json:"outbound_queued"`
	LastHeartbeat     int64  `json:"last_heartbeat"`
}

func New(opts Options, conv *convert.Converter) *Client {
	if opts.HeartbeatInterval <= 0 {
		opts.HeartbeatInterval = 30 * time.Second
	}
	if opts.ReconnectInterval <= 0 {
		opts.ReconnectInterval = 5 * time.Second
	}
	return &Client{
		opts:     opts,
		conv:     conv,
		state:    StateStopped,
		nowFunc:  time.Now,
		dial:     gorillaDial,
		pollTick: defaultHeartbeatPoll,
	}
}

func gorillaDial(url string, header http.Header) (wsConn, error) {
	dialer := *websocket.DefaultDialer
	dialer.HandshakeTimeout = 10 * time.Second
	conn, _, err := dialer.Dial(url, header)
	if err != nil {
		return nil, err
	}
	return conn, nil
}

func (c *Client) SetCallback(callback MessageCallback) {
	c.mu.Lock()
	c.callback = callback
	c.mu.Unlock()
}

// Start begins connection management. Calling Start on a running client
// is a no-op.
func (c *Client) Start(ctx context.Context) error {
	c.mu.Lock()
	if c.state != StateStopped && c.state != StateExhausted {
		c.mu.Unlock()
		return nil
	}
	if c.opts.URL == "" {
		c.mu.Unlock()
		return fmt.Errorf("ws_url not configured")
	}
	c.ctx, c.cancel = context.WithCancel(ctx)
	c.state = StateConnecting
	c.attempts = 0
	c.mu.Unlock()

	logger.InfoCF("wsclient", "Starting WebSocket client", map[string]interface{}{
		"ws_url": c.opts.URL,
	})

	go c.connectLoop(c.ctx)
	go c.heartbeatLoop(c.ctx)

	return nil
}

// Stop closes any live connection and halts all loops. Idempotent.
func (c *Client) Stop() {
	c.mu.Lock()
	if c.state == StateStopped {
		c.mu.Unlock()
		return
	}
	c.state = StateStopped
	if c.cancel != nil {
		c.cancel()
	}
	if c.conn != nil {
		c.conn.Close()
		c.conn = nil
	}
	c.mu.Unlock()

	logger.InfoC("wsclient", "WebSocket client stopped")
}

func (c *Client) IsRunning() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state != StateStopped && c.state != StateExhausted
}

func (c *Client) IsConnected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state == StateConnected
}

// connectLoop is the sole owner of the connection handle and of state
// transitions. It runs until Stop or until the reconnect budget is spent.
func (c *Client) connectLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		c.setState(StateConnecting)

		conn, err := c.connect()
		if err != nil {
			c.mu.Lock()
			c.attempts++
			attempts := c.attempts
			max := c.opts.MaxReconnectAttempts
			c.mu.Unlock()

			logger.WarnCF("wsclient", "Connect failed", map[string]interface{}{
				"attempt": attempts,
				"max":     max,
				"error":   err.Error(),
			})

			if max > 0 && attempts >= max {
				c.setState(StateExhausted)
				logger.ErrorCF("wsclient", "Reconnect attempts exhausted, giving up", map[string]interface{}{
					"attempts": attempts,
				})
				return
			}

			if !c.sleep(ctx, c.opts.ReconnectInterval) {
				return
			}
			continue
		}

		c.onConnected(conn)
		c.readLoop(ctx, conn)

		select {
		case <-ctx.Done():
			return
		default:
		}

		c.setState(StateDisconnected)
		logger.WarnC("wsclient", "Connection lost, scheduling reconnect")

		if !c.sleep(ctx, c.opts.ReconnectInterval) {
			return
		}
	}
}

func (c *Client) connect() (wsConn, error) {
	header := make(http.Header)
	if c.opts.AccessToken != "" {
		header.Set("Authorization", "Bearer "+c.opts.AccessToken)
	}
	header.Set("X-Self-ID", c.opts.SelfID)
	header.Set("X-Client-Role", "Universal")

	return c.dial(c.opts.URL, header)
}

func (c *Client) onConnected(conn wsConn) {
	c.mu.Lock()
	c.conn = conn
	c.state = StateConnected
	c.attempts = 0
	c.mu.Unlock()

	logger.InfoC("wsclient", "WebSocket connected")

	if err := c.Send(c.conv.LifecycleEvent("connect")); err != nil {
		logger.WarnCF("wsclient", "Failed to send lifecycle event", map[string]interface{}{
			"error": err.Error(),
		})
	}

	c.flushQueue()
}

// flushQueue drains the outbound retry queue in FIFO order. A failed
// write puts the frame back at the front and stops the flush.
func (c *Client) flushQueue() {
	for {
		c.mu.Lock()
		if len(c.sendQueue) == 0 || c.state != StateConnected {
			c.mu.Unlock()
			return
		}
		data := c.sendQueue[0]
		c.sendQueue = c.sendQueue[1:]
		conn := c.conn
		c.mu.Unlock()

		if err := c.write(conn, data); err != nil {
			c.mu.Lock()
			c.sendQueue = append([][]byte{data}, c.sendQueue...)
			c.mu.Unlock()
			logger.WarnCF("wsclient", "Queue flush interrupted", map[string]interface{}{
				"error": err.Error(),
			})
			return
		}
	}
}

func (c *Client) readLoop(ctx context.Context, conn wsConn) {
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		_, payload, err := conn.ReadMessage()
		if err != nil {
			c.mu.Lock()
			if c.conn == conn {
				c.conn.Close()
				c.conn = nil
			}
			c.mu.Unlock()
			return
		}

		logger.DebugCF("wsclient", "Frame received", map[string]interface{}{
			"length": len(payload),
		})

		c.dispatch(payload)
	}
}

func (c *Client) dispatch(payload []byte) {
	c.mu.Lock()
	callback := c.callback
	c.mu.Unlock()
	if callback == nil {
		return
	}

	defer func() {
		if r := recover(); r != nil {
			logger.ErrorCF("wsclient", "Message callback panicked", map[string]interface{}{
				"panic": fmt.Sprintf("%v", r),
			})
		}
	}()
	callback(payload)
}

// heartbeatLoop polls on a short tick and emits a heartbeat whenever the
// configured interval has elapsed while connected. A failed send leaves
// the timer untouched so the next tick retries.
func (c *Client) heartbeatLoop(ctx context.Context) {
	ticker := time.NewTicker(c.pollTick)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			now := c.nowFunc()

			c.mu.Lock()
			connected := c.state == StateConnected
			due := now.Sub(c.lastHeartbeat) >= c.opts.HeartbeatInterval
			c.mu.Unlock()

			if !connected || !due {
				continue
			}

			if err := c.Send(c.conv.Heartbeat()); err != nil {
				logger.WarnCF("wsclient", "Heartbeat send failed", map[string]interface{}{
					"error": err.Error(),
				})
				continue
			}

			c.mu.Lock()
			c.lastHeartbeat = now
			c.mu.Unlock()
		}
	}
}

// Send serializes v and transmits it when connected. When disconnected,
// or when the write fails, the frame is queued for the next successful
// connect and an error is returned. Send never blocks on the network
// beyond a single write.
func (c *Client) Send(v interface{}) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal frame: %w", err)
	}

	c.mu.Lock()
	conn := c.conn
	connected := c.state == StateConnected
	c.mu.Unlock()

	if !connected || conn == nil {
		c.enqueue(data)
		return fmt.Errorf("not connected, frame queued")
	}

	if err := c.write(conn, data); err != nil {
		c.enqueue(data)
		return fmt.Errorf("write frame: %w", err)
	}
	return nil
}

func (c *Client) write(conn wsConn, data []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return conn.WriteMessage(websocket.TextMessage, data)
}

// enqueue appends to the retry queue, evicting the oldest frame at
// capacity so the queue cannot grow without bound during long outages.
func (c *Client) enqueue(data []byte) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.sendQueue) >= outboundQueueCap {
		c.sendQueue = c.sendQueue[1:]
		logger.WarnC("wsclient", "Outbound queue full, dropping oldest frame")
	}
	c.sendQueue = append(c.sendQueue, data)
}

// SendAPIResponse answers an API request, echoing the correlation token
// verbatim. Delivery failures are absorbed by the retry queue.
func (c *Client) SendAPIResponse(echo interface{}, data interface{}, retcode int, status string) {
	resp := convert.APIResponse{
		Status:  status,
		Retcode: retcode,
		Data:    data,
		Echo:    echo,
	}
	if err := c.Send(resp); err != nil {
		logger.WarnCF("wsclient", "API response queued for retry", map[string]interface{}{
			"retcode": retcode,
			"error":   err.Error(),
		})
	}
}

func (c *Client) setState(s State) {
	c.mu.Lock()
	// Stop wins over any transition from the loops.
	if c.state != StateStopped {
		c.state = s
	}
	c.mu.Unlock()
}

func (c *Client) sleep(ctx context.Context, d time.Duration) bool {
	select {
	case <-ctx.Done():
		return false
	case <-time.After(d):
		return true
	}
}

func (c *Client) Status() Status {
	c.mu.Lock()
	defer c.mu.Unlock()

	var last int64
	if !c.lastHeartbeat.IsZero() {
		last = c.lastHeartbeat.Unix()
	}

	return Status{
		Running:           c.state != StateStopped && c.state != StateExhausted,
		Connected:         c.state == StateConnected,
		State:             string(c.state),
		URL:               c.opts.URL,
		ReconnectAttempts: c.attempts,
		OutboundQueued:    len(c.sendQueue),
		LastHeartbeat:     last,
	}
}
