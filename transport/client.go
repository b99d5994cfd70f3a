// Package transport is the websocket connection a chat page talks through.
// Every frame is a JSON envelope naming one event and carrying its payload.
package transport

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"github.com/gosuda/roomchat/chat"
)

const (
	writeWait      = 10 * time.Second
	flushWait      = 5 * time.Second
	pongWait       = 60 * time.Second
	pingInterval   = 20 * time.Second
	sendBufferSize = 64
	maxFrameSize   = 1 << 20
)

var (
	ErrClosed         = errors.New("transport: connection closed")
	ErrSendBufferFull = errors.New("transport: send buffer full")
)

// Client is a single websocket connection to a chat server.
type Client struct {
	conn *websocket.Conn
	send chan chat.Envelope

	mu       sync.RWMutex
	handlers map[string][]func(data json.RawMessage)

	// sendMu orders Emit against Close so every accepted event is either
	// written or seen by the final flush.
	sendMu     sync.Mutex
	closed     atomic.Bool
	started    atomic.Bool
	done       chan struct{}
	writerDone chan struct{}
	closeDone  chan struct{}
}

type dialConfig struct {
	header           http.Header
	handshakeTimeout time.Duration
}

type DialOption func(*dialConfig)

// WithHeader sets extra handshake headers, e.g. cookies or Origin.
func WithHeader(h http.Header) DialOption {
	return func(c *dialConfig) { c.header = h }
}

func WithHandshakeTimeout(d time.Duration) DialOption {
	return func(c *dialConfig) { c.handshakeTimeout = d }
}

// Dial opens a websocket connection to url.
func Dial(ctx context.Context, url string, opts ...DialOption) (*Client, error) {
	cfg := dialConfig{handshakeTimeout: 10 * time.Second}
	for _, opt := range opts {
		opt(&cfg)
	}
	dialer := websocket.Dialer{
		Proxy:            http.ProxyFromEnvironment,
		HandshakeTimeout: cfg.handshakeTimeout,
		ReadBufferSize:   1024,
		WriteBufferSize:  1024,
	}
	conn, resp, err := dialer.DialContext(ctx, url, cfg.header)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("dial %s: %w (status %d)", url, err, resp.StatusCode)
		}
		return nil, fmt.Errorf("dial %s: %w", url, err)
	}
	return NewClient(conn), nil
}

// NewClient wraps an established websocket connection.
func NewClient(conn *websocket.Conn) *Client {
	return &Client{
		conn:       conn,
		send:       make(chan chat.Envelope, sendBufferSize),
		handlers:   map[string][]func(json.RawMessage){},
		done:       make(chan struct{}),
		writerDone: make(chan struct{}),
		closeDone:  make(chan struct{}),
	}
}

// Emit queues an event for the write loop. It never blocks.
func (c *Client) Emit(event string, payload any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("encode %s payload: %w", event, err)
	}
	c.sendMu.Lock()
	defer c.sendMu.Unlock()
	if c.closed.Load() {
		return ErrClosed
	}
	select {
	case c.send <- chat.Envelope{Event: event, Data: data}:
		return nil
	default:
		return ErrSendBufferFull
	}
}

// On registers a handler for an inbound event. Handlers run on the read
// loop and must not block.
func (c *Client) On(event string, handler func(data json.RawMessage)) {
	c.mu.Lock()
	c.handlers[event] = append(c.handlers[event], handler)
	c.mu.Unlock()
}

// Run pumps the connection until it closes or ctx is done.
func (c *Client) Run(ctx context.Context) error {
	c.started.Store(true)
	go c.writeLoop()
	go func() {
		select {
		case <-ctx.Done():
			_ = c.Close()
		case <-c.done:
		}
	}()
	err := c.readLoop()
	closedLocally := c.closed.Load()
	_ = c.Close()
	if ctx.Err() != nil || closedLocally || websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
		return nil
	}
	return err
}

func (c *Client) readLoop() error {
	c.conn.SetReadLimit(maxFrameSize)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		_, payload, err := c.conn.ReadMessage()
		if err != nil {
			log.Debug().Err(err).Msg("[transport] read message")
			return err
		}
		// Any traffic counts as liveness.
		_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))

		var env chat.Envelope
		if err := json.Unmarshal(payload, &env); err != nil || env.Event == "" {
			log.Debug().Err(err).Msg("[transport] drop malformed frame")
			continue
		}
		c.mu.RLock()
		hs := c.handlers[env.Event]
		c.mu.RUnlock()
		for _, h := range hs {
			h(env.Data)
		}
	}
}

func (c *Client) writeLoop() {
	ticker := time.NewTicker(pingInterval)
	defer func() {
		ticker.Stop()
		close(c.writerDone)
	}()
	for {
		select {
		case env := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := writeJSON(c.conn, env); err != nil {
				log.Debug().Err(err).Str("event", env.Event).Msg("[transport] write json")
				_ = c.conn.Close()
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				_ = c.conn.Close()
				return
			}
		case <-c.done:
			c.flush()
			return
		}
	}
}

// flush writes whatever Emit accepted before Close, within flushWait.
func (c *Client) flush() {
	deadline := time.Now().Add(flushWait)
	for {
		select {
		case env := <-c.send:
			_ = c.conn.SetWriteDeadline(deadline)
			if err := writeJSON(c.conn, env); err != nil {
				log.Debug().Err(err).Str("event", env.Event).Msg("[transport] flush dropped event")
				return
			}
		default:
			return
		}
	}
}

// Close flushes queued events, sends a close frame and tears the
// connection down. Concurrent callers return once teardown is finished.
func (c *Client) Close() error {
	c.sendMu.Lock()
	if c.closed.Load() {
		c.sendMu.Unlock()
		<-c.closeDone
		return nil
	}
	c.closed.Store(true)
	close(c.done)
	c.sendMu.Unlock()
	defer close(c.closeDone)

	if c.started.Load() {
		select {
		case <-c.writerDone:
		case <-time.After(flushWait + writeWait):
		}
	}
	_ = c.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(writeWait))
	return c.conn.Close()
}

// writeJSON writes v without HTML escaping so chat text keeps <, > and &.
func writeJSON(conn *websocket.Conn, v any) error {
	w, err := conn.NextWriter(websocket.TextMessage)
	if err != nil {
		return err
	}
	enc := json.NewEncoder(w)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(v); err != nil {
		return err
	}
	return w.Close()
}
