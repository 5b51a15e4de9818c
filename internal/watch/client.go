// Package watch is the observer side of the telemetry channel: a WebSocket
// client that reconnects on its own and fans messages out to local observers.
package watch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/ch0002ic/balanced-corridor-planner/internal/protocol"
)

// Defaults for Options.
const (
	DefaultReconnectDelay = 2 * time.Second
	DefaultMaxAttempts    = 5
	DefaultPingInterval   = 15 * time.Second
	DefaultPongTimeout    = 10 * time.Second
)

// ErrConnected is returned by Connect when the client is already running.
var ErrConnected = errors.New("watch client already connected")

// Options configures a Client.
type Options struct {
	URL            string
	ReconnectDelay time.Duration
	MaxAttempts    int // consecutive failed attempts before giving up
	PingInterval   time.Duration
	PongTimeout    time.Duration
	Dialer         *websocket.Dialer
	Logger         zerolog.Logger
}

// Client keeps a telemetry connection alive and delivers every envelope to
// the registered observers, across reconnects.
type Client struct {
	opts Options

	mu        sync.Mutex
	observers map[int]func(protocol.Envelope)
	nextID    int
	cancel    context.CancelFunc
	done      chan struct{}

	writeMu   sync.Mutex
	connected atomic.Bool
}

// New creates a disconnected client.
func New(opts Options) *Client {
	if opts.ReconnectDelay <= 0 {
		opts.ReconnectDelay = DefaultReconnectDelay
	}
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = DefaultMaxAttempts
	}
	if opts.PingInterval <= 0 {
		opts.PingInterval = DefaultPingInterval
	}
	if opts.PongTimeout <= 0 {
		opts.PongTimeout = DefaultPongTimeout
	}
	if opts.Dialer == nil {
		opts.Dialer = websocket.DefaultDialer
	}
	return &Client{
		opts:      opts,
		observers: make(map[int]func(protocol.Envelope)),
	}
}

// Subscribe registers an observer and returns its unsubscribe function.
// Observers are called from the client's reader goroutine, in arrival order.
func (c *Client) Subscribe(fn func(protocol.Envelope)) func() {
	c.mu.Lock()
	id := c.nextID
	c.nextID++
	c.observers[id] = fn
	c.mu.Unlock()

	return func() {
		c.mu.Lock()
		delete(c.observers, id)
		c.mu.Unlock()
	}
}

// Connected reports whether a connection is currently open.
func (c *Client) Connected() bool {
	return c.connected.Load()
}

// Connect dials the server and keeps the connection alive in the background
// until ctx is cancelled, Disconnect is called or reconnecting gives up. Only
// the first dial is synchronous; later drops go through the reconnect policy.
func (c *Client) Connect(ctx context.Context) error {
	c.mu.Lock()
	if c.done != nil {
		c.mu.Unlock()
		return ErrConnected
	}
	ctx, cancel := context.WithCancel(ctx)
	c.cancel = cancel
	c.done = make(chan struct{})
	done := c.done
	c.mu.Unlock()

	conn, err := c.dial(ctx)
	if err != nil {
		cancel()
		c.mu.Lock()
		c.cancel, c.done = nil, nil
		c.mu.Unlock()
		close(done)
		return err
	}

	go c.run(ctx, cancel, conn, done)
	return nil
}

// Disconnect closes the connection and stops reconnecting. It waits for the
// background goroutine to exit.
func (c *Client) Disconnect() {
	c.mu.Lock()
	cancel, done := c.cancel, c.done
	c.cancel, c.done = nil, nil
	c.mu.Unlock()

	if cancel == nil {
		return
	}
	cancel()
	<-done
}

func (c *Client) dial(ctx context.Context) (*websocket.Conn, error) {
	conn, _, err := c.opts.Dialer.DialContext(ctx, c.opts.URL, nil)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", c.opts.URL, err)
	}
	return conn, nil
}

// run serves conn and reconnects until ctx ends or reconnecting gives up.
// Giving up releases the client so Connect can be called again.
func (c *Client) run(ctx context.Context, cancel context.CancelFunc, conn *websocket.Conn, done chan struct{}) {
	defer close(done)
	defer func() {
		c.mu.Lock()
		if c.done == done {
			c.cancel, c.done = nil, nil
		}
		c.mu.Unlock()
		cancel()
	}()

	for {
		c.serve(ctx, conn)
		if ctx.Err() != nil {
			return
		}

		conn = c.reconnect(ctx)
		if conn == nil {
			return
		}
	}
}

// reconnect retries with a fixed delay. The attempt counter starts over after
// every successful connection.
func (c *Client) reconnect(ctx context.Context) *websocket.Conn {
	timer := time.NewTimer(c.opts.ReconnectDelay)
	defer timer.Stop()

	for attempt := 1; attempt <= c.opts.MaxAttempts; attempt++ {
		timer.Reset(c.opts.ReconnectDelay)
		select {
		case <-ctx.Done():
			return nil
		case <-timer.C:
		}

		conn, err := c.dial(ctx)
		if err == nil {
			c.opts.Logger.Info().Int("attempt", attempt).Msg("telemetry channel reconnected")
			return conn
		}
		c.opts.Logger.Warn().Err(err).Int("attempt", attempt).Int("max_attempts", c.opts.MaxAttempts).Msg("reconnect failed")
	}

	if ctx.Err() == nil {
		c.opts.Logger.Error().Int("attempts", c.opts.MaxAttempts).Msg("telemetry channel unavailable")
		c.deliver(protocol.Must(protocol.TypeChannelUnavailable, "", protocol.ChannelUnavailablePayload{
			Attempts: c.opts.MaxAttempts,
			Reason:   "reconnect attempts exhausted",
		}))
	}
	return nil
}

// serve reads from conn until it fails, pinging on an interval. Any inbound
// message counts as liveness.
func (c *Client) serve(ctx context.Context, conn *websocket.Conn) {
	c.connected.Store(true)
	defer c.connected.Store(false)

	stop := make(chan struct{})
	defer close(stop)
	go func() {
		select {
		case <-ctx.Done():
			c.write(conn, websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			conn.Close()
		case <-stop:
		}
	}()
	defer conn.Close()

	deadline := c.opts.PingInterval + c.opts.PongTimeout
	extend := func() { conn.SetReadDeadline(time.Now().Add(deadline)) }
	extend()
	conn.SetPingHandler(func(appData string) error {
		extend()
		return c.write(conn, websocket.PongMessage, []byte(appData))
	})
	conn.SetPongHandler(func(string) error {
		extend()
		return nil
	})

	go c.pingLoop(conn, stop)

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if ctx.Err() == nil {
				c.opts.Logger.Warn().Err(err).Msg("telemetry channel dropped")
			}
			return
		}
		extend()

		var env protocol.Envelope
		if err := json.Unmarshal(data, &env); err != nil {
			c.opts.Logger.Debug().Err(err).Msg("ignoring malformed message")
			continue
		}
		c.deliver(env)
	}
}

func (c *Client) pingLoop(conn *websocket.Conn, stop <-chan struct{}) {
	ticker := time.NewTicker(c.opts.PingInterval)
	defer ticker.Stop()

	ping, _ := json.Marshal(map[string]string{"type": protocol.TypePing})
	if err := c.write(conn, websocket.TextMessage, ping); err != nil {
		return
	}
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			if err := c.write(conn, websocket.TextMessage, ping); err != nil {
				return
			}
		}
	}
}

func (c *Client) write(conn *websocket.Conn, messageType int, data []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	conn.SetWriteDeadline(time.Now().Add(c.opts.PongTimeout))
	return conn.WriteMessage(messageType, data)
}

func (c *Client) deliver(env protocol.Envelope) {
	c.mu.Lock()
	observers := make([]func(protocol.Envelope), 0, len(c.observers))
	for _, fn := range c.observers {
		observers = append(observers, fn)
	}
	c.mu.Unlock()

	for _, fn := range observers {
		fn(env)
	}
}
