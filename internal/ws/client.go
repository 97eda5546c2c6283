package ws

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"

	"github.com/pixmorph/pixmorph/internal/backoff"
	"github.com/pixmorph/pixmorph/internal/hub"
)

// State is the connection manager's lifecycle state.
type State int32

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	default:
		return "disconnected"
	}
}

// ErrAuthRejected is returned when the server refuses the credentials.
// It is permanent: the manager does not retry after it.
var ErrAuthRejected = errors.New("ws: authentication rejected")

// ErrClientClosed is returned by requests after Close or after the
// reconnect budget is exhausted.
var ErrClientClosed = errors.New("ws: client closed")

// ClientConfig configures the connection manager.
type ClientConfig struct {
	URL    string
	Token  string
	Logger *slog.Logger

	// Backoff is the reconnect delay strategy; defaults to the standard
	// exponential policy.
	Backoff backoff.Strategy

	// MaxAttempts bounds consecutive failed reconnects before giving up
	// for good. Defaults to 10.
	MaxAttempts int

	// HeartbeatInterval is the ping cadence; defaults to 30s. A connection
	// missing two consecutive pongs is torn down and reconnected.
	HeartbeatInterval time.Duration

	// OnReconnect runs after each successful reconnect, once subscriptions
	// are re-established. Status reads belong here: events published while
	// the connection was down are gone, and only a reconciliation read
	// closes the gap.
	OnReconnect func()

	// OnStateChange observes lifecycle transitions.
	OnStateChange func(State)
}

// Client is the reconnecting WebSocket consumer of job status. It owns the
// connection lifecycle: auth handshake, heartbeats, backoff reconnects and
// resubscription.
type Client struct {
	cfg    ClientConfig
	logger *slog.Logger

	state  atomic.Int32
	closed atomic.Bool

	mu        sync.Mutex
	conn      net.Conn
	sessionID string
	gen       int // connection generation, guards stale loop exits

	pending sync.Map // frame id → chan *Frame

	subsMu sync.Mutex
	subs   map[string]chan hub.Event // channel → event stream

	lastPong atomic.Int64
	wake     chan struct{}
}

// Dial connects, authenticates, and starts the manager loops.
func Dial(ctx context.Context, cfg ClientConfig) (*Client, error) {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Backoff == nil {
		cfg.Backoff = backoff.DefaultReconnect()
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 10
	}
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = 30 * time.Second
	}

	c := &Client{
		cfg:    cfg,
		logger: cfg.Logger,
		subs:   make(map[string]chan hub.Event),
		wake:   make(chan struct{}, 1),
	}

	if err := c.connect(ctx); err != nil {
		return nil, err
	}
	go c.run()
	return c, nil
}

// State returns the current lifecycle state.
func (c *Client) State() State { return State(c.state.Load()) }

// SessionID returns the session assigned by the server on the current
// connection.
func (c *Client) SessionID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sessionID
}

func (c *Client) setState(s State) {
	if c.state.Swap(int32(s)) == int32(s) {
		return
	}
	if c.cfg.OnStateChange != nil {
		c.cfg.OnStateChange(s)
	}
}

// connect performs one dial + auth handshake attempt.
func (c *Client) connect(ctx context.Context) error {
	c.setState(StateConnecting)

	conn, _, _, err := ws.Dial(ctx, c.cfg.URL)
	if err != nil {
		return fmt.Errorf("websocket dial: %w", err)
	}

	authFrame, err := NewRequestFrame(MethodAuth, AuthRequest{Token: c.cfg.Token})
	if err != nil {
		_ = conn.Close()
		return err
	}
	data, err := json.Marshal(authFrame)
	if err != nil {
		_ = conn.Close()
		return err
	}
	if err := wsutil.WriteClientText(conn, data); err != nil {
		_ = conn.Close()
		return fmt.Errorf("write auth frame: %w", err)
	}

	_ = conn.SetReadDeadline(time.Now().Add(authReadTimeout))
	respData, err := wsutil.ReadServerText(conn)
	_ = conn.SetReadDeadline(time.Time{})
	if err != nil {
		_ = conn.Close()
		// A 4401 close during the handshake is the server's auth verdict.
		var closeErr wsutil.ClosedError
		if errors.As(err, &closeErr) && closeErr.Code == ws.StatusCode(CloseAuthRejected) {
			return ErrAuthRejected
		}
		return fmt.Errorf("read auth response: %w", err)
	}

	var resp Frame
	if err := json.Unmarshal(respData, &resp); err != nil {
		_ = conn.Close()
		return fmt.Errorf("unmarshal auth response: %w", err)
	}
	if resp.Type == FrameErr {
		_ = conn.Close()
		if resp.Error != nil && resp.Error.Code == ErrCodeUnauthorized {
			return ErrAuthRejected
		}
		msg := "unknown error"
		if resp.Error != nil {
			msg = resp.Error.Message
		}
		return fmt.Errorf("auth failed: %s", msg)
	}

	var authResp AuthResponse
	if len(resp.Data) > 0 {
		if err := json.Unmarshal(resp.Data, &authResp); err != nil {
			c.logger.Warn("failed to decode auth response", slog.String("error", err.Error()))
		}
	}

	c.mu.Lock()
	c.conn = conn
	c.sessionID = authResp.SessionID
	c.gen++
	gen := c.gen
	c.mu.Unlock()

	c.lastPong.Store(time.Now().UnixNano())
	c.setState(StateConnected)

	go c.readLoop(conn, gen)
	go c.heartbeatLoop(conn, gen)

	c.logger.Info("websocket client connected",
		slog.String("session_id", authResp.SessionID),
		slog.String("account", authResp.Account),
	)
	return nil
}

// run owns reconnection. It sleeps until a read loop reports a dead
// connection, then walks the backoff schedule. Auth rejection and an
// exhausted attempt budget both end the manager for good.
func (c *Client) run() {
	for range c.wake {
		if c.closed.Load() {
			return
		}
		c.setState(StateConnecting)

		var reconnected bool
		for attempt := 1; attempt <= c.cfg.MaxAttempts; attempt++ {
			delay := c.cfg.Backoff.Delay(attempt)
			c.logger.Info("reconnecting",
				slog.Int("attempt", attempt),
				slog.Int("max_attempts", c.cfg.MaxAttempts),
				slog.Duration("delay", delay),
			)
			time.Sleep(delay)

			if c.closed.Load() {
				return
			}

			err := c.connect(context.Background())
			if err == nil {
				c.resubscribe()
				if c.cfg.OnReconnect != nil {
					c.cfg.OnReconnect()
				}
				reconnected = true
				break
			}
			if errors.Is(err, ErrAuthRejected) {
				c.logger.Error("credentials rejected, giving up")
				c.shutdown()
				return
			}
			c.logger.Warn("reconnect failed", slog.String("error", err.Error()))
		}

		if !reconnected {
			c.logger.Error("reconnect budget exhausted, giving up",
				slog.Int("max_attempts", c.cfg.MaxAttempts),
			)
			c.shutdown()
			return
		}
	}
}

// notifyDisconnect wakes the reconnect loop once per connection loss.
func (c *Client) notifyDisconnect(gen int) {
	c.mu.Lock()
	stale := gen != c.gen
	c.mu.Unlock()
	if stale || c.closed.Load() {
		return
	}
	select {
	case c.wake <- struct{}{}:
	default:
	}
}

func (c *Client) readLoop(conn net.Conn, gen int) {
	defer conn.Close()
	for {
		data, err := wsutil.ReadServerText(conn)
		if err != nil {
			if !c.closed.Load() {
				c.logger.Warn("connection lost", slog.String("error", err.Error()))
			}
			c.notifyDisconnect(gen)
			return
		}

		var frame Frame
		if err := json.Unmarshal(data, &frame); err != nil {
			c.logger.Warn("invalid frame from server", slog.String("error", err.Error()))
			continue
		}

		switch frame.Type {
		case FrameResponse, FrameErr:
			if val, ok := c.pending.Load(frame.CorrelID); ok {
				ch := val.(chan *Frame)
				select {
				case ch <- &frame:
				default:
				}
			}
		case FrameEvent:
			c.deliverEvent(&frame)
		case FramePong:
			c.lastPong.Store(time.Now().UnixNano())
		}
	}
}

func (c *Client) deliverEvent(frame *Frame) {
	c.subsMu.Lock()
	ch, ok := c.subs[frame.Channel]
	c.subsMu.Unlock()
	if !ok {
		return
	}
	var evt hub.Event
	if err := json.Unmarshal(frame.Data, &evt); err != nil {
		c.logger.Warn("invalid event payload", slog.String("error", err.Error()))
		return
	}
	select {
	case ch <- evt:
	default:
		// Slow consumer; the reconciliation read covers the gap.
	}
}

// heartbeatLoop pings on a fixed cadence and tears the connection down
// when two intervals pass without a pong.
func (c *Client) heartbeatLoop(conn net.Conn, gen int) {
	ticker := time.NewTicker(c.cfg.HeartbeatInterval)
	defer ticker.Stop()

	for range ticker.C {
		c.mu.Lock()
		stale := gen != c.gen
		c.mu.Unlock()
		if stale || c.closed.Load() {
			return
		}

		silence := time.Since(time.Unix(0, c.lastPong.Load()))
		if silence > 2*c.cfg.HeartbeatInterval {
			c.logger.Warn("heartbeat silence, dropping connection",
				slog.Duration("silence", silence),
			)
			_ = conn.Close()
			return
		}

		ping := &Frame{ID: NewFrameID(), Type: FramePing, Timestamp: time.Now().UTC()}
		if err := c.writeFrame(conn, ping); err != nil {
			return
		}
	}
}

func (c *Client) writeFrame(conn net.Conn, frame *Frame) error {
	data, err := json.Marshal(frame)
	if err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return wsutil.WriteClientText(conn, data)
}

// request sends a request frame on the current connection and waits for
// the correlated response.
func (c *Client) request(ctx context.Context, method string, data any) (*Frame, error) {
	if c.closed.Load() || c.State() == StateDisconnected {
		return nil, ErrClientClosed
	}
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return nil, ErrClientClosed
	}

	frame, err := NewRequestFrame(method, data)
	if err != nil {
		return nil, err
	}

	respCh := make(chan *Frame, 1)
	c.pending.Store(frame.ID, respCh)
	defer c.pending.Delete(frame.ID)

	if err := c.writeFrame(conn, frame); err != nil {
		return nil, err
	}

	select {
	case resp := <-respCh:
		if resp.Type == FrameErr {
			return nil, responseError(resp)
		}
		return resp, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func responseError(frame *Frame) error {
	if frame.Error == nil {
		return errors.New("ws: unknown server error")
	}
	return fmt.Errorf("ws: server error %d: %s", frame.Error.Code, frame.Error.Message)
}

// Subscribe opens an event stream for a channel (JobChannel(id) or
// ChannelMyJobs). Events published before this call are not replayed;
// follow every subscribe with a status read to catch up.
func (c *Client) Subscribe(ctx context.Context, channel string) (<-chan hub.Event, error) {
	c.subsMu.Lock()
	if ch, ok := c.subs[channel]; ok {
		c.subsMu.Unlock()
		return ch, nil
	}
	ch := make(chan hub.Event, outgoingBuffer)
	c.subs[channel] = ch
	c.subsMu.Unlock()

	if _, err := c.request(ctx, MethodSubscribe, SubscribeRequest{Channel: channel}); err != nil {
		c.subsMu.Lock()
		delete(c.subs, channel)
		c.subsMu.Unlock()
		close(ch)
		return nil, err
	}
	return ch, nil
}

// Unsubscribe tears the channel down on both ends.
func (c *Client) Unsubscribe(ctx context.Context, channel string) error {
	c.subsMu.Lock()
	ch, ok := c.subs[channel]
	delete(c.subs, channel)
	c.subsMu.Unlock()
	if ok {
		close(ch)
	}
	_, err := c.request(ctx, MethodUnsubscribe, UnsubscribeRequest{Channel: channel})
	return err
}

// resubscribe re-establishes every tracked subscription on a fresh
// connection. The streams keep their identity across reconnects.
func (c *Client) resubscribe() {
	c.subsMu.Lock()
	channels := make([]string, 0, len(c.subs))
	for channel := range c.subs {
		channels = append(channels, channel)
	}
	c.subsMu.Unlock()

	for _, channel := range channels {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		_, err := c.request(ctx, MethodSubscribe, SubscribeRequest{Channel: channel})
		cancel()
		if err != nil {
			c.logger.Warn("failed to resubscribe",
				slog.String("channel", channel),
				slog.String("error", err.Error()),
			)
		}
	}
}

func (c *Client) shutdown() {
	c.setState(StateDisconnected)
	c.subsMu.Lock()
	for channel, ch := range c.subs {
		close(ch)
		delete(c.subs, channel)
	}
	c.subsMu.Unlock()
}

// Close permanently stops the manager and releases the connection.
func (c *Client) Close() error {
	if c.closed.Swap(true) {
		return nil
	}
	c.shutdown()

	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()

	// Unblock the reconnect loop so it can observe closed and exit.
	select {
	case c.wake <- struct{}{}:
	default:
	}

	if conn != nil {
		return conn.Close()
	}
	return nil
}
