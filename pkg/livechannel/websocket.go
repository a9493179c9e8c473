package livechannel

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"github.com/go-go-golems/chatsync/pkg/chaterrors"
)

const defaultWriteTimeout = 5 * time.Second

// ReconnectPolicy controls automatic reconnection. Delays grow exponentially
// from InitialInterval and never exceed MaxInterval.
type ReconnectPolicy struct {
	Enabled         bool
	InitialInterval time.Duration
	MaxInterval     time.Duration
	// MaxAttempts of 0 retries forever.
	MaxAttempts int
}

// WSChannel is a Channel over a gorilla websocket. A single loop owns the
// connection, so at most one connection exists at a time.
type WSChannel struct {
	url          string
	header       http.Header
	dialer       *websocket.Dialer
	reconnect    ReconnectPolicy
	writeTimeout time.Duration

	events chan Event

	mu      sync.Mutex
	conn    *websocket.Conn
	started bool
	closed  bool
	cancel  context.CancelFunc
	done    chan struct{}

	writeMu sync.Mutex
}

var _ Channel = (*WSChannel)(nil)

type WSOption func(*WSChannel)

func WithDialer(d *websocket.Dialer) WSOption {
	return func(c *WSChannel) {
		if d != nil {
			c.dialer = d
		}
	}
}

func WithHeader(h http.Header) WSOption {
	return func(c *WSChannel) {
		c.header = h
	}
}

func WithReconnect(p ReconnectPolicy) WSOption {
	return func(c *WSChannel) {
		c.reconnect = p
	}
}

func WithWriteTimeout(d time.Duration) WSOption {
	return func(c *WSChannel) {
		c.writeTimeout = d
	}
}

func NewWSChannel(url string, opts ...WSOption) *WSChannel {
	c := &WSChannel{
		url:          url,
		dialer:       websocket.DefaultDialer,
		writeTimeout: defaultWriteTimeout,
		events:       make(chan Event),
		done:         make(chan struct{}),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (c *WSChannel) Events() <-chan Event { return c.events }

func (c *WSChannel) Start(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return ErrChannelClosed
	}
	if c.started {
		return ErrAlreadyStarted
	}
	if ctx == nil {
		ctx = context.Background()
	}
	runCtx, cancel := context.WithCancel(ctx)
	c.cancel = cancel
	c.started = true
	go c.run(runCtx)
	return nil
}

func (c *WSChannel) run(ctx context.Context) {
	defer close(c.done)
	defer close(c.events)

	bo := newBackOff(c.reconnect)
	// reported is set once Closed went out for the current outage; failed
	// redials stay silent until the channel opens again or gives up.
	reported := false
	lost := func(err error) bool {
		d, retry := c.retryDelay(bo)
		if !reported || !retry {
			if !c.emit(ctx, Event{Kind: Closed, Err: err, Retrying: retry}) {
				return false
			}
			reported = true
		}
		if !retry {
			return false
		}
		return sleep(ctx, d)
	}

	for {
		conn, _, err := c.dialer.DialContext(ctx, c.url, c.header)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			log.Warn().Err(err).Str("component", "livechannel").Str("url", c.url).Msg("websocket dial failed")
			if !lost(err) {
				return
			}
			continue
		}

		bo.Reset()
		reported = false
		c.setConn(conn)
		log.Info().Str("component", "livechannel").Str("url", c.url).Msg("websocket connected")
		if !c.emit(ctx, Event{Kind: Opened}) {
			c.dropConn(conn)
			return
		}

		err = c.readLoop(ctx, conn)
		c.dropConn(conn)
		if ctx.Err() != nil {
			return
		}
		log.Info().Err(err).Str("component", "livechannel").Str("url", c.url).Msg("websocket disconnected")
		if !lost(err) {
			return
		}
	}
}

func (c *WSChannel) readLoop(ctx context.Context, conn *websocket.Conn) error {
	stop := context.AfterFunc(ctx, func() { _ = conn.Close() })
	defer stop()
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return err
		}
		n, err := ParseNotification(data)
		if err != nil {
			// an unreadable frame still means something changed
			log.Warn().Err(err).Str("component", "livechannel").Msg("treating undecodable notification as refresh")
			n = Notification{}
		}
		if !c.emit(ctx, Event{Kind: Notified, Notification: n}) {
			return ctx.Err()
		}
	}
}

// retryDelay returns the next reconnect delay. It reports false when
// reconnecting is disabled or attempts are exhausted.
func (c *WSChannel) retryDelay(bo backoff.BackOff) (time.Duration, bool) {
	if !c.reconnect.Enabled {
		return 0, false
	}
	d, ok := nextDelay(bo, c.reconnect.MaxInterval)
	if !ok {
		log.Warn().Str("component", "livechannel").Str("url", c.url).Int("max_attempts", c.reconnect.MaxAttempts).Msg("giving up reconnecting")
	}
	return d, ok
}

func sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}

func (c *WSChannel) emit(ctx context.Context, ev Event) bool {
	select {
	case <-ctx.Done():
		return false
	case c.events <- ev:
		return true
	}
}

func (c *WSChannel) setConn(conn *websocket.Conn) {
	c.mu.Lock()
	c.conn = conn
	c.mu.Unlock()
}

func (c *WSChannel) dropConn(conn *websocket.Conn) {
	c.mu.Lock()
	if c.conn == conn {
		c.conn = nil
	}
	c.mu.Unlock()
	_ = conn.Close()
}

func (c *WSChannel) Send(ctx context.Context, out Outbound) error {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return &chaterrors.SendError{Reason: "channel not open"}
	}
	b, err := json.Marshal(out)
	if err != nil {
		return &chaterrors.SendError{Reason: "encode", Err: err}
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	deadline := time.Now().Add(c.writeTimeout)
	if ctx != nil {
		if dl, ok := ctx.Deadline(); ok && dl.Before(deadline) {
			deadline = dl
		}
	}
	_ = conn.SetWriteDeadline(deadline)
	if err := conn.WriteMessage(websocket.TextMessage, b); err != nil {
		return &chaterrors.SendError{Reason: "write", Err: err}
	}
	return nil
}

// Close tears the channel down and waits for the connection loop to exit.
func (c *WSChannel) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	started := c.started
	cancel := c.cancel
	conn := c.conn
	c.mu.Unlock()

	if !started {
		close(c.events)
		return nil
	}
	if conn != nil {
		msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
		if err := conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second)); err != nil {
			log.Debug().Err(err).Str("component", "livechannel").Msg("websocket close frame not sent")
		}
	}
	cancel()
	<-c.done
	return nil
}

func newBackOff(p ReconnectPolicy) backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	if p.InitialInterval > 0 {
		b.InitialInterval = p.InitialInterval
	}
	if p.MaxInterval > 0 {
		b.MaxInterval = p.MaxInterval
	}
	b.MaxElapsedTime = 0
	b.Reset()
	if p.MaxAttempts > 0 {
		return backoff.WithMaxRetries(b, uint64(p.MaxAttempts))
	}
	return b
}

// nextDelay clamps the randomized backoff to max.
func nextDelay(bo backoff.BackOff, max time.Duration) (time.Duration, bool) {
	d := bo.NextBackOff()
	if d == backoff.Stop {
		return 0, false
	}
	if max > 0 && d > max {
		d = max
	}
	return d, true
}
