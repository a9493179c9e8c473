package livechannel

import (
	"context"
	"encoding/json"
	"io"
	"sync"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/rs/zerolog/log"

	"github.com/go-go-golems/chatsync/pkg/chaterrors"
)

// WatermillChannel is a Channel backed by a watermill subscriber for
// notifications and a publisher for announcements. The channel counts as open
// while its subscription is live.
type WatermillChannel struct {
	subscriber    message.Subscriber
	publisher     message.Publisher
	notifyTopic   string
	outboundTopic string
	closers       []io.Closer

	events chan Event

	mu      sync.Mutex
	open    bool
	started bool
	closed  bool
	cancel  context.CancelFunc
	done    chan struct{}
}

var _ Channel = (*WatermillChannel)(nil)

type WatermillOption func(*WatermillChannel)

// WithClosers registers resources closed after the channel stops, such as
// the client the subscriber and publisher share.
func WithClosers(cs ...io.Closer) WatermillOption {
	return func(c *WatermillChannel) {
		c.closers = append(c.closers, cs...)
	}
}

func NewWatermillChannel(sub message.Subscriber, pub message.Publisher, notifyTopic, outboundTopic string, opts ...WatermillOption) *WatermillChannel {
	c := &WatermillChannel{
		subscriber:    sub,
		publisher:     pub,
		notifyTopic:   notifyTopic,
		outboundTopic: outboundTopic,
		events:        make(chan Event),
		done:          make(chan struct{}),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (c *WatermillChannel) Events() <-chan Event { return c.events }

func (c *WatermillChannel) Start(ctx context.Context) error {
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
	go c.consume(runCtx)
	return nil
}

func (c *WatermillChannel) consume(ctx context.Context) {
	defer close(c.done)
	defer close(c.events)

	ch, err := c.subscriber.Subscribe(ctx, c.notifyTopic)
	if err != nil {
		log.Error().Err(err).Str("component", "livechannel").Str("topic", c.notifyTopic).Msg("subscribe failed")
		c.emit(ctx, Event{Kind: Closed, Err: err})
		return
	}
	c.setOpen(true)
	log.Info().Str("component", "livechannel").Str("topic", c.notifyTopic).Msg("subscription started")
	if !c.emit(ctx, Event{Kind: Opened}) {
		c.setOpen(false)
		return
	}

	for msg := range ch {
		n, err := ParseNotification(msg.Payload)
		if err != nil {
			log.Warn().Err(err).Str("component", "livechannel").Str("topic", c.notifyTopic).Str("xid", extractStreamID(msg)).Msg("treating undecodable notification as refresh")
			n = Notification{}
		}
		if !c.emit(ctx, Event{Kind: Notified, Notification: n}) {
			// not acked, redelivered to the next consumer in the group
			msg.Nack()
			break
		}
		msg.Ack()
	}

	c.setOpen(false)
	log.Info().Str("component", "livechannel").Str("topic", c.notifyTopic).Msg("subscription stopped")
	if ctx.Err() == nil {
		c.emit(ctx, Event{Kind: Closed})
	}
}

func (c *WatermillChannel) emit(ctx context.Context, ev Event) bool {
	select {
	case <-ctx.Done():
		return false
	case c.events <- ev:
		return true
	}
}

func (c *WatermillChannel) setOpen(v bool) {
	c.mu.Lock()
	c.open = v
	c.mu.Unlock()
}

func (c *WatermillChannel) Send(ctx context.Context, out Outbound) error {
	c.mu.Lock()
	open := c.open && !c.closed
	c.mu.Unlock()
	if !open {
		return &chaterrors.SendError{Reason: "channel not open"}
	}
	if c.publisher == nil || c.outboundTopic == "" {
		return &chaterrors.SendError{Reason: "no outbound topic"}
	}
	b, err := json.Marshal(out)
	if err != nil {
		return &chaterrors.SendError{Reason: "encode", Err: err}
	}
	msg := message.NewMessage(watermill.NewUUID(), b)
	if ctx != nil {
		msg.SetContext(ctx)
	}
	if err := c.publisher.Publish(c.outboundTopic, msg); err != nil {
		return &chaterrors.SendError{Reason: "publish", Err: err}
	}
	return nil
}

func (c *WatermillChannel) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.open = false
	started := c.started
	cancel := c.cancel
	c.mu.Unlock()

	if started {
		cancel()
		<-c.done
	} else {
		close(c.events)
	}

	for _, cl := range c.closers {
		if err := cl.Close(); err != nil {
			log.Warn().Err(err).Str("component", "livechannel").Msg("close failed")
		}
	}
	return nil
}

func extractStreamID(msg *message.Message) string {
	if msg == nil || msg.Metadata == nil {
		return ""
	}
	for _, k := range []string{"xid", "redis_xid"} {
		if v := msg.Metadata.Get(k); v != "" {
			return v
		}
	}
	return ""
}
