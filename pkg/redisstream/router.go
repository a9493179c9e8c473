// Package redisstream builds watermill publishers and subscribers over Redis
// Streams for the live channel.
package redisstream

import (
	"context"
	"strings"

	rstream "github.com/ThreeDotsLabs/watermill-redisstream/pkg/redisstream"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"

	"github.com/go-go-golems/chatsync/pkg/config"
	"github.com/go-go-golems/chatsync/pkg/logging"
)

// Transport is a publisher/subscriber pair sharing one redis client.
type Transport struct {
	Client     redis.UniversalClient
	Publisher  message.Publisher
	Subscriber message.Subscriber
}

// Build connects to redis and creates the notification subscriber and the
// outbound publisher. Reading starts at the stream tail so a fresh client does
// not replay old notifications; history comes from the snapshot instead.
func Build(ctx context.Context, s config.RedisSettings) (*Transport, error) {
	client := redis.NewClient(&redis.Options{Addr: s.Addr})
	return BuildWithClient(ctx, client, s)
}

func BuildWithClient(ctx context.Context, client redis.UniversalClient, s config.RedisSettings) (*Transport, error) {
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, errors.Wrapf(err, "redis ping %s", s.Addr)
	}
	if s.Group != "" {
		if err := EnsureGroupAtTail(ctx, client, s.NotifyStream, s.Group); err != nil {
			_ = client.Close()
			return nil, err
		}
	}

	marshaler := rstream.DefaultMarshallerUnmarshaller{}
	logger := logging.NewWatermillLogger(log.Logger)

	pub, err := rstream.NewPublisher(rstream.PublisherConfig{
		Client:     client,
		Marshaller: marshaler,
	}, logger)
	if err != nil {
		_ = client.Close()
		return nil, errors.Wrap(err, "redis publisher")
	}

	sub, err := rstream.NewSubscriber(subscriberConfig(client, marshaler, s), logger)
	if err != nil {
		_ = pub.Close()
		_ = client.Close()
		return nil, errors.Wrap(err, "redis subscriber")
	}

	return &Transport{Client: client, Publisher: pub, Subscriber: sub}, nil
}

// subscriberConfig reads with plain XREAD when no group is configured, so
// every client sees every notification. A group splits entries between its
// consumers; each client then gets its own consumer name unless one is set.
func subscriberConfig(client redis.UniversalClient, u rstream.Unmarshaller, s config.RedisSettings) rstream.SubscriberConfig {
	cfg := rstream.SubscriberConfig{
		Client:       client,
		Unmarshaller: u,
	}
	if s.Group == "" {
		return cfg
	}
	cfg.ConsumerGroup = s.Group
	cfg.Consumer = s.Consumer
	if cfg.Consumer == "" {
		cfg.Consumer = "chatsync-" + uuid.NewString()
	}
	return cfg
}

// Close releases the subscriber, publisher and client in that order.
func (t *Transport) Close() error {
	var first error
	for _, c := range []interface{ Close() error }{t.Subscriber, t.Publisher, t.Client} {
		if c == nil {
			continue
		}
		if err := c.Close(); err != nil && first == nil {
			first = err
		}
	}
	return first
}

// EnsureGroupAtTail creates the consumer group for a stream at $ if it does
// not exist yet.
func EnsureGroupAtTail(ctx context.Context, client redis.UniversalClient, stream, group string) error {
	err := client.XGroupCreateMkStream(ctx, stream, group, "$").Err()
	if err != nil {
		if strings.Contains(err.Error(), "BUSYGROUP") {
			return nil
		}
		return errors.Wrapf(err, "create consumer group %s on %s", group, stream)
	}
	log.Info().Str("component", "redisstream").Str("stream", stream).Str("group", group).Msg("created redis consumer group at $ (tail)")
	return nil
}
