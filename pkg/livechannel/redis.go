package livechannel

import (
	"context"

	"github.com/go-go-golems/chatsync/pkg/config"
	"github.com/go-go-golems/chatsync/pkg/redisstream"
)

// NewRedisChannel returns a live channel over Redis Streams. Notifications are
// read from s.NotifyStream through the consumer group; announcements go to
// s.OutboundStream.
func NewRedisChannel(ctx context.Context, s config.RedisSettings) (*WatermillChannel, error) {
	tr, err := redisstream.Build(ctx, s)
	if err != nil {
		return nil, err
	}
	return NewWatermillChannel(tr.Subscriber, tr.Publisher, s.NotifyStream, s.OutboundStream, WithClosers(tr)), nil
}
