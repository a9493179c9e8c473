package redisstream

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	rstream "github.com/ThreeDotsLabs/watermill-redisstream/pkg/redisstream"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"

	"github.com/go-go-golems/chatsync/pkg/config"
)

// Needs a real redis; set CHATSYNC_TEST_REDIS_ADDR to run.
func redisSettings(t *testing.T) config.RedisSettings {
	t.Helper()
	addr := os.Getenv("CHATSYNC_TEST_REDIS_ADDR")
	if addr == "" {
		t.Skip("CHATSYNC_TEST_REDIS_ADDR not set")
	}
	suffix := watermill.NewShortUUID()
	return config.RedisSettings{
		Addr:           addr,
		NotifyStream:   "chatsync.test.notify." + suffix,
		OutboundStream: "chatsync.test.outbound." + suffix,
		Group:          "chatsync-test",
		Consumer:       "c1",
	}
}

func TestEnsureGroupAtTailIsIdempotent(t *testing.T) {
	s := redisSettings(t)
	ctx := context.Background()
	client := redis.NewClient(&redis.Options{Addr: s.Addr})
	defer func() { _ = client.Close() }()
	defer client.Del(ctx, s.NotifyStream)

	require.NoError(t, EnsureGroupAtTail(ctx, client, s.NotifyStream, s.Group))
	require.NoError(t, EnsureGroupAtTail(ctx, client, s.NotifyStream, s.Group))
}

func TestBuildRoundTrip(t *testing.T) {
	s := redisSettings(t)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	tr, err := Build(ctx, s)
	require.NoError(t, err)
	defer func() { _ = tr.Close() }()
	defer tr.Client.Del(context.Background(), s.NotifyStream)

	ch, err := tr.Subscriber.Subscribe(ctx, s.NotifyStream)
	require.NoError(t, err)
	require.NoError(t, tr.Publisher.Publish(s.NotifyStream, message.NewMessage(watermill.NewUUID(), []byte(`{"author":"a","text":"b"}`))))

	select {
	case msg := <-ch:
		require.JSONEq(t, `{"author":"a","text":"b"}`, string(msg.Payload))
		msg.Ack()
	case <-ctx.Done():
		t.Fatal("no message received")
	}
}

func TestBuildFailsWithoutRedis(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	_, err := Build(ctx, config.RedisSettings{Addr: "127.0.0.1:1", NotifyStream: "x", Group: "g", Consumer: "c"})
	require.Error(t, err)
}

func TestSubscriberConfigFansOutWithoutGroup(t *testing.T) {
	u := rstream.DefaultMarshallerUnmarshaller{}
	cfg := subscriberConfig(nil, u, config.Default().Live.Redis)
	require.Empty(t, cfg.ConsumerGroup)
	require.Empty(t, cfg.Consumer)

	s := config.RedisSettings{NotifyStream: "n", Group: "workers"}
	a := subscriberConfig(nil, u, s)
	b := subscriberConfig(nil, u, s)
	require.Equal(t, "workers", a.ConsumerGroup)
	require.NotEmpty(t, a.Consumer)
	require.NotEqual(t, a.Consumer, b.Consumer)

	s.Consumer = "fixed"
	require.Equal(t, "fixed", subscriberConfig(nil, u, s).Consumer)
}

func TestBuildEveryClientSeesEveryNotification(t *testing.T) {
	s := redisSettings(t)
	s.Group, s.Consumer = "", ""
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	var subs []<-chan *message.Message
	var pub message.Publisher
	for i := 0; i < 2; i++ {
		tr, err := Build(ctx, s)
		require.NoError(t, err)
		defer func() { _ = tr.Close() }()
		ch, err := tr.Subscriber.Subscribe(ctx, s.NotifyStream)
		require.NoError(t, err)
		subs = append(subs, ch)
		pub = tr.Publisher
	}
	defer func() {
		c := redis.NewClient(&redis.Options{Addr: s.Addr})
		c.Del(context.Background(), s.NotifyStream)
		_ = c.Close()
	}()

	// reading starts at the tail, so publish until both readers are attached
	got := make([]bool, len(subs))
	require.Eventually(t, func() bool {
		_ = pub.Publish(s.NotifyStream, message.NewMessage(watermill.NewUUID(), []byte(`{}`)))
		for i, ch := range subs {
			select {
			case msg := <-ch:
				msg.Ack()
				got[i] = true
			case <-time.After(20 * time.Millisecond):
			}
		}
		return got[0] && got[1]
	}, 8*time.Second, 50*time.Millisecond)
}
