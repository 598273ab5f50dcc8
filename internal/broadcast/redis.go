package broadcast

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

// RedisChannel implements Channel on Redis Pub/Sub. Messages published while
// a tab is not subscribed are lost.
type RedisChannel struct {
	client *redis.Client
	name   string
	source string
	log    zerolog.Logger
	now    func() time.Time
}

func NewRedisChannel(client *redis.Client, name string, source string, log zerolog.Logger) *RedisChannel {
	return &RedisChannel{
		client: client,
		name:   name,
		source: source,
		log:    log.With().Str("channel", name).Str("tab_id", source).Logger(),
		now:    time.Now,
	}
}

func (c *RedisChannel) BroadcastLogout(ctx context.Context) error {
	payload, err := json.Marshal(NewLogoutMessage(c.source, c.now()))
	if err != nil {
		return fmt.Errorf("encode message: %w", err)
	}
	if err := c.client.Publish(ctx, c.name, payload).Err(); err != nil {
		return fmt.Errorf("publish %s: %w", c.name, err)
	}
	return nil
}

// Subscribe returns once the subscription is confirmed by the server. The
// handler runs on a single goroutine in arrival order.
func (c *RedisChannel) Subscribe(ctx context.Context, onLogout func()) (func(), error) {
	ps := c.client.Subscribe(ctx, c.name)
	if _, err := ps.Receive(ctx); err != nil {
		_ = ps.Close()
		return nil, fmt.Errorf("subscribe %s: %w", c.name, err)
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		for msg := range ps.Channel() {
			c.dispatch(msg.Payload, onLogout)
		}
	}()

	var once sync.Once
	return func() {
		once.Do(func() {
			if err := ps.Close(); err != nil {
				c.log.Warn().Err(err).Msg("unsubscribe failed")
			}
			<-done
		})
	}, nil
}

func (c *RedisChannel) dispatch(payload string, onLogout func()) {
	var msg Message
	if err := json.Unmarshal([]byte(payload), &msg); err != nil {
		c.log.Warn().Err(err).Msg("dropping undecodable message")
		return
	}
	if msg.Type != TypeForceLogout {
		c.log.Debug().Str("type", msg.Type).Msg("ignoring message")
		return
	}
	if msg.Source != "" && msg.Source == c.source {
		return
	}

	c.log.Info().
		Str("from", msg.Source).
		Int64("timestamp", msg.Timestamp).
		Msg("force logout received")
	onLogout()
}
