package eventbus

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/nixbuild/typhon/internal/logger"
)

// redisForwarder is the production Forwarder: it publishes every local
// Emit to a Redis channel and relays everything published there back
// into local subscribers, so a second API replica converges on the same
// event stream. Modeled directly on the teacher's redisSSEBus.
type redisForwarder struct {
	log     *logger.Logger
	rdb     *redis.Client
	channel string
}

// NewRedisForwarder dials addr and verifies connectivity before
// returning, exactly as the teacher's NewSSEBus does.
func NewRedisForwarder(baseLog *logger.Logger, addr, channel string) (Forwarder, error) {
	if addr == "" {
		return nil, fmt.Errorf("eventbus: redis address required")
	}
	if channel == "" {
		channel = "typhon-events"
	}
	rdb := redis.NewClient(&redis.Options{
		Addr:        addr,
		DialTimeout: 5 * time.Second,
	})
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("eventbus: redis ping: %w", err)
	}
	return &redisForwarder{
		log:     baseLog.With("component", "RedisEventForwarder"),
		rdb:     rdb,
		channel: channel,
	}, nil
}

func (f *redisForwarder) Publish(ctx context.Context, evt Event) error {
	raw, err := json.Marshal(evt)
	if err != nil {
		return err
	}
	return f.rdb.Publish(ctx, f.channel, raw).Err()
}

func (f *redisForwarder) StartForwarder(ctx context.Context, onEvent func(Event)) error {
	sub := f.rdb.Subscribe(ctx, f.channel)
	if _, err := sub.Receive(ctx); err != nil {
		_ = sub.Close()
		return fmt.Errorf("eventbus: redis subscribe: %w", err)
	}
	go func() {
		ch := sub.Channel()
		for {
			select {
			case <-ctx.Done():
				_ = sub.Close()
				return
			case m, ok := <-ch:
				if !ok || m == nil {
					_ = sub.Close()
					return
				}
				var evt Event
				if err := json.Unmarshal([]byte(m.Payload), &evt); err != nil {
					f.log.Warn("bad redis event payload", "error", err)
					continue
				}
				onEvent(evt)
			}
		}
	}()
	return nil
}

func (f *redisForwarder) Close() error {
	if f == nil || f.rdb == nil {
		return nil
	}
	return f.rdb.Close()
}
