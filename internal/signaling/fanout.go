package signaling

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"
)

// FanoutMessage is an event relayed between instances. Origin lets the
// publishing instance skip its own messages.
type FanoutMessage struct {
	Origin string `json:"origin"`
	Event  Event  `json:"event"`
}

type Fanout interface {
	Publish(ctx context.Context, msg FanoutMessage) error
	// Run delivers messages from other instances until ctx is done.
	Run(ctx context.Context, deliver func(FanoutMessage)) error
}

type RedisConfig struct {
	Addr         string
	DialTimeout  time.Duration
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	PingTimeout  time.Duration
}

func (c RedisConfig) withDefaults() RedisConfig {
	if c.DialTimeout == 0 {
		c.DialTimeout = 5 * time.Second
	}
	if c.ReadTimeout == 0 {
		c.ReadTimeout = 3 * time.Second
	}
	if c.WriteTimeout == 0 {
		c.WriteTimeout = 3 * time.Second
	}
	if c.PingTimeout == 0 {
		c.PingTimeout = 2 * time.Second
	}
	return c
}

// OpenRedis connects and verifies the server with PING.
func OpenRedis(ctx context.Context, cfg RedisConfig) (*redis.Client, error) {
	cfg = cfg.withDefaults()
	if cfg.Addr == "" {
		return nil, fmt.Errorf("redis addr is required")
	}
	rdb := redis.NewClient(&redis.Options{
		Addr:         cfg.Addr,
		DialTimeout:  cfg.DialTimeout,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
	})

	pingCtx, cancel := context.WithTimeout(ctx, cfg.PingTimeout)
	defer cancel()
	if err := rdb.Ping(pingCtx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("redis ping failed: %w", err)
	}
	return rdb, nil
}

// RedisFanout shares events over one Redis pub/sub channel.
type RedisFanout struct {
	rdb     *redis.Client
	channel string
	logger  *slog.Logger
}

func NewRedisFanout(rdb *redis.Client, channel string, logger *slog.Logger) *RedisFanout {
	if logger == nil {
		logger = slog.Default()
	}
	return &RedisFanout{rdb: rdb, channel: channel, logger: logger.With("component", "redis_fanout")}
}

func (f *RedisFanout) Publish(ctx context.Context, msg FanoutMessage) error {
	data, err := encodeFanout(msg)
	if err != nil {
		return err
	}
	return f.rdb.Publish(ctx, f.channel, data).Err()
}

func (f *RedisFanout) Run(ctx context.Context, deliver func(FanoutMessage)) error {
	sub := f.rdb.Subscribe(ctx, f.channel)
	defer sub.Close()

	if _, err := sub.Receive(ctx); err != nil {
		return fmt.Errorf("subscribe %s: %w", f.channel, err)
	}
	ch := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			return nil
		case m, ok := <-ch:
			if !ok {
				return nil
			}
			msg, err := decodeFanout([]byte(m.Payload))
			if err != nil {
				f.logger.Warn("fanout_message_invalid", "err", err)
				continue
			}
			deliver(msg)
		}
	}
}

func encodeFanout(msg FanoutMessage) ([]byte, error) {
	if msg.Origin == "" {
		return nil, fmt.Errorf("fanout message missing origin")
	}
	if err := msg.Event.Validate(); err != nil {
		return nil, err
	}
	return json.Marshal(msg)
}

func decodeFanout(data []byte) (FanoutMessage, error) {
	var msg FanoutMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		return FanoutMessage{}, err
	}
	if msg.Origin == "" {
		return FanoutMessage{}, fmt.Errorf("fanout message missing origin")
	}
	if err := msg.Event.Validate(); err != nil {
		return FanoutMessage{}, err
	}
	if msg.Event.To == "" {
		return FanoutMessage{}, fmt.Errorf("fanout event missing to")
	}
	return msg, nil
}
