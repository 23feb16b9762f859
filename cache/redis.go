package cache

import (
	"context"
	"time"

	"github.com/cockroachdb/errors"
	goredis "github.com/redis/go-redis/v9"
)

// Redis is the shared backend. One client serves both keys and channels.
type Redis struct {
	client *goredis.Client
	buf    int
}

// NewRedis connects and pings the server.
func NewRedis(cfg Config) (*Redis, error) {
	client := goredis.NewClient(&goredis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, errors.Wrapf(err, "redis ping %s", cfg.RedisAddr)
	}
	return &Redis{client: client, buf: cfg.SubscriberBuffer}, nil
}

func (r *Redis) Get(ctx context.Context, key string) (string, error) {
	v, err := r.client.Get(ctx, key).Result()
	if errors.Is(err, goredis.Nil) {
		return "", ErrNotFound
	}
	return v, errors.Wrapf(err, "redis get %s", key)
}

func (r *Redis) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	if ttl < 0 {
		ttl = 0
	}
	return errors.Wrapf(r.client.Set(ctx, key, value, ttl).Err(), "redis set %s", key)
}

func (r *Redis) Del(ctx context.Context, keys ...string) error {
	return r.client.Del(ctx, keys...).Err()
}

func (r *Redis) Exists(ctx context.Context, key string) (bool, error) {
	n, err := r.client.Exists(ctx, key).Result()
	return n > 0, err
}

func (r *Redis) Publish(ctx context.Context, channel, message string) error {
	return r.client.Publish(ctx, channel, message).Err()
}

func (r *Redis) Subscribe(ctx context.Context, channels ...string) (<-chan *Message, func(), error) {
	ps := r.client.Subscribe(ctx, channels...)
	// Wait for the confirmation so nothing published afterwards is missed.
	if _, err := ps.Receive(ctx); err != nil {
		_ = ps.Close()
		return nil, nil, errors.Wrap(err, "redis subscribe")
	}

	out := make(chan *Message, r.buf)
	go func() {
		defer close(out)
		for msg := range ps.Channel() {
			select {
			case out <- &Message{Channel: msg.Channel, Payload: msg.Payload}:
			default:
			}
		}
	}()

	cancel := func() { _ = ps.Close() }
	stop := context.AfterFunc(ctx, cancel)
	return out, func() { stop(); cancel() }, nil
}

func (r *Redis) Close() error {
	return r.client.Close()
}
