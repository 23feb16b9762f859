// Package cache holds the credential and the persisted session between runs
// and carries the effects feed. Redis is used when configured so several
// processes can share them; otherwise everything stays in process.
package cache

import (
	"context"
	"time"

	"github.com/cockroachdb/errors"
)

// ErrNotFound is returned by Get when the key does not exist or has expired.
var ErrNotFound = errors.New("cache: key not found")

// Cache defines the key/value operations. A ttl <= 0 means no expiry.
type Cache interface {
	Get(ctx context.Context, key string) (string, error)
	Set(ctx context.Context, key string, value string, ttl time.Duration) error
	Del(ctx context.Context, keys ...string) error
	Exists(ctx context.Context, key string) (bool, error)
	Close() error
}

// Message is a received pub/sub message.
type Message struct {
	Channel string
	Payload string
}

// PubSub defines channel publish/subscribe operations. The returned channel
// is closed by the cancel func, by ctx ending or by closing the backend.
type PubSub interface {
	Publish(ctx context.Context, channel, message string) error
	Subscribe(ctx context.Context, channels ...string) (<-chan *Message, func(), error)
}

// Backend is a Cache and a PubSub sharing one connection.
type Backend interface {
	Cache
	PubSub
}

// Config selects and tunes the backend.
type Config struct {
	RedisAddr     string
	RedisPassword string
	RedisDB       int
	// GCInterval is how often the in-process backend sweeps expired keys.
	GCInterval time.Duration
	// SubscriberBuffer bounds each subscriber's queue; a full queue drops.
	SubscriberBuffer int
}

// IsNotFound reports whether err means the key does not exist.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}

// Open returns a Redis backend when RedisAddr is set, otherwise an
// in-process one.
func Open(cfg Config) (Backend, error) {
	if cfg.SubscriberBuffer <= 0 {
		cfg.SubscriberBuffer = 256
	}
	if cfg.RedisAddr != "" {
		r, err := NewRedis(cfg)
		if err != nil {
			return nil, err
		}
		return r, nil
	}
	if cfg.GCInterval <= 0 {
		cfg.GCInterval = 30 * time.Second
	}
	return NewMemory(cfg.GCInterval, cfg.SubscriberBuffer), nil
}
