package cmd

import (
	"github.com/cockroachdb/errors"
	"github.com/kasuganosora/guidegame/client/cache"
	"github.com/kasuganosora/guidegame/client/config"
	"go.uber.org/zap"
)

func newLogger(debug bool) (*zap.Logger, error) {
	if debug {
		return zap.NewDevelopment()
	}
	return zap.NewProduction()
}

func openCache(cfg config.CacheConfig) (cache.Backend, error) {
	b, err := cache.Open(cache.Config{
		RedisAddr:        cfg.RedisAddr,
		RedisPassword:    cfg.RedisPassword,
		RedisDB:          cfg.RedisDB,
		GCInterval:       cfg.LocalGCInterval,
		SubscriberBuffer: cfg.LocalPubSubBuf,
	})
	return b, errors.Wrap(err, "cache")
}
