package client

import (
	"context"
	"time"

	"github.com/kasuganosora/guidegame/client/cache"
	"github.com/kasuganosora/guidegame/client/store"
	"github.com/vmihailenco/msgpack/v5"
	"go.uber.org/zap"
)

const persistTimeout = 2 * time.Second

// SessionKey is the cache key of a user's persisted session.
func SessionKey(userID string) string { return "guide:session:" + userID }

// restore runs before the event loop starts.
func (c *Client) restore() {
	if c.cache == nil || c.user.ID == "" {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), persistTimeout)
	defer cancel()

	raw, err := c.cache.Get(ctx, SessionKey(c.user.ID))
	if cache.IsNotFound(err) {
		return
	}
	if err != nil {
		c.logger.Warn("load persisted session failed", zap.Error(err))
		return
	}
	var p store.Persisted
	if err := msgpack.Unmarshal([]byte(raw), &p); err != nil {
		c.logger.Warn("decode persisted session failed", zap.Error(err))
		return
	}
	if p.UserID != c.user.ID {
		return
	}
	c.store.Restore(p)
	c.saved = c.store.Persisted()
	c.saved.UserID = c.user.ID
}

// persist hands the session to the persister when the ids changed. It runs
// on the event loop and never blocks.
func (c *Client) persist() {
	if c.cache == nil || c.user.ID == "" {
		return
	}
	p := c.store.Persisted()
	p.UserID = c.user.ID
	if p.UserID == c.saved.UserID && p.TeamID == c.saved.TeamID && p.GameID == c.saved.GameID {
		return
	}
	c.saved = p
	p.SavedAt = time.Now()
	// Latest wins: replace a value the persister has not picked up yet.
	select {
	case <-c.persistCh:
	default:
	}
	c.persistCh <- p
}

func (c *Client) persister() {
	defer c.persistWG.Done()
	for p := range c.persistCh {
		data, err := msgpack.Marshal(&p)
		if err != nil {
			c.logger.Error("encode session failed", zap.Error(err))
			continue
		}
		ctx, cancel := context.WithTimeout(context.Background(), persistTimeout)
		err = c.cache.Set(ctx, SessionKey(p.UserID), string(data), c.cfg.SessionTTL)
		cancel()
		if err != nil {
			c.logger.Warn("persist session failed", zap.Error(err))
			continue
		}
		c.logger.Debug("session persisted",
			zap.String("team_id", p.TeamID),
			zap.String("game_id", p.GameID))
	}
}
