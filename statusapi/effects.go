package statusapi

import (
	"io"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/kasuganosora/guidegame/client/cache"
	"go.uber.org/zap"
)

// EffectsHandler relays the effects published by sink.PubSubSink to HTTP
// clients as server-sent events.
type EffectsHandler struct {
	pubsub    cache.PubSub
	channel   string
	keepalive time.Duration
	logger    *zap.Logger
}

// NewEffectsHandler creates an EffectsHandler for channel.
func NewEffectsHandler(ps cache.PubSub, channel string, logger *zap.Logger) *EffectsHandler {
	return &EffectsHandler{pubsub: ps, channel: channel, keepalive: 30 * time.Second, logger: logger}
}

// Serve GET /effects
func (h *EffectsHandler) Serve(c *gin.Context) {
	ctx := c.Request.Context()
	msgs, unsub, err := h.pubsub.Subscribe(ctx, h.channel)
	if err != nil {
		h.logger.Error("effects subscribe failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "subscribe failed"})
		return
	}
	defer unsub()

	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")
	c.Header("X-Accel-Buffering", "no")
	c.SSEvent("connected", "{}")
	c.Writer.Flush()

	ticker := time.NewTicker(h.keepalive)
	defer ticker.Stop()

	c.Stream(func(w io.Writer) bool {
		select {
		case msg, ok := <-msgs:
			if !ok {
				return false
			}
			c.SSEvent("effect", msg.Payload)
			return true
		case <-ticker.C:
			_, err := io.WriteString(w, ": keepalive\n\n")
			return err == nil
		case <-ctx.Done():
			return false
		}
	})
}
