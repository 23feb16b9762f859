package middleware

import (
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"golang.org/x/time/rate"
)

const limiterIdle = 10 * time.Minute

type bucket struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// RateLimit applies a token bucket per client IP: r requests per second with
// burst b. Buckets idle for ten minutes are dropped on a later request.
func RateLimit(r rate.Limit, b int) gin.HandlerFunc {
	var (
		mu        sync.Mutex
		buckets   = make(map[string]*bucket)
		lastSweep = time.Now()
	)
	allow := func(ip string, now time.Time) bool {
		mu.Lock()
		defer mu.Unlock()
		if now.Sub(lastSweep) > limiterIdle {
			for k, bk := range buckets {
				if now.Sub(bk.lastSeen) > limiterIdle {
					delete(buckets, k)
				}
			}
			lastSweep = now
		}
		bk, ok := buckets[ip]
		if !ok {
			bk = &bucket{limiter: rate.NewLimiter(r, b)}
			buckets[ip] = bk
		}
		bk.lastSeen = now
		return bk.limiter.AllowN(now, 1)
	}

	return func(c *gin.Context) {
		if !allow(c.ClientIP(), time.Now()) {
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{"error": "rate limit exceeded"})
			return
		}
		c.Next()
	}
}
