package middleware

import (
	"net/http"
	"strings"
	"sync"
	"time"

	"ledgerflow/internal/config"
	appmetrics "ledgerflow/internal/metrics"

	"github.com/gin-gonic/gin"
	"golang.org/x/time/rate"
)

// maxClientLimiters caps the number of tracked client keys.
const maxClientLimiters = 10000

type limiterEntry struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// clientLimiters 按客户端 key 保存限流器，空闲的限流器会被回收
type clientLimiters struct {
	mu        sync.Mutex
	entries   map[string]*limiterEntry
	limit     rate.Limit
	burst     int
	maxKeys   int
	idleTTL   time.Duration
	lastSweep time.Time
	now       func() time.Time
}

func newClientLimiters(rpm, burst int) *clientLimiters {
	if rpm <= 0 {
		rpm = 60
	}
	if burst <= 0 {
		burst = rpm
	}
	limit := rate.Limit(float64(rpm) / 60.0)
	// 空闲超过补满时间的限流器与新建的等价，可以安全回收
	idle := time.Duration(float64(burst) / float64(limit) * float64(time.Second))
	if idle < time.Minute {
		idle = time.Minute
	}
	return &clientLimiters{
		entries: make(map[string]*limiterEntry),
		limit:   limit,
		burst:   burst,
		maxKeys: maxClientLimiters,
		idleTTL: idle,
		now:     time.Now,
	}
}

func (l *clientLimiters) allow(key string) bool {
	l.mu.Lock()
	now := l.now()
	if now.Sub(l.lastSweep) >= l.idleTTL {
		l.sweep(now)
	}
	e, ok := l.entries[key]
	if !ok {
		if len(l.entries) >= l.maxKeys {
			l.sweep(now)
			if len(l.entries) >= l.maxKeys {
				l.evictOldest()
			}
		}
		e = &limiterEntry{limiter: rate.NewLimiter(l.limit, l.burst)}
		l.entries[key] = e
	}
	e.lastSeen = now
	limiter := e.limiter
	l.mu.Unlock()

	return limiter.AllowN(now, 1)
}

// sweep drops limiters idle for longer than idleTTL. Caller holds mu.
func (l *clientLimiters) sweep(now time.Time) {
	for key, e := range l.entries {
		if now.Sub(e.lastSeen) >= l.idleTTL {
			delete(l.entries, key)
		}
	}
	l.lastSweep = now
}

// evictOldest drops the least recently seen limiter. Caller holds mu.
func (l *clientLimiters) evictOldest() {
	var (
		oldestKey string
		oldest    time.Time
	)
	for key, e := range l.entries {
		if oldestKey == "" || e.lastSeen.Before(oldest) {
			oldestKey, oldest = key, e.lastSeen
		}
	}
	delete(l.entries, oldestKey)
}

func (l *clientLimiters) size() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.entries)
}

// IngressRateLimit 对外部事件与 webhook 入口按客户端限流，未启用时直接放行
func IngressRateLimit(rl config.RateLimitingConfig) gin.HandlerFunc {
	if !rl.Enabled || rl.RequestsPerMinute <= 0 {
		return func(c *gin.Context) { c.Next() }
	}
	return ingressRateLimit(rl, newClientLimiters(rl.RequestsPerMinute, rl.Burst))
}

func ingressRateLimit(rl config.RateLimitingConfig, limiters *clientLimiters) gin.HandlerFunc {
	return func(c *gin.Context) {
		ip := c.ClientIP()
		for _, allowed := range rl.WhitelistIPs {
			if ip == allowed {
				c.Next()
				return
			}
		}

		if !limiters.allow(clientKey(c, rl.KeyHeader)) {
			route := c.FullPath()
			if route == "" {
				route = c.Request.URL.Path
			}
			appmetrics.IncRateLimitDrop(route)
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{
				"error":   "Too Many Requests",
				"message": "rate limit exceeded",
			})
			return
		}
		c.Next()
	}
}

func clientKey(c *gin.Context, header string) string {
	if header != "" {
		if v := c.GetHeader(header); v != "" {
			if strings.EqualFold(header, "X-Forwarded-For") {
				v, _, _ = strings.Cut(v, ",")
			}
			return strings.TrimSpace(v)
		}
	}
	if ip := c.ClientIP(); ip != "" {
		return ip
	}
	return "unknown"
}
