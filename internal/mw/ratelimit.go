package mw

import (
	"net"
	"strings"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"golang.org/x/time/rate"
)

type bucket struct {
	lim      *rate.Limiter
	lastSeen time.Time
}

// limiterPool 按 key 维护令牌桶，闲置的桶由后台定期回收。
type limiterPool struct {
	mu      sync.Mutex
	buckets map[string]*bucket
	r       rate.Limit
	burst   int
	ttl     time.Duration
	stop    chan struct{}
}

func newLimiterPool(r rate.Limit, burst int, ttl time.Duration) *limiterPool {
	return &limiterPool{buckets: make(map[string]*bucket), r: r, burst: burst, ttl: ttl, stop: make(chan struct{})}
}

func (p *limiterPool) allow(key string) bool {
	p.mu.Lock()
	b, ok := p.buckets[key]
	if !ok {
		b = &bucket{lim: rate.NewLimiter(p.r, p.burst)}
		p.buckets[key] = b
	}
	b.lastSeen = time.Now()
	p.mu.Unlock()
	return b.lim.Allow()
}

func (p *limiterPool) gc() {
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-p.stop:
			return
		case <-ticker.C:
			now := time.Now()
			p.mu.Lock()
			for k, b := range p.buckets {
				if now.Sub(b.lastSeen) > p.ttl {
					delete(p.buckets, k)
				}
			}
			p.mu.Unlock()
		}
	}
}

// Stop 停止回收 goroutine，用于优雅停服。
func (p *limiterPool) Stop() {
	select {
	case <-p.stop:
	default:
		close(p.stop)
	}
}

// RateLimit 基于 IP+路径的令牌桶限速。
// 凭证类端点（登录/注册/刷新）用更小的专属桶抵御暴力尝试；
// websocket 握手与静态媒体不计入限速。
func RateLimit(r rate.Limit, burst int) gin.HandlerFunc {
	general := newLimiterPool(r, burst, 2*time.Minute)
	credential := newLimiterPool(rate.Every(time.Second), 10, 10*time.Minute)
	go general.gc()
	go credential.gc()
	return func(c *gin.Context) {
		path := c.FullPath()
		if path == "" {
			path = c.Request.URL.Path
		}
		if path == "/ws" || strings.HasPrefix(path, "/media") {
			c.Next()
			return
		}
		ip := clientIP(c.Request.RemoteAddr)
		pool := general
		if strings.HasPrefix(path, "/api/v1/auth/") {
			pool = credential
		}
		if !pool.allow(ip + "|" + path) {
			c.AbortWithStatusJSON(429, gin.H{"error": "too many requests"})
			return
		}
		c.Next()
	}
}

func clientIP(remote string) string {
	host, _, err := net.SplitHostPort(remote)
	if err != nil {
		return remote
	}
	return host
}
