package middleware

import (
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"streamqos/pkg/config"
	"streamqos/pkg/errors"

	"github.com/gin-gonic/gin"
	"go.uber.org/atomic"
	"golang.org/x/time/rate"
)

// rateLimiterStore stores per-key (for example, per IP) rate limiters.
type rateLimiterStore struct {
	mu        sync.Mutex
	limiters  map[string]*rate.Limiter
	rate      rate.Limit
	burstSize int
}

func newRateLimiterStore(r rate.Limit, burst int) *rateLimiterStore {
	return &rateLimiterStore{
		limiters:  make(map[string]*rate.Limiter),
		rate:      r,
		burstSize: burst,
	}
}

func (s *rateLimiterStore) getLimiter(key string) *rate.Limiter {
	s.mu.Lock()
	defer s.mu.Unlock()

	limiter, exists := s.limiters[key]
	if !exists {
		limiter = rate.NewLimiter(s.rate, s.burstSize)
		s.limiters[key] = limiter
	}
	return limiter
}

// clientIP extracts the client address, preferring the first X-Forwarded-For hop.
func clientIP(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		first := strings.TrimSpace(strings.Split(xff, ",")[0])
		if ip := net.ParseIP(first); ip != nil {
			return ip.String()
		}
	}

	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// NewHTTPRateLimitMiddleware returns Gin middleware that applies simple IP-based rate limiting.
func NewHTTPRateLimitMiddleware(cfg *config.Config) gin.HandlerFunc {
	if !cfg.RateLimiting.Enabled {
		return func(c *gin.Context) {
			c.Next()
		}
	}

	store := newRateLimiterStore(rate.Limit(cfg.RateLimiting.HTTP.RequestsPerSecond), cfg.RateLimiting.HTTP.Burst)

	var globalSem chan struct{}
	if cfg.RateLimiting.HTTP.MaxConcurrent > 0 {
		globalSem = make(chan struct{}, cfg.RateLimiting.HTTP.MaxConcurrent)
	}

	return func(c *gin.Context) {
		if globalSem != nil {
			select {
			case globalSem <- struct{}{}:
				defer func() { <-globalSem }()
			default:
				abortWithAppError(c, errors.NewServiceUnavailableError("too many concurrent requests"))
				return
			}
		}

		if !store.getLimiter(clientIP(c.Request)).Allow() {
			abortWithAppError(c, errors.NewRateLimitError().WithContext("retry_after_ms", time.Second.Milliseconds()))
			return
		}
		c.Next()
	}
}

func abortWithAppError(c *gin.Context, appErr *errors.AppError) {
	c.AbortWithStatusJSON(appErr.HTTPStatus, gin.H{
		"error":   string(appErr.Code),
		"message": appErr.Message,
		"details": appErr.Context,
	})
}

// WebSocketLimiter guards the telemetry socket: new connections per client
// IP per minute, concurrent connections, and a per-connection message rate.
type WebSocketLimiter struct {
	enabled        bool
	connections    *rateLimiterStore
	maxConcurrent  int64
	active         atomic.Int64
	messagesPerSec rate.Limit
	messageBurst   int
	MaxMessageSize int64
}

func NewWebSocketLimiter(cfg *config.Config) *WebSocketLimiter {
	ws := cfg.RateLimiting.WebSocket
	l := &WebSocketLimiter{
		enabled:        cfg.RateLimiting.Enabled,
		maxConcurrent:  int64(ws.MaxConcurrent),
		messagesPerSec: rate.Limit(ws.MessagesPerSecond),
		messageBurst:   ws.Burst,
		MaxMessageSize: ws.MaxMessageSizeBytes,
	}
	if l.enabled && ws.ConnectionsPerMinute > 0 {
		l.connections = newRateLimiterStore(rate.Every(time.Minute/time.Duration(ws.ConnectionsPerMinute)), ws.ConnectionsPerMinute)
	}
	return l
}

// Acquire admits a new connection. The returned release func must be called
// when the connection closes.
func (l *WebSocketLimiter) Acquire(r *http.Request) (release func(), appErr *errors.AppError) {
	if !l.enabled {
		return func() {}, nil
	}
	if l.connections != nil && !l.connections.getLimiter(clientIP(r)).Allow() {
		return nil, errors.NewRateLimitError()
	}
	if n := l.active.Inc(); l.maxConcurrent > 0 && n > l.maxConcurrent {
		l.active.Dec()
		return nil, errors.NewServiceUnavailableError("too many concurrent connections")
	}
	return func() { l.active.Dec() }, nil
}

// MessageLimiter returns a limiter for one connection, or nil when message
// rate limiting is disabled.
func (l *WebSocketLimiter) MessageLimiter() *rate.Limiter {
	if !l.enabled || l.messagesPerSec <= 0 {
		return nil
	}
	return rate.NewLimiter(l.messagesPerSec, l.messageBurst)
}

func (l *WebSocketLimiter) Active() int64 {
	return l.active.Load()
}
