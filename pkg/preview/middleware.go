package preview

import (
	"net"
	"net/http"
	"strings"
	"sync"

	"github.com/cuemby/playpen/pkg/log"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"
)

// maxLimiters bounds the per-client limiter table
const maxLimiters = 10000

// Middleware applies access control, rate limiting and proxy headers
type Middleware struct {
	cfg    Config
	logger zerolog.Logger

	mu           sync.Mutex
	rateLimiters map[string]*rate.Limiter
}

// NewMiddleware creates a middleware for cfg
func NewMiddleware(cfg Config) *Middleware {
	return &Middleware{
		cfg:          cfg,
		logger:       log.WithComponent("preview"),
		rateLimiters: make(map[string]*rate.Limiter),
	}
}

// AddProxyHeaders adds the standard forwarding headers
func (m *Middleware) AddProxyHeaders(r *http.Request) {
	clientIP := getClientIP(r)

	if r.Header.Get("X-Real-IP") == "" {
		r.Header.Set("X-Real-IP", clientIP)
	}
	if r.Header.Get("X-Forwarded-Proto") == "" {
		proto := "http"
		if r.TLS != nil {
			proto = "https"
		}
		r.Header.Set("X-Forwarded-Proto", proto)
	}
}

// CheckRateLimit reports whether the client may make another request
func (m *Middleware) CheckRateLimit(r *http.Request) bool {
	if m.cfg.RequestsPerSecond <= 0 {
		return true
	}

	clientIP := getClientIP(r)

	m.mu.Lock()
	limiter, exists := m.rateLimiters[clientIP]
	if !exists {
		if len(m.rateLimiters) >= maxLimiters {
			m.rateLimiters = make(map[string]*rate.Limiter)
		}
		burst := m.cfg.Burst
		if burst <= 0 {
			burst = 1
		}
		limiter = rate.NewLimiter(rate.Limit(m.cfg.RequestsPerSecond), burst)
		m.rateLimiters[clientIP] = limiter
	}
	m.mu.Unlock()

	allowed := limiter.Allow()
	if !allowed {
		m.logger.Warn().Str("client", clientIP).Msg("Rate limit exceeded")
	}
	return allowed
}

// CheckAccessControl checks the client against the allow and deny lists
func (m *Middleware) CheckAccessControl(r *http.Request) (bool, string) {
	if len(m.cfg.AllowedIPs) == 0 && len(m.cfg.DeniedIPs) == 0 {
		return true, ""
	}

	clientIP := getClientIP(r)
	ip := net.ParseIP(clientIP)
	if ip == nil {
		return false, "Invalid client IP"
	}

	for _, cidr := range m.cfg.DeniedIPs {
		if m.matchCIDR(ip, cidr) {
			m.logger.Warn().Str("client", clientIP).Str("rule", cidr).Msg("Access denied")
			return false, "Access denied by IP filter"
		}
	}

	if len(m.cfg.AllowedIPs) == 0 {
		return true, ""
	}
	for _, cidr := range m.cfg.AllowedIPs {
		if m.matchCIDR(ip, cidr) {
			return true, ""
		}
	}
	m.logger.Warn().Str("client", clientIP).Msg("Access denied, not in allow list")
	return false, "Access denied by IP filter"
}

// getClientIP extracts the client IP from the request
func getClientIP(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		parts := strings.Split(xff, ",")
		return strings.TrimSpace(parts[0])
	}
	if xri := r.Header.Get("X-Real-IP"); xri != "" {
		return xri
	}

	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// matchCIDR checks an IP against a CIDR range or a single address
func (m *Middleware) matchCIDR(ip net.IP, cidr string) bool {
	if !strings.Contains(cidr, "/") {
		parsed := net.ParseIP(cidr)
		return parsed != nil && ip.Equal(parsed)
	}

	_, ipNet, err := net.ParseCIDR(cidr)
	if err != nil {
		m.logger.Warn().Str("cidr", cidr).Msg("Invalid CIDR")
		return false
	}
	return ipNet.Contains(ip)
}
