package preview

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/http/httputil"
	"net/url"
	"sync"
	"time"

	"github.com/cuemby/playpen/pkg/log"
	"github.com/rs/zerolog"
)

// Config configures a Proxy
type Config struct {
	// Addr is the host address the preview is served on
	Addr string

	// RequestsPerSecond limits each client. Zero disables limiting.
	RequestsPerSecond float64
	Burst             int

	// AllowedIPs, when set, restricts clients to these IPs or CIDRs.
	// DeniedIPs take precedence.
	AllowedIPs []string
	DeniedIPs  []string
}

// Proxy serves the preview on a stable address and forwards to whichever dev
// server is currently ready. The address outlives dev server restarts.
type Proxy struct {
	cfg        Config
	middleware *Middleware
	logger     zerolog.Logger

	mu       sync.RWMutex
	target   *url.URL
	proxy    *httputil.ReverseProxy
	server   *http.Server
	listener net.Listener
}

// NewProxy creates a preview proxy. Nothing listens until Start.
func NewProxy(cfg Config) *Proxy {
	return &Proxy{
		cfg:        cfg,
		middleware: NewMiddleware(cfg),
		logger:     log.WithComponent("preview"),
	}
}

// Start begins serving on the configured address
func (p *Proxy) Start() error {
	listener, err := net.Listen("tcp", p.cfg.Addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", p.cfg.Addr, err)
	}

	server := &http.Server{
		Handler:           p,
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	p.mu.Lock()
	p.listener = listener
	p.server = server
	p.mu.Unlock()

	go func() {
		if err := server.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			p.logger.Error().Err(err).Msg("Preview server failed")
		}
	}()

	p.logger.Info().Str("addr", listener.Addr().String()).Msg("Preview proxy listening")
	return nil
}

// URL is where the preview can be reached, or empty before Start
func (p *Proxy) URL() string {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.listener == nil {
		return ""
	}
	return "http://" + p.listener.Addr().String()
}

// SetTarget points the preview at a ready dev server
func (p *Proxy) SetTarget(rawURL string) error {
	target, err := url.Parse(rawURL)
	if err != nil {
		return fmt.Errorf("invalid preview target %q: %w", rawURL, err)
	}
	if target.Scheme == "" || target.Host == "" {
		return fmt.Errorf("invalid preview target %q", rawURL)
	}

	proxy := httputil.NewSingleHostReverseProxy(target)
	director := proxy.Director
	proxy.Director = func(req *http.Request) {
		host := req.Host
		director(req)
		// Dev servers check the Host header against their own address
		req.Host = target.Host
		req.Header.Set("X-Forwarded-Host", host)
	}
	proxy.ErrorHandler = func(w http.ResponseWriter, r *http.Request, err error) {
		p.logger.Warn().Err(err).Str("target", target.String()).Msg("Preview request failed")
		http.Error(w, "Bad gateway", http.StatusBadGateway)
	}

	p.mu.Lock()
	p.target = target
	p.proxy = proxy
	p.mu.Unlock()

	p.logger.Info().Str("target", target.String()).Msg("Preview target set")
	return nil
}

// ClearTarget makes the preview answer 503 until a new target is set
func (p *Proxy) ClearTarget() {
	p.mu.Lock()
	p.target = nil
	p.proxy = nil
	p.mu.Unlock()
}

// Target returns the current dev server address, or empty
func (p *Proxy) Target() string {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.target == nil {
		return ""
	}
	return p.target.String()
}

func (p *Proxy) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if ok, reason := p.middleware.CheckAccessControl(r); !ok {
		http.Error(w, reason, http.StatusForbidden)
		return
	}
	if !p.middleware.CheckRateLimit(r) {
		http.Error(w, "Too many requests", http.StatusTooManyRequests)
		return
	}

	p.mu.RLock()
	proxy := p.proxy
	p.mu.RUnlock()

	if proxy == nil {
		w.Header().Set("Retry-After", "1")
		http.Error(w, "Dev server is not ready", http.StatusServiceUnavailable)
		return
	}

	p.middleware.AddProxyHeaders(r)
	proxy.ServeHTTP(w, r)
}

// Stop shuts the preview server down
func (p *Proxy) Stop(ctx context.Context) error {
	p.mu.RLock()
	server := p.server
	p.mu.RUnlock()

	if server == nil {
		return nil
	}
	return server.Shutdown(ctx)
}
