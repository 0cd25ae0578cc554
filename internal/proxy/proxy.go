package proxy

import (
	"context"
	"crypto/x509"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/pshima/kproxy/internal/logger"
	"github.com/pshima/kproxy/pkg/certificates"
)

// RuntimeConfig is the part of the configuration the proxy reads per request.
// Host and Port are only read by Start.
type RuntimeConfig struct {
	Host         string
	Port         int
	MitmDomains  []string
	DeviceID     string
	LogRequests  bool
	ProductToken string
}

// LeafSource mints or looks up the leaf certificate presented for hostname.
type LeafSource interface {
	GenerateLeaf(hostname string) (*certificates.LeafCertificate, error)
}

// DialFunc opens outbound connections for tunnels, origins and plain HTTP.
type DialFunc func(ctx context.Context, network, addr string) (net.Conn, error)

// Option configures a Server.
type Option func(*Server)

// WithObserver delivers events to o.
func WithObserver(o Observer) Option {
	return func(s *Server) {
		if o != nil {
			s.observer = o
		}
	}
}

// WithOriginRootCAs sets the trust anchors used to verify origins instead of
// the system pool.
func WithOriginRootCAs(pool *x509.CertPool) Option {
	return func(s *Server) {
		s.rootCAs = pool
	}
}

// WithDialer replaces the outbound dialer.
func WithDialer(dial DialFunc) Option {
	return func(s *Server) {
		if dial != nil {
			s.dial = dial
		}
	}
}

// Server represents the proxy server
type Server struct {
	logger   logger.Logger
	leaves   LeafSource
	observer Observer
	rootCAs  *x509.CertPool
	dial     DialFunc
	client   *http.Client

	cfgMu    sync.RWMutex
	cfg      RuntimeConfig
	rewriter *Rewriter

	mu       sync.RWMutex
	listener net.Listener
	server   *http.Server

	sessionsMu sync.RWMutex
	sessions   map[string]*Session

	stats stats
}

// Session represents one accepted CONNECT or plain HTTP request.
type Session struct {
	ID        string
	StartTime time.Time
	ClientIP  string
	Host      string
	Port      int
	Mitm      bool
}

// New creates a new proxy server instance
func New(cfg RuntimeConfig, leaves LeafSource, log logger.Logger, opts ...Option) *Server {
	if log == nil {
		log = logger.NewNop()
	}

	s := &Server{
		logger:   log,
		leaves:   leaves,
		observer: nopObserver{},
		dial:     (&net.Dialer{}).DialContext,
		sessions: make(map[string]*Session),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.setConfig(cfg)

	s.client = &http.Client{
		Transport: &http.Transport{
			Proxy:               nil,
			DialContext:         s.dial,
			TLSClientConfig:     s.originTLSConfig(""),
			MaxIdleConnsPerHost: 4,
		},
		CheckRedirect: func(req *http.Request, via []*http.Request) error {
			// Don't follow redirects - let the client handle them
			return http.ErrUseLastResponse
		},
	}

	return s
}

// Start binds the listener and serves in the background. Bind failures are
// returned as *StartupError. Starting a running server is a no-op.
func (s *Server) Start() error {
	s.mu.Lock()

	if s.server != nil {
		s.mu.Unlock()
		return nil
	}

	cfg := s.Config()
	addr := net.JoinHostPort(cfg.Host, strconv.Itoa(cfg.Port))

	listener, err := net.Listen("tcp", addr)
	if err != nil {
		s.mu.Unlock()
		s.logger.Error("Failed to start proxy listener", "addr", addr, "error", err, "code", "004")
		return &StartupError{Addr: addr, Err: err}
	}

	server := &http.Server{Handler: s.createHandler()}
	s.listener = listener
	s.server = server
	s.stats.markStarted(time.Now())
	s.mu.Unlock()

	go func() {
		if err := server.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("Server error", "error", err, "code", "005")
			s.emit(ErrorRaised{Err: err})
		}
	}()

	// Observers may call back into the server.
	s.logger.Info("Proxy server started", "addr", listener.Addr().String())
	s.emit(StatusChanged{Running: true, Port: listenerPort(listener)})

	return nil
}

// Stop closes the listener and waits for in-flight plain HTTP requests until
// ctx expires. Hijacked CONNECT sessions are left to finish on their own.
func (s *Server) Stop(ctx context.Context) error {
	s.mu.Lock()
	server, listener := s.server, s.listener
	s.server, s.listener = nil, nil
	s.mu.Unlock()

	if server == nil {
		return nil
	}

	port := listenerPort(listener)
	s.logger.Info("Shutting down proxy server")

	err := server.Shutdown(ctx)
	if err != nil {
		s.logger.Error("Shutdown error", "error", err, "code", "006")
	}

	s.emit(StatusChanged{Running: false, Port: port})
	return err
}

// IsRunning reports whether the listener is bound.
func (s *Server) IsRunning() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.server != nil
}

// Addr returns the bound listener address, or "" when stopped.
func (s *Server) Addr() string {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.listener != nil {
		return s.listener.Addr().String()
	}
	return ""
}

// Config returns a copy of the runtime configuration.
func (s *Server) Config() RuntimeConfig {
	s.cfgMu.RLock()
	defer s.cfgMu.RUnlock()
	cfg := s.cfg
	cfg.MitmDomains = append([]string(nil), s.cfg.MitmDomains...)
	return cfg
}

// UpdateConfig swaps the runtime configuration. Sessions already past their
// routing decision keep the values they started with. Host and Port take
// effect on the next Start.
func (s *Server) UpdateConfig(cfg RuntimeConfig) {
	s.setConfig(cfg)
}

func (s *Server) setConfig(cfg RuntimeConfig) {
	cfg.MitmDomains = append([]string(nil), cfg.MitmDomains...)
	if cfg.ProductToken == "" {
		cfg.ProductToken = DefaultProductToken
	}

	s.cfgMu.Lock()
	defer s.cfgMu.Unlock()
	if s.rewriter == nil || s.rewriter.ProductToken() != cfg.ProductToken {
		s.rewriter = NewRewriter(cfg.ProductToken)
	}
	s.cfg = cfg
}

func (s *Server) current() (RuntimeConfig, *Rewriter) {
	s.cfgMu.RLock()
	defer s.cfgMu.RUnlock()
	return s.cfg, s.rewriter
}

// ShouldMitm reports whether hostname contains any allowlist entry, and
// returns the first entry that matched.
func (s *Server) ShouldMitm(hostname string) (bool, string) {
	cfg, _ := s.current()
	return matchDomain(cfg.MitmDomains, hostname)
}

func matchDomain(domains []string, hostname string) (bool, string) {
	for _, domain := range domains {
		if domain != "" && strings.Contains(hostname, domain) {
			return true, domain
		}
	}
	return false, ""
}

// Stats returns a snapshot of the request counters.
func (s *Server) Stats() StatsSnapshot {
	return s.stats.snapshot()
}

// ResetStats zeroes the counters. The start time is kept.
func (s *Server) ResetStats() {
	s.stats.reset()
}

// ActiveSessions returns the sessions currently in progress, oldest first.
func (s *Server) ActiveSessions() []Session {
	s.sessionsMu.RLock()
	defer s.sessionsMu.RUnlock()

	sessions := make([]Session, 0, len(s.sessions))
	for _, session := range s.sessions {
		sessions = append(sessions, *session)
	}
	sort.Slice(sessions, func(i, j int) bool { return sessions[i].StartTime.Before(sessions[j].StartTime) })
	return sessions
}

func (s *Server) openSession(r *http.Request, host string, port int, mitm bool) *Session {
	clientIP, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		clientIP = r.RemoteAddr
	}

	session := &Session{
		ID:        uuid.NewString(),
		StartTime: time.Now(),
		ClientIP:  clientIP,
		Host:      host,
		Port:      port,
		Mitm:      mitm,
	}

	s.sessionsMu.Lock()
	s.sessions[session.ID] = session
	s.sessionsMu.Unlock()

	return session
}

func (s *Server) closeSession(session *Session) {
	s.sessionsMu.Lock()
	delete(s.sessions, session.ID)
	s.sessionsMu.Unlock()
}

func (s *Server) emit(e Event) {
	s.observer.OnEvent(e)
}

// createHandler creates the HTTP handler for the proxy
func (s *Server) createHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		s.logger.Debug("Incoming request",
			"method", r.Method,
			"url", r.URL.String(),
			"remote", r.RemoteAddr,
			"host", r.Host,
		)

		// Handle CONNECT method for HTTPS tunneling
		if r.Method == http.MethodConnect {
			s.handleConnect(w, r)
			return
		}

		// Handle regular HTTP requests
		s.handleHTTP(w, r)
	})
}

// handleHTTP forwards a plain HTTP request unmodified. It always counts as a
// bypass request.
func (s *Server) handleHTTP(w http.ResponseWriter, r *http.Request) {
	startTime := time.Now()
	s.stats.recordRequest(false, startTime)

	targetURL := buildTargetURL(r)
	if targetURL == nil {
		s.logger.Error("Failed to build target URL", "original_url", r.URL.String(), "code", "007")
		http.Error(w, "Invalid request URL", http.StatusBadRequest)
		return
	}

	host := targetURL.Hostname()
	port, _ := strconv.Atoi(targetURL.Port())
	session := s.openSession(r, host, port, false)
	defer s.closeSession(session)

	cfg, _ := s.current()
	if cfg.LogRequests {
		s.logger.Info("HTTP request", "method", r.Method, "url", targetURL.String(), "remote", r.RemoteAddr)
	}

	s.emit(RequestObserved{Info: RequestInfo{
		Timestamp: startTime,
		Method:    r.Method,
		Host:      host,
		Path:      targetURL.RequestURI(),
	}})

	proxyReq, err := s.createProxyRequest(r, targetURL)
	if err != nil {
		s.logger.Error("Failed to create proxy request", "error", err, "code", "008")
		http.Error(w, "Failed to create proxy request", http.StatusInternalServerError)
		return
	}

	resp, err := s.client.Do(proxyReq)
	if err != nil {
		s.logger.Error("Failed to forward request", "error", err, "target", targetURL.String(), "code", "009")
		s.emit(ErrorRaised{Err: &TransportError{Side: SideOrigin, Host: host, Op: "forward", Err: err}})
		http.Error(w, "Bad Gateway", http.StatusBadGateway)
		return
	}
	defer resp.Body.Close()

	copyHeaders(w.Header(), resp.Header)
	w.WriteHeader(resp.StatusCode)

	if _, err := io.Copy(w, resp.Body); err != nil {
		s.logger.Error("Failed to write response", "error", err, "code", "010")
	}

	s.emit(ResponseObserved{
		Timestamp:  time.Now(),
		Host:       host,
		StatusCode: resp.StatusCode,
		Duration:   time.Since(startTime),
	})
}

// buildTargetURL constructs the target URL for the proxy request
func buildTargetURL(r *http.Request) *url.URL {
	// For proxy requests, the URL should be absolute
	if r.URL.IsAbs() {
		return r.URL
	}

	host := r.Host
	if host == "" {
		return nil
	}

	return &url.URL{
		Scheme:   "http",
		Host:     host,
		Path:     r.URL.Path,
		RawQuery: r.URL.RawQuery,
	}
}

// createProxyRequest creates a new HTTP request to forward to the target. The
// body is streamed.
func (s *Server) createProxyRequest(originalReq *http.Request, targetURL *url.URL) (*http.Request, error) {
	req, err := http.NewRequestWithContext(originalReq.Context(), originalReq.Method, targetURL.String(), originalReq.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to create new request: %w", err)
	}

	// Copy headers, skipping hop-by-hop headers
	copyHeaders(req.Header, originalReq.Header)
	req.ContentLength = originalReq.ContentLength

	// Remove proxy-specific headers
	req.Header.Del("Proxy-Connection")
	req.Header.Del("Proxy-Authorization")

	// Set Via header to indicate proxy
	via := req.Header.Get("Via")
	if via != "" {
		via += ", "
	}
	via += "1.1 kproxy"
	req.Header.Set("Via", via)

	return req, nil
}

// Hop-by-hop headers as defined in RFC 7230
var hopByHopHeaders = map[string]bool{
	"Connection":          true,
	"Keep-Alive":          true,
	"Proxy-Authenticate":  true,
	"Proxy-Authorization": true,
	"Te":                  true,
	"Trailer":             true,
	"Transfer-Encoding":   true,
	"Upgrade":             true,
}

// copyHeaders copies HTTP headers, excluding hop-by-hop headers and any
// header named in Connection.
func copyHeaders(dst, src http.Header) {
	connectionScoped := make(map[string]bool)
	for _, value := range src.Values("Connection") {
		for _, name := range strings.Split(value, ",") {
			if name = strings.TrimSpace(name); name != "" {
				connectionScoped[http.CanonicalHeaderKey(name)] = true
			}
		}
	}

	for name, values := range src {
		if hopByHopHeaders[name] || connectionScoped[name] {
			continue
		}
		for _, value := range values {
			dst.Add(name, value)
		}
	}
}

func listenerPort(l net.Listener) int {
	if l == nil {
		return 0
	}
	if addr, ok := l.Addr().(*net.TCPAddr); ok {
		return addr.Port
	}
	return 0
}
