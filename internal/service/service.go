package service

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/pshima/kproxy/internal/config"
	"github.com/pshima/kproxy/internal/logger"
	"github.com/pshima/kproxy/internal/proxy"
	"github.com/pshima/kproxy/pkg/certificates"
	"github.com/pshima/kproxy/pkg/deviceid"
)

// DeviceIDMapping ties an account to the device id sent on its behalf.
type DeviceIDMapping struct {
	AccountID   string    `json:"accountId" yaml:"accountId"`
	DeviceID    string    `json:"deviceId" yaml:"deviceId"`
	Description string    `json:"description,omitempty" yaml:"description,omitempty"`
	CreatedAt   time.Time `json:"createdAt" yaml:"createdAt"`
	LastUsedAt  time.Time `json:"lastUsedAt,omitempty" yaml:"lastUsedAt,omitempty"`
}

// Option configures a Service.
type Option func(*Service)

// WithObserver delivers proxy events to o.
func WithObserver(o proxy.Observer) Option {
	return func(s *Service) {
		s.observer = o
	}
}

// WithProxyOptions passes extra options to the proxy server when it is built.
func WithProxyOptions(opts ...proxy.Option) Option {
	return func(s *Service) {
		s.proxyOpts = append(s.proxyOpts, opts...)
	}
}

// WithAuthorityOptions passes extra options to the certificate authority.
func WithAuthorityOptions(opts ...certificates.AuthorityOption) Option {
	return func(s *Service) {
		s.authorityOpts = append(s.authorityOpts, opts...)
	}
}

// Service composes the certificate authority and the proxy server and owns
// the live configuration and the account table.
type Service struct {
	logger        logger.Logger
	observer      proxy.Observer
	proxyOpts     []proxy.Option
	authorityOpts []certificates.AuthorityOption
	now           func() time.Time

	mu        sync.Mutex
	cfg       *config.Config
	authority *certificates.Authority
	server    *proxy.Server
	caInfo    *certificates.CAInfo

	mappingsMu sync.RWMutex
	mappings   map[string]*DeviceIDMapping
}

// New creates a service for cfg. Nothing is initialized until Initialize,
// Start or Boot is called.
func New(cfg config.Config, log logger.Logger, opts ...Option) *Service {
	if log == nil {
		log = logger.NewNop()
	}

	s := &Service{
		logger:   log,
		now:      time.Now,
		cfg:      cfg.Clone(),
		mappings: make(map[string]*DeviceIDMapping),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Initialize loads or creates the root authority and builds the proxy
// server. Later calls return the cached CA info.
func (s *Service) Initialize() (*certificates.CAInfo, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.initializeLocked()
}

func (s *Service) initializeLocked() (*certificates.CAInfo, error) {
	if s.caInfo != nil {
		return s.caInfo, nil
	}

	authorityOpts := []certificates.AuthorityOption{
		certificates.WithCAPaths(s.cfg.CAPath, s.cfg.CAKeyPath),
		certificates.WithLogger(s.logger),
	}
	authorityOpts = append(authorityOpts, s.authorityOpts...)
	authority := certificates.NewAuthority(s.cfg.DataDir, authorityOpts...)

	info, err := authority.Initialize()
	if err != nil {
		s.logger.Error("Failed to initialize certificate authority", "error", err, "code", "020")
		return nil, err
	}

	proxyOpts := []proxy.Option{proxy.WithObserver(s.observer)}
	proxyOpts = append(proxyOpts, s.proxyOpts...)

	s.authority = authority
	s.server = proxy.New(runtimeConfig(s.cfg), authority, s.logger, proxyOpts...)
	s.caInfo = info

	s.logger.Info("Service initialized", "ca", info.CertPath, "fingerprint", info.Fingerprint)
	return info, nil
}

// Start initializes on first use and binds the listener.
func (s *Service) Start() error {
	s.mu.Lock()
	if _, err := s.initializeLocked(); err != nil {
		s.mu.Unlock()
		return err
	}
	server := s.server
	s.mu.Unlock()

	// The server emits events to observers that may call back into s.
	if err := server.Start(); err != nil {
		return err
	}

	s.mu.Lock()
	s.cfg.Enabled = true
	s.mu.Unlock()
	return nil
}

// Stop closes the listener. Sessions already relaying are left alone.
func (s *Service) Stop(ctx context.Context) error {
	s.mu.Lock()
	s.cfg.Enabled = false
	server := s.server
	s.mu.Unlock()

	if server == nil {
		return nil
	}
	return server.Stop(ctx)
}

// Restart stops and starts the listener, picking up host and port changes.
func (s *Service) Restart(ctx context.Context) error {
	if err := s.Stop(ctx); err != nil {
		return fmt.Errorf("failed to stop proxy: %w", err)
	}
	return s.Start()
}

// Boot initializes the service and starts the proxy when autoStart is set.
func (s *Service) Boot() error {
	if _, err := s.Initialize(); err != nil {
		return err
	}

	s.mu.Lock()
	autoStart := s.cfg.AutoStart
	s.mu.Unlock()

	if !autoStart {
		return nil
	}
	return s.Start()
}

// IsRunning reports whether the proxy listener is bound.
func (s *Service) IsRunning() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.server != nil && s.server.IsRunning()
}

// Addr returns the bound listener address, or "" when stopped.
func (s *Service) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.server == nil {
		return ""
	}
	return s.server.Addr()
}

// UpdateConfig merges u into the live configuration and pushes the fields
// that do not need a new listener into the running proxy. It reports
// whether host or port changed, which only takes effect on the next start.
func (s *Service) UpdateConfig(u config.Update) (bool, error) {
	if u.DeviceID != nil && *u.DeviceID != "" {
		if err := deviceid.Validate(*u.DeviceID); err != nil {
			return false, err
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	next := s.cfg.Clone()
	restartRequired := next.Merge(u)
	if err := next.Validate(); err != nil {
		return false, fmt.Errorf("invalid configuration: %w", err)
	}
	s.cfg = next

	if s.server != nil {
		s.server.UpdateConfig(runtimeConfig(s.cfg))
	}

	if restartRequired {
		s.logger.Info("Listen address changed, restart required", "addr", s.cfg.Addr())
	}
	return restartRequired, nil
}

// Config returns a copy of the live configuration.
func (s *Service) Config() config.Config {
	s.mu.Lock()
	defer s.mu.Unlock()
	return *s.cfg.Clone()
}

// Stats returns the proxy counters. The second value is false before the
// service has been initialized.
func (s *Service) Stats() (proxy.StatsSnapshot, bool) {
	s.mu.Lock()
	server := s.server
	s.mu.Unlock()

	if server == nil {
		return proxy.StatsSnapshot{}, false
	}
	return server.Stats(), true
}

// ResetStats zeroes the proxy counters.
func (s *Service) ResetStats() {
	s.mu.Lock()
	server := s.server
	s.mu.Unlock()

	if server != nil {
		server.ResetStats()
	}
}

// CAInfo returns the root authority details, or nil before Initialize.
func (s *Service) CAInfo() *certificates.CAInfo {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.caInfo
}

// CACertPEM returns the PEM encoded root certificate for export.
func (s *Service) CACertPEM() (string, error) {
	info := s.CAInfo()
	if info == nil {
		return "", fmt.Errorf("certificate authority: %w", certificates.ErrInvalidState)
	}
	return info.CertPEM, nil
}

// ClearCertCache drops every cached leaf certificate.
func (s *Service) ClearCertCache() {
	if a := s.Authority(); a != nil {
		a.ClearCache()
	}
}

// CertCacheStats reports the leaf cache, zero before Initialize.
func (s *Service) CertCacheStats() certificates.CacheStats {
	if a := s.Authority(); a != nil {
		return a.CacheStats()
	}
	return certificates.CacheStats{}
}

// Certificates lists the cached leaf certificates sorted by host.
func (s *Service) Certificates() []certificates.CertificateEntry {
	if a := s.Authority(); a != nil {
		return a.ListCertificates()
	}
	return nil
}

// Authority returns the certificate authority, or nil before Initialize.
func (s *Service) Authority() *certificates.Authority {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.authority
}

// SetDeviceID validates id and makes it the target of every rewrite.
func (s *Service) SetDeviceID(id string) error {
	if err := deviceid.Validate(id); err != nil {
		return err
	}
	_, err := s.UpdateConfig(config.Update{DeviceID: &id})
	return err
}

// DeviceID returns the active target device id.
func (s *Service) DeviceID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cfg.DeviceID
}

// AddMapping stores or replaces the mapping for m.AccountID.
func (s *Service) AddMapping(m DeviceIDMapping) error {
	if m.AccountID == "" {
		return fmt.Errorf("account id must not be empty")
	}
	if err := deviceid.Validate(m.DeviceID); err != nil {
		return err
	}
	if m.CreatedAt.IsZero() {
		m.CreatedAt = s.now()
	}

	s.mappingsMu.Lock()
	s.mappings[m.AccountID] = &m
	s.mappingsMu.Unlock()

	s.logger.Debug("Device id mapping added", "account", m.AccountID, "deviceId", deviceid.Short(m.DeviceID))
	return nil
}

// RemoveMapping deletes the mapping for accountID and reports whether one
// existed.
func (s *Service) RemoveMapping(accountID string) bool {
	s.mappingsMu.Lock()
	defer s.mappingsMu.Unlock()

	if _, ok := s.mappings[accountID]; !ok {
		return false
	}
	delete(s.mappings, accountID)
	return true
}

// DeviceIDForAccount looks up the device id mapped to accountID.
func (s *Service) DeviceIDForAccount(accountID string) (string, bool) {
	s.mappingsMu.RLock()
	defer s.mappingsMu.RUnlock()

	m, ok := s.mappings[accountID]
	if !ok {
		return "", false
	}
	return m.DeviceID, true
}

// Mappings returns every mapping sorted by account id.
func (s *Service) Mappings() []DeviceIDMapping {
	s.mappingsMu.RLock()
	defer s.mappingsMu.RUnlock()

	out := make([]DeviceIDMapping, 0, len(s.mappings))
	for _, m := range s.mappings {
		out = append(out, *m)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].AccountID < out[j].AccountID })
	return out
}

// SwitchToAccount makes the device id mapped to accountID active and stamps
// its last use. It returns false when the account has no mapping.
func (s *Service) SwitchToAccount(accountID string) bool {
	s.mappingsMu.Lock()
	m, ok := s.mappings[accountID]
	if !ok {
		s.mappingsMu.Unlock()
		return false
	}
	id := m.DeviceID
	s.mappingsMu.Unlock()

	if err := s.SetDeviceID(id); err != nil {
		s.logger.Error("Failed to switch device id", "account", accountID, "error", err, "code", "021")
		return false
	}

	s.mappingsMu.Lock()
	if m, ok := s.mappings[accountID]; ok && m.DeviceID == id {
		m.LastUsedAt = s.now()
	}
	s.mappingsMu.Unlock()

	s.logger.Info("Switched account", "account", accountID, "deviceId", deviceid.Short(id))
	return true
}

func runtimeConfig(cfg *config.Config) proxy.RuntimeConfig {
	return proxy.RuntimeConfig{
		Host:         cfg.Host,
		Port:         cfg.Port,
		MitmDomains:  append([]string(nil), cfg.MitmDomains...),
		DeviceID:     cfg.DeviceID,
		LogRequests:  cfg.LogRequests,
		ProductToken: cfg.ProductToken,
	}
}
