package certificates

import (
	"crypto/x509"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/pshima/kproxy/internal/logger"
)

// ErrInvalidState is returned when leaves are requested before the root
// authority has been initialized.
var ErrInvalidState = errors.New("certificate authority not initialized")

// CertAuthorityError reports a root or leaf certificate failure.
type CertAuthorityError struct {
	Op   string
	Host string
	Err  error
}

func (e *CertAuthorityError) Error() string {
	if e.Host != "" {
		return fmt.Sprintf("cert authority %s %s: %v", e.Op, e.Host, e.Err)
	}
	return fmt.Sprintf("cert authority %s: %v", e.Op, e.Err)
}

func (e *CertAuthorityError) Unwrap() error { return e.Err }

// CAInfo describes the active root authority.
type CAInfo struct {
	CertPath    string
	KeyPath     string
	CertPEM     string
	KeyPEM      string
	Fingerprint string
	SerialHex   string
	ValidFrom   time.Time
	ValidTo     time.Time
}

// Authority owns the root keypair and the leaf cache minted from it.
type Authority struct {
	dataDir  string
	certPath string
	keyPath  string
	keySize  int
	logger   logger.Logger
	clock    func() time.Time

	mu        sync.RWMutex
	caManager *CAManager
	store     *CertificateStore
	info      *CAInfo
}

// AuthorityOption configures an Authority.
type AuthorityOption func(*Authority)

// WithCAPaths overrides the root certificate and key locations.
func WithCAPaths(certPath, keyPath string) AuthorityOption {
	return func(a *Authority) {
		if certPath != "" && keyPath != "" {
			a.certPath = certPath
			a.keyPath = keyPath
		}
	}
}

// WithKeySize sets the RSA modulus size for both root and leaves.
func WithKeySize(bits int) AuthorityOption {
	return func(a *Authority) {
		if bits >= 1024 {
			a.keySize = bits
		}
	}
}

// WithLogger attaches a logger.
func WithLogger(log logger.Logger) AuthorityOption {
	return func(a *Authority) {
		if log != nil {
			a.logger = log
		}
	}
}

// NewAuthority creates an authority rooted in dataDir. Nothing touches the
// filesystem until Initialize.
func NewAuthority(dataDir string, opts ...AuthorityOption) *Authority {
	a := &Authority{
		dataDir:  dataDir,
		certPath: filepath.Join(dataDir, CACertFilename),
		keyPath:  filepath.Join(dataDir, CAKeyFilename),
		keySize:  2048,
		logger:   logger.NewNop(),
		clock:    time.Now,
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Initialize loads the root from disk when both PEM files exist, parse, are
// unexpired and the key belongs to the certificate; otherwise a new root is
// generated and persisted. Any leaf cache from a previous root is discarded.
func (a *Authority) Initialize() (*CAInfo, error) {
	if err := os.MkdirAll(a.dataDir, 0755); err != nil {
		return nil, &CertAuthorityError{Op: "initialize", Err: fmt.Errorf("failed to create data directory: %w", err)}
	}

	ca := NewCAManager(a.certPath, a.keyPath)
	ca.keySize = a.keySize
	ca.clock = a.clock

	loaded := false
	if fileExists(a.certPath) && fileExists(a.keyPath) {
		if err := ca.LoadCA(); err != nil {
			a.logger.Warn("Failed to load CA certificate, regenerating", "error", err, "code", "101")
		} else if ca.IsExpired() {
			a.logger.Info("CA certificate expired, regenerating", "not_after", ca.GetCACertificate().NotAfter)
		} else if err := ca.ValidateCA(); err != nil {
			a.logger.Warn("CA certificate unusable, regenerating", "error", err, "code", "102")
		} else {
			loaded = true
			a.logger.Info("Loaded existing CA certificate", "path", a.certPath)
		}
	}

	if !loaded {
		a.logger.Info("Generating new CA certificate", "path", a.certPath)
		if err := ca.GenerateCA(); err != nil {
			return nil, &CertAuthorityError{Op: "initialize", Err: err}
		}
	}

	cert := ca.GetCACertificate()
	info := &CAInfo{
		CertPath:    a.certPath,
		KeyPath:     a.keyPath,
		CertPEM:     string(ca.certPEM),
		KeyPEM:      string(ca.keyPEM),
		Fingerprint: GetCertificateFingerprint(cert),
		SerialHex:   SerialHex(cert),
		ValidFrom:   cert.NotBefore,
		ValidTo:     cert.NotAfter,
	}

	generator := NewCertificateGenerator(ca)
	if err := generator.SetKeySize(a.keySize); err != nil {
		return nil, &CertAuthorityError{Op: "initialize", Err: err}
	}

	a.mu.Lock()
	a.caManager = ca
	a.store = NewCertificateStore(generator)
	a.info = info
	a.mu.Unlock()

	return info, nil
}

// GenerateLeaf returns the cached leaf for hostname, minting it on first use.
func (a *Authority) GenerateLeaf(hostname string) (*LeafCertificate, error) {
	a.mu.RLock()
	store := a.store
	a.mu.RUnlock()

	if store == nil {
		return nil, &CertAuthorityError{Op: "generate leaf", Host: hostname, Err: ErrInvalidState}
	}

	leaf, err := store.GetCertificate(hostname)
	if err != nil {
		return nil, &CertAuthorityError{Op: "generate leaf", Host: hostname, Err: err}
	}
	return leaf, nil
}

// ClearCache drops all cached leaves. The root is unaffected.
func (a *Authority) ClearCache() {
	a.mu.RLock()
	defer a.mu.RUnlock()
	if a.store != nil {
		a.store.Clear()
	}
}

// Info returns the active root description, or nil before Initialize.
func (a *Authority) Info() *CAInfo {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.info
}

// Certificate returns the parsed root, or nil before Initialize.
func (a *Authority) Certificate() *x509.Certificate {
	a.mu.RLock()
	defer a.mu.RUnlock()
	if a.caManager == nil {
		return nil
	}
	return a.caManager.GetCACertificate()
}

// CertificateInfo describes the root certificate, or nil before Initialize.
func (a *Authority) CertificateInfo() *CertificateInfo {
	if cert := a.Certificate(); cert != nil {
		return certificateInfo(cert)
	}
	return nil
}

// CertPool returns a pool containing only the root, for clients that need
// to trust minted leaves.
func (a *Authority) CertPool() *x509.CertPool {
	pool := x509.NewCertPool()
	if cert := a.Certificate(); cert != nil {
		pool.AddCert(cert)
	}
	return pool
}

// CacheStats reports the leaf cache size.
func (a *Authority) CacheStats() CacheStats {
	a.mu.RLock()
	defer a.mu.RUnlock()
	if a.store == nil {
		return CacheStats{}
	}
	return a.store.GetCacheStats()
}

// ListCertificates lists cached leaves sorted by host.
func (a *Authority) ListCertificates() []CertificateEntry {
	a.mu.RLock()
	defer a.mu.RUnlock()
	if a.store == nil {
		return nil
	}
	return a.store.ListCertificates()
}

func fileExists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && !info.IsDir()
}
