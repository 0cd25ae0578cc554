package certificates

import (
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/singleflight"
)

// CertificateStore is the in-memory leaf cache, keyed by the exact hostname
// string. Entries live until Clear or process exit.
//
// Concurrent first requests for one hostname are coalesced: a single mint
// runs and every waiting caller receives its result.
type CertificateStore struct {
	cache     map[string]*LeafCertificate
	cacheMu   sync.RWMutex
	inflight  singleflight.Group
	generator *CertificateGenerator
	minted    atomic.Int64
}

// NewCertificateStore creates a new certificate store
func NewCertificateStore(generator *CertificateGenerator) *CertificateStore {
	return &CertificateStore{
		cache:     make(map[string]*LeafCertificate),
		generator: generator,
	}
}

// GetCertificate returns a certificate for the given host.
// If not found in cache, generates a new one
func (cs *CertificateStore) GetCertificate(host string) (*LeafCertificate, error) {
	if cert, ok := cs.lookup(host); ok {
		return cert, nil
	}

	v, err, _ := cs.inflight.Do(host, func() (any, error) {
		// A previous flight may have completed between lookup and Do.
		if cert, ok := cs.lookup(host); ok {
			return cert, nil
		}

		cert, err := cs.generator.GenerateCertificateForHost(host)
		if err != nil {
			return nil, fmt.Errorf("failed to generate certificate for %s: %w", host, err)
		}
		cs.minted.Add(1)

		cs.cacheMu.Lock()
		cs.cache[host] = cert
		cs.cacheMu.Unlock()

		return cert, nil
	})
	if err != nil {
		return nil, err
	}

	return v.(*LeafCertificate), nil
}

func (cs *CertificateStore) lookup(host string) (*LeafCertificate, bool) {
	cs.cacheMu.RLock()
	defer cs.cacheMu.RUnlock()
	cert, ok := cs.cache[host]
	return cert, ok
}

// Clear drops every cached leaf.
func (cs *CertificateStore) Clear() {
	cs.cacheMu.Lock()
	defer cs.cacheMu.Unlock()
	cs.cache = make(map[string]*LeafCertificate)
}

// GetCacheStats returns statistics about the certificate cache
func (cs *CertificateStore) GetCacheStats() CacheStats {
	cs.cacheMu.RLock()
	defer cs.cacheMu.RUnlock()

	stats := CacheStats{
		TotalCertificates: len(cs.cache),
		Minted:            cs.minted.Load(),
	}

	for _, cert := range cs.cache {
		if cert.IsExpired() {
			stats.ExpiredCertificates++
		} else if cert.ExpiresWithin(24 * time.Hour) {
			stats.ExpiringSoon++
		}
	}

	return stats
}

// ListCertificates returns information about all cached certificates, sorted by host
func (cs *CertificateStore) ListCertificates() []CertificateEntry {
	cs.cacheMu.RLock()
	defer cs.cacheMu.RUnlock()

	entries := make([]CertificateEntry, 0, len(cs.cache))
	for host, cert := range cs.cache {
		entries = append(entries, CertificateEntry{
			Host:        host,
			Domains:     cert.Domains,
			NotBefore:   cert.Certificate.NotBefore,
			NotAfter:    cert.Certificate.NotAfter,
			IsExpired:   cert.IsExpired(),
			GeneratedAt: cert.GeneratedAt,
		})
	}

	sort.Slice(entries, func(i, j int) bool { return entries[i].Host < entries[j].Host })
	return entries
}

// CacheStats holds certificate cache statistics
type CacheStats struct {
	TotalCertificates   int
	ExpiredCertificates int
	ExpiringSoon        int
	// Minted counts every leaf generated since the store was created,
	// including ones since dropped by Clear.
	Minted int64
}

// CertificateEntry holds information about a certificate in the store
type CertificateEntry struct {
	Host        string    `json:"host"`
	Domains     []string  `json:"domains"`
	NotBefore   time.Time `json:"notBefore"`
	NotAfter    time.Time `json:"notAfter"`
	IsExpired   bool      `json:"isExpired"`
	GeneratedAt time.Time `json:"generatedAt"`
}
