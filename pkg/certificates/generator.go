package certificates

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"fmt"
	"net"
	"strings"
	"time"
)

const leafOrganization = "KProxy"

// CertificateGenerator handles dynamic certificate generation
type CertificateGenerator struct {
	caManager  *CAManager
	keySize    int
	validYears int
}

// NewCertificateGenerator creates a new certificate generator
func NewCertificateGenerator(caManager *CAManager) *CertificateGenerator {
	return &CertificateGenerator{
		caManager:  caManager,
		keySize:    2048,
		validYears: 1,
	}
}

// GenerateCertificate creates a new certificate for the given domain(s).
// The first domain becomes the common name.
func (cg *CertificateGenerator) GenerateCertificate(domains []string) (*LeafCertificate, error) {
	if !cg.caManager.IsCALoaded() {
		return nil, fmt.Errorf("CA certificate not loaded")
	}

	if len(domains) == 0 {
		return nil, fmt.Errorf("at least one domain must be specified")
	}

	privateKey, err := rsa.GenerateKey(rand.Reader, cg.keySize)
	if err != nil {
		return nil, fmt.Errorf("failed to generate private key: %w", err)
	}

	serial, err := GenerateRandomSerialNumber()
	if err != nil {
		return nil, fmt.Errorf("failed to generate serial number: %w", err)
	}

	now := cg.caManager.clock()
	template := x509.Certificate{
		SerialNumber: serial,
		Subject: pkix.Name{
			Organization: []string{leafOrganization},
			CommonName:   domains[0],
		},
		NotBefore:             now,
		NotAfter:              now.AddDate(cg.validYears, 0, 0),
		KeyUsage:              x509.KeyUsageKeyEncipherment | x509.KeyUsageDigitalSignature,
		ExtKeyUsage:           []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
		BasicConstraintsValid: true,
		IsCA:                  false,
		SignatureAlgorithm:    x509.SHA256WithRSA,
		DNSNames:              domains,
	}

	// IP literals also go into the IP SAN so clients that dial by address verify.
	for _, domain := range domains {
		if ip := net.ParseIP(domain); ip != nil {
			template.IPAddresses = append(template.IPAddresses, ip)
		}
	}

	certDER, err := x509.CreateCertificate(
		rand.Reader,
		&template,
		cg.caManager.GetCACertificate(),
		&privateKey.PublicKey,
		cg.caManager.GetCAPrivateKey(),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create certificate: %w", err)
	}

	cert, err := x509.ParseCertificate(certDER)
	if err != nil {
		return nil, fmt.Errorf("failed to parse generated certificate: %w", err)
	}

	return &LeafCertificate{
		Hostname:    domains[0],
		Certificate: cert,
		PrivateKey:  privateKey,
		Domains:     domains,
		CertPEM:     pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: certDER}),
		KeyPEM:      pem.EncodeToMemory(&pem.Block{Type: "RSA PRIVATE KEY", Bytes: x509.MarshalPKCS1PrivateKey(privateKey)}),
		TLS: tls.Certificate{
			Certificate: [][]byte{certDER},
			PrivateKey:  privateKey,
			Leaf:        cert,
		},
		GeneratedAt: now,
	}, nil
}

// GenerateCertificateForHost creates a certificate whose SAN covers the host
// and its first-level wildcard.
func (cg *CertificateGenerator) GenerateCertificateForHost(host string) (*LeafCertificate, error) {
	if host == "" {
		return nil, fmt.Errorf("hostname must not be empty")
	}
	return cg.GenerateCertificate([]string{host, "*." + host})
}

// SetKeySize sets the key size for generated certificates
func (cg *CertificateGenerator) SetKeySize(size int) error {
	if size < 1024 {
		return fmt.Errorf("key size must be at least 1024 bits")
	}
	cg.keySize = size
	return nil
}

// LeafCertificate holds a minted per-host certificate, its key, and the
// encodings the proxy needs to serve it.
type LeafCertificate struct {
	Hostname    string
	Certificate *x509.Certificate
	PrivateKey  *rsa.PrivateKey
	Domains     []string
	CertPEM     []byte
	KeyPEM      []byte
	TLS         tls.Certificate
	GeneratedAt time.Time
}

// IsExpired checks if the certificate has expired
func (lc *LeafCertificate) IsExpired() bool {
	return time.Now().After(lc.Certificate.NotAfter)
}

// ExpiresWithin checks if the certificate expires within the given duration
func (lc *LeafCertificate) ExpiresWithin(duration time.Duration) bool {
	return time.Now().Add(duration).After(lc.Certificate.NotAfter)
}

// matchesDNSName checks if a DNS name matches a host (supports wildcards)
func matchesDNSName(dnsName, host string) bool {
	if dnsName == host {
		return true
	}

	if strings.HasPrefix(dnsName, "*.") {
		domain := dnsName[2:]

		// *.example.com matches exactly one additional label
		if strings.HasSuffix(host, "."+domain) {
			prefix := host[:len(host)-len(domain)-1]
			if prefix != "" && !strings.Contains(prefix, ".") {
				return true
			}
		}
	}

	return false
}
