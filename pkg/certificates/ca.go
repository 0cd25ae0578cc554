package certificates

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

const (
	// CACertFilename and CAKeyFilename are the root PEM files inside the data directory.
	CACertFilename = "kproxy-ca.crt"
	CAKeyFilename  = "kproxy-ca.key"

	caCommonName   = "KProxy CA"
	caOrganization = "KProxy"
)

// CAManager handles Certificate Authority operations
type CAManager struct {
	caCert     *x509.Certificate
	caKey      *rsa.PrivateKey
	certPEM    []byte
	keyPEM     []byte
	certPath   string
	keyPath    string
	keySize    int
	validYears int
	clock      func() time.Time
}

// NewCAManager creates a new CA manager instance
func NewCAManager(certPath, keyPath string) *CAManager {
	return &CAManager{
		certPath:   certPath,
		keyPath:    keyPath,
		keySize:    2048,
		validYears: 10,
		clock:      time.Now,
	}
}

// LoadCA loads existing CA certificate and key from files
func (ca *CAManager) LoadCA() error {
	certData, err := os.ReadFile(ca.certPath)
	if err != nil {
		return fmt.Errorf("failed to read CA certificate file: %w", err)
	}

	keyData, err := os.ReadFile(ca.keyPath)
	if err != nil {
		return fmt.Errorf("failed to read CA key file: %w", err)
	}

	cert, key, err := ParseCertificateAndKey(certData, keyData)
	if err != nil {
		return fmt.Errorf("failed to parse CA files: %w", err)
	}

	ca.caCert = cert
	ca.caKey = key
	ca.certPEM = certData
	ca.keyPEM = keyData

	return nil
}

// GenerateCA creates a new CA certificate and private key
func (ca *CAManager) GenerateCA() error {
	privateKey, err := rsa.GenerateKey(rand.Reader, ca.keySize)
	if err != nil {
		return fmt.Errorf("failed to generate CA private key: %w", err)
	}

	serial, err := GenerateRandomSerialNumber()
	if err != nil {
		return fmt.Errorf("failed to generate CA serial number: %w", err)
	}

	now := ca.clock()
	template := x509.Certificate{
		SerialNumber: serial,
		Subject: pkix.Name{
			Organization: []string{caOrganization},
			CommonName:   caCommonName,
		},
		NotBefore:             now,
		NotAfter:              now.AddDate(ca.validYears, 0, 0),
		IsCA:                  true,
		KeyUsage:              x509.KeyUsageCertSign | x509.KeyUsageCRLSign,
		BasicConstraintsValid: true,
		SignatureAlgorithm:    x509.SHA256WithRSA,
	}

	certDER, err := x509.CreateCertificate(rand.Reader, &template, &template, &privateKey.PublicKey, privateKey)
	if err != nil {
		return fmt.Errorf("failed to create CA certificate: %w", err)
	}

	ca.caCert, err = x509.ParseCertificate(certDER)
	if err != nil {
		return fmt.Errorf("failed to parse generated CA certificate: %w", err)
	}

	ca.caKey = privateKey
	ca.certPEM = pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: certDER})
	ca.keyPEM = pem.EncodeToMemory(&pem.Block{Type: "RSA PRIVATE KEY", Bytes: x509.MarshalPKCS1PrivateKey(privateKey)})

	if err := ca.SaveCA(); err != nil {
		return fmt.Errorf("failed to save CA files: %w", err)
	}

	return nil
}

// SaveCA saves the CA certificate and key to files
func (ca *CAManager) SaveCA() error {
	if !ca.IsCALoaded() {
		return fmt.Errorf("no CA certificate or key loaded")
	}

	if err := os.MkdirAll(filepath.Dir(ca.certPath), 0755); err != nil {
		return fmt.Errorf("failed to create certificate directory: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(ca.keyPath), 0755); err != nil {
		return fmt.Errorf("failed to create key directory: %w", err)
	}

	if err := os.WriteFile(ca.certPath, ca.certPEM, 0644); err != nil {
		return fmt.Errorf("failed to write CA certificate: %w", err)
	}

	// Private key with restricted permissions
	if err := os.WriteFile(ca.keyPath, ca.keyPEM, 0600); err != nil {
		return fmt.Errorf("failed to write CA private key: %w", err)
	}

	return nil
}

// GetCACertificate returns the CA certificate
func (ca *CAManager) GetCACertificate() *x509.Certificate {
	return ca.caCert
}

// GetCAPrivateKey returns the CA private key
func (ca *CAManager) GetCAPrivateKey() *rsa.PrivateKey {
	return ca.caKey
}

// IsCALoaded returns true if CA certificate and key are loaded
func (ca *CAManager) IsCALoaded() bool {
	return ca.caCert != nil && ca.caKey != nil
}

// IsExpired reports whether the loaded root is past its NotAfter.
func (ca *CAManager) IsExpired() bool {
	return !ca.caCert.NotAfter.After(ca.clock())
}

// ValidateCA checks if the loaded CA certificate is valid
func (ca *CAManager) ValidateCA() error {
	if !ca.IsCALoaded() {
		return fmt.Errorf("no CA certificate loaded")
	}

	now := ca.clock()
	if now.Before(ca.caCert.NotBefore) {
		return fmt.Errorf("CA certificate is not yet valid (valid from: %v)", ca.caCert.NotBefore)
	}

	if ca.IsExpired() {
		return fmt.Errorf("CA certificate has expired (expired: %v)", ca.caCert.NotAfter)
	}

	if !ca.caCert.IsCA {
		return fmt.Errorf("certificate is not a CA certificate")
	}

	if ca.caCert.KeyUsage&x509.KeyUsageCertSign == 0 {
		return fmt.Errorf("CA certificate does not have certificate signing capability")
	}

	if !ca.caKey.PublicKey.Equal(ca.caCert.PublicKey) {
		return fmt.Errorf("CA private key does not match certificate")
	}

	return nil
}

// CertificateInfo holds certificate information for display
type CertificateInfo struct {
	Subject     string
	Issuer      string
	NotBefore   time.Time
	NotAfter    time.Time
	IsCA        bool
	KeyUsage    x509.KeyUsage
	CommonName  string
	SerialHex   string
	Fingerprint string
}

func certificateInfo(cert *x509.Certificate) *CertificateInfo {
	return &CertificateInfo{
		Subject:     cert.Subject.String(),
		Issuer:      cert.Issuer.String(),
		NotBefore:   cert.NotBefore,
		NotAfter:    cert.NotAfter,
		IsCA:        cert.IsCA,
		KeyUsage:    cert.KeyUsage,
		CommonName:  cert.Subject.CommonName,
		SerialHex:   SerialHex(cert),
		Fingerprint: GetCertificateFingerprint(cert),
	}
}
