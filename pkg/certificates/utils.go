package certificates

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"encoding/pem"
	"fmt"
	"math/big"
	"net"
	"strings"
	"time"
)

// serialBytes is the width of random certificate serial numbers.
const serialBytes = 16

// ParseCertificateAndKey parses PEM-encoded certificate and private key data.
// The key may be PKCS#1 or an RSA key in PKCS#8.
func ParseCertificateAndKey(certData, keyData []byte) (*x509.Certificate, *rsa.PrivateKey, error) {
	certBlock, _ := pem.Decode(certData)
	if certBlock == nil {
		return nil, nil, fmt.Errorf("failed to decode certificate PEM")
	}

	cert, err := x509.ParseCertificate(certBlock.Bytes)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to parse certificate: %w", err)
	}

	keyBlock, _ := pem.Decode(keyData)
	if keyBlock == nil {
		return nil, nil, fmt.Errorf("failed to decode private key PEM")
	}

	key, err := parseRSAPrivateKey(keyBlock.Bytes)
	if err != nil {
		return nil, nil, err
	}

	return cert, key, nil
}

func parseRSAPrivateKey(der []byte) (*rsa.PrivateKey, error) {
	if key, err := x509.ParsePKCS1PrivateKey(der); err == nil {
		return key, nil
	}

	parsed, err := x509.ParsePKCS8PrivateKey(der)
	if err != nil {
		return nil, fmt.Errorf("failed to parse private key: %w", err)
	}

	key, ok := parsed.(*rsa.PrivateKey)
	if !ok {
		return nil, fmt.Errorf("private key is %T, want RSA", parsed)
	}
	return key, nil
}

// GetCertificateFingerprint returns the SHA-256 fingerprint of the DER
// encoding as uppercase colon-separated hex (AA:BB:...).
func GetCertificateFingerprint(cert *x509.Certificate) string {
	sum := sha256.Sum256(cert.Raw)
	parts := make([]string, len(sum))
	for i, b := range sum {
		parts[i] = fmt.Sprintf("%02X", b)
	}
	return strings.Join(parts, ":")
}

// SerialHex returns the serial number as fixed-width lowercase hex.
func SerialHex(cert *x509.Certificate) string {
	return fmt.Sprintf("%0*x", serialBytes*2, cert.SerialNumber)
}

// GenerateRandomSerialNumber returns a serial made of 16 random bytes.
func GenerateRandomSerialNumber() (*big.Int, error) {
	buf := make([]byte, serialBytes)
	for {
		if _, err := rand.Read(buf); err != nil {
			return nil, err
		}
		serial := new(big.Int).SetBytes(buf)
		// RFC 5280 requires a positive serial.
		if serial.Sign() > 0 {
			return serial, nil
		}
	}
}

// FormatCertificateInfo returns a formatted string with certificate information
func FormatCertificateInfo(info *CertificateInfo) string {
	var builder strings.Builder

	builder.WriteString(fmt.Sprintf("Subject: %s\n", info.Subject))
	builder.WriteString(fmt.Sprintf("Issuer: %s\n", info.Issuer))
	builder.WriteString(fmt.Sprintf("Common Name: %s\n", info.CommonName))
	builder.WriteString(fmt.Sprintf("Serial: %s\n", info.SerialHex))
	builder.WriteString(fmt.Sprintf("Fingerprint (SHA-256): %s\n", info.Fingerprint))
	builder.WriteString(fmt.Sprintf("Valid From: %s\n", info.NotBefore.Format(time.RFC3339)))
	builder.WriteString(fmt.Sprintf("Valid Until: %s\n", info.NotAfter.Format(time.RFC3339)))
	builder.WriteString(fmt.Sprintf("Is CA: %t\n", info.IsCA))

	if usages := KeyUsageNames(info.KeyUsage); len(usages) > 0 {
		builder.WriteString(fmt.Sprintf("Key Usage: %s\n", strings.Join(usages, ", ")))
	}

	builder.WriteString(fmt.Sprintf("Status: %s\n", CertificateStatus(info, time.Now())))

	return builder.String()
}

// KeyUsageNames lists the human-readable key usages set in ku.
func KeyUsageNames(ku x509.KeyUsage) []string {
	var keyUsages []string
	if ku&x509.KeyUsageDigitalSignature != 0 {
		keyUsages = append(keyUsages, "Digital Signature")
	}
	if ku&x509.KeyUsageKeyEncipherment != 0 {
		keyUsages = append(keyUsages, "Key Encipherment")
	}
	if ku&x509.KeyUsageCertSign != 0 {
		keyUsages = append(keyUsages, "Certificate Sign")
	}
	if ku&x509.KeyUsageCRLSign != 0 {
		keyUsages = append(keyUsages, "CRL Sign")
	}
	return keyUsages
}

// CertificateStatus describes validity relative to now.
func CertificateStatus(info *CertificateInfo, now time.Time) string {
	switch {
	case now.Before(info.NotBefore):
		return "Not yet valid"
	case now.After(info.NotAfter):
		return "EXPIRED"
	default:
		daysUntilExpiry := int(info.NotAfter.Sub(now).Hours() / 24)
		return fmt.Sprintf("Valid (%d days remaining)", daysUntilExpiry)
	}
}

// IsCertificateValidForHost checks if a certificate is valid for the given host
func IsCertificateValidForHost(cert *x509.Certificate, host string) bool {
	if h, _, err := net.SplitHostPort(host); err == nil {
		host = h
	}

	for _, dnsName := range cert.DNSNames {
		if matchesDNSName(dnsName, host) {
			return true
		}
	}

	if ip := net.ParseIP(host); ip != nil {
		for _, certIP := range cert.IPAddresses {
			if ip.Equal(certIP) {
				return true
			}
		}
	}

	return false
}
