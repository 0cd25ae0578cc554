package proxy

import (
	"context"
	"crypto/tls"
	"net"
	"strconv"

	"github.com/pshima/kproxy/pkg/certificates"
)

// serverTLSConfig creates the TLS configuration presented to an intercepted
// client for one hostname.
func serverTLSConfig(leaf *certificates.LeafCertificate) *tls.Config {
	return &tls.Config{
		Certificates: []tls.Certificate{leaf.TLS},
		MinVersion:   tls.VersionTLS12,
		MaxVersion:   tls.VersionTLS13,
		// The intercepted session is forwarded as raw HTTP/1.x.
		NextProtos: []string{"http/1.1"},
	}
}

// originTLSConfig creates the TLS configuration for connecting to the real
// origin. Chain and hostname verification always stay enabled.
func (s *Server) originTLSConfig(hostname string) *tls.Config {
	return &tls.Config{
		ServerName: hostname,
		RootCAs:    s.rootCAs,
		MinVersion: tls.VersionTLS12,
		MaxVersion: tls.VersionTLS13,
		NextProtos: []string{"http/1.1"},
	}
}

// dialOrigin opens a verified TLS connection to hostname:port with SNI set to
// hostname.
func (s *Server) dialOrigin(ctx context.Context, hostname string, port int) (*tls.Conn, error) {
	raw, err := s.dial(ctx, "tcp", net.JoinHostPort(hostname, strconv.Itoa(port)))
	if err != nil {
		return nil, err
	}

	conn := tls.Client(raw, s.originTLSConfig(hostname))
	if err := conn.HandshakeContext(ctx); err != nil {
		raw.Close()
		return nil, err
	}
	return conn, nil
}
