package proxy

import (
	"bytes"
	"context"
	"crypto/tls"
	"errors"
	"io"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/pshima/kproxy/pkg/deviceid"
)

const connectEstablished = "HTTP/1.1 200 Connection Established\r\n\r\n"

var headerTerminator = []byte("\r\n\r\n")

// handleConnect routes a CONNECT request to the bypass tunnel or to
// interception.
func (s *Server) handleConnect(w http.ResponseWriter, r *http.Request) {
	host, port := parseConnectTarget(r.Host)
	mitm, matched := s.ShouldMitm(host)
	s.stats.recordRequest(mitm, time.Now())

	cfg, _ := s.current()
	if cfg.LogRequests {
		if mitm {
			s.logger.Info("MITM", "host", host, "port", port, "matched", matched)
		} else {
			s.logger.Info("Bypass", "host", host, "port", port)
		}
	}

	session := s.openSession(r, host, port, mitm)
	defer s.closeSession(session)

	if mitm {
		s.handleMitm(w, session)
		return
	}
	s.handleBypass(w, session)
}

// parseConnectTarget splits a CONNECT authority into host and port. The port
// defaults to 443.
func parseConnectTarget(authority string) (string, int) {
	host, portStr, err := net.SplitHostPort(authority)
	if err != nil {
		return authority, 443
	}
	port, err := strconv.Atoi(portStr)
	if err != nil || port <= 0 || port > 65535 {
		port = 443
	}
	return host, port
}

// hijack takes over the client connection. Bytes the HTTP server already
// buffered past the CONNECT request are returned so they can be replayed.
func hijack(w http.ResponseWriter) (net.Conn, []byte, error) {
	hj, ok := w.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("response writer does not support hijacking")
	}

	conn, rw, err := hj.Hijack()
	if err != nil {
		return nil, nil, err
	}

	// Hijacked connections keep whatever deadline the server set.
	conn.SetDeadline(time.Time{})

	var head []byte
	if rw != nil && rw.Reader.Buffered() > 0 {
		head, _ = rw.Reader.Peek(rw.Reader.Buffered())
		head = append([]byte(nil), head...)
	}
	return conn, head, nil
}

// handleBypass relays the tunnel to the origin without decrypting it.
func (s *Server) handleBypass(w http.ResponseWriter, session *Session) {
	addr := net.JoinHostPort(session.Host, strconv.Itoa(session.Port))

	upstream, err := s.dial(context.Background(), "tcp", addr)
	if err != nil {
		s.logger.Error("Direct connect failed", "addr", addr, "error", err, "code", "011")
		s.emit(ErrorRaised{Err: &TransportError{Side: SideOrigin, Host: session.Host, Op: "dial", Err: err}})
		w.Header().Set("Connection", "close")
		http.Error(w, "Bad Gateway", http.StatusBadGateway)
		return
	}
	defer upstream.Close()

	client, head, err := hijack(w)
	if err != nil {
		s.logger.Error("Failed to hijack connection", "error", err, "code", "012")
		http.Error(w, "Hijacking not supported", http.StatusInternalServerError)
		return
	}
	defer client.Close()

	if _, err := io.WriteString(client, connectEstablished); err != nil {
		s.logger.Debug("Client went away before tunnel was established", "host", session.Host, "error", err)
		return
	}

	if len(head) > 0 {
		if _, err := upstream.Write(head); err != nil {
			s.emit(ErrorRaised{Err: &TransportError{Side: SideOrigin, Host: session.Host, Op: "write", Err: err}})
			return
		}
	}

	if err := relay(client, upstream); err != nil {
		s.logger.Debug("Tunnel closed with error", "host", session.Host, "error", err)
	}
}

// relay copies bytes in both directions until either side ends, then closes
// both. It returns the first non-EOF error.
func relay(a, b net.Conn) error {
	errChan := make(chan error, 2)

	go func() {
		_, err := io.Copy(b, a)
		errChan <- err
	}()
	go func() {
		_, err := io.Copy(a, b)
		errChan <- err
	}()

	err := <-errChan
	a.Close()
	b.Close()
	<-errChan

	if err != nil && !errors.Is(err, net.ErrClosed) {
		return err
	}
	return nil
}

// bufferConn wraps a net.Conn and prepends a buffer to the read stream
type bufferConn struct {
	net.Conn
	buf []byte
}

func (bc *bufferConn) Read(b []byte) (int, error) {
	if len(bc.buf) > 0 {
		n := copy(b, bc.buf)
		bc.buf = bc.buf[n:]
		return n, nil
	}
	return bc.Conn.Read(b)
}

// handleMitm terminates TLS with a leaf for the session host, rewrites the
// leading request and forwards it over a fresh verified TLS connection.
func (s *Server) handleMitm(w http.ResponseWriter, session *Session) {
	host := session.Host

	leaf, err := s.leaves.GenerateLeaf(host)
	if err != nil {
		s.logger.Error("MITM setup failed", "host", host, "error", err, "code", "013")
		s.emit(ErrorRaised{Err: err})
		if conn, _, hjErr := hijack(w); hjErr == nil {
			conn.Close()
		}
		return
	}

	conn, head, err := hijack(w)
	if err != nil {
		s.logger.Error("Failed to hijack connection", "error", err, "code", "012")
		http.Error(w, "Hijacking not supported", http.StatusInternalServerError)
		return
	}
	defer conn.Close()

	if _, err := io.WriteString(conn, connectEstablished); err != nil {
		s.logger.Debug("Client went away before tunnel was established", "host", host, "error", err)
		return
	}

	var clientConn net.Conn = conn
	if len(head) > 0 {
		clientConn = &bufferConn{Conn: conn, buf: head}
	}

	tlsConn := tls.Server(clientConn, serverTLSConfig(leaf))
	defer tlsConn.Close()

	if err := tlsConn.HandshakeContext(context.Background()); err != nil {
		s.logger.Warn("TLS handshake with client failed", "host", host, "error", err, "code", "014")
		s.emit(ErrorRaised{Err: &TransportError{Side: SideClient, Host: host, Op: "handshake", Err: err}})
		return
	}

	headerBlock, body, err := readHeaderBlock(tlsConn)
	if err != nil {
		s.logger.Debug("Intercepted connection closed before headers completed", "host", host, "error", err)
		if !errors.Is(err, io.EOF) {
			s.emit(ErrorRaised{Err: &TransportError{Side: SideClient, Host: host, Op: "read", Err: err}})
		}
		return
	}

	cfg, rewriter := s.current()
	result := rewriter.Rewrite(headerBlock, host, cfg.DeviceID)
	if result.Modified {
		s.stats.recordModified()
		if cfg.LogRequests {
			s.logger.Info("Replaced device id",
				"host", host,
				"original", deviceid.Short(result.Info.OriginalDeviceID),
				"new", deviceid.Short(result.Info.NewDeviceID),
			)
		}
	}

	s.emit(RequestObserved{Info: result.Info})
	s.emit(InterceptDecided{Host: host, Modified: result.Modified})

	s.forward(tlsConn, session, result.Headers, body, contentLength(headerBlock))
}

// readHeaderBlock accumulates decrypted bytes until the first CRLFCRLF and
// returns the header block without the terminator plus any bytes after it.
// It blocks until the terminator arrives or the client goes away.
func readHeaderBlock(r io.Reader) (string, []byte, error) {
	var buf []byte
	chunk := make([]byte, 32*1024)

	for {
		n, err := r.Read(chunk)
		buf = append(buf, chunk[:n]...)

		if idx := bytes.Index(buf, headerTerminator); idx >= 0 {
			return string(buf[:idx]), buf[idx+len(headerTerminator):], nil
		}
		if err != nil {
			return "", nil, err
		}
	}
}

// forward sends the rewritten request to the origin and relays the response
// back verbatim. Further client bytes are forwarded only while the declared
// body is incomplete.
func (s *Server) forward(client *tls.Conn, session *Session, headers string, body []byte, declared int64) {
	host := session.Host
	start := time.Now()

	origin, err := s.dialOrigin(context.Background(), host, session.Port)
	if err != nil {
		s.logger.Error("Server connection failed", "host", host, "error", err, "code", "015")
		s.emit(ErrorRaised{Err: &TransportError{Side: SideOrigin, Host: host, Op: "dial", Err: err}})
		return
	}
	defer origin.Close()

	request := make([]byte, 0, len(headers)+len(headerTerminator)+len(body))
	request = append(request, headers...)
	request = append(request, headerTerminator...)
	request = append(request, body...)

	if _, err := origin.Write(request); err != nil {
		s.emit(ErrorRaised{Err: &TransportError{Side: SideOrigin, Host: host, Op: "write", Err: err}})
		return
	}

	received := int64(len(body))
	go func() {
		passThrough := received < declared
		buf := make([]byte, 32*1024)
		for {
			n, err := client.Read(buf)
			if n > 0 && passThrough {
				if _, werr := origin.Write(buf[:n]); werr != nil {
					return
				}
			}
			if err != nil {
				// Client finished sending; let the origin see end of stream.
				origin.CloseWrite()
				return
			}
		}
	}()

	if _, err := io.Copy(client, origin); err != nil {
		if !errors.Is(err, net.ErrClosed) {
			s.logger.Debug("Relay to client ended with error", "host", host, "error", err)
			s.emit(ErrorRaised{Err: &TransportError{Side: SideOrigin, Host: host, Op: "relay", Err: err}})
		}
		return
	}

	s.emit(ResponseObserved{
		Timestamp:  time.Now(),
		Host:       host,
		StatusCode: http.StatusOK,
		Duration:   time.Since(start),
	})
}
