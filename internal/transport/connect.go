package transport

import (
	"bytes"
	"context"
	"encoding/base64"
	"fmt"
	"net"
	"strings"
	"time"
)

// maxConnectResponse caps how many header bytes we accept from a proxy
// before giving up on the handshake.
const maxConnectResponse = 64 * 1024

// ProxyConnectError reports a proxy that refused or bungled the CONNECT
// handshake. Backends classify it as a transient dispatch failure.
type ProxyConnectError struct {
	StatusLine string
}

func (e *ProxyConnectError) Error() string {
	return fmt.Sprintf("proxy refused CONNECT: %q", e.StatusLine)
}

// Dialer is the dialing contract shared by the direct and proxied paths.
// *net.Dialer and *ConnectDialer both satisfy it.
type Dialer interface {
	DialContext(ctx context.Context, network, addr string) (net.Conn, error)
}

// NewDialer returns a dialer honouring the resolved proxy URL; an empty
// URL means direct connections. The config layer has already applied the
// HTTPS_PROXY fallback by the time this is called.
func NewDialer(proxyURL string) (Dialer, error) {
	if proxyURL == "" {
		return &net.Dialer{Timeout: 30 * time.Second}, nil
	}
	decomposed, err := DecomposeProxyURL(proxyURL)
	if err != nil {
		return nil, err
	}
	return &ConnectDialer{Proxy: decomposed}, nil
}

// ConnectDialer establishes TCP streams through an HTTP proxy with the
// CONNECT method. The caller layers TLS on the returned connection.
type ConnectDialer struct {
	Proxy ProxyURL
	// Dial reaches the proxy itself; nil selects a plain net.Dialer.
	Dial func(ctx context.Context, network, addr string) (net.Conn, error)
}

func (d *ConnectDialer) DialContext(ctx context.Context, network, addr string) (net.Conn, error) {
	dial := d.Dial
	if dial == nil {
		dial = (&net.Dialer{Timeout: 30 * time.Second}).DialContext
	}
	conn, err := dial(ctx, network, d.Proxy.Host)
	if err != nil {
		return nil, fmt.Errorf("dialing proxy %s: %w", d.Proxy.Host, err)
	}
	if deadline, ok := ctx.Deadline(); ok {
		_ = conn.SetDeadline(deadline)
	}
	tunneled, err := d.handshake(conn, addr)
	if err != nil {
		_ = conn.Close()
		return nil, err
	}
	_ = tunneled.SetDeadline(time.Time{})
	return tunneled, nil
}

// handshake sends the CONNECT request for addr and consumes the proxy's
// response headers. Bytes that arrive coalesced after the header
// terminator belong to the tunneled protocol and are preserved.
func (d *ConnectDialer) handshake(conn net.Conn, addr string) (net.Conn, error) {
	var req bytes.Buffer
	fmt.Fprintf(&req, "CONNECT %s HTTP/1.0\r\n", addr)
	fmt.Fprintf(&req, "Host: %s\r\n", d.Proxy.Host)
	if d.Proxy.Username != "" {
		basic := base64.URLEncoding.EncodeToString([]byte(d.Proxy.Username + ":" + d.Proxy.Password))
		fmt.Fprintf(&req, "Proxy-Authorization: basic %s\r\n", basic)
	}
	req.WriteString("\r\n")

	if _, err := conn.Write(req.Bytes()); err != nil {
		return nil, fmt.Errorf("writing CONNECT request: %w", err)
	}

	var buf []byte
	chunk := make([]byte, 4096)
	terminator := []byte("\r\n\r\n")
	end := -1
	for end < 0 {
		if len(buf) > maxConnectResponse {
			return nil, &ProxyConnectError{StatusLine: "response headers too large"}
		}
		n, err := conn.Read(chunk)
		if err != nil {
			return nil, fmt.Errorf("reading CONNECT response: %w", err)
		}
		buf = append(buf, chunk[:n]...)
		end = bytes.Index(buf, terminator)
	}

	header := buf[:end]
	dangling := buf[end+len(terminator):]

	statusLine := string(header)
	if i := bytes.Index(header, []byte("\r\n")); i >= 0 {
		statusLine = string(header[:i])
	}
	parts := strings.SplitN(statusLine, " ", 3)
	if len(parts) < 2 || parts[1] != "200" {
		return nil, &ProxyConnectError{StatusLine: statusLine}
	}

	if len(dangling) == 0 {
		return conn, nil
	}
	return &replayConn{Conn: conn, pending: dangling}, nil
}

// replayConn serves bytes that arrived with the CONNECT response before
// reading from the socket again.
type replayConn struct {
	net.Conn
	pending []byte
}

func (c *replayConn) Read(p []byte) (int, error) {
	if len(c.pending) > 0 {
		n := copy(p, c.pending)
		c.pending = c.pending[n:]
		return n, nil
	}
	return c.Conn.Read(p)
}
