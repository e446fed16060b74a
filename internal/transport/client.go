package transport

import (
	"context"
	"crypto/tls"
	"net"
	"net/http"
	"time"

	"golang.org/x/net/http2"
)

// DefaultRequestTimeout bounds one outbound dispatch attempt end to end.
const DefaultRequestTimeout = 10 * time.Second

// NewHTTPClient builds an HTTP/1.1-and-up client whose connections are
// dialed through d. maxConns bounds connections per host when positive; a
// non-positive timeout selects DefaultRequestTimeout.
func NewHTTPClient(d Dialer, timeout time.Duration, maxConns int) *http.Client {
	if timeout <= 0 {
		timeout = DefaultRequestTimeout
	}
	return &http.Client{
		Timeout: timeout,
		Transport: &http.Transport{
			DialContext:     d.DialContext,
			MaxConnsPerHost: maxConns,
		},
	}
}

// NewHTTP2Transport builds an http2 transport for providers that require
// HTTP/2 (APNs). The transport dials through d and completes the TLS
// handshake on the tunneled stream itself.
func NewHTTP2Transport(d Dialer, tlsCfg *tls.Config) *http2.Transport {
	return &http2.Transport{
		TLSClientConfig: tlsCfg,
		DialTLSContext: func(ctx context.Context, network, addr string, cfg *tls.Config) (net.Conn, error) {
			raw, err := d.DialContext(ctx, network, addr)
			if err != nil {
				return nil, err
			}
			if cfg.ServerName == "" {
				cfg = cfg.Clone()
				if host, _, splitErr := net.SplitHostPort(addr); splitErr == nil {
					cfg.ServerName = host
				} else {
					cfg.ServerName = addr
				}
			}
			tlsConn := tls.Client(raw, cfg)
			if err := tlsConn.HandshakeContext(ctx); err != nil {
				_ = raw.Close()
				return nil, err
			}
			return tlsConn, nil
		},
	}
}
