// Package transport builds the outbound HTTP plumbing shared by every push
// backend: proxy URL handling, the HTTP CONNECT tunnel dialer, and the
// client factories that wire both into net/http and http2 transports.
package transport

import (
	"errors"
	"fmt"
	"net"
	"net/url"
)

// ProxyURL is a decomposed http proxy address. Credentials are set only
// when the URL carried both a username and a password.
type ProxyURL struct {
	Host     string // host:port, port defaulted to 80
	Username string
	Password string
}

// DecomposeProxyURL validates a proxy URL of the form
// http://[user:password@]host[:port]. A bare host[:port] is treated as
// http; any other scheme is a configuration error.
func DecomposeProxyURL(raw string) (ProxyURL, error) {
	u, err := url.Parse(raw)
	if err != nil || u.Hostname() == "" {
		// A bare host:port parses as scheme:opaque, so retry as http.
		u, err = url.Parse("http://" + raw)
		if err != nil {
			return ProxyURL{}, fmt.Errorf("invalid proxy URL: %w", err)
		}
	}
	if u.Scheme != "http" {
		return ProxyURL{}, fmt.Errorf("unknown proxy scheme %q; only 'http' is supported", u.Scheme)
	}
	if u.Hostname() == "" {
		return ProxyURL{}, errors.New("proxy URL did not seem to contain a hostname")
	}

	port := u.Port()
	if port == "" {
		port = "80"
	}
	p := ProxyURL{Host: net.JoinHostPort(u.Hostname(), port)}

	if u.User != nil {
		password, _ := u.User.Password()
		if u.User.Username() != "" && password != "" {
			p.Username = u.User.Username()
			p.Password = password
		}
	}
	return p, nil
}
