// Package httpx builds the HTTP clients used for login, bootstrap, and token exchange.
//
// Clients carry a public-suffix aware cookie jar, optional HTTP or SOCKS5 proxying, and a
// transport that advertises and decodes gzip, deflate, br, and zstd bodies.
package httpx

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/http/cookiejar"
	"net/url"
	"strings"
	"time"

	"golang.org/x/net/proxy"
	"golang.org/x/net/publicsuffix"
)

// ErrUnsupportedProxy is returned for proxy URLs with an unknown scheme.
var ErrUnsupportedProxy = errors.New("unsupported proxy scheme")

// Options configures NewClient.
type Options struct {
	// Proxy is an http://, https://, or socks5:// URL. Empty means direct.
	Proxy string

	// Timeout bounds a whole request. Zero means 30s.
	Timeout time.Duration

	// Jar is reused when set, otherwise a fresh public-suffix jar is created.
	Jar http.CookieJar
}

// NewClient returns an *http.Client configured from opts.
func NewClient(opts Options) (*http.Client, error) {
	jar := opts.Jar
	if jar == nil {
		j, err := cookiejar.New(&cookiejar.Options{PublicSuffixList: publicsuffix.List})
		if err != nil {
			return nil, err
		}
		jar = j
	}

	base, err := newTransport(opts.Proxy)
	if err != nil {
		return nil, err
	}

	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}

	return &http.Client{
		Jar:       jar,
		Timeout:   timeout,
		Transport: &decodingTransport{base: base},
	}, nil
}

func newTransport(rawProxy string) (*http.Transport, error) {
	tr := http.DefaultTransport.(*http.Transport).Clone()
	// Decoding is done by decodingTransport so br and zstd are covered too.
	tr.DisableCompression = true

	rawProxy = strings.TrimSpace(rawProxy)
	if rawProxy == "" {
		return tr, nil
	}

	u, err := url.Parse(rawProxy)
	if err != nil {
		return nil, fmt.Errorf("parse proxy: %w", err)
	}

	switch strings.ToLower(u.Scheme) {
	case "http", "https":
		tr.Proxy = http.ProxyURL(u)
	case "socks5", "socks5h":
		d, err := proxy.FromURL(u, &net.Dialer{Timeout: 15 * time.Second})
		if err != nil {
			return nil, fmt.Errorf("socks proxy: %w", err)
		}
		cd, ok := d.(proxy.ContextDialer)
		if !ok {
			return nil, fmt.Errorf("socks proxy: %w", ErrUnsupportedProxy)
		}
		tr.Proxy = nil
		tr.DialContext = func(ctx context.Context, network, addr string) (net.Conn, error) {
			return cd.DialContext(ctx, network, addr)
		}
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedProxy, u.Scheme)
	}
	return tr, nil
}

// NewUpgradeClient returns a client for WebSocket handshakes. It honors rawProxy like NewClient
// but carries no jar, and no overall timeout. It never negotiates HTTP/2.
func NewUpgradeClient(rawProxy string) (*http.Client, error) {
	tr, err := newTransport(rawProxy)
	if err != nil {
		return nil, err
	}
	tr.ForceAttemptHTTP2 = false
	tr.TLSNextProto = map[string]func(string, *tls.Conn) http.RoundTripper{}
	return &http.Client{Transport: tr}, nil
}
