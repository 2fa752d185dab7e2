// Package transport provides the HTTP transports used by the gateway.
package transport

import (
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"net/http"
	"time"

	utls "github.com/refraction-networking/utls"
	"golang.org/x/net/http2"
)

// The loyalty backend sits behind a CDN whose bot filter scores TLS client
// fingerprints. Go's standard TLS stack has a distinctive JA3 signature and
// gets throttled, while real browsers and webviews pass. This transport
// presents a Chrome ClientHello via uTLS and lets ALPN negotiate h2 or
// http/1.1 naturally, so SDK traffic is scored like the mini-app webview
// it runs alongside.

// NewBrowserTransport creates an http.RoundTripper with a Chrome-like TLS
// fingerprint. Supports HTTP/2 and HTTP/1.1 based on ALPN negotiation.
func NewBrowserTransport(timeout time.Duration) http.RoundTripper {
	dialer := &net.Dialer{Timeout: timeout}

	return &browserTransport{
		h2: &http2.Transport{
			DialTLSContext: func(ctx context.Context, network, addr string, _ *tls.Config) (net.Conn, error) {
				return dialBrowserTLS(ctx, dialer, network, addr)
			},
		},
		h1: &http.Transport{
			DialTLSContext: func(ctx context.Context, network, addr string) (net.Conn, error) {
				return dialBrowserTLS(ctx, dialer, network, addr)
			},
			ForceAttemptHTTP2: false,
		},
	}
}

// browserTransport wraps HTTP/2 and HTTP/1.1 transports behind one
// RoundTripper, preferring HTTP/2.
type browserTransport struct {
	h2 *http2.Transport
	h1 *http.Transport
}

// RoundTrip implements http.RoundTripper. Falls back to HTTP/1.1 when the
// server does not speak h2.
func (t *browserTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	resp, err := t.h2.RoundTrip(req)
	if err == nil {
		return resp, nil
	}
	return t.h1.RoundTrip(req)
}

// dialBrowserTLS establishes a TLS connection with Chrome's ClientHello.
func dialBrowserTLS(ctx context.Context, dialer *net.Dialer, network, addr string) (net.Conn, error) {
	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		host = addr
	}

	conn, err := dialer.DialContext(ctx, network, addr)
	if err != nil {
		return nil, fmt.Errorf("dial: %w", err)
	}

	tlsConn := utls.UClient(conn, &utls.Config{ServerName: host}, utls.HelloChrome_Auto)
	if err := tlsConn.Handshake(); err != nil {
		conn.Close()
		return nil, fmt.Errorf("tls handshake: %w", err)
	}

	return tlsConn, nil
}
