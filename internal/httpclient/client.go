package httpclient

import (
	"context"
	"crypto/tls"
	"net"
	"net/http"
	"time"

	"golang.org/x/net/http2"

	"github.com/gatecrash/gatecrash/internal/config"
)

// TLSConfigFor builds the client TLS configuration for a target.
func TLSConfigFor(target config.Target) *tls.Config {
	return &tls.Config{
		ServerName:         target.Host,
		InsecureSkipVerify: target.Insecure,
		MinVersion:         tls.VersionTLS12,
	}
}

// NewDialer returns the dialer used for all strategy connections.
func NewDialer() *net.Dialer {
	return &net.Dialer{
		Timeout:   30 * time.Second,
		KeepAlive: 30 * time.Second,
	}
}

// NewExclusiveTransport builds a transport that holds exactly one connection,
// for strategies where a worker exclusively owns its transport. Keep-alives
// stay on so a pre-warmed connection survives until the race fires.
func NewExclusiveTransport(target config.Target) *http.Transport {
	dialer := NewDialer()
	return &http.Transport{
		DialContext:           dialer.DialContext,
		TLSClientConfig:       TLSConfigFor(target),
		ForceAttemptHTTP2:     false,
		MaxConnsPerHost:       1,
		MaxIdleConns:          1,
		MaxIdleConnsPerHost:   1,
		IdleConnTimeout:       90 * time.Second,
		TLSHandshakeTimeout:   10 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
	}
}

// NewPooledTransport builds a transport bounded to size connections, shared
// by all workers of one attack. The transport mediates conn allocation, so
// workers never contend on a raw socket directly.
func NewPooledTransport(target config.Target, size int) *http.Transport {
	if size <= 0 {
		size = 10
	}
	dialer := NewDialer()
	return &http.Transport{
		DialContext:           dialer.DialContext,
		TLSClientConfig:       TLSConfigFor(target),
		ForceAttemptHTTP2:     false,
		MaxConnsPerHost:       size,
		MaxIdleConns:          size,
		MaxIdleConnsPerHost:   size,
		IdleConnTimeout:       90 * time.Second,
		TLSHandshakeTimeout:   10 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
	}
}

// NewMultiplexedTransport builds an HTTP/2 transport carrying every worker's
// request as an independent stream over a single connection. For non-TLS
// targets it speaks h2c with prior knowledge.
func NewMultiplexedTransport(target config.Target) *http2.Transport {
	t := &http2.Transport{
		TLSClientConfig: TLSConfigFor(target),
	}
	if !target.TLS {
		t.AllowHTTP = true
		t.DialTLSContext = func(ctx context.Context, network, addr string, _ *tls.Config) (net.Conn, error) {
			return NewDialer().DialContext(ctx, network, addr)
		}
	}
	return t
}

// NewClient wraps a transport in an http.Client with the per-request timeout.
func NewClient(rt http.RoundTripper, timeout time.Duration) *http.Client {
	if timeout < 0 {
		timeout = 0
	}
	return &http.Client{
		Timeout:   timeout,
		Transport: rt,
	}
}
