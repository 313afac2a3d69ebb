package conn

import (
	"context"
	"crypto/tls"
	"net"
	"sync"

	"github.com/gatecrash/gatecrash/internal/config"
	"github.com/gatecrash/gatecrash/internal/httpclient"
)

// prewarmDialer hands a pre-established connection to the transport on its
// first dial, then falls through to real dials. This is how a handshake
// completed during provisioning is carried into the race without the
// transport knowing.
type prewarmDialer struct {
	mu     sync.Mutex
	stash  net.Conn
	target config.Target
}

// establish dials and, for TLS targets, completes the handshake now so no
// handshake cost lands inside the race window.
func (d *prewarmDialer) establish(ctx context.Context) error {
	conn, err := dialTarget(ctx, d.target)
	if err != nil {
		return err
	}
	d.mu.Lock()
	d.stash = conn
	d.mu.Unlock()
	return nil
}

func (d *prewarmDialer) DialContext(ctx context.Context, network, addr string) (net.Conn, error) {
	d.mu.Lock()
	stashed := d.stash
	d.stash = nil
	d.mu.Unlock()
	if stashed != nil {
		return stashed, nil
	}
	return dialTarget(ctx, d.target)
}

// DialTLSContext satisfies http.Transport for https targets; the stashed
// connection already completed its TLS handshake.
func (d *prewarmDialer) DialTLSContext(ctx context.Context, network, addr string) (net.Conn, error) {
	return d.DialContext(ctx, network, addr)
}

func (d *prewarmDialer) closeStash() {
	d.mu.Lock()
	stashed := d.stash
	d.stash = nil
	d.mu.Unlock()
	if stashed != nil {
		_ = stashed.Close()
	}
}

// dialTarget opens a TCP connection to the target, completing the TLS
// handshake when the target requires it.
func dialTarget(ctx context.Context, target config.Target) (net.Conn, error) {
	raw, err := httpclient.NewDialer().DialContext(ctx, "tcp", target.Addr())
	if err != nil {
		return nil, err
	}
	if !target.TLS {
		return raw, nil
	}
	tlsConn := tls.Client(raw, httpclient.TLSConfigFor(target))
	if err := tlsConn.HandshakeContext(ctx); err != nil {
		_ = raw.Close()
		return nil, err
	}
	return tlsConn, nil
}
