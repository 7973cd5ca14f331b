package tunnelworker

import (
	"bufio"
	"context"
	"encoding/base64"
	"fmt"
	"net"
	"net/http"
	"time"

	"golang.org/x/net/proxy"
)

// LocalProxyWorker implements Worker for the case where the peer is reached
// through a local SOCKS5 or HTTP CONNECT proxy rather than dialed directly,
// adapted from the teacher's socks5 and httpproxy providers. It has no
// userspace network stack of its own: Spawn just probes the proxy is
// reachable and reports Up immediately, since "the tunnel" in this mode is
// the dialer itself, exercised later by whatever reads through the proxy.
type LocalProxyWorker struct{}

func NewLocalProxyWorker() *LocalProxyWorker { return &LocalProxyWorker{} }

func (w *LocalProxyWorker) Spawn(ctx context.Context, params Parameters) (*Handle, error) {
	if params.LocalProxy == nil {
		return nil, fmt.Errorf("[LocalProxy] missing proxy config")
	}
	cfg := params.LocalProxy
	addr := fmt.Sprintf("%s:%d", cfg.Server, cfg.Port)

	d := net.Dialer{Timeout: 10 * time.Second}
	probe, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("[LocalProxy] %s unreachable: %w", addr, err)
	}
	probe.Close()

	events := make(chan EventEnvelope, 1)
	closeTx := make(chan struct{}, 1)
	closeEvent := make(chan *ErrorCause, 1)

	go func() {
		defer close(closeEvent)
		defer close(events)

		ack := make(chan struct{})
		events <- EventEnvelope{Event: TunnelEvent{Kind: EventUp, Metadata: Metadata{InterfaceName: "localproxy"}}, Ack: ack}
		<-ack

		select {
		case <-ctx.Done():
		case <-closeTx:
		}
		closeEvent <- nil
	}()

	return &Handle{Events: events, CloseTx: closeTx, CloseEvent: closeEvent}, nil
}

// Dial opens a connection to target through the configured local proxy.
// This is the data-plane counterpart to Spawn's control-plane probe; no
// other code in this module calls it (the obfuscator forwarder dials with
// net.Dial).
func Dial(ctx context.Context, cfg *LocalProxyConfig, target string) (net.Conn, error) {
	addr := fmt.Sprintf("%s:%d", cfg.Server, cfg.Port)

	switch cfg.Scheme {
	case "socks5":
		var auth *proxy.Auth
		if cfg.Username != "" {
			auth = &proxy.Auth{User: cfg.Username, Password: cfg.Password}
		}
		dialer, err := proxy.SOCKS5("tcp", addr, auth, proxy.Direct)
		if err != nil {
			return nil, fmt.Errorf("[LocalProxy] socks5 dialer: %w", err)
		}
		if cd, ok := dialer.(proxy.ContextDialer); ok {
			return cd.DialContext(ctx, "tcp", target)
		}
		return dialer.Dial("tcp", target)

	case "http":
		return dialHTTPConnect(ctx, addr, cfg, target)

	default:
		return nil, fmt.Errorf("[LocalProxy] unknown scheme %q", cfg.Scheme)
	}
}

// dialHTTPConnect performs a hand-rolled CONNECT handshake, matching the
// teacher's httpproxy provider (no library does plain-HTTP CONNECT tunnel
// dialing the way the teacher wants it handled).
func dialHTTPConnect(ctx context.Context, proxyAddr string, cfg *LocalProxyConfig, target string) (net.Conn, error) {
	d := net.Dialer{Timeout: 10 * time.Second}
	conn, err := d.DialContext(ctx, "tcp", proxyAddr)
	if err != nil {
		return nil, fmt.Errorf("[LocalProxy] connect to proxy: %w", err)
	}

	req := fmt.Sprintf("CONNECT %s HTTP/1.1\r\nHost: %s\r\n", target, target)
	if cfg.Username != "" {
		creds := base64.StdEncoding.EncodeToString([]byte(cfg.Username + ":" + cfg.Password))
		req += fmt.Sprintf("Proxy-Authorization: Basic %s\r\n", creds)
	}
	req += "\r\n"

	if _, err := conn.Write([]byte(req)); err != nil {
		conn.Close()
		return nil, fmt.Errorf("[LocalProxy] send CONNECT: %w", err)
	}

	br := bufio.NewReader(conn)
	resp, err := http.ReadResponse(br, nil)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("[LocalProxy] read CONNECT response: %w", err)
	}
	resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		conn.Close()
		return nil, fmt.Errorf("[LocalProxy] CONNECT failed: %s", resp.Status)
	}

	if br.Buffered() > 0 {
		return &bufferedConn{Conn: conn, reader: br}, nil
	}
	return conn, nil
}

type bufferedConn struct {
	net.Conn
	reader *bufio.Reader
}

func (c *bufferedConn) Read(b []byte) (int, error) { return c.reader.Read(b) }
