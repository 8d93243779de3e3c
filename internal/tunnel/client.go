// Package tunnel exposes the local UI bridge through a remote gateway. The
// client dials out over a websocket and serves yamux streams the gateway
// opens, piping each one to the local listen address.
package tunnel

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"github.com/hashicorp/yamux"
)

const (
	SecretHeader = "X-Gateway-Secret"

	initialBackoff = time.Second
	maxBackoff     = 30 * time.Second
)

// Client connects outbound to a gateway and multiplexes traffic via yamux.
type Client struct {
	log        *slog.Logger
	gatewayURL string // wss://gateway.example.com/tunnel
	secret     string // pre-shared secret
	localAddr  string // e.g. localhost:8800

	initialBackoff time.Duration
}

func NewClient(log *slog.Logger, gatewayURL, secret, localAddr string) *Client {
	return &Client{
		log:            log.With("component", "tunnel"),
		gatewayURL:     gatewayURL,
		secret:         secret,
		localAddr:      localAddr,
		initialBackoff: initialBackoff,
	}
}

// Run keeps a tunnel up until ctx is cancelled, reconnecting with
// exponential backoff.
func (c *Client) Run(ctx context.Context) error {
	backoff := c.initialBackoff

	for {
		connected, err := c.connect(ctx)
		if ctx.Err() != nil {
			return nil
		}
		if connected {
			// Connected successfully at some point, reset backoff
			backoff = c.initialBackoff
		}
		c.log.Warn("Tunnel connection lost", "error", err, "retry_in", backoff)

		t := time.NewTimer(backoff)
		select {
		case <-ctx.Done():
			t.Stop()
			return nil
		case <-t.C:
		}
		if !connected {
			backoff = min(backoff*2, maxBackoff)
		}
	}
}

// connect serves one gateway connection until it fails. connected reports
// whether the handshake succeeded.
func (c *Client) connect(ctx context.Context) (connected bool, err error) {
	dialer := websocket.Dialer{
		HandshakeTimeout: 10 * time.Second,
		// Gateways commonly run self-signed; the pre-shared secret
		// authenticates the connection.
		TLSClientConfig: &tls.Config{InsecureSkipVerify: true},
	}

	header := http.Header{}
	header.Set(SecretHeader, c.secret)

	wsConn, _, err := dialer.DialContext(ctx, c.gatewayURL, header)
	if err != nil {
		return false, fmt.Errorf("dial gateway: %w", err)
	}
	defer wsConn.Close()

	c.log.Info("Connected to gateway", "url", c.gatewayURL)

	// We are the yamux server: the gateway opens streams.
	session, err := yamux.Server(newWSStream(wsConn), yamux.DefaultConfig())
	if err != nil {
		return true, fmt.Errorf("yamux server: %w", err)
	}
	defer session.Close()

	stop := context.AfterFunc(ctx, func() { session.Close() })
	defer stop()

	for {
		stream, err := session.Accept()
		if err != nil {
			if errors.Is(err, io.EOF) {
				return true, fmt.Errorf("gateway closed the session")
			}
			return true, fmt.Errorf("accept stream: %w", err)
		}
		go c.handleStream(stream)
	}
}

func (c *Client) handleStream(stream net.Conn) {
	defer stream.Close()

	local, err := net.Dial("tcp", c.localAddr)
	if err != nil {
		c.log.Error("Dial local failed", "addr", c.localAddr, "error", err)
		return
	}
	defer local.Close()

	// Bidirectional copy
	done := make(chan struct{})
	go func() {
		io.Copy(local, stream)
		if tcp, ok := local.(*net.TCPConn); ok {
			tcp.CloseWrite()
		}
		close(done)
	}()
	io.Copy(stream, local)
	stream.Close()
	<-done
}
