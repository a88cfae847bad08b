// ABOUTME: Gateway websocket client with registration, heartbeat, and reconnect
// ABOUTME: All outbound writes share one mutex; gorilla allows one writer at a time

package proxy

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/2389/acp-relay/internal/protocol"
)

const (
	reconnectBaseDelay = time.Second
	reconnectMaxDelay  = 30 * time.Second
	writeTimeout       = 10 * time.Second
)

// Client maintains the proxy's single control connection to the gateway.
type Client struct {
	cfg    *Config
	logger *slog.Logger

	mu   sync.Mutex
	conn *websocket.Conn
}

// NewClient builds a gateway client. It implements Sender; sends before the
// first successful dial fail with an error.
func NewClient(cfg *Config, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default().With("component", "gateway-client")
	}
	return &Client{cfg: cfg, logger: logger}
}

// Send encodes and writes one message on the control connection.
func (c *Client) Send(msg protocol.Message) error {
	data, err := protocol.Encode(msg)
	if err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn == nil {
		return fmt.Errorf("not connected to gateway")
	}
	c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	return c.conn.WriteMessage(websocket.TextMessage, data)
}

// Run dials the gateway and serves the connection until ctx ends, redialing
// with capped exponential backoff after every disconnect.
func (c *Client) Run(ctx context.Context, p *Proxy) error {
	delay := reconnectBaseDelay
	for {
		err := c.serveOnce(ctx, p)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		c.logger.Warn("gateway connection lost", "error", err, "retry_in", delay)

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
		delay *= 2
		if delay > reconnectMaxDelay {
			delay = reconnectMaxDelay
		}
	}
}

func (c *Client) serveOnce(ctx context.Context, p *Proxy) error {
	header := http.Header{}
	if c.cfg.AuthToken != "" {
		header.Set("Authorization", "Bearer "+c.cfg.AuthToken)
	}

	dialer := websocket.Dialer{HandshakeTimeout: 15 * time.Second}
	conn, _, err := dialer.DialContext(ctx, c.cfg.GatewayURL, header)
	if err != nil {
		return fmt.Errorf("dialing gateway: %w", err)
	}

	c.mu.Lock()
	c.conn = conn
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		c.conn = nil
		c.mu.Unlock()
		conn.Close()
	}()

	if err := c.register(p); err != nil {
		return err
	}
	c.logger.Info("connected to gateway", "url", c.cfg.GatewayURL, "proxy_id", c.cfg.Agent.ID)

	connCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	go c.periodic(connCtx, p)

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				return nil
			}
			return fmt.Errorf("reading from gateway: %w", err)
		}
		msg, err := protocol.Decode(data)
		if err != nil {
			c.logger.Warn("dropping malformed gateway message", "error", err)
			continue
		}
		p.Handle(ctx, msg)
	}
}

// register announces this proxy. The gateway drops connections whose first
// message is anything else.
func (c *Client) register(p *Proxy) error {
	caps := map[string]string{
		"provider":  c.cfg.Sandbox.Provider,
		"acpTunnel": "true",
	}
	if c.cfg.Sandbox.Runtime != "" {
		caps["runtime"] = c.cfg.Sandbox.Runtime
	}
	caps["workspaceMode"] = c.cfg.Sandbox.WorkspaceMode

	return c.Send(&protocol.Register{
		ProxyID:       c.cfg.Agent.ID,
		Name:          c.cfg.Agent.Name,
		MaxConcurrent: c.cfg.Agent.MaxConcurrent,
		Capabilities:  caps,
	})
}

// periodic sends heartbeats and inventory reports for the lifetime of one
// connection. Inventory also goes out once right after connect.
func (c *Client) periodic(ctx context.Context, p *Proxy) {
	heartbeat := time.NewTicker(time.Duration(c.cfg.HeartbeatSeconds) * time.Second)
	defer heartbeat.Stop()
	inventory := time.NewTicker(time.Duration(c.cfg.InventorySeconds) * time.Second)
	defer inventory.Stop()

	if err := p.reportInventory(ctx, nil); err != nil {
		c.logger.Warn("initial inventory report failed", "error", err)
	}

	for {
		select {
		case <-ctx.Done():
			return
		case <-heartbeat.C:
			c.Send(&protocol.Heartbeat{AgentID: c.cfg.Agent.ID, Timestamp: time.Now().UTC()})
		case <-inventory.C:
			if err := p.reportInventory(ctx, nil); err != nil {
				c.logger.Warn("inventory report failed", "error", err)
			}
		}
	}
}

// Run starts the proxy's background loops and blocks until ctx ends.
func (p *Proxy) Run(ctx context.Context, client *Client) error {
	go p.runSweeper(ctx)
	return client.Run(ctx, p)
}
