// ABOUTME: Manages connected relay proxies, handles registration, and routes messages.
// ABOUTME: Central coordinator for proxy connections and message dispatch.

package gateway

import (
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/2389/acp-relay/internal/protocol"
)

// ErrProxyAlreadyRegistered indicates a proxy with the same ID is already connected.
var ErrProxyAlreadyRegistered = errors.New("proxy already registered")

// ErrProxyNotConnected indicates the specified proxy is not connected.
var ErrProxyNotConnected = errors.New("proxy not connected")

// ProxyConn is one registered proxy control connection. Writes are serialized
// under writeMu; gorilla/websocket allows at most one concurrent writer.
type ProxyConn struct {
	ID            string
	Name          string
	MaxConcurrent int
	Capabilities  map[string]string
	ConnectedAt   time.Time

	ws      *websocket.Conn
	writeMu sync.Mutex

	mu       sync.Mutex
	lastSeen time.Time
}

func newProxyConn(reg *protocol.Register, ws *websocket.Conn) *ProxyConn {
	name := reg.Name
	if name == "" {
		name = reg.ProxyID
	}
	now := time.Now()
	return &ProxyConn{
		ID:            reg.ProxyID,
		Name:          name,
		MaxConcurrent: reg.MaxConcurrent,
		Capabilities:  reg.Capabilities,
		ConnectedAt:   now,
		ws:            ws,
		lastSeen:      now,
	}
}

// Send encodes and writes one control message to the proxy.
func (c *ProxyConn) Send(msg protocol.Message) error {
	data, err := protocol.Encode(msg)
	if err != nil {
		return err
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.ws.WriteMessage(websocket.TextMessage, data)
}

func (c *ProxyConn) touch(t time.Time) {
	c.mu.Lock()
	c.lastSeen = t
	c.mu.Unlock()
}

// LastSeen reports when the proxy last sent a heartbeat or registered.
func (c *ProxyConn) LastSeen() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastSeen
}

// Manager coordinates all connected proxies and routes messages to them.
// It implements tunnel.Sender.
type Manager struct {
	proxies map[string]*ProxyConn
	mu      sync.RWMutex
	logger  *slog.Logger
}

// NewManager creates a new Manager instance.
func NewManager(logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default().With("component", "proxy-manager")
	}
	return &Manager{
		proxies: make(map[string]*ProxyConn),
		logger:  logger,
	}
}

// Register adds a new proxy connection to the manager.
// Returns ErrProxyAlreadyRegistered if a proxy with the same ID exists.
func (m *Manager) Register(conn *ProxyConn) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.proxies[conn.ID]; exists {
		return ErrProxyAlreadyRegistered
	}

	m.proxies[conn.ID] = conn
	m.logger.Info("proxy connected",
		"proxy_id", conn.ID,
		"name", conn.Name,
		"capabilities", conn.Capabilities,
		"total_proxies", len(m.proxies),
	)
	return nil
}

// Unregister removes a proxy from the manager. The conn identity guards
// against a reconnect racing the teardown of its predecessor.
func (m *Manager) Unregister(proxyID string, conn *ProxyConn) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if existing, exists := m.proxies[proxyID]; exists && existing == conn {
		delete(m.proxies, proxyID)
		m.logger.Info("proxy disconnected",
			"proxy_id", proxyID,
			"name", conn.Name,
			"total_proxies", len(m.proxies),
		)
	}
}

// Get retrieves a specific proxy by ID.
func (m *Manager) Get(proxyID string) (*ProxyConn, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	conn, ok := m.proxies[proxyID]
	return conn, ok
}

// IsOnline checks whether a proxy with the given ID is currently connected.
func (m *Manager) IsOnline(proxyID string) bool {
	_, ok := m.Get(proxyID)
	return ok
}

// Send routes a control message to the named proxy.
func (m *Manager) Send(proxyID string, msg protocol.Message) error {
	conn, ok := m.Get(proxyID)
	if !ok {
		return ErrProxyNotConnected
	}
	return conn.Send(msg)
}

// ProxyInfo contains public information about a connected proxy.
type ProxyInfo struct {
	ID            string
	Name          string
	MaxConcurrent int
	Capabilities  map[string]string
	ConnectedAt   time.Time
	LastSeen      time.Time
}

// List returns information about all connected proxies.
func (m *Manager) List() []*ProxyInfo {
	m.mu.RLock()
	defer m.mu.RUnlock()

	infos := make([]*ProxyInfo, 0, len(m.proxies))
	for _, conn := range m.proxies {
		infos = append(infos, &ProxyInfo{
			ID:            conn.ID,
			Name:          conn.Name,
			MaxConcurrent: conn.MaxConcurrent,
			Capabilities:  conn.Capabilities,
			ConnectedAt:   conn.ConnectedAt,
			LastSeen:      conn.LastSeen(),
		})
	}
	return infos
}
