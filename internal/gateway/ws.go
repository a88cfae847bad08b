// ABOUTME: Websocket endpoint where proxies connect, register, and stream control messages
// ABOUTME: First message must be a register; inbound replies are dispatched into the tunnel

package gateway

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"github.com/2389/acp-relay/internal/protocol"
	"github.com/2389/acp-relay/internal/sandbox"
)

const storeWriteTimeout = 10 * time.Second

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	// Proxies are daemons, not browsers; origin checks don't apply.
	CheckOrigin: func(r *http.Request) bool { return true },
}

// handleProxyWS upgrades a proxy control connection and serves it until the
// proxy disconnects.
func (g *Gateway) handleProxyWS(w http.ResponseWriter, r *http.Request) {
	var subject string
	if g.verifier != nil {
		token := bearerToken(r.Header.Get("Authorization"))
		if token == "" {
			http.Error(w, "missing bearer token", http.StatusUnauthorized)
			return
		}
		proxyID, err := g.verifier.Verify(token)
		if err != nil {
			g.logger.Warn("proxy auth failed", "error", err)
			http.Error(w, "invalid token", http.StatusUnauthorized)
			return
		}
		g.logger.Debug("proxy token verified", "proxy_id", proxyID)
		subject = proxyID
	}

	ws, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		g.logger.Warn("websocket upgrade failed", "error", err)
		return
	}
	defer ws.Close()

	g.serveProxy(ws, subject)
}

// serveProxy runs the read loop for one proxy connection. The first message
// must be a register; anything else closes the stream. A non-empty subject is
// the identity the token was minted for, and the register must match it.
func (g *Gateway) serveProxy(ws *websocket.Conn, subject string) {
	_, data, err := ws.ReadMessage()
	if err != nil {
		g.logger.Warn("proxy closed before registering", "error", err)
		return
	}

	msg, err := protocol.Decode(data)
	if err != nil {
		g.logger.Warn("undecodable first message from proxy", "error", err)
		return
	}

	reg, ok := msg.(*protocol.Register)
	if !ok {
		g.logger.Warn("first message from proxy was not a register")
		_ = ws.WriteMessage(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.ClosePolicyViolation, "expected register"))
		return
	}
	if reg.ProxyID == "" {
		g.logger.Warn("register with empty proxy id")
		_ = ws.WriteMessage(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.ClosePolicyViolation, "proxy_id is required"))
		return
	}
	if subject != "" && reg.ProxyID != subject {
		g.logger.Warn("register under a different identity than the token",
			"proxy_id", reg.ProxyID, "token_subject", subject)
		_ = ws.WriteMessage(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.ClosePolicyViolation, "proxy_id does not match token"))
		return
	}

	conn := newProxyConn(reg, ws)
	if err := g.manager.Register(conn); err != nil {
		g.logger.Warn("proxy registration rejected", "proxy_id", reg.ProxyID, "error", err)
		_ = ws.WriteMessage(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.ClosePolicyViolation, err.Error()))
		return
	}
	defer func() {
		g.manager.Unregister(conn.ID, conn)
		g.mux.HandleProxyDisconnected(conn.ID)
	}()

	logger := g.logger.With("proxy_id", conn.ID)
	for {
		_, data, err := ws.ReadMessage()
		if err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				logger.Info("proxy closed connection")
			} else {
				logger.Warn("proxy read error", "error", err)
			}
			return
		}

		msg, err := protocol.Decode(data)
		if err != nil {
			logger.Warn("undecodable message from proxy", "error", err)
			continue
		}

		g.dispatch(conn, msg, logger)
	}
}

// dispatch routes one inbound proxy message to the tunnel or the store.
func (g *Gateway) dispatch(conn *ProxyConn, msg protocol.Message, logger *slog.Logger) {
	switch m := msg.(type) {
	case *protocol.Opened:
		g.mux.HandleOpened(conn.ID, m)

	case *protocol.PromptResult:
		g.mux.HandlePromptResult(conn.ID, m)

	case *protocol.PromptUpdate:
		g.mux.HandlePromptUpdate(conn.ID, m)

	case *protocol.SessionControlResult:
		g.mux.HandleSessionControlResult(conn.ID, m)

	case *protocol.SandboxControlResult:
		logger.Info("sandbox control settled",
			"action", m.Action, "run_id", m.RunID, "ok", m.OK, "error", m.Error)

	case *protocol.SandboxInstanceStatus:
		g.handleInstanceStatus(m, logger)

	case *protocol.SandboxInventory:
		logger.Info("sandbox inventory",
			"inventory_id", m.InventoryID,
			"instances", len(m.Instances),
			"missing", len(m.MissingInstances),
			"deleted", len(m.DeletedInstances))

	case *protocol.Heartbeat:
		conn.touch(time.Now())

	case *protocol.AgentLog:
		logger.Debug("agent log", "run_id", m.RunID, "kind", m.Kind, "line", m.Line)

	default:
		logger.Warn("unexpected message from proxy", "type", fmt.Sprintf("%T", msg))
	}
}

// handleInstanceStatus mirrors unsolicited instance status into the store. A
// missing instance means the run is gone on the proxy side; its record is
// dropped so a later prompt does not resurrect it.
func (g *Gateway) handleInstanceStatus(m *protocol.SandboxInstanceStatus, logger *slog.Logger) {
	logger.Info("instance status",
		"run_id", m.RunID, "instance", m.InstanceName, "status", m.Status, "last_error", m.LastError)

	if m.Status != sandbox.StatusMissing || m.RunID == "" {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), storeWriteTimeout)
	defer cancel()
	if err := g.store.DeleteRun(ctx, m.RunID); err != nil {
		logger.Warn("deleting run record for missing instance", "run_id", m.RunID, "error", err)
	}
}

func bearerToken(header string) string {
	const prefix = "Bearer "
	if !strings.HasPrefix(header, prefix) {
		return ""
	}
	return strings.TrimSpace(strings.TrimPrefix(header, prefix))
}
