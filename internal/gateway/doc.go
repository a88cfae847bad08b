// Package gateway implements the orchestrator-side server for the relay.
//
// Proxies connect over a single websocket at /ws/proxy. The first message on
// the stream must be a register carrying the proxy id and capabilities; the
// connection is then tracked by the Manager and every inbound reply is
// dispatched into the tunnel multiplexer, which settles the open, prompt,
// and session-control operations awaiting it.
//
// When a jwt_secret is configured, the upgrade request must carry a Bearer
// token minted by internal/auth. Without a secret, any proxy may connect.
//
// Health endpoints:
//
//	/health        - liveness, always 200 once the server is up
//	/health/ready  - readiness, 200 only when at least one proxy is connected
package gateway
