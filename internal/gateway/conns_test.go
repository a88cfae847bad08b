// ABOUTME: Tests for the proxy connection manager

package gateway

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/acp-relay/internal/protocol"
)

func testConn(proxyID string) *ProxyConn {
	return newProxyConn(&protocol.Register{ProxyID: proxyID}, nil)
}

func TestManagerRegisterAndGet(t *testing.T) {
	m := NewManager(nil)

	conn := testConn("p1")
	require.NoError(t, m.Register(conn))

	got, ok := m.Get("p1")
	require.True(t, ok)
	assert.Same(t, conn, got)
	assert.True(t, m.IsOnline("p1"))
	assert.Equal(t, "p1", got.Name, "name defaults to the proxy id")

	infos := m.List()
	require.Len(t, infos, 1)
	assert.Equal(t, "p1", infos[0].ID)
}

func TestManagerRejectsDuplicateID(t *testing.T) {
	m := NewManager(nil)

	require.NoError(t, m.Register(testConn("p1")))
	err := m.Register(testConn("p1"))
	assert.ErrorIs(t, err, ErrProxyAlreadyRegistered)
}

func TestManagerUnregisterGuardsIdentity(t *testing.T) {
	m := NewManager(nil)

	first := testConn("p1")
	require.NoError(t, m.Register(first))

	// A stale teardown for a different conn object must not evict the
	// registered one.
	m.Unregister("p1", testConn("p1"))
	assert.True(t, m.IsOnline("p1"))

	m.Unregister("p1", first)
	assert.False(t, m.IsOnline("p1"))
}

func TestManagerSendNotConnected(t *testing.T) {
	m := NewManager(nil)

	err := m.Send("ghost", &protocol.Heartbeat{AgentID: "ghost"})
	assert.ErrorIs(t, err, ErrProxyNotConnected)
}
