// ABOUTME: Tests for the SQLite store implementation
// ABOUTME: Each test gets a fresh database in a temp directory

package store

import (
	"context"
	"encoding/json"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) *SQLiteStore {
	t.Helper()
	s, err := NewSQLiteStore(filepath.Join(t.TempDir(), "relay.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestRunRoundTrip(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.UpsertRun(ctx, Run{
		ID:                  "r1",
		ProxyID:             "proxy-1",
		SandboxInstanceName: "acp-run-r1",
		KeepaliveTTLSeconds: 1800,
	}))

	run, err := s.GetRun(ctx, "r1")
	require.NoError(t, err)
	assert.Equal(t, "proxy-1", run.ProxyID)
	assert.Equal(t, "acp-run-r1", run.SandboxInstanceName)
	assert.Equal(t, 1800, run.KeepaliveTTLSeconds)
	assert.False(t, run.CreatedAt.IsZero())

	// Upsert updates in place.
	run.ACPSessionID = "s1"
	require.NoError(t, s.UpsertRun(ctx, *run))
	run, err = s.GetRun(ctx, "r1")
	require.NoError(t, err)
	assert.Equal(t, "s1", run.ACPSessionID)
}

func TestGetRunNotFound(t *testing.T) {
	s := newTestStore(t)
	_, err := s.GetRun(context.Background(), "ghost")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestListRunsByProxy(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.UpsertRun(ctx, Run{ID: "r1", ProxyID: "p1"}))
	require.NoError(t, s.UpsertRun(ctx, Run{ID: "r2", ProxyID: "p1"}))
	require.NoError(t, s.UpsertRun(ctx, Run{ID: "r3", ProxyID: "p2"}))

	runs, err := s.ListRunsByProxy(ctx, "p1")
	require.NoError(t, err)
	require.Len(t, runs, 2)
}

func TestDeleteRunRemovesSessionState(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.UpsertRun(ctx, Run{ID: "r1", ProxyID: "p1"}))
	require.NoError(t, s.SaveSessionState(ctx, "r1", SessionState{SessionID: "s1", Activity: "prompting"}))

	require.NoError(t, s.DeleteRun(ctx, "r1"))

	_, err := s.GetRun(ctx, "r1")
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = s.GetSessionState(ctx, "r1")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestSessionStateRoundTrip(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.SaveSessionState(ctx, "r1", SessionState{
		SessionID:      "s1",
		InFlight:       true,
		CurrentModeID:  "plan",
		LastStopReason: "end_turn",
	}))

	state, err := s.GetSessionState(ctx, "r1")
	require.NoError(t, err)
	assert.Equal(t, "s1", state.SessionID)
	assert.True(t, state.InFlight)
	assert.Equal(t, "plan", state.CurrentModeID)
	assert.False(t, state.UpdatedAt.IsZero())
}

func TestEventLogOrder(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.AppendEvent(ctx, Event{RunID: "r1", SessionID: "s1", Kind: "agent_message_chunk", Payload: json.RawMessage(`{"text":"Hello"}`)}))
	require.NoError(t, s.AppendEvent(ctx, Event{RunID: "r1", SessionID: "s1", Kind: "plan", Payload: json.RawMessage(`{"entries":[]}`)}))
	require.NoError(t, s.AppendEvent(ctx, Event{RunID: "r2", SessionID: "s2", Kind: "agent_message_chunk", Payload: json.RawMessage(`{"text":"other"}`)}))

	events, err := s.ListEvents(ctx, "r1", 0)
	require.NoError(t, err)
	require.Len(t, events, 2)
	assert.Equal(t, "agent_message_chunk", events[0].Kind)
	assert.Equal(t, "plan", events[1].Kind)
	assert.Less(t, events[0].ID, events[1].ID)
}
