// ABOUTME: Tests for the tunnel multiplexer against a fake sender and store
// ABOUTME: Covers open idempotence, prompt settlement, ordering, disconnects

package tunnel

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/acp-relay/internal/protocol"
	"github.com/2389/acp-relay/internal/store"
)

type fakeSender struct {
	mu   sync.Mutex
	sent []protocol.Message
}

func (s *fakeSender) Send(proxyID string, msg protocol.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sent = append(s.sent, msg)
	return nil
}

func (s *fakeSender) messages() []protocol.Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]protocol.Message(nil), s.sent...)
}

func (s *fakeSender) lastOpen() *protocol.Open {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := len(s.sent) - 1; i >= 0; i-- {
		if m, ok := s.sent[i].(*protocol.Open); ok {
			return m
		}
	}
	return nil
}

func (s *fakeSender) lastPrompt() *protocol.Prompt {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := len(s.sent) - 1; i >= 0; i-- {
		if m, ok := s.sent[i].(*protocol.Prompt); ok {
			return m
		}
	}
	return nil
}

// memStore is an in-memory store.Store for multiplexer tests.
type memStore struct {
	mu     sync.Mutex
	runs   map[string]store.Run
	states map[string]store.SessionState
	events []store.Event
}

func newMemStore() *memStore {
	return &memStore{runs: make(map[string]store.Run), states: make(map[string]store.SessionState)}
}

func (s *memStore) UpsertRun(ctx context.Context, run store.Run) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.runs[run.ID] = run
	return nil
}

func (s *memStore) GetRun(ctx context.Context, runID string) (*store.Run, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	run, ok := s.runs[runID]
	if !ok {
		return nil, store.ErrNotFound
	}
	return &run, nil
}

func (s *memStore) ListRunsByProxy(ctx context.Context, proxyID string) ([]*store.Run, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*store.Run
	for _, run := range s.runs {
		if run.ProxyID == proxyID {
			r := run
			out = append(out, &r)
		}
	}
	return out, nil
}

func (s *memStore) DeleteRun(ctx context.Context, runID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.runs, runID)
	delete(s.states, runID)
	return nil
}

func (s *memStore) GetSessionState(ctx context.Context, runID string) (*store.SessionState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	state, ok := s.states[runID]
	if !ok {
		return nil, store.ErrNotFound
	}
	return &state, nil
}

func (s *memStore) SaveSessionState(ctx context.Context, runID string, state store.SessionState) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.states[runID] = state
	return nil
}

func (s *memStore) AppendEvent(ctx context.Context, event store.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, event)
	return nil
}

func (s *memStore) ListEvents(ctx context.Context, runID string, limit int) ([]store.Event, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []store.Event
	for _, e := range s.events {
		if e.RunID == runID {
			out = append(out, e)
		}
	}
	return out, nil
}

func (s *memStore) Close() error { return nil }

func (s *memStore) eventKinds(runID string) []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []string
	for _, e := range s.events {
		if e.RunID == runID {
			out = append(out, e.Kind)
		}
	}
	return out
}

func newTestMux(t *testing.T) (*Multiplexer, *fakeSender, *memStore) {
	t.Helper()
	sender := &fakeSender{}
	st := newMemStore()
	return NewMultiplexer(sender, st, nil), sender, st
}

func openRun(t *testing.T, mux *Multiplexer, sender *fakeSender, proxyID, runID string) {
	t.Helper()
	done := make(chan error, 1)
	go func() {
		done <- mux.EnsureOpen(context.Background(), proxyID, OpenSpec{RunID: runID, Cwd: "/workspace"})
	}()
	require.Eventually(t, func() bool { return sender.lastOpen() != nil }, time.Second, 5*time.Millisecond)
	mux.HandleOpened(proxyID, &protocol.Opened{RunID: runID, OK: true})
	require.NoError(t, <-done)
}

func TestEnsureOpenSendsAndAwaitsAck(t *testing.T) {
	mux, sender, st := newTestMux(t)
	openRun(t, mux, sender, "p1", "r1")

	open := sender.lastOpen()
	assert.Equal(t, "acp-run-r1", open.InstanceName, "instance name derives from run id when unset")
	assert.Equal(t, 1800, open.KeepaliveTTLSeconds, "ttl defaults when unset")
	assert.True(t, mux.RunOpen("p1", "r1"))

	run, err := st.GetRun(context.Background(), "r1")
	require.NoError(t, err)
	assert.Equal(t, "p1", run.ProxyID)
}

func TestEnsureOpenIdempotent(t *testing.T) {
	mux, sender, _ := newTestMux(t)
	openRun(t, mux, sender, "p1", "r1")

	before := len(sender.messages())
	require.NoError(t, mux.EnsureOpen(context.Background(), "p1", OpenSpec{RunID: "r1", Cwd: "/workspace"}))
	assert.Len(t, sender.messages(), before, "an already-open run must not re-send open")
}

func TestConcurrentOpensShareOneSend(t *testing.T) {
	mux, sender, _ := newTestMux(t)

	const n = 4
	errs := make(chan error, n)
	for i := 0; i < n; i++ {
		go func() {
			errs <- mux.EnsureOpen(context.Background(), "p1", OpenSpec{RunID: "r1", Cwd: "/workspace"})
		}()
	}
	require.Eventually(t, func() bool { return sender.lastOpen() != nil }, time.Second, 5*time.Millisecond)
	// Give the remaining callers time to attach to the in-flight open.
	time.Sleep(20 * time.Millisecond)
	mux.HandleOpened("p1", &protocol.Opened{RunID: "r1", OK: true})

	for i := 0; i < n; i++ {
		require.NoError(t, <-errs)
	}

	opens := 0
	for _, msg := range sender.messages() {
		if _, ok := msg.(*protocol.Open); ok {
			opens++
		}
	}
	assert.Equal(t, 1, opens)
}

func TestOpenFailureRejects(t *testing.T) {
	mux, sender, _ := newTestMux(t)

	done := make(chan error, 1)
	go func() {
		done <- mux.EnsureOpen(context.Background(), "p1", OpenSpec{RunID: "r1"})
	}()
	require.Eventually(t, func() bool { return sender.lastOpen() != nil }, time.Second, 5*time.Millisecond)
	mux.HandleOpened("p1", &protocol.Opened{RunID: "r1", OK: false, Error: "init script failed"})

	err := <-done
	require.Error(t, err)
	assert.Contains(t, err.Error(), "init script failed")
	assert.False(t, mux.RunOpen("p1", "r1"))
}

func TestPromptRunSettlesOnResult(t *testing.T) {
	mux, sender, st := newTestMux(t)
	openRun(t, mux, sender, "p1", "r1")

	done := make(chan PromptOutcome, 1)
	errCh := make(chan error, 1)
	go func() {
		out, err := mux.PromptRun(context.Background(), "p1", PromptSpec{
			RunID:  "r1",
			Cwd:    "/workspace",
			Prompt: []protocol.ContentBlock{protocol.TextBlock("hi")},
		})
		done <- out
		errCh <- err
	}()

	require.Eventually(t, func() bool { return sender.lastPrompt() != nil }, time.Second, 5*time.Millisecond)
	prompt := sender.lastPrompt()

	mux.HandlePromptResult("p1", &protocol.PromptResult{
		RunID:      "r1",
		PromptID:   prompt.PromptID,
		OK:         true,
		SessionID:  "s1",
		StopReason: "end_turn",
	})

	out := <-done
	require.NoError(t, <-errCh)
	assert.Equal(t, "s1", out.SessionID)
	assert.Equal(t, "end_turn", out.StopReason)

	// Session id is persisted on the run record.
	assert.Eventually(t, func() bool {
		run, err := st.GetRun(context.Background(), "r1")
		return err == nil && run.ACPSessionID == "s1"
	}, time.Second, 5*time.Millisecond)
}

func TestPromptResultMissingFieldsRejects(t *testing.T) {
	mux, sender, _ := newTestMux(t)
	openRun(t, mux, sender, "p1", "r1")

	errCh := make(chan error, 1)
	go func() {
		_, err := mux.PromptRun(context.Background(), "p1", PromptSpec{RunID: "r1"})
		errCh <- err
	}()
	require.Eventually(t, func() bool { return sender.lastPrompt() != nil }, time.Second, 5*time.Millisecond)

	mux.HandlePromptResult("p1", &protocol.PromptResult{
		RunID:    "r1",
		PromptID: sender.lastPrompt().PromptID,
		OK:       true, // but no session_id/stop_reason
	})

	err := <-errCh
	require.Error(t, err)
	assert.Contains(t, err.Error(), "missing session_id or stop_reason")
}

func TestChunksFlushBeforeNonCoalescableUpdate(t *testing.T) {
	mux, sender, st := newTestMux(t)
	openRun(t, mux, sender, "p1", "r1")

	chunk := func(text string) json.RawMessage {
		raw, _ := json.Marshal(map[string]any{
			"sessionUpdate": "agent_message_chunk",
			"content":       map[string]any{"type": "text", "text": text},
		})
		return raw
	}

	mux.HandlePromptUpdate("p1", &protocol.PromptUpdate{RunID: "r1", SessionID: "s1", Update: chunk("He")})
	mux.HandlePromptUpdate("p1", &protocol.PromptUpdate{RunID: "r1", SessionID: "s1", Update: chunk("llo")})
	mux.HandlePromptUpdate("p1", &protocol.PromptUpdate{RunID: "r1", SessionID: "s1",
		Update: json.RawMessage(`{"sessionUpdate":"plan","entries":[]}`)})

	require.Eventually(t, func() bool { return len(st.eventKinds("r1")) == 2 }, time.Second, 5*time.Millisecond)

	events, err := st.ListEvents(context.Background(), "r1", 0)
	require.NoError(t, err)
	require.Len(t, events, 2)
	assert.Equal(t, "agent_message_chunk", events[0].Kind)
	assert.JSONEq(t, `{"text":"Hello"}`, string(events[0].Payload), "adjacent chunks must coalesce into one record")
	assert.Equal(t, "plan", events[1].Kind)
}

func TestUpdateForUnknownRunUsesStoreFallback(t *testing.T) {
	mux, _, st := newTestMux(t)

	chunkUpdate := json.RawMessage(`{"sessionUpdate":"plan","entries":[]}`)

	// Unknown run, not in storage: dropped.
	mux.HandlePromptUpdate("p1", &protocol.PromptUpdate{RunID: "ghost", SessionID: "s1", Update: chunkUpdate})
	time.Sleep(20 * time.Millisecond)
	assert.Empty(t, st.eventKinds("ghost"))

	// Unknown run, but the store still knows it (orchestrator restarted):
	// persisted.
	require.NoError(t, st.UpsertRun(context.Background(), store.Run{ID: "r9", ProxyID: "p1"}))
	mux.HandlePromptUpdate("p1", &protocol.PromptUpdate{RunID: "r9", SessionID: "s1", Update: chunkUpdate})
	assert.Eventually(t, func() bool { return len(st.eventKinds("r9")) == 1 }, time.Second, 5*time.Millisecond)

	// A run owned by a different proxy is dropped.
	mux.HandlePromptUpdate("p2", &protocol.PromptUpdate{RunID: "r9", SessionID: "s1", Update: chunkUpdate})
	time.Sleep(20 * time.Millisecond)
	assert.Len(t, st.eventKinds("r9"), 1)
}

func TestSetSessionModeUpdatesMirror(t *testing.T) {
	mux, sender, st := newTestMux(t)
	openRun(t, mux, sender, "p1", "r1")

	errCh := make(chan error, 1)
	go func() {
		errCh <- mux.SetSessionMode(context.Background(), "p1", "r1", "s1", "plan")
	}()

	var ctl *protocol.SessionSetMode
	require.Eventually(t, func() bool {
		for _, msg := range sender.messages() {
			if m, ok := msg.(*protocol.SessionSetMode); ok {
				ctl = m
				return true
			}
		}
		return false
	}, time.Second, 5*time.Millisecond)

	mux.HandleSessionControlResult("p1", &protocol.SessionControlResult{RunID: "r1", ControlID: ctl.ControlID, OK: true})
	require.NoError(t, <-errCh)

	state, err := st.GetSessionState(context.Background(), "r1")
	require.NoError(t, err)
	assert.Equal(t, "plan", state.CurrentModeID)
}

func TestSessionControlOnClosedRun(t *testing.T) {
	mux, _, _ := newTestMux(t)
	err := mux.CancelSession(context.Background(), "p1", "r1", "s1")
	assert.ErrorIs(t, err, ErrRunNotOpen)
}

func TestDisconnectRejectsEverythingOnce(t *testing.T) {
	mux, sender, _ := newTestMux(t)
	openRun(t, mux, sender, "p1", "r1")

	promptErr := make(chan error, 1)
	go func() {
		_, err := mux.PromptRun(context.Background(), "p1", PromptSpec{RunID: "r1"})
		promptErr <- err
	}()
	require.Eventually(t, func() bool { return sender.lastPrompt() != nil }, time.Second, 5*time.Millisecond)

	openingErr := make(chan error, 1)
	go func() {
		openingErr <- mux.EnsureOpen(context.Background(), "p1", OpenSpec{RunID: "r2"})
	}()
	require.Eventually(t, func() bool {
		open := sender.lastOpen()
		return open != nil && open.RunID == "r2"
	}, time.Second, 5*time.Millisecond)

	mux.HandleProxyDisconnected("p1")

	assert.ErrorIs(t, <-promptErr, ErrDisconnected)
	assert.ErrorIs(t, <-openingErr, ErrDisconnected)
	assert.False(t, mux.RunOpen("p1", "r1"), "no partial state survives disconnection")

	// Late results after the disconnect are dropped, not double-settled.
	mux.HandlePromptResult("p1", &protocol.PromptResult{RunID: "r1", PromptID: "stale", OK: true, SessionID: "s", StopReason: "end_turn"})
}

func TestCloseRunRejectsInFlightPrompt(t *testing.T) {
	mux, sender, _ := newTestMux(t)
	openRun(t, mux, sender, "p1", "r1")

	promptErr := make(chan error, 1)
	go func() {
		_, err := mux.PromptRun(context.Background(), "p1", PromptSpec{
			RunID:  "r1",
			Prompt: []protocol.ContentBlock{protocol.TextBlock("hi")},
		})
		promptErr <- err
	}()
	require.Eventually(t, func() bool { return sender.lastPrompt() != nil }, time.Second, 5*time.Millisecond)

	require.NoError(t, mux.CloseRun("p1", "r1"))

	select {
	case err := <-promptErr:
		assert.ErrorIs(t, err, ErrRunClosed)
	case <-time.After(time.Second):
		t.Fatal("prompt awaiter was not released by close")
	}
	assert.False(t, mux.RunOpen("p1", "r1"))
}

func TestClampKeepaliveTTL(t *testing.T) {
	assert.Equal(t, 1800, ClampKeepaliveTTL(0))
	assert.Equal(t, 60, ClampKeepaliveTTL(10))
	assert.Equal(t, 86400, ClampKeepaliveTTL(100000))
	assert.Equal(t, 600, ClampKeepaliveTTL(600))
}
