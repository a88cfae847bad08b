// ABOUTME: Tests for the agent stream bridge using an in-memory process
// ABOUTME: Covers the init handshake, redaction, exit suppression, auth retry

package acp

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/acp-relay/internal/protocol"
	"github.com/2389/acp-relay/internal/sandbox"
)

// fakeProc is an in-memory sandbox.Proc. The test plays the agent: it reads
// requests from agentIn and writes protocol lines to agentOut.
type fakeProc struct {
	stdinR  *io.PipeReader
	stdinW  *io.PipeWriter
	stdoutR *io.PipeReader
	stdoutW *io.PipeWriter
	stderrR *io.PipeReader
	stderrW *io.PipeWriter

	exitOnce sync.Once
	exitCh   chan sandbox.ExitStatus
}

func newFakeProc() *fakeProc {
	p := &fakeProc{exitCh: make(chan sandbox.ExitStatus, 1)}
	p.stdinR, p.stdinW = io.Pipe()
	p.stdoutR, p.stdoutW = io.Pipe()
	p.stderrR, p.stderrW = io.Pipe()
	return p
}

func (p *fakeProc) Stdin() io.WriteCloser { return p.stdinW }
func (p *fakeProc) Stdout() io.Reader     { return p.stdoutR }
func (p *fakeProc) Stderr() io.Reader     { return p.stderrR }

func (p *fakeProc) Wait(ctx context.Context) (sandbox.ExitStatus, error) {
	select {
	case status := <-p.exitCh:
		return status, nil
	case <-ctx.Done():
		return sandbox.ExitStatus{}, ctx.Err()
	}
}

func (p *fakeProc) Kill(ctx context.Context) error {
	p.exit(137)
	return nil
}

func (p *fakeProc) exit(code int) {
	p.exitOnce.Do(func() {
		// Sever stdin too so a writer blocked on the pipe unblocks, the way
		// killing a container errors out its attached stream.
		p.stdinR.CloseWithError(io.ErrClosedPipe)
		p.stdoutW.Close()
		p.stderrW.Close()
		p.exitCh <- sandbox.ExitStatus{Code: code}
	})
}

func (p *fakeProc) emitStderr(line string) {
	fmt.Fprintln(p.stderrW, line)
}

func (p *fakeProc) emitMarker(t *testing.T, marker InitMarker) {
	t.Helper()
	data, err := json.Marshal(marker)
	require.NoError(t, err)
	p.emitStderr(MarkerPrefix + string(data))
}

// serveAgent answers bridge requests with handler until stdin closes.
func (p *fakeProc) serveAgent(handler func(method string, params json.RawMessage, id *int64) (any, *protocol.RPCError)) {
	go func() {
		scanner := bufio.NewScanner(p.stdinR)
		scanner.Buffer(make([]byte, 0, 64*1024), maxLineBytes)
		for scanner.Scan() {
			var req struct {
				ID     *int64          `json:"id"`
				Method string          `json:"method"`
				Params json.RawMessage `json:"params"`
			}
			if err := json.Unmarshal(scanner.Bytes(), &req); err != nil {
				continue
			}
			result, rpcErr := handler(req.Method, req.Params, req.ID)
			if req.ID == nil {
				continue
			}
			resp := map[string]any{"jsonrpc": "2.0", "id": *req.ID}
			if rpcErr != nil {
				resp["error"] = rpcErr
			} else {
				resp["result"] = result
			}
			data, _ := json.Marshal(resp)
			fmt.Fprintln(p.stdoutW, string(data))
		}
	}()
}

func TestAwaitInitSuccess(t *testing.T) {
	proc := newFakeProc()
	b := Start(Config{Proc: proc, HasInit: true, InitTimeout: time.Second})

	proc.emitMarker(t, InitMarker{OK: true})
	marker, err := b.AwaitInit(context.Background())
	require.NoError(t, err)
	assert.True(t, marker.OK)
	assert.False(t, marker.Skipped)
}

func TestAwaitInitSkipped(t *testing.T) {
	proc := newFakeProc()
	b := Start(Config{Proc: proc, InitTimeout: time.Second})

	proc.emitMarker(t, InitMarker{OK: true, Skipped: true})
	marker, err := b.AwaitInit(context.Background())
	require.NoError(t, err)
	assert.True(t, marker.Skipped)
}

func TestAwaitInitFailureCarriesExitCode(t *testing.T) {
	proc := newFakeProc()
	b := Start(Config{Proc: proc, HasInit: true, InitTimeout: time.Second})

	code := 7
	proc.emitMarker(t, InitMarker{OK: false, ExitCode: &code})
	_, err := b.AwaitInit(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "exit code 7")
}

func TestAwaitInitTimeout(t *testing.T) {
	proc := newFakeProc()
	b := Start(Config{Proc: proc, HasInit: true, InitTimeout: 30 * time.Millisecond})

	_, err := b.AwaitInit(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "did not complete")
}

func TestInitLinesForwardedRedacted(t *testing.T) {
	var mu sync.Mutex
	var logs [][2]string

	proc := newFakeProc()
	b := Start(Config{
		Proc:        proc,
		HasInit:     true,
		InitTimeout: time.Second,
		Redactor:    NewRedactor([]string{"hunter2secret"}),
		Callbacks: Callbacks{
			OnLog: func(kind, line string) {
				mu.Lock()
				logs = append(logs, [2]string{kind, line})
				mu.Unlock()
			},
		},
	})

	proc.emitStderr("cloning with token hunter2secret done")
	proc.emitMarker(t, InitMarker{OK: true})
	_, err := b.AwaitInit(context.Background())
	require.NoError(t, err)
	proc.emitStderr("agent warming up hunter2secret")

	assert.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(logs) == 2
	}, time.Second, 5*time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, "init", logs[0][0])
	assert.Equal(t, "cloning with token [REDACTED] done", logs[0][1])
	assert.Equal(t, "agent", logs[1][0])
	assert.Equal(t, "agent warming up [REDACTED]", logs[1][1])
}

func TestInitStepLines(t *testing.T) {
	var mu sync.Mutex
	var steps []InitStep

	proc := newFakeProc()
	Start(Config{
		Proc:        proc,
		HasInit:     true,
		InitTimeout: time.Second,
		Callbacks: Callbacks{
			OnInitStep: func(step InitStep) {
				mu.Lock()
				steps = append(steps, step)
				mu.Unlock()
			},
		},
	})

	proc.emitStderr(InitStepPrefix + "clone:started")
	proc.emitStderr(InitStepPrefix + "clone:done:42 objects")

	assert.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(steps) == 2
	}, time.Second, 5*time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, InitStep{Stage: "clone", Status: "started"}, steps[0])
	assert.Equal(t, InitStep{Stage: "clone", Status: "done", Message: "42 objects"}, steps[1])
}

func TestExitReportedOnce(t *testing.T) {
	exits := make(chan sandbox.ExitStatus, 2)
	proc := newFakeProc()
	Start(Config{
		Proc:        proc,
		InitTimeout: time.Second,
		Callbacks:   Callbacks{OnExit: func(s sandbox.ExitStatus) { exits <- s }},
	})

	proc.exit(3)

	select {
	case status := <-exits:
		assert.Equal(t, 3, status.Code)
	case <-time.After(time.Second):
		t.Fatal("exit not reported")
	}
	select {
	case <-exits:
		t.Fatal("exit reported twice")
	case <-time.After(50 * time.Millisecond):
	}
}

func TestSuppressNextExit(t *testing.T) {
	exits := make(chan sandbox.ExitStatus, 1)
	proc := newFakeProc()
	b := Start(Config{
		Proc:        proc,
		InitTimeout: time.Second,
		Callbacks:   Callbacks{OnExit: func(s sandbox.ExitStatus) { exits <- s }},
	})

	b.SuppressNextExit()
	proc.exit(0)

	select {
	case <-exits:
		t.Fatal("suppressed exit must not be reported")
	case <-time.After(100 * time.Millisecond):
	}
}

func TestAuthRequiredRetry(t *testing.T) {
	proc := newFakeProc()
	var mu sync.Mutex
	authenticated := false
	var calls []string

	proc.serveAgent(func(method string, params json.RawMessage, id *int64) (any, *protocol.RPCError) {
		mu.Lock()
		defer mu.Unlock()
		calls = append(calls, method)
		switch method {
		case "initialize":
			return map[string]any{
				"protocolVersion": 1,
				"authMethods":     []map[string]any{{"id": "api-key"}},
			}, nil
		case "authenticate":
			authenticated = true
			return map[string]any{}, nil
		case "session/new":
			if !authenticated {
				return nil, &protocol.RPCError{Code: protocol.AuthRequiredCode, Message: "auth required"}
			}
			return map[string]any{"sessionId": "s1"}, nil
		}
		return nil, &protocol.RPCError{Code: -32601, Message: "method not found"}
	})

	b := Start(Config{Proc: proc, InitTimeout: time.Second})
	proc.emitMarker(t, InitMarker{OK: true, Skipped: true})
	_, err := b.AwaitInit(context.Background())
	require.NoError(t, err)

	sessionID, err := b.NewSession(context.Background(), "/workspace")
	require.NoError(t, err)
	assert.Equal(t, "s1", sessionID)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{"initialize", "session/new", "authenticate", "session/new"}, calls)
}

func TestPermissionRequestAutoAnswered(t *testing.T) {
	proc := newFakeProc()
	Start(Config{Proc: proc, InitTimeout: time.Second})

	// Agent asks for permission; the bridge must answer with the first
	// allow-once option.
	req := map[string]any{
		"jsonrpc": "2.0",
		"id":      99,
		"method":  "session/request_permission",
		"params": map[string]any{
			"options": []map[string]any{
				{"optionId": "reject", "kind": "reject_once"},
				{"optionId": "allow", "kind": "allow_once"},
			},
		},
	}
	data, _ := json.Marshal(req)
	fmt.Fprintln(proc.stdoutW, string(data))

	scanner := bufio.NewScanner(proc.stdinR)
	require.True(t, scanner.Scan())

	var resp struct {
		ID     int64 `json:"id"`
		Result struct {
			Outcome struct {
				Outcome  string `json:"outcome"`
				OptionID string `json:"optionId"`
			} `json:"outcome"`
		} `json:"result"`
	}
	require.NoError(t, json.Unmarshal(scanner.Bytes(), &resp))
	assert.Equal(t, int64(99), resp.ID)
	assert.Equal(t, "selected", resp.Result.Outcome.Outcome)
	assert.Equal(t, "allow", resp.Result.Outcome.OptionID)
}

func TestSessionUpdatesForwarded(t *testing.T) {
	updates := make(chan protocol.SessionUpdate, 1)
	proc := newFakeProc()
	Start(Config{
		Proc:        proc,
		InitTimeout: time.Second,
		Callbacks:   Callbacks{OnUpdate: func(u protocol.SessionUpdate) { updates <- u }},
	})

	note := map[string]any{
		"jsonrpc": "2.0",
		"method":  "session/update",
		"params": map[string]any{
			"sessionId": "s1",
			"update":    map[string]any{"sessionUpdate": "agent_message_chunk", "content": map[string]any{"type": "text", "text": "hi"}},
		},
	}
	data, _ := json.Marshal(note)
	fmt.Fprintln(proc.stdoutW, string(data))

	select {
	case u := <-updates:
		assert.Equal(t, "s1", u.SessionID)
		assert.Equal(t, "agent_message_chunk", protocol.UpdateKind(u.Update))
	case <-time.After(time.Second):
		t.Fatal("update not forwarded")
	}
}

func TestCloseRejectsPendingCalls(t *testing.T) {
	proc := newFakeProc()
	b := Start(Config{Proc: proc, InitTimeout: time.Second})

	done := make(chan error, 1)
	go func() {
		_, err := b.rpc.Call(context.Background(), "session/prompt", nil, time.Minute)
		done <- err
	}()
	require.Eventually(t, func() bool {
		b.rpc.mu.Lock()
		defer b.rpc.mu.Unlock()
		return len(b.rpc.pending) == 1
	}, time.Second, 5*time.Millisecond)

	b.Close("keepalive_expired")

	select {
	case err := <-done:
		assert.ErrorIs(t, err, ErrClosed)
		assert.Contains(t, err.Error(), "keepalive_expired")
	case <-time.After(time.Second):
		t.Fatal("pending call not rejected on close")
	}
}

func TestWrapperScriptShape(t *testing.T) {
	withInit := WrapperScript(true, 30)
	assert.Contains(t, withInit, "timeout 30")
	assert.Contains(t, withInit, `exec "$@"`)
	assert.Contains(t, withInit, MarkerPrefix)

	without := WrapperScript(false, 0)
	assert.Contains(t, without, `"skipped":true`)
	assert.Contains(t, without, `exec "$@"`)
	assert.NotContains(t, without, InitScriptPath)
}
