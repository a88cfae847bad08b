// ABOUTME: Agent stream tunnel: init handshake, protocol loops, exit handling
// ABOUTME: Phase machine starting -> running -> exited, with a suppressed-exit arc

package acp

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/2389/acp-relay/internal/protocol"
	"github.com/2389/acp-relay/internal/sandbox"
)

// maxLineBytes bounds one protocol or diagnostic line.
const maxLineBytes = 10 * 1024 * 1024

const authCallTimeout = 30 * time.Second

// Bridge phases. SuppressNextExit moves a live bridge to phaseExitSuppressed
// so a deliberate teardown consumes the next exit instead of reporting it.
type phase int

const (
	phaseStarting phase = iota
	phaseRunning
	phaseExitSuppressed
	phaseExited
)

// ErrClosed settles pending work when the bridge is torn down.
var ErrClosed = errors.New("agent closed")

// Callbacks receive bridge events. All are optional.
type Callbacks struct {
	// OnUpdate receives session/update notifications, raw.
	OnUpdate func(update protocol.SessionUpdate)
	// OnLog receives redacted diagnostic lines; kind is "init" before the
	// marker resolves, "agent" after.
	OnLog func(kind, line string)
	// OnInitStep receives structured init progress lines.
	OnInitStep func(step InitStep)
	// OnExit fires once when the process ends, unless suppressed.
	OnExit func(status sandbox.ExitStatus)
}

// Config configures a Bridge.
type Config struct {
	Proc        sandbox.Proc
	Redactor    *Redactor
	HasInit     bool
	InitTimeout time.Duration
	Callbacks   Callbacks
	Logger      *slog.Logger
}

// Bridge turns a sandbox process's raw stdio into a structured ACP channel.
// The RPC side is usable only after AwaitInit succeeds.
type Bridge struct {
	proc     sandbox.Proc
	redactor *Redactor
	cb       Callbacks
	logger   *slog.Logger
	rpc      *rpcConn

	initCh      chan InitMarker
	initTimeout time.Duration

	mu          sync.Mutex
	phase       phase
	initResult  *protocol.InitializeResult
	initialized bool
}

// Start wires the bridge onto a running process and begins its read loops.
func Start(cfg Config) *Bridge {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default().With("component", "acp")
	}
	redactor := cfg.Redactor
	if redactor == nil {
		redactor = NewRedactor(nil)
	}
	initTimeout := cfg.InitTimeout
	if initTimeout <= 0 {
		initTimeout = 120 * time.Second
	}

	b := &Bridge{
		proc:        cfg.Proc,
		redactor:    redactor,
		cb:          cfg.Callbacks,
		logger:      logger,
		rpc:         newRPCConn(cfg.Proc.Stdin(), logger),
		initCh:      make(chan InitMarker, 1),
		initTimeout: initTimeout,
		phase:       phaseStarting,
	}

	go b.stderrLoop()
	go b.stdoutLoop()
	go b.waitLoop()
	return b
}

// AwaitInit blocks until the wrapper's marker line arrives or the init
// timeout elapses. A failed or timed-out init is fatal to the open attempt;
// the caller tears the instance down.
func (b *Bridge) AwaitInit(ctx context.Context) (InitMarker, error) {
	timer := time.NewTimer(b.initTimeout)
	defer timer.Stop()

	select {
	case marker := <-b.initCh:
		if !marker.OK {
			code := 0
			if marker.ExitCode != nil {
				code = *marker.ExitCode
			}
			return marker, fmt.Errorf("init script failed with exit code %d", code)
		}
		return marker, nil
	case <-timer.C:
		return InitMarker{}, fmt.Errorf("init script did not complete within %s", b.initTimeout)
	case <-ctx.Done():
		return InitMarker{}, ctx.Err()
	}
}

// SuppressNextExit marks the next process exit as intentional. Single-shot:
// the arc is consumed when the exit is observed.
func (b *Bridge) SuppressNextExit() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.phase == phaseStarting || b.phase == phaseRunning {
		b.phase = phaseExitSuppressed
	}
}

/// Close tears the bridge down: pending calls are rejected once with the
// reason and the process is killed if still running.
func (b *Bridge) Close(reason string) {
	b.rpc.closeAll(fmt.Errorf("%w: %s", ErrClosed, reason))

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := b.proc.Kill(ctx); err != nil {
		b.logger.Debug("killing agent process", "error", err)
	}
}

func (b *Bridge) markRunning() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.phase == phaseStarting {
		b.phase = phaseRunning
	}
}

// observeExit transitions to phaseExited and reports whether the exit was
// suppressed.
func (b *Bridge) observeExit() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	suppressed := b.phase == phaseExitSuppressed
	b.phase = phaseExited
	return suppressed
}

func (b *Bridge) stderrLoop() {
	scanner := bufio.NewScanner(b.proc.Stderr())
	scanner.Buffer(make([]byte, 0, 64*1024), maxLineBytes)

	awaitingMarker := true
	for scanner.Scan() {
		line := scanner.Text()

		if awaitingMarker {
			if marker, ok := ParseMarker(line); ok {
				awaitingMarker = false
				b.markRunning()
				b.initCh <- marker
				continue
			}
			if step, ok := ParseInitStep(line); ok {
				if b.cb.OnInitStep != nil {
					b.cb.OnInitStep(step)
				}
				continue
			}
			b.forwardLog("init", line)
			continue
		}

		b.forwardLog("agent", line)
	}
}

func (b *Bridge) forwardLog(kind, line string) {
	line = b.redactor.Redact(line)
	if strings.TrimSpace(line) == "" {
		return
	}
	if b.cb.OnLog != nil {
		b.cb.OnLog(kind, line)
	}
}

func (b *Bridge) stdoutLoop() {
	scanner := bufio.NewScanner(b.proc.Stdout())
	scanner.Buffer(make([]byte, 0, 64*1024), maxLineBytes)

	for scanner.Scan() {
		line := scanner.Bytes()
		if len(strings.TrimSpace(string(line))) == 0 {
			continue
		}

		var frame struct {
			ID     *int64             `json:"id"`
			Method string             `json:"method"`
			Params json.RawMessage    `json:"params"`
			Result json.RawMessage    `json:"result"`
			Error  *protocol.RPCError `json:"error"`
		}
		if err := json.Unmarshal(line, &frame); err != nil {
			b.logger.Warn("malformed protocol line", "error", err)
			continue
		}

		switch {
		case frame.Method != "" && frame.ID != nil:
			b.handleAgentRequest(*frame.ID, frame.Method, frame.Params)
		case frame.Method != "":
			b.handleNotification(frame.Method, frame.Params)
		default:
			if frame.ID == nil {
				b.logger.Warn("protocol frame with neither method nor id")
				continue
			}
			b.rpc.handleResponse(protocol.RPCResponse{ID: *frame.ID, Result: frame.Result, Error: frame.Error})
		}
	}
}

// handleAgentRequest answers the few agent-initiated requests the tunnel
// supports. Permission requests are auto-answered with the first allow-once
// option; there is no interactive surface to forward them to.
func (b *Bridge) handleAgentRequest(id int64, method string, params json.RawMessage) {
	switch method {
	case "session/request_permission":
		var req struct {
			Options []struct {
				OptionID string `json:"optionId"`
				Kind     string `json:"kind"`
			} `json:"options"`
		}
		if err := json.Unmarshal(params, &req); err != nil || len(req.Options) == 0 {
			_ = b.rpc.Respond(id, map[string]any{"outcome": map[string]any{"outcome": "cancelled"}}, nil)
			return
		}
		chosen := req.Options[0].OptionID
		for _, opt := range req.Options {
			if opt.Kind == "allow_once" {
				chosen = opt.OptionID
				break
			}
		}
		_ = b.rpc.Respond(id, map[string]any{
			"outcome": map[string]any{"outcome": "selected", "optionId": chosen},
		}, nil)
	default:
		_ = b.rpc.Respond(id, nil, &protocol.RPCError{Code: -32601, Message: fmt.Sprintf("method not found: %s", method)})
	}
}

func (b *Bridge) handleNotification(method string, params json.RawMessage) {
	if method != "session/update" {
		b.logger.Debug("dropping notification", "method", method)
		return
	}
	var update protocol.SessionUpdate
	if err := json.Unmarshal(params, &update); err != nil {
		b.logger.Warn("malformed session update", "error", err)
		return
	}
	if b.cb.OnUpdate != nil {
		b.cb.OnUpdate(update)
	}
}

func (b *Bridge) waitLoop() {
	status, err := b.proc.Wait(context.Background())
	if err != nil {
		b.logger.Warn("waiting for agent process", "error", err)
	}

	b.rpc.closeAll(fmt.Errorf("%w: process exited with code %d", ErrClosed, status.Code))

	if b.observeExit() {
		b.logger.Debug("suppressing intentional agent exit", "code", status.Code)
		return
	}
	if b.cb.OnExit != nil {
		b.cb.OnExit(status)
	}
}

// Initialize performs the ACP initialize call once and caches the result;
// subsequent calls return the cache.
func (b *Bridge) Initialize(ctx context.Context) (*protocol.InitializeResult, error) {
	b.mu.Lock()
	if b.initialized {
		res := b.initResult
		b.mu.Unlock()
		return res, nil
	}
	b.mu.Unlock()

	raw, err := b.rpc.Call(ctx, "initialize", map[string]any{
		"protocolVersion": 1,
		"clientInfo":      map[string]any{"name": "acp-relay", "version": "1.0"},
		"clientCapabilities": map[string]any{
			"fs": map[string]any{"readTextFile": false, "writeTextFile": false},
		},
	}, 0)
	if err != nil {
		return nil, fmt.Errorf("initialize: %w", err)
	}

	var res protocol.InitializeResult
	if err := json.Unmarshal(raw, &res); err != nil {
		return nil, fmt.Errorf("parsing initialize result: %w", err)
	}

	b.mu.Lock()
	b.initResult = &res
	b.initialized = true
	b.mu.Unlock()
	return &res, nil
}

// call wraps rpc.Call with the auth-required retry: on the reserved auth
// error code it authenticates with the first advertised method and retries
// the original call exactly once.
func (b *Bridge) call(ctx context.Context, method string, params any, timeout time.Duration) (json.RawMessage, error) {
	raw, err := b.rpc.Call(ctx, method, params, timeout)
	if err == nil {
		return raw, nil
	}

	var rpcErr *protocol.RPCError
	if !errors.As(err, &rpcErr) || rpcErr.Code != protocol.AuthRequiredCode {
		return nil, err
	}

	b.mu.Lock()
	init := b.initResult
	b.mu.Unlock()
	if init == nil || len(init.AuthMethods) == 0 {
		return nil, err
	}

	methodID := init.AuthMethods[0].ID
	b.logger.Info("agent requires auth, retrying", "auth_method", methodID)
	if _, authErr := b.rpc.Call(ctx, "authenticate", map[string]any{"methodId": methodID}, authCallTimeout); authErr != nil {
		return nil, fmt.Errorf("authenticate with %s: %w", methodID, authErr)
	}
	return b.rpc.Call(ctx, method, params, timeout)
}

// NewSession creates a protocol session rooted at cwd.
func (b *Bridge) NewSession(ctx context.Context, cwd string) (string, error) {
	if _, err := b.Initialize(ctx); err != nil {
		return "", err
	}
	raw, err := b.call(ctx, "session/new", map[string]any{"cwd": cwd, "mcpServers": []any{}}, 0)
	if err != nil {
		return "", fmt.Errorf("session/new: %w", err)
	}
	var res struct {
		SessionID string `json:"sessionId"`
	}
	if err := json.Unmarshal(raw, &res); err != nil || res.SessionID == "" {
		return "", fmt.Errorf("session/new returned no session id")
	}
	return res.SessionID, nil
}

// Prompt submits one turn and blocks for its stop reason.
func (b *Bridge) Prompt(ctx context.Context, sessionID string, blocks []protocol.ContentBlock, timeout time.Duration) (string, error) {
	raw, err := b.call(ctx, "session/prompt", map[string]any{"sessionId": sessionID, "prompt": blocks}, timeout)
	if err != nil {
		return "", err
	}
	var res protocol.PromptOutcome
	if err := json.Unmarshal(raw, &res); err != nil {
		return "", fmt.Errorf("parsing prompt result: %w", err)
	}
	return res.StopReason, nil
}

// Cancel interrupts a session's in-flight prompt. Cancellation is a
// notification in the protocol; delivery is all that can be confirmed.
func (b *Bridge) Cancel(sessionID string) error {
	return b.rpc.Notify("session/cancel", map[string]any{"sessionId": sessionID})
}

// SetMode switches the session mode.
func (b *Bridge) SetMode(ctx context.Context, sessionID, modeID string) error {
	_, err := b.call(ctx, "session/set_mode", map[string]any{"sessionId": sessionID, "modeId": modeID}, 0)
	return err
}

// SetModel switches the session model.
func (b *Bridge) SetModel(ctx context.Context, sessionID, modelID string) error {
	_, err := b.call(ctx, "session/set_model", map[string]any{"sessionId": sessionID, "modelId": modelID}, 0)
	return err
}

// SetConfigOption sets one agent-defined session config option.
func (b *Bridge) SetConfigOption(ctx context.Context, sessionID, configID string, value json.RawMessage) error {
	params := map[string]any{"sessionId": sessionID, "configId": configID}
	if value != nil {
		params["value"] = value
	}
	_, err := b.call(ctx, "session/set_config_option", params, 0)
	return err
}

// Send writes a raw protocol message to the agent, for passthrough traffic.
func (b *Bridge) Send(raw json.RawMessage) error {
	return b.rpc.write(json.RawMessage(raw))
}

// AuthMethods exposes the cached initialize result's auth methods.
func (b *Bridge) AuthMethods() []protocol.AuthMethod {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.initResult == nil {
		return nil
	}
	return b.initResult.AuthMethods
}
