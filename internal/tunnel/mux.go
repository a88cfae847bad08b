// ABOUTME: Orchestrator-side tunnel multiplexer over the proxy control connection
// ABOUTME: Maps run ids to tunnel states and settles deferreds from inbound replies

package tunnel

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/2389/acp-relay/internal/protocol"
	"github.com/2389/acp-relay/internal/runq"
	"github.com/2389/acp-relay/internal/sandbox"
	"github.com/2389/acp-relay/internal/store"
)

var (
	// ErrAwaitTimeout means no reply arrived within the deadline. A missing
	// reply is a timeout error, never silent success.
	ErrAwaitTimeout = errors.New("timed out waiting for proxy reply")
	// ErrDisconnected settles every outstanding deferred when the owning
	// proxy's connection drops.
	ErrDisconnected = errors.New("proxy disconnected")
	// ErrRunNotOpen is returned for session controls on a run with no tunnel.
	ErrRunNotOpen = errors.New("run is not open")
	// ErrRunClosed settles outstanding deferreds when the run is closed out
	// from under them.
	ErrRunClosed = errors.New("run closed")
)

const (
	defaultOpenTimeout   = 300 * time.Second
	openTimeoutHeadroom  = 10 * time.Second
	defaultPromptTimeout = time.Hour
	minPromptTimeout     = 5 * time.Second
	maxPromptTimeout     = 24 * time.Hour
	controlTimeout       = 60 * time.Second

	defaultKeepaliveTTLSeconds = 1800
	minKeepaliveTTLSeconds     = 60
	maxKeepaliveTTLSeconds     = 86400
)

// Sender delivers a control message to a connected proxy.
type Sender interface {
	Send(proxyID string, msg protocol.Message) error
}

// OpenSpec describes an open request.
type OpenSpec struct {
	RunID               string
	Cwd                 string
	InstanceName        string
	KeepaliveTTLSeconds int
	Init                *protocol.InitSpec
}

// PromptSpec describes one prompt turn.
type PromptSpec struct {
	RunID               string
	Cwd                 string
	SessionID           string
	Context             string
	Prompt              []protocol.ContentBlock
	TimeoutMs           int64
	InstanceName        string
	KeepaliveTTLSeconds int
	Init                *protocol.InitSpec
}

// PromptOutcome is what a settled prompt yields.
type PromptOutcome struct {
	SessionID            string
	StopReason           string
	SessionCreated       bool
	SessionRecreatedFrom string
}

type runState struct {
	proxyID      string
	runID        string
	cwd          string
	instanceName string
	ttlSeconds   int

	opened   bool
	opening  *deferred[struct{}]
	prompts  map[string]*deferred[PromptOutcome]
	controls map[string]*deferred[struct{}]
}

// Multiplexer owns every tunnel state for every connected proxy. All map
// mutation happens under its lock; all persistence happens on the per-run
// operation queue so chunk flushes and result writes keep arrival order.
type Multiplexer struct {
	sender Sender
	store  store.Store
	queue  *runq.Queue
	logger *slog.Logger

	mu      sync.Mutex
	states  map[string]*runState    // key: proxyID/runID
	buffers map[string]*chunkBuffer // same key
}

// NewMultiplexer builds a multiplexer over the given sender and store.
func NewMultiplexer(sender Sender, st store.Store, logger *slog.Logger) *Multiplexer {
	if logger == nil {
		logger = slog.Default().With("component", "tunnel")
	}
	return &Multiplexer{
		sender:  sender,
		store:   st,
		queue:   runq.New(),
		logger:  logger,
		states:  make(map[string]*runState),
		buffers: make(map[string]*chunkBuffer),
	}
}

func stateKey(proxyID, runID string) string { return proxyID + "/" + runID }

// ClampKeepaliveTTL normalizes a requested TTL to [60, 86400] seconds, with
// 1800 as the default for zero.
func ClampKeepaliveTTL(seconds int) int {
	switch {
	case seconds <= 0:
		return defaultKeepaliveTTLSeconds
	case seconds < minKeepaliveTTLSeconds:
		return minKeepaliveTTLSeconds
	case seconds > maxKeepaliveTTLSeconds:
		return maxKeepaliveTTLSeconds
	default:
		return seconds
	}
}

func clampPromptTimeout(ms int64) time.Duration {
	if ms <= 0 {
		return defaultPromptTimeout
	}
	d := time.Duration(ms) * time.Millisecond
	if d < minPromptTimeout {
		return minPromptTimeout
	}
	if d > maxPromptTimeout {
		return maxPromptTimeout
	}
	return d
}

// openTimeoutFor extends the default deadline when an init script's own
// timeout is larger.
func openTimeoutFor(init *protocol.InitSpec) time.Duration {
	timeout := defaultOpenTimeout
	if init != nil && init.TimeoutSeconds > 0 {
		withInit := time.Duration(init.TimeoutSeconds)*time.Second + openTimeoutHeadroom
		if withInit > timeout {
			timeout = withInit
		}
	}
	return timeout
}

func (m *Multiplexer) getOrCreateState(proxyID, runID string) *runState {
	key := stateKey(proxyID, runID)
	st, ok := m.states[key]
	if !ok {
		st = &runState{
			proxyID:  proxyID,
			runID:    runID,
			prompts:  make(map[string]*deferred[PromptOutcome]),
			controls: make(map[string]*deferred[struct{}]),
		}
		m.states[key] = st
	}
	return st
}

func (m *Multiplexer) bufferFor(proxyID, runID string) *chunkBuffer {
	key := stateKey(proxyID, runID)
	buf, ok := m.buffers[key]
	if !ok {
		buf = newChunkBuffer(func(segs []segment) {
			m.queue.Go(key, func() { m.persistSegments(runID, segs) })
		})
		m.buffers[key] = buf
	}
	return buf
}

func (m *Multiplexer) persistSegments(runID string, segs []segment) {
	ctx := context.Background()
	for _, seg := range segs {
		payload, _ := json.Marshal(map[string]string{"text": seg.text})
		err := m.store.AppendEvent(ctx, store.Event{
			RunID:     runID,
			SessionID: seg.sessionID,
			Kind:      seg.kind,
			Payload:   payload,
		})
		if err != nil {
			m.logger.Warn("persisting text chunk failed", "run_id", runID, "error", err)
		}
	}
}

// EnsureOpen is idempotent: a run already open for the same cwd returns
// immediately; an in-flight open is awaited; otherwise an open message is
// sent and its acknowledgement awaited.
func (m *Multiplexer) EnsureOpen(ctx context.Context, proxyID string, spec OpenSpec) error {
	if err := protocol.ValidateRunID(spec.RunID); err != nil {
		return err
	}

	instanceName := spec.InstanceName
	if instanceName == "" {
		instanceName = sandbox.InstanceNameForRun(spec.RunID)
	}
	ttl := ClampKeepaliveTTL(spec.KeepaliveTTLSeconds)

	m.mu.Lock()
	st := m.getOrCreateState(proxyID, spec.RunID)
	// An empty cwd means "wherever the run already is".
	if st.opened && (spec.Cwd == "" || st.cwd == spec.Cwd) {
		m.mu.Unlock()
		return nil
	}
	if st.opening != nil {
		d := st.opening
		m.mu.Unlock()
		_, err := d.await(ctx, openTimeoutFor(spec.Init))
		return err
	}

	d := newDeferred[struct{}]()
	st.opening = d
	st.cwd = spec.Cwd
	st.instanceName = instanceName
	st.ttlSeconds = ttl
	m.mu.Unlock()

	err := m.queue.Do(stateKey(proxyID, spec.RunID), func() error {
		return m.store.UpsertRun(ctx, store.Run{
			ID:                  spec.RunID,
			ProxyID:             proxyID,
			SandboxInstanceName: instanceName,
			KeepaliveTTLSeconds: ttl,
		})
	})
	if err != nil {
		m.clearOpening(proxyID, spec.RunID, d)
		return err
	}

	msg := &protocol.Open{
		RunID:               spec.RunID,
		Cwd:                 spec.Cwd,
		Init:                spec.Init,
		InstanceName:        instanceName,
		KeepaliveTTLSeconds: ttl,
	}
	if err := m.sender.Send(proxyID, msg); err != nil {
		m.clearOpening(proxyID, spec.RunID, d)
		d.reject(err)
		return err
	}

	if _, err := d.await(ctx, openTimeoutFor(spec.Init)); err != nil {
		m.clearOpening(proxyID, spec.RunID, d)
		return err
	}
	return nil
}

func (m *Multiplexer) clearOpening(proxyID, runID string, d *deferred[struct{}]) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if st, ok := m.states[stateKey(proxyID, runID)]; ok && st.opening == d {
		st.opening = nil
	}
}

// HandleOpened settles the in-flight open for the run.
func (m *Multiplexer) HandleOpened(proxyID string, msg *protocol.Opened) {
	m.mu.Lock()
	st, ok := m.states[stateKey(proxyID, msg.RunID)]
	if !ok || st.opening == nil {
		m.mu.Unlock()
		m.logger.Warn("opened ack with no open in flight", "run_id", msg.RunID)
		return
	}
	d := st.opening
	st.opening = nil
	if msg.OK {
		st.opened = true
	}
	m.mu.Unlock()

	if msg.OK {
		d.resolve(struct{}{})
		return
	}
	reason := msg.Error
	if reason == "" {
		reason = "open failed"
	}
	d.reject(fmt.Errorf("open %s: %s", msg.RunID, reason))
}

// PromptRun ensures the run is open, sends one prompt turn, and awaits its
// result.
func (m *Multiplexer) PromptRun(ctx context.Context, proxyID string, spec PromptSpec) (PromptOutcome, error) {
	err := m.EnsureOpen(ctx, proxyID, OpenSpec{
		RunID:               spec.RunID,
		Cwd:                 spec.Cwd,
		InstanceName:        spec.InstanceName,
		KeepaliveTTLSeconds: spec.KeepaliveTTLSeconds,
		Init:                spec.Init,
	})
	if err != nil {
		return PromptOutcome{}, err
	}

	promptID := uuid.NewString()
	d := newDeferred[PromptOutcome]()

	m.mu.Lock()
	st := m.getOrCreateState(proxyID, spec.RunID)
	st.prompts[promptID] = d
	instanceName := st.instanceName
	ttl := st.ttlSeconds
	m.mu.Unlock()

	defer func() {
		m.mu.Lock()
		delete(st.prompts, promptID)
		m.mu.Unlock()
	}()

	key := stateKey(proxyID, spec.RunID)
	_ = m.queue.Do(key, func() error {
		return m.patchSessionState(spec.RunID, func(state *store.SessionState) {
			state.SessionID = spec.SessionID
			state.Activity = "prompting"
			state.InFlight = true
		})
	})

	msg := &protocol.Prompt{
		RunID:               spec.RunID,
		PromptID:            promptID,
		Cwd:                 spec.Cwd,
		SessionID:           spec.SessionID,
		InstanceName:        instanceName,
		KeepaliveTTLSeconds: ttl,
		Context:             spec.Context,
		Prompt:              spec.Prompt,
		TimeoutMs:           spec.TimeoutMs,
		Init:                spec.Init,
	}
	if err := m.sender.Send(proxyID, msg); err != nil {
		return PromptOutcome{}, err
	}

	outcome, err := d.await(ctx, clampPromptTimeout(spec.TimeoutMs))
	if err != nil {
		_ = m.queue.Do(key, func() error {
			return m.patchSessionState(spec.RunID, func(state *store.SessionState) {
				state.Activity = "idle"
				state.InFlight = false
				state.Note = err.Error()
			})
		})
		return PromptOutcome{}, err
	}
	return outcome, nil
}

// HandlePromptResult flushes buffered chunks for the run, persists the
// outcome, and settles the matching prompt deferred.
func (m *Multiplexer) HandlePromptResult(proxyID string, msg *protocol.PromptResult) {
	key := stateKey(proxyID, msg.RunID)

	m.mu.Lock()
	buf := m.buffers[key]
	st, ok := m.states[key]
	var d *deferred[PromptOutcome]
	if ok {
		d = st.prompts[msg.PromptID]
	}
	m.mu.Unlock()

	// Buffered output must be durable before the result is.
	if buf != nil {
		buf.Flush()
	}

	_ = m.queue.Do(key, func() error {
		ctx := context.Background()
		if msg.OK && msg.SessionID != "" {
			if run, err := m.store.GetRun(ctx, msg.RunID); err == nil {
				run.ACPSessionID = msg.SessionID
				if err := m.store.UpsertRun(ctx, *run); err != nil {
					m.logger.Warn("persisting session id failed", "run_id", msg.RunID, "error", err)
				}
			}
		}
		return m.patchSessionState(msg.RunID, func(state *store.SessionState) {
			state.Activity = "idle"
			state.InFlight = false
			if msg.SessionID != "" {
				state.SessionID = msg.SessionID
			}
			state.LastStopReason = msg.StopReason
			if !msg.OK {
				state.Note = msg.Error
			}
		})
	})

	if d == nil {
		m.logger.Warn("prompt result with no pending prompt", "run_id", msg.RunID, "prompt_id", msg.PromptID)
		return
	}

	if !msg.OK {
		reason := msg.Error
		if reason == "" {
			reason = "prompt failed"
		}
		d.reject(errors.New(reason))
		return
	}
	if msg.SessionID == "" || msg.StopReason == "" {
		d.reject(fmt.Errorf("prompt result missing session_id or stop_reason"))
		return
	}
	d.resolve(PromptOutcome{
		SessionID:            msg.SessionID,
		StopReason:           msg.StopReason,
		SessionCreated:       msg.SessionCreated,
		SessionRecreatedFrom: msg.SessionRecreatedFrom,
	})
}

// HandlePromptUpdate funnels a session update through the chunk buffer.
// Updates for runs with no tunnel state (an orchestrator restart lost the
// map) are persisted only when the store still knows the run; otherwise they
// are dropped.
func (m *Multiplexer) HandlePromptUpdate(proxyID string, msg *protocol.PromptUpdate) {
	key := stateKey(proxyID, msg.RunID)

	m.mu.Lock()
	_, known := m.states[key]
	m.mu.Unlock()

	if !known {
		run, err := m.store.GetRun(context.Background(), msg.RunID)
		if err != nil || run.ProxyID != proxyID {
			m.logger.Warn("dropping update for unknown run", "run_id", msg.RunID)
			return
		}
	}

	m.mu.Lock()
	buf := m.bufferFor(proxyID, msg.RunID)
	m.mu.Unlock()

	if kind, text, ok := coalescableText(msg.Update); ok {
		buf.add(msg.SessionID, kind, text)
		return
	}

	// Non-coalescable updates flush pending text first to preserve order.
	buf.Flush()
	kind := protocol.UpdateKind(msg.Update)
	if kind == "" {
		kind = "unknown"
	}
	update := msg.Update
	sessionID := msg.SessionID
	m.queue.Go(key, func() {
		err := m.store.AppendEvent(context.Background(), store.Event{
			RunID:     msg.RunID,
			SessionID: sessionID,
			Kind:      kind,
			Payload:   update,
		})
		if err != nil {
			m.logger.Warn("persisting update failed", "run_id", msg.RunID, "error", err)
		}
	})

	// Mode and config changes also refresh the advisory session mirror.
	switch kind {
	case "current_mode_update":
		var payload struct {
			CurrentModeID string `json:"currentModeId"`
		}
		if json.Unmarshal(update, &payload) == nil && payload.CurrentModeID != "" {
			m.queue.Go(key, func() {
				_ = m.patchSessionState(msg.RunID, func(state *store.SessionState) {
					state.CurrentModeID = payload.CurrentModeID
				})
			})
		}
	case "config_option_update":
		m.queue.Go(key, func() {
			_ = m.patchSessionState(msg.RunID, func(state *store.SessionState) {
				state.Note = "config option updated"
			})
		})
	}
}

type sessionControl struct {
	build func(controlID string) protocol.Message
	// applied to the session mirror on success
	patch func(state *store.SessionState)
}

func (m *Multiplexer) sendSessionControl(ctx context.Context, proxyID, runID string, ctl sessionControl) error {
	key := stateKey(proxyID, runID)

	m.mu.Lock()
	st, ok := m.states[key]
	if !ok || !st.opened {
		m.mu.Unlock()
		return ErrRunNotOpen
	}
	controlID := uuid.NewString()
	d := newDeferred[struct{}]()
	st.controls[controlID] = d
	m.mu.Unlock()

	defer func() {
		m.mu.Lock()
		delete(st.controls, controlID)
		m.mu.Unlock()
	}()

	if err := m.sender.Send(proxyID, ctl.build(controlID)); err != nil {
		return err
	}
	if _, err := d.await(ctx, controlTimeout); err != nil {
		return err
	}

	if ctl.patch != nil {
		return m.queue.Do(key, func() error {
			return m.patchSessionState(runID, ctl.patch)
		})
	}
	return nil
}

// CancelSession interrupts the session's in-flight prompt.
func (m *Multiplexer) CancelSession(ctx context.Context, proxyID, runID, sessionID string) error {
	return m.sendSessionControl(ctx, proxyID, runID, sessionControl{
		build: func(controlID string) protocol.Message {
			return &protocol.SessionCancel{RunID: runID, ControlID: controlID, SessionID: sessionID}
		},
		patch: func(state *store.SessionState) {
			state.Activity = "cancelled"
			state.InFlight = false
		},
	})
}

// SetSessionMode switches the session mode and mirrors it on success.
func (m *Multiplexer) SetSessionMode(ctx context.Context, proxyID, runID, sessionID, modeID string) error {
	return m.sendSessionControl(ctx, proxyID, runID, sessionControl{
		build: func(controlID string) protocol.Message {
			return &protocol.SessionSetMode{RunID: runID, ControlID: controlID, SessionID: sessionID, ModeID: modeID}
		},
		patch: func(state *store.SessionState) { state.CurrentModeID = modeID },
	})
}

// SetSessionModel switches the session model and mirrors it on success.
func (m *Multiplexer) SetSessionModel(ctx context.Context, proxyID, runID, sessionID, modelID string) error {
	return m.sendSessionControl(ctx, proxyID, runID, sessionControl{
		build: func(controlID string) protocol.Message {
			return &protocol.SessionSetModel{RunID: runID, ControlID: controlID, SessionID: sessionID, ModelID: modelID}
		},
		patch: func(state *store.SessionState) { state.CurrentModelID = modelID },
	})
}

// SetSessionConfigOption sets an agent-defined config option.
func (m *Multiplexer) SetSessionConfigOption(ctx context.Context, proxyID, runID, sessionID, configID string, value json.RawMessage) error {
	return m.sendSessionControl(ctx, proxyID, runID, sessionControl{
		build: func(controlID string) protocol.Message {
			return &protocol.SessionSetConfigOption{RunID: runID, ControlID: controlID, SessionID: sessionID, ConfigID: configID, Value: value}
		},
	})
}

// HandleSessionControlResult settles the matching control deferred.
func (m *Multiplexer) HandleSessionControlResult(proxyID string, msg *protocol.SessionControlResult) {
	m.mu.Lock()
	st, ok := m.states[stateKey(proxyID, msg.RunID)]
	var d *deferred[struct{}]
	if ok {
		d = st.controls[msg.ControlID]
	}
	m.mu.Unlock()

	if d == nil {
		m.logger.Warn("control result with no pending control", "run_id", msg.RunID, "control_id", msg.ControlID)
		return
	}
	if msg.OK {
		d.resolve(struct{}{})
		return
	}
	reason := msg.Error
	if reason == "" {
		reason = "session control failed"
	}
	d.reject(errors.New(reason))
}

// CloseRun marks the run idle on the proxy (starting its keepalive clock)
// and drops local tunnel state. Outstanding deferreds are rejected so their
// awaiters do not sit out their full timeouts.
func (m *Multiplexer) CloseRun(proxyID, runID string) error {
	key := stateKey(proxyID, runID)

	m.mu.Lock()
	st := m.states[key]
	buf := m.buffers[key]
	delete(m.states, key)
	delete(m.buffers, key)
	m.mu.Unlock()

	if st != nil {
		if st.opening != nil {
			st.opening.reject(ErrRunClosed)
		}
		for _, d := range st.prompts {
			d.reject(ErrRunClosed)
		}
		for _, d := range st.controls {
			d.reject(ErrRunClosed)
		}
	}
	if buf != nil {
		buf.Flush()
	}
	return m.sender.Send(proxyID, &protocol.Close{RunID: runID})
}

// HandleProxyDisconnected rejects every outstanding deferred owned by the
// proxy exactly once and discards all of its tunnel state.
func (m *Multiplexer) HandleProxyDisconnected(proxyID string) {
	prefix := proxyID + "/"

	m.mu.Lock()
	var dropped []*runState
	for key, st := range m.states {
		if len(key) > len(prefix) && key[:len(prefix)] == prefix {
			dropped = append(dropped, st)
			delete(m.states, key)
		}
	}
	var buffers []*chunkBuffer
	for key, buf := range m.buffers {
		if len(key) > len(prefix) && key[:len(prefix)] == prefix {
			buffers = append(buffers, buf)
			delete(m.buffers, key)
		}
	}
	m.mu.Unlock()

	for _, st := range dropped {
		if st.opening != nil {
			st.opening.reject(ErrDisconnected)
		}
		for _, d := range st.prompts {
			d.reject(ErrDisconnected)
		}
		for _, d := range st.controls {
			d.reject(ErrDisconnected)
		}
	}
	for _, buf := range buffers {
		buf.discard()
	}

	if len(dropped) > 0 {
		m.logger.Info("dropped tunnel state for disconnected proxy", "proxy_id", proxyID, "runs", len(dropped))
	}
}

// RunOpen reports whether a tunnel is currently open for the run.
func (m *Multiplexer) RunOpen(proxyID, runID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	st, ok := m.states[stateKey(proxyID, runID)]
	return ok && st.opened
}

func (m *Multiplexer) patchSessionState(runID string, patch func(*store.SessionState)) error {
	ctx := context.Background()
	state, err := m.store.GetSessionState(ctx, runID)
	if err != nil {
		if !errors.Is(err, store.ErrNotFound) {
			return err
		}
		state = &store.SessionState{}
	}
	patch(state)
	return m.store.SaveSessionState(ctx, runID, *state)
}
