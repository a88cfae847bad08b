// ABOUTME: Proxy-side run orchestration: open, prompt, close, session control
// ABOUTME: Every run-scoped operation runs on that run's FIFO queue

package proxy

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/2389/acp-relay/internal/acp"
	"github.com/2389/acp-relay/internal/protocol"
	"github.com/2389/acp-relay/internal/runq"
	"github.com/2389/acp-relay/internal/sandbox"
)

const (
	defaultCwd = "/workspace"

	defaultPromptTimeout = time.Hour
	minPromptTimeout     = 5 * time.Second
	maxPromptTimeout     = 24 * time.Hour

	defaultInitTimeout = 120 * time.Second

	// controlKey serializes fleet-wide sandbox control actions that carry no
	// run id.
	controlKey = "sandbox-control"
)

// Sender delivers a control-connection message to the gateway.
type Sender interface {
	Send(msg protocol.Message) error
}

// Proxy hosts sandboxed agent runs on one node and answers the gateway's
// control messages.
type Proxy struct {
	cfg     *Config
	manager *sandbox.Manager
	sender  Sender
	queue   *runq.Queue
	runs    *registry
	logger  *slog.Logger

	// now and sweepPeriod are swappable for tests.
	now         func() time.Time
	sweepPeriod time.Duration
}

// New builds a Proxy around a sandbox manager and an outbound sender.
func New(cfg *Config, manager *sandbox.Manager, sender Sender, logger *slog.Logger) *Proxy {
	if logger == nil {
		logger = slog.Default().With("component", "proxy")
	}
	return &Proxy{
		cfg:         cfg,
		manager:     manager,
		sender:      sender,
		queue:       runq.New(),
		runs:        newRegistry(),
		logger:      logger,
		now:         time.Now,
		sweepPeriod: 60 * time.Second,
	}
}

func (p *Proxy) send(msg protocol.Message) {
	if err := p.sender.Send(msg); err != nil {
		p.logger.Warn("sending to gateway", "error", err)
	}
}

// Handle dispatches one inbound gateway message. Open and prompt are
// enqueued on the run's queue so they never interleave; session controls and
// raw passthrough run directly, because their whole point is reaching an
// agent whose prompt is still in flight (a cancel queued behind the prompt it
// should cancel would never run). Handle itself returns immediately and never
// blocks the read pump.
func (p *Proxy) Handle(ctx context.Context, msg protocol.Message) {
	switch m := msg.(type) {
	case *protocol.Open:
		p.queue.Go(m.RunID, func() { p.handleOpen(ctx, m) })
	case *protocol.Prompt:
		p.queue.Go(m.RunID, func() { p.handlePrompt(ctx, m) })
	case *protocol.RawMessage:
		go p.handleRawMessage(m)
	case *protocol.Close:
		p.queue.Go(m.RunID, func() { p.runs.markClosed(m.RunID, p.now()) })
	case *protocol.SessionCancel:
		go p.handleSessionControl(m.RunID, m.ControlID, func(b *acp.Bridge, sessionID string) error {
			return b.Cancel(pick(m.SessionID, sessionID))
		})
	case *protocol.SessionSetMode:
		go p.handleSessionControl(m.RunID, m.ControlID, func(b *acp.Bridge, sessionID string) error {
			return b.SetMode(ctx, pick(m.SessionID, sessionID), m.ModeID)
		})
	case *protocol.SessionSetModel:
		go p.handleSessionControl(m.RunID, m.ControlID, func(b *acp.Bridge, sessionID string) error {
			return b.SetModel(ctx, pick(m.SessionID, sessionID), m.ModelID)
		})
	case *protocol.SessionSetConfigOption:
		go p.handleSessionControl(m.RunID, m.ControlID, func(b *acp.Bridge, sessionID string) error {
			return b.SetConfigOption(ctx, pick(m.SessionID, sessionID), m.ConfigID, m.Value)
		})
	case *protocol.SandboxControl:
		key := controlKey
		if m.RunID != "" {
			key = m.RunID
		}
		p.queue.Go(key, func() { p.handleSandboxControl(ctx, m) })
	default:
		p.logger.Warn("dropping unexpected gateway message", "type", fmt.Sprintf("%T", msg))
	}
}

func pick(explicit, fallback string) string {
	if explicit != "" {
		return explicit
	}
	return fallback
}

func (p *Proxy) handleOpen(ctx context.Context, msg *protocol.Open) {
	if err := p.openRun(ctx, msg); err != nil {
		p.logger.Warn("open failed", "run_id", msg.RunID, "error", err)
		p.send(&protocol.Opened{RunID: msg.RunID, OK: false, Error: err.Error()})
		return
	}
	p.send(&protocol.Opened{RunID: msg.RunID, OK: true})
}

// openRun ensures the run has a running instance with a live agent stream.
// Idempotent for an already-open run without an init script; an init script
// always gets a fresh instance, so a stale one is torn down first.
func (p *Proxy) openRun(ctx context.Context, msg *protocol.Open) error {
	if err := protocol.ValidateRunID(msg.RunID); err != nil {
		return err
	}
	instanceName := msg.InstanceName
	if instanceName == "" {
		instanceName = sandbox.InstanceNameForRun(msg.RunID)
	}

	ru := p.runs.getOrCreate(msg.RunID, instanceName, clampTTL(msg.KeepaliveTTLSeconds), p.now())
	if ru.bridge != nil {
		if msg.Init == nil {
			return nil
		}
		// A new init script invalidates the live stream and its instance.
		ru.bridge.SuppressNextExit()
		ru.bridge.Close("replaced by reinitialized instance")
		p.runs.update(msg.RunID, func(r *run) { r.bridge = nil })
	}

	if msg.Init != nil {
		inst, err := p.manager.Inspect(ctx, instanceName)
		if err != nil {
			return fmt.Errorf("inspecting %s: %w", instanceName, err)
		}
		if inst.Status != sandbox.StatusMissing {
			if err := p.manager.Remove(ctx, instanceName); err != nil {
				return fmt.Errorf("removing stale instance %s: %w", instanceName, err)
			}
		}
	}

	if _, err := p.manager.EnsureRunning(ctx, msg.RunID, instanceName); err != nil {
		return err
	}

	bridge, err := p.startAgent(ctx, msg.RunID, instanceName, msg.Init)
	if err != nil {
		// A failed init leaves the instance in an unknown state; stop it so
		// the next open starts clean.
		if stopErr := p.manager.Stop(ctx, instanceName); stopErr != nil {
			p.logger.Warn("stopping instance after failed open", "instance", instanceName, "error", stopErr)
		}
		return err
	}

	p.runs.update(msg.RunID, func(r *run) { r.bridge = bridge })
	return nil
}

// startAgent places the wrapper (and init inputs) in the instance, execs the
// agent command through it, and blocks for the init marker.
func (p *Proxy) startAgent(ctx context.Context, runID, instanceName string, init *protocol.InitSpec) (*acp.Bridge, error) {
	driver := p.manager.Driver()
	hasInit := init != nil && strings.TrimSpace(init.Script) != ""

	timeoutSeconds := 0
	if hasInit {
		timeoutSeconds = init.TimeoutSeconds
	}
	wrapper := acp.WrapperScript(hasInit, timeoutSeconds)
	if err := driver.WriteFile(ctx, instanceName, acp.WrapperPath, []byte(wrapper), 0o755); err != nil {
		return nil, fmt.Errorf("writing wrapper: %w", err)
	}
	if hasInit {
		if err := driver.WriteFile(ctx, instanceName, acp.InitScriptPath, []byte(init.Script), 0o755); err != nil {
			return nil, fmt.Errorf("writing init script: %w", err)
		}
		if len(init.Env) > 0 {
			if err := driver.WriteFile(ctx, instanceName, acp.InitEnvPath, []byte(acp.EnvFile(init.Env)), 0o600); err != nil {
				return nil, fmt.Errorf("writing init env: %w", err)
			}
		}
	}

	cmd := append([]string{"sh", acp.WrapperPath}, p.cfg.Agent.Command...)
	proc, err := driver.Exec(ctx, instanceName, cmd, nil, "")
	if err != nil {
		return nil, fmt.Errorf("starting agent: %w", err)
	}

	initTimeout := defaultInitTimeout
	if hasInit && init.TimeoutSeconds > 0 {
		initTimeout = time.Duration(init.TimeoutSeconds)*time.Second + 10*time.Second
	}

	secrets := make(map[string]string, len(p.cfg.Sandbox.Env))
	for k, v := range p.cfg.Sandbox.Env {
		secrets[k] = v
	}
	if init != nil {
		for k, v := range init.Env {
			secrets[k] = v
		}
	}

	bridge := acp.Start(acp.Config{
		Proc:        proc,
		Redactor:    acp.NewRedactorFromEnv(secrets),
		HasInit:     hasInit,
		InitTimeout: initTimeout,
		Callbacks:   p.callbacksFor(runID, instanceName),
		Logger:      p.logger.With("run_id", runID),
	})

	if _, err := bridge.AwaitInit(ctx); err != nil {
		bridge.Close("init failed")
		return nil, err
	}
	return bridge, nil
}

func (p *Proxy) callbacksFor(runID, instanceName string) acp.Callbacks {
	return acp.Callbacks{
		OnUpdate: func(u protocol.SessionUpdate) {
			snap, _ := p.runs.snapshot(runID)
			p.send(&protocol.PromptUpdate{
				RunID:     runID,
				PromptID:  snap.activePromptID,
				SessionID: u.SessionID,
				Update:    u.Update,
			})
		},
		OnLog: func(kind, line string) {
			p.send(&protocol.AgentLog{RunID: runID, Kind: kind, Line: line})
		},
		OnInitStep: func(step acp.InitStep) {
			p.send(&protocol.AgentLog{
				RunID: runID, Kind: "init_step",
				Stage: step.Stage, Status: step.Status, Message: step.Message,
			})
		},
		OnExit: func(status sandbox.ExitStatus) {
			p.runs.update(runID, func(r *run) { r.bridge = nil })
			p.send(&protocol.SandboxInstanceStatus{
				RunID:        runID,
				InstanceName: instanceName,
				Provider:     p.manager.Provider(),
				Runtime:      p.manager.Runtime(),
				Status:       sandbox.StatusStopped,
				LastSeenAt:   p.now(),
				LastError:    fmt.Sprintf("agent exited with code %d", status.Code),
			})
		},
	}
}

func clampPromptTimeout(timeoutMs int64) time.Duration {
	if timeoutMs <= 0 {
		return defaultPromptTimeout
	}
	d := time.Duration(timeoutMs) * time.Millisecond
	if d < minPromptTimeout {
		return minPromptTimeout
	}
	if d > maxPromptTimeout {
		return maxPromptTimeout
	}
	return d
}

func (p *Proxy) handlePrompt(ctx context.Context, msg *protocol.Prompt) {
	res := p.promptRun(ctx, msg)
	p.send(&res)
}

// promptRun runs one user turn, creating a session on first use and retrying
// once with a fresh session when the agent reports the current one invalid.
func (p *Proxy) promptRun(ctx context.Context, msg *protocol.Prompt) protocol.PromptResult {
	res := protocol.PromptResult{RunID: msg.RunID, PromptID: msg.PromptID}
	fail := func(err error) protocol.PromptResult {
		p.logger.Warn("prompt failed", "run_id", msg.RunID, "prompt_id", msg.PromptID, "error", err)
		res.OK = false
		res.Error = err.Error()
		return res
	}

	snap, ok := p.runs.snapshot(msg.RunID)
	if !ok || snap.bridge == nil {
		if err := p.openRun(ctx, &protocol.Open{
			RunID:               msg.RunID,
			Cwd:                 msg.Cwd,
			Init:                msg.Init,
			InstanceName:        msg.InstanceName,
			KeepaliveTTLSeconds: msg.KeepaliveTTLSeconds,
		}); err != nil {
			return fail(err)
		}
		snap, _ = p.runs.snapshot(msg.RunID)
	} else {
		// Prompting reuses the run, so a pending expiry is cancelled.
		p.runs.getOrCreate(msg.RunID, msg.InstanceName, msg.KeepaliveTTLSeconds, p.now())
	}
	bridge := snap.bridge
	if bridge == nil {
		return fail(fmt.Errorf("run %s has no agent stream", msg.RunID))
	}

	p.runs.update(msg.RunID, func(r *run) { r.activePromptID = msg.PromptID })
	defer p.runs.update(msg.RunID, func(r *run) { r.activePromptID = "" })

	cwd := msg.Cwd
	if cwd == "" {
		cwd = defaultCwd
	}

	sessionID := pick(msg.SessionID, snap.sessionID)
	created := false
	if sessionID == "" {
		sid, err := bridge.NewSession(ctx, cwd)
		if err != nil {
			return fail(err)
		}
		sessionID = sid
		created = true
		p.announceSession(msg.RunID, msg.PromptID, sessionID)
	}

	compose := func(withContext bool) []protocol.ContentBlock {
		if !withContext || msg.Context == "" {
			return msg.Prompt
		}
		blocks := make([]protocol.ContentBlock, 0, len(msg.Prompt)+1)
		blocks = append(blocks, protocol.TextBlock(msg.Context))
		return append(blocks, msg.Prompt...)
	}

	timeout := clampPromptTimeout(msg.TimeoutMs)
	stopReason, err := bridge.Prompt(ctx, sessionID, compose(created), timeout)
	if err != nil && strings.Contains(strings.ToLower(err.Error()), "session") {
		// The agent lost or never had this session. Recreate and replay once.
		previous := sessionID
		sid, newErr := bridge.NewSession(ctx, cwd)
		if newErr != nil {
			return fail(fmt.Errorf("recreating session after %q: %w", err.Error(), newErr))
		}
		p.logger.Info("session recreated", "run_id", msg.RunID, "previous", previous, "session_id", sid)
		p.announceSession(msg.RunID, msg.PromptID, sid)
		stopReason, err = bridge.Prompt(ctx, sid, compose(true), timeout)
		if err == nil {
			sessionID = sid
			created = true
			res.SessionRecreatedFrom = previous
		}
	}
	if err != nil {
		return fail(err)
	}

	p.runs.update(msg.RunID, func(r *run) {
		r.sessionID = sessionID
		r.lastUsedAt = p.now()
	})

	res.OK = true
	res.SessionID = sessionID
	res.StopReason = stopReason
	res.SessionCreated = created
	return res
}

// announceSession emits a synthetic session_created update so observers see
// new session ids without parsing prompt results.
func (p *Proxy) announceSession(runID, promptID, sessionID string) {
	update := fmt.Sprintf(`{"sessionUpdate":"session_created","sessionId":%q}`, sessionID)
	p.send(&protocol.PromptUpdate{
		RunID:     runID,
		PromptID:  promptID,
		SessionID: sessionID,
		Update:    []byte(update),
	})
}

func (p *Proxy) handleRawMessage(msg *protocol.RawMessage) {
	snap, ok := p.runs.snapshot(msg.RunID)
	if !ok || snap.bridge == nil {
		p.logger.Warn("dropping raw message for closed run", "run_id", msg.RunID)
		return
	}
	if err := snap.bridge.Send(msg.Message); err != nil {
		p.logger.Warn("raw message passthrough failed", "run_id", msg.RunID, "error", err)
	}
}

func (p *Proxy) handleSessionControl(runID, controlID string, op func(b *acp.Bridge, sessionID string) error) {
	res := protocol.SessionControlResult{RunID: runID, ControlID: controlID}
	snap, ok := p.runs.snapshot(runID)
	if !ok || snap.bridge == nil {
		res.Error = fmt.Sprintf("run %s is not open", runID)
		p.send(&res)
		return
	}
	if err := op(snap.bridge, snap.sessionID); err != nil {
		res.Error = err.Error()
		p.send(&res)
		return
	}
	res.OK = true
	p.send(&res)
}
