// ABOUTME: Instance lifecycle manager: ensure-running, orphan pruning, GC passes
// ABOUTME: Workspace deletion goes through a mandatory path-traversal guard

package sandbox

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/2389/acp-relay/internal/protocol"
)

// Workspace modes. In mount mode each run gets a host directory mounted into
// its instance; GC may delete those directories. Volume mode leaves storage
// to the provider and GC never touches the host filesystem.
const (
	WorkspaceModeMount  = "mount"
	WorkspaceModeVolume = "volume"
)

const (
	defaultMaxDeleteCount = 500
	maxDeleteCountCeiling = 10000
)

// GCOptions controls one garbage-collection pass.
type GCOptions struct {
	RemoveOrphans    bool
	RemoveWorkspaces bool
	// MaxDeleteCount caps the delete plan. Nil means the default (500);
	// values are clamped to [0, 10000].
	MaxDeleteCount *int
	DryRun         bool
}

// PlanItem is one planned deletion.
type PlanItem struct {
	InstanceName string
	RunID        string
	Workspace    string
}

// Plan is the computed delete plan of a GC pass.
type Plan struct {
	Instances  []PlanItem
	Workspaces []PlanItem
	Truncated  bool
}

// GCResult reports a GC pass. In dry-run mode only Plan is populated. Errors
// are per-item; a failed delete never aborts the batch.
type GCResult struct {
	Plan              Plan
	DeletedInstances  []string
	DeletedWorkspaces []string
	Errors            []string
}

// Manager owns sandbox instances: it is the only component that creates,
// starts, stops, removes, or garbage-collects them.
type Manager struct {
	driver        Driver
	image         string
	workspaceMode string
	workspaceRoot string
	env           map[string]string
	logger        *slog.Logger
}

// ManagerConfig configures a Manager.
type ManagerConfig struct {
	Driver        Driver
	Image         string
	WorkspaceMode string
	WorkspaceRoot string
	Env           map[string]string
	Logger        *slog.Logger
}

// NewManager builds a Manager. WorkspaceRoot is resolved to an absolute path
// once so the traversal guard compares against a stable prefix.
func NewManager(cfg ManagerConfig) (*Manager, error) {
	if cfg.Driver == nil {
		return nil, fmt.Errorf("driver is required")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default().With("component", "sandbox")
	}
	mode := cfg.WorkspaceMode
	if mode == "" {
		mode = WorkspaceModeVolume
	}
	if mode != WorkspaceModeMount && mode != WorkspaceModeVolume {
		return nil, fmt.Errorf("unknown workspace mode %q", mode)
	}

	root := cfg.WorkspaceRoot
	if mode == WorkspaceModeMount {
		if root == "" {
			return nil, fmt.Errorf("workspace root is required in mount mode")
		}
		abs, err := filepath.Abs(root)
		if err != nil {
			return nil, fmt.Errorf("resolving workspace root: %w", err)
		}
		root = filepath.Clean(abs)
	}

	return &Manager{
		driver:        cfg.Driver,
		image:         cfg.Image,
		workspaceMode: mode,
		workspaceRoot: root,
		env:           cfg.Env,
		logger:        logger,
	}, nil
}

// Provider reports the underlying driver's provider name.
func (m *Manager) Provider() string { return m.driver.Provider() }

// Runtime reports the underlying driver's runtime, if any.
func (m *Manager) Runtime() string { return m.driver.Runtime() }

// MountMode reports whether runs get host-mounted workspace directories.
func (m *Manager) MountMode() bool { return m.workspaceMode == WorkspaceModeMount }

// Driver exposes the raw driver for exec and file placement. Lifecycle
// mutations must still go through the Manager.
func (m *Manager) Driver() Driver { return m.driver }

// EnsureRunning guarantees a running instance for the run, creating or
// starting one as needed. Failure here is fatal to the calling operation: no
// agent can start without a running instance.
func (m *Manager) EnsureRunning(ctx context.Context, runID, instanceName string) (Instance, error) {
	if err := protocol.ValidateRunID(runID); err != nil {
		return Instance{}, err
	}
	if instanceName == "" {
		instanceName = InstanceNameForRun(runID)
	}
	if err := protocol.ValidateInstanceName(instanceName); err != nil {
		return Instance{}, err
	}

	inst, err := m.driver.Inspect(ctx, instanceName)
	switch {
	case err == nil && inst.Status == StatusRunning:
		return inst, nil
	case err == nil && inst.Status == StatusStopped:
		if err := m.driver.Start(ctx, instanceName); err != nil {
			return Instance{}, fmt.Errorf("starting instance %s: %w", instanceName, err)
		}
	case err == nil:
		return Instance{}, fmt.Errorf("instance %s in unexpected state %q", instanceName, inst.Status)
	case errors.Is(err, ErrNotFound):
		spec := CreateSpec{RunID: runID, Image: m.image, Env: m.env}
		if m.MountMode() {
			ws, wsErr := m.EnsureWorkspace(runID)
			if wsErr != nil {
				return Instance{}, wsErr
			}
			spec.Workspace = ws
		}
		if err := m.driver.Create(ctx, instanceName, spec); err != nil {
			return Instance{}, fmt.Errorf("creating instance %s: %w", instanceName, err)
		}
		if err := m.driver.Start(ctx, instanceName); err != nil {
			return Instance{}, fmt.Errorf("starting instance %s: %w", instanceName, err)
		}
	default:
		return Instance{}, fmt.Errorf("inspecting instance %s: %w", instanceName, err)
	}

	inst, err = m.driver.Inspect(ctx, instanceName)
	if err != nil {
		return Instance{}, fmt.Errorf("inspecting instance %s after start: %w", instanceName, err)
	}
	if inst.Status != StatusRunning {
		return Instance{}, fmt.Errorf("instance %s failed to reach running state (%s)", instanceName, inst.Status)
	}
	return inst, nil
}

// Inspect reports an instance's state. A missing instance is reported as
// status "missing", not as an error.
func (m *Manager) Inspect(ctx context.Context, instanceName string) (Instance, error) {
	inst, err := m.driver.Inspect(ctx, instanceName)
	if errors.Is(err, ErrNotFound) {
		return Instance{Name: instanceName, Provider: m.driver.Provider(), Status: StatusMissing}, nil
	}
	if err != nil {
		return Instance{}, err
	}
	return inst, nil
}

// Stop stops a running instance.
func (m *Manager) Stop(ctx context.Context, instanceName string) error {
	return m.driver.Stop(ctx, instanceName)
}

// Remove force-removes an instance. Removing a missing instance is not an
// error.
func (m *Manager) Remove(ctx context.Context, instanceName string) error {
	err := m.driver.Remove(ctx, instanceName)
	if errors.Is(err, ErrNotFound) {
		return nil
	}
	return err
}

// RemoveImage removes a provider image.
func (m *Manager) RemoveImage(ctx context.Context, ref string) error {
	return m.driver.RemoveImage(ctx, ref)
}

// ListManaged lists every instance this system owns on the node.
func (m *Manager) ListManaged(ctx context.Context) ([]Instance, error) {
	return m.driver.ListManaged(ctx)
}

// PruneOrphans removes managed instances absent from expected. It is the GC
// pass restricted to instance deletion, used as a lighter periodic sweep.
func (m *Manager) PruneOrphans(ctx context.Context, expected []string) (GCResult, error) {
	return m.GC(ctx, expected, GCOptions{RemoveOrphans: true})
}

// GC computes a delete plan for managed instances absent from expected and,
// unless DryRun, executes it. Each planned delete is attempted
// independently; per-item failures are collected, never fatal.
func (m *Manager) GC(ctx context.Context, expected []string, opts GCOptions) (GCResult, error) {
	instances, err := m.driver.ListManaged(ctx)
	if err != nil {
		return GCResult{}, fmt.Errorf("listing managed instances: %w", err)
	}

	expectedSet := make(map[string]struct{}, len(expected))
	for _, name := range expected {
		expectedSet[name] = struct{}{}
	}

	limit := defaultMaxDeleteCount
	if opts.MaxDeleteCount != nil {
		limit = *opts.MaxDeleteCount
	}
	if limit < 0 {
		limit = 0
	}
	if limit > maxDeleteCountCeiling {
		limit = maxDeleteCountCeiling
	}

	var res GCResult
	for _, inst := range instances {
		if _, ok := expectedSet[inst.Name]; ok {
			continue
		}
		if len(res.Plan.Instances)+len(res.Plan.Workspaces) >= limit {
			res.Plan.Truncated = true
			break
		}

		runID, hasRunID := RunIDFromInstanceName(inst.Name)
		item := PlanItem{InstanceName: inst.Name}
		if hasRunID {
			item.RunID = runID
		}
		if opts.RemoveOrphans {
			res.Plan.Instances = append(res.Plan.Instances, item)
		}
		if opts.RemoveWorkspaces && m.MountMode() && hasRunID {
			if ws, err := m.WorkspacePath(runID); err == nil {
				res.Plan.Workspaces = append(res.Plan.Workspaces, PlanItem{RunID: runID, Workspace: ws})
			}
		}
	}

	if opts.DryRun {
		return res, nil
	}

	for _, item := range res.Plan.Instances {
		if err := m.Remove(ctx, item.InstanceName); err != nil {
			m.logger.Warn("gc: removing instance failed", "instance", item.InstanceName, "error", err)
			res.Errors = append(res.Errors, fmt.Sprintf("remove %s: %v", item.InstanceName, err))
			continue
		}
		res.DeletedInstances = append(res.DeletedInstances, item.InstanceName)
	}
	for _, item := range res.Plan.Workspaces {
		if _, err := m.RemoveWorkspace(item.RunID); err != nil {
			m.logger.Warn("gc: removing workspace failed", "run_id", item.RunID, "error", err)
			res.Errors = append(res.Errors, fmt.Sprintf("remove workspace for %s: %v", item.RunID, err))
			continue
		}
		res.DeletedWorkspaces = append(res.DeletedWorkspaces, item.Workspace)
	}
	return res, nil
}

// WorkspacePath resolves the host workspace directory for a run. It rejects,
// before touching the filesystem, any run id whose resolved path would fall
// outside the workspace root.
func (m *Manager) WorkspacePath(runID string) (string, error) {
	if !m.MountMode() {
		return "", fmt.Errorf("no host workspaces in %s mode", m.workspaceMode)
	}
	if err := protocol.ValidateRunID(runID); err != nil {
		return "", err
	}
	resolved := filepath.Clean(filepath.Join(m.workspaceRoot, "run-"+runID))
	sep := string(filepath.Separator)
	if resolved != m.workspaceRoot && !strings.HasPrefix(resolved, m.workspaceRoot+sep) {
		return "", fmt.Errorf("workspace path %q escapes root %q", resolved, m.workspaceRoot)
	}
	return resolved, nil
}

// EnsureWorkspace creates the run's workspace directory if needed.
func (m *Manager) EnsureWorkspace(runID string) (string, error) {
	ws, err := m.WorkspacePath(runID)
	if err != nil {
		return "", err
	}
	if err := os.MkdirAll(ws, 0o755); err != nil {
		return "", fmt.Errorf("creating workspace %s: %w", ws, err)
	}
	return ws, nil
}

// RemoveWorkspace deletes the run's workspace directory. The traversal guard
// in WorkspacePath runs first.
func (m *Manager) RemoveWorkspace(runID string) (string, error) {
	ws, err := m.WorkspacePath(runID)
	if err != nil {
		return "", err
	}
	if err := os.RemoveAll(ws); err != nil {
		return "", fmt.Errorf("removing workspace %s: %w", ws, err)
	}
	return ws, nil
}
