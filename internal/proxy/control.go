// ABOUTME: Sandbox control actions: lifecycle, GC, inventory, git push
// ABOUTME: Batch actions report per-item errors; one failure never aborts a pass

package proxy

import (
	"context"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/2389/acp-relay/internal/protocol"
	"github.com/2389/acp-relay/internal/sandbox"
)

const gitPushTimeout = 2 * time.Minute

func (p *Proxy) handleSandboxControl(ctx context.Context, msg *protocol.SandboxControl) {
	res := protocol.SandboxControlResult{
		RunID:        msg.RunID,
		InstanceName: msg.InstanceName,
		RequestID:    msg.RequestID,
		Action:       msg.Action,
	}

	instanceName := msg.InstanceName
	if instanceName == "" && msg.RunID != "" {
		instanceName = sandbox.InstanceNameForRun(msg.RunID)
	}
	res.InstanceName = instanceName

	err := p.runControlAction(ctx, msg, instanceName, &res)
	if err != nil {
		p.logger.Warn("sandbox control failed", "action", msg.Action, "run_id", msg.RunID, "error", err)
		res.OK = false
		res.Error = err.Error()
		if msg.RunID != "" && instanceName != "" {
			p.send(&protocol.SandboxInstanceStatus{
				RunID:        msg.RunID,
				InstanceName: instanceName,
				Provider:     p.manager.Provider(),
				Runtime:      p.manager.Runtime(),
				Status:       sandbox.StatusError,
				LastSeenAt:   p.now(),
				LastError:    err.Error(),
			})
		}
	} else {
		res.OK = true
	}
	p.send(&res)
}

func (p *Proxy) runControlAction(ctx context.Context, msg *protocol.SandboxControl, instanceName string, res *protocol.SandboxControlResult) error {
	switch msg.Action {
	case protocol.ActionInspect:
		inst, err := p.manager.Inspect(ctx, instanceName)
		if err != nil {
			return err
		}
		res.Status = inst.Status
		return nil

	case protocol.ActionEnsureRunning:
		inst, err := p.manager.EnsureRunning(ctx, msg.RunID, instanceName)
		if err != nil {
			return err
		}
		res.Status = inst.Status
		return nil

	case protocol.ActionStop:
		return p.manager.Stop(ctx, instanceName)

	case protocol.ActionRemove:
		if err := p.manager.Remove(ctx, instanceName); err != nil {
			return err
		}
		res.Status = sandbox.StatusMissing
		return nil

	case protocol.ActionRemoveWorkspace:
		ws, err := p.manager.RemoveWorkspace(msg.RunID)
		if err != nil {
			return err
		}
		res.Workspace = ws
		return nil

	case protocol.ActionRemoveImage:
		if msg.Image == "" {
			return fmt.Errorf("remove_image requires an image reference")
		}
		return p.manager.RemoveImage(ctx, msg.Image)

	case protocol.ActionPruneOrphans:
		result, err := p.manager.PruneOrphans(ctx, p.expectedInstances(msg.ExpectedInstances))
		if err != nil {
			return err
		}
		res.DeletedInstances = result.DeletedInstances
		res.Errors = result.Errors
		return nil

	case protocol.ActionGC:
		result, err := p.manager.GC(ctx, p.expectedInstances(msg.ExpectedInstances), sandbox.GCOptions{
			RemoveOrphans:    msg.RemoveOrphans,
			RemoveWorkspaces: msg.RemoveWorkspaces,
			MaxDeleteCount:   msg.MaxDeleteCount,
			DryRun:           msg.DryRun,
		})
		if err != nil {
			return err
		}
		res.Planned = planToWire(result.Plan)
		res.DeletedInstances = result.DeletedInstances
		res.DeletedWorkspaces = result.DeletedWorkspaces
		res.Errors = result.Errors
		return nil

	case protocol.ActionReportInventory:
		return p.reportInventory(ctx, msg.ExpectedInstances)

	case protocol.ActionGitPush:
		return p.gitPush(ctx, instanceName, msg.Remote, msg.Branch)

	default:
		return fmt.Errorf("unknown sandbox control action %q", msg.Action)
	}
}

// expectedInstances falls back to the registry's live instances when the
// gateway supplied no expected set, so a bare prune never deletes instances
// this proxy is actively serving.
func (p *Proxy) expectedInstances(fromMsg []string) []string {
	if len(fromMsg) > 0 {
		return fromMsg
	}
	return p.runs.instanceNames()
}

func planToWire(plan sandbox.Plan) *protocol.GCPlan {
	out := &protocol.GCPlan{Truncated: plan.Truncated}
	for _, item := range plan.Instances {
		out.Deletes = append(out.Deletes, protocol.GCPlanItem{
			InstanceName: item.InstanceName,
			RunID:        item.RunID,
		})
	}
	for _, item := range plan.Workspaces {
		out.Workspaces = append(out.Workspaces, protocol.GCPlanItem{
			RunID:     item.RunID,
			Workspace: item.Workspace,
		})
	}
	return out
}

// reportInventory captures the managed-instance fleet. When the caller names
// expected instances, the ones absent from the node are reported missing.
func (p *Proxy) reportInventory(ctx context.Context, expected []string) error {
	instances, err := p.manager.ListManaged(ctx)
	if err != nil {
		return fmt.Errorf("listing managed instances: %w", err)
	}

	now := p.now()
	inv := &protocol.SandboxInventory{
		InventoryID: uuid.NewString(),
		Provider:    p.manager.Provider(),
		Runtime:     p.manager.Runtime(),
		CapturedAt:  now,
	}

	present := make(map[string]struct{}, len(instances))
	for _, inst := range instances {
		present[inst.Name] = struct{}{}
		entry := protocol.InventoryInstance{
			InstanceName: inst.Name,
			Status:       inst.Status,
			CreatedAt:    inst.CreatedAt,
			LastSeenAt:   now,
		}
		if runID, ok := sandbox.RunIDFromInstanceName(inst.Name); ok {
			entry.RunID = runID
		}
		inv.Instances = append(inv.Instances, entry)
	}
	for _, name := range expected {
		if _, ok := present[name]; !ok {
			inv.MissingInstances = append(inv.MissingInstances, name)
		}
	}

	p.send(inv)
	return nil
}

// gitPush pushes the run's workspace from inside the instance, where the
// checkout and its credentials live.
func (p *Proxy) gitPush(ctx context.Context, instanceName, remote, branch string) error {
	if instanceName == "" {
		return fmt.Errorf("git_push requires a run or instance name")
	}

	cmd := []string{"git", "push"}
	if remote != "" {
		cmd = append(cmd, remote)
		if branch != "" {
			cmd = append(cmd, branch)
		}
	}

	execCtx, cancel := context.WithTimeout(ctx, gitPushTimeout)
	defer cancel()

	proc, err := p.manager.Driver().Exec(execCtx, instanceName, cmd, nil, "")
	if err != nil {
		return fmt.Errorf("starting git push: %w", err)
	}

	// git reports everything interesting on stderr.
	var tail strings.Builder
	done := make(chan struct{})
	go func() {
		defer close(done)
		io.Copy(&limitedWriter{w: &tail, limit: 4096}, proc.Stderr())
	}()
	go io.Copy(io.Discard, proc.Stdout())

	status, err := proc.Wait(execCtx)
	if err != nil {
		proc.Kill(context.Background())
		return fmt.Errorf("waiting for git push: %w", err)
	}
	<-done
	if status.Code != 0 {
		return fmt.Errorf("git push exited with code %d: %s", status.Code, strings.TrimSpace(tail.String()))
	}
	return nil
}

type limitedWriter struct {
	w     io.Writer
	limit int
	n     int
}

func (l *limitedWriter) Write(p []byte) (int, error) {
	if l.n >= l.limit {
		return len(p), nil
	}
	keep := p
	if l.n+len(keep) > l.limit {
		keep = keep[:l.limit-l.n]
	}
	l.n += len(keep)
	if _, err := l.w.Write(keep); err != nil {
		return 0, err
	}
	return len(p), nil
}
