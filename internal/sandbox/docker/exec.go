// ABOUTME: Exec and file placement inside Docker-backed sandbox instances
// ABOUTME: Demultiplexes the hijacked attach stream into split stdout/stderr

package docker

import (
	"archive/tar"
	"bytes"
	"context"
	"fmt"
	"io"
	"path"
	"time"

	"github.com/docker/docker/api/types"
	"github.com/docker/docker/pkg/stdcopy"

	"github.com/2389/acp-relay/internal/sandbox"
)

const execPollInterval = 250 * time.Millisecond

// execInspector narrows the docker client surface the proc needs, which
// keeps the poll loop testable.
type execInspector interface {
	ContainerExecInspect(ctx context.Context, execID string) (types.ContainerExecInspect, error)
}

type dockerProc struct {
	cli    execInspector
	execID string
	hijack types.HijackedResponse
	stdout *io.PipeReader
	stderr *io.PipeReader
	stdin  io.WriteCloser
}

type stdinCloser struct {
	hijack types.HijackedResponse
}

func (s *stdinCloser) Write(p []byte) (int, error) { return s.hijack.Conn.Write(p) }

func (s *stdinCloser) Close() error { return s.hijack.CloseWrite() }

func (d *Driver) Exec(ctx context.Context, name string, cmd, env []string, workdir string) (sandbox.Proc, error) {
	if workdir == "" {
		workdir = WorkspaceMountPoint
	}
	exec, err := d.cli.ContainerExecCreate(ctx, name, types.ExecConfig{
		AttachStdin:  true,
		AttachStdout: true,
		AttachStderr: true,
		Cmd:          cmd,
		Env:          env,
		WorkingDir:   workdir,
	})
	if err != nil {
		return nil, fmt.Errorf("creating exec in %s: %w", name, err)
	}

	hijack, err := d.cli.ContainerExecAttach(ctx, exec.ID, types.ExecStartCheck{})
	if err != nil {
		return nil, fmt.Errorf("attaching exec in %s: %w", name, err)
	}

	outR, outW := io.Pipe()
	errR, errW := io.Pipe()
	go func() {
		// The attach stream multiplexes stdout/stderr frames; split them.
		_, err := stdcopy.StdCopy(outW, errW, hijack.Reader)
		outW.CloseWithError(err)
		errW.CloseWithError(err)
	}()

	return &dockerProc{
		cli:    d.cli,
		execID: exec.ID,
		hijack: hijack,
		stdout: outR,
		stderr: errR,
		stdin:  &stdinCloser{hijack: hijack},
	}, nil
}

func (p *dockerProc) Stdin() io.WriteCloser { return p.stdin }
func (p *dockerProc) Stdout() io.Reader     { return p.stdout }
func (p *dockerProc) Stderr() io.Reader     { return p.stderr }

func (p *dockerProc) Wait(ctx context.Context) (sandbox.ExitStatus, error) {
	ticker := time.NewTicker(execPollInterval)
	defer ticker.Stop()

	for {
		inspect, err := p.cli.ContainerExecInspect(ctx, p.execID)
		if err != nil {
			return sandbox.ExitStatus{}, fmt.Errorf("inspecting exec: %w", err)
		}
		if !inspect.Running {
			return sandbox.ExitStatus{Code: inspect.ExitCode}, nil
		}
		select {
		case <-ctx.Done():
			return sandbox.ExitStatus{}, ctx.Err()
		case <-ticker.C:
		}
	}
}

func (p *dockerProc) Kill(ctx context.Context) error {
	// The engine API has no exec-kill; severing the attach stream delivers
	// EOF/SIGPIPE to the process.
	p.hijack.Close()
	return nil
}

func (d *Driver) WriteFile(ctx context.Context, name, filePath string, data []byte, mode uint32) error {
	var buf bytes.Buffer
	tw := tar.NewWriter(&buf)
	hdr := &tar.Header{
		Name: path.Base(filePath),
		Mode: int64(mode),
		Size: int64(len(data)),
	}
	if err := tw.WriteHeader(hdr); err != nil {
		return fmt.Errorf("writing tar header: %w", err)
	}
	if _, err := tw.Write(data); err != nil {
		return fmt.Errorf("writing tar body: %w", err)
	}
	if err := tw.Close(); err != nil {
		return fmt.Errorf("closing tar: %w", err)
	}

	dir := path.Dir(filePath)
	if err := d.cli.CopyToContainer(ctx, name, dir, &buf, types.CopyToContainerOptions{}); err != nil {
		return fmt.Errorf("copying %s into %s: %w", filePath, name, err)
	}
	return nil
}
