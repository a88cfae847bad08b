// ABOUTME: Sandbox driver contract and instance model shared by all providers
// ABOUTME: The tunnel depends only on this interface, never on a provider SDK

package sandbox

import (
	"context"
	"errors"
	"io"
	"time"
)

// Instance status values.
const (
	StatusMissing  = "missing"
	StatusCreating = "creating"
	StatusRunning  = "running"
	StatusStopped  = "stopped"
	StatusError    = "error"
)

// ErrNotFound is returned by Inspect when no instance with the given name
// exists.
var ErrNotFound = errors.New("sandbox instance not found")

// Instance describes one managed sandbox instance.
type Instance struct {
	Name      string
	Provider  string
	Runtime   string
	Status    string
	CreatedAt time.Time
}

// CreateSpec carries what a driver needs to provision an instance.
type CreateSpec struct {
	RunID     string
	Image     string
	Workspace string // host path mounted at the workspace mount point; empty for volume mode
	Env       map[string]string
}

// ExitStatus is how an exec'd process ended.
type ExitStatus struct {
	Code   int
	Signal string
}

// Proc is a process exec'd inside an instance, exposed as split stdio
// streams. Stdout carries the agent protocol; stderr carries init output and
// diagnostics.
type Proc interface {
	Stdin() io.WriteCloser
	Stdout() io.Reader
	Stderr() io.Reader
	// Wait blocks until the process ends. It may be called once.
	Wait(ctx context.Context) (ExitStatus, error)
	// Kill force-terminates the process if still running.
	Kill(ctx context.Context) error
}

// Driver provisions and operates named sandbox instances for one provider.
type Driver interface {
	Provider() string
	Runtime() string

	// Inspect returns the instance, or ErrNotFound.
	Inspect(ctx context.Context, name string) (Instance, error)
	Create(ctx context.Context, name string, spec CreateSpec) error
	Start(ctx context.Context, name string) error
	Stop(ctx context.Context, name string) error
	Remove(ctx context.Context, name string) error

	// ListManaged returns every instance this driver created, regardless of
	// state.
	ListManaged(ctx context.Context) ([]Instance, error)

	// WriteFile places a file inside a running instance.
	WriteFile(ctx context.Context, name, path string, data []byte, mode uint32) error

	// Exec starts a command inside a running instance.
	Exec(ctx context.Context, name string, cmd []string, env []string, workdir string) (Proc, error)

	// RemoveImage deletes a provider image by reference.
	RemoveImage(ctx context.Context, ref string) error
}
