// ABOUTME: Store interface and data types for relay persistence
// ABOUTME: Runs, advisory session state, and the append-only event log

package store

import (
	"context"
	"encoding/json"
	"errors"
	"time"
)

// ErrNotFound is returned when a requested entity does not exist.
var ErrNotFound = errors.New("not found")

// Run is the persisted record of one agent run.
type Run struct {
	ID                  string
	ProxyID             string
	SandboxInstanceName string
	KeepaliveTTLSeconds int
	ACPSessionID        string
	CreatedAt           time.Time
	UpdatedAt           time.Time
}

// SessionState mirrors advisory protocol-session state for observability.
// The agent process is authoritative; this is what dashboards read.
type SessionState struct {
	SessionID      string    `json:"sessionId,omitempty"`
	Activity       string    `json:"activity,omitempty"`
	InFlight       bool      `json:"inFlight,omitempty"`
	CurrentModeID  string    `json:"currentModeId,omitempty"`
	CurrentModelID string    `json:"currentModelId,omitempty"`
	LastStopReason string    `json:"lastStopReason,omitempty"`
	Note           string    `json:"note,omitempty"`
	UpdatedAt      time.Time `json:"updatedAt"`
}

// Event is one persisted session update: a coalesced text chunk or a raw
// non-coalescable update.
type Event struct {
	ID        int64
	RunID     string
	SessionID string
	Kind      string
	Payload   json.RawMessage
	CreatedAt time.Time
}

// Store is the persistence contract the gateway depends on.
type Store interface {
	UpsertRun(ctx context.Context, run Run) error
	GetRun(ctx context.Context, runID string) (*Run, error)
	ListRunsByProxy(ctx context.Context, proxyID string) ([]*Run, error)
	DeleteRun(ctx context.Context, runID string) error

	GetSessionState(ctx context.Context, runID string) (*SessionState, error)
	SaveSessionState(ctx context.Context, runID string, state SessionState) error

	AppendEvent(ctx context.Context, event Event) error
	ListEvents(ctx context.Context, runID string, limit int) ([]Event, error)

	Close() error
}
