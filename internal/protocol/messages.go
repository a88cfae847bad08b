// ABOUTME: Control-connection message types exchanged between gateway and proxy
// ABOUTME: Closed tagged-variant families decoded once and dispatched by type switch

package protocol

import (
	"encoding/json"
	"fmt"
	"time"
)

// Message type tags. Orchestrator-to-proxy first, proxy-to-orchestrator second.
const (
	TypeOpen                   = "open"
	TypePrompt                 = "prompt"
	TypeRawMessage             = "message"
	TypeClose                  = "close"
	TypeSandboxControl         = "sandbox_control"
	TypeSessionCancel          = "session_cancel"
	TypeSessionSetMode         = "session_set_mode"
	TypeSessionSetModel        = "session_set_model"
	TypeSessionSetConfigOption = "session_set_config_option"

	TypeRegister             = "register"
	TypeOpened               = "opened"
	TypePromptResult         = "prompt_result"
	TypePromptUpdate         = "prompt_update"
	TypeSessionControlResult = "session_control_result"
	TypeSandboxControlResult = "sandbox_control_result"
	TypeSandboxStatus        = "sandbox_instance_status"
	TypeSandboxInventory     = "sandbox_inventory"
	TypeHeartbeat            = "heartbeat"
	TypeAgentLog             = "agent_log"
)

// Message is implemented by every control-connection payload. The method set
// is sealed so a type switch over variants is exhaustive by construction.
type Message interface {
	messageType() string
}

// InitSpec describes an init script to run before the agent takes over stdio.
type InitSpec struct {
	Script         string            `json:"script"`
	TimeoutSeconds int               `json:"timeout_seconds,omitempty"`
	Env            map[string]string `json:"env,omitempty"`
}

// Open asks the proxy to ensure a sandbox instance is running for the run and
// to start (or attach to) its agent stream.
type Open struct {
	RunID               string    `json:"run_id"`
	Cwd                 string    `json:"cwd,omitempty"`
	Init                *InitSpec `json:"init,omitempty"`
	InstanceName        string    `json:"instance_name,omitempty"`
	KeepaliveTTLSeconds int       `json:"keepalive_ttl_seconds,omitempty"`
}

// Prompt submits one user turn for a run.
type Prompt struct {
	RunID               string         `json:"run_id"`
	PromptID            string         `json:"prompt_id"`
	Cwd                 string         `json:"cwd,omitempty"`
	SessionID           string         `json:"session_id,omitempty"`
	InstanceName        string         `json:"instance_name,omitempty"`
	KeepaliveTTLSeconds int            `json:"keepalive_ttl_seconds,omitempty"`
	Context             string         `json:"context,omitempty"`
	Prompt              []ContentBlock `json:"prompt"`
	TimeoutMs           int64          `json:"timeout_ms,omitempty"`
	Init                *InitSpec      `json:"init,omitempty"`
}

// RawMessage is a raw protocol passthrough to the agent stream.
type RawMessage struct {
	RunID   string          `json:"run_id"`
	Message json.RawMessage `json:"message"`
}

// Close marks a run idle; its sandbox instance is kept until the keepalive
// TTL elapses.
type Close struct {
	RunID string `json:"run_id"`
}

// Sandbox control actions.
const (
	ActionInspect         = "inspect"
	ActionEnsureRunning   = "ensure_running"
	ActionStop            = "stop"
	ActionRemove          = "remove"
	ActionPruneOrphans    = "prune_orphans"
	ActionGC              = "gc"
	ActionRemoveWorkspace = "remove_workspace"
	ActionReportInventory = "report_inventory"
	ActionRemoveImage     = "remove_image"
	ActionGitPush         = "git_push"
)

// SandboxControl carries a lifecycle action for one instance or for the
// whole fleet managed by the proxy.
type SandboxControl struct {
	RunID             string   `json:"run_id,omitempty"`
	InstanceName      string   `json:"instance_name,omitempty"`
	RequestID         string   `json:"request_id,omitempty"`
	Action            string   `json:"action"`
	ExpectedInstances []string `json:"expected_instances,omitempty"`
	RemoveOrphans     bool     `json:"remove_orphans,omitempty"`
	RemoveWorkspaces  bool     `json:"remove_workspaces,omitempty"`
	MaxDeleteCount    *int     `json:"max_delete_count,omitempty"`
	DryRun            bool     `json:"dry_run,omitempty"`
	Image             string   `json:"image,omitempty"`
	Remote            string   `json:"remote,omitempty"`
	Branch            string   `json:"branch,omitempty"`
}

// SessionCancel interrupts the in-flight prompt of a session. Cancellation is
// a notification on the agent side, so the result only confirms delivery.
type SessionCancel struct {
	RunID               string `json:"run_id"`
	ControlID           string `json:"control_id"`
	SessionID           string `json:"session_id"`
	InstanceName        string `json:"instance_name,omitempty"`
	KeepaliveTTLSeconds int    `json:"keepalive_ttl_seconds,omitempty"`
}

// SessionSetMode switches a session's mode.
type SessionSetMode struct {
	RunID               string `json:"run_id"`
	ControlID           string `json:"control_id"`
	SessionID           string `json:"session_id"`
	ModeID              string `json:"mode_id"`
	InstanceName        string `json:"instance_name,omitempty"`
	KeepaliveTTLSeconds int    `json:"keepalive_ttl_seconds,omitempty"`
}

// SessionSetModel switches a session's model.
type SessionSetModel struct {
	RunID               string `json:"run_id"`
	ControlID           string `json:"control_id"`
	SessionID           string `json:"session_id"`
	ModelID             string `json:"model_id"`
	InstanceName        string `json:"instance_name,omitempty"`
	KeepaliveTTLSeconds int    `json:"keepalive_ttl_seconds,omitempty"`
}

// SessionSetConfigOption sets one agent-defined config option on a session.
type SessionSetConfigOption struct {
	RunID               string          `json:"run_id"`
	ControlID           string          `json:"control_id"`
	SessionID           string          `json:"session_id"`
	ConfigID            string          `json:"config_id"`
	Value               json.RawMessage `json:"value,omitempty"`
	InstanceName        string          `json:"instance_name,omitempty"`
	KeepaliveTTLSeconds int             `json:"keepalive_ttl_seconds,omitempty"`
}

// Register is the first message a proxy sends after connecting.
type Register struct {
	ProxyID       string            `json:"proxy_id"`
	Name          string            `json:"name,omitempty"`
	MaxConcurrent int               `json:"max_concurrent,omitempty"`
	Capabilities  map[string]string `json:"capabilities,omitempty"`
}

// Opened acknowledges an Open.
type Opened struct {
	RunID string `json:"run_id"`
	OK    bool   `json:"ok"`
	Error string `json:"error,omitempty"`
}

// PromptResult settles a Prompt.
type PromptResult struct {
	RunID                string `json:"run_id"`
	PromptID             string `json:"prompt_id"`
	OK                   bool   `json:"ok"`
	SessionID            string `json:"session_id,omitempty"`
	StopReason           string `json:"stop_reason,omitempty"`
	SessionCreated       bool   `json:"session_created,omitempty"`
	SessionRecreatedFrom string `json:"session_recreated_from,omitempty"`
	Error                string `json:"error,omitempty"`
}

// PromptUpdate is a raw session/update notification passthrough.
type PromptUpdate struct {
	RunID     string          `json:"run_id"`
	PromptID  string          `json:"prompt_id,omitempty"`
	SessionID string          `json:"session_id"`
	Update    json.RawMessage `json:"update"`
}

// SessionControlResult settles a session_cancel/set_mode/set_model/
// set_config_option request.
type SessionControlResult struct {
	RunID     string `json:"run_id"`
	ControlID string `json:"control_id"`
	OK        bool   `json:"ok"`
	Error     string `json:"error,omitempty"`
}

// GCPlanItem is one planned deletion in a GC pass.
type GCPlanItem struct {
	InstanceName string `json:"instance_name,omitempty"`
	Workspace    string `json:"workspace,omitempty"`
	RunID        string `json:"run_id,omitempty"`
}

// GCPlan is the delete plan a dry-run GC reports.
type GCPlan struct {
	Deletes    []GCPlanItem `json:"deletes"`
	Workspaces []GCPlanItem `json:"workspaces,omitempty"`
	Truncated  bool         `json:"truncated,omitempty"`
}

// SandboxControlResult settles a SandboxControl request.
type SandboxControlResult struct {
	RunID             string   `json:"run_id,omitempty"`
	InstanceName      string   `json:"instance_name,omitempty"`
	RequestID         string   `json:"request_id,omitempty"`
	Action            string   `json:"action"`
	OK                bool     `json:"ok"`
	Error             string   `json:"error,omitempty"`
	Status            string   `json:"status,omitempty"`
	Planned           *GCPlan  `json:"planned,omitempty"`
	DeletedInstances  []string `json:"deleted_instances,omitempty"`
	DeletedWorkspaces []string `json:"deleted_workspaces,omitempty"`
	Errors            []string `json:"errors,omitempty"`
	Workspace         string   `json:"workspace,omitempty"`
}

// SandboxInstanceStatus is an unsolicited status notification for one run's
// instance.
type SandboxInstanceStatus struct {
	RunID        string    `json:"run_id"`
	InstanceName string    `json:"instance_name"`
	Provider     string    `json:"provider,omitempty"`
	Runtime      string    `json:"runtime,omitempty"`
	Status       string    `json:"status"`
	LastSeenAt   time.Time `json:"last_seen_at"`
	LastError    string    `json:"last_error,omitempty"`
}

// InventoryInstance is one managed instance in an inventory report.
type InventoryInstance struct {
	InstanceName string    `json:"instance_name"`
	RunID        string    `json:"run_id,omitempty"`
	Status       string    `json:"status"`
	CreatedAt    time.Time `json:"created_at"`
	LastSeenAt   time.Time `json:"last_seen_at"`
}

// SandboxInventory reports the proxy's managed instances, or the outcome of
// a destructive pass.
type SandboxInventory struct {
	InventoryID       string              `json:"inventory_id"`
	Provider          string              `json:"provider,omitempty"`
	Runtime           string              `json:"runtime,omitempty"`
	CapturedAt        time.Time           `json:"captured_at"`
	Instances         []InventoryInstance `json:"instances,omitempty"`
	DeletedInstances  []string            `json:"deleted_instances,omitempty"`
	DeletedWorkspaces []string            `json:"deleted_workspaces,omitempty"`
	MissingInstances  []string            `json:"missing_instances,omitempty"`
}

// Heartbeat is the proxy's periodic liveness signal.
type Heartbeat struct {
	AgentID   string    `json:"agent_id"`
	Timestamp time.Time `json:"timestamp"`
}

// AgentLog forwards one redacted diagnostic line from an agent stream.
// Kind is "init" for lines before the init marker resolves, "agent" after.
type AgentLog struct {
	RunID   string `json:"run_id"`
	Kind    string `json:"kind"`
	Line    string `json:"line"`
	Stage   string `json:"stage,omitempty"`
	Status  string `json:"status,omitempty"`
	Message string `json:"message,omitempty"`
}

func (*Open) messageType() string                   { return TypeOpen }
func (*Prompt) messageType() string                 { return TypePrompt }
func (*RawMessage) messageType() string             { return TypeRawMessage }
func (*Close) messageType() string                  { return TypeClose }
func (*SandboxControl) messageType() string         { return TypeSandboxControl }
func (*SessionCancel) messageType() string          { return TypeSessionCancel }
func (*SessionSetMode) messageType() string         { return TypeSessionSetMode }
func (*SessionSetModel) messageType() string        { return TypeSessionSetModel }
func (*SessionSetConfigOption) messageType() string { return TypeSessionSetConfigOption }
func (*Register) messageType() string               { return TypeRegister }
func (*Opened) messageType() string                 { return TypeOpened }
func (*PromptResult) messageType() string           { return TypePromptResult }
func (*PromptUpdate) messageType() string           { return TypePromptUpdate }
func (*SessionControlResult) messageType() string   { return TypeSessionControlResult }
func (*SandboxControlResult) messageType() string   { return TypeSandboxControlResult }
func (*SandboxInstanceStatus) messageType() string  { return TypeSandboxStatus }
func (*SandboxInventory) messageType() string       { return TypeSandboxInventory }
func (*Heartbeat) messageType() string              { return TypeHeartbeat }
func (*AgentLog) messageType() string               { return TypeAgentLog }

// Encode marshals a message with its type tag spliced in.
func Encode(m Message) ([]byte, error) {
	raw, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("encoding %s: %w", m.messageType(), err)
	}
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(raw, &fields); err != nil {
		return nil, fmt.Errorf("encoding %s: %w", m.messageType(), err)
	}
	tag, _ := json.Marshal(m.messageType())
	fields["type"] = tag
	return json.Marshal(fields)
}

// Decode parses one control-connection payload into its concrete variant.
// Unknown types return an error so the caller can log and drop the message
// without tearing anything down.
func Decode(data []byte) (Message, error) {
	var env struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("decoding message envelope: %w", err)
	}

	var msg Message
	switch env.Type {
	case TypeOpen:
		msg = &Open{}
	case TypePrompt:
		msg = &Prompt{}
	case TypeRawMessage:
		msg = &RawMessage{}
	case TypeClose:
		msg = &Close{}
	case TypeSandboxControl:
		msg = &SandboxControl{}
	case TypeSessionCancel:
		msg = &SessionCancel{}
	case TypeSessionSetMode:
		msg = &SessionSetMode{}
	case TypeSessionSetModel:
		msg = &SessionSetModel{}
	case TypeSessionSetConfigOption:
		msg = &SessionSetConfigOption{}
	case TypeRegister:
		msg = &Register{}
	case TypeOpened:
		msg = &Opened{}
	case TypePromptResult:
		msg = &PromptResult{}
	case TypePromptUpdate:
		msg = &PromptUpdate{}
	case TypeSessionControlResult:
		msg = &SessionControlResult{}
	case TypeSandboxControlResult:
		msg = &SandboxControlResult{}
	case TypeSandboxStatus:
		msg = &SandboxInstanceStatus{}
	case TypeSandboxInventory:
		msg = &SandboxInventory{}
	case TypeHeartbeat:
		msg = &Heartbeat{}
	case TypeAgentLog:
		msg = &AgentLog{}
	default:
		return nil, fmt.Errorf("unknown message type %q", env.Type)
	}

	if err := json.Unmarshal(data, msg); err != nil {
		return nil, fmt.Errorf("decoding %s: %w", env.Type, err)
	}
	return msg, nil
}
