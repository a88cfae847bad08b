// ABOUTME: ACP wire types, the JSON-RPC dialect spoken with agent processes
// ABOUTME: Requests carry int64 ids; notifications omit the id entirely

package protocol

import "encoding/json"

// Reserved ACP error code meaning the agent requires authentication before
// the call can succeed.
const AuthRequiredCode = -32000

// RPCRequest is an outgoing ACP request or, with ID nil, a notification.
type RPCRequest struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      *int64          `json:"id,omitempty"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`
}

// RPCResponse is an inbound ACP response. Exactly one of Result and Error is
// set.
type RPCResponse struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      int64           `json:"id"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *RPCError       `json:"error,omitempty"`
}

// RPCError is the error half of an ACP response.
type RPCError struct {
	Code    int             `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data,omitempty"`
}

func (e *RPCError) Error() string {
	return e.Message
}

// ContentBlock is one element of a prompt or agent message.
type ContentBlock struct {
	Type string `json:"type"`
	Text string `json:"text,omitempty"`
}

// TextBlock builds a plain text content block.
func TextBlock(text string) ContentBlock {
	return ContentBlock{Type: "text", Text: text}
}

// AuthMethod is one authentication method an agent advertises at initialize.
type AuthMethod struct {
	ID          string `json:"id"`
	Name        string `json:"name,omitempty"`
	Description string `json:"description,omitempty"`
}

// InitializeResult is the agent's reply to the initialize call.
type InitializeResult struct {
	ProtocolVersion int             `json:"protocolVersion"`
	AgentInfo       json.RawMessage `json:"agentInfo,omitempty"`
	AuthMethods     []AuthMethod    `json:"authMethods,omitempty"`
	Capabilities    json.RawMessage `json:"agentCapabilities,omitempty"`
}

// PromptOutcome is the agent's reply to a session/prompt call.
type PromptOutcome struct {
	StopReason string `json:"stopReason"`
}

// SessionUpdate is the payload of a session/update notification. Only the
// fields the tunnel inspects are modeled; the raw form is what gets
// forwarded and persisted.
type SessionUpdate struct {
	SessionID string          `json:"sessionId"`
	Update    json.RawMessage `json:"update"`
}

// UpdateKind extracts the sessionUpdate discriminator from a raw update
// payload. Returns "" when absent or malformed.
func UpdateKind(update json.RawMessage) string {
	var probe struct {
		Kind string `json:"sessionUpdate"`
	}
	if err := json.Unmarshal(update, &probe); err != nil {
		return ""
	}
	return probe.Kind
}
