package domain

import "encoding/json"

// Role is the author of a conversation turn.
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleTool      Role = "tool"
)

// Turn is one conversation entry. Assistant turns may carry tool call
// requests; tool turns carry the id of the call they answer.
type Turn struct {
	Role       Role              `json:"role"`
	Content    Content           `json:"content"`
	Name       string            `json:"name,omitempty"`
	ToolCallID string            `json:"tool_call_id,omitempty"`
	ToolCalls  []ToolCallRequest `json:"tool_calls,omitempty"`
	// Virtual marks the placeholder reply recorded for messages that did
	// not ask for a response.
	Virtual bool `json:"virtual,omitempty"`
}

// SystemTurn, UserTurn and AssistantTurn are shorthand constructors.
func SystemTurn(s string) Turn    { return Turn{Role: RoleSystem, Content: Text(s)} }
func UserTurn(c Content) Turn     { return Turn{Role: RoleUser, Content: c} }
func AssistantTurn(s string) Turn { return Turn{Role: RoleAssistant, Content: Text(s)} }

// ToolCallRequest is a tool invocation requested by the model.
type ToolCallRequest struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	Arguments string `json:"arguments"`
}

// ToolCallResult is the outcome of one tool invocation.
type ToolCallResult struct {
	ToolCallID string `json:"tool_call_id"`
	Name       string `json:"name"`
	Content    string `json:"content"`
	Success    bool   `json:"success"`
}

// Turn folds the result into a tool-role turn.
func (r ToolCallResult) Turn() Turn {
	return Turn{Role: RoleTool, Content: Text(r.Content), Name: r.Name, ToolCallID: r.ToolCallID}
}

// ToolDefinition is a tool advertised to the model.
type ToolDefinition struct {
	Name        string          `json:"name"`
	Description string          `json:"description"`
	Parameters  json.RawMessage `json:"parameters"`
}
