package remediation

import (
	"context"

	"keel-go/internal/classify"
)

// Role of a conversation turn.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// ToolSpec describes a tool offered to the model. Properties holds JSON
// Schema property definitions for an object input.
type ToolSpec struct {
	Name        string
	Description string
	Properties  map[string]any
	Required    []string
}

// ToolCall is one tool invocation requested by the model.
type ToolCall struct {
	ID    string
	Name  string
	Input map[string]any
}

// ToolResult is the outcome of a ToolCall fed back to the model.
type ToolResult struct {
	CallID  string
	Name    string
	Content string
	IsError bool
}

// Message is one conversation turn. Assistant turns may carry tool
// calls; user turns may carry their results.
type Message struct {
	Role        Role
	Text        string
	ToolCalls   []ToolCall
	ToolResults []ToolResult
}

// ProposeRequest is one model call.
type ProposeRequest struct {
	Model     string
	Tier      classify.Complexity
	System    string
	Messages  []Message
	Tools     []ToolSpec
	MaxTokens int
}

// Proposal is the model's reply.
type Proposal struct {
	Text         string
	ToolCalls    []ToolCall
	InputTokens  int
	OutputTokens int
	StopReason   string
}

// Proposer calls a language model.
type Proposer interface {
	Propose(ctx context.Context, req ProposeRequest) (*Proposal, error)
}
