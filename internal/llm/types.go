// Package llm provides the Anthropic Messages API client and the
// provider-neutral chat types shared by the agent loop and the store.
package llm

import "log/slog"

// LevelTrace is below Debug, used for wire-level payload logging.
const LevelTrace = slog.Level(-8)

// Stop reasons reported by the model. The agent loop branches on these.
const (
	// StopEndTurn means the model produced a final answer.
	StopEndTurn = "end_turn"
	// StopToolUse means the model requested one or more tool invocations.
	StopToolUse = "tool_use"
	// StopMaxTokens means the output was truncated.
	StopMaxTokens = "max_tokens"
)

// Message represents one conversation turn. Exactly one content shape
// is populated: plain text, a batch of tool calls (assistant role), or
// a batch of tool results (user role).
type Message struct {
	Role        string       `json:"role"`
	Content     string       `json:"content,omitempty"`
	ToolCalls   []ToolCall   `json:"tool_calls,omitempty"`
	ToolResults []ToolResult `json:"tool_results,omitempty"`
}

// ToolCall represents a tool invocation requested by the model.
type ToolCall struct {
	// ID is the provider-assigned invocation id, required to correlate
	// the matching ToolResult.
	ID        string         `json:"id"`
	Name      string         `json:"name"`
	Arguments map[string]any `json:"arguments"`
}

// ToolResult carries the outcome of one tool invocation back to the
// model, tagged with the invocation id it answers.
type ToolResult struct {
	ToolCallID string `json:"tool_call_id"`
	Content    string `json:"content"`
}

// ToolResultsMessage wraps a batch of tool results into a single
// user-role message, preserving the order the calls were issued in.
func ToolResultsMessage(results []ToolResult) Message {
	return Message{Role: "user", ToolResults: results}
}

// ChatResponse is the response from an inference round.
type ChatResponse struct {
	Model      string
	Message    Message
	StopReason string

	InputTokens  int
	OutputTokens int
}
