package cortex

import (
	"encoding/json"
	"fmt"
)

// Tool names the model may call.
const (
	ToolSessionsSpawn = "sessions_spawn"
	ToolMemoryQuery   = "memory_query"
)

// toolAction is the tagged-variant form of a tool call. Decoding happens
// once, up front; the loop switches exhaustively over the variants. An
// unrecognized name becomes unknownCall and fails that one tool, never the
// whole turn.
type toolAction interface {
	isToolAction()
}

// spawnCall delegates a task to the wired executor (normally the router).
type spawnCall struct {
	CallID   string
	Task     string
	Priority Priority
}

// memoryQueryCall searches the hippocampus, hot then cold.
type memoryQueryCall struct {
	CallID string
	Query  string
	Limit  int
}

// unknownCall carries an unrecognized tool name and its raw arguments.
type unknownCall struct {
	CallID string
	Name   string
	Raw    json.RawMessage
}

func (spawnCall) isToolAction()       {}
func (memoryQueryCall) isToolAction() {}
func (unknownCall) isToolAction()     {}

// parseToolCall decodes one model tool call into its typed variant.
func parseToolCall(tc ToolCall) (toolAction, error) {
	switch tc.Name {
	case ToolSessionsSpawn:
		var params struct {
			Task     string `json:"task"`
			Priority string `json:"priority"`
		}
		if err := json.Unmarshal(tc.Args, &params); err != nil {
			return nil, fmt.Errorf("%s arguments: %w", tc.Name, err)
		}
		if params.Task == "" {
			return nil, fmt.Errorf("%s: missing task", tc.Name)
		}
		prio := Priority(params.Priority)
		if !prio.Valid() {
			prio = PriorityNormal
		}
		return spawnCall{CallID: tc.ID, Task: params.Task, Priority: prio}, nil
	case ToolMemoryQuery:
		var params struct {
			Query string `json:"query"`
			Limit int    `json:"limit"`
		}
		if err := json.Unmarshal(tc.Args, &params); err != nil {
			return nil, fmt.Errorf("%s arguments: %w", tc.Name, err)
		}
		if params.Query == "" {
			return nil, fmt.Errorf("%s: missing query", tc.Name)
		}
		return memoryQueryCall{CallID: tc.ID, Query: params.Query, Limit: params.Limit}, nil
	default:
		return unknownCall{CallID: tc.ID, Name: tc.Name, Raw: tc.Args}, nil
	}
}

// opDescription renders the human-readable description stored on the
// pending op for a tool call.
func opDescription(action toolAction) string {
	switch a := action.(type) {
	case spawnCall:
		return a.Task
	case memoryQueryCall:
		return "memory query: " + a.Query
	case unknownCall:
		return "unknown tool: " + a.Name
	default:
		return "tool call"
	}
}

// opType maps a tool variant to the pending-op type tag.
func opType(action toolAction) string {
	switch action.(type) {
	case spawnCall:
		return OpTypeRouterJob
	case memoryQueryCall:
		return "memory_query"
	default:
		return "unknown"
	}
}
