package agentloop

import "sync"

// ExecuteResult is a code result held back from the model until a
// save_to_volume call without content consumes it.
type ExecuteResult struct {
	Data   []byte `json:"data"`
	Binary bool   `json:"binary"`
}

// ReadPayload is the most recent file read, exposed to code as the
// source_doc_* bindings.
type ReadPayload struct {
	Filename string `json:"filename"`
	Path     string `json:"path"`
	Content  []byte `json:"content"`
	Size     int    `json:"size"`
}

// ToolContext is the scratch state of one conversation. It travels inside
// ConversationState and is never shared between conversations.
type ToolContext struct {
	LastExecuteResult    *ExecuteResult `json:"last_execute_result,omitempty"`
	LastReadPayload      *ReadPayload   `json:"last_read_payload,omitempty"`
	BashWorkingDirectory string         `json:"bash_working_directory,omitempty"`
}

// ToolEnv is what a tool handler sees of the conversation it runs in.
// Access to the ToolContext goes through Update and Snapshot so tool calls
// dispatched in parallel do not race.
type ToolEnv struct {
	ThreadID  string
	SessionID string

	mu  sync.Mutex
	ctx *ToolContext
}

// NewToolEnv binds a handler environment to tc.
func NewToolEnv(threadID, sessionID string, tc *ToolContext) *ToolEnv {
	if tc == nil {
		tc = &ToolContext{}
	}
	return &ToolEnv{ThreadID: threadID, SessionID: sessionID, ctx: tc}
}

// Update runs fn with exclusive access to the ToolContext.
func (e *ToolEnv) Update(fn func(tc *ToolContext)) {
	e.mu.Lock()
	defer e.mu.Unlock()
	fn(e.ctx)
}

// Snapshot returns a shallow copy of the ToolContext.
func (e *ToolEnv) Snapshot() ToolContext {
	e.mu.Lock()
	defer e.mu.Unlock()
	return *e.ctx
}
