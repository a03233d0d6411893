// Package agentloop drives a tool-augmented document agent.
//
// An Agent alternates between two states. Call-Model sends the
// conversation and the tool schema to the LLM and appends the assembled
// assistant message. Run-Tools dispatches every requested tool call in
// request order and appends one tool message per call, tagged with its call
// id. The loop stops when the model asks for no tools or when
// max_iterations model calls have been made, whichever comes first.
//
// Tool failures never end a run. The ToolRegistry turns unknown tools, bad
// arguments, handler errors and panics into observations starting with
// "Error: " so the model can correct itself on the next turn.
//
// # Conversations
//
// State is kept per thread id in a checkpoint.Store through a
// Checkpointer. Each ConversationState carries its own ToolContext: the
// last code result waiting to be saved, the last file read, and the shell
// working directory. Nothing of that is process wide, so concurrent
// conversations cannot observe each other.
//
// # Events
//
// Stream returns the run as a channel of events (run_start, text_delta,
// assistant_message, tool_call_start, tool_call_end, warning) ending in one
// done or error event. Invoke drains the same channel.
//
//	agent, err := agentloop.NewAgent(agentloop.AgentOptions{...})
//	for ev := range agent.Stream(ctx, agentloop.RunRequest{
//	    Input: []agentloop.InputMessage{{Role: "user", Content: "Write a memo as a .docx"}},
//	}) {
//	    if ev.Kind == agentloop.EventTextDelta {
//	        fmt.Print(ev.Delta)
//	    }
//	}
//
// # Code execution
//
// execute_javascript runs model-written code in an embedded interpreter.
// Each call gets a fresh global scope with no file or network access of
// its own; files reach it only as the source_doc_* bindings set by
// read_from_volume. Shell commands have no such limits and run with the
// server's own permissions.
package agentloop
