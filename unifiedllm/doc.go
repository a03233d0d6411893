// Package unifiedllm is the LLM collaborator used by the agent loop. It wraps
// gollm (github.com/teilomillet/gollm) behind a provider-agnostic chat
// completion contract: a message list plus tool schema in, one assistant
// message with optional tool calls and token usage out.
//
// # Layers
//
//   - ProviderAdapter and the shared message types
//   - Retry, error classification and token estimation helpers
//   - Client with provider routing and middleware
//   - Collect, which drains a stream into a single Response
//
// # Usage
//
//	adapter, _ := unifiedllm.NewGollmAdapter("openai", os.Getenv("OPENAI_API_KEY"))
//	client := unifiedllm.NewClient(
//	    unifiedllm.WithProvider("openai", adapter),
//	    unifiedllm.WithStreamMiddleware(unifiedllm.StreamRetryMiddleware(unifiedllm.DefaultRetryPolicy())),
//	)
//
//	events, _ := client.Stream(ctx, unifiedllm.Request{
//	    Model:    "gpt-4o-mini",
//	    Messages: []unifiedllm.Message{unifiedllm.UserMessage("Hello")},
//	})
//	resp, _ := unifiedllm.Collect(ctx, events, func(delta string) { fmt.Print(delta) })
//
// # Tool calls
//
// gollm returns plain text, so GollmAdapter recovers tool calls from the JSON
// the model emits, either {"tool_calls":[...]} or a bare [{"name":...}]
// array. Arguments that arrive JSON-encoded as a string are unwrapped.
package unifiedllm
