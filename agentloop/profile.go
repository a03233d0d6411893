package agentloop

import "github.com/martinemde/docagent/unifiedllm"

// Profile binds a model to the tools and prompt the loop offers it.
type Profile interface {
	// ID returns the provider identifier (e.g., "openai", "anthropic").
	ID() string

	ModelID() string

	ToolRegistry() *ToolRegistry

	BuildSystemPrompt(env PromptEnv) string

	// Capability flags.
	SupportsStreaming() bool
	SupportsParallelToolCalls() bool
	ContextWindowSize() int
}

// BaseProfile provides common profile fields and default implementations.
type BaseProfile struct {
	providerID                string
	model                     string
	registry                  *ToolRegistry
	supportsStreaming         bool
	supportsParallelToolCalls bool
	contextWindowSize         int
}

func (p *BaseProfile) ID() string                      { return p.providerID }
func (p *BaseProfile) ModelID() string                 { return p.model }
func (p *BaseProfile) ToolRegistry() *ToolRegistry     { return p.registry }
func (p *BaseProfile) SupportsStreaming() bool         { return p.supportsStreaming }
func (p *BaseProfile) SupportsParallelToolCalls() bool { return p.supportsParallelToolCalls }
func (p *BaseProfile) ContextWindowSize() int          { return p.contextWindowSize }

func (p *BaseProfile) BuildSystemPrompt(env PromptEnv) string {
	if env.Model == "" {
		env.Model = p.model
	}
	if env.Provider == "" {
		env.Provider = p.providerID
	}
	return BuildSystemPrompt(env)
}

// DocumentProfile is the profile for the document tools.
type DocumentProfile struct {
	BaseProfile
}

// NewDocumentProfile creates a profile for model on provider. The context
// window comes from the model catalog.
func NewDocumentProfile(provider, model string, registry *ToolRegistry) *DocumentProfile {
	info := unifiedllm.GetModelInfo(model)
	if provider == "" && info != nil {
		provider = info.Provider
	}
	return &DocumentProfile{BaseProfile{
		providerID:                provider,
		model:                     model,
		registry:                  registry,
		supportsStreaming:         true,
		supportsParallelToolCalls: info != nil && info.SupportsTools,
		contextWindowSize:         unifiedllm.ContextWindow(model),
	}}
}
