package unifiedllm

// ModelInfo describes a known model in the catalog.
type ModelInfo struct {
	ID            string   `json:"id"`
	Provider      string   `json:"provider"`
	DisplayName   string   `json:"display_name"`
	ContextWindow int      `json:"context_window"`
	SupportsTools bool     `json:"supports_tools"`
	Encoding      string   `json:"encoding,omitempty"` // tiktoken encoding used for estimates
	Aliases       []string `json:"aliases,omitempty"`
}

// DefaultContextWindow is assumed for models missing from the catalog.
const DefaultContextWindow = 128000

// Models is the built-in model catalog. The first entry per provider is its default.
var Models = []ModelInfo{
	{
		ID: "gpt-4o-mini", Provider: "openai", DisplayName: "GPT-4o mini",
		ContextWindow: 128000, SupportsTools: true, Encoding: "o200k_base",
		Aliases: []string{"4o-mini"},
	},
	{
		ID: "gpt-4o", Provider: "openai", DisplayName: "GPT-4o",
		ContextWindow: 128000, SupportsTools: true, Encoding: "o200k_base",
		Aliases: []string{"4o"},
	},
	{
		ID: "gpt-4.1", Provider: "openai", DisplayName: "GPT-4.1",
		ContextWindow: 1047576, SupportsTools: true, Encoding: "o200k_base",
	},
	{
		ID: "claude-sonnet-4-5", Provider: "anthropic", DisplayName: "Claude Sonnet 4.5",
		ContextWindow: 200000, SupportsTools: true, Encoding: "cl100k_base",
		Aliases: []string{"sonnet", "claude-sonnet"},
	},
	{
		ID: "claude-opus-4-1", Provider: "anthropic", DisplayName: "Claude Opus 4.1",
		ContextWindow: 200000, SupportsTools: true, Encoding: "cl100k_base",
		Aliases: []string{"opus", "claude-opus"},
	},
	{
		ID: "llama3.1", Provider: "ollama", DisplayName: "Llama 3.1 (local)",
		ContextWindow: 128000, SupportsTools: true, Encoding: "cl100k_base",
	},
}

// GetModelInfo returns the catalog entry for a model id or alias, or nil if unknown.
func GetModelInfo(modelID string) *ModelInfo {
	for i := range Models {
		if Models[i].ID == modelID {
			return &Models[i]
		}
		for _, alias := range Models[i].Aliases {
			if alias == modelID {
				return &Models[i]
			}
		}
	}
	return nil
}

// ListModels returns all known models, optionally filtered by provider.
func ListModels(provider string) []ModelInfo {
	var result []ModelInfo
	for _, m := range Models {
		if provider == "" || m.Provider == provider {
			result = append(result, m)
		}
	}
	return result
}

// DefaultModel returns the default catalog entry for a provider, or nil.
func DefaultModel(provider string) *ModelInfo {
	for i := range Models {
		if Models[i].Provider == provider {
			return &Models[i]
		}
	}
	return nil
}

// ContextWindow returns the context window of a model, falling back to
// DefaultContextWindow.
func ContextWindow(modelID string) int {
	if info := GetModelInfo(modelID); info != nil && info.ContextWindow > 0 {
		return info.ContextWindow
	}
	return DefaultContextWindow
}
