package agent

import "strings"

// PromptConfig controls system prompt generation.
type PromptConfig struct {
	// Core is the operator-wide prompt from configuration.
	Core string
	// Custom is the chat's own prompt, if any.
	Custom string
}

// BuildSystemPrompt joins the chat's custom prompt and the core prompt.
func BuildSystemPrompt(cfg PromptConfig) string {
	custom := strings.TrimSpace(cfg.Custom)
	core := strings.TrimSpace(cfg.Core)
	switch {
	case custom == "":
		return core
	case core == "":
		return custom
	default:
		return custom + "\n" + core
	}
}
