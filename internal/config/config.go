package config

import (
	"fmt"
	"slices"
	"time"
)

// ConfigError represents a configuration error.
type ConfigError struct {
	Message string
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("config: %s", e.Message)
}

// DefaultCorePrompt is the system prompt used when none is configured.
const DefaultCorePrompt = "你是群聊成员"

// Defaults returns a Config with sensible defaults applied.
func Defaults() Config {
	temp := 0.1
	return Config{
		Dispatch: DispatchConfig{
			Mode:                  "serial-per-chat",
			MaxSessions:           100,
			SessionTimeoutMinutes: 10,
			ReaperIntervalSeconds: 30,
		},
		Models: ModelsConfig{
			Default:     "local_model",
			MaxTokens:   64000,
			Temperature: &temp,
			Providers: map[string]ModelProviderEntry{
				"lmstudio": {
					Type:           "openai",
					BaseURL:        "http://127.0.0.1:1234",
					MaxConcurrent:  4,
					TimeoutSeconds: 300,
				},
			},
			Catalog: []ModelEntry{
				{ID: "local_model", Provider: "lmstudio", Multimodal: true},
			},
		},
		Agent: AgentConfig{
			MaxRounds:           10,
			ToolTimeoutSeconds:  30,
			ToolConcurrency:     8,
			DefaultToolsEnabled: true,
		},
		Prompt: PromptConfig{
			Core:                DefaultCorePrompt,
			VirtualReplyEnabled: true,
			VirtualReply:        "已跳过此信息",
		},
		History: HistoryConfig{
			MaxUserTurns:       20,
			Store:              "sqlite",
			UnloadAfterMinutes: 30,
		},
		Commands: CommandsConfig{
			Prefix:            "#",
			ModelManagement:   true,
			PromptManagement:  true,
			ToolManagement:    true,
			HistoryManagement: true,
		},
		Images: ImagesConfig{
			CacheSize:      256,
			TTLMinutes:     30,
			MaxBytes:       10 << 20,
			TimeoutSeconds: 15,
		},
		Gateway: GatewayConfig{
			Enabled: true,
			Port:    18790,
			Bind:    "loopback",
			Auth: GatewayAuth{
				Mode: "token",
			},
		},
		Metrics: MetricsConfig{
			Enabled: true,
			Path:    "/metrics",
		},
		Logging: LoggingConfig{
			Level:        "info",
			ConsoleStyle: "pretty",
		},
	}
}

// SessionTimeout returns the idle timeout as a duration.
func (d DispatchConfig) SessionTimeout() time.Duration {
	return time.Duration(d.SessionTimeoutMinutes) * time.Minute
}

// ReaperInterval returns the reaper period as a duration.
func (d DispatchConfig) ReaperInterval() time.Duration {
	return time.Duration(d.ReaperIntervalSeconds) * time.Second
}

// ToolTimeout returns the default per-tool timeout.
func (a AgentConfig) ToolTimeout() time.Duration {
	return time.Duration(a.ToolTimeoutSeconds) * time.Second
}

// Model looks up a catalog entry by id.
func (m ModelsConfig) Model(id string) (ModelEntry, bool) {
	for _, e := range m.Catalog {
		if e.ID == id {
			return e, true
		}
	}
	return ModelEntry{}, false
}

// IsAdmin reports whether chatID is on the admin allow-list.
func (c CommandsConfig) IsAdmin(chatID string) bool {
	return slices.Contains(c.AdminChats, chatID)
}
