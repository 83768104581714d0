package config

// Config is the root configuration for switchboard.
type Config struct {
	Dispatch DispatchConfig `yaml:"dispatch,omitempty"`
	Models   ModelsConfig   `yaml:"models,omitempty"`
	Agent    AgentConfig    `yaml:"agent,omitempty"`
	Prompt   PromptConfig   `yaml:"prompt,omitempty"`
	History  HistoryConfig  `yaml:"history,omitempty"`
	Commands CommandsConfig `yaml:"commands,omitempty"`
	Tools    ToolsConfig    `yaml:"tools,omitempty"`
	Images   ImagesConfig   `yaml:"images,omitempty"`
	Channels ChannelsConfig `yaml:"channels,omitempty"`
	Gateway  GatewayConfig  `yaml:"gateway,omitempty"`
	Metrics  MetricsConfig  `yaml:"metrics,omitempty"`
	Logging  LoggingConfig  `yaml:"logging,omitempty"`
	Hooks    HooksConfig    `yaml:"hooks,omitempty"`
}

// DispatchConfig controls ordering and admission.
type DispatchConfig struct {
	Mode                  string `yaml:"mode,omitempty"` // "serial-per-chat" | "fully-parallel" (aliases "wait" | "all")
	MaxSessions           int    `yaml:"maxSessions,omitempty"`
	SessionTimeoutMinutes int    `yaml:"sessionTimeoutMinutes,omitempty"`
	ReaperIntervalSeconds int    `yaml:"reaperIntervalSeconds,omitempty"`
}

// ModelsConfig defines model providers and the model catalog.
type ModelsConfig struct {
	Default     string                        `yaml:"default,omitempty"`
	MaxTokens   int                           `yaml:"maxTokens,omitempty"`
	Temperature *float64                      `yaml:"temperature,omitempty"`
	Providers   map[string]ModelProviderEntry `yaml:"providers,omitempty"`
	Catalog     []ModelEntry                  `yaml:"catalog,omitempty"`
	// Fallbacks are tried in order when the chat's model fails with a
	// retryable provider error.
	Fallbacks []string `yaml:"fallbacks,omitempty"`
}

// ModelProviderEntry defines a model back-end.
type ModelProviderEntry struct {
	Type           string            `yaml:"type"` // "openai" | "envelope"
	BaseURL        string            `yaml:"baseUrl"`
	APIKey         string            `yaml:"apiKey,omitempty"`
	Headers        map[string]string `yaml:"headers,omitempty"`
	MaxConcurrent  int               `yaml:"maxConcurrent,omitempty"`
	TimeoutSeconds int               `yaml:"timeoutSeconds,omitempty"`
}

// ModelEntry is one selectable model. Multimodal models receive images;
// text models get placeholders instead.
type ModelEntry struct {
	ID         string `yaml:"id"`
	Provider   string `yaml:"provider"`
	Multimodal bool   `yaml:"multimodal,omitempty"`
}

// AgentConfig bounds the tool-call loop.
type AgentConfig struct {
	MaxRounds           int  `yaml:"maxRounds,omitempty"`
	ToolTimeoutSeconds  int  `yaml:"toolTimeoutSeconds,omitempty"`
	ToolConcurrency     int  `yaml:"toolConcurrency,omitempty"`
	DefaultToolsEnabled bool `yaml:"defaultToolsEnabled"`
}

// PromptConfig holds the core system prompt and virtual reply settings.
type PromptConfig struct {
	Core                string `yaml:"core,omitempty"`
	VirtualReplyEnabled bool   `yaml:"virtualReplyEnabled"`
	VirtualReply        string `yaml:"virtualReply,omitempty"`
}

// HistoryConfig controls conversation history retention.
type HistoryConfig struct {
	MaxUserTurns       int    `yaml:"maxUserTurns,omitempty"`
	Store              string `yaml:"store,omitempty"` // "sqlite" | "memory"
	UnloadAfterMinutes int    `yaml:"unloadAfterMinutes,omitempty"`
}

// CommandsConfig gates the chat command surface.
type CommandsConfig struct {
	Prefix string `yaml:"prefix,omitempty"`
	// StrictPrefix answers unknown prefixed commands with an error instead
	// of passing them to the model.
	StrictPrefix      bool     `yaml:"strictPrefix,omitempty"`
	ModelManagement   bool     `yaml:"modelManagement"`
	PromptManagement  bool     `yaml:"promptManagement"`
	ToolManagement    bool     `yaml:"toolManagement"`
	HistoryManagement bool     `yaml:"historyManagement"`
	AdminChats        []string `yaml:"adminChats,omitempty"`
}

// ToolsConfig locates tool services.
type ToolsConfig struct {
	Dir      string   `yaml:"dir,omitempty"`
	Watch    bool     `yaml:"watch,omitempty"`
	Disabled []string `yaml:"disabled,omitempty"`
}

// ImagesConfig configures image resolution for multimodal models.
type ImagesConfig struct {
	CacheSize      int   `yaml:"cacheSize,omitempty"`
	TTLMinutes     int   `yaml:"ttlMinutes,omitempty"`
	MaxBytes       int64 `yaml:"maxBytes,omitempty"`
	TimeoutSeconds int   `yaml:"timeoutSeconds,omitempty"`
}

// ChannelsConfig defines client adapters. Nil entries are disabled.
type ChannelsConfig struct {
	OneBot *OneBotConfig `yaml:"onebot,omitempty"`
	IRC    *IRCConfig    `yaml:"irc,omitempty"`
}

// OneBotConfig connects to a OneBot v11 implementation (NapCat) over its
// forward websocket.
type OneBotConfig struct {
	URL                string  `yaml:"url"`
	AccessToken        string  `yaml:"accessToken,omitempty"`
	SelfID             string  `yaml:"selfId,omitempty"`
	RespondToAll       bool    `yaml:"respondToAll,omitempty"`
	RespondProbability float64 `yaml:"respondProbability,omitempty"`
	ReconnectSeconds   int     `yaml:"reconnectSeconds,omitempty"`
	MaxReconnects      int     `yaml:"maxReconnects,omitempty"` // 0 means unlimited
	SendRatePerSecond  float64 `yaml:"sendRatePerSecond,omitempty"`
}

// IRCConfig defines IRC channel settings.
type IRCConfig struct {
	Server       string   `yaml:"server"`
	Port         int      `yaml:"port,omitempty"`
	Nick         string   `yaml:"nick"`
	Password     string   `yaml:"password,omitempty"`
	Channels     []string `yaml:"channels"`
	UseTLS       bool     `yaml:"useTLS,omitempty"`
	SASL         bool     `yaml:"sasl,omitempty"`
	AllowedNicks []string `yaml:"allowedNicks,omitempty"` // empty allows everyone
}

// GatewayConfig controls the gateway HTTP/WebSocket server.
type GatewayConfig struct {
	Enabled        bool        `yaml:"enabled"`
	Port           int         `yaml:"port,omitempty"`
	Bind           string      `yaml:"bind,omitempty"` // "loopback" | "lan" | "custom"
	CustomBindHost string      `yaml:"customBindHost,omitempty"`
	Auth           GatewayAuth `yaml:"auth,omitempty"`
	TLS            GatewayTLS  `yaml:"tls,omitempty"`
	AllowedOrigins []string    `yaml:"allowedOrigins,omitempty"`
}

// GatewayAuth configures gateway authentication.
type GatewayAuth struct {
	Mode     string `yaml:"mode,omitempty"` // "token" | "password"
	Token    string `yaml:"token,omitempty"`
	Password string `yaml:"password,omitempty"`
}

// GatewayTLS configures TLS for the gateway.
type GatewayTLS struct {
	Enabled  bool   `yaml:"enabled,omitempty"`
	CertPath string `yaml:"certPath,omitempty"`
	KeyPath  string `yaml:"keyPath,omitempty"`
}

// MetricsConfig exposes Prometheus metrics on the gateway.
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Path    string `yaml:"path,omitempty"`
}

// LoggingConfig controls logging behavior.
type LoggingConfig struct {
	Level        string `yaml:"level,omitempty"` // "silent" | "fatal" | "error" | "warn" | "info" | "debug" | "trace"
	File         string `yaml:"file,omitempty"`
	ConsoleStyle string `yaml:"consoleStyle,omitempty"` // "pretty" | "json"
}

// HooksConfig runs shell commands on lifecycle events.
type HooksConfig struct {
	MessageReceived []HookEntry `yaml:"messageReceived,omitempty"`
	MessageRejected []HookEntry `yaml:"messageRejected,omitempty"`
	CommandExecuted []HookEntry `yaml:"commandExecuted,omitempty"`
	SessionStart    []HookEntry `yaml:"sessionStart,omitempty"`
	SessionEnd      []HookEntry `yaml:"sessionEnd,omitempty"`
	SessionTimeout  []HookEntry `yaml:"sessionTimeout,omitempty"`
	ToolRound       []HookEntry `yaml:"toolRound,omitempty"`
	GatewayStart    []HookEntry `yaml:"gatewayStart,omitempty"`
	GatewayStop     []HookEntry `yaml:"gatewayStop,omitempty"`
}

// HookEntry defines a single hook action.
type HookEntry struct {
	Command string `yaml:"command"`
	Timeout int    `yaml:"timeout,omitempty"` // milliseconds
}
