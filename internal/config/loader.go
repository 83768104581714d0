package config

import (
	"os"
	"regexp"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// envVarPattern matches ${VAR_NAME} patterns in strings.
var envVarPattern = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)\}`)

// expandEnvVars replaces ${VAR} patterns with environment variable values.
// Unset variables are left unchanged.
func expandEnvVars(s string) string {
	return envVarPattern.ReplaceAllStringFunc(s, func(match string) string {
		varName := match[2 : len(match)-1]
		if val, ok := os.LookupEnv(varName); ok {
			return val
		}
		return match
	})
}

// expandSensitiveFields resolves ${ENV_VAR} references in credential fields.
func expandSensitiveFields(cfg *Config) {
	cfg.Gateway.Auth.Token = expandEnvVars(cfg.Gateway.Auth.Token)
	cfg.Gateway.Auth.Password = expandEnvVars(cfg.Gateway.Auth.Password)
	if cfg.Channels.IRC != nil {
		cfg.Channels.IRC.Password = expandEnvVars(cfg.Channels.IRC.Password)
	}
	if cfg.Channels.OneBot != nil {
		cfg.Channels.OneBot.AccessToken = expandEnvVars(cfg.Channels.OneBot.AccessToken)
	}
	for name, provider := range cfg.Models.Providers {
		provider.APIKey = expandEnvVars(provider.APIKey)
		cfg.Models.Providers[name] = provider
	}
}

// LoadEnvFiles loads KEY=VALUE pairs from the given .env files into the
// process environment. Existing variables win; missing files are skipped.
func LoadEnvFiles(paths ...string) error {
	var existing []string
	for _, p := range paths {
		if _, err := os.Stat(p); err == nil {
			existing = append(existing, p)
		}
	}
	if len(existing) == 0 {
		return nil
	}
	return godotenv.Load(existing...)
}

// Load reads the config file, applies environment overrides, and returns
// a merged Config. Missing files produce defaults only.
func Load(path string) (Config, error) {
	cfg := Defaults()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			applyEnvOverrides(&cfg)
			return cfg, nil
		}
		return cfg, err
	}

	return Parse(data)
}

// Parse decodes YAML config data over the defaults and applies
// environment overrides.
func Parse(data []byte) (Config, error) {
	cfg := Defaults()
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, &ConfigError{Message: "failed to parse config: " + err.Error()}
	}

	applyDefaults(&cfg)
	applyEnvOverrides(&cfg)
	expandSensitiveFields(&cfg)
	return cfg, nil
}

// LoadRaw reads the config file into a generic map for path-based access.
func LoadRaw(path string) (map[string]any, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return map[string]any{}, nil
		}
		return nil, err
	}

	var raw map[string]any
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, &ConfigError{Message: "failed to parse config: " + err.Error()}
	}
	if raw == nil {
		raw = map[string]any{}
	}
	return raw, nil
}

// SaveRaw writes a generic map back to a YAML config file.
func SaveRaw(path string, raw map[string]any) error {
	data, err := yaml.Marshal(raw)
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o600)
}

// applyDefaults fills zero-value fields the file may have cleared.
func applyDefaults(cfg *Config) {
	d := Defaults()
	if cfg.Dispatch.Mode == "" {
		cfg.Dispatch.Mode = d.Dispatch.Mode
	}
	if cfg.Dispatch.MaxSessions == 0 {
		cfg.Dispatch.MaxSessions = d.Dispatch.MaxSessions
	}
	if cfg.Dispatch.SessionTimeoutMinutes == 0 {
		cfg.Dispatch.SessionTimeoutMinutes = d.Dispatch.SessionTimeoutMinutes
	}
	if cfg.Dispatch.ReaperIntervalSeconds == 0 {
		cfg.Dispatch.ReaperIntervalSeconds = d.Dispatch.ReaperIntervalSeconds
	}
	if cfg.Models.MaxTokens == 0 {
		cfg.Models.MaxTokens = d.Models.MaxTokens
	}
	if cfg.Models.Temperature == nil {
		cfg.Models.Temperature = d.Models.Temperature
	}
	if cfg.Agent.MaxRounds == 0 {
		cfg.Agent.MaxRounds = d.Agent.MaxRounds
	}
	if cfg.Agent.ToolTimeoutSeconds == 0 {
		cfg.Agent.ToolTimeoutSeconds = d.Agent.ToolTimeoutSeconds
	}
	if cfg.Agent.ToolConcurrency == 0 {
		cfg.Agent.ToolConcurrency = d.Agent.ToolConcurrency
	}
	if cfg.Prompt.Core == "" {
		cfg.Prompt.Core = d.Prompt.Core
	}
	if cfg.Prompt.VirtualReply == "" {
		cfg.Prompt.VirtualReply = d.Prompt.VirtualReply
	}
	if cfg.History.MaxUserTurns == 0 {
		cfg.History.MaxUserTurns = d.History.MaxUserTurns
	}
	if cfg.History.Store == "" {
		cfg.History.Store = d.History.Store
	}
	if cfg.Commands.Prefix == "" {
		cfg.Commands.Prefix = d.Commands.Prefix
	}
	if cfg.Gateway.Port == 0 {
		cfg.Gateway.Port = d.Gateway.Port
	}
	if cfg.Gateway.Bind == "" {
		cfg.Gateway.Bind = d.Gateway.Bind
	}
	if cfg.Gateway.Auth.Mode == "" {
		cfg.Gateway.Auth.Mode = d.Gateway.Auth.Mode
	}
	if cfg.Metrics.Path == "" {
		cfg.Metrics.Path = d.Metrics.Path
	}
	if cfg.Logging.Level == "" {
		cfg.Logging.Level = d.Logging.Level
	}
	if cfg.Logging.ConsoleStyle == "" {
		cfg.Logging.ConsoleStyle = d.Logging.ConsoleStyle
	}
	if ob := cfg.Channels.OneBot; ob != nil {
		if ob.ReconnectSeconds == 0 {
			ob.ReconnectSeconds = 10
		}
		if ob.SendRatePerSecond == 0 {
			ob.SendRatePerSecond = 5
		}
	}
	for name, p := range cfg.Models.Providers {
		if p.Type == "" {
			p.Type = "openai"
		}
		if p.TimeoutSeconds == 0 {
			p.TimeoutSeconds = 300
		}
		cfg.Models.Providers[name] = p
	}
}

// applyEnvOverrides reads SWITCHBOARD_* environment variables and overrides config values.
func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("SWITCHBOARD_DISPATCH_MODE"); v != "" {
		cfg.Dispatch.Mode = v
	}
	if v := os.Getenv("SWITCHBOARD_MAX_SESSIONS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Dispatch.MaxSessions = n
		}
	}
	if v := os.Getenv("SWITCHBOARD_DEFAULT_MODEL"); v != "" {
		cfg.Models.Default = v
	}
	if v := os.Getenv("SWITCHBOARD_GATEWAY_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			cfg.Gateway.Port = port
		}
	}
	if v := os.Getenv("SWITCHBOARD_GATEWAY_BIND"); v != "" {
		cfg.Gateway.Bind = v
	}
	if v := os.Getenv("SWITCHBOARD_LOG_LEVEL"); v != "" {
		cfg.Logging.Level = strings.ToLower(v)
	}
}
