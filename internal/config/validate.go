package config

import (
	"fmt"
	"slices"
	"strings"
)

// ValidationIssue describes a problem with a config value.
type ValidationIssue struct {
	Path    string
	Message string
}

func (v ValidationIssue) String() string {
	return fmt.Sprintf("%s: %s", v.Path, v.Message)
}

// DispatchModes lists the accepted spellings of dispatch.mode.
var DispatchModes = []string{"serial-per-chat", "fully-parallel", "wait", "all"}

// Validate checks a Config for issues. Returns nil if valid.
func Validate(cfg *Config) []ValidationIssue {
	var issues []ValidationIssue
	add := func(path, format string, args ...any) {
		issues = append(issues, ValidationIssue{Path: path, Message: fmt.Sprintf(format, args...)})
	}
	atLeastOne := func(path string, v int) {
		if v < 1 {
			add(path, "must be at least 1, got %d", v)
		}
	}

	// Dispatch validation
	if !slices.Contains(DispatchModes, cfg.Dispatch.Mode) {
		add("dispatch.mode", "must be one of %v, got %q", DispatchModes, cfg.Dispatch.Mode)
	}
	atLeastOne("dispatch.maxSessions", cfg.Dispatch.MaxSessions)
	atLeastOne("dispatch.sessionTimeoutMinutes", cfg.Dispatch.SessionTimeoutMinutes)
	atLeastOne("dispatch.reaperIntervalSeconds", cfg.Dispatch.ReaperIntervalSeconds)

	// Agent validation
	atLeastOne("agent.maxRounds", cfg.Agent.MaxRounds)
	atLeastOne("agent.toolTimeoutSeconds", cfg.Agent.ToolTimeoutSeconds)
	atLeastOne("agent.toolConcurrency", cfg.Agent.ToolConcurrency)

	// History validation
	atLeastOne("history.maxUserTurns", cfg.History.MaxUserTurns)
	validStores := []string{"sqlite", "memory"}
	if !slices.Contains(validStores, cfg.History.Store) {
		add("history.store", "must be one of %v, got %q", validStores, cfg.History.Store)
	}

	// Model validation
	if cfg.Models.MaxTokens < 1 {
		add("models.maxTokens", "must be at least 1, got %d", cfg.Models.MaxTokens)
	}
	if t := cfg.Models.Temperature; t != nil && (*t < 0 || *t > 2) {
		add("models.temperature", "must be between 0 and 2, got %g", *t)
	}
	validProviderTypes := []string{"openai", "envelope"}
	for name, p := range cfg.Models.Providers {
		path := "models.providers." + name
		if !slices.Contains(validProviderTypes, p.Type) {
			add(path+".type", "must be one of %v, got %q", validProviderTypes, p.Type)
		}
		if p.BaseURL == "" {
			add(path+".baseUrl", "baseUrl is required")
		}
		if p.MaxConcurrent < 0 {
			add(path+".maxConcurrent", "must not be negative, got %d", p.MaxConcurrent)
		}
	}
	if len(cfg.Models.Catalog) == 0 {
		add("models.catalog", "at least one model is required")
	}
	seen := map[string]bool{}
	for i, m := range cfg.Models.Catalog {
		path := fmt.Sprintf("models.catalog[%d]", i)
		if m.ID == "" {
			add(path+".id", "id is required")
			continue
		}
		if seen[m.ID] {
			add(path+".id", "duplicate model id %q", m.ID)
		}
		seen[m.ID] = true
		if _, ok := cfg.Models.Providers[m.Provider]; !ok {
			add(path+".provider", "unknown provider %q", m.Provider)
		}
	}
	if cfg.Models.Default == "" {
		add("models.default", "default model is required")
	} else if _, ok := cfg.Models.Model(cfg.Models.Default); !ok {
		add("models.default", "model %q is not in the catalog", cfg.Models.Default)
	}
	for i, id := range cfg.Models.Fallbacks {
		if _, ok := cfg.Models.Model(id); !ok {
			add(fmt.Sprintf("models.fallbacks[%d]", i), "model %q is not in the catalog", id)
		}
	}

	// Command validation
	if strings.TrimSpace(cfg.Commands.Prefix) == "" {
		add("commands.prefix", "prefix must not be blank")
	}

	// OneBot validation (only if configured)
	if ob := cfg.Channels.OneBot; ob != nil {
		if ob.URL == "" {
			add("channels.onebot.url", "url is required")
		} else if !strings.HasPrefix(ob.URL, "ws://") && !strings.HasPrefix(ob.URL, "wss://") {
			add("channels.onebot.url", "must be a ws:// or wss:// url, got %q", ob.URL)
		}
		if ob.RespondProbability < 0 || ob.RespondProbability > 1 {
			add("channels.onebot.respondProbability", "must be between 0 and 1, got %g", ob.RespondProbability)
		}
		if ob.MaxReconnects < 0 {
			add("channels.onebot.maxReconnects", "must not be negative, got %d", ob.MaxReconnects)
		}
	}

	// IRC validation (only if configured)
	if irc := cfg.Channels.IRC; irc != nil {
		if irc.Server == "" {
			add("channels.irc.server", "server is required")
		}
		if irc.Nick == "" {
			add("channels.irc.nick", "nick is required")
		}
		if irc.Port < 0 || irc.Port > 65535 {
			add("channels.irc.port", "port must be 0-65535, got %d", irc.Port)
		}
		if irc.SASL && irc.Password == "" {
			add("channels.irc.sasl", "SASL requires a password to be set")
		}
	}

	// Gateway validation
	if cfg.Gateway.Port < 0 || cfg.Gateway.Port > 65535 {
		add("gateway.port", "port must be 0-65535, got %d", cfg.Gateway.Port)
	}
	validBinds := []string{"loopback", "lan", "custom"}
	if cfg.Gateway.Bind != "" && !slices.Contains(validBinds, cfg.Gateway.Bind) {
		add("gateway.bind", "must be one of %v, got %q", validBinds, cfg.Gateway.Bind)
	}
	if cfg.Gateway.Bind == "custom" && cfg.Gateway.CustomBindHost == "" {
		add("gateway.customBindHost", "required when bind is custom")
	}
	validAuthModes := []string{"token", "password"}
	if cfg.Gateway.Auth.Mode != "" && !slices.Contains(validAuthModes, cfg.Gateway.Auth.Mode) {
		add("gateway.auth.mode", "must be one of %v, got %q", validAuthModes, cfg.Gateway.Auth.Mode)
	}
	if !strings.HasPrefix(cfg.Metrics.Path, "/") {
		add("metrics.path", "must start with /, got %q", cfg.Metrics.Path)
	}

	// Logging validation
	validLogLevels := []string{"silent", "fatal", "error", "warn", "info", "debug", "trace"}
	if cfg.Logging.Level != "" && !slices.Contains(validLogLevels, cfg.Logging.Level) {
		add("logging.level", "must be one of %v, got %q", validLogLevels, cfg.Logging.Level)
	}
	validConsoleStyles := []string{"pretty", "json"}
	if cfg.Logging.ConsoleStyle != "" && !slices.Contains(validConsoleStyles, cfg.Logging.ConsoleStyle) {
		add("logging.consoleStyle", "must be one of %v, got %q", validConsoleStyles, cfg.Logging.ConsoleStyle)
	}

	return issues
}
