// Package commands implements the chat command surface: prefixed
// instructions that manage a chat's model, prompt, tool switch and
// history without reaching a model.
package commands

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/soyeahso/switchboard/internal/config"
	"github.com/soyeahso/switchboard/internal/domain"
	"github.com/soyeahso/switchboard/internal/history"
	"github.com/soyeahso/switchboard/internal/logging"
	"github.com/soyeahso/switchboard/internal/metrics"
)

// Group is the feature flag a command is gated by.
type Group int

const (
	GroupAlways Group = iota
	GroupModel
	GroupPrompt
	GroupTools
	GroupHistory
)

func (g Group) String() string {
	switch g {
	case GroupModel:
		return "model"
	case GroupPrompt:
		return "prompt"
	case GroupTools:
		return "tools"
	case GroupHistory:
		return "history"
	default:
		return "always"
	}
}

// Invocation is a parsed command line.
type Invocation struct {
	ChatID domain.ChatID
	UserID string
	// Name is the word after the prefix as typed.
	Name string
	Args []string
	// Raw is everything after the name, whitespace preserved.
	Raw string
	// Command is nil when Name is not registered.
	Command *Command
}

// Command is one chat command.
type Command struct {
	Name    string
	Aliases []string
	Usage   string
	Summary string
	Group   Group
	Admin   bool
	Run     func(ctx context.Context, inv Invocation) (string, error)
}

// ToolReloader re-runs tool discovery and reports how many tools are
// registered afterwards.
type ToolReloader interface {
	Reload(ctx context.Context) (int, error)
}

// Options wires a Registry.
type Options struct {
	Commands            config.CommandsConfig
	Models              config.ModelsConfig
	DefaultToolsEnabled bool
	History             history.Store
	Tools               ToolReloader
	Metrics             *metrics.Metrics
}

// Registry holds the commands and the settings that gate them. Settings
// can be swapped at runtime by Update.
type Registry struct {
	mu           sync.RWMutex
	cfg          config.CommandsConfig
	models       config.ModelsConfig
	defaultTools bool
	commands     []*Command
	index        map[string]*Command

	store   history.Store
	tools   ToolReloader
	metrics *metrics.Metrics
	log     *logging.Logger
}

// New creates a registry with the builtin commands registered.
func New(opts Options, log *logging.Logger) *Registry {
	r := &Registry{
		index:   make(map[string]*Command),
		store:   opts.History,
		tools:   opts.Tools,
		metrics: opts.Metrics,
		log:     log.Sub("commands"),
	}
	r.Update(opts.Commands, opts.Models, opts.DefaultToolsEnabled)
	for _, c := range r.builtins() {
		if err := r.Register(c); err != nil {
			panic(err)
		}
	}
	return r
}

// Register adds a command under its name and aliases.
func (r *Registry) Register(c *Command) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	names := append([]string{c.Name}, c.Aliases...)
	for _, n := range names {
		if _, exists := r.index[n]; exists {
			return fmt.Errorf("command already registered: %s", n)
		}
	}
	for _, n := range names {
		r.index[n] = c
	}
	r.commands = append(r.commands, c)
	return nil
}

// Update replaces the settings, e.g. after a config reload.
func (r *Registry) Update(cfg config.CommandsConfig, models config.ModelsConfig, defaultTools bool) {
	if cfg.Prefix == "" {
		cfg.Prefix = "#"
	}
	r.mu.Lock()
	r.cfg = cfg
	r.models = models
	r.defaultTools = defaultTools
	r.mu.Unlock()
}

func (r *Registry) settings() (config.CommandsConfig, config.ModelsConfig, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.cfg, r.models, r.defaultTools
}

// Prefix returns the command prefix.
func (r *Registry) Prefix() string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.cfg.Prefix
}

// Strict reports whether unknown prefixed words are answered as errors
// rather than passed to the model.
func (r *Registry) Strict() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.cfg.StrictPrefix
}

// commandText joins the text parts of c. Images are ignored.
func commandText(c domain.Content) string {
	if !c.IsMulti() {
		return strings.TrimSpace(c.Text)
	}
	var texts []string
	for _, p := range c.Parts {
		if p.Type == domain.PartText && strings.TrimSpace(p.Text) != "" {
			texts = append(texts, p.Text)
		}
	}
	return strings.TrimSpace(strings.Join(texts, " "))
}

// Parse reports whether content starts with the command prefix followed
// by a word. inv.Command is nil when the word is not a registered name.
func (r *Registry) Parse(chatID domain.ChatID, content domain.Content) (Invocation, bool) {
	text := commandText(content)
	prefix := r.Prefix()
	rest, ok := strings.CutPrefix(text, prefix)
	if !ok {
		return Invocation{}, false
	}
	rest = strings.TrimLeft(rest, " \t")
	fields := strings.Fields(rest)
	if len(fields) == 0 {
		return Invocation{}, false
	}

	inv := Invocation{ChatID: chatID, Name: fields[0]}
	if len(fields) > 1 {
		inv.Args = fields[1:]
	}
	inv.Raw = strings.TrimSpace(strings.TrimPrefix(rest, fields[0]))

	r.mu.RLock()
	inv.Command = r.index[inv.Name]
	r.mu.RUnlock()
	return inv, true
}

// IsCommand reports whether text invokes a registered command.
func (r *Registry) IsCommand(text string) bool {
	inv, ok := r.Parse("", domain.Text(text))
	return ok && inv.Command != nil
}

// enabled reports whether c's feature flag is on.
func enabled(cfg config.CommandsConfig, c *Command) bool {
	switch c.Group {
	case GroupModel:
		return cfg.ModelManagement
	case GroupPrompt:
		return cfg.PromptManagement
	case GroupTools:
		return cfg.ToolManagement
	case GroupHistory:
		return cfg.HistoryManagement
	default:
		return true
	}
}

// Execute runs inv and returns the reply text. Errors are meant to be
// rendered with domain.UserMessage.
func (r *Registry) Execute(ctx context.Context, inv Invocation) (string, error) {
	start := time.Now()
	cfg, _, _ := r.settings()

	reply, err := r.execute(ctx, cfg, inv)

	name := "unknown"
	if inv.Command != nil {
		name = inv.Command.Name
	}
	r.metrics.Command(name, err)
	ev := r.log.Info()
	if err != nil {
		ev = r.log.Warn().Err(err)
	}
	ev.Str("chatId", inv.ChatID.String()).
		Str("command", inv.Name).
		Dur("duration", time.Since(start)).
		Msg("command executed")
	return reply, err
}

func (r *Registry) execute(ctx context.Context, cfg config.CommandsConfig, inv Invocation) (string, error) {
	c := inv.Command
	if c == nil {
		return "", fmt.Errorf("%w: %s%s", domain.ErrUnknownCommand, cfg.Prefix, inv.Name)
	}
	if !enabled(cfg, c) {
		return "", fmt.Errorf("指令未启用: %s%s", cfg.Prefix, c.Name)
	}
	if c.Admin && !cfg.IsAdmin(inv.ChatID.String()) {
		return "", domain.ErrPermissionDenied
	}
	return c.Run(ctx, inv)
}

// List returns the registered commands in registration order.
func (r *Registry) List() []*Command {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Command, len(r.commands))
	copy(out, r.commands)
	return out
}
