package tools

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/soyeahso/switchboard/internal/agent"
	"github.com/soyeahso/switchboard/internal/history"
	"github.com/soyeahso/switchboard/internal/plugin"
)

// PromptServiceName is the builtin service that lets the model manage the
// chat's custom prompt.
const PromptServiceName = "prompt_service"

var errNoChat = errors.New("无法确定当前对话")

// PromptService exposes view, set and delete of the chat's custom prompt.
type PromptService struct {
	store history.Store
	tools []agent.Tool
}

var _ plugin.Plugin = (*PromptService)(nil)

// NewPromptService creates the builtin prompt service.
func NewPromptService(store history.Store) *PromptService {
	return &PromptService{store: store}
}

func (p *PromptService) ID() string      { return PromptServiceName }
func (p *PromptService) Name() string    { return "prompt service" }
func (p *PromptService) Version() string { return "builtin" }

func (p *PromptService) Init(context.Context, plugin.API) error {
	p.tools = []agent.Tool{
		&promptTool{
			name:   "view_prompt",
			desc:   "查看当前对话的专属提示词",
			schema: `{"type":"object","properties":{}}`,
			run:    p.view,
		},
		&promptTool{
			name: "set_prompt",
			desc: fmt.Sprintf("设置当前对话的专属提示词，最多 %d 个字符", history.MaxCustomPromptLen),
			schema: fmt.Sprintf(`{"type":"object","properties":{"prompt":{"type":"string","minLength":1,"maxLength":%d,"description":"新的专属提示词"}},"required":["prompt"]}`,
				history.MaxCustomPromptLen),
			run: p.set,
		},
		&promptTool{
			name:   "delete_prompt",
			desc:   "删除当前对话的专属提示词，恢复默认核心提示词",
			schema: `{"type":"object","properties":{}}`,
			run:    p.delete,
		},
	}
	return nil
}

func (p *PromptService) Tools() []agent.Tool { return p.tools }
func (p *PromptService) Close() error        { return nil }

func (p *PromptService) view(ctx context.Context, _ string) (string, error) {
	chatID, ok := agent.ChatIDFrom(ctx)
	if !ok {
		return "", errNoChat
	}
	c, err := p.store.Load(ctx, chatID)
	if err != nil {
		return "", err
	}
	if c.CustomPrompt == "" {
		return "当前对话没有设置专属提示词", nil
	}
	return "当前对话的专属提示词:\n" + c.CustomPrompt, nil
}

func (p *PromptService) set(ctx context.Context, input string) (string, error) {
	chatID, ok := agent.ChatIDFrom(ctx)
	if !ok {
		return "", errNoChat
	}
	var args struct {
		Prompt string `json:"prompt"`
	}
	if err := json.Unmarshal([]byte(input), &args); err != nil {
		return "", err
	}
	if err := p.store.SetCustomPrompt(ctx, chatID, args.Prompt); err != nil {
		return "", err
	}
	return "专属提示词已设置", nil
}

func (p *PromptService) delete(ctx context.Context, _ string) (string, error) {
	chatID, ok := agent.ChatIDFrom(ctx)
	if !ok {
		return "", errNoChat
	}
	if err := p.store.SetCustomPrompt(ctx, chatID, ""); err != nil {
		return "", err
	}
	return "专属提示词已删除", nil
}

type promptTool struct {
	name   string
	desc   string
	schema string
	run    func(ctx context.Context, input string) (string, error)
}

func (t *promptTool) Name() string        { return PromptServiceName + "_" + t.name }
func (t *promptTool) Description() string { return t.desc }
func (t *promptTool) InputSchema() string { return t.schema }
func (t *promptTool) Execute(ctx context.Context, input string) (string, error) {
	return t.run(ctx, input)
}
