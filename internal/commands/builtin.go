package commands

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/soyeahso/switchboard/internal/history"
)

func (r *Registry) builtins() []*Command {
	return []*Command{
		{Name: "模型列表", Aliases: []string{"models"}, Summary: "查看所有可用模型", Group: GroupModel, Run: r.modelList},
		{Name: "模型查询", Aliases: []string{"model"}, Summary: "查看当前对话使用的模型", Group: GroupModel, Run: r.modelQuery},
		{Name: "模型更换", Aliases: []string{"switch"}, Usage: "<模型名>", Summary: "更换当前对话的模型", Group: GroupModel, Run: r.modelChange},
		{Name: "工具支持", Aliases: []string{"tools"}, Usage: "<true/false>", Summary: "启用/禁用工具调用", Group: GroupTools, Run: r.toolsToggle},
		{Name: "提示词", Aliases: []string{"prompt"}, Summary: "查看当前对话的专属提示词", Group: GroupPrompt, Run: r.promptQuery},
		{Name: "设定提示词", Aliases: []string{"setprompt"}, Usage: "<内容>", Summary: "设置专属提示词", Group: GroupPrompt, Run: r.promptSet},
		{Name: "删除提示词", Aliases: []string{"delprompt"}, Summary: "删除专属提示词", Group: GroupPrompt, Run: r.promptDelete},
		{Name: "上下文清理", Aliases: []string{"删除上下文", "clear"}, Summary: "清理当前对话的上下文", Group: GroupHistory, Run: r.contextClear},
		{Name: "重载", Aliases: []string{"热重载", "reload"}, Summary: "重新加载工具系统", Group: GroupTools, Admin: true, Run: r.reload},
		{Name: "帮助", Aliases: []string{"help"}, Summary: "显示此帮助信息", Group: GroupAlways, Run: r.help},
	}
}

func (r *Registry) modelList(_ context.Context, _ Invocation) (string, error) {
	_, models, _ := r.settings()
	if len(models.Catalog) == 0 {
		return "", errors.New("没有可用模型")
	}
	var b strings.Builder
	b.WriteString("可用模型列表:")
	for _, m := range models.Catalog {
		kind := "文本"
		if m.Multimodal {
			kind = "多模态"
		}
		fmt.Fprintf(&b, "\n  - %s (%s)", m.ID, kind)
		if m.ID == models.Default {
			b.WriteString(" [默认]")
		}
	}
	return b.String(), nil
}

func (r *Registry) modelQuery(ctx context.Context, inv Invocation) (string, error) {
	_, models, _ := r.settings()
	c, err := r.store.Load(ctx, inv.ChatID)
	if err != nil {
		return "", fmt.Errorf("获取上下文失败: %w", err)
	}
	return "当前对话使用的模型: " + c.EffectiveModel(models.Default), nil
}

func (r *Registry) modelChange(ctx context.Context, inv Invocation) (string, error) {
	if len(inv.Args) == 0 {
		return "", errors.New("请指定要更换的模型名称")
	}
	_, models, _ := r.settings()
	model := inv.Args[0]
	if _, ok := models.Model(model); !ok {
		return "", fmt.Errorf("模型 '%s' 不可用", model)
	}
	if err := r.store.SetModel(ctx, inv.ChatID, model); err != nil {
		return "", fmt.Errorf("更换模型失败: %w", err)
	}
	return "模型已更换为: " + model, nil
}

func (r *Registry) toolsToggle(ctx context.Context, inv Invocation) (string, error) {
	if len(inv.Args) == 0 {
		return "", errors.New("请指定 true 或 false")
	}
	var on bool
	switch strings.ToLower(inv.Args[0]) {
	case "true":
		on = true
	case "false":
	default:
		return "", errors.New("参数必须是 true 或 false")
	}
	if err := r.store.SetToolsEnabled(ctx, inv.ChatID, on); err != nil {
		return "", fmt.Errorf("设置工具支持失败: %w", err)
	}
	if on {
		return "工具支持已启用", nil
	}
	return "工具支持已禁用", nil
}

func (r *Registry) promptQuery(ctx context.Context, inv Invocation) (string, error) {
	c, err := r.store.Load(ctx, inv.ChatID)
	if err != nil {
		return "", fmt.Errorf("获取提示词失败: %w", err)
	}
	if c.CustomPrompt == "" {
		return "当前对话没有设置专属提示词，使用默认核心提示词", nil
	}
	return "当前对话的专属提示词:\n" + c.CustomPrompt, nil
}

func (r *Registry) promptSet(ctx context.Context, inv Invocation) (string, error) {
	if inv.Raw == "" {
		return "", errors.New("请指定要设置的提示词内容")
	}
	if utf8.RuneCountInString(inv.Raw) > history.MaxCustomPromptLen {
		return "", fmt.Errorf("提示词过长，最多 %d 个字符", history.MaxCustomPromptLen)
	}
	if err := r.store.SetCustomPrompt(ctx, inv.ChatID, inv.Raw); err != nil {
		return "", fmt.Errorf("设置提示词失败: %w", err)
	}
	return "专属提示词已设置:\n" + inv.Raw, nil
}

func (r *Registry) promptDelete(ctx context.Context, inv Invocation) (string, error) {
	if err := r.store.SetCustomPrompt(ctx, inv.ChatID, ""); err != nil {
		return "", fmt.Errorf("删除提示词失败: %w", err)
	}
	return "专属提示词已删除", nil
}

func (r *Registry) contextClear(ctx context.Context, inv Invocation) (string, error) {
	if err := r.store.Clear(ctx, inv.ChatID); err != nil {
		return "", fmt.Errorf("清理上下文失败: %w", err)
	}
	return "对话上下文已清理", nil
}

func (r *Registry) reload(ctx context.Context, _ Invocation) (string, error) {
	if r.tools == nil {
		return "", errors.New("工具管理器未初始化")
	}
	n, err := r.tools.Reload(ctx)
	if err != nil {
		return "", fmt.Errorf("重载工具失败: %w", err)
	}
	return fmt.Sprintf("工具系统已重载，当前注册 %d 个工具", n), nil
}

func (r *Registry) help(_ context.Context, _ Invocation) (string, error) {
	cfg, _, _ := r.settings()
	var b strings.Builder
	b.WriteString("📚 可用指令列表:\n")
	for _, c := range r.List() {
		if !enabled(cfg, c) {
			continue
		}
		b.WriteString("\n")
		if c.Admin {
			b.WriteString("🔒 ")
		} else {
			b.WriteString("📝 ")
		}
		b.WriteString(cfg.Prefix + c.Name)
		for _, a := range c.Aliases {
			b.WriteString(" / " + cfg.Prefix + a)
		}
		if c.Usage != "" {
			b.WriteString(" " + c.Usage)
		}
		b.WriteString("\n   " + c.Summary)
		if c.Admin {
			b.WriteString(" (管理员指令)")
		}
	}
	b.WriteString("\n\n📌 管理员指令仅限配置的管理员对话使用")
	return b.String(), nil
}
