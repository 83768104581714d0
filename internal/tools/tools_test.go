package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/modelcontextprotocol/go-sdk/mcp"
	"github.com/soyeahso/switchboard/internal/agent"
	"github.com/soyeahso/switchboard/internal/domain"
	"github.com/soyeahso/switchboard/internal/history"
	"github.com/soyeahso/switchboard/internal/logging"
	"github.com/soyeahso/switchboard/internal/plugin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestMain doubles as a tiny MCP server when re-executed by the tests.
func TestMain(m *testing.M) {
	if os.Getenv("SWITCHBOARD_FAKE_MCP") == "1" {
		fakeServer()
		os.Exit(0)
	}
	os.Exit(m.Run())
}

type echoArgs struct {
	Text string `json:"text"`
}

func fakeServer() {
	server := mcp.NewServer(&mcp.Implementation{Name: "fake", Version: "0.3.0"}, nil)
	mcp.AddTool(server, &mcp.Tool{Name: "echo", Description: "Echo text back"},
		func(_ context.Context, _ *mcp.CallToolRequest, in echoArgs) (*mcp.CallToolResult, any, error) {
			return &mcp.CallToolResult{Content: []mcp.Content{&mcp.TextContent{Text: in.Text}}}, nil, nil
		})
	mcp.AddTool(server, &mcp.Tool{Name: "fail", Description: "Always fails"},
		func(_ context.Context, _ *mcp.CallToolRequest, _ struct{}) (*mcp.CallToolResult, any, error) {
			return &mcp.CallToolResult{
				IsError: true,
				Content: []mcp.Content{&mcp.TextContent{Text: "upstream down"}},
			}, nil, nil
		})
	_ = server.Run(context.Background(), &mcp.StdioTransport{})
}

func writeManifest(t *testing.T, dir, name, body string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func fakeManifest(t *testing.T) string {
	t.Helper()
	exe, err := os.Executable()
	require.NoError(t, err)
	return fmt.Sprintf("command: %q\nversion: 0.3.0\nenv:\n  SWITCHBOARD_FAKE_MCP: \"1\"\ntimeoutSeconds: 5\n", exe)
}

func silent() *logging.Logger { return logging.New(nil, "silent") }

func TestLoadManifest(t *testing.T) {
	dir := t.TempDir()

	cfg, err := LoadManifest(writeManifest(t, dir, "weather.yaml", "command: ./bin/mcp-weather\nargs: [--units, metric]\n"))
	require.NoError(t, err)
	assert.Equal(t, "weather", cfg.Name)
	assert.Equal(t, filepath.Join(dir, "bin", "mcp-weather"), cfg.Command)
	assert.Equal(t, []string{"--units", "metric"}, cfg.Args)
	assert.Equal(t, dir, cfg.WorkDir)
	assert.Equal(t, 10*time.Second, cfg.startTimeout())

	cfg, err = LoadManifest(writeManifest(t, dir, "x.yml", "name: search\ncommand: python3\n"))
	require.NoError(t, err)
	assert.Equal(t, "search", cfg.Name)
	assert.Equal(t, "python3", cfg.Command, "bare commands resolve through PATH")

	_, err = LoadManifest(writeManifest(t, dir, "bad.yaml", "args: [x]\n"))
	assert.ErrorContains(t, err, "command is required")

	_, err = LoadManifest(writeManifest(t, dir, "1bad.yaml", "command: x\n"))
	assert.ErrorContains(t, err, "invalid service name")
}

func TestDiscover(t *testing.T) {
	dir := t.TempDir()
	writeManifest(t, dir, "b.yaml", "command: b\n")
	writeManifest(t, dir, "a.yaml", "command: a\n")
	writeManifest(t, dir, "off.yaml", "command: off\ndisabled: true\n")
	writeManifest(t, dir, "dup.yaml", "name: a\ncommand: a2\n")
	writeManifest(t, dir, "README.md", "not a manifest")
	require.NoError(t, os.Mkdir(filepath.Join(dir, "sub.yaml"), 0o700))

	cfgs, err := Discover(dir)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "already declared")

	names := make([]string, len(cfgs))
	for i, c := range cfgs {
		names[i] = c.Name
	}
	assert.Equal(t, []string{"a", "b"}, names)

	cfgs, err = Discover(filepath.Join(dir, "missing"))
	assert.NoError(t, err)
	assert.Empty(t, cfgs)
}

func TestServiceRoundTrip(t *testing.T) {
	dir := t.TempDir()
	cfg, err := LoadManifest(writeManifest(t, dir, "fake.yaml", fakeManifest(t)))
	require.NoError(t, err)

	svc := NewService(cfg)
	require.NoError(t, svc.Init(context.Background(), plugin.API{Log: silent()}))
	t.Cleanup(func() { _ = svc.Close() })

	assert.Equal(t, "0.3.0", svc.Version())
	tools := svc.Tools()
	require.Len(t, tools, 2)
	assert.Equal(t, "fake_echo", tools[0].Name())
	assert.Contains(t, tools[0].InputSchema(), `"required":["text"]`)
	assert.Contains(t, tools[1].InputSchema(), `"type":"object"`)
	assert.Equal(t, 5*time.Second, tools[0].(agent.TimeoutTool).Timeout())

	out, err := tools[0].Execute(context.Background(), `{"text":"你好"}`)
	require.NoError(t, err)
	assert.Equal(t, "你好", out)

	_, err = tools[1].Execute(context.Background(), "")
	assert.EqualError(t, err, "upstream down")
}

func TestServiceInitFailure(t *testing.T) {
	svc := NewService(ServiceConfig{Name: "ghost", Command: filepath.Join(t.TempDir(), "nope")})
	err := svc.Init(context.Background(), plugin.API{Log: silent()})
	assert.Error(t, err)
	assert.NoError(t, svc.Close())
}

func TestPromptService(t *testing.T) {
	store := history.NewMemoryStore()
	svc := NewPromptService(store)
	require.NoError(t, svc.Init(context.Background(), plugin.API{Log: silent()}))

	byName := map[string]agent.Tool{}
	for _, tool := range svc.Tools() {
		byName[tool.Name()] = tool
	}
	require.Contains(t, byName, "prompt_service_view_prompt")
	require.Contains(t, byName, "prompt_service_set_prompt")
	require.Contains(t, byName, "prompt_service_delete_prompt")

	_, err := byName["prompt_service_view_prompt"].Execute(context.Background(), "{}")
	assert.ErrorIs(t, err, errNoChat)

	ctx := agent.WithChatID(context.Background(), "qq_group_5")
	out, err := byName["prompt_service_set_prompt"].Execute(ctx, `{"prompt":"说话要简短"}`)
	require.NoError(t, err)
	assert.Equal(t, "专属提示词已设置", out)

	out, err = byName["prompt_service_view_prompt"].Execute(ctx, "{}")
	require.NoError(t, err)
	assert.Equal(t, "当前对话的专属提示词:\n说话要简短", out)

	_, err = byName["prompt_service_delete_prompt"].Execute(ctx, "{}")
	require.NoError(t, err)
	c, _ := store.Load(ctx, "qq_group_5")
	assert.Empty(t, c.CustomPrompt)
}

func TestPromptServiceLengthLimit(t *testing.T) {
	registry := agent.NewToolRegistry(time.Second)
	svc := NewPromptService(history.NewMemoryStore())
	require.NoError(t, svc.Init(context.Background(), plugin.API{}))
	for _, tool := range svc.Tools() {
		require.NoError(t, registry.Register(tool))
	}
	exec := agent.NewExecutor(registry, 2, nil, silent())

	long, _ := json.Marshal(map[string]string{"prompt": strings.Repeat("长", history.MaxCustomPromptLen+1)})
	ok, _ := json.Marshal(map[string]string{"prompt": strings.Repeat("长", history.MaxCustomPromptLen)})

	ctx := agent.WithChatID(context.Background(), "qq_private_1")
	results := exec.Run(ctx, []domain.ToolCallRequest{
		{ID: "a", Name: "prompt_service_set_prompt", Arguments: string(long)},
		{ID: "b", Name: "prompt_service_set_prompt", Arguments: string(ok)},
	})
	require.Len(t, results, 2)
	assert.False(t, results[0].Success)
	assert.True(t, strings.HasPrefix(results[0].Content, "工具参数无效"))
	assert.True(t, results[1].Success)
}

func TestManagerReload(t *testing.T) {
	dir := t.TempDir()
	writeManifest(t, dir, "fake.yaml", fakeManifest(t))
	writeManifest(t, dir, "broken.yaml", "command: ./does-not-exist\n")

	store := history.NewMemoryStore()
	registry := agent.NewToolRegistry(time.Second)
	m := NewManager(Options{
		Dir:      dir,
		Disabled: []string{"fake_fail"},
		Builtins: func() []plugin.Plugin { return []plugin.Plugin{NewPromptService(store)} },
	}, registry, silent())
	t.Cleanup(m.Close)

	n, err := m.Reload(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 5, n)

	var enabled []string
	for _, def := range registry.Definitions() {
		enabled = append(enabled, def.Name)
	}
	assert.Equal(t, []string{
		"fake_echo",
		"prompt_service_delete_prompt",
		"prompt_service_set_prompt",
		"prompt_service_view_prompt",
	}, enabled)

	services := m.Services()
	require.Len(t, services, 3)
	assert.Equal(t, PromptServiceName, services[0].ID)
	assert.Equal(t, "broken", services[1].ID)
	assert.False(t, services[1].Running)
	assert.NotEmpty(t, services[1].Error)

	// Dropping the manifest removes its tools on the next reload.
	require.NoError(t, os.Remove(filepath.Join(dir, "fake.yaml")))
	n, err = m.Reload(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 3, n)
	_, ok := registry.Get("fake_echo")
	assert.False(t, ok)

	m.SetDisabled(nil)
	assert.Len(t, registry.Definitions(), 3)
}

func TestManagerWatch(t *testing.T) {
	dir := t.TempDir()
	registry := agent.NewToolRegistry(time.Second)
	m := NewManager(Options{Dir: dir}, registry, silent())
	t.Cleanup(m.Close)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, m.Watch(ctx))

	writeManifest(t, dir, "fake.yaml", fakeManifest(t))
	assert.Eventually(t, func() bool {
		_, ok := registry.Get("fake_echo")
		return ok
	}, 5*time.Second, 50*time.Millisecond)
}
