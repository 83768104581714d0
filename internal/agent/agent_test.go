package agent

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/soyeahso/switchboard/internal/domain"
	"github.com/soyeahso/switchboard/internal/llm"
	"github.com/soyeahso/switchboard/internal/logging"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func silentLog() *logging.Logger {
	return logging.New(nil, "silent")
}

// fakeTool is a configurable Tool double.
type fakeTool struct {
	name    string
	schema  string
	timeout time.Duration
	run     func(ctx context.Context, input string) (string, error)
}

func (f *fakeTool) Name() string           { return f.name }
func (f *fakeTool) Description() string    { return "fake " + f.name }
func (f *fakeTool) InputSchema() string    { return f.schema }
func (f *fakeTool) Timeout() time.Duration { return f.timeout }
func (f *fakeTool) Execute(ctx context.Context, input string) (string, error) {
	if f.run == nil {
		return "ok:" + f.name, nil
	}
	return f.run(ctx, input)
}

func newLoop(t *testing.T, maxRounds int, tools ...Tool) *Loop {
	t.Helper()
	reg := NewToolRegistry(time.Second)
	for _, tool := range tools {
		require.NoError(t, reg.Register(tool))
	}
	return NewLoop(NewExecutor(reg, 4, nil, silentLog()), maxRounds, nil, silentLog())
}

func userRequest(text string) llm.Request {
	return llm.Request{
		ChatID:   "qq_private_1",
		Model:    "local_model",
		Messages: []domain.Turn{domain.SystemTurn("sys"), domain.UserTurn(domain.Text(text))},
	}
}

func toolCalls(names ...string) []domain.ToolCallRequest {
	calls := make([]domain.ToolCallRequest, len(names))
	for i, n := range names {
		calls[i] = domain.ToolCallRequest{ID: fmt.Sprintf("c%d", i), Name: n, Arguments: "{}"}
	}
	return calls
}

// --- Loop ---

func TestLoopNoTools(t *testing.T) {
	var calls int
	mock := &llm.MockClient{CompleteFunc: func(ctx context.Context, req llm.Request) (*llm.Response, error) {
		calls++
		return &llm.Response{Content: "你好", Usage: llm.Usage{PromptTokens: 3, CompletionTokens: 1}}, nil
	}}

	var states []LoopState
	res := newLoop(t, 10).Run(context.Background(), mock, userRequest("hi"), RunOptions{
		OnState: func(s LoopState) { states = append(states, s) },
	})

	assert.Equal(t, StateDone, res.State)
	assert.Equal(t, "你好", res.Content)
	assert.Equal(t, 1, calls)
	assert.Equal(t, 0, res.Rounds)
	assert.Equal(t, 3, res.Usage.PromptTokens)
	require.Len(t, res.Turns, 1)
	assert.Equal(t, domain.RoleAssistant, res.Turns[0].Role)
	assert.Equal(t, []LoopState{StateModelCall, StateDone}, states)
}

// Scenario C: two tools in one round run concurrently, both results are
// appended before the second model call.
func TestLoopConcurrentRound(t *testing.T) {
	var started sync.WaitGroup
	started.Add(2)
	gate := make(chan struct{})
	slow := func(ctx context.Context, input string) (string, error) {
		started.Done()
		<-gate
		return "done", nil
	}
	go func() {
		started.Wait()
		close(gate)
	}()

	var calls int
	mock := &llm.MockClient{CompleteFunc: func(ctx context.Context, req llm.Request) (*llm.Response, error) {
		calls++
		if calls == 1 {
			return &llm.Response{ToolCalls: toolCalls("svc_a", "svc_b")}, nil
		}
		n := len(req.Messages)
		if !assert.GreaterOrEqual(t, n, 4) {
			return &llm.Response{Content: "bad"}, nil
		}
		assert.Equal(t, domain.RoleTool, req.Messages[n-2].Role)
		assert.Equal(t, "c0", req.Messages[n-2].ToolCallID)
		assert.Equal(t, domain.RoleTool, req.Messages[n-1].Role)
		assert.Equal(t, "c1", req.Messages[n-1].ToolCallID)
		return &llm.Response{Content: "summary"}, nil
	}}

	loop := newLoop(t, 10,
		&fakeTool{name: "svc_a", run: slow},
		&fakeTool{name: "svc_b", run: slow},
	)

	done := make(chan *Result, 1)
	go func() { done <- loop.Run(context.Background(), mock, userRequest("q"), RunOptions{}) }()

	select {
	case res := <-done:
		assert.Equal(t, StateDone, res.State)
		assert.Equal(t, "summary", res.Content)
		assert.Equal(t, 2, calls)
		assert.Equal(t, 1, res.Rounds)
		require.Len(t, res.Turns, 4)
		assert.Len(t, res.Turns[0].ToolCalls, 2)
	case <-time.After(2 * time.Second):
		t.Fatal("tools did not run concurrently")
	}
}

// Scenario D: a model that always asks for tools stops after maxRounds
// dispatched rounds and maxRounds+1 model calls.
func TestLoopRoundLimit(t *testing.T) {
	var calls int
	mock := &llm.MockClient{CompleteFunc: func(ctx context.Context, req llm.Request) (*llm.Response, error) {
		calls++
		return &llm.Response{ToolCalls: toolCalls("svc_a")}, nil
	}}
	var executed atomic.Int32
	loop := newLoop(t, 3, &fakeTool{name: "svc_a", run: func(ctx context.Context, input string) (string, error) {
		executed.Add(1)
		return "x", nil
	}})

	res := loop.Run(context.Background(), mock, userRequest("q"), RunOptions{})

	assert.Equal(t, StateRoundLimitReached, res.State)
	assert.Equal(t, 4, calls)
	assert.Equal(t, 3, res.Rounds)
	assert.EqualValues(t, 3, executed.Load())
	assert.Equal(t, RoundLimitMessage(3), res.Content)

	last := res.Turns[len(res.Turns)-1]
	assert.Equal(t, domain.RoleAssistant, last.Role)
	assert.Empty(t, last.ToolCalls, "unanswered calls are not recorded")
	assert.Equal(t, RoundLimitMessage(3), last.Content.Text)
}

func TestLoopRoundLimitKeepsLastContent(t *testing.T) {
	var calls int
	mock := &llm.MockClient{CompleteFunc: func(ctx context.Context, req llm.Request) (*llm.Response, error) {
		calls++
		content := ""
		if calls == 1 {
			content = "let me look that up"
		}
		return &llm.Response{Content: content, ToolCalls: toolCalls("svc_a")}, nil
	}}

	res := newLoop(t, 1, &fakeTool{name: "svc_a"}).Run(context.Background(), mock, userRequest("q"), RunOptions{})

	assert.Equal(t, StateRoundLimitReached, res.State)
	assert.Equal(t, 2, calls)
	assert.Equal(t, "let me look that up", res.Content)
}

func TestLoopRoundCallbacks(t *testing.T) {
	var calls int
	mock := &llm.MockClient{CompleteFunc: func(ctx context.Context, req llm.Request) (*llm.Response, error) {
		calls++
		if calls < 3 {
			return &llm.Response{ToolCalls: toolCalls("svc_a")}, nil
		}
		return &llm.Response{Content: "fin"}, nil
	}}

	var rounds []int
	var dispatches int
	res := newLoop(t, 5, &fakeTool{name: "svc_a"}).Run(context.Background(), mock, userRequest("q"), RunOptions{
		OnState: func(s LoopState) {
			if s == StateToolDispatch {
				dispatches++
			}
		},
		OnRound: func(round int, results []domain.ToolCallResult) {
			rounds = append(rounds, round)
			assert.Len(t, results, 1)
		},
	})

	assert.Equal(t, StateDone, res.State)
	assert.Equal(t, []int{1, 2}, rounds)
	assert.Equal(t, 2, dispatches)
}

func TestLoopUnknownToolSynthesizesFailure(t *testing.T) {
	var seen []domain.Turn
	var calls int
	mock := &llm.MockClient{CompleteFunc: func(ctx context.Context, req llm.Request) (*llm.Response, error) {
		calls++
		if calls == 1 {
			return &llm.Response{ToolCalls: toolCalls("nope_missing")}, nil
		}
		seen = req.Messages
		return &llm.Response{Content: "sorry"}, nil
	}}

	res := newLoop(t, 10).Run(context.Background(), mock, userRequest("q"), RunOptions{})

	assert.Equal(t, StateDone, res.State)
	tool := seen[len(seen)-1]
	assert.Equal(t, domain.RoleTool, tool.Role)
	assert.Equal(t, "工具不存在: nope_missing", tool.Content.Text)
}

func TestLoopModelError(t *testing.T) {
	mock := &llm.MockClient{CompleteFunc: func(ctx context.Context, req llm.Request) (*llm.Response, error) {
		return nil, &llm.ProviderError{Provider: "p", Code: 500, Message: "down"}
	}}

	res := newLoop(t, 10).Run(context.Background(), mock, userRequest("q"), RunOptions{})

	assert.Equal(t, StateFailed, res.State)
	assert.ErrorIs(t, res.Err, domain.ErrModelUnavailable)
	assert.Empty(t, res.Turns)
}

func TestLoopCancelledDuringToolRound(t *testing.T) {
	ctx, cancel := context.WithCancelCause(context.Background())
	mock := &llm.MockClient{CompleteFunc: func(ctx context.Context, req llm.Request) (*llm.Response, error) {
		return &llm.Response{ToolCalls: toolCalls("svc_a")}, nil
	}}
	tool := &fakeTool{name: "svc_a", run: func(tctx context.Context, input string) (string, error) {
		cancel(domain.ErrSessionTimeout)
		<-tctx.Done()
		return "", tctx.Err()
	}}

	res := newLoop(t, 10, tool).Run(ctx, mock, userRequest("q"), RunOptions{})

	assert.Equal(t, StateFailed, res.State)
	assert.ErrorIs(t, res.Err, domain.ErrSessionTimeout)
	assert.Equal(t, 0, res.Rounds)
}

func TestLoopFillsMissingCallIDs(t *testing.T) {
	var calls int
	var seen []domain.Turn
	mock := &llm.MockClient{CompleteFunc: func(ctx context.Context, req llm.Request) (*llm.Response, error) {
		calls++
		if calls == 1 {
			return &llm.Response{ToolCalls: []domain.ToolCallRequest{{Name: "svc_a"}}}, nil
		}
		seen = req.Messages
		return &llm.Response{Content: "ok"}, nil
	}}

	newLoop(t, 2, &fakeTool{name: "svc_a"}).Run(context.Background(), mock, userRequest("q"), RunOptions{})

	asst := seen[len(seen)-2]
	tool := seen[len(seen)-1]
	require.Len(t, asst.ToolCalls, 1)
	assert.NotEmpty(t, asst.ToolCalls[0].ID)
	assert.Equal(t, asst.ToolCalls[0].ID, tool.ToolCallID)
}

func TestNewLoopDefaultRounds(t *testing.T) {
	assert.Equal(t, DefaultMaxRounds, NewLoop(nil, 0, nil, silentLog()).MaxRounds())
}

func TestLoopStateString(t *testing.T) {
	assert.Equal(t, "round_limit_reached", StateRoundLimitReached.String())
	assert.True(t, StateFailed.Terminal())
	assert.False(t, StateToolDispatch.Terminal())
}

// --- Executor ---

func TestExecutorPreservesOrder(t *testing.T) {
	reg := NewToolRegistry(time.Second)
	require.NoError(t, reg.Register(&fakeTool{name: "svc_slow", run: func(ctx context.Context, input string) (string, error) {
		time.Sleep(30 * time.Millisecond)
		return "slow", nil
	}}))
	require.NoError(t, reg.Register(&fakeTool{name: "svc_fast"}))

	results := NewExecutor(reg, 4, nil, silentLog()).Run(context.Background(), toolCalls("svc_slow", "svc_fast"))

	require.Len(t, results, 2)
	assert.Equal(t, "c0", results[0].ToolCallID)
	assert.Equal(t, "slow", results[0].Content)
	assert.Equal(t, "c1", results[1].ToolCallID)
	assert.True(t, results[1].Success)
}

func TestExecutorFailures(t *testing.T) {
	reg := NewToolRegistry(50 * time.Millisecond)
	require.NoError(t, reg.Register(&fakeTool{name: "svc_err", run: func(ctx context.Context, input string) (string, error) {
		return "", errors.New("disk full")
	}}))
	require.NoError(t, reg.Register(&fakeTool{name: "svc_panic", run: func(ctx context.Context, input string) (string, error) {
		panic("boom")
	}}))
	require.NoError(t, reg.Register(&fakeTool{name: "svc_hang", run: func(ctx context.Context, input string) (string, error) {
		<-ctx.Done()
		return "", ctx.Err()
	}}))
	require.NoError(t, reg.Register(&fakeTool{name: "svc_off"}))
	require.NoError(t, reg.SetEnabled("svc_off", false))

	results := NewExecutor(reg, 2, nil, silentLog()).Run(context.Background(),
		toolCalls("svc_err", "svc_panic", "svc_hang", "svc_off", "svc_missing"))

	want := []string{
		"工具执行失败: disk full",
		"工具执行失败: boom",
		"工具执行超时 (超时时间: 50ms)",
		"工具已禁用: svc_off",
		"工具不存在: svc_missing",
	}
	require.Len(t, results, len(want))
	for i, w := range want {
		assert.False(t, results[i].Success, results[i].Name)
		assert.Equal(t, w, results[i].Content, results[i].Name)
	}
}

func TestExecutorPerToolTimeout(t *testing.T) {
	reg := NewToolRegistry(time.Hour)
	require.NoError(t, reg.Register(&fakeTool{name: "svc_hang", timeout: 20 * time.Millisecond, run: func(ctx context.Context, input string) (string, error) {
		<-ctx.Done()
		return "", ctx.Err()
	}}))

	start := time.Now()
	results := NewExecutor(reg, 1, nil, silentLog()).Run(context.Background(), toolCalls("svc_hang"))
	assert.Less(t, time.Since(start), time.Second)
	assert.False(t, results[0].Success)
}

func TestExecutorValidatesArguments(t *testing.T) {
	reg := NewToolRegistry(time.Second)
	var got string
	require.NoError(t, reg.Register(&fakeTool{
		name:   "prompt_service_set_prompt",
		schema: `{"type":"object","properties":{"prompt":{"type":"string"}},"required":["prompt"]}`,
		run: func(ctx context.Context, input string) (string, error) {
			got = input
			return "saved", nil
		},
	}))
	ex := NewExecutor(reg, 1, nil, silentLog())

	bad := ex.Run(context.Background(), []domain.ToolCallRequest{{ID: "1", Name: "prompt_service_set_prompt", Arguments: `{}`}})
	assert.False(t, bad[0].Success)
	assert.Contains(t, bad[0].Content, "工具参数无效")

	garbage := ex.Run(context.Background(), []domain.ToolCallRequest{{ID: "2", Name: "prompt_service_set_prompt", Arguments: `{not json`}})
	assert.False(t, garbage[0].Success)

	ok := ex.Run(context.Background(), []domain.ToolCallRequest{{ID: "3", Name: "prompt_service_set_prompt", Arguments: `{"prompt":"be brief"}`}})
	assert.True(t, ok[0].Success)
	assert.Equal(t, `{"prompt":"be brief"}`, got)
}

func TestExecutorPassesChatID(t *testing.T) {
	reg := NewToolRegistry(time.Second)
	var got domain.ChatID
	require.NoError(t, reg.Register(&fakeTool{name: "svc_who", run: func(ctx context.Context, input string) (string, error) {
		got, _ = ChatIDFrom(ctx)
		return "", nil
	}}))
	NewExecutor(reg, 1, nil, silentLog()).Run(WithChatID(context.Background(), "qq_group_9"), toolCalls("svc_who"))
	assert.Equal(t, domain.ChatID("qq_group_9"), got)
}

// --- Registry ---

func TestToolRegistry(t *testing.T) {
	reg := NewToolRegistry(0)
	require.NoError(t, reg.Register(&fakeTool{name: "svc_b"}))
	require.NoError(t, reg.Register(&fakeTool{name: "svc_a", schema: `{"type":"object"}`}))

	tool, ok := reg.Get("svc_a")
	require.True(t, ok)
	assert.Equal(t, "svc_a", tool.Name())
	_, ok = reg.Get("nonexistent")
	assert.False(t, ok)

	defs := reg.Definitions()
	require.Len(t, defs, 2)
	assert.Equal(t, "svc_a", defs[0].Name)
	assert.JSONEq(t, `{"type":"object"}`, string(defs[0].Parameters))
	assert.Nil(t, defs[1].Parameters)

	require.NoError(t, reg.SetEnabled("svc_b", false))
	assert.Len(t, reg.Definitions(), 1)
	assert.Error(t, reg.SetEnabled("ghost", true))

	list := reg.List()
	require.Len(t, list, 2)
	assert.False(t, list[1].Enabled)
	assert.Equal(t, 30*time.Second, list[0].Timeout)
}

func TestToolRegistryRejectsBadSchema(t *testing.T) {
	reg := NewToolRegistry(time.Second)
	err := reg.Register(&fakeTool{name: "svc_bad", schema: `{"type": 12}`})
	assert.Error(t, err)
	assert.Equal(t, 0, reg.Len())
}

func TestToolRegistryReplaceKeepsEnabledFlags(t *testing.T) {
	reg := NewToolRegistry(time.Second)
	require.NoError(t, reg.Register(&fakeTool{name: "svc_a"}))
	require.NoError(t, reg.Register(&fakeTool{name: "svc_gone"}))
	require.NoError(t, reg.SetEnabled("svc_a", false))

	errs := reg.Replace([]Tool{
		&fakeTool{name: "svc_a"},
		&fakeTool{name: "svc_new"},
		&fakeTool{name: "svc_broken", schema: `{"type": 12}`},
	})

	assert.Len(t, errs, 1)
	assert.Equal(t, 2, reg.Len())
	_, ok := reg.Get("svc_gone")
	assert.False(t, ok)
	defs := reg.Definitions()
	require.Len(t, defs, 1)
	assert.Equal(t, "svc_new", defs[0].Name)
}

// --- Failover ---

func testRegistry(clients ...*llm.MockClient) *llm.Registry {
	reg := llm.NewRegistry(silentLog())
	for _, c := range clients {
		reg.Register(c.ProviderName, c)
	}
	return reg
}

func TestFailoverSuccess(t *testing.T) {
	mock := &llm.MockClient{ProviderName: "mock"}
	fc := NewFailoverClient(testRegistry(mock), nil, silentLog())

	resp, err := fc.Complete(context.Background(), llm.Request{Model: "mock"})
	require.NoError(t, err)
	assert.Equal(t, "mock response", resp.Content)
}

func TestFailoverTriesFallback(t *testing.T) {
	var callOrder []string
	primary := &llm.MockClient{
		ProviderName: "primary",
		CompleteFunc: func(ctx context.Context, req llm.Request) (*llm.Response, error) {
			callOrder = append(callOrder, "primary")
			return nil, &llm.ProviderError{Provider: "primary", Message: "overloaded", Code: 529}
		},
	}
	fallback := &llm.MockClient{
		ProviderName: "fallback",
		CompleteFunc: func(ctx context.Context, req llm.Request) (*llm.Response, error) {
			callOrder = append(callOrder, "fallback:"+req.Model)
			return &llm.Response{Content: "fallback response"}, nil
		},
	}

	fc := NewFailoverClient(testRegistry(primary, fallback), []string{"primary", "fallback"}, silentLog())

	resp, err := fc.Complete(context.Background(), llm.Request{Model: "primary"})
	require.NoError(t, err)
	assert.Equal(t, "fallback response", resp.Content)
	assert.Equal(t, []string{"primary", "fallback:fallback"}, callOrder)
}

func TestFailoverNonRetryableStops(t *testing.T) {
	var callCount int
	primary := &llm.MockClient{
		ProviderName: "primary",
		CompleteFunc: func(ctx context.Context, req llm.Request) (*llm.Response, error) {
			callCount++
			return nil, fmt.Errorf("non-retryable error")
		},
	}
	fallback := &llm.MockClient{
		ProviderName: "fallback",
		CompleteFunc: func(ctx context.Context, req llm.Request) (*llm.Response, error) {
			callCount++
			return &llm.Response{Content: "should not reach"}, nil
		},
	}

	fc := NewFailoverClient(testRegistry(primary, fallback), []string{"fallback"}, silentLog())

	_, err := fc.Complete(context.Background(), llm.Request{Model: "primary"})
	assert.Error(t, err)
	assert.Equal(t, 1, callCount, "should not try fallback on non-retryable error")
}

func TestFailoverSetFallbacks(t *testing.T) {
	primary := &llm.MockClient{
		ProviderName: "primary",
		CompleteFunc: func(context.Context, llm.Request) (*llm.Response, error) {
			return nil, &llm.ProviderError{Provider: "primary", Code: 503}
		},
	}
	backup := &llm.MockClient{ProviderName: "backup"}
	fc := NewFailoverClient(testRegistry(primary, backup), nil, silentLog())

	_, err := fc.Complete(context.Background(), llm.Request{Model: "primary"})
	require.Error(t, err)

	fc.SetFallbacks([]string{"backup"})
	resp, err := fc.Complete(context.Background(), llm.Request{Model: "primary"})
	require.NoError(t, err)
	assert.Equal(t, "backup", resp.Model)
}

func TestIsRetryable(t *testing.T) {
	assert.True(t, isRetryable(&llm.ProviderError{Code: 429}))
	assert.True(t, isRetryable(&llm.ProviderError{Code: 529}))
	assert.True(t, isRetryable(&llm.ProviderError{Code: 503}))
	assert.True(t, isRetryable(fmt.Errorf("server overloaded")))
	assert.True(t, isRetryable(fmt.Errorf("Rate limit exceeded")))
	assert.False(t, isRetryable(fmt.Errorf("invalid input")))
	assert.False(t, isRetryable(nil))
}

// --- Reply cleanup and prompt ---

func TestCleanReply(t *testing.T) {
	tests := []struct {
		name, in, want string
	}{
		{"plain", "Just a normal reply.", "Just a normal reply."},
		{"markdown kept", "The weather is **sunny**.", "The weather is **sunny**."},
		{"think block", "<think>user wants x</think>\n答案是 42", "答案是 42"},
		{"tool_call fence", "Here.\n\n```tool_call\n{\"tool\": \"echo\"}\n```\n\nDone.", "Here.\n\nDone."},
		{"xml function calls", "Checking.\n<function_calls><invoke name=\"x\"></invoke></function_calls>\nOK", "Checking.\n\nOK"},
		{"only artifacts", "<think>hmm</think>", ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, cleanReply(tt.in))
		})
	}
}

func TestBuildSystemPrompt(t *testing.T) {
	assert.Equal(t, "你是群聊成员", BuildSystemPrompt(PromptConfig{Core: "你是群聊成员"}))
	assert.Equal(t, "说话简短\n你是群聊成员", BuildSystemPrompt(PromptConfig{Core: "你是群聊成员", Custom: " 说话简短 "}))
	assert.Equal(t, "only custom", BuildSystemPrompt(PromptConfig{Custom: "only custom"}))
}
