package agent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/soyeahso/switchboard/internal/domain"
	"github.com/soyeahso/switchboard/internal/logging"
	"github.com/soyeahso/switchboard/internal/metrics"
	"golang.org/x/sync/errgroup"
)

type chatIDKey struct{}

// WithChatID attaches the calling chat to ctx so tools can scope their
// effects to it.
func WithChatID(ctx context.Context, id domain.ChatID) context.Context {
	return context.WithValue(ctx, chatIDKey{}, id)
}

// ChatIDFrom returns the chat attached by WithChatID.
func ChatIDFrom(ctx context.Context) (domain.ChatID, bool) {
	id, ok := ctx.Value(chatIDKey{}).(domain.ChatID)
	return id, ok && id != ""
}

// Executor runs one round of tool calls concurrently.
type Executor struct {
	tools       *ToolRegistry
	concurrency int
	metrics     *metrics.Metrics
	log         *logging.Logger
}

// NewExecutor creates an executor over tools. concurrency bounds the
// number of calls running at once within a round.
func NewExecutor(tools *ToolRegistry, concurrency int, m *metrics.Metrics, log *logging.Logger) *Executor {
	if concurrency < 1 {
		concurrency = 1
	}
	return &Executor{
		tools:       tools,
		concurrency: concurrency,
		metrics:     m,
		log:         log.Sub("tools"),
	}
}

// Run executes every call and returns one result per call, in request
// order. A failing call never aborts its siblings.
func (e *Executor) Run(ctx context.Context, calls []domain.ToolCallRequest) []domain.ToolCallResult {
	results := make([]domain.ToolCallResult, len(calls))
	var g errgroup.Group
	g.SetLimit(e.concurrency)
	for i, call := range calls {
		g.Go(func() error {
			results[i] = e.runOne(ctx, call)
			return nil
		})
	}
	_ = g.Wait()
	return results
}

func (e *Executor) runOne(ctx context.Context, call domain.ToolCallRequest) (res domain.ToolCallResult) {
	res = domain.ToolCallResult{ToolCallID: call.ID, Name: call.Name}
	start := time.Now()
	defer func() {
		if r := recover(); r != nil {
			e.log.Error().Str("tool", call.Name).Interface("panic", r).Msg("tool panicked")
			res.Content = fmt.Sprintf("工具执行失败: %v", r)
			res.Success = false
		}
		e.metrics.ToolCall(call.Name, time.Since(start), res.Success)
	}()

	rt, ok := e.tools.lookup(call.Name)
	if !ok {
		res.Content = "工具不存在: " + call.Name
		return res
	}
	if !rt.enabled {
		res.Content = "工具已禁用: " + call.Name
		return res
	}

	input, err := e.validate(rt, call.Arguments)
	if err != nil {
		res.Content = "工具参数无效: " + err.Error()
		return res
	}

	cctx, cancel := context.WithTimeout(ctx, rt.timeout)
	defer cancel()
	out, err := rt.tool.Execute(cctx, input)
	switch {
	case err == nil:
		res.Content = out
		res.Success = true
	case errors.Is(cctx.Err(), context.DeadlineExceeded) && ctx.Err() == nil:
		res.Content = fmt.Sprintf("工具执行超时 (超时时间: %v)", rt.timeout)
	default:
		res.Content = "工具执行失败: " + err.Error()
	}

	ev := e.log.Debug()
	if !res.Success {
		ev = e.log.Warn().Str("error", res.Content)
	}
	ev.Str("tool", call.Name).Str("callId", call.ID).Dur("duration", time.Since(start)).Msg("tool call finished")
	return res
}

// validate normalises empty arguments to {} and checks them against the
// tool's schema.
func (e *Executor) validate(rt registeredTool, args string) (string, error) {
	if strings.TrimSpace(args) == "" {
		args = "{}"
	}
	var v any
	if err := json.Unmarshal([]byte(args), &v); err != nil {
		return "", fmt.Errorf("%w: arguments are not valid JSON", domain.ErrToolExecutionFailed)
	}
	if rt.schema != nil {
		if err := rt.schema.Validate(v); err != nil {
			return "", err
		}
	}
	return args, nil
}
