// Package agent runs the bounded model/tool-call loop and owns the tool
// registry it dispatches to.
package agent

import (
	"context"
	"fmt"
	"time"

	"github.com/soyeahso/switchboard/internal/domain"
	"github.com/soyeahso/switchboard/internal/llm"
	"github.com/soyeahso/switchboard/internal/logging"
	"github.com/soyeahso/switchboard/internal/metrics"
)

// DefaultMaxRounds is the tool round cap used when none is configured.
const DefaultMaxRounds = 10

// LoopState is a state of the tool-call loop.
type LoopState int

const (
	StateStart LoopState = iota
	StateModelCall
	StateToolsRequested
	StateToolDispatch
	StateDone
	StateRoundLimitReached
	StateFailed
)

func (s LoopState) String() string {
	switch s {
	case StateStart:
		return "start"
	case StateModelCall:
		return "model_call"
	case StateToolsRequested:
		return "tools_requested"
	case StateToolDispatch:
		return "tool_dispatch"
	case StateDone:
		return "done"
	case StateRoundLimitReached:
		return "round_limit_reached"
	case StateFailed:
		return "failed"
	default:
		return fmt.Sprintf("LoopState(%d)", int(s))
	}
}

// Terminal reports whether the loop stops in s.
func (s LoopState) Terminal() bool {
	return s == StateDone || s == StateRoundLimitReached || s == StateFailed
}

// RoundLimitMessage is the reply used when the round cap is hit before the
// model produced any text.
func RoundLimitMessage(maxRounds int) string {
	return fmt.Sprintf("已达到工具调用轮数上限（%d轮），请简化问题后重试", maxRounds)
}

// Result is the outcome of one loop run.
type Result struct {
	State LoopState
	// Content is the reply to send.
	Content string
	// Turns are the turns produced by this run, in order, ready to append
	// to history after the request's own turns.
	Turns      []domain.Turn
	Rounds     int
	ModelCalls int
	Usage      llm.Usage
	Err        error
}

// RunOptions observes a run. Both callbacks are optional and are invoked
// on the loop goroutine.
type RunOptions struct {
	OnState func(LoopState)
	OnRound func(round int, results []domain.ToolCallResult)
}

// Loop drives the model until it stops requesting tools or the round cap
// is reached.
type Loop struct {
	executor  *Executor
	maxRounds int
	metrics   *metrics.Metrics
	log       *logging.Logger
}

// NewLoop creates a loop. maxRounds < 1 uses DefaultMaxRounds.
func NewLoop(executor *Executor, maxRounds int, m *metrics.Metrics, log *logging.Logger) *Loop {
	if maxRounds < 1 {
		maxRounds = DefaultMaxRounds
	}
	return &Loop{
		executor:  executor,
		maxRounds: maxRounds,
		metrics:   m,
		log:       log.Sub("loop"),
	}
}

// MaxRounds returns the round cap.
func (l *Loop) MaxRounds() int { return l.maxRounds }

// Run executes the loop for req. The model is called at most
// MaxRounds()+1 times. Every tool result of a round is appended before the
// next model call.
func (l *Loop) Run(ctx context.Context, client llm.Client, req llm.Request, opts RunOptions) *Result {
	res := &Result{State: StateStart}
	messages := append([]domain.Turn(nil), req.Messages...)
	var (
		pending     []domain.ToolCallRequest
		lastContent string
	)
	log := l.log.With("chatId", req.ChatID.String())

	enter := func(s LoopState) {
		res.State = s
		if opts.OnState != nil {
			opts.OnState(s)
		}
	}

	for !res.State.Terminal() {
		switch res.State {
		case StateStart:
			enter(StateModelCall)

		case StateModelCall:
			req.Messages = messages
			start := time.Now()
			resp, err := client.Complete(ctx, req)
			res.ModelCalls++
			if err != nil {
				l.metrics.ModelCall(req.Model, time.Since(start), 0, 0, err)
				log.Warn().Err(err).Int("round", res.Rounds).Msg("model call failed")
				res.Err = err
				enter(StateFailed)
				continue
			}
			l.metrics.ModelCall(req.Model, time.Since(start), resp.Usage.PromptTokens, resp.Usage.CompletionTokens, nil)
			res.Usage.PromptTokens += resp.Usage.PromptTokens
			res.Usage.CompletionTokens += resp.Usage.CompletionTokens

			turn := resp.Turn()
			messages = append(messages, turn)
			res.Turns = append(res.Turns, turn)
			if c := cleanReply(resp.Content); c != "" {
				lastContent = c
			}
			if len(resp.ToolCalls) == 0 {
				res.Content = lastContent
				enter(StateDone)
				continue
			}
			pending = withCallIDs(resp.ToolCalls, res.Rounds)
			res.Turns[len(res.Turns)-1].ToolCalls = pending
			messages[len(messages)-1].ToolCalls = pending
			enter(StateToolsRequested)

		case StateToolsRequested:
			if res.Rounds >= l.maxRounds {
				// The last assistant turn asked for calls that will never
				// run; history keeps only its text.
				res.Turns = res.Turns[:len(res.Turns)-1]
				if lastContent == "" {
					lastContent = RoundLimitMessage(l.maxRounds)
				}
				res.Turns = append(res.Turns, domain.AssistantTurn(lastContent))
				res.Content = lastContent
				log.Info().Int("round", res.Rounds).Msg("tool round limit reached")
				enter(StateRoundLimitReached)
				continue
			}
			enter(StateToolDispatch)

		case StateToolDispatch:
			log.Debug().Int("round", res.Rounds+1).Int("calls", len(pending)).Msg("dispatching tool round")
			results := l.executor.Run(WithChatID(ctx, req.ChatID), pending)
			if err := context.Cause(ctx); err != nil {
				res.Err = err
				enter(StateFailed)
				continue
			}
			for _, r := range results {
				turn := r.Turn()
				messages = append(messages, turn)
				res.Turns = append(res.Turns, turn)
			}
			res.Rounds++
			if opts.OnRound != nil {
				opts.OnRound(res.Rounds, results)
			}
			pending = nil
			enter(StateModelCall)
		}
	}

	l.metrics.LoopFinished(res.State.String(), res.Rounds)
	return res
}

// withCallIDs fills in ids some back-ends omit so every tool turn can be
// matched to its request.
func withCallIDs(calls []domain.ToolCallRequest, round int) []domain.ToolCallRequest {
	out := make([]domain.ToolCallRequest, len(calls))
	for i, c := range calls {
		if c.ID == "" {
			c.ID = fmt.Sprintf("call_%d_%d", round+1, i)
		}
		out[i] = c
	}
	return out
}
