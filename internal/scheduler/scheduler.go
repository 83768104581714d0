// Package scheduler classifies admitted messages and runs them through
// the command, session-prep and model+tools workflows.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"github.com/soyeahso/switchboard/internal/agent"
	"github.com/soyeahso/switchboard/internal/commands"
	"github.com/soyeahso/switchboard/internal/config"
	"github.com/soyeahso/switchboard/internal/dispatch"
	"github.com/soyeahso/switchboard/internal/domain"
	"github.com/soyeahso/switchboard/internal/history"
	"github.com/soyeahso/switchboard/internal/hooks"
	"github.com/soyeahso/switchboard/internal/llm"
	"github.com/soyeahso/switchboard/internal/logging"
	"github.com/soyeahso/switchboard/internal/session"
)

// Workflow names reported to the dispatcher.
const (
	WorkflowCommand = "command"
	WorkflowSkip    = "skip"
	WorkflowModel   = "model"
)

const (
	questionPrefix = "【当前用户请求】请专注回答以下问题：\n"
	emptyMessage   = "[消息]"
	oneImage       = "[图片消息]"
	emptyReply     = "（模型没有返回内容）"
	sendTimeout    = 30 * time.Second
	defaultVirtual = "已跳过此信息"
)

// Sender delivers a reply to the channel the message came from.
type Sender interface {
	Send(ctx context.Context, msg domain.OutboundMessage) error
}

// ImageResolver turns image URLs into data URIs for multimodal models.
type ImageResolver interface {
	ResolveContent(ctx context.Context, c domain.Content) (domain.Content, int)
}

// ToolSource lists the tool definitions offered to the model.
type ToolSource interface {
	Definitions() []domain.ToolDefinition
}

// Settings is the part of the configuration the scheduler reads per
// message. It is swapped as a whole on config reload.
type Settings struct {
	Models              config.ModelsConfig
	Prompt              config.PromptConfig
	MaxUserTurns        int
	DefaultToolsEnabled bool
}

// SettingsFrom extracts the scheduler settings from cfg.
func SettingsFrom(cfg *config.Config) Settings {
	return Settings{
		Models:              cfg.Models,
		Prompt:              cfg.Prompt,
		MaxUserTurns:        cfg.History.MaxUserTurns,
		DefaultToolsEnabled: cfg.Agent.DefaultToolsEnabled,
	}
}

// Options wires the scheduler's collaborators. Images, Tools and Hooks
// are optional.
type Options struct {
	Settings Settings
	Commands *commands.Registry
	History  history.Store
	Images   ImageResolver
	Tools    ToolSource
	Loop     *agent.Loop
	Client   llm.Client
	Sender   Sender
	Hooks    *hooks.Manager
}

// Scheduler implements dispatch.Handler.
type Scheduler struct {
	commands *commands.Registry
	store    history.Store
	images   ImageResolver
	tools    ToolSource
	loop     *agent.Loop
	client   llm.Client
	sender   Sender
	hooks    *hooks.Manager
	settings atomic.Pointer[Settings]
	log      *logging.Logger
}

var _ dispatch.Handler = (*Scheduler)(nil)

// New creates a scheduler.
func New(opts Options, log *logging.Logger) *Scheduler {
	s := &Scheduler{
		commands: opts.Commands,
		store:    opts.History,
		images:   opts.Images,
		tools:    opts.Tools,
		loop:     opts.Loop,
		client:   opts.Client,
		sender:   opts.Sender,
		hooks:    opts.Hooks,
		log:      log.Sub("scheduler"),
	}
	s.Update(opts.Settings)
	return s
}

// Update replaces the settings used by sessions started afterwards.
func (s *Scheduler) Update(settings Settings) {
	s.settings.Store(&settings)
}

func (s *Scheduler) current() Settings { return *s.settings.Load() }

// Handle classifies msg and runs its workflow. The returned Commit writes
// history and sends the reply.
func (s *Scheduler) Handle(sess *session.Session, msg domain.InboundMessage) dispatch.Result {
	ctx := sess.Context()
	s.emit(ctx, hooks.EventSessionStart, map[string]any{
		"chatId":    msg.ChatID.String(),
		"sessionId": sess.ID,
	})

	if inv, ok := s.classify(msg); ok {
		return s.runCommand(ctx, sess, msg, inv)
	}
	if !msg.IsRespond {
		return s.skip(ctx, sess, msg)
	}
	return s.runModel(ctx, sess, msg)
}

// classify reports whether msg belongs to the command workflow. Unknown
// prefixed words only count as commands in strict mode.
func (s *Scheduler) classify(msg domain.InboundMessage) (commands.Invocation, bool) {
	if s.commands == nil {
		return commands.Invocation{}, false
	}
	inv, ok := s.commands.Parse(msg.ChatID, msg.Content)
	if !ok {
		return inv, false
	}
	return inv, inv.Command != nil || s.commands.Strict()
}

func (s *Scheduler) runCommand(ctx context.Context, sess *session.Session, msg domain.InboundMessage, inv commands.Invocation) dispatch.Result {
	reply, err := s.commands.Execute(ctx, inv)
	outcome := session.Completed
	if err != nil {
		reply = domain.UserMessage(err)
		outcome = session.Failed
	}
	data := map[string]any{
		"chatId":  msg.ChatID.String(),
		"command": inv.Name,
		"ok":      err == nil,
	}
	return dispatch.Result{
		Outcome:  outcome,
		Workflow: WorkflowCommand,
		Commit: func() {
			s.send(ctx, msg.Reply(reply))
			s.emit(ctx, hooks.EventCommandExecuted, data)
			s.ended(ctx, sess, msg, WorkflowCommand, outcome)
		},
	}
}

// skip records a message that asked for no response.
func (s *Scheduler) skip(ctx context.Context, sess *session.Session, msg domain.InboundMessage) dispatch.Result {
	st := s.current()
	turns := []domain.Turn{domain.UserTurn(msg.Content)}
	if st.Prompt.VirtualReplyEnabled {
		text := st.Prompt.VirtualReply
		if text == "" {
			text = defaultVirtual
		}
		virtual := domain.AssistantTurn(text)
		virtual.Virtual = true
		turns = append(turns, virtual)
	}
	return dispatch.Result{
		Outcome:  session.Completed,
		Workflow: WorkflowSkip,
		Commit: func() {
			s.appendTurns(ctx, msg.ChatID, turns)
			s.ended(ctx, sess, msg, WorkflowSkip, session.Completed)
		},
	}
}

func (s *Scheduler) runModel(ctx context.Context, sess *session.Session, msg domain.InboundMessage) dispatch.Result {
	req, err := s.prepare(ctx, msg)
	if err != nil {
		return s.failed(ctx, sess, msg, err)
	}

	res := s.loop.Run(ctx, s.client, req, agent.RunOptions{
		OnState: func(st agent.LoopState) {
			switch st {
			case agent.StateToolDispatch:
				sess.SetState(session.AwaitingTool)
			case agent.StateModelCall:
				sess.SetState(session.Running)
			default:
				sess.Touch()
			}
		},
		OnRound: func(round int, results []domain.ToolCallResult) {
			names := make([]string, len(results))
			failed := 0
			for i, r := range results {
				names[i] = r.Name
				if !r.Success {
					failed++
				}
			}
			s.emit(ctx, hooks.EventToolRound, map[string]any{
				"chatId":    msg.ChatID.String(),
				"sessionId": sess.ID,
				"round":     round,
				"tools":     names,
				"failed":    failed,
			})
		},
	})
	if res.State == agent.StateFailed {
		return s.failed(ctx, sess, msg, res.Err)
	}

	s.log.Debug().
		Str("chatId", msg.ChatID.String()).
		Str("sessionId", sess.ID).
		Str("end", res.State.String()).
		Int("rounds", res.Rounds).
		Int("modelCalls", res.ModelCalls).
		Msg("loop finished")

	reply := res.Content
	if strings.TrimSpace(reply) == "" {
		reply = emptyReply
	}
	turns := make([]domain.Turn, 0, len(res.Turns)+1)
	turns = append(turns, domain.UserTurn(msg.Content))
	turns = append(turns, res.Turns...)
	return dispatch.Result{
		Outcome:  session.Completed,
		Workflow: WorkflowModel,
		Commit: func() {
			s.appendTurns(ctx, msg.ChatID, turns)
			s.send(ctx, msg.Reply(reply))
			s.ended(ctx, sess, msg, WorkflowModel, session.Completed)
		},
	}
}

func (s *Scheduler) failed(ctx context.Context, sess *session.Session, msg domain.InboundMessage, err error) dispatch.Result {
	s.log.Warn().Err(err).
		Str("chatId", msg.ChatID.String()).
		Str("sessionId", sess.ID).
		Msg("workflow failed")
	return dispatch.Result{
		Outcome:  session.Failed,
		Workflow: WorkflowModel,
		Commit: func() {
			s.send(ctx, msg.Reply(domain.UserMessage(err)))
			s.ended(ctx, sess, msg, WorkflowModel, session.Failed)
		},
	}
}

// prepare builds the model request: system prompt, trimmed history and
// the current question normalized for the chat's model.
func (s *Scheduler) prepare(ctx context.Context, msg domain.InboundMessage) (llm.Request, error) {
	st := s.current()
	chat, err := s.store.Load(ctx, msg.ChatID)
	if err != nil {
		return llm.Request{}, fmt.Errorf("load history: %w", err)
	}

	model := chat.EffectiveModel(st.Models.Default)
	entry, _ := st.Models.Model(model)

	var messages []domain.Turn
	if system := agent.BuildSystemPrompt(agent.PromptConfig{Core: st.Prompt.Core, Custom: chat.CustomPrompt}); system != "" {
		messages = append(messages, domain.SystemTurn(system))
	}
	for _, t := range history.Window(chat.Turns, st.MaxUserTurns) {
		if t.Role == domain.RoleSystem {
			continue
		}
		if t.Role == domain.RoleUser {
			t.Content = placeholders(t.Content)
		}
		messages = append(messages, t)
	}

	question := msg.Content
	if entry.Multimodal && s.images != nil {
		var dropped int
		question, dropped = s.images.ResolveContent(ctx, question)
		if dropped > 0 {
			s.log.Warn().Str("chatId", msg.ChatID.String()).Int("dropped", dropped).Msg("images could not be resolved")
		}
	} else {
		question = placeholders(question)
	}
	messages = append(messages, domain.UserTurn(withPrefix(question)))

	req := llm.Request{
		ChatID:      msg.ChatID,
		Model:       model,
		Messages:    messages,
		MaxTokens:   st.Models.MaxTokens,
		Temperature: st.Models.Temperature,
	}
	if s.tools != nil && chat.EffectiveTools(st.DefaultToolsEnabled) {
		req.Tools = s.tools.Definitions()
	}
	return req, nil
}

// placeholders flattens c to text, standing in for its images.
func placeholders(c domain.Content) domain.Content {
	if !c.IsMulti() {
		if strings.TrimSpace(c.Text) == "" {
			return domain.Text(emptyMessage)
		}
		return c
	}
	text := c.PlainText()
	switch n := len(c.Images()); {
	case n == 1:
		text = oneImage + text
	case n > 1:
		text = fmt.Sprintf("[%d张图片]", n) + text
	}
	if strings.TrimSpace(text) == "" {
		text = emptyMessage
	}
	return domain.Text(text)
}

// withPrefix marks the current question so the model answers it rather
// than earlier turns.
func withPrefix(c domain.Content) domain.Content {
	if !c.IsMulti() {
		if strings.TrimSpace(c.Text) == "" {
			return domain.Text(questionPrefix + emptyMessage)
		}
		return domain.Text(questionPrefix + c.Text)
	}
	if c.IsEmpty() {
		return domain.Text(questionPrefix + emptyMessage)
	}
	parts := make([]domain.ContentPart, 0, len(c.Parts)+1)
	for i, p := range c.Parts {
		if p.Type == domain.PartText {
			parts = append(parts, c.Parts[:i]...)
			parts = append(parts, domain.TextPart(questionPrefix+p.Text))
			parts = append(parts, c.Parts[i+1:]...)
			return domain.Parts(parts...)
		}
	}
	parts = append(parts, domain.TextPart(questionPrefix+emptyMessage))
	parts = append(parts, c.Parts...)
	return domain.Parts(parts...)
}

// Fail tells the user a session ended without a result.
func (s *Scheduler) Fail(sess *session.Session, msg domain.InboundMessage, err error) {
	ctx := context.WithoutCancel(sess.Context())
	if !msg.IsRespond && err != nil {
		s.log.Debug().Err(err).Str("chatId", msg.ChatID.String()).Msg("unanswered message failed")
	} else {
		s.send(ctx, msg.Reply(domain.UserMessage(err)))
	}
	if !errors.Is(err, domain.ErrSessionTimeout) {
		s.ended(ctx, sess, msg, "unknown", session.Failed)
		return
	}
	s.emit(ctx, hooks.EventSessionTimeout, map[string]any{
		"chatId":    msg.ChatID.String(),
		"sessionId": sess.ID,
		"error":     fmt.Sprint(err),
	})
}

// Decline answers messages that were queued but never admitted before
// shutdown. Sends share ctx, so a stalled channel cannot hold shutdown.
func (s *Scheduler) Decline(ctx context.Context, msgs []domain.InboundMessage) {
	if s.sender == nil {
		return
	}
	for _, msg := range msgs {
		if !msg.IsRespond {
			continue
		}
		if ctx.Err() != nil {
			s.log.Warn().Int("unanswered", len(msgs)).Msg("no time left to decline queued messages")
			return
		}
		if err := s.sender.Send(ctx, msg.Reply(domain.UserMessage(domain.ErrShutdown))); err != nil {
			s.log.Warn().Err(err).Str("chatId", msg.ChatID.String()).Msg("shutdown reply failed")
		}
	}
}

// appendTurns stores the exchange, then drops what the retention limit
// no longer covers.
func (s *Scheduler) appendTurns(ctx context.Context, chatID domain.ChatID, turns []domain.Turn) {
	ctx = context.WithoutCancel(ctx)
	if err := s.store.AppendTurns(ctx, chatID, turns...); err != nil {
		s.log.Error().Err(err).Str("chatId", chatID.String()).Msg("history append failed")
		return
	}
	if err := s.store.Retain(ctx, chatID, s.current().MaxUserTurns); err != nil {
		s.log.Warn().Err(err).Str("chatId", chatID.String()).Msg("history retention failed")
	}
}

func (s *Scheduler) send(ctx context.Context, out domain.OutboundMessage) {
	if s.sender == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), sendTimeout)
	defer cancel()
	if err := s.sender.Send(ctx, out); err != nil {
		s.log.Error().Err(err).Str("chatId", out.ChatID.String()).Msg("reply delivery failed")
	}
}

func (s *Scheduler) ended(ctx context.Context, sess *session.Session, msg domain.InboundMessage, workflow string, outcome session.State) {
	s.emit(ctx, hooks.EventSessionEnd, map[string]any{
		"chatId":    msg.ChatID.String(),
		"sessionId": sess.ID,
		"workflow":  workflow,
		"outcome":   outcome.String(),
	})
}

// emit fires event without tying handlers to the session's lifetime.
func (s *Scheduler) emit(ctx context.Context, event string, data map[string]any) {
	s.hooks.EmitAsync(context.WithoutCancel(ctx), event, data)
}
