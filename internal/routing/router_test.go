package routing

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/soyeahso/switchboard/internal/channel"
	"github.com/soyeahso/switchboard/internal/domain"
	"github.com/soyeahso/switchboard/internal/hooks"
	"github.com/soyeahso/switchboard/internal/logging"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testLogger() *logging.Logger {
	return logging.New(nil, "silent")
}

// mockChannel is a test double for domain.Channel.
type mockChannel struct {
	id      string
	sent    []domain.OutboundMessage
	sendErr error
	handler func(domain.InboundMessage)
}

func (m *mockChannel) ID() string                    { return m.id }
func (m *mockChannel) Start(_ context.Context) error { return nil }
func (m *mockChannel) Stop(_ context.Context) error  { return nil }
func (m *mockChannel) Send(_ context.Context, msg domain.OutboundMessage) error {
	if m.sendErr != nil {
		return m.sendErr
	}
	m.sent = append(m.sent, msg)
	return nil
}
func (m *mockChannel) OnMessage(handler func(domain.InboundMessage)) {
	m.handler = handler
}

// mockQueue records enqueued messages and validates them like the
// dispatcher does.
type mockQueue struct {
	mu  sync.Mutex
	got []domain.InboundMessage
	err error
}

func (q *mockQueue) Enqueue(msg domain.InboundMessage) error {
	if q.err != nil {
		return q.err
	}
	if err := msg.Validate(); err != nil {
		return err
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	q.got = append(q.got, msg)
	return nil
}

func newTestRouter(channels ...*mockChannel) (*Router, *mockQueue) {
	log := testLogger()
	reg := channel.NewRegistry(log)
	for _, ch := range channels {
		reg.Register(ch)
	}
	q := &mockQueue{}
	return NewRouter(reg, q, nil, nil, log), q
}

func qqMessage(chat domain.ChatID, text string) domain.InboundMessage {
	return domain.InboundMessage{
		ChatID:      chat,
		Content:     domain.Text(text),
		UserID:      "42",
		MessageType: domain.MessagePrivate,
		IsRespond:   true,
		Timestamp:   time.Now(),
	}
}

func TestRouter_HandleInboundEnqueues(t *testing.T) {
	ch := &mockChannel{id: "qq"}
	router, q := newTestRouter(ch)

	router.HandleInbound(context.Background(), qqMessage("qq_private_42", "一"))
	router.HandleInbound(context.Background(), qqMessage("qq_private_42", "二"))

	require.Len(t, q.got, 2)
	assert.Equal(t, "一", q.got[0].Content.Text)
	assert.Equal(t, "二", q.got[1].Content.Text)
	assert.Empty(t, ch.sent)
}

func TestRouter_MalformedMessageGetsDiagnostic(t *testing.T) {
	ch := &mockChannel{id: "qq"}
	router, q := newTestRouter(ch)

	msg := qqMessage("qq_private_42", "")
	msg.Content = domain.Parts(domain.ContentPart{Type: "audio"})
	router.HandleInbound(context.Background(), msg)

	assert.Empty(t, q.got)
	require.Len(t, ch.sent, 1)
	assert.Equal(t, domain.ChatID("qq_private_42"), ch.sent[0].ChatID)
	assert.Contains(t, ch.sent[0].Content, "错误: 无法解析消息")
}

func TestRouter_MalformedChatIDIsDropped(t *testing.T) {
	ch := &mockChannel{id: "qq"}
	router, q := newTestRouter(ch)

	msg := qqMessage("qq_private_42", "hi")
	msg.MessageType = "channel"
	msg.ChatID = "qq"
	router.HandleInbound(context.Background(), msg)

	assert.Empty(t, q.got)
	assert.Empty(t, ch.sent)
}

func TestRouter_ShutdownRejectsSilently(t *testing.T) {
	ch := &mockChannel{id: "qq"}
	router, q := newTestRouter(ch)
	q.err = domain.ErrShutdown

	var rejected []string
	var mu sync.Mutex
	hm := hooks.NewManager(testLogger())
	hm.On(hooks.EventMessageRejected, "test", func(_ context.Context, p hooks.Payload) error {
		mu.Lock()
		defer mu.Unlock()
		rejected = append(rejected, p.Data["chatId"].(string))
		return nil
	})
	router.hooks = hm

	router.HandleInbound(context.Background(), qqMessage("qq_private_42", "hi"))
	assert.Empty(t, ch.sent)
	assert.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(rejected) == 1 && rejected[0] == "qq_private_42"
	}, time.Second, 5*time.Millisecond)
}

func TestRouter_NoDispatcher(t *testing.T) {
	ch := &mockChannel{id: "qq"}
	router := NewRouter(channel.NewRegistry(testLogger()), nil, nil, nil, testLogger())
	router.HandleInbound(context.Background(), qqMessage("qq_private_42", "hi"))
	assert.Empty(t, ch.sent)
}

func TestRouter_SendRoutesByPlatform(t *testing.T) {
	qq := &mockChannel{id: "qq"}
	irc := &mockChannel{id: "irc"}
	router, _ := newTestRouter(qq, irc)

	require.NoError(t, router.Send(context.Background(), domain.OutboundMessage{ChatID: "irc_group_#ops", Content: "pong"}))
	require.NoError(t, router.SendTo(context.Background(), "qq_group_7", "hello"))

	require.Len(t, irc.sent, 1)
	assert.Equal(t, "pong", irc.sent[0].Content)
	require.Len(t, qq.sent, 1)
	assert.Equal(t, domain.ChatID("qq_group_7"), qq.sent[0].ChatID)
}

func TestRouter_SendErrors(t *testing.T) {
	qq := &mockChannel{id: "qq", sendErr: errors.New("socket closed")}
	router, _ := newTestRouter(qq)

	err := router.Send(context.Background(), domain.OutboundMessage{ChatID: "tg_private_1", Content: "x"})
	assert.ErrorContains(t, err, "no channel for chat tg_private_1")

	err = router.SendTo(context.Background(), "qq_private_1", "x")
	assert.ErrorContains(t, err, "socket closed")

	err = router.SendTo(context.Background(), "bogus", "x")
	assert.ErrorIs(t, err, domain.ErrMalformedMessage)
}

func TestRouter_Wire(t *testing.T) {
	ch := &mockChannel{id: "qq"}
	router, q := newTestRouter(ch)
	router.Wire()

	require.NotNil(t, ch.handler)
	ch.handler(qqMessage("qq_private_1", "via channel"))
	require.Len(t, q.got, 1)
	assert.Equal(t, "via channel", q.got[0].Content.Text)
}
