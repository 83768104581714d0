package dispatch

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/soyeahso/switchboard/internal/domain"
	"github.com/soyeahso/switchboard/internal/logging"
	"github.com/soyeahso/switchboard/internal/session"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testLogger() *logging.Logger { return logging.New(nil, "silent") }

func msgFor(chat domain.ChatID, text string) domain.InboundMessage {
	return domain.InboundMessage{
		ChatID:      chat,
		Content:     domain.Text(text),
		MessageType: domain.MessagePrivate,
		IsRespond:   true,
		Timestamp:   time.Now(),
	}
}

// recordingHandler tracks start order, concurrency and committed replies.
type recordingHandler struct {
	mu         sync.Mutex
	work       func(s *session.Session, msg domain.InboundMessage)
	started    []string
	committed  []string
	failures   []error
	running    map[domain.ChatID]int
	total      int
	maxTotal   int
	maxPerChat int
	done       chan string
}

func newRecordingHandler(work func(*session.Session, domain.InboundMessage)) *recordingHandler {
	return &recordingHandler{
		work:    work,
		running: make(map[domain.ChatID]int),
		done:    make(chan string, 100),
	}
}

func (h *recordingHandler) Handle(s *session.Session, msg domain.InboundMessage) Result {
	text := msg.Content.PlainText()
	h.mu.Lock()
	h.started = append(h.started, text)
	h.running[msg.ChatID]++
	h.total++
	h.maxTotal = max(h.maxTotal, h.total)
	h.maxPerChat = max(h.maxPerChat, h.running[msg.ChatID])
	h.mu.Unlock()

	if h.work != nil {
		h.work(s, msg)
	}

	h.mu.Lock()
	h.running[msg.ChatID]--
	h.total--
	h.mu.Unlock()

	return Result{
		Outcome:  session.Completed,
		Workflow: "test",
		Commit: func() {
			h.mu.Lock()
			h.committed = append(h.committed, text)
			h.mu.Unlock()
			h.done <- text
		},
	}
}

func (h *recordingHandler) Fail(_ *session.Session, msg domain.InboundMessage, err error) {
	h.mu.Lock()
	h.failures = append(h.failures, err)
	h.mu.Unlock()
	h.done <- "failed:" + msg.Content.PlainText()
}

func (h *recordingHandler) snapshot() (started, committed []string, maxTotal, maxPerChat int) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]string(nil), h.started...), append([]string(nil), h.committed...), h.maxTotal, h.maxPerChat
}

func waitN(t *testing.T, ch <-chan string, n int) []string {
	t.Helper()
	var got []string
	timeout := time.After(5 * time.Second)
	for len(got) < n {
		select {
		case v := <-ch:
			got = append(got, v)
		case <-timeout:
			t.Fatalf("timed out after %d of %d events: %v", len(got), n, got)
		}
	}
	return got
}

func newTestDispatcher(mode Mode, maxSessions int, h Handler) (*Dispatcher, *session.Registry) {
	reg := session.NewRegistry(session.Config{MaxSessions: maxSessions, Timeout: time.Minute}, testLogger())
	return New(mode, reg, h, testLogger()), reg
}

func TestParseMode(t *testing.T) {
	tests := []struct {
		in      string
		want    Mode
		wantErr bool
	}{
		{"serial-per-chat", SerialPerChat, false},
		{"wait", SerialPerChat, false},
		{"fully-parallel", FullyParallel, false},
		{"all", FullyParallel, false},
		{"", 0, true},
		{"parallel", 0, true},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParseMode(tt.in)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
			assert.NotEmpty(t, got.String())
		})
	}
}

// Three back-to-back messages on one chat with a slow model start one at a
// time and complete in send order.
func TestSerialPerChatOrdering(t *testing.T) {
	h := newRecordingHandler(func(*session.Session, domain.InboundMessage) {
		time.Sleep(40 * time.Millisecond)
	})
	d, _ := newTestDispatcher(SerialPerChat, 10, h)

	for i := 1; i <= 3; i++ {
		require.NoError(t, d.Enqueue(msgFor("qq_private_c1", fmt.Sprintf("m%d", i))))
	}
	assert.Equal(t, 2, d.Depth("qq_private_c1"))

	got := waitN(t, h.done, 3)
	assert.Equal(t, []string{"m1", "m2", "m3"}, got)

	started, committed, _, maxPerChat := h.snapshot()
	assert.Equal(t, []string{"m1", "m2", "m3"}, started)
	assert.Equal(t, []string{"m1", "m2", "m3"}, committed)
	assert.Equal(t, 1, maxPerChat)
}

func TestSerialModeRunsChatsConcurrently(t *testing.T) {
	gate := make(chan struct{})
	h := newRecordingHandler(func(*session.Session, domain.InboundMessage) { <-gate })
	d, reg := newTestDispatcher(SerialPerChat, 10, h)

	require.NoError(t, d.Enqueue(msgFor("qq_private_a", "a1")))
	require.NoError(t, d.Enqueue(msgFor("qq_private_b", "b1")))
	require.NoError(t, d.Enqueue(msgFor("qq_private_a", "a2")))

	assert.Eventually(t, func() bool { return reg.Running() == 2 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, 1, d.Depth("qq_private_a"))

	close(gate)
	waitN(t, h.done, 3)
	_, _, maxTotal, maxPerChat := h.snapshot()
	assert.Equal(t, 2, maxTotal)
	assert.Equal(t, 1, maxPerChat)
}

// With a cap of one, two chats sending at once run one after the other.
func TestGlobalCapSerializesAcrossChats(t *testing.T) {
	h := newRecordingHandler(func(*session.Session, domain.InboundMessage) {
		time.Sleep(30 * time.Millisecond)
	})
	d, _ := newTestDispatcher(SerialPerChat, 1, h)

	require.NoError(t, d.Enqueue(msgFor("qq_private_c1", "c1")))
	require.NoError(t, d.Enqueue(msgFor("qq_private_c2", "c2")))

	st := d.Status()
	assert.Equal(t, 1, st.Queued)
	assert.Equal(t, 1, st.Active)

	got := waitN(t, h.done, 2)
	assert.Equal(t, []string{"c1", "c2"}, got)
	_, _, maxTotal, _ := h.snapshot()
	assert.Equal(t, 1, maxTotal)
}

func TestFullyParallelAllowsSameChatOverlap(t *testing.T) {
	gate := make(chan struct{})
	h := newRecordingHandler(func(*session.Session, domain.InboundMessage) { <-gate })
	d, reg := newTestDispatcher(FullyParallel, 10, h)

	for i := 0; i < 3; i++ {
		require.NoError(t, d.Enqueue(msgFor("qq_group_g", fmt.Sprintf("g%d", i))))
	}
	assert.Eventually(t, func() bool { return reg.Running() == 3 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, 0, d.Depth("qq_group_g"))

	close(gate)
	waitN(t, h.done, 3)
	_, _, _, maxPerChat := h.snapshot()
	assert.Equal(t, 3, maxPerChat)
}

func TestCapNeverExceededUnderBurst(t *testing.T) {
	const capacity = 3
	h := newRecordingHandler(func(*session.Session, domain.InboundMessage) {
		time.Sleep(5 * time.Millisecond)
	})
	d, _ := newTestDispatcher(FullyParallel, capacity, h)

	var wg sync.WaitGroup
	for c := 0; c < 10; c++ {
		wg.Add(1)
		go func(c int) {
			defer wg.Done()
			for i := 0; i < 5; i++ {
				chat := domain.NewChatID("qq", domain.MessagePrivate, fmt.Sprint(c))
				assert.NoError(t, d.Enqueue(msgFor(chat, fmt.Sprintf("%d-%d", c, i))))
			}
		}(c)
	}
	wg.Wait()

	waitN(t, h.done, 50)
	_, _, maxTotal, _ := h.snapshot()
	assert.LessOrEqual(t, maxTotal, capacity)
}

func TestPerChatStartOrderUnderConcurrentChats(t *testing.T) {
	h := newRecordingHandler(func(*session.Session, domain.InboundMessage) {
		time.Sleep(time.Millisecond)
	})
	d, _ := newTestDispatcher(SerialPerChat, 2, h)

	for i := 0; i < 10; i++ {
		for _, chat := range []domain.ChatID{"qq_group_x", "qq_group_y", "qq_group_z"} {
			require.NoError(t, d.Enqueue(msgFor(chat, fmt.Sprintf("%s:%02d", chat, i))))
		}
	}
	waitN(t, h.done, 30)

	started, _, _, _ := h.snapshot()
	last := map[string]string{}
	for _, s := range started {
		chat := s[:10]
		assert.Greater(t, s, last[chat], "chat %s started out of order", chat)
		last[chat] = s
	}
}

// A session that stalls past the timeout is reaped, its slot is reused,
// and its late result is discarded.
func TestTimedOutSessionIsReclaimed(t *testing.T) {
	release := make(chan struct{})
	h := newRecordingHandler(func(s *session.Session, msg domain.InboundMessage) {
		if msg.Content.PlainText() == "stuck" {
			<-release // ignores cancellation, like a collaborator that never answers
		}
	})
	reg := session.NewRegistry(session.Config{
		MaxSessions:    1,
		Timeout:        30 * time.Millisecond,
		ReaperInterval: 10 * time.Millisecond,
	}, testLogger())
	d := New(SerialPerChat, reg, h, testLogger())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go reg.Run(ctx)

	require.NoError(t, d.Enqueue(msgFor("qq_private_1", "stuck")))
	require.NoError(t, d.Enqueue(msgFor("qq_private_1", "next")))

	got := waitN(t, h.done, 2)
	assert.Equal(t, []string{"failed:stuck", "next"}, got)

	close(release)
	time.Sleep(20 * time.Millisecond)

	_, committed, _, _ := h.snapshot()
	assert.Equal(t, []string{"next"}, committed, "late result must not be committed")
	h.mu.Lock()
	require.Len(t, h.failures, 1)
	assert.ErrorIs(t, h.failures[0], domain.ErrSessionTimeout)
	h.mu.Unlock()
}

// slowFailHandler holds every failure reply until unblock is closed, like
// a channel that is slow to deliver.
type slowFailHandler struct {
	*recordingHandler
	failing chan string
	unblock chan struct{}
}

func (h *slowFailHandler) Fail(s *session.Session, msg domain.InboundMessage, err error) {
	h.failing <- msg.Content.PlainText()
	<-h.unblock
	h.recordingHandler.Fail(s, msg, err)
}

// A slow timeout reply must not hold up other chats or the reaper, while
// the timed out chat's own next message still waits for it.
func TestSlowFailureReplyDoesNotBlockOtherChats(t *testing.T) {
	release := make(chan struct{})
	defer close(release)
	h := &slowFailHandler{
		recordingHandler: newRecordingHandler(func(_ *session.Session, msg domain.InboundMessage) {
			if msg.Content.PlainText() == "stuck" {
				<-release
			}
		}),
		failing: make(chan string, 4),
		unblock: make(chan struct{}),
	}
	reg := session.NewRegistry(session.Config{
		MaxSessions:    1,
		Timeout:        30 * time.Millisecond,
		ReaperInterval: 10 * time.Millisecond,
	}, testLogger())
	d := New(SerialPerChat, reg, h, testLogger())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go reg.Run(ctx)

	require.NoError(t, d.Enqueue(msgFor("qq_private_1", "stuck")))
	require.NoError(t, d.Enqueue(msgFor("qq_private_1", "same chat")))
	require.NoError(t, d.Enqueue(msgFor("qq_private_2", "other chat")))

	select {
	case got := <-h.failing:
		assert.Equal(t, "stuck", got)
	case <-time.After(5 * time.Second):
		t.Fatal("stalled session was never reaped")
	}

	// The failure reply is still blocked, yet the other chat runs.
	assert.Equal(t, []string{"other chat"}, waitN(t, h.done, 1))
	started, _, _, _ := h.snapshot()
	assert.NotContains(t, started, "same chat")
	assert.Equal(t, 1, d.Depth("qq_private_1"))

	close(h.unblock)
	assert.Equal(t, []string{"failed:stuck", "same chat"}, waitN(t, h.done, 2))
	assert.Eventually(t, func() bool {
		d.mu.Lock()
		defer d.mu.Unlock()
		return len(d.chats) == 0
	}, time.Second, 5*time.Millisecond)
}

func TestReadyHoldsChatWithPendingFailure(t *testing.T) {
	q := &chatQueue{chatID: "qq_private_1"}
	q.push(queued{seq: 1})
	assert.True(t, q.ready(SerialPerChat))

	q.failing = 1
	assert.False(t, q.ready(SerialPerChat))
	assert.False(t, q.ready(FullyParallel))
	q.backlog = nil
	assert.False(t, q.idle())

	q.failing = 0
	assert.True(t, q.idle())
}

func TestQueueTornDownWhenIdle(t *testing.T) {
	h := newRecordingHandler(nil)
	d, _ := newTestDispatcher(SerialPerChat, 4, h)

	require.NoError(t, d.Enqueue(msgFor("qq_private_1", "x")))
	waitN(t, h.done, 1)

	assert.Eventually(t, func() bool {
		d.mu.Lock()
		defer d.mu.Unlock()
		return len(d.chats) == 0 && len(d.inflight) == 0
	}, time.Second, 5*time.Millisecond)
}

func TestEnqueueRejectsMalformed(t *testing.T) {
	d, _ := newTestDispatcher(SerialPerChat, 1, newRecordingHandler(nil))

	err := d.Enqueue(domain.InboundMessage{ChatID: "qq_private_1", MessageType: "channel"})
	assert.ErrorIs(t, err, domain.ErrMalformedMessage)
	assert.Equal(t, 0, d.Status().Queued)
}

func TestPanickingHandlerFailsSession(t *testing.T) {
	h := newRecordingHandler(func(_ *session.Session, msg domain.InboundMessage) {
		if msg.Content.PlainText() == "boom" {
			panic("handler bug")
		}
	})
	d, reg := newTestDispatcher(SerialPerChat, 1, h)

	require.NoError(t, d.Enqueue(msgFor("qq_private_1", "boom")))
	require.NoError(t, d.Enqueue(msgFor("qq_private_1", "after")))

	got := waitN(t, h.done, 2)
	assert.Equal(t, []string{"failed:boom", "after"}, got)
	assert.Eventually(t, func() bool { return reg.Active() == 0 }, time.Second, 5*time.Millisecond)
}

func TestShutdown(t *testing.T) {
	gate := make(chan struct{})
	h := newRecordingHandler(func(*session.Session, domain.InboundMessage) { <-gate })
	d, _ := newTestDispatcher(SerialPerChat, 1, h)

	require.NoError(t, d.Enqueue(msgFor("qq_private_1", "running")))
	require.NoError(t, d.Enqueue(msgFor("qq_private_1", "waiting")))

	go func() {
		time.Sleep(20 * time.Millisecond)
		close(gate)
	}()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	dropped := d.Shutdown(ctx)

	require.Len(t, dropped, 1)
	assert.Equal(t, "waiting", dropped[0].Content.PlainText())
	assert.ErrorIs(t, d.Enqueue(msgFor("qq_private_1", "late")), domain.ErrShutdown)
}

func TestStatus(t *testing.T) {
	gate := make(chan struct{})
	defer close(gate)
	h := newRecordingHandler(func(*session.Session, domain.InboundMessage) { <-gate })
	d, _ := newTestDispatcher(SerialPerChat, 5, h)

	require.NoError(t, d.Enqueue(msgFor("qq_group_b", "1")))
	require.NoError(t, d.Enqueue(msgFor("qq_group_b", "2")))
	require.NoError(t, d.Enqueue(msgFor("qq_group_a", "3")))

	st := d.Status()
	assert.Equal(t, "serial-per-chat", st.Mode)
	assert.Equal(t, 5, st.Capacity)
	assert.Equal(t, 1, st.Queued)
	require.Len(t, st.Chats, 2)
	assert.Equal(t, domain.ChatID("qq_group_a"), st.Chats[0].ChatID)
	assert.Equal(t, ChatStatus{ChatID: "qq_group_b", Depth: 1, Active: 1}, st.Chats[1])
	assert.Len(t, st.Sessions, 2)
}
