package dispatch

import (
	"time"

	"github.com/soyeahso/switchboard/internal/domain"
)

type queued struct {
	seq        uint64
	msg        domain.InboundMessage
	enqueuedAt time.Time
}

// chatQueue is one arena slot: the chat's FIFO backlog, the number of
// its sessions holding a slot, and the failure replies still being sent
// for its timed out sessions. It is only touched under Dispatcher.mu.
type chatQueue struct {
	chatID  domain.ChatID
	backlog []queued
	active  int
	failing int
}

func (q *chatQueue) push(item queued) { q.backlog = append(q.backlog, item) }

func (q *chatQueue) head() (queued, bool) {
	if len(q.backlog) == 0 {
		return queued{}, false
	}
	return q.backlog[0], true
}

func (q *chatQueue) pop() queued {
	item := q.backlog[0]
	q.backlog[0] = queued{}
	q.backlog = q.backlog[1:]
	if len(q.backlog) == 0 {
		q.backlog = nil
	}
	return item
}

// idle reports whether the slot can be torn down.
func (q *chatQueue) idle() bool {
	return len(q.backlog) == 0 && q.active == 0 && q.failing == 0
}

// ready reports whether the head may start under mode. A chat whose
// timed out session has not been answered yet holds its next message.
func (q *chatQueue) ready(mode Mode) bool {
	if len(q.backlog) == 0 || q.failing > 0 {
		return false
	}
	return mode == FullyParallel || q.active == 0
}
