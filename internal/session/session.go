// Package session owns the lifecycle of in-flight sessions: one record per
// message being processed, a global concurrency cap, and the reaper that
// reclaims sessions whose downstream calls stall.
package session

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/soyeahso/switchboard/internal/domain"
)

// State is a session's lifecycle position.
type State int32

const (
	Queued State = iota
	Running
	AwaitingTool
	Completed
	TimedOut
	Failed
)

func (s State) String() string {
	switch s {
	case Queued:
		return "queued"
	case Running:
		return "running"
	case AwaitingTool:
		return "awaiting_tool"
	case Completed:
		return "completed"
	case TimedOut:
		return "timed_out"
	case Failed:
		return "failed"
	default:
		return "unknown"
	}
}

// Terminal reports whether no further transition is possible.
func (s State) Terminal() bool {
	return s == Completed || s == TimedOut || s == Failed
}

// Session is one message of one chat currently being processed. Its
// context is cancelled when the session ends; after a timeout the cause
// is domain.ErrSessionTimeout.
type Session struct {
	ID        string
	ChatID    domain.ChatID
	CreatedAt time.Time

	ctx          context.Context
	cancel       context.CancelCauseFunc
	now          func() time.Time
	state        atomic.Int32
	lastActivity atomic.Int64
}

// Context returns the session context. Collaborator calls made on behalf
// of the session must use it so a timeout abandons them.
func (s *Session) Context() context.Context { return s.ctx }

// State returns the current state.
func (s *Session) State() State { return State(s.state.Load()) }

// LastActivity returns when the session last made progress.
func (s *Session) LastActivity() time.Time {
	return time.Unix(0, s.lastActivity.Load())
}

// Touch records progress, postponing the idle timeout.
func (s *Session) Touch() {
	s.lastActivity.Store(s.now().UnixNano())
}

// SetState moves a live session to another live state and records
// progress. It returns false once the session is terminal.
func (s *Session) SetState(next State) bool {
	if next.Terminal() {
		return false
	}
	for {
		cur := State(s.state.Load())
		if cur.Terminal() {
			return false
		}
		if s.state.CompareAndSwap(int32(cur), int32(next)) {
			s.Touch()
			return true
		}
	}
}

// finish performs the single terminal transition.
func (s *Session) finish(outcome State) bool {
	for {
		cur := State(s.state.Load())
		if cur.Terminal() {
			return false
		}
		if s.state.CompareAndSwap(int32(cur), int32(outcome)) {
			return true
		}
	}
}

// Info is a point-in-time view of a session for status reporting.
type Info struct {
	ID           string        `json:"id"`
	ChatID       domain.ChatID `json:"chatId"`
	State        string        `json:"state"`
	CreatedAt    time.Time     `json:"createdAt"`
	LastActivity time.Time     `json:"lastActivity"`
}

func (s *Session) info() Info {
	return Info{
		ID:           s.ID,
		ChatID:       s.ChatID,
		State:        s.State().String(),
		CreatedAt:    s.CreatedAt,
		LastActivity: s.LastActivity(),
	}
}
