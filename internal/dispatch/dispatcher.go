// Package dispatch owns the per-chat ordered queues and the admission
// controller. Messages enter through Enqueue, wait in their chat's FIFO,
// and are started as sessions when the admission mode and the session
// registry's global cap allow.
package dispatch

import (
	"cmp"
	"context"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/soyeahso/switchboard/internal/domain"
	"github.com/soyeahso/switchboard/internal/logging"
	"github.com/soyeahso/switchboard/internal/metrics"
	"github.com/soyeahso/switchboard/internal/session"
)

// Result is what a Handler produced for one session.
type Result struct {
	// Outcome is session.Completed or session.Failed.
	Outcome session.State
	// Workflow names the path taken, for metrics.
	Workflow string
	// Commit publishes the result (history writes, the reply). It runs
	// only if the session still owns its slot, i.e. has not timed out.
	Commit func()
}

// Handler runs admitted messages.
type Handler interface {
	// Handle runs the workflow for msg. Blocking calls must use
	// s.Context().
	Handle(s *session.Session, msg domain.InboundMessage) Result
	// Fail is called once when a session ends without Handle's result
	// being committed: on timeout, or when Handle panicked.
	Fail(s *session.Session, msg domain.InboundMessage, err error)
}

// Option customizes a Dispatcher.
type Option func(*Dispatcher)

// WithMetrics instruments the dispatcher.
func WithMetrics(m *metrics.Metrics) Option {
	return func(d *Dispatcher) { d.metrics = m }
}

type inflight struct {
	msg      domain.InboundMessage
	admitted time.Time
}

// Dispatcher is the per-chat queue arena plus the admission controller.
// Lock order is Dispatcher.mu then the registry's lock; the registry
// calls back into the dispatcher only after releasing its own.
type Dispatcher struct {
	mode     Mode
	registry *session.Registry
	handler  Handler
	log      *logging.Logger
	metrics  *metrics.Metrics

	ctx    context.Context
	cancel context.CancelFunc

	mu       sync.Mutex
	chats    map[domain.ChatID]*chatQueue
	inflight map[string]inflight
	seq      uint64
	queued   int
	closed   bool
	wg       sync.WaitGroup
}

// New creates a dispatcher and subscribes it to the registry's release
// events.
func New(mode Mode, registry *session.Registry, handler Handler, log *logging.Logger, opts ...Option) *Dispatcher {
	ctx, cancel := context.WithCancel(context.Background())
	d := &Dispatcher{
		mode:     mode,
		registry: registry,
		handler:  handler,
		log:      log.Sub("dispatch"),
		ctx:      ctx,
		cancel:   cancel,
		chats:    make(map[domain.ChatID]*chatQueue),
		inflight: make(map[string]inflight),
	}
	for _, opt := range opts {
		opt(d)
	}
	registry.OnRelease(d.onRelease)
	return d
}

// Mode returns the admission mode.
func (d *Dispatcher) Mode() Mode { return d.mode }

// Enqueue appends msg to its chat's queue and admits whatever can start.
// It never blocks on downstream work. It fails only for malformed
// messages and after Shutdown.
func (d *Dispatcher) Enqueue(msg domain.InboundMessage) error {
	platform := msg.ChatID.Platform()
	if err := msg.Validate(); err != nil {
		d.metrics.MessageRejected(platform)
		return err
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	if d.closed {
		return domain.ErrShutdown
	}

	q, ok := d.chats[msg.ChatID]
	if !ok {
		q = &chatQueue{chatID: msg.ChatID}
		d.chats[msg.ChatID] = q
	}
	d.seq++
	q.push(queued{seq: d.seq, msg: msg, enqueuedAt: time.Now()})
	d.queued++
	d.metrics.MessageEnqueued(platform)

	d.log.Debug().
		Str("chatId", string(msg.ChatID)).
		Int("depth", len(q.backlog)).
		Msg("message enqueued")

	d.pumpLocked()
	return nil
}

// pumpLocked admits ready heads, oldest first across chats, until none is
// ready or the cap is reached. Acquire is called with d.mu held so the
// admission decision and the cap decrement are one step.
func (d *Dispatcher) pumpLocked() {
	defer d.metrics.Dispatch(d.queued, d.registry.Active())
	if d.closed {
		return
	}
	for {
		q := d.nextReadyLocked()
		if q == nil {
			return
		}
		s, err := d.registry.Acquire(d.ctx, q.chatID)
		if err != nil {
			d.metrics.Deferred()
			d.log.Debug().Int("queued", d.queued).Msg("admission deferred: at capacity")
			return
		}
		item := q.pop()
		q.active++
		d.queued--
		d.inflight[s.ID] = inflight{msg: item.msg, admitted: time.Now()}

		d.log.Debug().
			Str("chatId", string(q.chatID)).
			Str("sessionId", s.ID).
			Dur("waited", time.Since(item.enqueuedAt)).
			Msg("session admitted")

		d.wg.Add(1)
		go d.run(s, item.msg)
	}
}

// nextReadyLocked picks the ready chat whose head was enqueued first, so
// a slot freed by one chat cannot be monopolized by another.
func (d *Dispatcher) nextReadyLocked() *chatQueue {
	var best *chatQueue
	var bestSeq uint64
	for _, q := range d.chats {
		if !q.ready(d.mode) {
			continue
		}
		head, _ := q.head()
		if best == nil || head.seq < bestSeq {
			best, bestSeq = q, head.seq
		}
	}
	return best
}

func (d *Dispatcher) run(s *session.Session, msg domain.InboundMessage) {
	defer d.wg.Done()

	res, err := d.handle(s, msg)
	if err != nil {
		d.log.Error().Err(err).Str("sessionId", s.ID).Str("chatId", string(s.ChatID)).Msg("handler panicked")
		d.registry.Finish(s.ID, session.Failed, func() { d.handler.Fail(s, msg, err) })
		return
	}
	if res.Outcome != session.Completed && res.Outcome != session.Failed {
		res.Outcome = session.Failed
	}
	if !d.registry.Finish(s.ID, res.Outcome, res.Commit) {
		d.metrics.LateResult()
		d.log.Warn().
			Str("sessionId", s.ID).
			Str("chatId", string(s.ChatID)).
			Msg("discarding result of timed out session")
		return
	}
	d.metrics.SessionEnded(res.Workflow, res.Outcome.String(), time.Since(s.CreatedAt))
}

func (d *Dispatcher) handle(s *session.Session, msg domain.InboundMessage) (res Result, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	s.SetState(session.Running)
	return d.handler.Handle(s, msg), nil
}

// onRelease runs after any session leaves the registry, possibly on the
// reaper goroutine. It updates the chat's refcount, tears down idle
// queues and retries admission. A timed out session's failure reply is
// sent on its own goroutine: other chats are admitted at once, while the
// timed out chat's next message waits for that reply.
func (d *Dispatcher) onRelease(s *session.Session) {
	d.mu.Lock()
	info, ok := d.inflight[s.ID]
	delete(d.inflight, s.ID)
	q, exists := d.chats[s.ChatID]
	if exists && ok {
		q.active--
	}
	timedOut := ok && s.State() == session.TimedOut
	if timedOut {
		if !exists {
			q = &chatQueue{chatID: s.ChatID}
			d.chats[s.ChatID] = q
		}
		q.failing++
	} else if exists && q.idle() {
		delete(d.chats, s.ChatID)
	}
	d.pumpLocked()
	// Shutdown waits on wg, so it may only grow before Shutdown starts.
	async := timedOut && !d.closed
	if async {
		d.wg.Add(1)
	}
	d.mu.Unlock()

	if !timedOut {
		return
	}
	d.metrics.SessionEnded("unknown", session.TimedOut.String(), time.Since(info.admitted))
	if async {
		go func() {
			defer d.wg.Done()
			d.fail(s, info.msg)
		}()
		return
	}
	d.fail(s, info.msg)
}

// fail delivers the timeout reply, then lets the chat continue.
func (d *Dispatcher) fail(s *session.Session, msg domain.InboundMessage) {
	d.handler.Fail(s, msg, domain.ErrSessionTimeout)

	d.mu.Lock()
	defer d.mu.Unlock()
	if q, ok := d.chats[s.ChatID]; ok {
		q.failing--
		if q.idle() {
			delete(d.chats, s.ChatID)
		}
	}
	d.pumpLocked()
}

// Depth returns the number of messages waiting for chatID.
func (d *Dispatcher) Depth(chatID domain.ChatID) int {
	d.mu.Lock()
	defer d.mu.Unlock()
	if q, ok := d.chats[chatID]; ok {
		return len(q.backlog)
	}
	return 0
}

// ChatStatus describes one chat's queue.
type ChatStatus struct {
	ChatID domain.ChatID `json:"chatId"`
	Depth  int           `json:"depth"`
	Active int           `json:"active"`
}

// Status is a snapshot for status reporting.
type Status struct {
	Mode     string         `json:"mode"`
	Queued   int            `json:"queued"`
	Active   int            `json:"active"`
	Capacity int            `json:"capacity"`
	Chats    []ChatStatus   `json:"chats"`
	Sessions []session.Info `json:"sessions"`
}

// Status returns queue depths and live sessions.
func (d *Dispatcher) Status() Status {
	d.mu.Lock()
	st := Status{
		Mode:     d.mode.String(),
		Queued:   d.queued,
		Capacity: d.registry.Capacity(),
		Chats:    make([]ChatStatus, 0, len(d.chats)),
	}
	for id, q := range d.chats {
		st.Chats = append(st.Chats, ChatStatus{ChatID: id, Depth: len(q.backlog), Active: q.active})
	}
	d.mu.Unlock()

	slices.SortFunc(st.Chats, func(a, b ChatStatus) int { return cmp.Compare(a.ChatID, b.ChatID) })
	st.Sessions = d.registry.List()
	st.Active = len(st.Sessions)
	return st
}

// Shutdown stops admitting, then waits for running sessions until ctx is
// done, at which point their contexts are cancelled. Queued messages that
// were never admitted are dropped and returned.
func (d *Dispatcher) Shutdown(ctx context.Context) []domain.InboundMessage {
	d.mu.Lock()
	d.closed = true
	var dropped []domain.InboundMessage
	for id, q := range d.chats {
		for _, item := range q.backlog {
			dropped = append(dropped, item.msg)
		}
		q.backlog = nil
		d.queued = 0
		if q.idle() {
			delete(d.chats, id)
		}
	}
	d.metrics.Dispatch(0, d.registry.Active())
	d.mu.Unlock()

	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-ctx.Done():
		d.log.Warn().Msg("shutdown deadline reached, cancelling running sessions")
		d.cancel()
		<-done
	}
	d.cancel()
	d.log.Info().Int("dropped", len(dropped)).Msg("dispatcher stopped")
	return dropped
}
