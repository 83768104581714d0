package session

import (
	"context"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/soyeahso/switchboard/internal/domain"
	"github.com/soyeahso/switchboard/internal/logging"
	"golang.org/x/sync/semaphore"
)

// Config sizes the registry.
type Config struct {
	MaxSessions    int
	Timeout        time.Duration
	ReaperInterval time.Duration
}

// Option customizes a Registry.
type Option func(*Registry)

// WithClock replaces time.Now, for tests.
func WithClock(now func() time.Time) Option {
	return func(r *Registry) { r.now = now }
}

// Registry tracks live sessions and enforces the global cap. The cap is a
// counting semaphore that is only ever decremented by a successful
// Acquire and incremented by the single terminal transition of a session.
type Registry struct {
	mu        sync.Mutex
	sessions  map[string]*Session
	sem       *semaphore.Weighted
	capacity  int
	timeout   time.Duration
	interval  time.Duration
	now       func() time.Time
	onRelease []func(*Session)
	log       *logging.Logger
}

// NewRegistry creates a session registry.
func NewRegistry(cfg Config, log *logging.Logger, opts ...Option) *Registry {
	if cfg.MaxSessions < 1 {
		cfg.MaxSessions = 1
	}
	if cfg.ReaperInterval <= 0 {
		cfg.ReaperInterval = 30 * time.Second
	}
	r := &Registry{
		sessions: make(map[string]*Session),
		sem:      semaphore.NewWeighted(int64(cfg.MaxSessions)),
		capacity: cfg.MaxSessions,
		timeout:  cfg.Timeout,
		interval: cfg.ReaperInterval,
		now:      time.Now,
		log:      log.Sub("sessions"),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// OnRelease registers fn to run after any session ends, whether by
// Release or by the reaper. Callbacks run without the registry lock held.
// Register callbacks before the first Acquire.
func (r *Registry) OnRelease(fn func(*Session)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.onRelease = append(r.onRelease, fn)
}

// Acquire creates a Queued session for chatID, or returns
// domain.ErrAdmissionRejected when every slot is taken. The session
// context derives from parent.
func (r *Registry) Acquire(parent context.Context, chatID domain.ChatID) (*Session, error) {
	if !r.sem.TryAcquire(1) {
		return nil, domain.ErrAdmissionRejected
	}

	ctx, cancel := context.WithCancelCause(parent)
	s := &Session{
		ID:        uuid.NewString(),
		ChatID:    chatID,
		CreatedAt: r.now(),
		ctx:       ctx,
		cancel:    cancel,
		now:       r.now,
	}
	s.state.Store(int32(Queued))
	s.Touch()

	r.mu.Lock()
	r.sessions[s.ID] = s
	r.mu.Unlock()

	r.log.Debug().Str("sessionId", s.ID).Str("chatId", string(chatID)).Msg("session acquired")
	return s, nil
}

// Release ends a session with outcome (Completed or Failed) and frees its
// slot. It returns false when the session had already ended, which is how
// a worker learns its result arrived after a timeout and must be dropped.
func (r *Registry) Release(id string, outcome State) bool {
	return r.Finish(id, outcome, nil)
}

// Finish is Release with a commit step. Once the terminal transition is
// won, commit runs with the slot still held, so nothing admitted after
// the release can observe the chat before commit's effects. The reaper
// cannot time the session out while commit runs.
func (r *Registry) Finish(id string, outcome State, commit func()) bool {
	if outcome != Completed && outcome != Failed {
		panic(fmt.Sprintf("session: invalid release outcome %s", outcome))
	}

	r.mu.Lock()
	s, ok := r.sessions[id]
	if !ok || !s.finish(outcome) {
		r.mu.Unlock()
		return false
	}
	r.mu.Unlock()

	if commit != nil {
		commit()
	}

	r.mu.Lock()
	delete(r.sessions, id)
	callbacks := r.onRelease
	r.mu.Unlock()

	r.sem.Release(1)
	s.cancel(nil)
	r.log.Debug().
		Str("sessionId", id).
		Str("chatId", string(s.ChatID)).
		Str("outcome", outcome.String()).
		Dur("duration", r.now().Sub(s.CreatedAt)).
		Msg("session released")
	for _, fn := range callbacks {
		fn(s)
	}
	return true
}

// Reap forces every session idle for longer than the timeout into
// TimedOut, cancels its context and frees its slot. It returns the
// reaped sessions.
func (r *Registry) Reap() []*Session {
	if r.timeout <= 0 {
		return nil
	}
	now := r.now()

	r.mu.Lock()
	var reaped []*Session
	for id, s := range r.sessions {
		if now.Sub(s.LastActivity()) <= r.timeout {
			continue
		}
		if s.finish(TimedOut) {
			delete(r.sessions, id)
			reaped = append(reaped, s)
		}
	}
	callbacks := r.onRelease
	r.mu.Unlock()

	for _, s := range reaped {
		r.sem.Release(1)
		s.cancel(domain.ErrSessionTimeout)
		r.log.Warn().
			Str("sessionId", s.ID).
			Str("chatId", string(s.ChatID)).
			Dur("idle", now.Sub(s.LastActivity())).
			Msg("session timed out")
		for _, fn := range callbacks {
			fn(s)
		}
	}
	return reaped
}

// Run reaps on every interval until ctx is done.
func (r *Registry) Run(ctx context.Context) {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.Reap()
		}
	}
}

// Get returns a live session by id.
func (r *Registry) Get(id string) (*Session, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[id]
	return s, ok
}

// Active returns the number of live sessions, i.e. occupied slots.
func (r *Registry) Active() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sessions)
}

// Running returns the number of sessions currently doing work.
func (r *Registry) Running() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, s := range r.sessions {
		if st := s.State(); st == Running || st == AwaitingTool {
			n++
		}
	}
	return n
}

// Capacity returns the configured maximum number of sessions.
func (r *Registry) Capacity() int { return r.capacity }

// Timeout returns the idle timeout.
func (r *Registry) Timeout() time.Duration { return r.timeout }

// List returns a snapshot of live sessions, oldest first.
func (r *Registry) List() []Info {
	r.mu.Lock()
	infos := make([]Info, 0, len(r.sessions))
	for _, s := range r.sessions {
		infos = append(infos, s.info())
	}
	r.mu.Unlock()

	slices.SortFunc(infos, func(a, b Info) int { return a.CreatedAt.Compare(b.CreatedAt) })
	return infos
}
