// Package expiry purges expired session joins without polling.
//
// The Scheduler learns expiration times from engine events, keeps a single
// timer for the earliest one and asks the engine to purge when it fires.
package expiry

import (
	"context"
	"slices"
	"sync"
	"time"

	"playmatch/matchmaker/internal/matchmaking"
	"playmatch/matchmaker/internal/store"

	"github.com/benbjohnson/clock"
	"go.uber.org/zap"
)

// Engine is the part of the matchmaking engine the scheduler drives.
type Engine interface {
	ClearExpiredJoins(ctx context.Context) error
	AllSessions(ctx context.Context) ([]store.Session, error)
	Subscribe(fn matchmaking.Listener) func()
}

// Scheduler keeps at most one timer, set for the earliest known expiration.
type Scheduler struct {
	engine       Engine
	clock        clock.Clock
	logger       *zap.Logger
	errorHandler func(error)
	retryDelay   time.Duration

	ctx         context.Context
	cancel      context.CancelFunc
	unsubscribe func()
	wg          sync.WaitGroup

	mu          sync.Mutex
	expirations []time.Time // sorted, unique
	timer       *clock.Timer
	deadline    time.Time
	generation  uint64
	purging     bool
	closed      bool
	retryAt     time.Time // no purge before this after a failed one
}

// Option configures a Scheduler.
type Option func(*Scheduler)

// WithClock sets the clock. It must be the clock the engine uses.
func WithClock(c clock.Clock) Option {
	return func(s *Scheduler) { s.clock = c }
}

func WithLogger(l *zap.Logger) Option {
	return func(s *Scheduler) { s.logger = l }
}

// WithErrorHandler sets a function called with every failed purge.
func WithErrorHandler(fn func(error)) Option {
	return func(s *Scheduler) { s.errorHandler = fn }
}

// WithRetryDelay sets how long a failed purge waits before it is retried.
func WithRetryDelay(d time.Duration) Option {
	return func(s *Scheduler) { s.retryDelay = d }
}

// New returns a scheduler subscribed to engine events. Call Start to load the
// expirations of sessions that already exist and Close to stop it.
func New(engine Engine, opts ...Option) *Scheduler {
	ctx, cancel := context.WithCancel(context.Background())
	s := &Scheduler{
		engine: engine,
		clock:  clock.New(),
		logger:     zap.NewNop(),
		retryDelay: 5 * time.Second,
		ctx:        ctx,
		cancel:     cancel,
	}
	for _, opt := range opts {
		opt(s)
	}
	s.unsubscribe = engine.Subscribe(s.handle)
	return s
}

// Start seeds the scheduler with the expirations of all stored sessions and
// purges whatever already expired.
func (s *Scheduler) Start(ctx context.Context) error {
	sessions, err := s.engine.AllSessions(ctx)
	if err != nil {
		return err
	}
	s.add(sessions)
	s.reschedule()
	return nil
}

// Close stops the timer and waits for a running purge to return.
func (s *Scheduler) Close() error {
	s.unsubscribe()

	s.mu.Lock()
	s.closed = true
	s.stopTimerLocked()
	s.mu.Unlock()

	s.cancel()
	s.wg.Wait()
	return nil
}

// Next returns the time the pending timer fires at, if any.
func (s *Scheduler) Next() (time.Time, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.deadline, s.timer != nil
}

func (s *Scheduler) handle(ev matchmaking.Event) {
	if len(ev.Sessions) == 0 {
		return
	}
	s.add(ev.Sessions)
	s.reschedule()
}

func (s *Scheduler) add(sessions []store.Session) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, session := range sessions {
		for _, expireAt := range session.Participants {
			i, found := slices.BinarySearchFunc(s.expirations, expireAt, time.Time.Compare)
			if !found {
				s.expirations = slices.Insert(s.expirations, i, expireAt)
			}
		}
	}
}

// reschedule makes the timer match the earliest expiration, or starts a
// purge when that expiration already passed.
func (s *Scheduler) reschedule() {
	s.mu.Lock()
	defer s.mu.Unlock()

	// A running purge reschedules when it is done.
	if s.closed || s.purging {
		return
	}
	if len(s.expirations) == 0 {
		s.stopTimerLocked()
		return
	}

	earliest := s.expirations[0]
	if earliest.Before(s.retryAt) {
		earliest = s.retryAt
	}
	now := s.clock.Now()
	if !earliest.After(now) {
		s.stopTimerLocked()
		s.beginPurgeLocked()
		go s.purge()
		return
	}
	if s.timer != nil && !earliest.Before(s.deadline) {
		return
	}

	s.stopTimerLocked()
	s.generation++
	gen := s.generation
	s.deadline = earliest
	s.timer = s.clock.AfterFunc(earliest.Sub(now), func() { s.fire(gen) })
	s.logger.Debug("expiration timer set", zap.Time("deadline", earliest))
}

// fire runs when a timer elapses. A timer replaced or stopped after it
// elapsed but before fire took the lock carries an old generation and is
// ignored.
func (s *Scheduler) fire(gen uint64) {
	s.mu.Lock()
	if s.closed || gen != s.generation || s.purging {
		s.mu.Unlock()
		return
	}
	s.timer = nil
	s.deadline = time.Time{}
	s.beginPurgeLocked()
	s.mu.Unlock()

	s.purge()
}

func (s *Scheduler) beginPurgeLocked() {
	s.purging = true
	s.wg.Add(1)
}

func (s *Scheduler) purge() {
	defer s.wg.Done()

	// Everything at or before now is gone once the engine purged, since the
	// engine reads its clock after this point.
	now := s.clock.Now()
	err := s.engine.ClearExpiredJoins(s.ctx)
	if err != nil && s.ctx.Err() == nil {
		s.logger.Error("clear expired joins", zap.Error(err), zap.Duration("retry_in", s.retryDelay))
		if s.errorHandler != nil {
			s.errorHandler(err)
		}
	}

	s.mu.Lock()
	if err != nil {
		// The expired joins are still stored; keep them for the retry.
		s.retryAt = now.Add(s.retryDelay)
	} else {
		s.retryAt = time.Time{}
		i, found := slices.BinarySearchFunc(s.expirations, now, time.Time.Compare)
		if found {
			i++
		}
		s.expirations = slices.Delete(s.expirations, 0, i)
	}
	s.purging = false
	s.mu.Unlock()

	s.reschedule()
}

func (s *Scheduler) stopTimerLocked() {
	if s.timer == nil {
		return
	}
	s.timer.Stop()
	s.timer = nil
	s.deadline = time.Time{}
	s.generation++
}
