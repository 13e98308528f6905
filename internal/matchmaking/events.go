package matchmaking

import (
	"sync"

	"playmatch/matchmaker/internal/store"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// EventKind distinguishes the two notifications the engine emits.
type EventKind int

const (
	// SessionAdded: Sessions were just created.
	SessionAdded EventKind = iota + 1
	// SessionChanged: Sessions were updated and the sessions in Stopped were removed.
	SessionChanged
)

func (k EventKind) String() string {
	switch k {
	case SessionAdded:
		return "session_added"
	case SessionChanged:
		return "session_changed"
	default:
		return "unknown"
	}
}

// Stopped describes a removed session.
type Stopped struct {
	Tenant string     `json:"tenant"`
	Reason StopReason `json:"reason"`
}

// Event is delivered to listeners after every state change.
type Event struct {
	Kind     EventKind
	Sessions []store.Session
	Stopped  map[uuid.UUID]Stopped
}

// Listener receives engine events. Listeners run while the engine lock is
// held and must not call back into the engine synchronously.
type Listener func(Event)

type listeners struct {
	mu     sync.RWMutex
	nextID int
	byID   map[int]Listener
	order  []int
}

func (l *listeners) add(fn Listener) func() {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.byID == nil {
		l.byID = make(map[int]Listener)
	}
	id := l.nextID
	l.nextID++
	l.byID[id] = fn
	l.order = append(l.order, id)

	var once sync.Once
	return func() {
		once.Do(func() {
			l.mu.Lock()
			defer l.mu.Unlock()
			delete(l.byID, id)
			for i, v := range l.order {
				if v == id {
					l.order = append(l.order[:i], l.order[i+1:]...)
					break
				}
			}
		})
	}
}

func (l *listeners) emit(logger *zap.Logger, ev Event) {
	l.mu.RLock()
	fns := make([]Listener, 0, len(l.order))
	for _, id := range l.order {
		fns = append(fns, l.byID[id])
	}
	l.mu.RUnlock()

	for _, fn := range fns {
		func() {
			defer func() {
				if r := recover(); r != nil {
					logger.Error("session listener panicked", zap.Any("panic", r), zap.Stringer("event", ev.Kind))
				}
			}()
			fn(ev)
		}()
	}
}

// changeSet accumulates everything one engine call did so it can be
// reported as a single pair of events.
type changeSet struct {
	added   []store.Session
	order   []uuid.UUID
	updated map[uuid.UUID]store.Session
	stopped map[uuid.UUID]Stopped
}

func newChangeSet() *changeSet {
	return &changeSet{
		updated: make(map[uuid.UUID]store.Session),
		stopped: make(map[uuid.UUID]Stopped),
	}
}

func (c *changeSet) add(sessions ...store.Session) {
	c.added = append(c.added, sessions...)
}

// update records the latest snapshot of each session.
func (c *changeSet) update(sessions ...store.Session) {
	for _, s := range sessions {
		if _, ok := c.updated[s.ID]; !ok {
			c.order = append(c.order, s.ID)
		}
		c.updated[s.ID] = s
	}
}

// stop records removals, keeping the most significant reason per session.
func (c *changeSet) stop(removed []store.Removed, reason func(uuid.UUID) StopReason) {
	for _, r := range removed {
		prev := c.stopped[r.ID]
		c.stopped[r.ID] = Stopped{Tenant: r.Tenant, Reason: prev.Reason.Merge(reason(r.ID))}
	}
}

func (c *changeSet) apply(changes store.Changes, reason StopReason) {
	c.update(changes.Updated...)
	c.stop(changes.Removed, func(uuid.UUID) StopReason { return reason })
}

func (c *changeSet) events() []Event {
	var events []Event

	// A session created and removed within the same call is only reported
	// as stopped.
	var added []store.Session
	for _, s := range c.added {
		if _, ok := c.stopped[s.ID]; !ok {
			added = append(added, s)
		}
	}
	if len(added) > 0 {
		events = append(events, Event{Kind: SessionAdded, Sessions: added})
	}

	var updated []store.Session
	for _, id := range c.order {
		if _, ok := c.stopped[id]; ok {
			continue
		}
		updated = append(updated, c.updated[id])
	}
	if len(updated) > 0 || len(c.stopped) > 0 {
		stopped := make(map[uuid.UUID]Stopped, len(c.stopped))
		for id, s := range c.stopped {
			stopped[id] = s
		}
		events = append(events, Event{Kind: SessionChanged, Sessions: updated, Stopped: stopped})
	}
	return events
}

// report converts the set into the value returned by leave operations.
func (c *changeSet) report() Changes {
	var out Changes
	for _, ev := range c.events() {
		if ev.Kind == SessionChanged {
			out.Updated = ev.Sessions
			out.Stopped = ev.Stopped
		}
	}
	if out.Stopped == nil {
		out.Stopped = map[uuid.UUID]Stopped{}
	}
	return out
}

// Changes is returned by leave and stop operations.
type Changes struct {
	Updated []store.Session
	Stopped map[uuid.UUID]Stopped
}
