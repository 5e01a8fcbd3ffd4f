package compute

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/signalsfoundry/trajectory-optimizer/internal/scvx"
)

// EventType indicates what a publisher notification is about.
type EventType int

const (
	EventTrajectoryUpdated EventType = iota
	EventSolveFailed
	EventPathStatus
)

func (t EventType) String() string {
	switch t {
	case EventTrajectoryUpdated:
		return "trajectory_updated"
	case EventSolveFailed:
		return "solve_failed"
	case EventPathStatus:
		return "path_status"
	default:
		return "unknown"
	}
}

// Event is delivered to subscribers.
type Event struct {
	Type EventType
	// Publication is set for EventTrajectoryUpdated. It is shared and read-only.
	Publication *Publication
	// Message is set for EventSolveFailed.
	Message string
	// PathRed is set for EventPathStatus: true after a failed solve.
	PathRed bool
}

// Publication is one immutable published solve result.
type Publication struct {
	Trajectory scvx.Trajectory
	// Revision is the model revision the trajectory was solved from.
	Revision   uint64
	Cost       float64
	Iterations int
	At         time.Time
}

// Publisher holds the latest trajectory. A single writer swaps it
// atomically; readers never observe a partial update.
type Publisher struct {
	latest atomic.Pointer[Publication]

	mu      sync.Mutex
	subs    map[int]func(Event)
	nextSub int
	pathRed bool
}

// NewPublisher constructs an empty publisher.
func NewPublisher() *Publisher {
	return &Publisher{subs: make(map[int]func(Event))}
}

// Latest returns a copy of the most recently published trajectory.
func (p *Publisher) Latest() (scvx.Trajectory, bool) {
	pub := p.latest.Load()
	if pub == nil {
		return scvx.Trajectory{}, false
	}
	return pub.Trajectory.Clone(), true
}

// LatestPublication returns the most recent publication, or nil. The
// publication is shared with every other reader and must not be modified.
func (p *Publisher) LatestPublication() *Publication {
	return p.latest.Load()
}

// Publish swaps in pub and notifies subscribers.
func (p *Publisher) Publish(pub Publication) {
	pub.Trajectory = pub.Trajectory.Clone()
	stored := &pub
	p.latest.Store(stored)
	p.notify(Event{Type: EventTrajectoryUpdated, Publication: stored})
}

// Fail reports a failed solve. The latest trajectory is left untouched.
func (p *Publisher) Fail(msg string) {
	p.notify(Event{Type: EventSolveFailed, Message: msg})
}

// SetPathStatus records the path indicator and notifies only on change.
func (p *Publisher) SetPathStatus(red bool) {
	p.mu.Lock()
	if p.pathRed == red {
		p.mu.Unlock()
		return
	}
	p.pathRed = red
	subs := p.subscribersLocked()
	p.mu.Unlock()
	for _, fn := range subs {
		fn(Event{Type: EventPathStatus, PathRed: red})
	}
}

// PathRed reports the current path indicator.
func (p *Publisher) PathRed() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.pathRed
}

// Subscribe registers a callback. It returns an unsubscribe function.
func (p *Publisher) Subscribe(fn func(Event)) (unsubscribe func()) {
	p.mu.Lock()
	defer p.mu.Unlock()
	id := p.nextSub
	p.nextSub++
	p.subs[id] = fn
	return func() {
		p.mu.Lock()
		defer p.mu.Unlock()
		delete(p.subs, id)
	}
}

func (p *Publisher) subscribersLocked() []func(Event) {
	out := make([]func(Event), 0, len(p.subs))
	for _, fn := range p.subs {
		out = append(out, fn)
	}
	return out
}

func (p *Publisher) notify(ev Event) {
	p.mu.Lock()
	subs := p.subscribersLocked()
	p.mu.Unlock()
	for _, fn := range subs {
		fn(ev)
	}
}
