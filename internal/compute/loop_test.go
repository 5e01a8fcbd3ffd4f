package compute

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/golang/geo/r2"

	"github.com/signalsfoundry/trajectory-optimizer/internal/convex"
	"github.com/signalsfoundry/trajectory-optimizer/internal/scvx"
	"github.com/signalsfoundry/trajectory-optimizer/kb"
	"github.com/signalsfoundry/trajectory-optimizer/model"
)

func newModel(t *testing.T) *kb.ConstraintModel {
	t.Helper()
	store := kb.NewConstraintModel()
	if err := store.SetHorizonLength(8); err != nil {
		t.Fatalf("SetHorizonLength error: %v", err)
	}
	if err := store.SetFinalPosition(r2.Point{X: 200, Y: 50}); err != nil {
		t.Fatalf("SetFinalPosition error: %v", err)
	}
	return store
}

func newSolver(t *testing.T, opts ...scvx.Option) *scvx.Solver {
	t.Helper()
	s, err := scvx.NewSolver(scvx.DefaultParams(), opts...)
	if err != nil {
		t.Fatalf("NewSolver error: %v", err)
	}
	return s
}

type alwaysInfeasible struct{}

func (alwaysInfeasible) Solve(context.Context, *convex.Problem) (convex.Solution, error) {
	return convex.Solution{}, convex.ErrInfeasible
}

type eventLog struct {
	mu     sync.Mutex
	events []Event
}

func (e *eventLog) add(ev Event) {
	e.mu.Lock()
	e.events = append(e.events, ev)
	e.mu.Unlock()
}

func (e *eventLog) types() []EventType {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]EventType, len(e.events))
	for i, ev := range e.events {
		out[i] = ev.Type
	}
	return out
}

type recorderFunc func(SolveRecord)

func (f recorderFunc) RecordSolve(_ context.Context, r SolveRecord) error { f(r); return nil }

func TestRunOncePublishesConvergedTrajectory(t *testing.T) {
	store := newModel(t)
	pub := NewPublisher()
	var log eventLog
	defer pub.Subscribe(log.add)()

	var recs []SolveRecord
	loop := NewLoop(store, newSolver(t), pub, WithRecorder(recorderFunc(func(r SolveRecord) { recs = append(recs, r) })))
	res, err := loop.RunOnce(context.Background())
	if err != nil {
		t.Fatalf("RunOnce error: %v", err)
	}
	if res.Status != scvx.StatusConverged {
		t.Fatalf("status=%v (%s), want converged", res.Status, res.Message)
	}
	tr, ok := pub.Latest()
	if !ok || tr.Len() != 8 {
		t.Fatalf("Latest()=%v,%v, want 8 states", tr.Len(), ok)
	}
	if got := log.types(); len(got) != 1 || got[0] != EventTrajectoryUpdated {
		t.Fatalf("events=%v, want [trajectory_updated]", got)
	}
	if len(recs) != 1 || recs[0].Status != "converged" || recs[0].CycleID == "" {
		t.Fatalf("records=%+v", recs)
	}
}

func TestFailedSolveKeepsPreviousTrajectory(t *testing.T) {
	store := newModel(t)
	pub := NewPublisher()
	good := NewLoop(store, newSolver(t), pub)
	if _, err := good.RunOnce(context.Background()); err != nil {
		t.Fatalf("RunOnce error: %v", err)
	}
	before := pub.LatestPublication()

	var log eventLog
	defer pub.Subscribe(log.add)()
	bad := NewLoop(store, newSolver(t, scvx.WithConvexSolver(alwaysInfeasible{})), pub)
	for i := 0; i < 2; i++ {
		res, err := bad.RunOnce(context.Background())
		if err != nil {
			t.Fatalf("RunOnce error: %v", err)
		}
		if res.Status != scvx.StatusFailed {
			t.Fatalf("status=%v, want failed", res.Status)
		}
	}
	if pub.LatestPublication() != before {
		t.Fatalf("failed solve replaced the published trajectory")
	}
	// Path status fires once on the change to red.
	want := []EventType{EventSolveFailed, EventPathStatus, EventSolveFailed}
	got := log.types()
	if len(got) != len(want) {
		t.Fatalf("events=%v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("events=%v, want %v", got, want)
		}
	}
	if !pub.PathRed() {
		t.Fatalf("path should be red after a failed solve")
	}
	if _, err := good.RunOnce(context.Background()); err != nil {
		t.Fatalf("RunOnce error: %v", err)
	}
	if pub.PathRed() {
		t.Fatalf("path should be green after a converged solve")
	}
}

func TestStartIsNotReentrant(t *testing.T) {
	loop := NewLoop(newModel(t), newSolver(t), NewPublisher(), WithInterval(time.Millisecond))
	ctx := context.Background()
	if err := loop.Start(ctx); err != nil {
		t.Fatalf("Start error: %v", err)
	}
	if err := loop.Start(ctx); !errors.Is(err, ErrAlreadyRunning) {
		t.Fatalf("second Start err=%v, want ErrAlreadyRunning", err)
	}
	loop.Stop()
	if loop.Running() {
		t.Fatalf("loop still running after Stop")
	}
	loop.Stop()
	if err := loop.Start(ctx); err != nil {
		t.Fatalf("restart error: %v", err)
	}
	loop.Stop()
}

func TestStopHaltsPublication(t *testing.T) {
	pub := NewPublisher()
	var updates atomic.Int64
	first := make(chan struct{})
	var once sync.Once
	defer pub.Subscribe(func(ev Event) {
		if ev.Type == EventTrajectoryUpdated {
			updates.Add(1)
			once.Do(func() { close(first) })
		}
	})()

	loop := NewLoop(newModel(t), newSolver(t), pub, WithInterval(time.Millisecond))
	if err := loop.Start(context.Background()); err != nil {
		t.Fatalf("Start error: %v", err)
	}
	select {
	case <-first:
	case <-time.After(30 * time.Second):
		t.Fatalf("no trajectory published")
	}
	loop.Stop()
	n := updates.Load()
	time.Sleep(20 * time.Millisecond)
	if got := updates.Load(); got != n {
		t.Fatalf("published %d trajectories after Stop", got-n)
	}
}

func TestParentContextCancelStopsLoop(t *testing.T) {
	loop := NewLoop(newModel(t), newSolver(t), NewPublisher(), WithInterval(time.Millisecond))
	ctx, cancel := context.WithCancel(context.Background())
	if err := loop.Start(ctx); err != nil {
		t.Fatalf("Start error: %v", err)
	}
	cancel()
	deadline := time.Now().Add(30 * time.Second)
	for loop.Running() {
		if time.Now().After(deadline) {
			t.Fatalf("loop did not exit after parent cancel")
		}
		time.Sleep(time.Millisecond)
	}
}

// checkingSource fails the test if any snapshot mixes edits.
type checkingSource struct {
	store *kb.ConstraintModel
	torn  atomic.Int64
	seen  atomic.Int64
}

func (c *checkingSource) Snapshot() kb.Snapshot {
	s := c.store.Snapshot()
	c.seen.Add(1)
	if len(s.Points) != len(s.Waypoints.Points) {
		c.torn.Add(1)
	}
	return s
}

func TestConcurrentEditsDuringSolve(t *testing.T) {
	store := newModel(t)
	src := &checkingSource{store: store}
	loop := NewLoop(src, newSolver(t), NewPublisher(), WithInterval(time.Millisecond))
	if err := loop.Start(context.Background()); err != nil {
		t.Fatalf("Start error: %v", err)
	}

	var wg sync.WaitGroup
	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			p := r2.Point{X: float64(1000 + 10*i), Y: 1000}
			err := store.Apply(func(tx *kb.Tx) error {
				if _, err := tx.Add(model.Point{Pos: p}); err != nil {
					return err
				}
				_, err := tx.AddWaypoint(p)
				return err
			})
			if err != nil {
				t.Errorf("Apply error: %v", err)
			}
		}(i)
	}
	wg.Wait()
	deadline := time.Now().Add(30 * time.Second)
	for src.seen.Load() < 2 && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	loop.Stop()

	if n := src.torn.Load(); n != 0 {
		t.Fatalf("%d torn snapshots", n)
	}
	if src.seen.Load() == 0 {
		t.Fatalf("loop never took a snapshot")
	}
	if got := len(store.Snapshot().Points); got != 100 {
		t.Fatalf("points=%d, want 100", got)
	}
}

func TestPublisherLatestIsIndependentCopy(t *testing.T) {
	pub := NewPublisher()
	if _, ok := pub.Latest(); ok {
		t.Fatalf("empty publisher reported a trajectory")
	}
	tr := scvx.Trajectory{Dt: 1, States: make([]scvx.State, 3)}
	pub.Publish(Publication{Trajectory: tr})
	tr.States[0].R.X = 42
	got, _ := pub.Latest()
	if got.States[0].R.X != 0 {
		t.Fatalf("publisher aliased caller's slice")
	}
}

func TestPublisherLatestDoesNotShareBetweenReaders(t *testing.T) {
	pub := NewPublisher()
	pub.Publish(Publication{Trajectory: scvx.Trajectory{Dt: 1, States: make([]scvx.State, 3)}})

	first, _ := pub.Latest()
	first.States[1].R.Y = 7
	second, _ := pub.Latest()
	if second.States[1].R.Y != 0 {
		t.Fatalf("a reader's edit reached the next reader")
	}
	if stored := pub.LatestPublication().Trajectory.States[1].R.Y; stored != 0 {
		t.Fatalf("a reader's edit reached the stored publication: %v", stored)
	}
}
