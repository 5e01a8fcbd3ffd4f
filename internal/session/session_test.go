package session

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/golang/geo/r2"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/signalsfoundry/trajectory-optimizer/internal/compute"
	"github.com/signalsfoundry/trajectory-optimizer/internal/config"
	"github.com/signalsfoundry/trajectory-optimizer/internal/persist"
	"github.com/signalsfoundry/trajectory-optimizer/internal/rpc"
	"github.com/signalsfoundry/trajectory-optimizer/kb"
	"github.com/signalsfoundry/trajectory-optimizer/model"
)

func testConfig(t *testing.T) config.Config {
	t.Helper()
	cfg := config.Default()
	cfg.Solver.HorizonLength = 8
	cfg.Loop.Interval = time.Millisecond
	cfg.Telemetry.Enable = false
	cfg.History.Path = filepath.Join(t.TempDir(), "history.db")
	return cfg
}

func newSession(t *testing.T, cfg config.Config) *Session {
	t.Helper()
	s, err := New(cfg, WithRegisterer(prometheus.NewRegistry()))
	if err != nil {
		t.Fatalf("New error: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestNewAppliesConfiguredHorizon(t *testing.T) {
	s := newSession(t, testConfig(t))
	if got := s.Model.Snapshot().HorizonLength; got != 8 {
		t.Fatalf("HorizonLength=%d want 8", got)
	}
}

func TestNewRejectsInvalidConfig(t *testing.T) {
	cfg := testConfig(t)
	cfg.Canvas.Scale = 0
	if _, err := New(cfg, WithRegisterer(prometheus.NewRegistry())); err == nil {
		t.Fatalf("expected validation error")
	}
}

func TestStartSolvesAndRecordsHistory(t *testing.T) {
	s := newSession(t, testConfig(t))
	if err := s.Model.SetFinalPosition(r2.Point{X: 200, Y: 50}); err != nil {
		t.Fatalf("SetFinalPosition error: %v", err)
	}

	published := make(chan struct{}, 1)
	defer s.Publisher.Subscribe(func(ev compute.Event) {
		if ev.Type == compute.EventTrajectoryUpdated {
			select {
			case published <- struct{}{}:
			default:
			}
		}
	})()

	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("Start error: %v", err)
	}
	if err := s.Start(context.Background()); !errors.Is(err, compute.ErrAlreadyRunning) {
		t.Fatalf("second Start err=%v want ErrAlreadyRunning", err)
	}
	select {
	case <-published:
	case <-time.After(30 * time.Second):
		t.Fatalf("no trajectory published")
	}
	s.Loop.Stop()

	recs, err := s.RecentSolves(context.Background(), 10)
	if err != nil {
		t.Fatalf("Recent error: %v", err)
	}
	if len(recs) == 0 {
		t.Fatalf("no solve recorded")
	}
}

func TestResetClearsEntitiesKeepsHorizon(t *testing.T) {
	s := newSession(t, testConfig(t))
	if _, err := s.Model.AddEllipse(model.Ellipse{Center: r2.Point{X: 10, Y: 10}, Radius: 5}); err != nil {
		t.Fatalf("AddEllipse error: %v", err)
	}
	if err := s.Reset(); err != nil {
		t.Fatalf("Reset error: %v", err)
	}
	snap := s.Model.Snapshot()
	if len(snap.Ellipses) != 0 {
		t.Fatalf("ellipses=%d after reset", len(snap.Ellipses))
	}
	if snap.HorizonLength != 8 {
		t.Fatalf("HorizonLength=%d want 8", snap.HorizonLength)
	}
}

func TestResetIsOneTransaction(t *testing.T) {
	s := newSession(t, testConfig(t))
	if _, err := s.Model.AddEllipse(model.Ellipse{Center: r2.Point{X: 10, Y: 10}, Radius: 5}); err != nil {
		t.Fatalf("AddEllipse error: %v", err)
	}
	before := s.Model.Revision()

	var seen []kb.Snapshot
	defer s.Model.Subscribe(func(kb.Event) { seen = append(seen, s.Model.Snapshot()) })()
	if err := s.Reset(); err != nil {
		t.Fatalf("Reset error: %v", err)
	}
	if got := s.Model.Revision(); got != before+1 {
		t.Fatalf("revision %d -> %d, want one commit", before, got)
	}
	for _, snap := range seen {
		if snap.HorizonLength != 8 {
			t.Fatalf("observer saw horizon %d mid-reset", snap.HorizonLength)
		}
	}
}

func TestResetRewindsSimClock(t *testing.T) {
	cfg := testConfig(t)
	cfg.Sim.Enable = true
	s := newSession(t, cfg)
	s.clock.SetTime(s.clock.StartTime.Add(time.Minute))
	if err := s.Reset(); err != nil {
		t.Fatalf("Reset error: %v", err)
	}
	if got := s.clock.Elapsed(); got != 0 {
		t.Fatalf("sim elapsed %v after reset, want 0", got)
	}
}

func TestStatusAndRemoveShape(t *testing.T) {
	s := newSession(t, testConfig(t))
	h, err := s.Model.AddPolygon(model.Polygon{Vertices: []r2.Point{{X: 0, Y: 0}, {X: 10, Y: 0}, {X: 10, Y: 10}, {X: 0, Y: 10}}})
	if err != nil {
		t.Fatalf("AddPolygon error: %v", err)
	}
	if err := s.Model.SetFinalPosition(r2.Point{X: 5, Y: 5}); err != nil {
		t.Fatalf("SetFinalPosition error: %v", err)
	}

	st, err := s.Status(context.Background())
	if err != nil {
		t.Fatalf("Status error: %v", err)
	}
	if st.GoalFeasible {
		t.Fatalf("goal inside keep-out polygon reported feasible")
	}
	if st.Revision != s.Model.Revision() || st.Latest != nil || st.History == nil || st.History.Total != 0 {
		t.Fatalf("status=%+v", st)
	}

	if err := s.RemoveShape(h); err != nil {
		t.Fatalf("RemoveShape error: %v", err)
	}
	if err := s.RemoveShape(h); !errors.Is(err, kb.ErrNotFound) {
		t.Fatalf("second RemoveShape err=%v want ErrNotFound", err)
	}
	if st, _ = s.Status(context.Background()); !st.GoalFeasible {
		t.Fatalf("goal still blocked after removing the polygon")
	}
}

func TestRecentSolvesWithoutHistory(t *testing.T) {
	cfg := testConfig(t)
	cfg.History.Path = ""
	s := newSession(t, cfg)
	if _, err := s.RecentSolves(context.Background(), 5); !errors.Is(err, rpc.ErrHistoryDisabled) {
		t.Fatalf("err=%v want ErrHistoryDisabled", err)
	}
	st, err := s.Status(context.Background())
	if err != nil || st.History != nil {
		t.Fatalf("status=%+v err=%v", st, err)
	}
}

func TestSaveAndLoadFile(t *testing.T) {
	src := newSession(t, testConfig(t))
	if _, err := src.Model.AddEllipse(model.Ellipse{Center: r2.Point{X: 10, Y: 10}, Radius: 5}); err != nil {
		t.Fatalf("AddEllipse error: %v", err)
	}
	if _, err := src.Model.AddWaypoint(r2.Point{X: 50, Y: 50}); err != nil {
		t.Fatalf("AddWaypoint error: %v", err)
	}
	path := filepath.Join(t.TempDir(), "scene.cst")
	if err := src.SaveFile(path); err != nil {
		t.Fatalf("SaveFile error: %v", err)
	}

	cfg := testConfig(t)
	cfg.Scene = path
	dst := newSession(t, cfg)
	snap := dst.Model.Snapshot()
	if len(snap.Ellipses) != 1 || snap.Ellipses[0].Shape.Radius != 5 {
		t.Fatalf("ellipses=%+v", snap.Ellipses)
	}
	if len(snap.Waypoints.Points) != 1 || snap.HorizonLength != 8 {
		t.Fatalf("waypoints=%v horizon=%d", snap.Waypoints.Points, snap.HorizonLength)
	}
}

func TestLoadCorruptFileLeavesModel(t *testing.T) {
	s := newSession(t, testConfig(t))
	if _, err := s.Model.AddEllipse(model.Ellipse{Center: r2.Point{X: 1, Y: 1}, Radius: 2}); err != nil {
		t.Fatalf("AddEllipse error: %v", err)
	}
	before := s.Model.Revision()

	path := filepath.Join(t.TempDir(), "bad.cst")
	if err := os.WriteFile(path, []byte("CSTX"), 0o600); err != nil {
		t.Fatalf("WriteFile error: %v", err)
	}
	if err := s.LoadFile(path); !errors.Is(err, persist.ErrCorrupt) {
		t.Fatalf("err=%v want ErrCorrupt", err)
	}
	if s.Model.Revision() != before || len(s.Model.Snapshot().Ellipses) != 1 {
		t.Fatalf("model changed by a corrupt load")
	}
}

func TestCloseIsIdempotent(t *testing.T) {
	cfg := testConfig(t)
	cfg.Sim.Enable = true
	s, err := New(cfg, WithRegisterer(prometheus.NewRegistry()))
	if err != nil {
		t.Fatalf("New error: %v", err)
	}
	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("Start error: %v", err)
	}
	if err := s.Close(); err != nil {
		t.Fatalf("Close error: %v", err)
	}
	if err := s.Close(); err != nil {
		t.Fatalf("second Close error: %v", err)
	}
}
