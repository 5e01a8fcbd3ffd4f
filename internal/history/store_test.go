package history

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"github.com/signalsfoundry/trajectory-optimizer/internal/compute"
)

var _ compute.Recorder = (*Store)(nil)

func openStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "history.db"))
	if err != nil {
		t.Fatalf("Open error: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestRecordAndRecent(t *testing.T) {
	s := openStore(t)
	ctx := context.Background()
	at := time.Unix(1700000000, 123)
	recs := []compute.SolveRecord{
		{CycleID: "a", Revision: 1, Status: "converged", Iterations: 4, Cost: 12.5, Duration: 30 * time.Millisecond, At: at},
		{CycleID: "b", Revision: 2, Status: "failed", Iterations: 10, Cost: 99, Duration: time.Second, Message: "subproblem infeasible", At: at.Add(time.Second)},
		{CycleID: "c", Revision: 2, Status: "converged", Iterations: 1, Duration: time.Millisecond, At: at.Add(2 * time.Second)},
	}
	for _, r := range recs {
		if err := s.RecordSolve(ctx, r); err != nil {
			t.Fatalf("RecordSolve error: %v", err)
		}
	}

	got, err := s.Recent(ctx, 2)
	if err != nil {
		t.Fatalf("Recent error: %v", err)
	}
	want := []compute.SolveRecord{recs[2], recs[1]}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Fatalf("Recent mismatch (-want +got):\n%s", diff)
	}

	st, err := s.Stats(ctx)
	if err != nil {
		t.Fatalf("Stats error: %v", err)
	}
	if st.Total != 3 || st.Converged != 2 || st.Failed != 1 || st.MeanIterations != 5 {
		t.Fatalf("stats=%+v", st)
	}
}

func TestStatsEmpty(t *testing.T) {
	st, err := openStore(t).Stats(context.Background())
	if err != nil {
		t.Fatalf("Stats error: %v", err)
	}
	if st != (Stats{}) {
		t.Fatalf("stats=%+v, want zero", st)
	}
}

func TestReopenKeepsHistory(t *testing.T) {
	path := filepath.Join(t.TempDir(), "history.db")
	s, err := Open(path)
	if err != nil {
		t.Fatalf("Open error: %v", err)
	}
	if err := s.RecordSolve(context.Background(), compute.SolveRecord{CycleID: "x", Status: "converged", At: time.Now()}); err != nil {
		t.Fatalf("RecordSolve error: %v", err)
	}
	if err := s.Close(); err != nil {
		t.Fatalf("Close error: %v", err)
	}
	s, err = Open(path)
	if err != nil {
		t.Fatalf("reopen error: %v", err)
	}
	defer s.Close()
	got, err := s.Recent(context.Background(), 10)
	if err != nil || len(got) != 1 || got[0].CycleID != "x" {
		t.Fatalf("Recent=%v err=%v", got, err)
	}
}
