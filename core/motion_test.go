package core

import (
	"math"
	"testing"

	"github.com/golang/geo/r3"
)

func TestStaticMotionModel_NoChange(t *testing.T) {
	c := r3.Vector{Y: 1, Z: 2}
	m := NewMotionModel(c, OrbitConfig{})
	if !m.Static() {
		t.Fatalf("zero orbit should be static, got %T", m)
	}
	if got := m.CenterAt(5); got != c {
		t.Fatalf("static centre moved to %v", got)
	}
	if got := Sample(m, 10, 0.1); len(got) != 1 || got[0] != c {
		t.Fatalf("Sample(static)=%v, want single centre", got)
	}
}

func TestOrbitMotionModel(t *testing.T) {
	c := r3.Vector{Y: 1, Z: 1}
	m := NewMotionModel(c, OrbitConfig{Radius: 0.5, Phase: math.Pi / 2, Speed: 1})
	if m.Static() {
		t.Fatalf("orbit model reported static")
	}
	start := m.CenterAt(0)
	if d := start.Sub(r3.Vector{Y: 1, Z: 1.5}).Norm(); d > 1e-12 {
		t.Fatalf("start=%v, want phase 90deg at (1, 1.5)", start)
	}
	samples := Sample(m, 20, 0.1)
	if len(samples) != 20 {
		t.Fatalf("len(samples)=%d, want 20", len(samples))
	}
	for i, s := range samples {
		if r := s.Sub(c).Norm(); math.Abs(r-0.5) > 1e-12 {
			t.Fatalf("sample %d at radius %v, want 0.5", i, r)
		}
		if s.X != 0 {
			t.Fatalf("sample %d left the horizontal plane: %v", i, s)
		}
	}
	// Arc length travelled over 1s at 1 m/s on r=0.5 is 2 rad.
	if d := samples[10].Sub(m.CenterAt(1)).Norm(); d > 1e-12 {
		t.Fatalf("sample 10 != CenterAt(1)")
	}
}
