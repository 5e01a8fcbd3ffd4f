package core

import (
	"math"

	"github.com/golang/geo/r3"
)

// MotionModel gives an obstacle centre at a time offset into the horizon.
type MotionModel interface {
	CenterAt(t float64) r3.Vector
	// Static reports whether CenterAt is constant.
	Static() bool
}

// StaticMotionModel leaves the obstacle where it was drawn.
type StaticMotionModel struct {
	Center r3.Vector
}

func (m StaticMotionModel) CenterAt(float64) r3.Vector { return m.Center }
func (m StaticMotionModel) Static() bool               { return true }

// OrbitMotionModel moves the obstacle on a horizontal circle of Radius
// metres around Center, starting at angle Phase and travelling at Speed m/s.
type OrbitMotionModel struct {
	Center r3.Vector
	Radius float64
	Phase  float64
	Speed  float64
}

// CenterAt returns the centre t seconds from now.
func (m OrbitMotionModel) CenterAt(t float64) r3.Vector {
	theta := m.Phase + m.Speed*t/m.Radius
	return m.Center.Add(r3.Vector{Y: m.Radius * math.Cos(theta), Z: m.Radius * math.Sin(theta)})
}

func (m OrbitMotionModel) Static() bool { return false }

// NewMotionModel chooses orbit motion when the orbit radius and speed are
// both non-zero, otherwise static.
func NewMotionModel(center r3.Vector, orbit OrbitConfig) MotionModel {
	if orbit.Radius > 0 && orbit.Speed != 0 {
		return OrbitMotionModel{Center: center, Radius: orbit.Radius, Phase: orbit.Phase, Speed: orbit.Speed}
	}
	return StaticMotionModel{Center: center}
}

// Sample evaluates m at the k time steps 0, dt, 2dt, ... A static model
// yields a single centre.
func Sample(m MotionModel, k int, dt float64) []r3.Vector {
	if m.Static() {
		return []r3.Vector{m.CenterAt(0)}
	}
	out := make([]r3.Vector, k)
	for i := range out {
		out[i] = m.CenterAt(float64(i) * dt)
	}
	return out
}
