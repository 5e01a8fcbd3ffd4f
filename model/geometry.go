package model

import (
	"math"

	"github.com/golang/geo/r2"
)

// SignedArea returns the shoelace area of the closed polygon; positive for
// counter-clockwise winding in a y-up frame.
func SignedArea(vertices []r2.Point) float64 {
	n := len(vertices)
	if n < 3 {
		return 0
	}
	area := 0.0
	for i := 0; i < n; i++ {
		area += vertices[i].Cross(vertices[(i+1)%n])
	}
	return area / 2
}

// Centroid returns the area centroid of the polygon, falling back to the
// vertex mean for degenerate input.
func Centroid(vertices []r2.Point) r2.Point {
	n := len(vertices)
	if n == 0 {
		return r2.Point{}
	}
	a := SignedArea(vertices)
	if n < 3 || math.Abs(a) < 1e-12 {
		var sum r2.Point
		for _, v := range vertices {
			sum = sum.Add(v)
		}
		return sum.Mul(1 / float64(n))
	}
	var cx, cy float64
	for i := 0; i < n; i++ {
		p, q := vertices[i], vertices[(i+1)%n]
		c := p.Cross(q)
		cx += (p.X + q.X) * c
		cy += (p.Y + q.Y) * c
	}
	return r2.Point{X: cx / (6 * a), Y: cy / (6 * a)}
}

// SelfIntersecting reports whether any two non-adjacent edges of the closed
// polygon touch or cross, or whether two consecutive vertices coincide.
func SelfIntersecting(vertices []r2.Point) bool {
	n := len(vertices)
	for i := 0; i < n; i++ {
		if vertices[i] == vertices[(i+1)%n] {
			return true
		}
	}
	for i := 0; i < n; i++ {
		a1, a2 := vertices[i], vertices[(i+1)%n]
		for j := i + 1; j < n; j++ {
			if j == i+1 || (i == 0 && j == n-1) {
				continue
			}
			b1, b2 := vertices[j], vertices[(j+1)%n]
			if segmentsIntersect(a1, a2, b1, b2) {
				return true
			}
		}
	}
	return false
}

func segmentsIntersect(p1, p2, q1, q2 r2.Point) bool {
	d1 := orient(q1, q2, p1)
	d2 := orient(q1, q2, p2)
	d3 := orient(p1, p2, q1)
	d4 := orient(p1, p2, q2)
	if ((d1 > 0 && d2 < 0) || (d1 < 0 && d2 > 0)) && ((d3 > 0 && d4 < 0) || (d3 < 0 && d4 > 0)) {
		return true
	}
	switch {
	case d1 == 0 && onSegment(q1, q2, p1):
		return true
	case d2 == 0 && onSegment(q1, q2, p2):
		return true
	case d3 == 0 && onSegment(p1, p2, q1):
		return true
	case d4 == 0 && onSegment(p1, p2, q2):
		return true
	}
	return false
}

func orient(a, b, c r2.Point) float64 {
	return b.Sub(a).Cross(c.Sub(a))
}

func onSegment(a, b, p r2.Point) bool {
	return math.Min(a.X, b.X) <= p.X && p.X <= math.Max(a.X, b.X) &&
		math.Min(a.Y, b.Y) <= p.Y && p.Y <= math.Max(a.Y, b.Y)
}

// Finite reports whether both coordinates are finite numbers.
func Finite(p r2.Point) bool {
	return !math.IsNaN(p.X) && !math.IsInf(p.X, 0) && !math.IsNaN(p.Y) && !math.IsInf(p.Y, 0)
}
