package model

import (
	"errors"
	"fmt"

	"github.com/golang/geo/r2"
	"github.com/google/uuid"
)

// Kind tags the closed set of constraint shapes held by the model.
type Kind int

const (
	KindPoint Kind = iota
	KindEllipse
	KindPolygon
	KindPlane
)

func (k Kind) String() string {
	switch k {
	case KindPoint:
		return "point"
	case KindEllipse:
		return "ellipse"
	case KindPolygon:
		return "polygon"
	case KindPlane:
		return "plane"
	default:
		return "unknown"
	}
}

// Direction is the per-shape orientation flag.
//
// For ellipses and polygons the default orientation keeps the vehicle out of
// the region and the flipped orientation keeps it inside. For planes the
// default feasible side is the left of the directed segment P1->P2.
type Direction bool

const (
	Default Direction = false
	Flipped Direction = true
)

// KeepIn reports whether a region shape is a keep-in region.
func (d Direction) KeepIn() bool { return bool(d) }

// Flip returns the opposite orientation.
func (d Direction) Flip() Direction { return !d }

// ErrBadHandle reports text that does not encode a handle.
var ErrBadHandle = errors.New("malformed handle")

// Handle is an opaque reference to an entity owned by the constraint model.
type Handle struct {
	id uuid.UUID
}

// NewHandle allocates a fresh handle.
func NewHandle() Handle { return Handle{id: uuid.New()} }

func (h Handle) String() string { return h.id.String() }

// ParseHandle reverses Handle.String.
func ParseHandle(s string) (Handle, error) {
	id, err := uuid.Parse(s)
	if err != nil {
		return Handle{}, fmt.Errorf("%w %q: %v", ErrBadHandle, s, err)
	}
	return Handle{id: id}, nil
}

// IsZero reports whether h was never assigned.
func (h Handle) IsZero() bool { return h.id == uuid.Nil }

// Attrs holds the attributes shared by every constraint shape.
type Attrs struct {
	Direction Direction
	// Port is the UDP port live updates for this entity arrive on; 0 disables it.
	Port uint16
}

// Attributes returns the shared attributes.
func (a Attrs) Attributes() Attrs { return a }

// Shape is implemented by Point, Ellipse, Polygon and Plane only.
type Shape interface {
	Kind() Kind
	Attributes() Attrs
	clone() Shape
}

// Point is a marker constraint with an optional radius.
type Point struct {
	Attrs
	Pos    r2.Point
	Radius float64
}

// Ellipse is a circular region around Center. Keep-out by default.
type Ellipse struct {
	Attrs
	Center r2.Point
	Radius float64
}

// Polygon is a region bounded by Vertices in order. Keep-out by default.
type Polygon struct {
	Attrs
	Vertices []r2.Point
}

// Plane is an infinite half-plane bounded by the line through P1 and P2.
type Plane struct {
	Attrs
	P1 r2.Point
	P2 r2.Point
}

func (Point) Kind() Kind   { return KindPoint }
func (Ellipse) Kind() Kind { return KindEllipse }
func (Polygon) Kind() Kind { return KindPolygon }
func (Plane) Kind() Kind   { return KindPlane }

func (p Point) clone() Shape   { return p }
func (e Ellipse) clone() Shape { return e }
func (p Plane) clone() Shape   { return p }
func (p Polygon) clone() Shape {
	p.Vertices = ClonePoints(p.Vertices)
	return p
}

// Clone returns a deep copy of s.
func Clone(s Shape) Shape {
	if s == nil {
		return nil
	}
	return s.clone()
}

// WithAttrs returns a copy of s carrying a.
func WithAttrs(s Shape, a Attrs) Shape {
	switch v := s.clone().(type) {
	case Point:
		v.Attrs = a
		return v
	case Ellipse:
		v.Attrs = a
		return v
	case Polygon:
		v.Attrs = a
		return v
	case Plane:
		v.Attrs = a
		return v
	}
	return s
}

// Translate returns a copy of s moved by d.
func Translate(s Shape, d r2.Point) Shape {
	switch v := s.clone().(type) {
	case Point:
		v.Pos = v.Pos.Add(d)
		return v
	case Ellipse:
		v.Center = v.Center.Add(d)
		return v
	case Polygon:
		for i := range v.Vertices {
			v.Vertices[i] = v.Vertices[i].Add(d)
		}
		return v
	case Plane:
		v.P1 = v.P1.Add(d)
		v.P2 = v.P2.Add(d)
		return v
	}
	return s
}

// Anchor is the reference location of a shape: centre, centroid or midpoint.
func Anchor(s Shape) r2.Point {
	switch v := s.(type) {
	case Point:
		return v.Pos
	case Ellipse:
		return v.Center
	case Polygon:
		return Centroid(v.Vertices)
	case Plane:
		return v.P1.Add(v.P2).Mul(0.5)
	}
	return r2.Point{}
}

// Waypoints is the ordered list of points the vehicle should visit.
type Waypoints struct {
	Points []r2.Point
	Port   uint16
}

// Path is the trace flown so far.
type Path struct {
	Points []r2.Point
	Port   uint16
}

// Drone is the current vehicle state in canvas coordinates.
type Drone struct {
	Pos  r2.Point
	Port uint16
}

// ClonePoints copies a point slice, preserving nil.
func ClonePoints(pts []r2.Point) []r2.Point {
	if pts == nil {
		return nil
	}
	out := make([]r2.Point, len(pts))
	copy(out, pts)
	return out
}
