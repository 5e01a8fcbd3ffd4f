package kb

import (
	"errors"
	"fmt"
	"math"
	"sync"

	"github.com/golang/geo/r2"

	"github.com/signalsfoundry/trajectory-optimizer/model"
)

var (
	// ErrInvalidParameter reports an edit that would break an entity invariant.
	ErrInvalidParameter = errors.New("invalid parameter")
	// ErrNotFound reports a handle that does not name a live entity.
	ErrNotFound = errors.New("entity not found")
)

const (
	DefaultHorizonLength = 20
	DefaultFinalTime     = 2.75
)

// EventType indicates what kind of change happened in the model.
type EventType int

const (
	EventShapeAdded EventType = iota
	EventShapeRemoved
	EventShapeUpdated
	EventWaypointsChanged
	EventPathChanged
	EventDroneMoved
	EventScalarsChanged
	EventReplaced
)

// Event is emitted to subscribers after a change is committed.
type Event struct {
	Type     EventType
	Kind     model.Kind
	Handle   model.Handle
	Revision uint64
}

// MetricsRecorder receives entity counts after every committed change.
type MetricsRecorder interface {
	SetConstraintCounts(points, ellipses, polygons, planes, waypoints int)
}

type kindOps struct {
	validate func(model.Shape) error
}

// kinds is the per-variant dispatch table.
var kinds = [...]kindOps{
	model.KindPoint:   {validate: validatePoint},
	model.KindEllipse: {validate: validateEllipse},
	model.KindPolygon: {validate: validatePolygon},
	model.KindPlane:   {validate: validatePlane},
}

// ConstraintModel is the in-memory, thread-safe store for every geometric
// entity. A single lock guards all entities so that a snapshot always
// reflects a whole number of committed edits.
type ConstraintModel struct {
	mu       sync.RWMutex
	st       state
	revision uint64

	subs    map[int]func(Event)
	nextSub int
	metrics MetricsRecorder
}

// Option configures a ConstraintModel.
type Option func(*ConstraintModel)

// WithMetricsRecorder wires entity-count metrics.
func WithMetricsRecorder(r MetricsRecorder) Option {
	return func(m *ConstraintModel) { m.metrics = r }
}

// NewConstraintModel constructs an empty model with default scalars.
func NewConstraintModel(opts ...Option) *ConstraintModel {
	m := &ConstraintModel{
		st:   newState(),
		subs: make(map[int]func(Event)),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(m)
		}
	}
	m.updateMetricsLocked()
	return m
}

// Apply runs fn against a draft of the model and commits every edit it made
// atomically. When fn returns an error nothing is committed.
func (m *ConstraintModel) Apply(fn func(tx *Tx) error) error {
	m.mu.Lock()
	tx := &Tx{st: m.st.clone()}
	if err := fn(tx); err != nil {
		m.mu.Unlock()
		return err
	}
	if len(tx.events) == 0 {
		m.mu.Unlock()
		return nil
	}
	m.st = tx.st
	m.revision++
	events := tx.events
	for i := range events {
		events[i].Revision = m.revision
	}
	subs := make([]func(Event), 0, len(m.subs))
	for _, fn := range m.subs {
		subs = append(subs, fn)
	}
	m.updateMetricsLocked()
	m.mu.Unlock()

	// Notify subscribers outside the lock to avoid deadlocks.
	for _, ev := range events {
		for _, sub := range subs {
			sub(ev)
		}
	}
	return nil
}

// Subscribe registers a callback for model events. It returns an unsubscribe function.
func (m *ConstraintModel) Subscribe(fn func(Event)) (unsubscribe func()) {
	m.mu.Lock()
	defer m.mu.Unlock()
	id := m.nextSub
	m.nextSub++
	m.subs[id] = fn

	return func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		delete(m.subs, id)
	}
}

// Revision returns the number of committed transactions so far.
func (m *ConstraintModel) Revision() uint64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.revision
}

func (m *ConstraintModel) updateMetricsLocked() {
	if m.metrics == nil {
		return
	}
	m.metrics.SetConstraintCounts(
		len(m.st.shapes[model.KindPoint]),
		len(m.st.shapes[model.KindEllipse]),
		len(m.st.shapes[model.KindPolygon]),
		len(m.st.shapes[model.KindPlane]),
		len(m.st.waypoints),
	)
}

// AddPoint inserts a point obstacle and returns its handle.
func (m *ConstraintModel) AddPoint(p model.Point) (h model.Handle, err error) {
	err = m.Apply(func(tx *Tx) error { h, err = tx.Add(p); return err })
	return h, err
}

// AddEllipse inserts an ellipse. A negative or non-finite radius is rejected.
func (m *ConstraintModel) AddEllipse(e model.Ellipse) (h model.Handle, err error) {
	err = m.Apply(func(tx *Tx) error { h, err = tx.Add(e); return err })
	return h, err
}

// AddPolygon inserts a simple polygon of at least three vertices.
func (m *ConstraintModel) AddPolygon(p model.Polygon) (h model.Handle, err error) {
	err = m.Apply(func(tx *Tx) error { h, err = tx.Add(p); return err })
	return h, err
}

// AddPlane inserts a directed wall from P1 to P2; the endpoints must differ.
func (m *ConstraintModel) AddPlane(p model.Plane) (h model.Handle, err error) {
	err = m.Apply(func(tx *Tx) error { h, err = tx.Add(p); return err })
	return h, err
}

// Remove deletes the shape named by h, whatever its kind.
func (m *ConstraintModel) Remove(h model.Handle) error {
	return m.Apply(func(tx *Tx) error { return tx.Remove(h) })
}

// RemovePoint deletes h, failing with ErrNotFound unless it names a point.
func (m *ConstraintModel) RemovePoint(h model.Handle) error {
	return m.removeKind(h, model.KindPoint)
}

// RemoveEllipse deletes h, failing with ErrNotFound unless it names an ellipse.
func (m *ConstraintModel) RemoveEllipse(h model.Handle) error {
	return m.removeKind(h, model.KindEllipse)
}

// RemovePolygon deletes h, failing with ErrNotFound unless it names a polygon.
func (m *ConstraintModel) RemovePolygon(h model.Handle) error {
	return m.removeKind(h, model.KindPolygon)
}

// RemovePlane deletes h, failing with ErrNotFound unless it names a plane.
func (m *ConstraintModel) RemovePlane(h model.Handle) error {
	return m.removeKind(h, model.KindPlane)
}

func (m *ConstraintModel) removeKind(h model.Handle, k model.Kind) error {
	return m.Apply(func(tx *Tx) error {
		if got, ok := tx.st.index[h]; !ok || got != k {
			return fmt.Errorf("%s %s: %w", k, h, ErrNotFound)
		}
		return tx.Remove(h)
	})
}

// UpdatePoint edits the point named by h. fn mutates a copy, which is
// validated before it replaces the stored point.
func (m *ConstraintModel) UpdatePoint(h model.Handle, fn func(*model.Point)) error {
	return m.Apply(func(tx *Tx) error { return Update(tx, h, fn) })
}

// UpdateEllipse edits the ellipse named by h.
func (m *ConstraintModel) UpdateEllipse(h model.Handle, fn func(*model.Ellipse)) error {
	return m.Apply(func(tx *Tx) error { return Update(tx, h, fn) })
}

// UpdatePolygon edits the polygon named by h.
func (m *ConstraintModel) UpdatePolygon(h model.Handle, fn func(*model.Polygon)) error {
	return m.Apply(func(tx *Tx) error { return Update(tx, h, fn) })
}

// UpdatePlane edits the plane named by h.
func (m *ConstraintModel) UpdatePlane(h model.Handle, fn func(*model.Plane)) error {
	return m.Apply(func(tx *Tx) error { return Update(tx, h, fn) })
}

// FlipDirection toggles the keep-in/keep-out (or feasible side) flag.
func (m *ConstraintModel) FlipDirection(h model.Handle) error {
	return m.Apply(func(tx *Tx) error { return tx.FlipDirection(h) })
}

// SetPort changes the UDP port a shape listens on.
func (m *ConstraintModel) SetPort(h model.Handle, port uint16) error {
	return m.Apply(func(tx *Tx) error { return tx.SetPort(h, port) })
}

// Translate moves a shape by delta.
func (m *ConstraintModel) Translate(h model.Handle, delta r2.Point) error {
	return m.Apply(func(tx *Tx) error { return tx.Translate(h, delta) })
}

// MoveTo translates a shape so that its anchor lands on p.
func (m *ConstraintModel) MoveTo(h model.Handle, p r2.Point) error {
	return m.Apply(func(tx *Tx) error { return tx.MoveTo(h, p) })
}

// Shape returns a copy of the shape named by h.
func (m *ConstraintModel) Shape(h model.Handle) (model.Shape, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, _, err := m.st.lookup(h)
	if err != nil {
		return nil, err
	}
	return model.Clone(s), nil
}

// AddWaypoint appends a waypoint to the ordered waypoint list.
func (m *ConstraintModel) AddWaypoint(p r2.Point) (h model.Handle, err error) {
	err = m.Apply(func(tx *Tx) error { h, err = tx.AddWaypoint(p); return err })
	return h, err
}

// RemoveWaypoint deletes the waypoint named by h.
func (m *ConstraintModel) RemoveWaypoint(h model.Handle) error {
	return m.Apply(func(tx *Tx) error { return tx.RemoveWaypoint(h) })
}

// SetWaypointsPort sets the UDP port waypoint updates arrive on.
func (m *ConstraintModel) SetWaypointsPort(port uint16) error {
	return m.Apply(func(tx *Tx) error { tx.SetWaypointsPort(port); return nil })
}

// AppendPathPoint extends the drawn reference path.
func (m *ConstraintModel) AppendPathPoint(p r2.Point) error {
	return m.Apply(func(tx *Tx) error { return tx.AppendPathPoint(p) })
}

// ClearPath drops every reference path point, keeping its port.
func (m *ConstraintModel) ClearPath() error {
	return m.Apply(func(tx *Tx) error { tx.ClearPath(); return nil })
}

// SetPathPort sets the UDP port path updates arrive on.
func (m *ConstraintModel) SetPathPort(port uint16) error {
	return m.Apply(func(tx *Tx) error { tx.SetPathPort(port); return nil })
}

// SetDronePosition moves the vehicle, which is the initial position of the
// next solve.
func (m *ConstraintModel) SetDronePosition(p r2.Point) error {
	return m.Apply(func(tx *Tx) error { return tx.SetDronePosition(p) })
}

// SetDronePort sets the UDP port position reports arrive on.
func (m *ConstraintModel) SetDronePort(port uint16) error {
	return m.Apply(func(tx *Tx) error { tx.SetDronePort(port); return nil })
}

// SetFinalPosition sets the goal of the next solve.
func (m *ConstraintModel) SetFinalPosition(p r2.Point) error {
	return m.Apply(func(tx *Tx) error { return tx.SetFinalPosition(p) })
}

// SetHorizonLength sets the number of time steps K; it must be at least 2.
func (m *ConstraintModel) SetHorizonLength(k int) error {
	return m.Apply(func(tx *Tx) error { return tx.SetHorizonLength(k) })
}

// SetFinalTime sets the trajectory duration in seconds; it must be positive.
func (m *ConstraintModel) SetFinalTime(t float64) error {
	return m.Apply(func(tx *Tx) error { return tx.SetFinalTime(t) })
}

// Snapshot returns a deep copy of every entity and scalar.
func (m *ConstraintModel) Snapshot() Snapshot {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.st.snapshot(m.revision)
}

// Replace resets the model and repopulates it from s in one transaction.
// Handles in s are ignored; every entity gets a fresh handle.
func (m *ConstraintModel) Replace(s Snapshot) error {
	return m.Apply(func(tx *Tx) error { return tx.replace(s) })
}

// Reset clears every entity and restores the scalars to their defaults.
func (m *ConstraintModel) Reset() {
	_ = m.Apply(func(tx *Tx) error { return tx.replace(Snapshot{}) })
}

// EllipseArrays converts the ellipses to (radius, centre-east, centre-north)
// arrays in insertion order.
func (m *ConstraintModel) EllipseArrays() (r, cE, cN []float64) {
	return m.Snapshot().EllipseArrays()
}

// HalfPlaneArrays converts planes and polygons to half-plane rows.
func (m *ConstraintModel) HalfPlaneArrays() HalfPlanes {
	return m.Snapshot().HalfPlaneArrays()
}

// IsOverlapping reports whether p lies inside or on any ellipse.
func (m *ConstraintModel) IsOverlapping(p r2.Point) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, e := range m.st.shapes[model.KindEllipse] {
		el := e.shape.(model.Ellipse)
		if p.Sub(el.Center).Norm() <= el.Radius {
			return true
		}
	}
	return false
}

func validatePoint(s model.Shape) error {
	p := s.(model.Point)
	if !model.Finite(p.Pos) || math.IsNaN(p.Radius) || p.Radius < 0 {
		return fmt.Errorf("point radius %v at %v: %w", p.Radius, p.Pos, ErrInvalidParameter)
	}
	return nil
}

func validateEllipse(s model.Shape) error {
	e := s.(model.Ellipse)
	if !model.Finite(e.Center) || math.IsNaN(e.Radius) || math.IsInf(e.Radius, 0) || e.Radius < 0 {
		return fmt.Errorf("ellipse radius %v at %v: %w", e.Radius, e.Center, ErrInvalidParameter)
	}
	return nil
}

func validatePolygon(s model.Shape) error {
	p := s.(model.Polygon)
	if len(p.Vertices) < 3 {
		return fmt.Errorf("polygon with %d vertices: %w", len(p.Vertices), ErrInvalidParameter)
	}
	for _, v := range p.Vertices {
		if !model.Finite(v) {
			return fmt.Errorf("polygon vertex %v: %w", v, ErrInvalidParameter)
		}
	}
	if model.SelfIntersecting(p.Vertices) {
		return fmt.Errorf("self-intersecting polygon: %w", ErrInvalidParameter)
	}
	return nil
}

func validatePlane(s model.Shape) error {
	p := s.(model.Plane)
	if !model.Finite(p.P1) || !model.Finite(p.P2) || p.P1 == p.P2 {
		return fmt.Errorf("plane %v-%v: %w", p.P1, p.P2, ErrInvalidParameter)
	}
	return nil
}

func validateShape(s model.Shape) error {
	if s == nil {
		return fmt.Errorf("nil shape: %w", ErrInvalidParameter)
	}
	k := s.Kind()
	if int(k) < 0 || int(k) >= len(kinds) {
		return fmt.Errorf("kind %d: %w", k, ErrInvalidParameter)
	}
	return kinds[k].validate(s)
}
