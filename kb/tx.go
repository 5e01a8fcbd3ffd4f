package kb

import (
	"fmt"
	"math"

	"github.com/golang/geo/r2"

	"github.com/signalsfoundry/trajectory-optimizer/model"
)

const numKinds = len(kinds)

type entry struct {
	h     model.Handle
	shape model.Shape
}

type waypoint struct {
	h model.Handle
	p r2.Point
}

// state is everything guarded by the model lock.
type state struct {
	shapes [numKinds][]entry
	index  map[model.Handle]model.Kind

	waypoints     []waypoint
	waypointsPort uint16
	path          model.Path
	drone         model.Drone

	finalPosition r2.Point
	horizonLength int
	finalTime     float64
}

func newState() state {
	return state{
		index:         make(map[model.Handle]model.Kind),
		horizonLength: DefaultHorizonLength,
		finalTime:     DefaultFinalTime,
	}
}

func (s *state) clone() state {
	out := *s
	for k := range s.shapes {
		out.shapes[k] = make([]entry, len(s.shapes[k]))
		for i, e := range s.shapes[k] {
			out.shapes[k][i] = entry{h: e.h, shape: model.Clone(e.shape)}
		}
	}
	out.index = make(map[model.Handle]model.Kind, len(s.index))
	for h, k := range s.index {
		out.index[h] = k
	}
	out.waypoints = append([]waypoint(nil), s.waypoints...)
	out.path.Points = model.ClonePoints(s.path.Points)
	return out
}

func (s *state) lookup(h model.Handle) (model.Shape, int, error) {
	k, ok := s.index[h]
	if !ok {
		return nil, -1, fmt.Errorf("shape %s: %w", h, ErrNotFound)
	}
	for i, e := range s.shapes[k] {
		if e.h == h {
			return e.shape, i, nil
		}
	}
	return nil, -1, fmt.Errorf("shape %s: %w", h, ErrNotFound)
}

// Tx is a set of edits applied to a draft of the model. It is only valid
// inside the function passed to ConstraintModel.Apply.
type Tx struct {
	st     state
	events []Event
}

func (tx *Tx) emit(t EventType, k model.Kind, h model.Handle) {
	tx.events = append(tx.events, Event{Type: t, Kind: k, Handle: h})
}

// Add validates s and appends it after every shape of the same kind.
func (tx *Tx) Add(s model.Shape) (model.Handle, error) {
	if err := validateShape(s); err != nil {
		return model.Handle{}, err
	}
	h := model.NewHandle()
	k := s.Kind()
	tx.st.shapes[k] = append(tx.st.shapes[k], entry{h: h, shape: model.Clone(s)})
	tx.st.index[h] = k
	tx.emit(EventShapeAdded, k, h)
	return h, nil
}

// Remove deletes the shape named by h.
func (tx *Tx) Remove(h model.Handle) error {
	_, i, err := tx.st.lookup(h)
	if err != nil {
		return err
	}
	k := tx.st.index[h]
	tx.st.shapes[k] = append(tx.st.shapes[k][:i], tx.st.shapes[k][i+1:]...)
	delete(tx.st.index, h)
	tx.emit(EventShapeRemoved, k, h)
	return nil
}

// Replace swaps the shape named by h for s after validating it. The kind
// must not change.
func (tx *Tx) Replace(h model.Handle, s model.Shape) error {
	cur, i, err := tx.st.lookup(h)
	if err != nil {
		return err
	}
	if s == nil || s.Kind() != cur.Kind() {
		return fmt.Errorf("replace %s with different kind: %w", cur.Kind(), ErrInvalidParameter)
	}
	if err := validateShape(s); err != nil {
		return err
	}
	tx.st.shapes[s.Kind()][i].shape = model.Clone(s)
	tx.emit(EventShapeUpdated, s.Kind(), h)
	return nil
}

// Update mutates a copy of the typed shape named by h with fn, then
// validates and commits it.
func Update[T model.Shape](tx *Tx, h model.Handle, fn func(*T)) error {
	cur, _, err := tx.st.lookup(h)
	if err != nil {
		return err
	}
	v, ok := model.Clone(cur).(T)
	if !ok {
		return fmt.Errorf("%s %s is a %s: %w", (*new(T)).Kind(), h, cur.Kind(), ErrNotFound)
	}
	fn(&v)
	return tx.Replace(h, v)
}

func (tx *Tx) FlipDirection(h model.Handle) error {
	cur, _, err := tx.st.lookup(h)
	if err != nil {
		return err
	}
	a := cur.Attributes()
	a.Direction = a.Direction.Flip()
	return tx.Replace(h, model.WithAttrs(cur, a))
}

func (tx *Tx) SetPort(h model.Handle, port uint16) error {
	cur, _, err := tx.st.lookup(h)
	if err != nil {
		return err
	}
	a := cur.Attributes()
	a.Port = port
	return tx.Replace(h, model.WithAttrs(cur, a))
}

func (tx *Tx) Translate(h model.Handle, delta r2.Point) error {
	if !model.Finite(delta) {
		return fmt.Errorf("translate by %v: %w", delta, ErrInvalidParameter)
	}
	cur, _, err := tx.st.lookup(h)
	if err != nil {
		return err
	}
	return tx.Replace(h, model.Translate(cur, delta))
}

func (tx *Tx) MoveTo(h model.Handle, p r2.Point) error {
	cur, _, err := tx.st.lookup(h)
	if err != nil {
		return err
	}
	return tx.Translate(h, p.Sub(model.Anchor(cur)))
}

func (tx *Tx) AddWaypoint(p r2.Point) (model.Handle, error) {
	if !model.Finite(p) {
		return model.Handle{}, fmt.Errorf("waypoint %v: %w", p, ErrInvalidParameter)
	}
	h := model.NewHandle()
	tx.st.waypoints = append(tx.st.waypoints, waypoint{h: h, p: p})
	tx.emit(EventWaypointsChanged, 0, h)
	return h, nil
}

func (tx *Tx) RemoveWaypoint(h model.Handle) error {
	for i, w := range tx.st.waypoints {
		if w.h == h {
			tx.st.waypoints = append(tx.st.waypoints[:i], tx.st.waypoints[i+1:]...)
			tx.emit(EventWaypointsChanged, 0, h)
			return nil
		}
	}
	return fmt.Errorf("waypoint %s: %w", h, ErrNotFound)
}

func (tx *Tx) SetWaypointsPort(port uint16) {
	tx.st.waypointsPort = port
	tx.emit(EventWaypointsChanged, 0, model.Handle{})
}

func (tx *Tx) AppendPathPoint(p r2.Point) error {
	if !model.Finite(p) {
		return fmt.Errorf("path point %v: %w", p, ErrInvalidParameter)
	}
	tx.st.path.Points = append(tx.st.path.Points, p)
	tx.emit(EventPathChanged, 0, model.Handle{})
	return nil
}

func (tx *Tx) ClearPath() {
	tx.st.path.Points = nil
	tx.emit(EventPathChanged, 0, model.Handle{})
}

func (tx *Tx) SetPathPort(port uint16) {
	tx.st.path.Port = port
	tx.emit(EventPathChanged, 0, model.Handle{})
}

func (tx *Tx) SetDronePosition(p r2.Point) error {
	if !model.Finite(p) {
		return fmt.Errorf("drone position %v: %w", p, ErrInvalidParameter)
	}
	tx.st.drone.Pos = p
	tx.emit(EventDroneMoved, 0, model.Handle{})
	return nil
}

func (tx *Tx) SetDronePort(port uint16) {
	tx.st.drone.Port = port
	tx.emit(EventDroneMoved, 0, model.Handle{})
}

func (tx *Tx) SetFinalPosition(p r2.Point) error {
	if !model.Finite(p) {
		return fmt.Errorf("final position %v: %w", p, ErrInvalidParameter)
	}
	tx.st.finalPosition = p
	tx.emit(EventScalarsChanged, 0, model.Handle{})
	return nil
}

func (tx *Tx) SetHorizonLength(k int) error {
	if k < 2 {
		return fmt.Errorf("horizon length %d: %w", k, ErrInvalidParameter)
	}
	tx.st.horizonLength = k
	tx.emit(EventScalarsChanged, 0, model.Handle{})
	return nil
}

func (tx *Tx) SetFinalTime(t float64) error {
	if math.IsNaN(t) || math.IsInf(t, 0) || t <= 0 {
		return fmt.Errorf("final time %v: %w", t, ErrInvalidParameter)
	}
	tx.st.finalTime = t
	tx.emit(EventScalarsChanged, 0, model.Handle{})
	return nil
}

// replace discards the draft and rebuilds it from s. Zero scalars in s fall
// back to the defaults.
func (tx *Tx) replace(s Snapshot) error {
	tx.st = newState()
	for _, p := range s.Points {
		if _, err := tx.Add(p.Shape); err != nil {
			return err
		}
	}
	for _, e := range s.Ellipses {
		if _, err := tx.Add(e.Shape); err != nil {
			return err
		}
	}
	for _, p := range s.Polygons {
		if _, err := tx.Add(p.Shape); err != nil {
			return err
		}
	}
	for _, p := range s.Planes {
		if _, err := tx.Add(p.Shape); err != nil {
			return err
		}
	}
	for _, w := range s.Waypoints.Points {
		if _, err := tx.AddWaypoint(w); err != nil {
			return err
		}
	}
	tx.st.waypointsPort = s.Waypoints.Port
	for _, p := range s.Path.Points {
		if err := tx.AppendPathPoint(p); err != nil {
			return err
		}
	}
	tx.st.path.Port = s.Path.Port
	if err := tx.SetDronePosition(s.Drone.Pos); err != nil {
		return err
	}
	tx.st.drone.Port = s.Drone.Port
	if err := tx.SetFinalPosition(s.FinalPosition); err != nil {
		return err
	}
	if s.HorizonLength != 0 {
		if err := tx.SetHorizonLength(s.HorizonLength); err != nil {
			return err
		}
	}
	if s.FinalTime != 0 {
		if err := tx.SetFinalTime(s.FinalTime); err != nil {
			return err
		}
	}
	tx.events = []Event{{Type: EventReplaced}}
	return nil
}
