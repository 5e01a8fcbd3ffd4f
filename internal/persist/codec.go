// Package persist reads and writes constraint files.
//
// The layout is a big-endian stream: the magic "CSTL" and a uint32 version,
// then the point, ellipse, polygon and plane blocks (each a uint32 count
// followed by entries), the waypoint block, the drone block and the path
// block. Booleans are one byte; coordinates are float64 pairs.
package persist

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/golang/geo/r2"

	"github.com/signalsfoundry/trajectory-optimizer/kb"
	"github.com/signalsfoundry/trajectory-optimizer/model"
)

// ErrCorrupt reports a stream that cannot be decoded into a valid model.
var ErrCorrupt = errors.New("corrupt constraint file")

const (
	Version  uint32 = 1
	maxCount        = 1 << 20
)

var magic = [4]byte{'C', 'S', 'T', 'L'}

type writer struct {
	w   *bufio.Writer
	err error
}

func (w *writer) put(v any) {
	if w.err != nil {
		return
	}
	w.err = binary.Write(w.w, binary.BigEndian, v)
}

func (w *writer) point(p r2.Point) {
	w.put(p.X)
	w.put(p.Y)
}

func (w *writer) count(n int) { w.put(uint32(n)) }

func (w *writer) points(pts []r2.Point, port uint16) {
	w.count(len(pts))
	for _, p := range pts {
		w.point(p)
	}
	w.put(port)
}

// Save writes snap to w.
func Save(out io.Writer, snap kb.Snapshot) error {
	w := &writer{w: bufio.NewWriter(out)}
	w.put(magic)
	w.put(Version)

	w.count(len(snap.Points))
	for _, e := range snap.Points {
		p := e.Shape
		w.put(bool(p.Direction))
		w.point(p.Pos)
		w.put(p.Radius)
		w.put(p.Port)
	}
	w.count(len(snap.Ellipses))
	for _, e := range snap.Ellipses {
		el := e.Shape
		w.put(bool(el.Direction))
		w.point(el.Center)
		w.put(el.Radius)
		w.put(el.Port)
	}
	w.count(len(snap.Polygons))
	for _, e := range snap.Polygons {
		p := e.Shape
		w.put(bool(p.Direction))
		w.count(len(p.Vertices))
		for _, v := range p.Vertices {
			w.point(v)
		}
		w.put(p.Port)
	}
	w.count(len(snap.Planes))
	for _, e := range snap.Planes {
		p := e.Shape
		w.put(bool(p.Direction))
		w.point(p.P1)
		w.point(p.P2)
		w.put(p.Port)
	}
	w.points(snap.Waypoints.Points, snap.Waypoints.Port)
	w.point(snap.Drone.Pos)
	w.put(snap.Drone.Port)
	w.points(snap.Path.Points, snap.Path.Port)

	if w.err != nil {
		return fmt.Errorf("persist: write: %w", w.err)
	}
	if err := w.w.Flush(); err != nil {
		return fmt.Errorf("persist: flush: %w", err)
	}
	return nil
}

type reader struct {
	r   io.Reader
	err error
}

func (r *reader) get(v any) {
	if r.err != nil {
		return
	}
	r.err = binary.Read(r.r, binary.BigEndian, v)
}

func (r *reader) f64() float64 {
	var v float64
	r.get(&v)
	return v
}

func (r *reader) u16() uint16 {
	var v uint16
	r.get(&v)
	return v
}

func (r *reader) dir() model.Direction {
	var b uint8
	r.get(&b)
	if r.err == nil && b > 1 {
		r.err = fmt.Errorf("bool byte %d", b)
	}
	return model.Direction(b == 1)
}

func (r *reader) point() r2.Point {
	x := r.f64()
	y := r.f64()
	if r.err == nil && !model.Finite(r2.Point{X: x, Y: y}) {
		r.err = fmt.Errorf("non-finite coordinate (%v, %v)", x, y)
	}
	return r2.Point{X: x, Y: y}
}

func (r *reader) count() int {
	var n uint32
	r.get(&n)
	if r.err == nil && n > maxCount {
		r.err = fmt.Errorf("count %d exceeds %d", n, maxCount)
	}
	return int(n)
}

func (r *reader) points() ([]r2.Point, uint16) {
	n := r.count()
	var pts []r2.Point
	for i := 0; i < n && r.err == nil; i++ {
		pts = append(pts, r.point())
	}
	return pts, r.u16()
}

// Load decodes a snapshot from in and validates every entity. Scalars that
// the file does not carry keep their defaults.
func Load(in io.Reader) (kb.Snapshot, error) {
	r := &reader{r: bufio.NewReader(in)}
	var gotMagic [4]byte
	r.get(&gotMagic)
	var version uint32
	r.get(&version)
	if r.err != nil {
		return kb.Snapshot{}, fmt.Errorf("%w: header: %v", ErrCorrupt, r.err)
	}
	if gotMagic != magic {
		return kb.Snapshot{}, fmt.Errorf("%w: bad magic %q", ErrCorrupt, gotMagic[:])
	}
	if version != Version {
		return kb.Snapshot{}, fmt.Errorf("%w: unsupported version %d", ErrCorrupt, version)
	}

	var snap kb.Snapshot
	n := r.count()
	for i := 0; i < n && r.err == nil; i++ {
		var p model.Point
		p.Direction = r.dir()
		p.Pos = r.point()
		p.Radius = r.f64()
		p.Port = r.u16()
		snap.Points = append(snap.Points, kb.Entity[model.Point]{Shape: p})
	}
	n = r.count()
	for i := 0; i < n && r.err == nil; i++ {
		var e model.Ellipse
		e.Direction = r.dir()
		e.Center = r.point()
		e.Radius = r.f64()
		e.Port = r.u16()
		snap.Ellipses = append(snap.Ellipses, kb.Entity[model.Ellipse]{Shape: e})
	}
	n = r.count()
	for i := 0; i < n && r.err == nil; i++ {
		var p model.Polygon
		p.Direction = r.dir()
		m := r.count()
		for j := 0; j < m && r.err == nil; j++ {
			p.Vertices = append(p.Vertices, r.point())
		}
		p.Port = r.u16()
		snap.Polygons = append(snap.Polygons, kb.Entity[model.Polygon]{Shape: p})
	}
	n = r.count()
	for i := 0; i < n && r.err == nil; i++ {
		var p model.Plane
		p.Direction = r.dir()
		p.P1 = r.point()
		p.P2 = r.point()
		p.Port = r.u16()
		snap.Planes = append(snap.Planes, kb.Entity[model.Plane]{Shape: p})
	}
	snap.Waypoints.Points, snap.Waypoints.Port = r.points()
	snap.Drone.Pos = r.point()
	snap.Drone.Port = r.u16()
	snap.Path.Points, snap.Path.Port = r.points()
	if r.err != nil {
		if errors.Is(r.err, io.EOF) {
			r.err = io.ErrUnexpectedEOF
		}
		return kb.Snapshot{}, fmt.Errorf("%w: %v", ErrCorrupt, r.err)
	}

	// A scratch model applies the same invariants as interactive edits.
	if err := kb.NewConstraintModel().Replace(snap); err != nil {
		return kb.Snapshot{}, fmt.Errorf("%w: %v", ErrCorrupt, err)
	}
	return snap, nil
}

// SaveFile writes snap to path atomically through a temporary file.
func SaveFile(path string, snap kb.Snapshot) (err error) {
	tmp, err := os.CreateTemp(filepath.Dir(path), ".cst-*")
	if err != nil {
		return fmt.Errorf("persist: %w", err)
	}
	defer func() {
		if err != nil {
			_ = os.Remove(tmp.Name())
		}
	}()
	if err = Save(tmp, snap); err != nil {
		_ = tmp.Close()
		return err
	}
	if err = tmp.Close(); err != nil {
		return fmt.Errorf("persist: %w", err)
	}
	if err = os.Rename(tmp.Name(), path); err != nil {
		return fmt.Errorf("persist: %w", err)
	}
	return nil
}

// LoadFile decodes the file at path.
func LoadFile(path string) (kb.Snapshot, error) {
	f, err := os.Open(path)
	if err != nil {
		return kb.Snapshot{}, fmt.Errorf("persist: %w", err)
	}
	defer f.Close()
	return Load(f)
}
