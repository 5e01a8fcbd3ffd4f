package telemetry

import (
	"context"
	"errors"
	"fmt"
	"net"
	"slices"
	"strconv"
	"sync"

	"github.com/golang/geo/r2"
	"go.uber.org/multierr"

	"github.com/signalsfoundry/trajectory-optimizer/core"
	"github.com/signalsfoundry/trajectory-optimizer/internal/logging"
	"github.com/signalsfoundry/trajectory-optimizer/kb"
	"github.com/signalsfoundry/trajectory-optimizer/model"
)

// ErrServersRunning is returned by Start on running servers.
var ErrServersRunning = errors.New("telemetry servers already running")

// Model is the subset of the constraint model the feeds mutate.
type Model interface {
	Snapshot() kb.Snapshot
	Subscribe(fn func(kb.Event)) (unsubscribe func())
	SetDronePosition(p r2.Point) error
	AppendPathPoint(p r2.Point) error
	AddWaypoint(p r2.Point) (model.Handle, error)
	MoveTo(h model.Handle, p r2.Point) error
}

type feedKind int

const (
	feedDrone feedKind = iota
	feedPath
	feedWaypoints
	feedShape
)

// target is what a port feeds into.
type target struct {
	kind   feedKind
	shape  model.Kind
	handle model.Handle
}

func (t target) String() string {
	switch t.kind {
	case feedDrone:
		return "drone"
	case feedPath:
		return "path"
	case feedWaypoints:
		return "waypoints"
	default:
		return t.shape.String()
	}
}

// targets maps every non-zero port in snap to its entity. When two
// entities share a port the first one in model order keeps it.
func targets(snap kb.Snapshot) map[uint16]target {
	out := make(map[uint16]target)
	add := func(port uint16, t target) {
		if port == 0 {
			return
		}
		if _, taken := out[port]; !taken {
			out[port] = t
		}
	}
	add(snap.Drone.Port, target{kind: feedDrone})
	add(snap.Path.Port, target{kind: feedPath})
	add(snap.Waypoints.Port, target{kind: feedWaypoints})
	for _, e := range snap.Points {
		add(e.Shape.Port, target{kind: feedShape, shape: model.KindPoint, handle: e.Handle})
	}
	for _, e := range snap.Ellipses {
		add(e.Shape.Port, target{kind: feedShape, shape: model.KindEllipse, handle: e.Handle})
	}
	for _, e := range snap.Polygons {
		add(e.Shape.Port, target{kind: feedShape, shape: model.KindPolygon, handle: e.Handle})
	}
	for _, e := range snap.Planes {
		add(e.Shape.Port, target{kind: feedShape, shape: model.KindPlane, handle: e.Handle})
	}
	return out
}

type binding struct {
	target target
	l      *Listener
}

// Servers keeps one UDP listener per port-addressed entity, following port
// changes in the model. Received positions move the entity: the drone is
// placed, the path and waypoints are appended to, shapes are moved so their
// anchor lands on the position.
type Servers struct {
	model   Model
	canvas  core.Canvas
	host    string
	metrics Metrics
	log     logging.Logger

	mu       sync.Mutex
	bindings map[uint16]binding
	failed   map[uint16]target
	cancel   context.CancelFunc
	done     chan struct{}
	unsub    func()
}

// ServersOption configures Servers.
type ServersOption func(*Servers)

// WithHost sets the bind host. The default binds every IPv4 interface.
func WithHost(host string) ServersOption {
	return func(s *Servers) { s.host = host }
}

func WithCanvas(c core.Canvas) ServersOption {
	return func(s *Servers) {
		if c.Scale > 0 {
			s.canvas = c
		}
	}
}

func WithMetrics(m Metrics) ServersOption {
	return func(s *Servers) {
		if m != nil {
			s.metrics = m
		}
	}
}

func WithLogger(log logging.Logger) ServersOption {
	return func(s *Servers) {
		if log != nil {
			s.log = log
		}
	}
}

// NewServers constructs stopped servers for m.
func NewServers(m Model, opts ...ServersOption) *Servers {
	s := &Servers{
		model:    m,
		canvas:   core.Canvas{Scale: core.DefaultScale},
		host:     "0.0.0.0",
		metrics:  noopMetrics{},
		log:      logging.Noop(),
		bindings: make(map[uint16]binding),
		failed:   make(map[uint16]target),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	return s
}

// Start binds the current ports and follows model changes until Stop.
func (s *Servers) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cancel != nil {
		return ErrServersRunning
	}
	ctx, cancel := context.WithCancel(ctx)
	kick := make(chan struct{}, 1)
	kick <- struct{}{}
	s.unsub = s.model.Subscribe(func(kb.Event) {
		select {
		case kick <- struct{}{}:
		default:
		}
	})
	s.cancel, s.done = cancel, make(chan struct{})
	go s.run(ctx, kick, s.done)
	return nil
}

func (s *Servers) run(ctx context.Context, kick <-chan struct{}, done chan struct{}) {
	defer close(done)
	for {
		select {
		case <-ctx.Done():
			return
		case <-kick:
			s.reconcile(ctx)
		}
	}
}

// Stop closes every listener.
func (s *Servers) Stop() error {
	s.mu.Lock()
	cancel, done, unsub := s.cancel, s.done, s.unsub
	s.cancel, s.done, s.unsub = nil, nil, nil
	s.mu.Unlock()
	if cancel == nil {
		return nil
	}
	unsub()
	cancel()
	<-done

	s.mu.Lock()
	defer s.mu.Unlock()
	var err error
	for port, b := range s.bindings {
		err = multierr.Append(err, b.l.Close())
		delete(s.bindings, port)
	}
	clear(s.failed)
	return err
}

// Ports lists the bound ports in ascending order.
func (s *Servers) Ports() []uint16 {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]uint16, 0, len(s.bindings))
	for p := range s.bindings {
		out = append(out, p)
	}
	slices.Sort(out)
	return out
}

func (s *Servers) reconcile(ctx context.Context) {
	want := targets(s.model.Snapshot())

	s.mu.Lock()
	defer s.mu.Unlock()
	for port, b := range s.bindings {
		if t, ok := want[port]; ok && t == b.target {
			continue
		}
		if err := b.l.Close(); err != nil {
			s.log.Warn(ctx, "close telemetry listener", logging.Int("port", int(port)), logging.Err(err))
		}
		delete(s.bindings, port)
	}
	for port, t := range s.failed {
		if want[port] != t {
			delete(s.failed, port)
		}
	}
	for port, t := range want {
		if _, ok := s.bindings[port]; ok {
			continue
		}
		if ft, ok := s.failed[port]; ok && ft == t {
			continue
		}
		addr := net.JoinHostPort(s.host, strconv.Itoa(int(port)))
		l, err := Listen(ctx, addr, t.String(), s.handler(t), s.metrics, s.log)
		if err != nil {
			s.failed[port] = t
			s.log.Warn(ctx, "telemetry port unavailable", logging.String("feed", t.String()), logging.Err(err))
			continue
		}
		s.bindings[port] = binding{target: t, l: l}
	}
}

func (s *Servers) handler(t target) Handler {
	return func(_ context.Context, p NED) error {
		pt := s.canvas.ToCanvas(p.Solver())
		switch t.kind {
		case feedDrone:
			return s.model.SetDronePosition(pt)
		case feedPath:
			return s.model.AppendPathPoint(pt)
		case feedWaypoints:
			_, err := s.model.AddWaypoint(pt)
			return err
		default:
			return s.model.MoveTo(t.handle, pt)
		}
	}
}

// Dispatch routes one payload as if it had arrived on port. It needs no
// bound listener, which lets captures be replayed offline.
func (s *Servers) Dispatch(ctx context.Context, port uint16, payload []byte) error {
	t, ok := targets(s.model.Snapshot())[port]
	if !ok {
		return fmt.Errorf("%w: no feed on port %d", ErrDropped, port)
	}
	p, err := DecodePosition(payload)
	if err != nil {
		s.metrics.PacketDropped(t.String())
		return err
	}
	if err := s.handler(t)(ctx, p); err != nil {
		s.metrics.PacketDropped(t.String())
		return err
	}
	s.metrics.PacketAccepted(t.String())
	return nil
}
