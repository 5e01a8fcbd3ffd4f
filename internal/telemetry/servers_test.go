package telemetry

import (
	"context"
	"errors"
	"net"
	"slices"
	"sync"
	"testing"
	"time"

	"github.com/golang/geo/r2"

	"github.com/signalsfoundry/trajectory-optimizer/internal/compute"
	"github.com/signalsfoundry/trajectory-optimizer/internal/scvx"
	"github.com/signalsfoundry/trajectory-optimizer/kb"
	"github.com/signalsfoundry/trajectory-optimizer/model"
)

type countingMetrics struct {
	mu       sync.Mutex
	accepted map[string]int
	dropped  map[string]int
}

func newCountingMetrics() *countingMetrics {
	return &countingMetrics{accepted: map[string]int{}, dropped: map[string]int{}}
}

func (c *countingMetrics) PacketAccepted(feed string) {
	c.mu.Lock()
	c.accepted[feed]++
	c.mu.Unlock()
}

func (c *countingMetrics) PacketDropped(feed string) {
	c.mu.Lock()
	c.dropped[feed]++
	c.mu.Unlock()
}

func (c *countingMetrics) counts(feed string) (int, int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.accepted[feed], c.dropped[feed]
}

func freePort(t *testing.T) uint16 {
	t.Helper()
	conn, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	if err != nil {
		t.Fatalf("ListenUDP error: %v", err)
	}
	port := conn.LocalAddr().(*net.UDPAddr).Port
	_ = conn.Close()
	return uint16(port)
}

func send(t *testing.T, port uint16, payload []byte) {
	t.Helper()
	conn, err := net.DialUDP("udp", nil, &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: int(port)})
	if err != nil {
		t.Fatalf("DialUDP error: %v", err)
	}
	defer conn.Close()
	if _, err := conn.Write(payload); err != nil {
		t.Fatalf("Write error: %v", err)
	}
}

func eventually(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestServersMoveDroneAndShapes(t *testing.T) {
	store := kb.NewConstraintModel()
	dronePort, ellipsePort := freePort(t), freePort(t)
	if err := store.SetDronePort(dronePort); err != nil {
		t.Fatalf("SetDronePort error: %v", err)
	}
	h, err := store.AddEllipse(model.Ellipse{Attrs: model.Attrs{Port: ellipsePort}, Radius: 10})
	if err != nil {
		t.Fatalf("AddEllipse error: %v", err)
	}

	metrics := newCountingMetrics()
	srv := NewServers(store, WithHost("127.0.0.1"), WithMetrics(metrics))
	if err := srv.Start(context.Background()); err != nil {
		t.Fatalf("Start error: %v", err)
	}
	defer srv.Stop()
	if err := srv.Start(context.Background()); !errors.Is(err, ErrServersRunning) {
		t.Fatalf("second Start err=%v", err)
	}
	eventually(t, "both ports bound", func() bool { return len(srv.Ports()) == 2 })

	send(t, dronePort, []byte("not a packet"))
	send(t, dronePort, EncodePosition(NED{North: 2, East: 1}))
	eventually(t, "drone moved", func() bool {
		return store.Snapshot().Drone.Pos == (r2.Point{X: 100, Y: 200})
	})
	eventually(t, "dropped packet counted", func() bool {
		_, dropped := metrics.counts("drone")
		return dropped == 1
	})

	send(t, ellipsePort, EncodePosition(NED{North: -1, East: 3}))
	eventually(t, "ellipse moved", func() bool {
		s, err := store.Shape(h)
		return err == nil && s.(model.Ellipse).Center == (r2.Point{X: 300, Y: -100})
	})
}

func TestServersFollowPortChanges(t *testing.T) {
	store := kb.NewConstraintModel()
	first, second := freePort(t), freePort(t)
	if err := store.SetWaypointsPort(first); err != nil {
		t.Fatalf("SetWaypointsPort error: %v", err)
	}
	srv := NewServers(store, WithHost("127.0.0.1"))
	if err := srv.Start(context.Background()); err != nil {
		t.Fatalf("Start error: %v", err)
	}
	eventually(t, "first port", func() bool { return slices.Equal(srv.Ports(), []uint16{first}) })

	if err := store.SetWaypointsPort(second); err != nil {
		t.Fatalf("SetWaypointsPort error: %v", err)
	}
	eventually(t, "port moved", func() bool { return slices.Equal(srv.Ports(), []uint16{second}) })

	send(t, second, EncodePosition(NED{North: 0.5, East: 0.5}))
	eventually(t, "waypoint appended", func() bool { return len(store.Snapshot().Waypoints.Points) == 1 })

	if err := srv.Stop(); err != nil {
		t.Fatalf("Stop error: %v", err)
	}
	if got := srv.Ports(); len(got) != 0 {
		t.Fatalf("ports after Stop=%v", got)
	}
}

func TestDispatchWithoutListeners(t *testing.T) {
	store := kb.NewConstraintModel()
	if err := store.SetPathPort(7000); err != nil {
		t.Fatalf("SetPathPort error: %v", err)
	}
	srv := NewServers(store)
	ctx := context.Background()
	if err := srv.Dispatch(ctx, 7000, EncodePosition(NED{North: 1, East: 1})); err != nil {
		t.Fatalf("Dispatch error: %v", err)
	}
	if err := srv.Dispatch(ctx, 7001, EncodePosition(NED{})); !errors.Is(err, ErrDropped) {
		t.Fatalf("unbound port err=%v", err)
	}
	if got := store.Snapshot().Path.Points; len(got) != 1 || got[0] != (r2.Point{X: 100, Y: 100}) {
		t.Fatalf("path=%v", got)
	}
}

func TestTargetsFirstEntityKeepsSharedPort(t *testing.T) {
	snap := kb.Snapshot{
		Drone: model.Drone{Port: 5},
		Path:  model.Path{Port: 5},
		Ellipses: []kb.Entity[model.Ellipse]{
			{Handle: model.NewHandle(), Shape: model.Ellipse{Attrs: model.Attrs{Port: 6}}},
		},
	}
	got := targets(snap)
	if len(got) != 2 || got[5].kind != feedDrone || got[6].shape != model.KindEllipse {
		t.Fatalf("targets=%+v", got)
	}
}

func TestEmitterSendsPublishedTrajectories(t *testing.T) {
	conn, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	if err != nil {
		t.Fatalf("ListenUDP error: %v", err)
	}
	defer conn.Close()

	em, err := NewEmitter(conn.LocalAddr().String(), nil)
	if err != nil {
		t.Fatalf("NewEmitter error: %v", err)
	}
	defer em.Close()
	pub := compute.NewPublisher()
	defer em.Attach(pub)()

	pub.Publish(compute.Publication{Trajectory: scvx.Trajectory{Dt: 0.5, States: make([]scvx.State, 4)}})

	_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	buf := make([]byte, maxDatagram)
	n, _, err := conn.ReadFromUDP(buf)
	if err != nil {
		t.Fatalf("ReadFromUDP error: %v", err)
	}
	dt, states, err := DecodeTrajectory(buf[:n])
	if err != nil {
		t.Fatalf("DecodeTrajectory error: %v", err)
	}
	if dt != 0.5 || len(states) != 4 {
		t.Fatalf("dt=%v states=%d", dt, len(states))
	}
}
