package telemetry

import (
	"context"
	"fmt"
	"net"

	"github.com/signalsfoundry/trajectory-optimizer/internal/compute"
	"github.com/signalsfoundry/trajectory-optimizer/internal/logging"
	"github.com/signalsfoundry/trajectory-optimizer/internal/scvx"
)

// Emitter sends every published trajectory to a UDP destination.
type Emitter struct {
	conn *net.UDPConn
	log  logging.Logger
}

// NewEmitter dials addr.
func NewEmitter(addr string, log logging.Logger) (*Emitter, error) {
	raddr, err := net.ResolveUDPAddr("udp", addr)
	if err != nil {
		return nil, fmt.Errorf("resolve %s: %w", addr, err)
	}
	conn, err := net.DialUDP("udp", nil, raddr)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", addr, err)
	}
	if log == nil {
		log = logging.Noop()
	}
	return &Emitter{conn: conn, log: log}, nil
}

// Send writes one trajectory packet.
func (e *Emitter) Send(tr scvx.Trajectory) error {
	if _, err := e.conn.Write(EncodeTrajectory(tr)); err != nil {
		return fmt.Errorf("send trajectory: %w", err)
	}
	return nil
}

// Attach subscribes to pub. The returned function detaches.
func (e *Emitter) Attach(pub *compute.Publisher) (detach func()) {
	return pub.Subscribe(func(ev compute.Event) {
		if ev.Type != compute.EventTrajectoryUpdated || ev.Publication == nil {
			return
		}
		if err := e.Send(ev.Publication.Trajectory); err != nil {
			e.log.Debug(context.Background(), "trajectory emit failed", logging.Err(err))
		}
	})
}

func (e *Emitter) Close() error { return e.conn.Close() }
