package telemetry

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/signalsfoundry/trajectory-optimizer/internal/logging"
)

const (
	maxDatagram  = 4000
	readDeadline = 100 * time.Millisecond
)

// Metrics counts packets per feed.
type Metrics interface {
	PacketAccepted(feed string)
	PacketDropped(feed string)
}

type noopMetrics struct{}

func (noopMetrics) PacketAccepted(string) {}
func (noopMetrics) PacketDropped(string)  {}

// Handler receives every decoded position.
type Handler func(ctx context.Context, p NED) error

// Listener reads telemetry datagrams from one UDP socket.
type Listener struct {
	feed    string
	conn    *net.UDPConn
	handle  Handler
	metrics Metrics
	log     logging.Logger

	cancel context.CancelFunc
	done   chan struct{}
	once   sync.Once
}

// Listen binds addr and serves packets until Close or ctx is cancelled.
// feed names the listener in logs and metrics.
func Listen(ctx context.Context, addr, feed string, h Handler, m Metrics, log logging.Logger) (*Listener, error) {
	udpAddr, err := net.ResolveUDPAddr("udp", addr)
	if err != nil {
		return nil, fmt.Errorf("resolve %s: %w", addr, err)
	}
	conn, err := net.ListenUDP("udp", udpAddr)
	if err != nil {
		return nil, fmt.Errorf("listen %s: %w", addr, err)
	}
	if m == nil {
		m = noopMetrics{}
	}
	if log == nil {
		log = logging.Noop()
	}
	ctx, cancel := context.WithCancel(ctx)
	l := &Listener{
		feed:    feed,
		conn:    conn,
		handle:  h,
		metrics: m,
		log:     log.With(logging.String("feed", feed), logging.String("addr", conn.LocalAddr().String())),
		cancel:  cancel,
		done:    make(chan struct{}),
	}
	go l.serve(ctx)
	return l, nil
}

// Addr returns the bound local address.
func (l *Listener) Addr() net.Addr { return l.conn.LocalAddr() }

// Close stops the read loop and releases the socket.
func (l *Listener) Close() error {
	var err error
	l.once.Do(func() {
		l.cancel()
		<-l.done
		err = l.conn.Close()
	})
	return err
}

func (l *Listener) serve(ctx context.Context) {
	defer close(l.done)
	buf := make([]byte, maxDatagram)
	l.log.Debug(ctx, "telemetry listener started")
	for {
		if ctx.Err() != nil {
			return
		}
		_ = l.conn.SetReadDeadline(time.Now().Add(readDeadline))
		n, _, err := l.conn.ReadFromUDP(buf)
		if err != nil {
			var netErr net.Error
			if errors.As(err, &netErr) && netErr.Timeout() {
				continue
			}
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return
			}
			l.log.Warn(ctx, "telemetry read error", logging.Err(err))
			continue
		}
		l.packet(ctx, buf[:n])
	}
}

func (l *Listener) packet(ctx context.Context, b []byte) {
	p, err := DecodePosition(b)
	if err != nil {
		l.metrics.PacketDropped(l.feed)
		return
	}
	if err := l.handle(ctx, p); err != nil {
		l.metrics.PacketDropped(l.feed)
		l.log.Debug(ctx, "telemetry update rejected", logging.Err(err))
		return
	}
	l.metrics.PacketAccepted(l.feed)
}
