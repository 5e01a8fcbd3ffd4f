package telemetry

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/google/gopacket/pcapgo"

	"github.com/signalsfoundry/trajectory-optimizer/internal/logging"
)

// Dispatcher routes a payload by destination port.
type Dispatcher interface {
	Dispatch(ctx context.Context, port uint16, payload []byte) error
}

// ReplayStats summarises a capture replay.
type ReplayStats struct {
	Packets  int
	Accepted int
	Dropped  int
}

// ReplayOptions controls pacing.
type ReplayOptions struct {
	// Realtime sleeps between packets to honour capture timestamps.
	Realtime bool
	Log      logging.Logger
}

// Replay feeds the UDP payloads of a pcap stream to d. Non-UDP frames are
// skipped.
func Replay(ctx context.Context, r io.Reader, d Dispatcher, opts ReplayOptions) (ReplayStats, error) {
	log := opts.Log
	if log == nil {
		log = logging.Noop()
	}
	reader, err := pcapgo.NewReader(r)
	if err != nil {
		return ReplayStats{}, fmt.Errorf("open capture: %w", err)
	}
	src := gopacket.NewPacketSource(reader, reader.LinkType())
	src.DecodeOptions = gopacket.DecodeOptions{Lazy: true}

	var (
		stats ReplayStats
		first time.Time
		start = time.Now()
	)
	for {
		if err := ctx.Err(); err != nil {
			return stats, err
		}
		pkt, err := src.NextPacket()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return stats, fmt.Errorf("read capture: %w", err)
		}
		udp, ok := pkt.Layer(layers.LayerTypeUDP).(*layers.UDP)
		if !ok || len(udp.Payload) == 0 {
			continue
		}
		stats.Packets++

		if opts.Realtime {
			ts := pkt.Metadata().Timestamp
			if first.IsZero() {
				first = ts
			}
			if wait := ts.Sub(first) - time.Since(start); wait > 0 {
				select {
				case <-ctx.Done():
					return stats, ctx.Err()
				case <-time.After(wait):
				}
			}
		}

		if err := d.Dispatch(ctx, uint16(udp.DstPort), udp.Payload); err != nil {
			stats.Dropped++
			continue
		}
		stats.Accepted++
	}
	log.Info(ctx, "capture replay complete",
		logging.Int("packets", stats.Packets),
		logging.Int("accepted", stats.Accepted),
		logging.Int("dropped", stats.Dropped),
	)
	return stats, nil
}

// ReplayFile opens path and replays it.
func ReplayFile(ctx context.Context, path string, d Dispatcher, opts ReplayOptions) (ReplayStats, error) {
	f, err := os.Open(path)
	if err != nil {
		return ReplayStats{}, fmt.Errorf("open capture: %w", err)
	}
	defer f.Close()
	return Replay(ctx, f, d, opts)
}
