// Package telemetry implements the UDP position feeds and the outbound
// trajectory stream.
//
// Packets use the protobuf wire format: field 1 topic (varint), field 2
// version (varint) and fields 3, 4, 5 north, east, down as fixed64 doubles.
// Trajectory packets carry the states as repeated embedded messages in
// field 6 and the sample interval in field 7.
package telemetry

import (
	"errors"
	"fmt"
	"math"

	"github.com/golang/geo/r3"
	"google.golang.org/protobuf/encoding/protowire"

	"github.com/signalsfoundry/trajectory-optimizer/internal/scvx"
)

const (
	TopicTelemetry  uint64 = 1
	TopicTrajectory uint64 = 2

	WireVersion uint64 = 1
)

// ErrDropped marks a packet that listeners discard without surfacing.
var ErrDropped = errors.New("telemetry packet dropped")

const (
	fieldTopic   protowire.Number = 1
	fieldVersion protowire.Number = 2
	fieldNorth   protowire.Number = 3
	fieldEast    protowire.Number = 4
	fieldDown    protowire.Number = 5
	fieldState   protowire.Number = 6
	fieldDt      protowire.Number = 7
)

// NED is a vector in the local north-east-down frame, in metres.
type NED struct {
	North, East, Down float64
}

// FromSolver converts an (up, east, north) solver vector.
func FromSolver(v r3.Vector) NED {
	return NED{North: v.Z, East: v.Y, Down: -v.X}
}

// Solver converts back to the solver frame.
func (n NED) Solver() r3.Vector {
	return r3.Vector{X: -n.Down, Y: n.East, Z: n.North}
}

// StateNED is one decoded trajectory sample.
type StateNED struct {
	Pos, Vel, Acc NED
}

func appendDouble(b []byte, num protowire.Number, v float64) []byte {
	b = protowire.AppendTag(b, num, protowire.Fixed64Type)
	return protowire.AppendFixed64(b, math.Float64bits(v))
}

func appendHeader(b []byte, topic uint64) []byte {
	b = protowire.AppendTag(b, fieldTopic, protowire.VarintType)
	b = protowire.AppendVarint(b, topic)
	b = protowire.AppendTag(b, fieldVersion, protowire.VarintType)
	return protowire.AppendVarint(b, WireVersion)
}

// EncodePosition builds a telemetry packet.
func EncodePosition(p NED) []byte {
	b := appendHeader(nil, TopicTelemetry)
	b = appendDouble(b, fieldNorth, p.North)
	b = appendDouble(b, fieldEast, p.East)
	return appendDouble(b, fieldDown, p.Down)
}

// DecodePosition parses a telemetry packet. Anything other than a version 1
// telemetry topic carrying all three coordinates is ErrDropped.
func DecodePosition(b []byte) (NED, error) {
	var (
		p                  NED
		topic, version     uint64
		haveTopic, haveVer bool
		seen               [3]bool
	)
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return NED{}, fmt.Errorf("%w: %v", ErrDropped, protowire.ParseError(n))
		}
		b = b[n:]
		switch {
		case num == fieldTopic && typ == protowire.VarintType:
			topic, n = protowire.ConsumeVarint(b)
			haveTopic = true
		case num == fieldVersion && typ == protowire.VarintType:
			version, n = protowire.ConsumeVarint(b)
			haveVer = true
		case num >= fieldNorth && num <= fieldDown && typ == protowire.Fixed64Type:
			var bits uint64
			bits, n = protowire.ConsumeFixed64(b)
			v := math.Float64frombits(bits)
			switch num {
			case fieldNorth:
				p.North = v
			case fieldEast:
				p.East = v
			case fieldDown:
				p.Down = v
			}
			seen[num-fieldNorth] = true
		default:
			n = protowire.ConsumeFieldValue(num, typ, b)
		}
		if n < 0 {
			return NED{}, fmt.Errorf("%w: %v", ErrDropped, protowire.ParseError(n))
		}
		b = b[n:]
	}
	switch {
	case !haveTopic || topic != TopicTelemetry:
		return NED{}, fmt.Errorf("%w: topic %d", ErrDropped, topic)
	case !haveVer || version != WireVersion:
		return NED{}, fmt.Errorf("%w: version %d", ErrDropped, version)
	case !seen[0] || !seen[1] || !seen[2]:
		return NED{}, fmt.Errorf("%w: missing coordinate", ErrDropped)
	}
	if math.IsNaN(p.North+p.East+p.Down) || math.IsInf(p.North+p.East+p.Down, 0) {
		return NED{}, fmt.Errorf("%w: non-finite position", ErrDropped)
	}
	return p, nil
}

// EncodeTrajectory builds an outbound trajectory packet.
func EncodeTrajectory(tr scvx.Trajectory) []byte {
	b := appendHeader(nil, TopicTrajectory)
	b = appendDouble(b, fieldDt, tr.Dt)
	var msg []byte
	for _, s := range tr.States {
		msg = msg[:0]
		for i, v := range []NED{FromSolver(s.R), FromSolver(s.V), FromSolver(s.A)} {
			base := protowire.Number(3*i + 1)
			msg = appendDouble(msg, base, v.North)
			msg = appendDouble(msg, base+1, v.East)
			msg = appendDouble(msg, base+2, v.Down)
		}
		b = protowire.AppendTag(b, fieldState, protowire.BytesType)
		b = protowire.AppendBytes(b, msg)
	}
	return b
}

// DecodeTrajectory parses a trajectory packet.
func DecodeTrajectory(b []byte) (dt float64, states []StateNED, err error) {
	var topic uint64
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return 0, nil, protowire.ParseError(n)
		}
		b = b[n:]
		switch {
		case num == fieldTopic && typ == protowire.VarintType:
			topic, n = protowire.ConsumeVarint(b)
		case num == fieldDt && typ == protowire.Fixed64Type:
			var bits uint64
			bits, n = protowire.ConsumeFixed64(b)
			dt = math.Float64frombits(bits)
		case num == fieldState && typ == protowire.BytesType:
			var msg []byte
			msg, n = protowire.ConsumeBytes(b)
			if n >= 0 {
				s, serr := decodeState(msg)
				if serr != nil {
					return 0, nil, serr
				}
				states = append(states, s)
			}
		default:
			n = protowire.ConsumeFieldValue(num, typ, b)
		}
		if n < 0 {
			return 0, nil, protowire.ParseError(n)
		}
		b = b[n:]
	}
	if topic != TopicTrajectory {
		return 0, nil, fmt.Errorf("unexpected topic %d", topic)
	}
	return dt, states, nil
}

func decodeState(b []byte) (StateNED, error) {
	var vals [9]float64
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return StateNED{}, protowire.ParseError(n)
		}
		b = b[n:]
		if typ == protowire.Fixed64Type && num >= 1 && num <= 9 {
			var bits uint64
			bits, n = protowire.ConsumeFixed64(b)
			vals[num-1] = math.Float64frombits(bits)
		} else {
			n = protowire.ConsumeFieldValue(num, typ, b)
		}
		if n < 0 {
			return StateNED{}, protowire.ParseError(n)
		}
		b = b[n:]
	}
	return StateNED{
		Pos: NED{vals[0], vals[1], vals[2]},
		Vel: NED{vals[3], vals[4], vals[5]},
		Acc: NED{vals[6], vals[7], vals[8]},
	}, nil
}
