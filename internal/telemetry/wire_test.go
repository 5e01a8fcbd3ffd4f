package telemetry

import (
	"errors"
	"testing"

	"github.com/golang/geo/r3"
	"google.golang.org/protobuf/encoding/protowire"

	"github.com/signalsfoundry/trajectory-optimizer/internal/scvx"
)

func TestPositionRoundTrip(t *testing.T) {
	want := NED{North: 1.5, East: -2, Down: -3}
	got, err := DecodePosition(EncodePosition(want))
	if err != nil {
		t.Fatalf("DecodePosition error: %v", err)
	}
	if got != want {
		t.Fatalf("DecodePosition=%+v, want %+v", got, want)
	}
}

func TestDecodePositionDrops(t *testing.T) {
	header := func(topic, version uint64) []byte {
		b := protowire.AppendTag(nil, fieldTopic, protowire.VarintType)
		b = protowire.AppendVarint(b, topic)
		b = protowire.AppendTag(b, fieldVersion, protowire.VarintType)
		return protowire.AppendVarint(b, version)
	}
	full := func(b []byte) []byte {
		b = appendDouble(b, fieldNorth, 1)
		b = appendDouble(b, fieldEast, 2)
		return appendDouble(b, fieldDown, 3)
	}
	cases := map[string][]byte{
		"empty":         nil,
		"garbage":       {0xff, 0xff, 0xff},
		"wrong topic":   full(header(TopicTrajectory, WireVersion)),
		"wrong version": full(header(TopicTelemetry, 7)),
		"missing down":  appendDouble(appendDouble(header(TopicTelemetry, WireVersion), fieldNorth, 1), fieldEast, 2),
		"truncated":     EncodePosition(NED{North: 1})[:10],
	}
	for name, b := range cases {
		t.Run(name, func(t *testing.T) {
			if _, err := DecodePosition(b); !errors.Is(err, ErrDropped) {
				t.Fatalf("err=%v, want ErrDropped", err)
			}
		})
	}
}

func TestDecodePositionSkipsUnknownFields(t *testing.T) {
	b := EncodePosition(NED{North: 4, East: 5, Down: 6})
	b = protowire.AppendTag(b, 42, protowire.BytesType)
	b = protowire.AppendBytes(b, []byte("extra"))
	got, err := DecodePosition(b)
	if err != nil {
		t.Fatalf("DecodePosition error: %v", err)
	}
	if got.North != 4 || got.East != 5 || got.Down != 6 {
		t.Fatalf("DecodePosition=%+v", got)
	}
}

func TestTrajectoryEncodingUsesNED(t *testing.T) {
	tr := scvx.Trajectory{Dt: 0.25, States: []scvx.State{
		{R: r3.Vector{X: 1, Y: 2, Z: 3}, V: r3.Vector{X: 0.1}, A: r3.Vector{X: 9.81}},
		{R: r3.Vector{X: 4, Y: 5, Z: 6}},
	}}
	dt, states, err := DecodeTrajectory(EncodeTrajectory(tr))
	if err != nil {
		t.Fatalf("DecodeTrajectory error: %v", err)
	}
	if dt != 0.25 || len(states) != 2 {
		t.Fatalf("dt=%v states=%d", dt, len(states))
	}
	if states[0].Pos != (NED{North: 3, East: 2, Down: -1}) {
		t.Fatalf("position=%+v", states[0].Pos)
	}
	if states[0].Vel.Down != -0.1 || states[0].Acc.Down != -9.81 {
		t.Fatalf("velocity=%+v acceleration=%+v", states[0].Vel, states[0].Acc)
	}
	if states[1].Pos.Solver() != tr.States[1].R {
		t.Fatalf("solver round trip %v", states[1].Pos.Solver())
	}
}
