// Package config loads the optimizer's YAML configuration.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"math"
	"os"
	"strings"
	"time"

	"go.uber.org/multierr"
	"gopkg.in/yaml.v3"

	"github.com/signalsfoundry/trajectory-optimizer/core"
	"github.com/signalsfoundry/trajectory-optimizer/internal/logging"
	"github.com/signalsfoundry/trajectory-optimizer/internal/observability"
	"github.com/signalsfoundry/trajectory-optimizer/internal/scvx"
	"github.com/signalsfoundry/trajectory-optimizer/kb"
)

type Config struct {
	Solver    SolverConfig    `yaml:"solver"`
	Vehicle   VehicleConfig   `yaml:"vehicle"`
	Obstacles ObstacleConfig  `yaml:"obstacles"`
	Canvas    CanvasConfig    `yaml:"canvas"`
	Loop      LoopConfig      `yaml:"loop"`
	Telemetry TelemetryConfig `yaml:"telemetry"`
	Sim       SimConfig       `yaml:"sim"`
	Metrics   MetricsConfig   `yaml:"metrics"`
	GRPC      GRPCConfig      `yaml:"grpc"`
	Tracing   TracingConfig   `yaml:"tracing"`
	History   HistoryConfig   `yaml:"history"`
	Log       LogConfig       `yaml:"log"`

	// Scene is an optional constraint file loaded at startup.
	Scene string `yaml:"scene"`
}

type SolverConfig struct {
	MaxIter           int     `yaml:"max_iter"`
	TrustRadius       float64 `yaml:"trust_radius"`
	Lambda            float64 `yaml:"lambda"`
	Alpha             float64 `yaml:"alpha"`
	DLTol             float64 `yaml:"dl_tol"`
	Rho0              float64 `yaml:"rho0"`
	Rho1              float64 `yaml:"rho1"`
	Rho2              float64 `yaml:"rho2"`
	InfeasibleRetries int     `yaml:"infeasible_retries"`
	FeasTol           float64 `yaml:"feas_tol"`
	HorizonLength     int     `yaml:"horizon_length"`
	FinalTime         float64 `yaml:"final_time"`
}

type VehicleConfig struct {
	AMin       float64 `yaml:"a_min"`
	AMax       float64 `yaml:"a_max"`
	TiltMaxDeg float64 `yaml:"tilt_max_deg"`
}

// ObstacleConfig sets the orbit every keep-out ellipse follows. A zero
// radius or speed keeps obstacles static.
type ObstacleConfig struct {
	OrbitRadius float64 `yaml:"orbit_radius"`
	OrbitPhase  float64 `yaml:"orbit_phase"`
	OrbitSpeed  float64 `yaml:"orbit_speed"`
}

type CanvasConfig struct {
	Scale float64 `yaml:"scale"`
}

type LoopConfig struct {
	Interval  time.Duration `yaml:"interval"`
	Autostart bool          `yaml:"autostart"`
}

type TelemetryConfig struct {
	Enable bool   `yaml:"enable"`
	Host   string `yaml:"host"`
	// EmitAddr receives every published trajectory when set.
	EmitAddr       string `yaml:"emit_addr"`
	ReplayPath     string `yaml:"replay_path"`
	ReplayRealtime bool   `yaml:"replay_realtime"`
}

type SimConfig struct {
	Enable bool          `yaml:"enable"`
	Tick   time.Duration `yaml:"tick"`
	// Speed scales simulated time against wall time.
	Speed float64 `yaml:"speed"`
}

type MetricsConfig struct {
	Addr string `yaml:"addr"`
}

type GRPCConfig struct {
	Addr string `yaml:"addr"`
}

type TracingConfig struct {
	Enabled     bool    `yaml:"enabled"`
	ServiceName string  `yaml:"service_name"`
	Exporter    string  `yaml:"exporter"`
	Endpoint    string  `yaml:"endpoint"`
	SampleRatio float64 `yaml:"sample_ratio"`
}

type HistoryConfig struct {
	// Path of the SQLite database; empty disables history.
	Path string `yaml:"path"`
}

type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Default returns the configuration used for keys a file leaves out.
func Default() Config {
	p := scvx.DefaultParams()
	v := core.DefaultBuildConfig().Vehicle
	return Config{
		Solver: SolverConfig{
			MaxIter:           p.MaxIter,
			TrustRadius:       p.TrustRadius,
			Lambda:            p.Lambda,
			Alpha:             p.Alpha,
			DLTol:             p.DLTol,
			Rho0:              p.Rho0,
			Rho1:              p.Rho1,
			Rho2:              p.Rho2,
			InfeasibleRetries: p.InfeasibleRetries,
			FeasTol:           p.FeasTol,
			HorizonLength:     kb.DefaultHorizonLength,
			FinalTime:         kb.DefaultFinalTime,
		},
		Vehicle: VehicleConfig{
			AMin:       v.AMin,
			AMax:       v.AMax,
			TiltMaxDeg: v.TiltMax * 180 / math.Pi,
		},
		Canvas:    CanvasConfig{Scale: core.DefaultScale},
		Loop:      LoopConfig{Interval: 50 * time.Millisecond, Autostart: true},
		Telemetry: TelemetryConfig{Enable: true, Host: "0.0.0.0"},
		Sim:       SimConfig{Tick: 50 * time.Millisecond, Speed: 1},
		Metrics:   MetricsConfig{Addr: ":9090"},
		GRPC:      GRPCConfig{Addr: ":50051"},
		Tracing: TracingConfig{
			ServiceName: "trajectory-optimizer",
			Exporter:    "stdout",
			SampleRatio: 1,
		},
		Log: LogConfig{Level: "info", Format: "json"},
	}
}

// Load reads path over the defaults and validates the result.
func Load(path string) (Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return Config{}, err
	}
	cfg, err := Parse(b)
	if err != nil {
		return Config{}, fmt.Errorf("%s: %w", path, err)
	}
	return cfg, nil
}

// Parse decodes YAML over the defaults. Unknown keys are rejected.
func Parse(b []byte) (Config, error) {
	cfg := Default()
	dec := yaml.NewDecoder(bytes.NewReader(b))
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil && !errors.Is(err, io.EOF) {
		return Config{}, err
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate reports every invalid setting at once.
func (c Config) Validate() error {
	var err error
	if perr := c.Params().Validate(); perr != nil {
		err = multierr.Append(err, fmt.Errorf("solver: %w", perr))
	}
	if c.Solver.HorizonLength < 2 {
		err = multierr.Append(err, fmt.Errorf("solver.horizon_length must be >= 2"))
	}
	if !(c.Solver.FinalTime > 0) {
		err = multierr.Append(err, fmt.Errorf("solver.final_time must be > 0"))
	}
	if !(c.Vehicle.AMin > 0) || c.Vehicle.AMax <= c.Vehicle.AMin {
		err = multierr.Append(err, fmt.Errorf("vehicle: need 0 < a_min < a_max"))
	}
	if !(c.Vehicle.TiltMaxDeg > 0) || c.Vehicle.TiltMaxDeg >= 90 {
		err = multierr.Append(err, fmt.Errorf("vehicle.tilt_max_deg must be in (0, 90)"))
	}
	if c.Obstacles.OrbitRadius < 0 {
		err = multierr.Append(err, fmt.Errorf("obstacles.orbit_radius must be >= 0"))
	}
	if !(c.Canvas.Scale > 0) {
		err = multierr.Append(err, fmt.Errorf("canvas.scale must be > 0"))
	}
	if c.Loop.Interval <= 0 {
		err = multierr.Append(err, fmt.Errorf("loop.interval must be > 0"))
	}
	if c.Sim.Enable {
		if c.Sim.Tick <= 0 {
			err = multierr.Append(err, fmt.Errorf("sim.tick must be > 0"))
		}
		if !(c.Sim.Speed > 0) {
			err = multierr.Append(err, fmt.Errorf("sim.speed must be > 0"))
		}
	}
	if c.Tracing.Enabled {
		switch strings.ToLower(c.Tracing.Exporter) {
		case "stdout", "otlp", "otlpgrpc":
		default:
			err = multierr.Append(err, fmt.Errorf("tracing.exporter %q unsupported", c.Tracing.Exporter))
		}
		if c.Tracing.SampleRatio < 0 || c.Tracing.SampleRatio > 1 {
			err = multierr.Append(err, fmt.Errorf("tracing.sample_ratio must be in [0, 1]"))
		}
	}
	switch strings.ToLower(c.Log.Format) {
	case "", "json", "text":
	default:
		err = multierr.Append(err, fmt.Errorf("log.format %q unsupported", c.Log.Format))
	}
	return err
}

// Params returns the SCvx parameters.
func (c Config) Params() scvx.Params {
	s := c.Solver
	return scvx.Params{
		MaxIter:           s.MaxIter,
		TrustRadius:       s.TrustRadius,
		Lambda:            s.Lambda,
		Alpha:             s.Alpha,
		DLTol:             s.DLTol,
		Rho0:              s.Rho0,
		Rho1:              s.Rho1,
		Rho2:              s.Rho2,
		InfeasibleRetries: s.InfeasibleRetries,
		FeasTol:           s.FeasTol,
	}
}

// BuildConfig returns the problem conversion settings.
func (c Config) BuildConfig() core.BuildConfig {
	return core.BuildConfig{
		Scale: c.Canvas.Scale,
		Vehicle: core.Vehicle{
			AMin:    c.Vehicle.AMin,
			AMax:    c.Vehicle.AMax,
			TiltMax: c.Vehicle.TiltMaxDeg * math.Pi / 180,
		},
		Orbit: core.OrbitConfig{
			Radius: c.Obstacles.OrbitRadius,
			Phase:  c.Obstacles.OrbitPhase,
			Speed:  c.Obstacles.OrbitSpeed,
		},
	}
}

// TracingConfig returns the tracer provider settings.
func (c Config) TracingConfig() observability.TracingConfig {
	return observability.TracingConfig{
		Enabled:     c.Tracing.Enabled,
		ServiceName: c.Tracing.ServiceName,
		Exporter:    c.Tracing.Exporter,
		Endpoint:    c.Tracing.Endpoint,
		SampleRatio: c.Tracing.SampleRatio,
	}
}

// LoggingConfig returns the logger settings.
func (c Config) LoggingConfig() logging.Config {
	return logging.Config{Level: c.Log.Level, Format: c.Log.Format}
}
