package observability_test

import (
	"github.com/signalsfoundry/trajectory-optimizer/internal/compute"
	"github.com/signalsfoundry/trajectory-optimizer/internal/observability"
	"github.com/signalsfoundry/trajectory-optimizer/internal/scvx"
	"github.com/signalsfoundry/trajectory-optimizer/internal/telemetry"
	"github.com/signalsfoundry/trajectory-optimizer/kb"
)

var (
	_ kb.MetricsRecorder = (*observability.SolverCollector)(nil)
	_ scvx.Metrics       = (*observability.SolverCollector)(nil)
	_ compute.Metrics    = (*observability.SolverCollector)(nil)
	_ telemetry.Metrics  = (*observability.SolverCollector)(nil)
)
