package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/multierr"

	"github.com/signalsfoundry/trajectory-optimizer/internal/config"
	"github.com/signalsfoundry/trajectory-optimizer/internal/logging"
	"github.com/signalsfoundry/trajectory-optimizer/internal/observability"
	"github.com/signalsfoundry/trajectory-optimizer/internal/rpc"
	"github.com/signalsfoundry/trajectory-optimizer/internal/session"
	"github.com/signalsfoundry/trajectory-optimizer/internal/telemetry"
)

func main() {
	configPath := flag.String("config", "", "Path to a YAML configuration file")
	grpcAddr := flag.String("grpc-addr", "", "TCP address for the gRPC health server (overrides config)")
	metricsAddr := flag.String("metrics-addr", "", "HTTP address for Prometheus /metrics (overrides config)")
	replayPath := flag.String("replay", "", "pcap capture of telemetry to feed into the model after startup")
	flag.Parse()

	cfg, err := loadConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(2)
	}
	if *grpcAddr != "" {
		cfg.GRPC.Addr = *grpcAddr
	}
	if *metricsAddr != "" {
		cfg.Metrics.Addr = *metricsAddr
	}
	if *replayPath != "" {
		cfg.Telemetry.ReplayPath = *replayPath
	}

	log := logging.New(cfg.LoggingConfig())
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	lis, err := net.Listen("tcp", cfg.GRPC.Addr)
	if err != nil {
		log.Error(ctx, "failed to listen for gRPC", logging.String("addr", cfg.GRPC.Addr), logging.Err(err))
		os.Exit(1)
	}

	if err := run(ctx, cfg, log, lis, nil); err != nil {
		log.Error(ctx, "optimizer exited", logging.Err(err))
		os.Exit(1)
	}
}

func loadConfig(path string) (config.Config, error) {
	if path == "" {
		return config.Default(), nil
	}
	return config.Load(path)
}

// run serves until ctx is cancelled. reg selects the metrics registry; nil
// uses the global one.
func run(ctx context.Context, cfg config.Config, log logging.Logger, lis net.Listener, reg *prometheus.Registry) (err error) {
	shutdownTracing, err := observability.InitTracing(ctx, cfg.TracingConfig(), log)
	if err != nil {
		return fmt.Errorf("tracing: %w", err)
	}
	defer observability.ShutdownWithTimeout(context.Background(), shutdownTracing, log)

	var registerer prometheus.Registerer
	if reg != nil {
		registerer = reg
	}
	rpcMetrics, err := observability.NewRPCCollector(registerer)
	if err != nil {
		return fmt.Errorf("rpc metrics: %w", err)
	}

	sess, err := session.New(cfg, session.WithRegisterer(registerer), session.WithLogger(log))
	if err != nil {
		return err
	}
	defer func() { err = multierr.Append(err, sess.Close()) }()

	if err := sess.Start(ctx); err != nil {
		return err
	}

	metricsSrv := serveMetrics(cfg.Metrics.Addr, rpcMetrics, log)

	server := rpc.NewServer(log, rpcMetrics, sess.Health)
	rpc.RegisterSession(server, sess, log)
	log.Info(ctx, "starting gRPC server", logging.String("addr", lis.Addr().String()))
	serveErr := make(chan error, 1)
	go func() { serveErr <- server.Serve(lis) }()

	if cfg.Telemetry.ReplayPath != "" && sess.Servers != nil {
		go replay(ctx, cfg, sess.Servers, log)
	}

	select {
	case <-ctx.Done():
	case err := <-serveErr:
		if err != nil {
			return fmt.Errorf("grpc serve: %w", err)
		}
	}

	log.Info(context.Background(), "shutting down optimizer")
	server.GracefulStop()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if metricsSrv != nil {
		_ = metricsSrv.Shutdown(shutdownCtx)
	}
	return nil
}

func replay(ctx context.Context, cfg config.Config, d telemetry.Dispatcher, log logging.Logger) {
	stats, err := telemetry.ReplayFile(ctx, cfg.Telemetry.ReplayPath, d, telemetry.ReplayOptions{
		Realtime: cfg.Telemetry.ReplayRealtime,
		Log:      log,
	})
	if err != nil && !errors.Is(err, context.Canceled) {
		log.Warn(ctx, "telemetry replay failed", logging.String("path", cfg.Telemetry.ReplayPath), logging.Err(err))
		return
	}
	log.Info(ctx, "telemetry replay finished", logging.Int("packets", stats.Packets))
}

func serveMetrics(addr string, collector *observability.RPCCollector, log logging.Logger) *http.Server {
	if collector == nil || addr == "" {
		return nil
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", collector.Handler())

	srv := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Warn(context.Background(), "metrics server exited", logging.Err(err))
		}
	}()

	log.Info(context.Background(), "serving Prometheus metrics", logging.String("addr", addr))
	return srv
}
