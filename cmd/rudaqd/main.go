package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"time"

	"rudaq/internal/config"
	"rudaq/internal/daq"
	"rudaq/internal/document"
	"rudaq/internal/mockdevice"
	"rudaq/internal/plan"
	"rudaq/internal/registry"
	"rudaq/internal/telemetry/logging"
	"rudaq/internal/telemetry/metrics"
	"rudaq/internal/telemetry/tracing"
)

func main() {
	var (
		configPath      string
		planPath        string
		snapshotEvery   time.Duration
		shutdownTimeout time.Duration
		metricsAddr     string
		showVersion     bool
	)

	flag.StringVar(&configPath, "config", "rudaqd.yaml", "path to the daemon's YAML configuration file")
	flag.StringVar(&planPath, "plan", "", "path to a JSON plan descriptor to queue and run at startup (optional)")
	flag.DurationVar(&snapshotEvery, "snapshot-interval", 5*time.Second, "interval between registry/engine snapshots on stderr (0=disabled)")
	flag.DurationVar(&shutdownTimeout, "shutdown-timeout", 30*time.Second, "overall timeout for the 5-phase shutdown sequence")
	flag.StringVar(&metricsAddr, "metrics-addr", ":9090", "address to serve /metrics on when telemetry.metrics_backend is prometheus")
	flag.BoolVar(&showVersion, "version", false, "show version and exit")
	flag.Parse()

	cfg, err := config.Load(configPath)
	if err != nil {
		log.Fatalf("load config: %v", err)
	}

	if showVersion {
		fmt.Printf("rudaqd %s\n", cfg.Version)
		return
	}

	lg := logging.New(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: logLevel(cfg.Telemetry.LogLevel)})))
	if cfg.Telemetry.TracingEnabled {
		if _, err := tracing.New(cfg.Telemetry.ServiceName); err != nil {
			log.Fatalf("init tracing: %v", err)
		}
	}
	mp := newMetricsProvider(cfg)
	if prom, ok := mp.(*metrics.PrometheusProvider); ok {
		mux := http.NewServeMux()
		mux.Handle("/metrics", prom.MetricsHandler())
		go func() {
			if err := http.ListenAndServe(metricsAddr, mux); err != nil {
				lg.WarnCtx(context.Background(), "metrics server exited", "error", err)
			}
		}()
	}

	d := daq.New(daq.Options{
		Config:          cfg,
		Logger:          lg,
		Metrics:         mp,
		ShutdownTimeout: shutdownTimeout,
	})
	if err := mockdevice.RegisterFactories(d.Registry()); err != nil {
		log.Fatalf("register mock device factories: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 2)
	signal.Notify(sigCh, os.Interrupt)
	go func() {
		<-sigCh
		lg.InfoCtx(ctx, "signal received; beginning graceful shutdown")
		cancel()
		<-sigCh
		lg.WarnCtx(ctx, "second signal received; forcing exit")
		os.Exit(1)
	}()

	var runUID string
	if planPath != "" {
		descriptor, err := loadPlanDescriptor(planPath)
		if err != nil {
			log.Fatalf("load plan descriptor: %v", err)
		}
		runUID, err = d.QueuePlan(descriptor)
		if err != nil {
			log.Fatalf("queue plan: %v", err)
		}
		if err := d.Start(ctx); err != nil {
			log.Fatalf("start engine: %v", err)
		}
	}

	done := make(chan struct{})
	go streamDocuments(ctx, d, runUID, done)

	var ticker *time.Ticker
	if snapshotEvery > 0 {
		ticker = time.NewTicker(snapshotEvery)
		defer ticker.Stop()
	}

	for {
		select {
		case <-ctx.Done():
			shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout+time.Second)
			if err := d.Shutdown(shutdownCtx); err != nil {
				lg.ErrorCtx(shutdownCtx, "shutdown failed", "error", err)
			}
			shutdownCancel()
			<-done
			return
		case <-done:
			return
		case <-tickerChan(ticker):
			printSnapshot(d)
		}
	}
}

func tickerChan(t *time.Ticker) <-chan time.Time {
	if t == nil {
		return nil
	}
	return t.C
}

func streamDocuments(ctx context.Context, d *daq.Daemon, runUID string, done chan<- struct{}) {
	defer close(done)
	if runUID == "" {
		<-ctx.Done()
		return
	}
	sub := d.Engine().Subscribe(document.Filter{RunUID: runUID}, 64)
	defer sub.Unsubscribe()
	enc := json.NewEncoder(os.Stdout)
	for {
		select {
		case doc, ok := <-sub.Documents():
			if !ok {
				return
			}
			if err := enc.Encode(doc); err != nil {
				log.Printf("encode document: %v", err)
			}
			if doc.Kind == document.KindStop {
				return
			}
		case <-ctx.Done():
			return
		}
	}
}

func printSnapshot(d *daq.Daemon) {
	state, runUID := d.Engine().State()
	devices := d.Registry().List(registry.ListFilter{})
	snap := struct {
		State   string   `json:"state"`
		RunUID  string   `json:"run_uid,omitempty"`
		Devices []string `json:"devices"`
	}{State: string(state), RunUID: runUID}
	for _, dev := range devices {
		snap.Devices = append(snap.Devices, fmt.Sprintf("%s(%s)", dev.ID, dev.Type))
	}
	b, _ := json.MarshalIndent(snap, "", "  ")
	fmt.Fprintf(os.Stderr, "\n=== SNAPSHOT %s ===\n%s\n", time.Now().Format(time.RFC3339), string(b))
}

func loadPlanDescriptor(path string) (plan.Descriptor, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return plan.Descriptor{}, fmt.Errorf("read %s: %w", path, err)
	}
	var d plan.Descriptor
	if err := json.Unmarshal(data, &d); err != nil {
		return plan.Descriptor{}, fmt.Errorf("parse %s: %w", path, err)
	}
	return d, nil
}

func newMetricsProvider(cfg config.Config) metrics.Provider {
	if !cfg.Telemetry.MetricsEnabled {
		return metrics.NewNoopProvider()
	}
	switch cfg.Telemetry.MetricsBackend {
	case "otel":
		return metrics.NewOTelProvider(metrics.OTelProviderOptions{ServiceName: cfg.Telemetry.ServiceName})
	case "prometheus":
		return metrics.NewPrometheusProvider(metrics.PrometheusProviderOptions{})
	default:
		return metrics.NewNoopProvider()
	}
}

func logLevel(level string) slog.Level {
	switch level {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
