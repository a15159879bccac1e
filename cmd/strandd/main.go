package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/softloop/strand"
)

var (
	version   = "dev"
	commit    = "unknown"
	buildDate = "unknown"
)

func main() { os.Exit(run()) }

func run() int {
	showVersion := flag.Bool("version", false, "print version and exit")
	configPath := flag.String("config", "", "path to config.yaml (optional)")
	listen := flag.String("listen", "", "listen address override")
	workers := flag.Int("workers", 0, "worker count override")
	logLevel := flag.String("log-level", "", "log level override: debug, info, warn, error")
	flag.Parse()
	if *showVersion {
		fmt.Printf("strandd version=%s commit=%s build_date=%s\n", version, commit, buildDate)
		return 0
	}

	cfg, err := strand.LoadConfig(*configPath, "strand.yaml", "/etc/strand/config.yaml")
	if err != nil {
		fmt.Fprintln(os.Stderr, "strandd:", err)
		return 1
	}
	if *listen != "" {
		cfg.Listen = *listen
	}
	if *workers > 0 {
		cfg.Workers = *workers
	}
	if *logLevel != "" {
		cfg.LogLevel = *logLevel
	}

	log, err := buildLogger(cfg.LogLevel)
	if err != nil {
		fmt.Fprintln(os.Stderr, "strandd:", err)
		return 1
	}
	defer log.Sync()

	srv, err := strand.New(cfg, newApp(log), strand.WithLogger(log))
	if err != nil {
		log.Error("startup failed", zap.Error(err))
		return 1
	}

	if cfg.MetricsListen != "" {
		msrv, err := serveMetrics(cfg.MetricsListen, srv, log)
		if err != nil {
			log.Error("metrics endpoint failed", zap.Error(err))
			return 1
		}
		defer msrv.Close()
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	go func() {
		<-ctx.Done()
		// Restore default signal handling so a second signal kills the
		// process instead of waiting out the drain.
		stop()
	}()

	log.Info("strandd starting",
		zap.String("version", version),
		zap.String("addr", srv.Addr()),
		zap.Int("workers", cfg.Workers))
	if err := srv.Run(ctx); err != nil {
		log.Error("strandd failed", zap.Error(err))
		if errors.Is(err, strand.ErrCrashLoop) {
			return 2
		}
		return 1
	}
	log.Info("strandd stopped")
	return 0
}

func buildLogger(level string) (*zap.Logger, error) {
	lv, err := zap.ParseAtomicLevel(level)
	if err != nil {
		return nil, fmt.Errorf("log level %q: %w", level, err)
	}
	zcfg := zap.NewProductionConfig()
	zcfg.Level = lv
	return zcfg.Build()
}

func serveMetrics(addr string, srv *strand.Server, log *zap.Logger) (*http.Server, error) {
	if err := strand.RegisterMetrics(nil, srv); err != nil {
		return nil, err
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	msrv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		if err := msrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("metrics server failed", zap.Error(err))
		}
	}()
	log.Info("metrics listening", zap.String("addr", addr))
	return msrv, nil
}
