// Command smqd runs a single SMQ broker listener. Grounded on the
// teacher's main.go: automaxprocs tuning logged at startup, config
// loaded from .env/environment, a human-readable config dump, and
// graceful shutdown on SIGINT/SIGTERM.
package main

import (
	"context"
	"flag"
	"net"
	"net/http"
	"os"
	"os/signal"
	"runtime"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	_ "go.uber.org/automaxprocs"

	"smq/internal/broker"
	"smq/internal/config"
	"smq/internal/logging"
)

const (
	exitOK          = 0
	exitBadConfig   = 64
	exitStorageFail = 73
	exitBindFail    = 74
)

func main() {
	os.Exit(run())
}

func run() int {
	debug := flag.Bool("debug", false, "enable debug logging (overrides SMQ_LOG_LEVEL)")
	flag.Parse()

	bootLogger := logging.New(logging.Config{Level: logging.LevelInfo, Format: logging.FormatPretty})
	maxProcs := runtime.GOMAXPROCS(0)
	bootLogger.Info().Int("gomaxprocs", maxProcs).Msg("automaxprocs applied")

	cfg, err := config.Load(&bootLogger)
	if err != nil {
		bootLogger.Error().Err(err).Msg("failed to load configuration")
		return exitBadConfig
	}
	if *debug {
		cfg.LogLevel = "debug"
	}
	cfg.Print()

	logger := logging.New(logging.Config{Level: logging.Level(cfg.LogLevel), Format: logging.Format(cfg.LogFormat)})
	cfg.LogConfig(logger)

	reg := prometheus.NewRegistry()
	b, err := broker.New(cfg, logger, reg)
	if err != nil {
		logger.Error().Err(err).Msg("failed to construct broker")
		return exitStorageFail
	}
	if err := b.Recover(); err != nil {
		logger.Error().Err(err).Msg("failed to recover storage state")
		return exitStorageFail
	}

	ctx, cancelPool := context.WithCancel(context.Background())
	defer cancelPool()
	b.Start(ctx)

	metricsMux := http.NewServeMux()
	metricsMux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	metricsMux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	metricsServer := &http.Server{Addr: cfg.MetricsAddr, Handler: metricsMux}
	go func() {
		if err := metricsServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Warn().Err(err).Msg("metrics server exited")
		}
	}()

	cpuTicker := time.NewTicker(5 * time.Second)
	defer cpuTicker.Stop()
	go func() {
		for range cpuTicker.C {
			b.SampleCPU()
		}
	}()

	serveErrCh := make(chan error, 1)
	if cfg.Transport == "websocket" {
		mux := http.NewServeMux()
		mux.HandleFunc("/", b.ServeHTTP)
		wsServer := &http.Server{Addr: cfg.Bind, Handler: mux}
		go func() {
			serveErrCh <- wsServer.ListenAndServe()
		}()
		defer wsServer.Close()
	} else {
		ln, err := net.Listen("tcp", cfg.Bind)
		if err != nil {
			logger.Error().Err(err).Str("bind", cfg.Bind).Msg("failed to bind listener")
			return exitBindFail
		}
		go func() {
			serveErrCh <- b.Serve(ln)
		}()
	}

	logger.Info().Str("bind", cfg.Bind).Str("protocol", cfg.Protocol).Str("transport", cfg.Transport).Msg("smqd listening")

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	select {
	case <-sigCh:
		logger.Info().Msg("shutdown signal received")
	case err := <-serveErrCh:
		if err != nil {
			logger.Error().Err(err).Msg("listener failed")
			return exitBindFail
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.TimeoutDrain+time.Second)
	defer cancel()
	_ = metricsServer.Shutdown(shutdownCtx)

	b.Shutdown()

	logger.Info().Msg("smqd shut down cleanly")
	return exitOK
}
