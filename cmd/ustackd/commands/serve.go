package commands

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"github.com/nilknarf/ustack/internal"
	"github.com/nilknarf/ustack/internal/config"
	"github.com/nilknarf/ustack/internal/metrics"
	"github.com/nilknarf/ustack/stack"
	"github.com/nilknarf/ustack/tcp"
)

// shutdownTimeout bounds how long the metrics HTTP server is given to drain
// connections once a shutdown signal arrives.
const shutdownTimeout = 5 * time.Second

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the ustack daemon",
		Args:  cobra.NoArgs,
		RunE: func(_ *cobra.Command, _ []string) error {
			return runServe(configPath)
		},
	}
}

func runServe(path string) error {
	cfg, err := loadConfig(path)
	if err != nil {
		slog.New(slog.NewTextHandler(os.Stderr, nil)).Error("failed to load configuration", "error", err)
		return err
	}

	logger := newLogger(cfg.Log)
	logger.Info("ustackd starting", "iface", cfg.Iface.Name, "addr", cfg.Iface.Addr, "metrics_addr", cfg.Metrics.Addr)

	dev, closeDev, err := openDevice(cfg.Iface)
	if err != nil {
		return fmt.Errorf("open device: %w", err)
	}
	defer func() {
		if err := closeDev(); err != nil {
			logger.Warn("failed to close device", "error", err)
		}
	}()

	localAddr, err := cfg.Iface.Addr4()
	if err != nil {
		return err
	}

	reg := prometheus.NewRegistry()
	collector := metrics.NewCollector(reg)

	s := stack.New(dev, localAddr)
	s.Log = internal.Logger{Log: logger}
	s.WithMetrics(collector)

	if err := wireEchoServices(s, cfg.Echo, logger); err != nil {
		return fmt.Errorf("wire echo services: %w", err)
	}

	metricsSrv := newMetricsServer(cfg.Metrics, reg)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	errCh := make(chan error, 1)
	go func() {
		logger.Info("metrics server listening", "addr", cfg.Metrics.Addr, "path", cfg.Metrics.Path)
		if err := metricsSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("metrics server: %w", err)
			return
		}
		errCh <- nil
	}()

	go func() {
		errCh <- s.Run(ctx)
	}()

	select {
	case <-ctx.Done():
	case err := <-errCh:
		if err != nil {
			logger.Error("ustackd exited with error", "error", err)
		}
	}

	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := metricsSrv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("failed to shut down metrics server cleanly", "error", err)
	}
	return nil
}

func loadConfig(path string) (*config.Config, error) {
	if path == "" {
		return config.DefaultConfig(), nil
	}
	return config.Load(path)
}

func newLogger(cfg config.LogConfig) *slog.Logger {
	opts := &slog.HandlerOptions{Level: config.ParseLogLevel(cfg.Level)}
	var handler slog.Handler
	if cfg.Format == "text" {
		handler = slog.NewTextHandler(os.Stdout, opts)
	} else {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	}
	return slog.New(handler)
}

func newMetricsServer(cfg config.MetricsConfig, reg *prometheus.Registry) *http.Server {
	mux := http.NewServeMux()
	mux.Handle(cfg.Path, promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	return &http.Server{
		Addr:              cfg.Addr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}
}

// wireEchoServices registers the built-in UDP and TCP echo listeners that
// exercise the stack end to end: whatever arrives on the configured ports is
// written straight back to the sender.
func wireEchoServices(s *stack.Stack, cfg config.EchoConfig, logger *slog.Logger) error {
	if cfg.UDPPort != 0 {
		err := s.ListenUDP(cfg.UDPPort, func(payload []byte, srcIP [4]byte, srcPort uint16) {
			if err := s.SendUDP(payload, cfg.UDPPort, srcIP, srcPort); err != nil {
				logger.Warn("udp echo reply failed", "error", err)
			}
		})
		if err != nil {
			return fmt.Errorf("listen udp echo on %d: %w", cfg.UDPPort, err)
		}
	}

	if cfg.TCPPort != 0 {
		err := s.ListenTCP(cfg.TCPPort, func(conn *tcp.Conn, event tcp.Event, data []byte) {
			if event != tcp.EventDataRecv {
				return
			}
			buf := make([]byte, len(data))
			conn.Read(buf)
			if _, err := s.WriteTCP(conn, buf); err != nil {
				logger.Warn("tcp echo reply failed", "error", err)
			}
		})
		if err != nil {
			return fmt.Errorf("listen tcp echo on %d: %w", cfg.TCPPort, err)
		}
	}
	return nil
}
