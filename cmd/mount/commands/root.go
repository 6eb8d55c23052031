// Package commands builds the gate-mount CLI: a daemon that mirrors a
// backing directory tree under a FUSE mount point, routing every VFS
// operation through a broker acquire/release pair.
package commands

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/gate-fs/gate/internal/logger"
	"github.com/gate-fs/gate/internal/telemetry"
	"github.com/gate-fs/gate/pkg/config"
	"github.com/gate-fs/gate/pkg/metrics"
	prommetrics "github.com/gate-fs/gate/pkg/metrics/prometheus"
	"github.com/gate-fs/gate/pkg/proxy"
	"github.com/gate-fs/gate/pkg/proxy/fuseadapter"
	"github.com/gate-fs/gate/pkg/transport"
)

type flags struct {
	configFile   string
	root         string
	mountDir     string
	brokerHost   string
	brokerPort   int
	brokerSocket string
	foreground   bool
	allowOther   bool
	releaseOnFlush bool
	metricsAddr  string
	logLevel     string
	logFormat    string
	pyroscopeURL string
}

// NewRootCommand builds the gate-mount root command.
func NewRootCommand() *cobra.Command {
	f := &flags{}
	cmd := &cobra.Command{
		Use:   "gate-mount",
		Short: "Mount a broker-gated FUSE filesystem over a backing directory",
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd.Context(), f)
		},
	}

	fl := cmd.Flags()
	fl.StringVar(&f.configFile, "config", "", "path to a YAML config file")
	fl.StringVar(&f.root, "root", "", "backing directory tree to mirror")
	fl.StringVar(&f.mountDir, "mount", "", "FUSE mount point")
	fl.StringVar(&f.brokerHost, "broker-host", "", "broker HTTP host")
	fl.IntVar(&f.brokerPort, "broker-port", 0, "broker HTTP port")
	fl.StringVar(&f.brokerSocket, "broker-socket", "", "broker Unix-domain socket (preferred transport)")
	fl.BoolVar(&f.foreground, "foreground", false, "run in the foreground (the mount never daemonizes, so this flag does not change behaviour)")
	fl.BoolVar(&f.allowOther, "allow-other", false, "allow other users to access the mount")
	fl.BoolVar(&f.releaseOnFlush, "release-on-flush", false, "GATE_RELEASE_ON_FLUSH: release write locks on flush instead of close")
	fl.StringVar(&f.metricsAddr, "metrics-addr", "", "if set, serve Prometheus metrics on this address (e.g. :9101)")
	fl.StringVar(&f.logLevel, "log-level", "", "log level: debug, info, warn, error")
	fl.StringVar(&f.logFormat, "log-format", "", "log format: text, json")
	fl.StringVar(&f.pyroscopeURL, "pyroscope-url", "", "Pyroscope server URL for continuous profiling")

	return cmd
}

func run(ctx context.Context, f *flags) error {
	cfg, err := config.LoadProxyConfig(f.configFile)
	if err != nil {
		return fmt.Errorf("load mount config: %w", err)
	}
	applyFlagOverrides(cfg, f)

	if cfg.Logging.Level != "" {
		logger.SetLevel(cfg.Logging.Level)
	}
	if cfg.Logging.Format != "" {
		logger.SetFormat(cfg.Logging.Format)
	}

	shutdownTracing, err := telemetry.Init(ctx, telemetry.Config{
		Enabled:        cfg.Telemetry.Enabled,
		ServiceName:    cfg.Telemetry.ServiceName,
		ServiceVersion: "dev",
		Endpoint:       cfg.Telemetry.OTLPEndpoint,
		Insecure:       true,
		SampleRate:     cfg.Telemetry.SampleRatio,
	})
	if err != nil {
		return fmt.Errorf("init telemetry: %w", err)
	}
	defer func() { _ = shutdownTracing(context.Background()) }()

	shutdownProfiling, err := telemetry.InitProfiling(telemetry.ProfilingConfig{
		Enabled:        cfg.Telemetry.PyroscopeURL != "",
		ServiceName:    cfg.Telemetry.ServiceName,
		ServiceVersion: "dev",
		Endpoint:       cfg.Telemetry.PyroscopeURL,
		ProfileTypes:   []string{"cpu", "alloc_objects", "inuse_space"},
	})
	if err != nil {
		return fmt.Errorf("init profiling: %w", err)
	}
	defer func() { _ = shutdownProfiling() }()

	client := brokerClient(*cfg)

	var proxyMetrics *metrics.ProxyMetrics
	if f.metricsAddr != "" {
		registry := prommetrics.NewRegistry()
		proxyMetrics = metrics.NewProxyMetrics(registry)
		metricsServer := &http.Server{Addr: f.metricsAddr, Handler: prommetrics.Handler(registry)}
		go func() {
			if err := metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Error("metrics listener failed", "err", err)
			}
		}()
	}

	p := proxy.New(proxy.Config{
		Root:             cfg.Root,
		ReleaseOnFlush:   cfg.ReleaseOnFlush,
		LeaseMS:          cfg.LeaseMS,
		AcquireTimeoutMS: cfg.AcquireTimeoutMS,
	}, client, proxyMetrics, logger.With("component", "proxy"))

	sigCtx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	go p.RunHeartbeats(sigCtx)

	return fuseadapter.Mount(sigCtx, p, fuseadapter.Options{
		MountDir:   cfg.MountDir,
		AllowOther: cfg.AllowOther,
		Foreground: cfg.Foreground,
	}, logger.With("component", "fuseadapter"))
}

func applyFlagOverrides(cfg *config.ProxyConfig, f *flags) {
	if f.root != "" {
		cfg.Root = f.root
	}
	if f.mountDir != "" {
		cfg.MountDir = f.mountDir
	}
	if f.brokerHost != "" {
		cfg.BrokerHost = f.brokerHost
	}
	if f.brokerPort != 0 {
		cfg.BrokerPort = f.brokerPort
	}
	if f.brokerSocket != "" {
		cfg.BrokerSocket = f.brokerSocket
	}
	if f.foreground {
		cfg.Foreground = true
	}
	if f.allowOther {
		cfg.AllowOther = true
	}
	if f.releaseOnFlush {
		cfg.ReleaseOnFlush = true
	}
	if f.logLevel != "" {
		cfg.Logging.Level = f.logLevel
	}
	if f.logFormat != "" {
		cfg.Logging.Format = f.logFormat
	}
	if f.pyroscopeURL != "" {
		cfg.Telemetry.PyroscopeURL = f.pyroscopeURL
	}
}

// brokerClient prefers the Unix-domain socket transport (spec §6) when
// configured, falling back to HTTP over TCP otherwise.
func brokerClient(cfg config.ProxyConfig) *transport.Client {
	if cfg.BrokerSocket != "" {
		return transport.NewUnixSocketClient(cfg.BrokerSocket)
	}
	return transport.NewHTTPClient(fmt.Sprintf("%s:%d", cfg.BrokerHost, cfg.BrokerPort))
}
