// Package commands builds the gate-broker CLI: a single daemon command that
// loads configuration, opens the durable store, and serves the broker's
// HTTP/Unix-socket transport until signaled to stop.
package commands

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/gate-fs/gate/internal/bytesize"
	"github.com/gate-fs/gate/internal/logger"
	"github.com/gate-fs/gate/internal/telemetry"
	"github.com/gate-fs/gate/pkg/broker"
	"github.com/gate-fs/gate/pkg/broker/store"
	"github.com/gate-fs/gate/pkg/config"
	prommetrics "github.com/gate-fs/gate/pkg/metrics/prometheus"
	"github.com/gate-fs/gate/pkg/transport"
)

type flags struct {
	configFile string
	stateDir   string
	host       string
	port       int
	socket     string
	storeBackend string
	memTableSize string
	pgHost     string
	pgPort     int
	pgDatabase string
	pgUser     string
	pgPassword string
	logLevel   string
	logFormat  string
	otlpEndpoint string
	pyroscopeURL string
}

// NewRootCommand builds the gate-broker root command.
func NewRootCommand() *cobra.Command {
	f := &flags{}
	cmd := &cobra.Command{
		Use:   "gate-broker",
		Short: "Run the gate durable FIFO lock broker",
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd.Context(), f)
		},
	}

	fl := cmd.Flags()
	fl.StringVar(&f.configFile, "config", "", "path to a YAML config file")
	fl.StringVar(&f.stateDir, "state-dir", "", "directory for durable state (sqlite/badger files)")
	fl.StringVar(&f.host, "host", "", "listen host for the HTTP transport")
	fl.IntVar(&f.port, "port", 0, "listen port for the HTTP transport")
	fl.StringVar(&f.socket, "socket", "", "Unix-domain socket path (preferred transport, spec §6)")
	fl.StringVar(&f.storeBackend, "store", "", "durable store backend: badger, sqlite, or postgres")
	fl.StringVar(&f.memTableSize, "mem-table-size", "", "badger in-memory write buffer size, e.g. 64Mi, 256Mi (store=badger)")
	fl.StringVar(&f.pgHost, "postgres-host", "", "postgres host (store=postgres)")
	fl.IntVar(&f.pgPort, "postgres-port", 0, "postgres port (store=postgres)")
	fl.StringVar(&f.pgDatabase, "postgres-database", "", "postgres database name (store=postgres)")
	fl.StringVar(&f.pgUser, "postgres-user", "", "postgres user (store=postgres)")
	fl.StringVar(&f.pgPassword, "postgres-password", "", "postgres password (store=postgres)")
	fl.StringVar(&f.logLevel, "log-level", "", "log level: debug, info, warn, error")
	fl.StringVar(&f.logFormat, "log-format", "", "log format: text, json")
	fl.StringVar(&f.otlpEndpoint, "otlp-endpoint", "", "OTLP gRPC endpoint for trace export")
	fl.StringVar(&f.pyroscopeURL, "pyroscope-url", "", "Pyroscope server URL for continuous profiling")

	return cmd
}

func run(ctx context.Context, f *flags) error {
	cfg, err := config.LoadBrokerConfig(f.configFile)
	if err != nil {
		return fmt.Errorf("load broker config: %w", err)
	}
	if err := applyFlagOverrides(cfg, f); err != nil {
		return err
	}

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

	st, err := openStore(*cfg)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer func() {
		if closer, ok := st.(interface{ Close() error }); ok {
			_ = closer.Close()
		}
	}()

	registry := prommetrics.NewRegistry()
	brokerMetrics := broker.NewMetrics(registry)

	b, err := broker.New(ctx, broker.Config{
		LeaseMS:          cfg.LeaseMS,
		MaxHoldMS:        cfg.MaxHoldMS,
		SweepInterval:    cfg.SweepInterval,
		AcquireTimeoutMS: cfg.AcquireTimeoutMS,
	}, st, brokerMetrics, logger.With("component", "broker"))
	if err != nil {
		return fmt.Errorf("construct broker: %w", err)
	}

	sweepCtx, stopSweep := context.WithCancel(ctx)
	defer stopSweep()
	go b.RunSweep(sweepCtx)

	server := transport.NewServer(b, logger.With("component", "transport"))

	mux := http.NewServeMux()
	mux.Handle("/", server)
	mux.Handle("/metrics", prommetrics.Handler(registry))

	listener, err := listen(*cfg)
	if err != nil {
		return fmt.Errorf("listen: %w", err)
	}

	httpServer := &http.Server{Handler: mux}
	errCh := make(chan error, 1)
	go func() {
		logger.Info("broker listening", "addr", listener.Addr().String())
		if err := httpServer.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
			return
		}
		errCh <- nil
	}()

	sigCtx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	select {
	case <-sigCtx.Done():
		logger.Info("broker shutting down")
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("serve: %w", err)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return httpServer.Shutdown(shutdownCtx)
}

func applyFlagOverrides(cfg *config.BrokerConfig, f *flags) error {
	if f.stateDir != "" {
		cfg.StateDir = f.stateDir
	}
	if f.host != "" {
		cfg.Host = f.host
	}
	if f.port != 0 {
		cfg.Port = f.port
	}
	if f.socket != "" {
		cfg.Socket = f.socket
	}
	if f.storeBackend != "" {
		cfg.Store.Backend = f.storeBackend
	}
	if f.memTableSize != "" {
		size, err := bytesize.ParseByteSize(f.memTableSize)
		if err != nil {
			return fmt.Errorf("--mem-table-size: %w", err)
		}
		cfg.Store.MemTableSize = size
	}
	if f.pgHost != "" {
		cfg.Store.Postgres.Host = f.pgHost
	}
	if f.pgPort != 0 {
		cfg.Store.Postgres.Port = f.pgPort
	}
	if f.pgDatabase != "" {
		cfg.Store.Postgres.Database = f.pgDatabase
	}
	if f.pgUser != "" {
		cfg.Store.Postgres.User = f.pgUser
	}
	if f.pgPassword != "" {
		cfg.Store.Postgres.Password = f.pgPassword
	}
	if f.logLevel != "" {
		cfg.Logging.Level = f.logLevel
	}
	if f.logFormat != "" {
		cfg.Logging.Format = f.logFormat
	}
	if f.otlpEndpoint != "" {
		cfg.Telemetry.OTLPEndpoint = f.otlpEndpoint
		cfg.Telemetry.Enabled = true
	}
	if f.pyroscopeURL != "" {
		cfg.Telemetry.PyroscopeURL = f.pyroscopeURL
	}
	return nil
}

func openStore(cfg config.BrokerConfig) (store.Store, error) {
	switch cfg.Store.Backend {
	case "", "badger":
		dir := cfg.StateDir
		if dir == "" {
			dir = "/var/lib/gate/broker"
		}
		return store.OpenBadgerWithSize(dir, cfg.Store.MemTableSize)
	case "sqlite":
		return store.NewGorm(store.GormConfig{
			Type:   store.DatabaseSQLite,
			SQLite: store.SQLiteConfig{Path: cfg.StateDir + "/gate-broker.db"},
		})
	case "postgres":
		return store.NewGorm(store.GormConfig{
			Type: store.DatabasePostgres,
			Postgres: store.PostgresConfig{
				Host:         cfg.Store.Postgres.Host,
				Port:         cfg.Store.Postgres.Port,
				Database:     cfg.Store.Postgres.Database,
				User:         cfg.Store.Postgres.User,
				Password:     cfg.Store.Postgres.Password,
				SSLMode:      cfg.Store.Postgres.SSLMode,
				MaxOpenConns: cfg.Store.Postgres.MaxOpenConns,
				MaxIdleConns: cfg.Store.Postgres.MaxIdleConns,
			},
		})
	default:
		return nil, fmt.Errorf("unknown store backend %q", cfg.Store.Backend)
	}
}

// listen prefers the Unix-domain socket transport (spec §6) when a socket
// path is configured, falling back to loopback/host TCP otherwise.
func listen(cfg config.BrokerConfig) (net.Listener, error) {
	if cfg.Socket != "" {
		_ = os.Remove(cfg.Socket)
		return net.Listen("unix", cfg.Socket)
	}
	return net.Listen("tcp", fmt.Sprintf("%s:%d", cfg.Host, cfg.Port))
}
