// Package config loads broker and proxy configuration via Viper, following
// the teacher's pattern of defaults set in code, overridden by a config
// file, overridden in turn by GATE_* environment variables, then validated
// with go-playground/validator.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/mitchellh/mapstructure"
	"github.com/spf13/viper"

	"github.com/gate-fs/gate/internal/bytesize"
)

// BrokerConfig is the broker daemon's configuration (spec §6's CLI surface).
type BrokerConfig struct {
	StateDir         string        `mapstructure:"state_dir" validate:"required"`
	Host             string        `mapstructure:"host" validate:"required"`
	Port             int           `mapstructure:"port" validate:"required,min=1,max=65535"`
	Socket           string        `mapstructure:"socket"`
	LeaseMS          time.Duration `mapstructure:"lease_ms" validate:"required,gt=0"`
	MaxHoldMS        time.Duration `mapstructure:"max_hold_ms" validate:"required,gt=0"`
	AcquireTimeoutMS time.Duration `mapstructure:"acquire_timeout_ms" validate:"required,gt=0"`
	SweepInterval    time.Duration `mapstructure:"sweep_interval_ms"`

	Store    StoreConfig    `mapstructure:"store"`
	Logging  LoggingConfig  `mapstructure:"logging"`
	Telemetry TelemetryConfig `mapstructure:"telemetry"`
}

// StoreConfig selects and configures the durable persistence backend.
type StoreConfig struct {
	Backend  string `mapstructure:"backend" validate:"required,oneof=badger sqlite postgres"`
	// MemTableSize tunes the badger backend's in-memory write buffer (e.g.
	// "64Mi", "256MiB"); ignored by the sqlite and postgres backends.
	MemTableSize bytesize.ByteSize `mapstructure:"mem_table_size"`
	Postgres     PostgresConfig    `mapstructure:"postgres"`
}

// PostgresConfig mirrors store.PostgresConfig; kept separate so this package
// does not need to import pkg/broker/store.
type PostgresConfig struct {
	Host         string `mapstructure:"host"`
	Port         int    `mapstructure:"port"`
	Database     string `mapstructure:"database"`
	User         string `mapstructure:"user"`
	Password     string `mapstructure:"password"`
	SSLMode      string `mapstructure:"ssl_mode"`
	MaxOpenConns int    `mapstructure:"max_open_conns"`
	MaxIdleConns int    `mapstructure:"max_idle_conns"`
}

// ProxyConfig is the mount daemon's configuration (spec §6's CLI surface).
type ProxyConfig struct {
	Root             string `mapstructure:"root" validate:"required"`
	MountDir         string `mapstructure:"mount_dir" validate:"required"`
	BrokerHost       string `mapstructure:"broker_host"`
	BrokerPort       int    `mapstructure:"broker_port"`
	BrokerSocket     string `mapstructure:"broker_socket"`
	Foreground       bool   `mapstructure:"foreground"`
	AllowOther       bool   `mapstructure:"allow_other"`
	LeaseMS          time.Duration `mapstructure:"lease_ms"`
	MaxHoldMS        time.Duration `mapstructure:"max_hold_ms"`
	AcquireTimeoutMS time.Duration `mapstructure:"acquire_timeout_ms" validate:"required,gt=0"`
	ReleaseOnFlush   bool   `mapstructure:"release_on_flush"`

	Logging   LoggingConfig   `mapstructure:"logging"`
	Telemetry TelemetryConfig `mapstructure:"telemetry"`
}

// LoggingConfig mirrors the options the teacher's internal/logger exposes.
type LoggingConfig struct {
	Level  string `mapstructure:"level" validate:"omitempty,oneof=debug info warn error"`
	Format string `mapstructure:"format" validate:"omitempty,oneof=text json"`
	Color  bool   `mapstructure:"color"`
}

// TelemetryConfig mirrors internal/telemetry.Config's tracing/profiling knobs.
type TelemetryConfig struct {
	Enabled        bool   `mapstructure:"enabled"`
	ServiceName    string `mapstructure:"service_name"`
	OTLPEndpoint   string `mapstructure:"otlp_endpoint"`
	PyroscopeURL   string `mapstructure:"pyroscope_url"`
	SampleRatio    float64 `mapstructure:"sample_ratio" validate:"omitempty,min=0,max=1"`
}

var validate = validator.New()

func defaultBrokerViper() *viper.Viper {
	v := viper.New()
	v.SetDefault("state_dir", "/var/lib/gate/broker")
	v.SetDefault("host", "127.0.0.1")
	v.SetDefault("port", 7420)
	v.SetDefault("lease_ms", 30_000)
	v.SetDefault("max_hold_ms", 3_600_000)
	v.SetDefault("acquire_timeout_ms", 10_000)
	v.SetDefault("sweep_interval_ms", 7_500)
	v.SetDefault("store.backend", "badger")
	v.SetDefault("store.mem_table_size", "64Mi")
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "text")
	v.SetDefault("logging.color", true)
	v.SetDefault("telemetry.enabled", false)
	v.SetDefault("telemetry.service_name", "gate-broker")
	v.SetDefault("telemetry.sample_ratio", 0.1)
	return v
}

func defaultProxyViper() *viper.Viper {
	v := viper.New()
	v.SetDefault("broker_host", "127.0.0.1")
	v.SetDefault("broker_port", 7420)
	v.SetDefault("foreground", false)
	v.SetDefault("allow_other", false)
	v.SetDefault("lease_ms", 30_000)
	v.SetDefault("max_hold_ms", 3_600_000)
	v.SetDefault("acquire_timeout_ms", 10_000)
	v.SetDefault("release_on_flush", false)
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "text")
	v.SetDefault("logging.color", true)
	v.SetDefault("telemetry.enabled", false)
	v.SetDefault("telemetry.service_name", "gate-mount")
	v.SetDefault("telemetry.sample_ratio", 0.1)
	return v
}

// LoadBrokerConfig reads defaults, then an optional config file at
// configPath, then GATE_* environment variables (highest precedence), and
// validates the result.
func LoadBrokerConfig(configPath string) (*BrokerConfig, error) {
	v := defaultBrokerViper()
	applyEnv(v)

	if configPath != "" {
		v.SetConfigFile(configPath)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config file %s: %w", configPath, err)
		}
	}

	var cfg BrokerConfig
	if err := v.Unmarshal(&cfg, viper.DecodeHook(mapstructure.ComposeDecodeHookFunc(durationDecodeHook, byteSizeDecodeHook))); err != nil {
		return nil, fmt.Errorf("decode broker config: %w", err)
	}
	if err := validate.Struct(&cfg); err != nil {
		return nil, fmt.Errorf("invalid broker config: %w", err)
	}
	return &cfg, nil
}

// LoadProxyConfig is LoadBrokerConfig's mount-daemon counterpart.
func LoadProxyConfig(configPath string) (*ProxyConfig, error) {
	v := defaultProxyViper()
	applyEnv(v)

	if configPath != "" {
		v.SetConfigFile(configPath)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config file %s: %w", configPath, err)
		}
	}

	var cfg ProxyConfig
	if err := v.Unmarshal(&cfg, viper.DecodeHook(durationDecodeHook)); err != nil {
		return nil, fmt.Errorf("decode proxy config: %w", err)
	}
	if err := validate.Struct(&cfg); err != nil {
		return nil, fmt.Errorf("invalid proxy config: %w", err)
	}
	return &cfg, nil
}

// applyEnv wires the GATE_* environment variables named in spec §6 onto
// their mapstructure keys, with "_" -> "." so nested keys (store.backend)
// are reachable from a flat env namespace.
func applyEnv(v *viper.Viper) {
	v.SetEnvPrefix("GATE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Explicit binds for the names spec §6 calls out verbatim.
	_ = v.BindEnv("state_dir", "GATE_STATE_DIR")
	_ = v.BindEnv("host", "GATE_BROKER_HOST")
	_ = v.BindEnv("port", "GATE_BROKER_PORT")
	_ = v.BindEnv("lease_ms", "GATE_LEASE_MS")
	_ = v.BindEnv("max_hold_ms", "GATE_MAX_HOLD_MS")
	_ = v.BindEnv("acquire_timeout_ms", "GATE_ACQUIRE_TIMEOUT_MS")
	_ = v.BindEnv("release_on_flush", "GATE_RELEASE_ON_FLUSH")
}
