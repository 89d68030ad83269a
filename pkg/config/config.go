// Package config loads the tgctl configuration: struct tag defaults, then the
// YAML file, then TGCTL_* environment overrides.
package config

import (
	"fmt"
	"os"
	"time"

	"github.com/kelseyhightower/envconfig"
	"github.com/mcuadros/go-defaults"
	"gopkg.in/yaml.v3"

	"github.com/takehaya/tgctl/pkg/logger"
	"github.com/takehaya/tgctl/pkg/switchif"
	"github.com/takehaya/tgctl/pkg/tg"
)

const EnvPrefix = "TGCTL"

const (
	DigestSourceMemory = "memory"
	DigestSourceNATS   = "nats"
)

type Config struct {
	Logger     logger.Config    `yaml:"logger"`
	Switch     SwitchConfig     `yaml:"switch"`
	Digest     DigestConfig     `yaml:"digest"`
	TrafficGen TrafficGenConfig `yaml:"trafficgen"`
	API        APIConfig        `yaml:"api"`
	Export     ExportConfig     `yaml:"export"`
	Plugin     PluginConfig     `yaml:"plugin"`
	Stats      StatsConfig      `yaml:"stats"`
}

// PortConfig is a front panel port and its recirculation ports.
type PortConfig struct {
	Port     uint32 `yaml:"port"`
	TxRecirc uint32 `yaml:"tx_recirc"`
	RxRecirc uint32 `yaml:"rx_recirc"`
}

type SwitchConfig struct {
	Ports []PortConfig `yaml:"ports"`
}

// PortMapping converts the port list for the scheduler and the aggregator.
func (s SwitchConfig) PortMapping() switchif.PortMapping {
	m := make(switchif.PortMapping, len(s.Ports))
	for _, p := range s.Ports {
		m[p.Port] = switchif.RecircPorts{TxRecirc: p.TxRecirc, RxRecirc: p.RxRecirc}
	}
	return m
}

type DigestConfig struct {
	Source         string        `yaml:"source" default:"memory"`
	NATSURL        string        `yaml:"nats_url" default:"nats://127.0.0.1:4222"`
	Subject        string        `yaml:"subject" default:"tgctl.digest"`
	ReceiveTimeout time.Duration `yaml:"receive_timeout" default:"2s"`
}

type TrafficGenConfig struct {
	tg.Config `yaml:",inline"`
	// MeasurementDelay postpones IAT/RTT collection after a start so that
	// packets of a previous run are not measured.
	MeasurementDelay time.Duration `yaml:"measurement_delay" default:"10s"`
}

type APIConfig struct {
	Listen string `yaml:"listen" default:":8000"`
}

type ClickHouseConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Addr     string `yaml:"addr" default:"127.0.0.1:9000"`
	Database string `yaml:"database" default:"default"`
	Username string `yaml:"username" default:"default"`
	Password string `yaml:"password"`
	Table    string `yaml:"table" default:"port_statistics"`
}

type NATSExportConfig struct {
	Enabled bool   `yaml:"enabled"`
	URL     string `yaml:"url" default:"nats://127.0.0.1:4222"`
	Subject string `yaml:"subject" default:"tgctl.statistics"`
}

type ExportConfig struct {
	Interval   time.Duration    `yaml:"interval" default:"10s"`
	ClickHouse ClickHouseConfig `yaml:"clickhouse"`
	NATS       NATSExportConfig `yaml:"nats"`
}

type PluginConfig struct {
	Dir     string `yaml:"dir" default:"/usr/local/lib/tgctl/plugins/"`
	Payload string `yaml:"payload"` // 空なら固定パターン
	Config  string `yaml:"config"`  // plugin_init に渡すJSON
}

type StatsConfig struct {
	Enabled  bool          `yaml:"enabled"`
	Interval time.Duration `yaml:"interval" default:"1s"`
}

// envOverrides carries no default tags, envconfig would apply them too.
type envOverrides struct {
	LogVerbose     *int    `envconfig:"LOG_VERBOSE"`
	LogJSON        *bool   `envconfig:"LOG_JSON"`
	APIListen      *string `envconfig:"API_LISTEN"`
	DigestSource   *string `envconfig:"DIGEST_SOURCE"`
	DigestNATSURL  *string `envconfig:"DIGEST_NATS_URL"`
	ClickHouseAddr *string `envconfig:"CLICKHOUSE_ADDR"`
	ClickHousePass *string `envconfig:"CLICKHOUSE_PASSWORD"`
	ExportNATSURL  *string `envconfig:"EXPORT_NATS_URL"`
	PluginDir      *string `envconfig:"PLUGIN_DIR"`
	PluginPayload  *string `envconfig:"PLUGIN_PAYLOAD"`
}

func (e envOverrides) apply(c *Config) {
	setIf(&c.Logger.Verbose, e.LogVerbose)
	setIf(&c.Logger.JSON, e.LogJSON)
	setIf(&c.API.Listen, e.APIListen)
	setIf(&c.Digest.Source, e.DigestSource)
	setIf(&c.Digest.NATSURL, e.DigestNATSURL)
	setIf(&c.Export.ClickHouse.Addr, e.ClickHouseAddr)
	setIf(&c.Export.ClickHouse.Password, e.ClickHousePass)
	setIf(&c.Export.NATS.URL, e.ExportNATSURL)
	setIf(&c.Plugin.Dir, e.PluginDir)
	setIf(&c.Plugin.Payload, e.PluginPayload)
}

func setIf[T any](dst *T, v *T) {
	if v != nil {
		*dst = *v
	}
}

// Default returns a configuration holding only the tag defaults.
func Default() *Config {
	cfg := &Config{}
	defaults.SetDefaults(cfg)
	return cfg
}

// Load reads path (optional) and applies the environment. The result is
// validated.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path != "" {
		b, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
		if err := Parse(b, cfg); err != nil {
			return nil, err
		}
	}

	var env envOverrides
	if err := envconfig.Process(EnvPrefix, &env); err != nil {
		return nil, fmt.Errorf("failed to process environment: %w", err)
	}
	env.apply(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

// Parse overlays YAML on cfg.
func Parse(b []byte, cfg *Config) error {
	if err := yaml.Unmarshal(b, cfg); err != nil {
		return fmt.Errorf("failed to parse config: %w", err)
	}
	return nil
}

func (c *Config) Validate() error {
	if len(c.Switch.Ports) == 0 {
		return fmt.Errorf("switch.ports must not be empty")
	}
	seen := make(map[uint32]string)
	for _, p := range c.Switch.Ports {
		for name, port := range map[string]uint32{"port": p.Port, "tx_recirc": p.TxRecirc, "rx_recirc": p.RxRecirc} {
			if other, ok := seen[port]; ok {
				return fmt.Errorf("port %d used as %s and %s", port, other, name)
			}
			seen[port] = name
		}
	}
	if err := c.TrafficGen.Validate(); err != nil {
		return fmt.Errorf("trafficgen: %w", err)
	}
	if c.TrafficGen.MeasurementDelay < 0 {
		return fmt.Errorf("trafficgen.measurement_delay must not be negative")
	}

	switch c.Digest.Source {
	case DigestSourceMemory:
	case DigestSourceNATS:
		if c.Digest.NATSURL == "" || c.Digest.Subject == "" {
			return fmt.Errorf("digest.nats_url and digest.subject are required for the nats source")
		}
	default:
		return fmt.Errorf("unknown digest.source %q", c.Digest.Source)
	}
	if c.Digest.ReceiveTimeout <= 0 {
		return fmt.Errorf("digest.receive_timeout must be positive")
	}

	if (c.Export.ClickHouse.Enabled || c.Export.NATS.Enabled) && c.Export.Interval <= 0 {
		return fmt.Errorf("export.interval must be positive")
	}
	if c.Stats.Enabled && c.Stats.Interval <= 0 {
		return fmt.Errorf("stats.interval must be positive")
	}
	if c.API.Listen == "" {
		return fmt.Errorf("api.listen is required")
	}
	return nil
}
