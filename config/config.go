package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"

	"github.com/vinayprograms/beekeeper/errors"
	"github.com/vinayprograms/beekeeper/logging"
	"github.com/vinayprograms/beekeeper/registry"
)

// EnvPrefix prefixes every environment override.
const EnvPrefix = "BEEKEEPER_"

// Duration is a time.Duration written as a string ("500ms", "5m").
type Duration struct {
	time.Duration
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (d *Duration) UnmarshalText(text []byte) error {
	v, err := time.ParseDuration(string(text))
	if err != nil {
		return err
	}
	d.Duration = v
	return nil
}

// MarshalText implements encoding.TextMarshaler.
func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.Duration.String()), nil
}

// Config is the full configuration.
type Config struct {
	Storage   StorageConfig   `toml:"storage"`
	Scheduler SchedulerConfig `toml:"scheduler"`
	Driver    DriverConfig    `toml:"driver"`
	Logging   LoggingConfig   `toml:"logging"`
	Metrics   MetricsConfig   `toml:"metrics"`
	Telemetry TelemetryConfig `toml:"telemetry"`
}

// StorageConfig locates the event logs.
type StorageConfig struct {
	DataDir  string `toml:"data_dir"`
	AgentLog string `toml:"agent_log"`
	TaskLog  string `toml:"task_log"`
	Fsync    bool   `toml:"fsync"`
}

// AgentLogPath returns the agent log path, resolved against DataDir.
func (s StorageConfig) AgentLogPath() string {
	return s.resolve(s.AgentLog)
}

// TaskLogPath returns the task log path, resolved against DataDir.
func (s StorageConfig) TaskLogPath() string {
	return s.resolve(s.TaskLog)
}

func (s StorageConfig) resolve(p string) string {
	if filepath.IsAbs(p) {
		return p
	}
	return filepath.Join(s.DataDir, p)
}

// SchedulerConfig tunes the task scheduler.
type SchedulerConfig struct {
	TickInterval Duration `toml:"tick_interval"`
	AdminAgentID string   `toml:"admin_agent_id"`
}

// DriverConfig tunes interaction runs.
type DriverConfig struct {
	PollInterval Duration `toml:"poll_interval"`
	Timeout      Duration `toml:"timeout"` // 0 waits forever
}

// LoggingConfig sets console logging.
type LoggingConfig struct {
	Level string `toml:"level"`
}

// MetricsConfig sets the Prometheus endpoint.
type MetricsConfig struct {
	Listen string `toml:"listen"`
}

// TelemetryConfig sets OTLP trace export. An empty endpoint disables it.
type TelemetryConfig struct {
	Endpoint    string `toml:"endpoint"`
	Protocol    string `toml:"protocol"`
	Insecure    bool   `toml:"insecure"`
	ServiceName string `toml:"service_name"`
	Debug       bool   `toml:"debug"`
}

// Default returns the configuration used when no file is given.
func Default() *Config {
	return &Config{
		Storage: StorageConfig{
			DataDir:  "data",
			AgentLog: "agents.jsonl",
			TaskLog:  "tasks.jsonl",
		},
		Scheduler: SchedulerConfig{
			TickInterval: Duration{time.Second},
			AdminAgentID: "supervisor:admin[1]:1",
		},
		Driver: DriverConfig{
			PollInterval: Duration{250 * time.Millisecond},
			Timeout:      Duration{5 * time.Minute},
		},
		Logging: LoggingConfig{Level: "info"},
		Telemetry: TelemetryConfig{
			Protocol:    "http",
			ServiceName: "beekeeper",
		},
	}
}

// Load reads path (if not empty), applies environment overrides and
// validates the result.
func Load(path string) (*Config, error) {
	return LoadWithEnv(path, os.LookupEnv)
}

// LoadWithEnv is Load with a custom environment lookup.
func LoadWithEnv(path string, lookup func(string) (string, bool)) (*Config, error) {
	cfg := Default()
	if path != "" {
		md, err := toml.DecodeFile(path, cfg)
		if err != nil {
			return nil, fmt.Errorf("load config %s: %w", path, err)
		}
		if undecoded := md.Undecoded(); len(undecoded) > 0 {
			keys := make([]string, len(undecoded))
			for i, k := range undecoded {
				keys[i] = k.String()
			}
			return nil, errors.InvalidInput("unknown config keys: " + strings.Join(keys, ", "))
		}
	}
	if err := cfg.applyEnv(lookup); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

type envBinding struct {
	name string
	set  func(string) error
}

func (c *Config) bindings() []envBinding {
	str := func(p *string) func(string) error {
		return func(v string) error { *p = v; return nil }
	}
	boolean := func(p *bool) func(string) error {
		return func(v string) error {
			b, err := strconv.ParseBool(v)
			if err != nil {
				return err
			}
			*p = b
			return nil
		}
	}
	dur := func(p *Duration) func(string) error {
		return func(v string) error { return p.UnmarshalText([]byte(v)) }
	}

	return []envBinding{
		{"DATA_DIR", str(&c.Storage.DataDir)},
		{"AGENT_LOG", str(&c.Storage.AgentLog)},
		{"TASK_LOG", str(&c.Storage.TaskLog)},
		{"FSYNC", boolean(&c.Storage.Fsync)},
		{"TICK_INTERVAL", dur(&c.Scheduler.TickInterval)},
		{"ADMIN_AGENT_ID", str(&c.Scheduler.AdminAgentID)},
		{"POLL_INTERVAL", dur(&c.Driver.PollInterval)},
		{"TIMEOUT", dur(&c.Driver.Timeout)},
		{"LOG_LEVEL", str(&c.Logging.Level)},
		{"METRICS_LISTEN", str(&c.Metrics.Listen)},
		{"OTLP_ENDPOINT", str(&c.Telemetry.Endpoint)},
		{"OTLP_PROTOCOL", str(&c.Telemetry.Protocol)},
		{"OTLP_INSECURE", boolean(&c.Telemetry.Insecure)},
		{"SERVICE_NAME", str(&c.Telemetry.ServiceName)},
		{"TRACE_DEBUG", boolean(&c.Telemetry.Debug)},
	}
}

func (c *Config) applyEnv(lookup func(string) (string, bool)) error {
	if lookup == nil {
		return nil
	}
	for _, b := range c.bindings() {
		v, ok := lookup(EnvPrefix + b.name)
		if !ok {
			continue
		}
		if err := b.set(v); err != nil {
			return errors.InvalidInput(fmt.Sprintf("%s%s: %v", EnvPrefix, b.name, err))
		}
	}
	return nil
}

// Validate checks required values and ranges.
func (c *Config) Validate() error {
	var errs []error
	if c.Storage.AgentLog == "" || c.Storage.TaskLog == "" {
		errs = append(errs, errors.InvalidInput("storage.agent_log and storage.task_log are required"))
	} else if c.Storage.AgentLogPath() == c.Storage.TaskLogPath() {
		errs = append(errs, errors.InvalidInput("agent and task logs must be different files"))
	}
	if c.Scheduler.TickInterval.Duration <= 0 {
		errs = append(errs, errors.InvalidInput("scheduler.tick_interval must be positive"))
	}
	if _, err := registry.Codec.DecodeInstance(c.Scheduler.AdminAgentID); err != nil {
		errs = append(errs, errors.InvalidInput("scheduler.admin_agent_id: "+err.Error()))
	}
	if c.Driver.PollInterval.Duration <= 0 {
		errs = append(errs, errors.InvalidInput("driver.poll_interval must be positive"))
	}
	if c.Driver.Timeout.Duration < 0 {
		errs = append(errs, errors.InvalidInput("driver.timeout must not be negative"))
	}
	if _, ok := logging.ParseLevel(c.Logging.Level); !ok {
		errs = append(errs, errors.InvalidInput("logging.level: unknown level "+c.Logging.Level))
	}
	switch c.Telemetry.Protocol {
	case "", "http", "grpc":
	default:
		errs = append(errs, errors.InvalidInput("telemetry.protocol must be http or grpc"))
	}
	return errors.Join(errs...)
}
