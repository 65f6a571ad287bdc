package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/tidwall/jsonc"
	"gopkg.in/yaml.v3"

	"github.com/c360/iris/engine"
	"github.com/c360/iris/errors"
	"github.com/c360/iris/input/kernel"
	"github.com/c360/iris/output/nats"
	"github.com/c360/iris/output/websocket"
)

// EnvPrefix prefixes every environment override, e.g. IRIS_KERNEL_SOCKET_PATH.
const EnvPrefix = "IRIS_"

// Config represents the complete application configuration
type Config struct {
	Server      ServerConfig     `json:"server"      envPrefix:"SERVER_"`
	Log         LogConfig        `json:"log"         envPrefix:"LOG_"`
	Kernel      kernel.Config    `json:"kernel"      envPrefix:"KERNEL_"`
	Distributor websocket.Config `json:"distributor" envPrefix:"DISTRIBUTOR_"`
	NATS        nats.Config      `json:"nats"        envPrefix:"NATS_"`
	Engine      engine.Config    `json:"engine"      envPrefix:"ENGINE_"`
}

// ServerConfig holds the control plane HTTP settings.
type ServerConfig struct {
	Addr            string        `json:"addr"             env:"ADDR"`
	ShutdownTimeout time.Duration `json:"shutdown_timeout" env:"SHUTDOWN_TIMEOUT"`
}

// LogConfig selects the slog handler.
type LogConfig struct {
	Level  string `json:"level"  env:"LEVEL"`
	Format string `json:"format" env:"FORMAT"`
}

// Default returns the configuration used when nothing overrides it.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Addr:            ":8080",
			ShutdownTimeout: 10 * time.Second,
		},
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
		Kernel:      kernel.DefaultConfig(),
		Distributor: websocket.DefaultConfig(),
		NATS:        nats.DefaultConfig(),
		Engine:      engine.DefaultConfig(),
	}
}

// Validate checks every section.
func (c *Config) Validate() error {
	if c.Server.Addr == "" {
		return errors.WrapInvalid(errors.ErrMissingConfig, "Config", "Validate", "server.addr check")
	}
	if c.Server.ShutdownTimeout <= 0 {
		return errors.WrapInvalid(errors.ErrInvalidConfig, "Config", "Validate", "server.shutdown_timeout check")
	}

	switch strings.ToLower(c.Log.Level) {
	case "debug", "info", "warn", "error":
	default:
		return errors.WrapInvalid(fmt.Errorf("%w: log level %q", errors.ErrInvalidConfig, c.Log.Level),
			"Config", "Validate", "log.level check")
	}
	switch c.Log.Format {
	case "text", "json":
	default:
		return errors.WrapInvalid(fmt.Errorf("%w: log format %q", errors.ErrInvalidConfig, c.Log.Format),
			"Config", "Validate", "log.format check")
	}

	for _, section := range []struct {
		name     string
		validate func() error
	}{
		{"kernel", c.Kernel.Validate},
		{"distributor", c.Distributor.Validate},
		{"nats", c.NATS.Validate},
		{"engine", c.Engine.Validate},
	} {
		if err := section.validate(); err != nil {
			return fmt.Errorf("%s configuration: %w", section.name, err)
		}
	}
	return nil
}

// String renders the configuration as indented JSON.
func (c *Config) String() string {
	data, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return fmt.Sprintf("Config{error: %v}", err)
	}
	return string(data)
}

// SaveToFile writes the configuration as JSON.
func (c *Config) SaveToFile(path string) error {
	data, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return errors.Wrap(err, "Config", "SaveToFile", "marshal config")
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return errors.Wrap(err, "Config", "SaveToFile", "write file")
	}
	return nil
}

// Loader handles configuration loading with layers and overrides
type Loader struct {
	layers     []string
	validation bool
	envPrefix  string
	environ    []string
}

// NewLoader creates a new configuration loader
func NewLoader() *Loader {
	return &Loader{
		validation: true,
		envPrefix:  EnvPrefix,
	}
}

// AddLayer adds a configuration file layer. Later layers win.
func (l *Loader) AddLayer(path string) {
	l.layers = append(l.layers, path)
}

// EnableValidation enables or disables configuration validation
func (l *Loader) EnableValidation(enable bool) {
	l.validation = enable
}

// WithEnvironment replaces os.Environ() as the source of overrides.
func (l *Loader) WithEnvironment(environ []string) *Loader {
	l.environ = environ
	return l
}

// Load applies defaults, every file layer and then environment overrides.
func (l *Loader) Load() (*Config, error) {
	cfg := Default()

	for _, path := range l.layers {
		if err := l.applyFile(cfg, path); err != nil {
			return nil, err
		}
	}

	if err := l.applyEnvOverrides(cfg); err != nil {
		return nil, err
	}

	if l.validation {
		if err := cfg.Validate(); err != nil {
			return nil, err
		}
	}
	return cfg, nil
}

// applyFile decodes path over cfg. Fields missing from the file keep
// their current values.
func (l *Loader) applyFile(cfg *Config, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return errors.WrapInvalid(err, "Loader", "Load", "read "+path)
	}

	raw, err := decodeDocument(path, data)
	if err != nil {
		return errors.WrapInvalid(err, "Loader", "Load", "parse "+path)
	}
	if err := ValidateDocument(raw); err != nil {
		return fmt.Errorf("%s: %w", path, err)
	}
	if err := parseDurations(raw); err != nil {
		return errors.WrapInvalid(err, "Loader", "Load", "parse durations in "+path)
	}

	processed, err := json.Marshal(raw)
	if err != nil {
		return errors.WrapInvalid(err, "Loader", "Load", "re-encode "+path)
	}
	if err := json.Unmarshal(processed, cfg); err != nil {
		return errors.WrapInvalid(err, "Loader", "Load", "decode "+path)
	}
	return nil
}

// decodeDocument reads YAML for .yaml and .yml files and JSON, comments
// and trailing commas allowed, for everything else.
func decodeDocument(path string, data []byte) (map[string]any, error) {
	raw := map[string]any{}
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(data, &raw); err != nil {
			return nil, err
		}
	default:
		if err := json.Unmarshal(jsonc.ToJSON(data), &raw); err != nil {
			return nil, err
		}
	}
	return raw, nil
}

func (l *Loader) applyEnvOverrides(cfg *Config) error {
	opts := env.Options{Prefix: l.envPrefix}
	if l.environ != nil {
		opts.Environment = env.ToMap(l.environ)
	}
	if err := env.ParseWithOptions(cfg, opts); err != nil {
		return errors.WrapInvalid(err, "Loader", "Load", "parse environment")
	}
	return nil
}

// durationSuffixes marks keys whose string values are Go durations.
var durationSuffixes = []string{"_delay", "_timeout", "_interval", "_gap", "_wait", "_max_open"}

// parseDurations converts duration strings ("2s", "1d") under duration keys
// to nanoseconds so they unmarshal into time.Duration.
func parseDurations(data map[string]any) error {
	for key, value := range data {
		switch v := value.(type) {
		case map[string]any:
			if err := parseDurations(v); err != nil {
				return err
			}
		case string:
			if !isDurationKey(key) {
				continue
			}
			d, err := parseDurationWithDays(v)
			if err != nil {
				return fmt.Errorf("%s: %w", key, err)
			}
			data[key] = d.Nanoseconds()
		}
	}
	return nil
}

func isDurationKey(key string) bool {
	for _, suffix := range durationSuffixes {
		if strings.HasSuffix(key, suffix) {
			return true
		}
	}
	return false
}

// parseDurationWithDays parses durations that may include days (e.g., "14d")
func parseDurationWithDays(s string) (time.Duration, error) {
	if days, ok := strings.CutSuffix(s, "d"); ok {
		n, err := strconv.Atoi(days)
		if err != nil {
			return 0, err
		}
		return time.Duration(n) * 24 * time.Hour, nil
	}
	return time.ParseDuration(s)
}
