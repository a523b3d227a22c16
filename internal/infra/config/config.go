package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/hieuntg81/locationd/internal/domain"
)

// Config is the top-level daemon configuration.
type Config struct {
	Source SourceConfig `yaml:"source"`
	Logger LoggerConfig `yaml:"logger"`
	Tracer TracerConfig `yaml:"tracer"`
}

// SourceConfig holds position-source settings.
type SourceConfig struct {
	// DesktopID is the application identity sent to the service. The
	// QT_GEOCLUE_APP_DESKTOP_ID environment variable takes precedence
	// over this value at session-configure time.
	DesktopID string `yaml:"desktop_id"`

	UpdateIntervalMs int `yaml:"update_interval_ms"`

	// PreferredMethods is one of "all", "satellite", "non-satellite",
	// "none". Defaults to "all".
	PreferredMethods string `yaml:"preferred_methods"`

	// DistanceThresholdM is passed through to the service. 0 keeps the
	// service default.
	DistanceThresholdM uint32 `yaml:"distance_threshold_m"`

	// CacheDir overrides the directory holding the last-position cache.
	// Empty selects the platform data directory.
	CacheDir string `yaml:"cache_dir"`
}

// LoggerConfig holds logging settings.
type LoggerConfig struct {
	Level  string `yaml:"level"`  // debug, info, warn, error
	Format string `yaml:"format"` // text, json
	Output string `yaml:"output"` // stdout, stderr, or a file path
}

// TracerConfig holds tracing settings.
type TracerConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Exporter string `yaml:"exporter"` // stdout, noop
}

// Defaults returns the configuration used when no file is present.
func Defaults() *Config {
	return &Config{
		Source: SourceConfig{
			PreferredMethods: "all",
		},
		Logger: LoggerConfig{
			Level:  "info",
			Format: "text",
			Output: "stderr",
		},
		Tracer: TracerConfig{
			Enabled:  false,
			Exporter: "noop",
		},
	}
}

// Load reads the configuration file at path. A missing file is not an
// error: defaults apply.
func Load(path string) (*Config, error) {
	cfg := Defaults()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return nil, fmt.Errorf("read config: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks the configuration for values that cannot be applied.
func Validate(cfg *Config) error {
	if cfg.Source.UpdateIntervalMs < 0 {
		return fmt.Errorf("source.update_interval_ms must not be negative")
	}
	if _, err := cfg.Source.Methods(); err != nil {
		return err
	}
	switch cfg.Logger.Format {
	case "", "text", "json":
	default:
		return fmt.Errorf("logger.format %q is not supported", cfg.Logger.Format)
	}
	return nil
}

// Methods parses the preferred-methods setting.
func (c SourceConfig) Methods() (domain.PositioningMethods, error) {
	switch c.PreferredMethods {
	case "", "all":
		return domain.AllPositioningMethods, nil
	case "satellite":
		return domain.SatellitePositioningMethods, nil
	case "non-satellite":
		return domain.NonSatellitePositioningMethods, nil
	case "none":
		return domain.NoPositioningMethods, nil
	default:
		return 0, fmt.Errorf("source.preferred_methods %q is not supported", c.PreferredMethods)
	}
}
