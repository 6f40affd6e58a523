package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v2"
)

type Config struct {
	Player struct {
		BufferLow    int           `yaml:"buffer_low_ms"`
		BufferHigh   int           `yaml:"buffer_high_ms"`
		IdleTimeout  time.Duration `yaml:"idle_timeout"`
		Reliable     bool          `yaml:"reliable"`
		MediaExt     string        `yaml:"media_ext"`
		MaxWidth     int           `yaml:"max_width"`
		MaxHeight    int           `yaml:"max_height"`
		ManagedMedia bool          `yaml:"managed_media_source"`
		FixedRate    bool          `yaml:"fixed_playback_rate"` // suppress dynamic rate on glitchy sinks
	} `yaml:"player"`

	Source struct {
		AudioTrack *int64 `yaml:"audio_track"` // nil = automatic, -1 = disabled
		VideoTrack *int64 `yaml:"video_track"`
		CMCD       string `yaml:"cmcd"` // "", "query" or "headers"
		CMCDFull   bool   `yaml:"cmcd_full"`
		ContentID  string `yaml:"content_id"`
	} `yaml:"source"`

	Transport struct {
		ConnectTimeout time.Duration `yaml:"connect_timeout"`
		HeaderTimeout  time.Duration `yaml:"header_timeout"`
	} `yaml:"transport"`

	Monitoring struct {
		Enabled bool   `yaml:"enabled"`
		Address string `yaml:"address"`
	} `yaml:"monitoring"`

	Tracing struct {
		Enabled    bool    `yaml:"enabled"`
		JaegerURL  string  `yaml:"jaeger_url"`
		SampleRate float64 `yaml:"sample_rate"`
	} `yaml:"tracing"`

	Logging struct {
		Level  string `yaml:"level"`
		Format string `yaml:"format"`
	} `yaml:"logging"`

	Auth struct {
		AccessToken string `yaml:"access_token"`
	} `yaml:"auth"`
}

// Validate checks that configuration values are within acceptable ranges.
func (c *Config) Validate() error {
	if c.Player.BufferLow <= 0 {
		return fmt.Errorf("player.buffer_low_ms must be > 0")
	}
	if c.Player.BufferHigh <= c.Player.BufferLow {
		return fmt.Errorf("player.buffer_high_ms must be > buffer_low_ms")
	}
	if c.Player.IdleTimeout <= 0 {
		return fmt.Errorf("player.idle_timeout must be > 0")
	}
	if c.Player.MediaExt == "" {
		return fmt.Errorf("player.media_ext must not be empty")
	}

	switch c.Source.CMCD {
	case "", "query", "headers":
	default:
		return fmt.Errorf("source.cmcd must be empty, \"query\" or \"headers\"")
	}
	if c.Source.AudioTrack != nil && *c.Source.AudioTrack < -1 {
		return fmt.Errorf("source.audio_track must be >= -1")
	}
	if c.Source.VideoTrack != nil && *c.Source.VideoTrack < -1 {
		return fmt.Errorf("source.video_track must be >= -1")
	}

	if c.Transport.ConnectTimeout <= 0 {
		return fmt.Errorf("transport.connect_timeout must be > 0")
	}
	if c.Transport.HeaderTimeout <= 0 {
		return fmt.Errorf("transport.header_timeout must be > 0")
	}

	if c.Monitoring.Enabled && c.Monitoring.Address == "" {
		return fmt.Errorf("monitoring.address must not be empty when monitoring.enabled=true")
	}

	if c.Tracing.Enabled {
		if c.Tracing.JaegerURL == "" {
			return fmt.Errorf("tracing.jaeger_url must not be empty when tracing.enabled=true")
		}
		if c.Tracing.SampleRate <= 0 || c.Tracing.SampleRate > 1 {
			return fmt.Errorf("tracing.sample_rate must be in (0, 1]")
		}
	}

	if c.Logging.Level == "" {
		return fmt.Errorf("logging.level must not be empty")
	}

	return nil
}

// Load reads configuration from YAML file, applies defaults and env overrides.
func Load(configPath string) (*Config, error) {
	// If file does not exist, fall back to defaults
	if _, err := os.Stat(configPath); os.IsNotExist(err) {
		cfg := DefaultConfig()
		cfg.applyEnvOverrides()
		return cfg, nil
	}

	data, err := os.ReadFile(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file %s: %w", configPath, err)
	}

	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config yaml: %w", err)
	}

	cfg.applyEnvOverrides()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// DefaultConfig returns configuration with sane defaults.
func DefaultConfig() *Config {
	cfg := &Config{}

	cfg.Player.BufferLow = 150
	cfg.Player.BufferHigh = 550
	cfg.Player.IdleTimeout = 14 * time.Second
	cfg.Player.Reliable = false
	cfg.Player.MediaExt = "rts"
	cfg.Player.MaxWidth = 3840
	cfg.Player.MaxHeight = 2160
	cfg.Player.ManagedMedia = false
	cfg.Player.FixedRate = false

	cfg.Source.CMCD = ""
	cfg.Source.CMCDFull = false

	cfg.Transport.ConnectTimeout = 10 * time.Second
	cfg.Transport.HeaderTimeout = 10 * time.Second

	cfg.Monitoring.Enabled = false
	cfg.Monitoring.Address = ":9091"

	cfg.Tracing.Enabled = false
	cfg.Tracing.JaegerURL = "http://localhost:14268/api/traces"
	cfg.Tracing.SampleRate = 1.0

	cfg.Logging.Level = "info"
	cfg.Logging.Format = "json"

	return cfg
}

func (c *Config) applyEnvOverrides() {
	if level := os.Getenv("WRTS_LOG_LEVEL"); level != "" {
		c.Logging.Level = level
	}
	if addr := os.Getenv("WRTS_MONITORING_ADDRESS"); addr != "" {
		c.Monitoring.Address = addr
	}
	if token := os.Getenv("WRTS_ACCESS_TOKEN"); token != "" {
		c.Auth.AccessToken = token
	}
}
