package config

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"gopkg.in/yaml.v3"
)

// Config is the main configuration struct.
type Config struct {
	Server     ServerConfig     `yaml:"server"`
	Security   SecurityConfig   `yaml:"security"`
	Logging    LoggingConfig    `yaml:"logging"`
	History    HistoryConfig    `yaml:"history"`
	Stream     StreamConfig     `yaml:"stream"`
	Whiteboard WhiteboardConfig `yaml:"whiteboard"`
	Timeout    TimeoutConfig    `yaml:"timeout"`
	Ingest     IngestConfig     `yaml:"ingest"`
	Generation GenerationConfig `yaml:"generation"`
	Retention  RetentionConfig  `yaml:"retention"`
	Telemetry  TelemetryConfig  `yaml:"telemetry"`
}

// ServerConfig holds listener and storage settings.
type ServerConfig struct {
	Address  string `yaml:"address"`
	Port     int    `yaml:"port"`
	FeedPort int    `yaml:"feed_port"`
	DBPath   string `yaml:"db_path"`
}

// SecurityConfig holds security related settings.
type SecurityConfig struct {
	CORS struct {
		AllowedOrigins []string `yaml:"allowed_origins"`
	} `yaml:"cors"`
	RateLimit struct {
		RPS   float64 `yaml:"rps"`
		Burst int     `yaml:"burst"`
	} `yaml:"rate_limit"`
	IPWhitelist []string `yaml:"ip_whitelist"`
	APIKeys     struct {
		Backend  []string `yaml:"backend"`
		Frontend []string `yaml:"frontend"`
		Admin    []string `yaml:"admin"`
	} `yaml:"api_keys"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"` // json | console
}

// HistoryConfig controls reverse-chronological paging.
type HistoryConfig struct {
	PageSize    int `yaml:"page_size"`
	MaxPageSize int `yaml:"max_page_size"`
}

// StreamConfig controls chunk delivery and accumulation.
type StreamConfig struct {
	MaxMessageSize   SizeBytes `yaml:"max_message_size"`
	FlushInterval    Duration  `yaml:"flush_interval"`
	SubscriberBuffer int       `yaml:"subscriber_buffer"`
}

// WhiteboardConfig controls the shared conversation document.
type WhiteboardConfig struct {
	MaxSize        SizeBytes `yaml:"max_size"`
	EditSessionTTL Duration  `yaml:"edit_session_ttl"`
}

// TimeoutConfig holds the client-side stall detection window. The server
// only hands these values to clients; it never enforces them.
type TimeoutConfig struct {
	Window        Duration `yaml:"window"`
	CheckInterval Duration `yaml:"check_interval"`
}

// IngestConfig holds generation queue settings.
type IngestConfig struct {
	Workers       int `yaml:"workers"`
	QueueCapacity int `yaml:"queue_capacity"`
}

// GenerationConfig selects the model invocation backend.
type GenerationConfig struct {
	Provider   string   `yaml:"provider"` // echo
	ChunkDelay Duration `yaml:"chunk_delay"`
}

// RetentionConfig holds configuration for the automatic purge runner.
type RetentionConfig struct {
	Enabled bool     `yaml:"enabled"`
	Cron    string   `yaml:"cron"`
	Period  Duration `yaml:"period"`
	DryRun  bool     `yaml:"dry_run"`
	// LockTTL is the lease TTL taken by a run. Zero picks the default.
	LockTTL Duration `yaml:"lock_ttl"`
}

// TelemetryConfig controls metrics exposure and slow-op logging.
type TelemetryConfig struct {
	Enabled       bool     `yaml:"enabled"`
	SlowThreshold Duration `yaml:"slow_threshold"`
}

// SizeBytes represents a number of bytes, unmarshaled from human-friendly strings like "64MB" or plain integers.
type SizeBytes int64

func (s *SizeBytes) UnmarshalYAML(node *yaml.Node) error {
	if node == nil {
		*s = 0
		return nil
	}
	v, err := parseSize(node.Value)
	if err != nil {
		return err
	}
	*s = v
	return nil
}

func (s SizeBytes) Int64() int64 { return int64(s) }

func (s SizeBytes) String() string { return humanize.IBytes(uint64(s)) }

func parseSize(raw string) (SizeBytes, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return 0, nil
	}
	if v, err := humanize.ParseBytes(raw); err == nil {
		return SizeBytes(v), nil
	}
	if i, err := strconv.ParseInt(raw, 10, 64); err == nil {
		return SizeBytes(i), nil
	}
	return 0, fmt.Errorf("invalid size value: %q", raw)
}

// Duration is a wrapper around time.Duration that supports YAML parsing from strings like "100ms" or plain numbers (interpreted as seconds).
type Duration time.Duration

func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	if node == nil {
		*d = Duration(0)
		return nil
	}
	v, err := parseDuration(node.Value)
	if err != nil {
		return err
	}
	*d = v
	return nil
}

func (d Duration) Duration() time.Duration { return time.Duration(d) }

func parseDuration(raw string) (Duration, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return 0, nil
	}
	if td, err := time.ParseDuration(raw); err == nil {
		return Duration(td), nil
	}
	// allow numeric seconds
	if f, err := strconv.ParseFloat(raw, 64); err == nil {
		return Duration(time.Duration(f * float64(time.Second))), nil
	}
	return 0, fmt.Errorf("invalid duration value: %q", raw)
}
