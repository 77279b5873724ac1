package config

import (
	"fmt"
	"os"
	"sync"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	defaultPort             = 8080
	defaultFeedPort         = 8081
	defaultPageSize         = 50
	defaultMaxPageSize      = 200
	defaultMaxMessageSize   = 1 << 20 // 1 MiB
	defaultFlushInterval    = 750 * time.Millisecond
	defaultSubscriberBuffer = 256
	defaultWhiteboardMax    = 256 * 1024
	defaultEditSessionTTL   = 2 * time.Minute
	defaultTimeoutWindow    = 60 * time.Second
	defaultTimeoutCheck     = 5 * time.Second
	defaultIngestWorkers    = 4
	defaultQueueCapacity    = 1024
	defaultProvider         = "echo"
	defaultChunkDelay       = 40 * time.Millisecond
	defaultRetentionCron    = "0 2 * * *" // daily at 02:00
	defaultRetentionPeriod  = 30 * 24 * time.Hour
	defaultRetentionLockTTL = 300 * time.Second
	defaultSlowThreshold    = 200 * time.Millisecond
	defaultRateRPS          = 1000
	defaultRateBurst        = 1000
)

var (
	cfgMu  sync.RWMutex
	global *Config
)

// SetConfig installs the process-wide effective config.
func SetConfig(c *Config) {
	cfgMu.Lock()
	defer cfgMu.Unlock()
	global = c
}

// GetConfig returns the process-wide effective config, or nil before SetConfig.
func GetConfig() *Config {
	cfgMu.RLock()
	defer cfgMu.RUnlock()
	return global
}

// Addr returns the HTTP server address as host:port.
func (c *Config) Addr() string {
	addr := c.Server.Address
	if addr == "" {
		addr = "0.0.0.0"
	}
	port := c.Server.Port
	if port == 0 {
		port = defaultPort
	}
	return fmt.Sprintf("%s:%d", addr, port)
}

// FeedAddr returns the websocket feed listener address as host:port.
func (c *Config) FeedAddr() string {
	addr := c.Server.Address
	if addr == "" {
		addr = "0.0.0.0"
	}
	port := c.Server.FeedPort
	if port == 0 {
		port = defaultFeedPort
	}
	return fmt.Sprintf("%s:%d", addr, port)
}

// LoadConfigFile reads and parses a config file.
func LoadConfigFile(path string) (*Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var cfg Config
	if err := yaml.Unmarshal(b, &cfg); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	return &cfg, nil
}
