package config

import (
	"fmt"
	"strings"

	"github.com/adhocore/gronx"
)

// set defaults, fail fast on critical errors
func ValidateConfig(eff EffectiveConfigResult) error {
	cfg := eff.Config
	if cfg == nil {
		return fmt.Errorf("effective config is nil")
	}
	if strings.TrimSpace(cfg.Server.DBPath) == "" {
		return fmt.Errorf("database path is empty: set --db flag, THREADLINE_DB_PATH env, or server.db_path in config")
	}
	if cfg.Server.Port < 0 || cfg.Server.Port > 65535 {
		return fmt.Errorf("invalid server.port: %d", cfg.Server.Port)
	}
	if cfg.Server.FeedPort == 0 {
		cfg.Server.FeedPort = defaultFeedPort
	}
	if cfg.Server.Port != 0 && cfg.Server.Port == cfg.Server.FeedPort {
		return fmt.Errorf("server.port and server.feed_port must differ")
	}

	if cfg.Security.RateLimit.RPS <= 0 {
		cfg.Security.RateLimit.RPS = defaultRateRPS
	}
	if cfg.Security.RateLimit.Burst <= 0 {
		cfg.Security.RateLimit.Burst = defaultRateBurst
	}

	switch strings.ToLower(cfg.Logging.Format) {
	case "":
		cfg.Logging.Format = "console"
	case "json", "console":
	default:
		return fmt.Errorf("invalid logging.format %q: want json or console", cfg.Logging.Format)
	}
	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}

	h := &cfg.History
	if h.PageSize <= 0 {
		h.PageSize = defaultPageSize
	}
	if h.MaxPageSize <= 0 {
		h.MaxPageSize = defaultMaxPageSize
	}
	if h.PageSize > h.MaxPageSize {
		return fmt.Errorf("history.page_size (%d) exceeds history.max_page_size (%d)", h.PageSize, h.MaxPageSize)
	}

	s := &cfg.Stream
	if s.MaxMessageSize.Int64() == 0 {
		s.MaxMessageSize = SizeBytes(defaultMaxMessageSize)
	}
	if s.FlushInterval.Duration() == 0 {
		s.FlushInterval = Duration(defaultFlushInterval)
	}
	if s.SubscriberBuffer <= 0 {
		s.SubscriberBuffer = defaultSubscriberBuffer
	}

	w := &cfg.Whiteboard
	if w.MaxSize.Int64() == 0 {
		w.MaxSize = SizeBytes(defaultWhiteboardMax)
	}
	if w.EditSessionTTL.Duration() == 0 {
		w.EditSessionTTL = Duration(defaultEditSessionTTL)
	}

	t := &cfg.Timeout
	if t.Window.Duration() == 0 {
		t.Window = Duration(defaultTimeoutWindow)
	}
	if t.CheckInterval.Duration() == 0 {
		t.CheckInterval = Duration(defaultTimeoutCheck)
	}
	if t.CheckInterval.Duration() > t.Window.Duration() {
		return fmt.Errorf("timeout.check_interval must not exceed timeout.window")
	}

	if cfg.Ingest.Workers <= 0 {
		cfg.Ingest.Workers = defaultIngestWorkers
	}
	if cfg.Ingest.QueueCapacity <= 0 {
		cfg.Ingest.QueueCapacity = defaultQueueCapacity
	}

	g := &cfg.Generation
	if g.Provider == "" {
		g.Provider = defaultProvider
	}
	if g.Provider != "echo" {
		return fmt.Errorf("unknown generation.provider %q", g.Provider)
	}
	if g.ChunkDelay.Duration() == 0 {
		g.ChunkDelay = Duration(defaultChunkDelay)
	}

	ret := &cfg.Retention
	if ret.Cron == "" {
		ret.Cron = defaultRetentionCron
	}
	if ret.Period.Duration() == 0 {
		ret.Period = Duration(defaultRetentionPeriod)
	}
	if ret.LockTTL.Duration() == 0 {
		ret.LockTTL = Duration(defaultRetentionLockTTL)
	}
	if ret.Enabled {
		if !gronx.New().IsValid(ret.Cron) {
			return fmt.Errorf("invalid retention.cron: not a valid cron expression")
		}
	}

	if cfg.Telemetry.SlowThreshold.Duration() == 0 {
		cfg.Telemetry.SlowThreshold = Duration(defaultSlowThreshold)
	}
	return nil
}
