package config

import (
	"flag"
	"fmt"
	"net"
	"os"
	"strconv"
	"strings"
)

const envPrefix = "THREADLINE_"

// holds parsed command-line flag values and which were set
type Flags struct {
	Addr     string
	FeedAddr string
	DB       string
	Config   string
	Set      map[string]bool
}

// holds the result of LoadEffectiveConfig
type EffectiveConfigResult struct {
	Config *Config
	Addr   string
	DBPath string
	Source string // comma separated layers that contributed: "defaults,config,env,flags"
}

// parses command-line flags from args and returns them as a Flags struct
func ParseConfigFlags(args []string) (Flags, error) {
	fs := flag.NewFlagSet("threadline", flag.ContinueOnError)
	addrPtr := fs.String("addr", ":8080", "HTTP listen address")
	feedPtr := fs.String("feed-addr", ":8081", "websocket feed listen address")
	dbPtr := fs.String("db", "./.database", "Pebble DB path")
	cfgPtr := fs.String("config", "./config.yaml", "Path to config file")
	if err := fs.Parse(args); err != nil {
		return Flags{}, err
	}

	setFlags := make(map[string]bool)
	fs.Visit(func(f *flag.Flag) { setFlags[f.Name] = true })

	return Flags{Addr: *addrPtr, FeedAddr: *feedPtr, DB: *dbPtr, Config: *cfgPtr, Set: setFlags}, nil
}

// loads config from file, returns config, found bool, and error. A missing
// file is only an error when --config was passed explicitly.
func ParseConfigFile(flags Flags) (*Config, bool, error) {
	cfg, err := LoadConfigFile(flags.Config)
	if err != nil {
		if os.IsNotExist(err) && !flags.Set["config"] {
			return &Config{}, false, nil
		}
		return nil, false, err
	}
	return cfg, true, nil
}

// reads THREADLINE_* variables through lookup into a new Config; unset
// variables leave zero values so the caller can overlay the result.
func ParseConfigEnvs(lookup func(string) string) (*Config, bool, error) {
	if lookup == nil {
		lookup = os.Getenv
	}
	used := false
	get := func(name string) string {
		v := strings.TrimSpace(lookup(envPrefix + name))
		if v != "" {
			used = true
		}
		return v
	}

	parseList := func(v string) []string {
		if v == "" {
			return nil
		}
		parts := []string{}
		for _, p := range strings.Split(v, ",") {
			if s := strings.TrimSpace(p); s != "" {
				parts = append(parts, s)
			}
		}
		return parts
	}
	parseBool := func(v string) bool {
		switch strings.ToLower(v) {
		case "1", "true", "yes":
			return true
		default:
			return false
		}
	}

	cfg := &Config{}
	var errs []string
	setInt := func(name string, dst *int) {
		if v := get(name); v != "" {
			n, err := strconv.Atoi(v)
			if err != nil {
				errs = append(errs, fmt.Sprintf("%s%s: %v", envPrefix, name, err))
				return
			}
			*dst = n
		}
	}
	setDuration := func(name string, dst *Duration) {
		if v := get(name); v != "" {
			d, err := parseDuration(v)
			if err != nil {
				errs = append(errs, fmt.Sprintf("%s%s: %v", envPrefix, name, err))
				return
			}
			*dst = d
		}
	}
	setSize := func(name string, dst *SizeBytes) {
		if v := get(name); v != "" {
			s, err := parseSize(v)
			if err != nil {
				errs = append(errs, fmt.Sprintf("%s%s: %v", envPrefix, name, err))
				return
			}
			*dst = s
		}
	}

	if v := get("ADDR"); v != "" {
		if h, p, err := net.SplitHostPort(v); err == nil {
			cfg.Server.Address = h
			cfg.Server.Port = parsePort(p)
		} else {
			cfg.Server.Address = v
		}
	} else {
		cfg.Server.Address = get("SERVER_ADDRESS")
		setInt("SERVER_PORT", &cfg.Server.Port)
	}
	setInt("FEED_PORT", &cfg.Server.FeedPort)
	cfg.Server.DBPath = get("DB_PATH")

	cfg.Security.CORS.AllowedOrigins = parseList(get("CORS_ORIGINS"))
	if v := get("RATE_RPS"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			cfg.Security.RateLimit.RPS = f
		} else {
			errs = append(errs, envPrefix+"RATE_RPS: "+err.Error())
		}
	}
	setInt("RATE_BURST", &cfg.Security.RateLimit.Burst)
	cfg.Security.IPWhitelist = parseList(get("IP_WHITELIST"))
	cfg.Security.APIKeys.Backend = parseList(get("API_BACKEND_KEYS"))
	cfg.Security.APIKeys.Frontend = parseList(get("API_FRONTEND_KEYS"))
	cfg.Security.APIKeys.Admin = parseList(get("API_ADMIN_KEYS"))

	cfg.Logging.Level = get("LOG_LEVEL")
	cfg.Logging.Format = get("LOG_FORMAT")

	setInt("HISTORY_PAGE_SIZE", &cfg.History.PageSize)
	setInt("HISTORY_MAX_PAGE_SIZE", &cfg.History.MaxPageSize)

	setSize("STREAM_MAX_MESSAGE_SIZE", &cfg.Stream.MaxMessageSize)
	setDuration("STREAM_FLUSH_INTERVAL", &cfg.Stream.FlushInterval)
	setInt("STREAM_SUBSCRIBER_BUFFER", &cfg.Stream.SubscriberBuffer)

	setSize("WHITEBOARD_MAX_SIZE", &cfg.Whiteboard.MaxSize)
	setDuration("WHITEBOARD_EDIT_SESSION_TTL", &cfg.Whiteboard.EditSessionTTL)

	setDuration("TIMEOUT_WINDOW", &cfg.Timeout.Window)
	setDuration("TIMEOUT_CHECK_INTERVAL", &cfg.Timeout.CheckInterval)

	setInt("INGEST_WORKERS", &cfg.Ingest.Workers)
	setInt("INGEST_QUEUE_CAPACITY", &cfg.Ingest.QueueCapacity)

	cfg.Generation.Provider = get("GENERATION_PROVIDER")
	setDuration("GENERATION_CHUNK_DELAY", &cfg.Generation.ChunkDelay)

	if v := get("RETENTION_ENABLED"); v != "" {
		cfg.Retention.Enabled = parseBool(v)
	}
	cfg.Retention.Cron = get("RETENTION_CRON")
	setDuration("RETENTION_PERIOD", &cfg.Retention.Period)
	if v := get("RETENTION_DRY_RUN"); v != "" {
		cfg.Retention.DryRun = parseBool(v)
	}
	setDuration("RETENTION_LOCK_TTL", &cfg.Retention.LockTTL)

	if v := get("TELEMETRY_ENABLED"); v != "" {
		cfg.Telemetry.Enabled = parseBool(v)
	}
	setDuration("TELEMETRY_SLOW_THRESHOLD", &cfg.Telemetry.SlowThreshold)

	if len(errs) > 0 {
		return nil, used, fmt.Errorf("invalid environment: %s", strings.Join(errs, "; "))
	}
	return cfg, used, nil
}

// layers file, env and explicitly set flags (in that order of increasing
// precedence) and returns the effective config with resolved addr and dbPath.
func LoadEffectiveConfig(flags Flags, fileCfg *Config, fileExists bool, envCfg *Config, envUsed bool) EffectiveConfigResult {
	out := &Config{}
	sources := []string{"defaults"}
	if fileExists && fileCfg != nil {
		*out = *fileCfg
		sources = append(sources, "config")
	}
	if envUsed && envCfg != nil {
		overlay(out, envCfg)
		sources = append(sources, "env")
	}

	flagged := false
	if flags.Set["addr"] {
		host, port := splitAddr(flags.Addr)
		out.Server.Address = host
		out.Server.Port = port
		flagged = true
	}
	if flags.Set["feed-addr"] {
		_, port := splitAddr(flags.FeedAddr)
		out.Server.FeedPort = port
		flagged = true
	}
	if flags.Set["db"] {
		out.Server.DBPath = flags.DB
		flagged = true
	}
	if out.Server.DBPath == "" {
		out.Server.DBPath = flags.DB
	}
	if flagged {
		sources = append(sources, "flags")
	}

	return EffectiveConfigResult{
		Config: out,
		Addr:   out.Addr(),
		DBPath: out.Server.DBPath,
		Source: strings.Join(sources, ","),
	}
}

// overlay copies every non-zero field of src onto dst.
func overlay(dst, src *Config) {
	str := func(d *string, s string) {
		if s != "" {
			*d = s
		}
	}
	num := func(d *int, s int) {
		if s != 0 {
			*d = s
		}
	}
	dur := func(d *Duration, s Duration) {
		if s != 0 {
			*d = s
		}
	}
	size := func(d *SizeBytes, s SizeBytes) {
		if s != 0 {
			*d = s
		}
	}
	list := func(d *[]string, s []string) {
		if len(s) > 0 {
			*d = s
		}
	}

	str(&dst.Server.Address, src.Server.Address)
	num(&dst.Server.Port, src.Server.Port)
	num(&dst.Server.FeedPort, src.Server.FeedPort)
	str(&dst.Server.DBPath, src.Server.DBPath)

	list(&dst.Security.CORS.AllowedOrigins, src.Security.CORS.AllowedOrigins)
	if src.Security.RateLimit.RPS != 0 {
		dst.Security.RateLimit.RPS = src.Security.RateLimit.RPS
	}
	num(&dst.Security.RateLimit.Burst, src.Security.RateLimit.Burst)
	list(&dst.Security.IPWhitelist, src.Security.IPWhitelist)
	list(&dst.Security.APIKeys.Backend, src.Security.APIKeys.Backend)
	list(&dst.Security.APIKeys.Frontend, src.Security.APIKeys.Frontend)
	list(&dst.Security.APIKeys.Admin, src.Security.APIKeys.Admin)

	str(&dst.Logging.Level, src.Logging.Level)
	str(&dst.Logging.Format, src.Logging.Format)

	num(&dst.History.PageSize, src.History.PageSize)
	num(&dst.History.MaxPageSize, src.History.MaxPageSize)

	size(&dst.Stream.MaxMessageSize, src.Stream.MaxMessageSize)
	dur(&dst.Stream.FlushInterval, src.Stream.FlushInterval)
	num(&dst.Stream.SubscriberBuffer, src.Stream.SubscriberBuffer)

	size(&dst.Whiteboard.MaxSize, src.Whiteboard.MaxSize)
	dur(&dst.Whiteboard.EditSessionTTL, src.Whiteboard.EditSessionTTL)

	dur(&dst.Timeout.Window, src.Timeout.Window)
	dur(&dst.Timeout.CheckInterval, src.Timeout.CheckInterval)

	num(&dst.Ingest.Workers, src.Ingest.Workers)
	num(&dst.Ingest.QueueCapacity, src.Ingest.QueueCapacity)

	str(&dst.Generation.Provider, src.Generation.Provider)
	dur(&dst.Generation.ChunkDelay, src.Generation.ChunkDelay)

	if src.Retention.Enabled {
		dst.Retention.Enabled = true
	}
	str(&dst.Retention.Cron, src.Retention.Cron)
	dur(&dst.Retention.Period, src.Retention.Period)
	if src.Retention.DryRun {
		dst.Retention.DryRun = true
	}
	dur(&dst.Retention.LockTTL, src.Retention.LockTTL)

	if src.Telemetry.Enabled {
		dst.Telemetry.Enabled = true
	}
	dur(&dst.Telemetry.SlowThreshold, src.Telemetry.SlowThreshold)
}

func splitAddr(a string) (string, int) {
	h, p, err := net.SplitHostPort(a)
	if err != nil {
		return a, 0
	}
	return h, parsePort(p)
}

func parsePort(p string) int {
	pi, err := strconv.Atoi(p)
	if err != nil {
		return 0
	}
	return pi
}
