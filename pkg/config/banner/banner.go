package banner

import (
	"fmt"
	"io"

	"threadline/pkg/config"
)

const banner = `
 _   _                        _ _ _            
| |_| |__  _ __ ___  __ _  __| | (_)_ __   ___ 
| __| '_ \| '__/ _ \/ _` + "`" + ` |/ _` + "`" + ` | | | '_ \ / _ \
| |_| | | | | |  __/ (_| | (_| | | | | | |  __/
 \__|_| |_|_|  \___|\__,_|\__,_|_|_|_| |_|\___|
`

// PrintWithEff prints the banner using an EffectiveConfigResult which
// provides richer context (config, addr, dbpath, source).
func PrintWithEff(w io.Writer, eff config.EffectiveConfigResult, version string) {
	cfg := eff.Config
	if cfg == nil {
		cfg = &config.Config{}
	}
	src := eff.Source
	if src == "" {
		src = "defaults"
	}

	fmt.Fprint(w, banner)
	fmt.Fprintln(w, "== Config =====================================================")
	fmt.Fprintf(w, "Listen:   %s\n", eff.Addr)
	fmt.Fprintf(w, "Feed:     %s\n", cfg.FeedAddr())
	fmt.Fprintf(w, "DB Path:  %s\n", eff.DBPath)
	if version != "" {
		fmt.Fprintf(w, "Version:  %s\n", version)
	}
	fmt.Fprintf(w, "Config:   %s\n", src)

	fmt.Fprintln(w, "\n== Runtime ====================================================")
	fmt.Fprintf(w, "- History page size: %d (max %d)\n", cfg.History.PageSize, cfg.History.MaxPageSize)
	fmt.Fprintf(w, "- Message size limit: %s\n", cfg.Stream.MaxMessageSize)
	fmt.Fprintf(w, "- Whiteboard size limit: %s\n", cfg.Whiteboard.MaxSize)
	fmt.Fprintf(w, "- Generation: %s (%d workers, queue %d)\n", cfg.Generation.Provider, cfg.Ingest.Workers, cfg.Ingest.QueueCapacity)

	fmt.Fprintln(w, "\n== Production? =================================================")
	keys := []struct {
		name string
		n    int
		why  string
	}{
		{"Backend", len(cfg.Security.APIKeys.Backend), "required for backend services and agents"},
		{"Frontend", len(cfg.Security.APIKeys.Frontend), "required for client access"},
		{"Admin", len(cfg.Security.APIKeys.Admin), "required for admin tooling"},
	}
	for _, k := range keys {
		if k.n > 0 {
			fmt.Fprintf(w, "- %s API keys: OK (%d)\n", k.name, k.n)
		} else {
			fmt.Fprintf(w, "- %s API keys: MISSING (%s)\n", k.name, k.why)
		}
	}
	if cfg.Retention.Enabled {
		fmt.Fprintf(w, "- Retention: enabled (cron=%s, period=%s)\n", cfg.Retention.Cron, cfg.Retention.Period.Duration())
	} else {
		fmt.Fprintln(w, "- Retention: disabled")
	}
	if cfg.Telemetry.Enabled {
		fmt.Fprintln(w, "- Metrics: enabled at /admin/metrics")
	} else {
		fmt.Fprintln(w, "- Metrics: disabled")
	}
	fmt.Fprintln(w)
}
