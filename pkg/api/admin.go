package api

import (
	"time"

	"github.com/valyala/fasthttp"

	"threadline/pkg/router"
	"threadline/pkg/state/logger"
	"threadline/pkg/telemetry"
)

func (a *API) healthz(ctx *fasthttp.RequestCtx) {
	router.WriteJSON(ctx, fasthttp.StatusOK, map[string]string{"status": "ok", "version": a.Version})
}

func (a *API) readyz(ctx *fasthttp.RequestCtx) {
	if a.Ready != nil && !a.Ready() {
		router.WriteJSON(ctx, fasthttp.StatusServiceUnavailable, map[string]string{"status": "not ready"})
		return
	}
	router.WriteJSON(ctx, fasthttp.StatusOK, map[string]string{"status": "ready", "version": a.Version})
}

func (a *API) metrics(ctx *fasthttp.RequestCtx) {
	if a.Config != nil && !a.Config.Telemetry.Enabled {
		router.WriteJSONError(ctx, fasthttp.StatusNotFound, "metrics disabled")
		return
	}
	telemetry.Handler()(ctx)
}

func (a *API) runRetention(ctx *fasthttp.RequestCtx) {
	if a.Retention == nil {
		router.WriteJSONError(ctx, fasthttp.StatusNotFound, "retention not configured")
		return
	}
	start := time.Now()
	n, err := a.Retention(requestContext(ctx))
	if err != nil {
		logger.Error("retention_manual_run_failed", "error", err)
		router.WriteJSONError(ctx, fasthttp.StatusInternalServerError, err.Error())
		return
	}
	logger.Info("retention_manual_run", "purged", n, "took", time.Since(start).String())
	router.WriteJSON(ctx, fasthttp.StatusOK, map[string]any{"purged": n})
}

type settingsResponse struct {
	PageSize          int    `json:"page_size"`
	TimeoutWindowMS   int64  `json:"timeout_window_ms"`
	TimeoutCheckMS    int64  `json:"timeout_check_interval_ms"`
	EditSessionTTLMS  int64  `json:"edit_session_ttl_ms"`
	MaxWhiteboardSize int64  `json:"max_whiteboard_size"`
	MaxMessageSize    int64  `json:"max_message_size"`
	Version           string `json:"version"`
}

// settings hands clients the tunables they apply locally.
func (a *API) settings(ctx *fasthttp.RequestCtx) {
	c := a.Config
	router.WriteJSON(ctx, fasthttp.StatusOK, settingsResponse{
		PageSize:          c.History.PageSize,
		TimeoutWindowMS:   c.Timeout.Window.Duration().Milliseconds(),
		TimeoutCheckMS:    c.Timeout.CheckInterval.Duration().Milliseconds(),
		EditSessionTTLMS:  c.Whiteboard.EditSessionTTL.Duration().Milliseconds(),
		MaxWhiteboardSize: c.Whiteboard.MaxSize.Int64(),
		MaxMessageSize:    c.Stream.MaxMessageSize.Int64(),
		Version:           a.Version,
	})
}
