// Package auth authenticates API callers and computes per-request
// permission flags.
package auth

import (
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"

	"github.com/valyala/fasthttp"

	"threadline/pkg/config"
	"threadline/pkg/router"
	"threadline/pkg/state/logger"
	"threadline/pkg/telemetry"
)

var (
	ErrUnauthorized     = errors.New("unauthorized")
	ErrForbidden        = errors.New("forbidden")
	ErrInvalidSignature = errors.New("missing or invalid user signature")
	ErrAuthorRequired   = errors.New("author required")
	ErrAuthorTooLong    = errors.New("author too long")
)

// SecConfig is the resolved security configuration.
type SecConfig struct {
	AllowedOrigins []string
	RPS            float64
	Burst          int
	IPWhitelist    []string
	BackendKeys    map[string]struct{}
	FrontendKeys   map[string]struct{}
	AdminKeys      map[string]struct{}
}

// NewSecConfig builds key sets from the security section.
func NewSecConfig(c config.SecurityConfig) SecConfig {
	set := func(keys []string) map[string]struct{} {
		m := make(map[string]struct{}, len(keys))
		for _, k := range keys {
			if k = strings.TrimSpace(k); k != "" {
				m[k] = struct{}{}
			}
		}
		return m
	}
	return SecConfig{
		AllowedOrigins: c.CORS.AllowedOrigins,
		RPS:            c.RateLimit.RPS,
		Burst:          c.RateLimit.Burst,
		IPWhitelist:    c.IPWhitelist,
		BackendKeys:    set(c.APIKeys.Backend),
		FrontendKeys:   set(c.APIKeys.Frontend),
		AdminKeys:      set(c.APIKeys.Admin),
	}
}

// Gateway is the authentication middleware shared by the REST and feed
// servers.
type Gateway struct {
	cfg      SecConfig
	limiters *keyedLimiter
}

func NewGateway(cfg SecConfig) *Gateway {
	return &Gateway{cfg: cfg, limiters: newKeyedLimiter(cfg.RPS, cfg.Burst)}
}

// Close stops the limiter cleanup loop.
func (g *Gateway) Close() { g.limiters.Stop() }

// Wrap authenticates every request before next runs.
func (g *Gateway) Wrap(next fasthttp.RequestHandler) fasthttp.RequestHandler {
	return func(ctx *fasthttp.RequestCtx) {
		logger.LogRequestFast(ctx)
		path := string(ctx.Path())

		if origin := string(ctx.Request.Header.Peek("Origin")); origin != "" && originAllowed(origin, g.cfg.AllowedOrigins) {
			h := &ctx.Response.Header
			h.Set("Access-Control-Allow-Origin", origin)
			h.Set("Vary", "Origin")
			h.Set("Access-Control-Allow-Methods", "GET,POST,PUT,DELETE,PATCH,OPTIONS")
			h.Set("Access-Control-Max-Age", "600")
			h.Set("Access-Control-Allow-Headers", "Authorization,Content-Type,X-API-Key,X-User-ID,X-User-Signature,X-Agent-ID")
		}
		if string(ctx.Method()) == fasthttp.MethodOptions {
			ctx.SetStatusCode(fasthttp.StatusNoContent)
			return
		}

		if len(g.cfg.IPWhitelist) > 0 {
			ip := clientIP(ctx.RemoteAddr().String())
			if !ipWhitelisted(ip, g.cfg.IPWhitelist) {
				router.WriteJSONError(ctx, fasthttp.StatusForbidden, "forbidden")
				logger.Warn("request_blocked", "reason", "ip_not_whitelisted", "ip", ip, "path", path)
				return
			}
		}

		if publicPath(path, string(ctx.Method())) {
			next(ctx)
			return
		}

		key := extractAPIKey(string(ctx.Request.Header.Peek("Authorization")), string(ctx.Request.Header.Peek("X-API-Key")))
		id, err := g.identify(key, path,
			strings.TrimSpace(string(ctx.Request.Header.Peek("X-User-ID"))),
			strings.TrimSpace(string(ctx.Request.Header.Peek("X-User-Signature"))),
			strings.TrimSpace(string(ctx.Request.Header.Peek("X-Agent-ID"))))
		if err != nil {
			status := fasthttp.StatusUnauthorized
			if errors.Is(err, ErrForbidden) {
				status = fasthttp.StatusForbidden
			} else if errors.Is(err, ErrAuthorTooLong) {
				status = fasthttp.StatusBadRequest
			}
			router.WriteJSONError(ctx, status, err.Error())
			logger.Warn("request_rejected", "path", path, "remote", ctx.RemoteAddr().String(), "error", err)
			return
		}
		if !g.limiters.Allow(key) {
			router.WriteJSONError(ctx, fasthttp.StatusTooManyRequests, "rate limit exceeded")
			logger.Warn("rate_limited", "role", id.Role.String(), "path", path)
			return
		}
		WithIdentity(ctx, id)
		next(ctx)
	}
}

// AuthenticateHTTP resolves the identity of a websocket upgrade request.
// Browsers cannot set headers on upgrades, so credentials may also come
// from the query string.
func (g *Gateway) AuthenticateHTTP(r *http.Request) (Identity, error) {
	if len(g.cfg.IPWhitelist) > 0 && !ipWhitelisted(clientIP(r.RemoteAddr), g.cfg.IPWhitelist) {
		return Identity{}, ErrForbidden
	}
	q := r.URL.Query()
	pick := func(header, query string) string {
		if v := strings.TrimSpace(r.Header.Get(header)); v != "" {
			return v
		}
		return strings.TrimSpace(q.Get(query))
	}
	key := extractAPIKey(r.Header.Get("Authorization"), pick("X-API-Key", "api_key"))
	id, err := g.identify(key, r.URL.Path, pick("X-User-ID", "user_id"), pick("X-User-Signature", "signature"), pick("X-Agent-ID", "agent_id"))
	if err != nil {
		return Identity{}, err
	}
	if !g.limiters.Allow(key) {
		return Identity{}, errors.New("rate limit exceeded")
	}
	return id, nil
}

func (g *Gateway) identify(key, path, userID, sig, agentID string) (Identity, error) {
	tr := telemetry.Track("auth.identify")
	defer tr.Finish()

	role := g.role(key)
	switch role {
	case RoleUnauth:
		return Identity{}, ErrUnauthorized
	case RoleAdmin:
		if !strings.HasPrefix(path, "/admin") {
			return Identity{}, fmt.Errorf("%w: admin api keys may only access /admin routes", ErrForbidden)
		}
		return Identity{Role: RoleAdmin}, nil
	}
	if strings.HasPrefix(path, "/admin") {
		return Identity{}, fmt.Errorf("%w: admin routes require an admin key", ErrForbidden)
	}
	tr.Mark("role")

	if sig != "" || role == RoleFrontend {
		if sig == "" || userID == "" {
			return Identity{}, ErrInvalidSignature
		}
		if !VerifyHMACSignature(g.cfg.BackendKeys, userID, sig) {
			logger.Warn("invalid_signature", "user", userID, "path", path)
			return Identity{}, ErrInvalidSignature
		}
		return Identity{Role: role, AccountID: userID}, nil
	}

	// backend without signature: trusted to name the actor
	id := Identity{Role: RoleBackend}
	if userID != "" {
		if err := validateActor(userID); err != nil {
			return Identity{}, err
		}
		id.AccountID = userID
	}
	if agentID != "" {
		if err := validateActor(agentID); err != nil {
			return Identity{}, err
		}
		id.AgentID = agentID
	}
	return id, nil
}

func (g *Gateway) role(key string) Role {
	if key == "" {
		return RoleUnauth
	}
	if _, ok := g.cfg.AdminKeys[key]; ok {
		return RoleAdmin
	}
	if _, ok := g.cfg.BackendKeys[key]; ok {
		return RoleBackend
	}
	if _, ok := g.cfg.FrontendKeys[key]; ok {
		return RoleFrontend
	}
	return RoleUnauth
}

// extractAPIKey prefers "Bearer <key>" over the X-API-Key value.
func extractAPIKey(authorization, apiKey string) string {
	if parts := strings.Fields(authorization); len(parts) == 2 && strings.EqualFold(parts[0], "Bearer") {
		return parts[1]
	}
	return strings.TrimSpace(apiKey)
}

func clientIP(addr string) string {
	h, _, err := net.SplitHostPort(addr)
	if err != nil {
		return addr
	}
	return h
}

func originAllowed(origin string, allowed []string) bool {
	for _, a := range allowed {
		if a == "*" || strings.EqualFold(a, origin) {
			return true
		}
	}
	return false
}

func ipWhitelisted(ip string, list []string) bool {
	for _, w := range list {
		if ip == w {
			return true
		}
	}
	return false
}

func publicPath(path, method string) bool {
	return (path == "/healthz" || path == "/readyz") && method == fasthttp.MethodGet
}
