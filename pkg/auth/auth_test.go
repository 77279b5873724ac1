package auth

import (
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/valyala/fasthttp"

	"threadline/pkg/models"
	"threadline/pkg/timeutil"
)

const (
	backendKey  = "sk_backend"
	frontendKey = "pk_frontend"
	adminKey    = "ak_admin"
)

func gateway(rps float64) *Gateway {
	return NewGateway(SecConfig{
		RPS:          rps,
		Burst:        1,
		BackendKeys:  map[string]struct{}{backendKey: {}},
		FrontendKeys: map[string]struct{}{frontendKey: {}},
		AdminKeys:    map[string]struct{}{adminKey: {}},
	})
}

func serve(g *Gateway, method, path string, headers map[string]string) (*fasthttp.RequestCtx, *Identity) {
	ctx := &fasthttp.RequestCtx{}
	ctx.Request.Header.SetMethod(method)
	ctx.Request.SetRequestURI(path)
	for k, v := range headers {
		ctx.Request.Header.Set(k, v)
	}
	var seen *Identity
	g.Wrap(func(ctx *fasthttp.RequestCtx) {
		id := IdentityFrom(ctx)
		seen = &id
		ctx.SetStatusCode(fasthttp.StatusOK)
	})(ctx)
	return ctx, seen
}

func TestGatewayRoles(t *testing.T) {
	g := gateway(0)
	defer g.Close()
	sig := CreateHMACSignature("acct1", backendKey)

	cases := []struct {
		name    string
		path    string
		headers map[string]string
		status  int
		want    Identity
	}{
		{"health is public", "/healthz", nil, 200, Identity{}},
		{"no key", "/v1/conversations", nil, 401, Identity{}},
		{"unknown key", "/v1/conversations", map[string]string{"X-API-Key": "nope"}, 401, Identity{}},
		{"frontend needs signature", "/v1/conversations", map[string]string{"X-API-Key": frontendKey, "X-User-ID": "acct1"}, 401, Identity{}},
		{"frontend bad signature", "/v1/conversations", map[string]string{"X-API-Key": frontendKey, "X-User-ID": "acct2", "X-User-Signature": sig}, 401, Identity{}},
		{"frontend signed", "/v1/conversations", map[string]string{"Authorization": "Bearer " + frontendKey, "X-User-ID": "acct1", "X-User-Signature": sig}, 200, Identity{Role: RoleFrontend, AccountID: "acct1"}},
		{"frontend no admin", "/admin/metrics", map[string]string{"X-API-Key": frontendKey, "X-User-ID": "acct1", "X-User-Signature": sig}, 403, Identity{}},
		{"backend as agent", "/v1/conversations/c/whiteboard", map[string]string{"X-API-Key": backendKey, "X-Agent-ID": "agent-7"}, 200, Identity{Role: RoleBackend, AgentID: "agent-7"}},
		{"backend for account", "/v1/conversations", map[string]string{"X-API-Key": backendKey, "X-User-ID": "acct9"}, 200, Identity{Role: RoleBackend, AccountID: "acct9"}},
		{"admin on admin", "/admin/metrics", map[string]string{"X-API-Key": adminKey}, 200, Identity{Role: RoleAdmin}},
		{"admin off admin", "/v1/conversations", map[string]string{"X-API-Key": adminKey}, 403, Identity{}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			ctx, seen := serve(g, "GET", tc.path, tc.headers)
			assert.Equal(t, tc.status, ctx.Response.StatusCode())
			if tc.status == 200 {
				require.NotNil(t, seen)
				assert.Equal(t, tc.want, *seen)
			} else {
				assert.Nil(t, seen)
			}
		})
	}
}

func TestGatewayCORSAndRateLimit(t *testing.T) {
	g := gateway(1)
	g.cfg.AllowedOrigins = []string{"https://app.example"}
	defer g.Close()

	ctx, _ := serve(g, "OPTIONS", "/v1/conversations", map[string]string{"Origin": "https://app.example"})
	assert.Equal(t, fasthttp.StatusNoContent, ctx.Response.StatusCode())
	assert.Equal(t, "https://app.example", string(ctx.Response.Header.Peek("Access-Control-Allow-Origin")))

	h := map[string]string{"X-API-Key": backendKey}
	ctx, _ = serve(g, "GET", "/v1/conversations", h)
	assert.Equal(t, 200, ctx.Response.StatusCode())
	ctx, _ = serve(g, "GET", "/v1/conversations", h)
	assert.Equal(t, fasthttp.StatusTooManyRequests, ctx.Response.StatusCode())
}

func TestAuthenticateHTTPFromQuery(t *testing.T) {
	g := gateway(0)
	defer g.Close()
	sig := CreateHMACSignature("acct1", backendKey)

	r := httptest.NewRequest("GET", "/v1/feed?api_key="+frontendKey+"&user_id=acct1&signature="+sig, nil)
	id, err := g.AuthenticateHTTP(r)
	require.NoError(t, err)
	assert.Equal(t, Identity{Role: RoleFrontend, AccountID: "acct1"}, id)

	r = httptest.NewRequest("GET", "/v1/feed?api_key="+frontendKey, nil)
	_, err = g.AuthenticateHTTP(r)
	assert.ErrorIs(t, err, ErrInvalidSignature)
}

func TestLimiterSweep(t *testing.T) {
	k := newKeyedLimiter(10, 1)
	defer k.Stop()
	clock := timeutil.NewFake(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
	k.clock = clock

	assert.True(t, k.Allow("a"))
	assert.False(t, k.Allow("a"), "burst of one")
	clock.Advance(11 * time.Minute)
	assert.True(t, k.Allow("b"))
	assert.Equal(t, 1, k.sweep())
	assert.Equal(t, 0, k.sweep())
}

func TestLimiterDisabled(t *testing.T) {
	k := newKeyedLimiter(0, 0)
	defer k.Stop()
	for i := 0; i < 5; i++ {
		assert.True(t, k.Allow("a"))
	}
}

func TestAuthorizerFlags(t *testing.T) {
	var a Authorizer
	c := models.Conversation{ID: "c1", AccountID: "acct1"}
	owner := Identity{Role: RoleFrontend, AccountID: "acct1"}
	other := Identity{Role: RoleFrontend, AccountID: "acct2"}

	assert.NoError(t, a.CanView(owner, c))
	assert.ErrorIs(t, a.CanView(other, c), ErrForbidden)
	assert.NoError(t, a.CanView(Identity{Role: RoleBackend}, c))

	assert.True(t, a.Conversation(owner, c).Respondable)
	assert.False(t, a.Conversation(other, c).Respondable)
	busy := c
	busy.RespondingMessageID = "m1"
	assert.False(t, a.Conversation(owner, busy).Respondable)

	mine := models.Message{ID: "m1", Role: models.RoleHuman, AuthorAccountID: "acct1", Status: models.StatusComplete}
	got := a.Message(owner, c, mine)
	assert.True(t, got.Editable)
	assert.True(t, got.Deletable)

	streaming := models.Message{ID: "m2", Role: models.RoleAgent, AuthorAgentID: "agent", Status: models.StatusStreaming}
	got = a.Message(owner, c, streaming)
	assert.False(t, got.Editable)
	assert.False(t, got.Deletable)

	agentReply := streaming
	agentReply.Status = models.StatusComplete
	got = a.Message(owner, c, agentReply)
	assert.False(t, got.Editable, "only the author edits")
	assert.True(t, got.Deletable, "the owner may delete")

	got = a.Message(Identity{Role: RoleBackend, AgentID: "agent"}, c, agentReply)
	assert.True(t, got.Editable)
}
