package router

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/valyala/fasthttp"
)

func request(method, path string) *fasthttp.RequestCtx {
	ctx := &fasthttp.RequestCtx{}
	ctx.Request.Header.SetMethod(method)
	ctx.Request.SetRequestURI(path)
	return ctx
}

func TestRouterParams(t *testing.T) {
	r := New()
	var conv, msg string
	r.PUT("/v1/conversations/{id}/messages/{mid}", func(ctx *fasthttp.RequestCtx) {
		conv, msg = Param(ctx, "id"), Param(ctx, "mid")
		WriteJSON(ctx, fasthttp.StatusOK, map[string]string{"ok": "yes"})
	})
	r.GET("/", func(ctx *fasthttp.RequestCtx) { ctx.SetStatusCode(fasthttp.StatusTeapot) })

	ctx := request("PUT", "/v1/conversations/c1/messages/m9")
	r.Handler(ctx)
	assert.Equal(t, fasthttp.StatusOK, ctx.Response.StatusCode())
	assert.Equal(t, "c1", conv)
	assert.Equal(t, "m9", msg)

	ctx = request("GET", "/")
	r.Handler(ctx)
	assert.Equal(t, fasthttp.StatusTeapot, ctx.Response.StatusCode())
}

func TestRouterMisses(t *testing.T) {
	r := New()
	r.GET("/v1/conversations/{id}", func(ctx *fasthttp.RequestCtx) {})

	cases := []struct {
		method, path string
		status       int
	}{
		{"GET", "/v1/conversations", fasthttp.StatusNotFound},
		{"GET", "/v1/conversations/", fasthttp.StatusNotFound},
		{"GET", "/v1/conversations/a/b", fasthttp.StatusNotFound},
		{"PATCH", "/v1/conversations/a", fasthttp.StatusMethodNotAllowed},
	}
	for _, tc := range cases {
		t.Run(tc.method+" "+tc.path, func(t *testing.T) {
			ctx := request(tc.method, tc.path)
			r.Handler(ctx)
			assert.Equal(t, tc.status, ctx.Response.StatusCode())
			var body map[string]string
			require.NoError(t, json.Unmarshal(ctx.Response.Body(), &body))
			assert.NotEmpty(t, body["error"])
		})
	}
}

func TestRouterAllowHeader(t *testing.T) {
	r := New()
	h := func(ctx *fasthttp.RequestCtx) {}
	r.GET("/v1/conversations/{id}/whiteboard", h)
	r.PATCH("/v1/conversations/{id}/whiteboard", h)
	r.GET("/v1/conversations/{id}/agents", h)

	ctx := request("DELETE", "/v1/conversations/c1/whiteboard")
	r.Handler(ctx)
	assert.Equal(t, fasthttp.StatusMethodNotAllowed, ctx.Response.StatusCode())
	assert.Equal(t, "GET, PATCH", string(ctx.Response.Header.Peek("Allow")))

	assert.Panics(t, func() { r.GET("/v1/conversations/{conv}/history", h) })
}
