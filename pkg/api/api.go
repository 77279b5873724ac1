// Package api serves the REST surface over fasthttp and the realtime feed
// over websockets.
package api

import (
	"context"
	"errors"
	"fmt"

	"github.com/valyala/fasthttp"

	"threadline/pkg/auth"
	"threadline/pkg/config"
	"threadline/pkg/events"
	"threadline/pkg/feed"
	"threadline/pkg/history"
	"threadline/pkg/models"
	"threadline/pkg/router"
	"threadline/pkg/state/logger"
	"threadline/pkg/store"
	"threadline/pkg/turns"
	"threadline/pkg/whiteboard"
)

var errBadRequest = errors.New("bad request")

func badRequest(format string, args ...any) error {
	return fmt.Errorf("%w: %s", errBadRequest, fmt.Sprintf(format, args...))
}

// LiveMessages exposes messages that are still being generated.
type LiveMessages interface {
	Snapshot(id string) (models.Message, bool)
}

// Deps are the services the handlers use.
type Deps struct {
	Config     *config.Config
	Version    string
	Store      *store.DB
	Hub        *feed.Hub
	Pager      *history.Pager
	Whiteboard *whiteboard.Resolver
	Turns      *turns.Scheduler
	Gateway    *auth.Gateway
	// Live, when set, overlays in-flight generation on message reads.
	Live LiveMessages
	// Ready reports whether dependencies are serving.
	Ready func() bool
	// Retention runs one purge pass on demand.
	Retention func(ctx context.Context) (int, error)
}

type API struct {
	Deps
	authz auth.Authorizer
}

func New(d Deps) *API {
	return &API{Deps: d}
}

// Handler returns the authenticated REST handler.
func (a *API) Handler() fasthttp.RequestHandler {
	r := router.New()
	a.register(r)
	return a.Gateway.Wrap(withContext(r.Handler))
}

const requestContextKey = "threadline.request_context"

// withContext gives each request a context that is cancelled when the
// handler returns.
func withContext(next fasthttp.RequestHandler) fasthttp.RequestHandler {
	return func(ctx *fasthttp.RequestCtx) {
		cctx, cancel := context.WithCancel(context.Background())
		defer cancel()
		ctx.SetUserValue(requestContextKey, cctx)
		next(ctx)
	}
}

func requestContext(ctx *fasthttp.RequestCtx) context.Context {
	if c, ok := ctx.UserValue(requestContextKey).(context.Context); ok {
		return c
	}
	return context.Background()
}

func (a *API) register(r *router.Router) {
	r.GET("/healthz", a.healthz)
	r.GET("/readyz", a.readyz)
	r.GET("/admin/metrics", a.metrics)
	r.POST("/admin/retention/run", a.runRetention)

	r.GET("/v1/settings", a.settings)

	r.POST("/v1/conversations", a.createConversation)
	r.GET("/v1/conversations", a.listConversations)
	r.GET("/v1/conversations/{id}", a.getConversation)
	r.PATCH("/v1/conversations/{id}", a.updateConversation)
	r.DELETE("/v1/conversations/{id}", a.deleteConversation)
	r.POST("/v1/conversations/{id}/archive", a.archiveConversation)
	r.POST("/v1/conversations/{id}/participants", a.addParticipant)
	r.DELETE("/v1/conversations/{id}/participants/{kind}/{pid}", a.removeParticipant)

	r.POST("/v1/conversations/{id}/messages", a.sendMessage)
	r.PUT("/v1/conversations/{id}/messages/{mid}", a.editMessage)
	r.GET("/v1/conversations/{id}/messages/{mid}", a.getMessage)
	r.DELETE("/v1/conversations/{id}/messages/{mid}", a.deleteMessage)
	r.POST("/v1/conversations/{id}/messages/{mid}/retry", a.retryMessage)
	r.GET("/v1/conversations/{id}/history", a.history)

	r.GET("/v1/conversations/{id}/agents", a.agents)
	r.POST("/v1/conversations/{id}/agents/{agent}/trigger", a.trigger)

	r.GET("/v1/conversations/{id}/whiteboard", a.getWhiteboard)
	r.PATCH("/v1/conversations/{id}/whiteboard", a.saveWhiteboard)
	r.POST("/v1/conversations/{id}/whiteboard/edit-session", a.beginEdit)
	r.DELETE("/v1/conversations/{id}/whiteboard/edit-session/{session}", a.endEdit)
}

// loadConversation resolves {id} and checks access, writing the error
// response itself when it returns false.
func (a *API) loadConversation(ctx *fasthttp.RequestCtx, write bool) (models.Conversation, auth.Identity, bool) {
	id := auth.IdentityFrom(ctx)
	c, err := a.Store.GetConversation(router.Param(ctx, "id"))
	if err == nil {
		if write {
			err = a.authz.CanWrite(id, c)
		} else {
			err = a.authz.CanView(id, c)
		}
	}
	if err != nil {
		writeError(ctx, err)
		return models.Conversation{}, id, false
	}
	return c, id, true
}

func (a *API) publish(t feed.Topic, ev events.Event) {
	if err := a.Hub.Publish(t, ev); err != nil {
		logger.Warn("api_publish_failed", "topic", t.String(), "event", string(ev.Kind()), "error", err)
	}
}

func (a *API) publishConversation(c models.Conversation) {
	a.publish(feed.ConversationTopic(c.ID), events.ConversationUpdated{Conversation: c})
	a.publish(feed.ConversationListTopic(c.AccountID), events.ConversationUpdated{Conversation: c})
}

func decode(ctx *fasthttp.RequestCtx, v any) bool {
	if len(ctx.PostBody()) == 0 {
		writeError(ctx, badRequest("request body required"))
		return false
	}
	if err := router.DecodeJSON(ctx, v); err != nil {
		writeError(ctx, badRequest("invalid json: %v", err))
		return false
	}
	return true
}
