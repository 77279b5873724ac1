package api

import (
	"fmt"
	"strings"

	"github.com/valyala/fasthttp"

	"threadline/pkg/auth"
	"threadline/pkg/events"
	"threadline/pkg/feed"
	"threadline/pkg/models"
	"threadline/pkg/router"
	"threadline/pkg/state/logger"
	"threadline/pkg/store"
	"threadline/pkg/turns"
)

type sendMessageRequest struct {
	Content  string           `json:"content"`
	Files    []models.FileRef `json:"files,omitempty"`
	ResendOf string           `json:"resend_of,omitempty"`
}

type sendMessageResponse struct {
	Message   models.Message `json:"message"`
	Turn      *models.Turn   `json:"turn,omitempty"`
	TurnError *rejectionBody `json:"turn_error,omitempty"`
}

func (a *API) maxMessageSize() int {
	if a.Config == nil {
		return 0
	}
	return int(a.Config.Stream.MaxMessageSize.Int64())
}

func (a *API) sendMessage(ctx *fasthttp.RequestCtx) {
	c, id, ok := a.loadConversation(ctx, true)
	if !ok {
		return
	}
	if id.AccountID == "" {
		writeError(ctx, auth.ErrAuthorRequired)
		return
	}
	var req sendMessageRequest
	if !decode(ctx, &req) {
		return
	}
	if strings.TrimSpace(req.Content) == "" && len(req.Files) == 0 {
		writeError(ctx, badRequest("content required"))
		return
	}
	if limit := a.maxMessageSize(); limit > 0 && len(req.Content) > limit {
		router.WriteJSONError(ctx, fasthttp.StatusRequestEntityTooLarge, fmt.Sprintf("message is %d bytes, limit %d", len(req.Content), limit))
		return
	}
	if req.ResendOf != "" {
		orig, err := a.Store.GetMessage(req.ResendOf)
		if err == nil && (orig.ConversationID != c.ID || orig.Role != models.RoleHuman) {
			err = badRequest("resend_of must name a human message in this conversation")
		}
		if err != nil {
			writeError(ctx, err)
			return
		}
	}

	msg, conv, err := a.Store.AppendMessage(models.Message{
		ConversationID:  c.ID,
		Role:            models.RoleHuman,
		Content:         req.Content,
		Files:           req.Files,
		Status:          models.StatusComplete,
		AuthorAccountID: id.AccountID,
		ResendOf:        req.ResendOf,
	}, func(c *models.Conversation, _ models.Message) error {
		if c.Archived || c.Deleted {
			return fmt.Errorf("%w: conversation is closed", auth.ErrForbidden)
		}
		return nil
	})
	if err != nil {
		writeError(ctx, err)
		return
	}
	logger.Info("message_sent", "conversation_id", c.ID, "message_id", msg.ID, "resend_of", req.ResendOf)
	a.publish(feed.MessagesTopic(c.ID), events.MessageCreated{Message: msg})
	a.publishConversation(conv)

	resp := sendMessageResponse{Message: a.authz.Message(id, conv, msg)}
	turn, err := a.Turns.OnHumanMessage(requestContext(ctx), conv)
	switch re, isRejection := turns.AsRejection(err); {
	case err == nil:
		resp.Turn = turn
	case isRejection:
		resp.TurnError = &rejectionBody{Error: re.Error(), Reason: re.Reason}
	default:
		// the message is stored; report the turn failure alongside it
		logger.Warn("message_turn_failed", "conversation_id", c.ID, "message_id", msg.ID, "error", err)
		resp.TurnError = &rejectionBody{Error: err.Error()}
	}
	router.WriteJSON(ctx, fasthttp.StatusCreated, resp)
}

// loadMessage resolves {mid} inside conversation c.
func (a *API) loadMessage(ctx *fasthttp.RequestCtx, c models.Conversation) (models.Message, bool) {
	m, err := a.Store.GetMessage(router.Param(ctx, "mid"))
	if err == nil && (m.ConversationID != c.ID || m.Deleted) {
		err = fmt.Errorf("message %s: %w", m.ID, store.ErrNotFound)
	}
	if err != nil {
		writeError(ctx, err)
		return models.Message{}, false
	}
	return m, true
}

// withLive replaces the stored body of a streaming message with the
// generator's copy when that copy is ahead of the last flush.
func (a *API) withLive(m models.Message) models.Message {
	if a.Live == nil || m.Terminal() {
		return m
	}
	live, ok := a.Live.Snapshot(m.ID)
	if !ok || live.StreamSeq < m.StreamSeq {
		return m
	}
	m.Content, m.Thinking, m.StreamSeq, m.Status = live.Content, live.Thinking, live.StreamSeq, live.Status
	return m
}

func (a *API) getMessage(ctx *fasthttp.RequestCtx) {
	c, id, ok := a.loadConversation(ctx, false)
	if !ok {
		return
	}
	m, ok := a.loadMessage(ctx, c)
	if !ok {
		return
	}
	router.WriteJSON(ctx, fasthttp.StatusOK, a.authz.Message(id, c, a.withLive(m)))
}

func (a *API) editMessage(ctx *fasthttp.RequestCtx) {
	c, id, ok := a.loadConversation(ctx, true)
	if !ok {
		return
	}
	m, ok := a.loadMessage(ctx, c)
	if !ok {
		return
	}
	if !a.authz.Message(id, c, m).Editable {
		writeError(ctx, fmt.Errorf("%w: message is not editable", auth.ErrForbidden))
		return
	}
	var req struct {
		Content string `json:"content"`
	}
	if !decode(ctx, &req) {
		return
	}
	if strings.TrimSpace(req.Content) == "" {
		writeError(ctx, badRequest("content required"))
		return
	}
	if limit := a.maxMessageSize(); limit > 0 && len(req.Content) > limit {
		router.WriteJSONError(ctx, fasthttp.StatusRequestEntityTooLarge, fmt.Sprintf("message is %d bytes, limit %d", len(req.Content), limit))
		return
	}
	updated, err := a.Store.UpdateMessage(m.ID, func(m *models.Message) error {
		if !m.Terminal() {
			return fmt.Errorf("%w: message is still streaming", auth.ErrForbidden)
		}
		m.Content = req.Content
		return nil
	})
	if err != nil {
		writeError(ctx, err)
		return
	}
	a.publish(feed.MessagesTopic(c.ID), events.MessageUpdated{Message: updated})
	router.WriteJSON(ctx, fasthttp.StatusOK, a.authz.Message(id, c, updated))
}

func (a *API) deleteMessage(ctx *fasthttp.RequestCtx) {
	c, id, ok := a.loadConversation(ctx, true)
	if !ok {
		return
	}
	m, ok := a.loadMessage(ctx, c)
	if !ok {
		return
	}
	if !a.authz.Message(id, c, m).Deletable {
		writeError(ctx, fmt.Errorf("%w: message is not deletable", auth.ErrForbidden))
		return
	}
	if _, err := a.Store.UpdateMessage(m.ID, func(m *models.Message) error {
		m.Deleted = true
		return nil
	}); err != nil {
		writeError(ctx, err)
		return
	}
	logger.Info("message_deleted", "conversation_id", c.ID, "message_id", m.ID)
	a.publish(feed.MessagesTopic(c.ID), events.MessageDeleted{ConversationID: c.ID, MessageID: m.ID})
	ctx.SetStatusCode(fasthttp.StatusNoContent)
}

func (a *API) retryMessage(ctx *fasthttp.RequestCtx) {
	c, _, ok := a.loadConversation(ctx, true)
	if !ok {
		return
	}
	turn, err := a.Turns.Retry(requestContext(ctx), c.ID, router.Param(ctx, "mid"))
	if err != nil {
		writeError(ctx, err)
		return
	}
	router.WriteJSON(ctx, fasthttp.StatusAccepted, map[string]any{"turn": turn})
}

func (a *API) history(ctx *fasthttp.RequestCtx) {
	c, id, ok := a.loadConversation(ctx, false)
	if !ok {
		return
	}
	page, err := a.Pager.LoadOlder(requestContext(ctx), c.ID, string(ctx.QueryArgs().Peek("before")))
	if err != nil {
		writeError(ctx, err)
		return
	}
	if page.Messages == nil {
		page.Messages = []models.Message{}
	}
	for i, m := range page.Messages {
		page.Messages[i] = a.withLive(m)
	}
	page.Messages = a.authz.Messages(id, c, page.Messages)
	router.WriteJSON(ctx, fasthttp.StatusOK, page)
}

func (a *API) agents(ctx *fasthttp.RequestCtx) {
	c, _, ok := a.loadConversation(ctx, false)
	if !ok {
		return
	}
	ag, err := a.Turns.Eligible(c.ID)
	if err != nil {
		writeError(ctx, err)
		return
	}
	router.WriteJSON(ctx, fasthttp.StatusOK, ag)
}

func (a *API) trigger(ctx *fasthttp.RequestCtx) {
	c, _, ok := a.loadConversation(ctx, true)
	if !ok {
		return
	}
	turn, err := a.Turns.Trigger(requestContext(ctx), c.ID, router.Param(ctx, "agent"))
	if err != nil {
		writeError(ctx, err)
		return
	}
	router.WriteJSON(ctx, fasthttp.StatusAccepted, map[string]any{"turn": turn})
}
