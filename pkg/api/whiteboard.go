package api

import (
	"github.com/valyala/fasthttp"

	"threadline/pkg/auth"
	"threadline/pkg/models"
	"threadline/pkg/router"
	"threadline/pkg/whiteboard"
)

type saveWhiteboardRequest struct {
	Content          string  `json:"content"`
	ExpectedRevision *uint64 `json:"expected_revision"`
}

type saveWhiteboardResponse struct {
	Revision   uint64            `json:"revision"`
	Whiteboard models.Whiteboard `json:"whiteboard"`
}

type whiteboardView struct {
	Whiteboard   models.Whiteboard    `json:"whiteboard"`
	EditSessions []models.EditSession `json:"edit_sessions"`
}

// editor names who writes: the acting agent, otherwise the account holder.
func editor(id auth.Identity) (whiteboard.Editor, error) {
	switch {
	case id.AgentID != "":
		return whiteboard.Editor{Kind: models.ParticipantAgent, ID: id.AgentID}, nil
	case id.AccountID != "":
		return whiteboard.Editor{Kind: models.ParticipantHuman, ID: id.AccountID}, nil
	}
	return whiteboard.Editor{}, auth.ErrAuthorRequired
}

func (a *API) getWhiteboard(ctx *fasthttp.RequestCtx) {
	c, _, ok := a.loadConversation(ctx, false)
	if !ok {
		return
	}
	wb, err := a.Whiteboard.Get(c.ID)
	if err != nil {
		writeError(ctx, err)
		return
	}
	sessions := a.Whiteboard.Sessions().List(c.ID)
	if sessions == nil {
		sessions = []models.EditSession{}
	}
	router.WriteJSON(ctx, fasthttp.StatusOK, whiteboardView{Whiteboard: wb, EditSessions: sessions})
}

func (a *API) saveWhiteboard(ctx *fasthttp.RequestCtx) {
	c, id, ok := a.loadConversation(ctx, true)
	if !ok {
		return
	}
	ed, err := editor(id)
	if err != nil {
		writeError(ctx, err)
		return
	}
	var req saveWhiteboardRequest
	if !decode(ctx, &req) {
		return
	}
	if req.ExpectedRevision == nil {
		writeError(ctx, badRequest("expected_revision required"))
		return
	}
	wb, err := a.Whiteboard.Save(requestContext(ctx), c.ID, req.Content, *req.ExpectedRevision, ed)
	if err != nil {
		writeError(ctx, err)
		return
	}
	router.WriteJSON(ctx, fasthttp.StatusOK, saveWhiteboardResponse{Revision: wb.Revision, Whiteboard: wb})
}

func (a *API) beginEdit(ctx *fasthttp.RequestCtx) {
	c, id, ok := a.loadConversation(ctx, true)
	if !ok {
		return
	}
	if id.AccountID == "" {
		writeError(ctx, auth.ErrAuthorRequired)
		return
	}
	var req struct {
		SessionID string `json:"session_id"`
	}
	if len(ctx.PostBody()) > 0 && !decode(ctx, &req) {
		return
	}
	s, err := a.Whiteboard.BeginEdit(requestContext(ctx), c.ID, id.AccountID, req.SessionID)
	if err != nil {
		writeError(ctx, err)
		return
	}
	status := fasthttp.StatusCreated
	if req.SessionID != "" && s.ID == req.SessionID {
		status = fasthttp.StatusOK
	}
	router.WriteJSON(ctx, status, s)
}

func (a *API) endEdit(ctx *fasthttp.RequestCtx) {
	c, id, ok := a.loadConversation(ctx, false)
	if !ok {
		return
	}
	if err := a.Whiteboard.EndEdit(c.ID, router.Param(ctx, "session"), id.AccountID); err != nil {
		writeError(ctx, err)
		return
	}
	ctx.SetStatusCode(fasthttp.StatusNoContent)
}
