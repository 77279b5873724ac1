package api

import (
	"strings"

	"github.com/valyala/fasthttp"

	"threadline/pkg/auth"
	"threadline/pkg/events"
	"threadline/pkg/feed"
	"threadline/pkg/models"
	"threadline/pkg/router"
	"threadline/pkg/state/logger"
)

type participantRequest struct {
	Kind        models.ParticipantKind `json:"kind"`
	ID          string                 `json:"id"`
	Name        string                 `json:"name"`
	Color       string                 `json:"color,omitempty"`
	Icon        string                 `json:"icon,omitempty"`
	Eligibility models.Eligibility     `json:"eligibility,omitempty"`
}

func (p participantRequest) model() (models.Participant, error) {
	if p.Kind != models.ParticipantAgent && p.Kind != models.ParticipantHuman {
		return models.Participant{}, badRequest("participant kind must be agent or human")
	}
	if strings.TrimSpace(p.ID) == "" {
		return models.Participant{}, badRequest("participant id required")
	}
	el := p.Eligibility
	switch {
	case p.Kind == models.ParticipantHuman:
		el = ""
	case el == "":
		el = models.EligibilityAssigned
	case el != models.EligibilityAssigned && el != models.EligibilityAddable:
		return models.Participant{}, badRequest("eligibility must be assigned or addable")
	}
	return models.Participant{Kind: p.Kind, ID: p.ID, Name: p.Name, Color: p.Color, Icon: p.Icon, Eligibility: el}, nil
}

type createConversationRequest struct {
	Title          string               `json:"title"`
	AccountID      string               `json:"account_id,omitempty"`
	ManualTurns    bool                 `json:"manual_turns"`
	DefaultAgentID string               `json:"default_agent_id,omitempty"`
	Participants   []participantRequest `json:"participants,omitempty"`
}

type conversationView struct {
	Conversation models.Conversation  `json:"conversation"`
	Participants []models.Participant `json:"participants"`
}

// account resolves the account a request acts for. Privileged callers may
// name one explicitly.
func account(id auth.Identity, explicit string) (string, error) {
	if id.AccountID != "" {
		if explicit != "" && explicit != id.AccountID {
			return "", auth.ErrForbidden
		}
		return id.AccountID, nil
	}
	if id.Privileged() && explicit != "" {
		return explicit, nil
	}
	return "", badRequest("account required")
}

func (a *API) createConversation(ctx *fasthttp.RequestCtx) {
	id := auth.IdentityFrom(ctx)
	var req createConversationRequest
	if !decode(ctx, &req) {
		return
	}
	acct, err := account(id, req.AccountID)
	if err != nil {
		writeError(ctx, err)
		return
	}
	if !req.ManualTurns && req.DefaultAgentID == "" {
		writeError(ctx, badRequest("default_agent_id required unless manual_turns is set"))
		return
	}

	ps := make([]models.Participant, 0, len(req.Participants)+2)
	seen := map[string]bool{}
	for _, pr := range req.Participants {
		p, err := pr.model()
		if err != nil {
			writeError(ctx, err)
			return
		}
		seen[string(p.Kind)+"/"+p.ID] = true
		ps = append(ps, p)
	}
	if !seen["human/"+acct] {
		ps = append(ps, models.Participant{Kind: models.ParticipantHuman, ID: acct})
	}
	if req.DefaultAgentID != "" && !seen["agent/"+req.DefaultAgentID] {
		ps = append(ps, models.Participant{Kind: models.ParticipantAgent, ID: req.DefaultAgentID, Eligibility: models.EligibilityAssigned})
	}

	c, err := a.Store.CreateConversation(models.Conversation{
		Title:          strings.TrimSpace(req.Title),
		AccountID:      acct,
		ManualTurns:    req.ManualTurns,
		DefaultAgentID: req.DefaultAgentID,
	}, ps...)
	if err != nil {
		writeError(ctx, err)
		return
	}
	logger.Info("conversation_created", "conversation_id", c.ID, "account_id", acct, "manual_turns", c.ManualTurns)
	a.publish(feed.ConversationListTopic(acct), events.ConversationUpdated{Conversation: c})
	router.WriteJSON(ctx, fasthttp.StatusCreated, a.authz.Conversation(id, c))
}

func (a *API) listConversations(ctx *fasthttp.RequestCtx) {
	id := auth.IdentityFrom(ctx)
	acct, err := account(id, string(ctx.QueryArgs().Peek("account_id")))
	if err != nil {
		writeError(ctx, err)
		return
	}
	cs, err := a.Store.ListConversations(acct)
	if err != nil {
		writeError(ctx, err)
		return
	}
	out := make([]models.Conversation, 0, len(cs))
	for _, c := range cs {
		out = append(out, a.authz.Conversation(id, c))
	}
	router.WriteJSON(ctx, fasthttp.StatusOK, map[string]any{"conversations": out})
}

func (a *API) getConversation(ctx *fasthttp.RequestCtx) {
	c, id, ok := a.loadConversation(ctx, false)
	if !ok {
		return
	}
	ps, err := a.Store.ListParticipants(c.ID)
	if err != nil {
		writeError(ctx, err)
		return
	}
	if ps == nil {
		ps = []models.Participant{}
	}
	router.WriteJSON(ctx, fasthttp.StatusOK, conversationView{Conversation: a.authz.Conversation(id, c), Participants: ps})
}

type updateConversationRequest struct {
	Title          *string `json:"title"`
	ManualTurns    *bool   `json:"manual_turns"`
	DefaultAgentID *string `json:"default_agent_id"`
}

func (a *API) updateConversation(ctx *fasthttp.RequestCtx) {
	c, id, ok := a.loadConversation(ctx, true)
	if !ok {
		return
	}
	var req updateConversationRequest
	if !decode(ctx, &req) {
		return
	}
	updated, err := a.Store.UpdateConversation(c.ID, func(c *models.Conversation) error {
		if req.Title != nil {
			c.Title = strings.TrimSpace(*req.Title)
		}
		if req.ManualTurns != nil {
			c.ManualTurns = *req.ManualTurns
		}
		if req.DefaultAgentID != nil {
			c.DefaultAgentID = *req.DefaultAgentID
		}
		if !c.ManualTurns && c.DefaultAgentID == "" {
			return badRequest("default_agent_id required unless manual_turns is set")
		}
		return nil
	})
	if err != nil {
		writeError(ctx, err)
		return
	}
	a.publishConversation(updated)
	router.WriteJSON(ctx, fasthttp.StatusOK, a.authz.Conversation(id, updated))
}

func (a *API) deleteConversation(ctx *fasthttp.RequestCtx) {
	c, _, ok := a.loadConversation(ctx, false)
	if !ok {
		return
	}
	updated, err := a.Store.UpdateConversation(c.ID, func(c *models.Conversation) error {
		c.Deleted = true
		return nil
	})
	if err != nil {
		writeError(ctx, err)
		return
	}
	a.Whiteboard.Sessions().Forget(c.ID)
	logger.Info("conversation_deleted", "conversation_id", c.ID)
	a.publishConversation(updated)
	ctx.SetStatusCode(fasthttp.StatusNoContent)
}

func (a *API) archiveConversation(ctx *fasthttp.RequestCtx) {
	c, id, ok := a.loadConversation(ctx, false)
	if !ok {
		return
	}
	archived := true
	if len(ctx.PostBody()) > 0 {
		var req struct {
			Archived *bool `json:"archived"`
		}
		if !decode(ctx, &req) {
			return
		}
		if req.Archived != nil {
			archived = *req.Archived
		}
	}
	updated, err := a.Store.UpdateConversation(c.ID, func(c *models.Conversation) error {
		c.Archived = archived
		return nil
	})
	if err != nil {
		writeError(ctx, err)
		return
	}
	a.publishConversation(updated)
	router.WriteJSON(ctx, fasthttp.StatusOK, a.authz.Conversation(id, updated))
}

func (a *API) addParticipant(ctx *fasthttp.RequestCtx) {
	c, _, ok := a.loadConversation(ctx, true)
	if !ok {
		return
	}
	var req participantRequest
	if !decode(ctx, &req) {
		return
	}
	p, err := req.model()
	if err != nil {
		writeError(ctx, err)
		return
	}
	p.ConversationID = c.ID
	saved, err := a.Store.PutParticipant(p)
	if err != nil {
		writeError(ctx, err)
		return
	}
	a.refreshConversation(c.ID)
	router.WriteJSON(ctx, fasthttp.StatusCreated, saved)
}

func (a *API) removeParticipant(ctx *fasthttp.RequestCtx) {
	c, _, ok := a.loadConversation(ctx, true)
	if !ok {
		return
	}
	kind := models.ParticipantKind(router.Param(ctx, "kind"))
	pid := router.Param(ctx, "pid")
	if kind == models.ParticipantAgent && pid == c.RespondingAgentID {
		writeError(ctx, badRequest("agent %s is responding", pid))
		return
	}
	if err := a.Store.RemoveParticipant(c.ID, kind, pid); err != nil {
		writeError(ctx, err)
		return
	}
	a.refreshConversation(c.ID)
	ctx.SetStatusCode(fasthttp.StatusNoContent)
}

// refreshConversation republishes conversation metadata after a change
// made through another store call.
func (a *API) refreshConversation(convID string) {
	c, err := a.Store.GetConversation(convID)
	if err != nil {
		logger.Warn("conversation_refresh_failed", "conversation_id", convID, "error", err)
		return
	}
	a.publishConversation(c)
}
